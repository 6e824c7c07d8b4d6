// Package smartglass is a minimal client for the Xbox remote-management web
// APIs: power and input commands, console status, presence, and the signed-in
// profile.
package smartglass

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
)

// Endpoints are the provider URLs the client talks to. Overridable for tests.
type Endpoints struct {
	Commands      string
	ConsoleStatus string
	PeopleHub     string
	Profile       string
}

var defaultEndpoints = Endpoints{
	Commands:      "https://xccs.xboxlive.com/commands",
	ConsoleStatus: "https://xccs.xboxlive.com/consoles/%s",
	PeopleHub:     "https://peoplehub.xboxlive.com/users/me/people/xuids(%s)/decoration/presenceDetail",
	Profile:       "https://profile.xboxlive.com/users/me/profile/settings?settings=Gamertag,ModernGamertag",
}

// TokenSource supplies the current bearer token per request, so the client
// handle survives token refreshes.
type TokenSource func() string

// StatusError is a non-2xx provider response. The status code lets callers
// distinguish rejected authorization from other failures.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("console API responded %d: %s", e.StatusCode, e.Body)
}

// AuthRejected reports whether the provider refused the bearer token.
func (e *StatusError) AuthRejected() bool {
	return e.StatusCode == http.StatusBadRequest || e.StatusCode == http.StatusUnauthorized
}

// Client issues console commands and reads console state. Reads retry on
// transient failures; command posts are single-shot so a power press is never
// duplicated.
type Client struct {
	tokens    TokenSource
	endpoints Endpoints
	reader    *retryablehttp.Client
	poster    *http.Client
	logger    *slog.Logger
	sourceID  string
}

type Opt func(*Client)

func WithEndpoints(endpoints Endpoints) Opt {
	return func(c *Client) {
		c.endpoints = endpoints
	}
}

func WithLogger(logger *slog.Logger) Opt {
	return func(c *Client) {
		c.logger = logger
	}
}

func WithHTTPClient(client *http.Client) Opt {
	return func(c *Client) {
		c.poster = client
		c.reader.HTTPClient = client
	}
}

func New(tokens TokenSource, opts ...Opt) *Client {
	reader := retryablehttp.NewClient()
	reader.RetryMax = 2
	reader.Logger = nil
	reader.ErrorHandler = retryablehttp.PassthroughErrorHandler

	c := &Client{
		tokens:    tokens,
		endpoints: defaultEndpoints,
		reader:    reader,
		poster:    http.DefaultClient,
		sourceID:  uuid.NewString(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

const (
	commandTypePower = "Power"
	commandTypeAudio = "Audio"
	commandTypeShell = "Shell"
)

type commandRequest struct {
	Destination  string              `json:"destination"`
	CommandType  string              `json:"type"`
	Command      string              `json:"command"`
	SessionID    string              `json:"sessionId"`
	SourceID     string              `json:"sourceId"`
	Parameters   []map[string]string `json:"parameters,omitempty"`
	LinkedXboxID string              `json:"linkedXboxId"`
}

func (c *Client) Wake(ctx context.Context, liveID string) error {
	return c.sendCommand(ctx, liveID, commandTypePower, "WakeUp", nil)
}

func (c *Client) TurnOff(ctx context.Context, liveID string) error {
	return c.sendCommand(ctx, liveID, commandTypePower, "TurnOff", nil)
}

func (c *Client) PressButton(ctx context.Context, liveID string, button Button) error {
	return c.sendCommand(ctx, liveID, commandTypeShell, "InjectKey",
		[]map[string]string{{"keyType": string(button)}})
}

func (c *Client) Volume(ctx context.Context, liveID string, direction VolumeDirection) error {
	return c.sendCommand(ctx, liveID, commandTypeAudio, "Volume",
		[]map[string]string{{"direction": string(direction), "amount": "1"}})
}

func (c *Client) Mute(ctx context.Context, liveID string) error {
	return c.sendCommand(ctx, liveID, commandTypeAudio, "Mute", nil)
}

func (c *Client) Unmute(ctx context.Context, liveID string) error {
	return c.sendCommand(ctx, liveID, commandTypeAudio, "Unmute", nil)
}

func (c *Client) InsertText(ctx context.Context, liveID, text string) error {
	return c.sendCommand(ctx, liveID, commandTypeShell, "InjectString",
		[]map[string]string{{"replacementString": text}})
}

// LaunchApp activates a store product on the console. The pseudo product ID
// "Home" returns to the dashboard instead.
func (c *Client) LaunchApp(ctx context.Context, liveID, productID string) error {
	if productID == "Home" {
		return c.sendCommand(ctx, liveID, commandTypeShell, "GoHome", nil)
	}
	return c.sendCommand(ctx, liveID, commandTypeShell, "ActivateApplicationWithOneStoreProductId",
		[]map[string]string{{"oneStoreProductId": productID}})
}

func (c *Client) sendCommand(ctx context.Context, liveID, commandType, command string, params []map[string]string) error {
	payload := commandRequest{
		Destination:  "Xbox",
		CommandType:  commandType,
		Command:      command,
		SessionID:    uuid.NewString(),
		SourceID:     c.sourceID,
		Parameters:   params,
		LinkedXboxID: liveID,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed encoding %s command: %w", command, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoints.Commands, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed building %s command: %w", command, err)
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.poster.Do(req)
	if err != nil {
		return fmt.Errorf("failed sending %s command: %w", command, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)

	if c.logger != nil {
		c.logger.Debug("console command sent",
			"command", command, "type", commandType, "liveID", liveID)
	}
	return nil
}

// ConsoleStatus is the reported power and playback state of one console.
type ConsoleStatus struct {
	PowerState    string `json:"powerState"`
	PlaybackState string `json:"playbackState"`
}

func (s ConsoleStatus) On() bool {
	return s.PowerState == "On"
}

func (c *Client) ConsoleStatus(ctx context.Context, liveID string) (ConsoleStatus, error) {
	var status ConsoleStatus
	url := fmt.Sprintf(c.endpoints.ConsoleStatus, liveID)
	if err := c.getJSON(ctx, url, &status); err != nil {
		return ConsoleStatus{}, err
	}
	return status, nil
}

// Presence is the online state of the signed-in account, with the active
// title when one is in focus.
type Presence struct {
	State      string
	TitleName  string
	TitleImage string
}

func (p Presence) Online() bool {
	return p.State == "Online"
}

func (c *Client) Presence(ctx context.Context, xuid string) (Presence, error) {
	var payload struct {
		People []struct {
			PresenceState string `json:"presenceState"`
			PresenceText  string `json:"presenceText"`
			DisplayPicRaw string `json:"displayPicRaw"`
			PresenceDetails []struct {
				IsPrimary bool   `json:"isPrimary"`
				TitleName string `json:"titleName"`
			} `json:"presenceDetails"`
		} `json:"people"`
	}

	url := fmt.Sprintf(c.endpoints.PeopleHub, xuid)
	if err := c.getJSON(ctx, url, &payload); err != nil {
		return Presence{}, err
	}
	if len(payload.People) == 0 {
		return Presence{State: "Offline"}, nil
	}

	person := payload.People[0]
	presence := Presence{
		State:      person.PresenceState,
		TitleImage: person.DisplayPicRaw,
	}
	for _, detail := range person.PresenceDetails {
		if detail.IsPrimary {
			presence.TitleName = detail.TitleName
			break
		}
	}
	if presence.TitleName == "" {
		presence.TitleName = person.PresenceText
	}
	return presence, nil
}

// Profile is the identity of the signed-in account.
type Profile struct {
	XUID     string
	Gamertag string
}

func (c *Client) Profile(ctx context.Context) (Profile, error) {
	var payload struct {
		ProfileUsers []struct {
			ID       string `json:"id"`
			Settings []struct {
				ID    string `json:"id"`
				Value string `json:"value"`
			} `json:"settings"`
		} `json:"profileUsers"`
	}

	if err := c.getJSON(ctx, c.endpoints.Profile, &payload); err != nil {
		return Profile{}, err
	}
	if len(payload.ProfileUsers) == 0 {
		return Profile{}, fmt.Errorf("profile response carries no users")
	}

	user := payload.ProfileUsers[0]
	profile := Profile{XUID: user.ID}
	for _, setting := range user.Settings {
		switch setting.ID {
		case "ModernGamertag":
			if setting.Value != "" {
				profile.Gamertag = setting.Value
			}
		case "Gamertag":
			if profile.Gamertag == "" {
				profile.Gamertag = setting.Value
			}
		}
	}
	return profile, nil
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed building request: %w", err)
	}
	c.setHeaders(req.Request)

	resp, err := c.reader.Do(req)
	if err != nil {
		return fmt.Errorf("failed fetching %s: %w", url, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed decoding response from %s: %w", url, err)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", c.tokens())
	req.Header.Set("x-xbl-contract-version", "4")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Language", "en-US")
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
}
