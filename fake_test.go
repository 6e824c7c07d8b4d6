package xbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"golang.org/x/oauth2"

	"github.com/xbridge/xbridge/smartglass"
	"github.com/xbridge/xbridge/ucapi"
)

// fakeProvider is an httptest identity provider serving the device-code and
// token endpoints with scripted responses.
type fakeProvider struct {
	t      *testing.T
	server *httptest.Server

	mu               sync.Mutex
	grant            DeviceAuthorization
	pollResponses    []fakeTokenResponse
	refreshResponses []fakeTokenResponse
	exchangeResponse *fakeTokenResponse
	deviceCalls      int
	pollCalls        int
	refreshCalls     int
}

type fakeTokenResponse struct {
	status int
	body   map[string]any
}

func tokenResponse(access, refresh string) fakeTokenResponse {
	return fakeTokenResponse{
		status: http.StatusOK,
		body: map[string]any{
			"token_type":    "bearer",
			"access_token":  access,
			"refresh_token": refresh,
			"expires_in":    3600,
			"scope":         "Xboxlive.signin Xboxlive.offline_access",
		},
	}
}

func oauthError(code string) fakeTokenResponse {
	return fakeTokenResponse{
		status: http.StatusBadRequest,
		body:   map[string]any{"error": code, "error_description": code + " description"},
	}
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	p := &fakeProvider{
		t: t,
		grant: DeviceAuthorization{
			DeviceCode:      "device-code-1",
			UserCode:        "ABCD-1234",
			VerificationURI: "https://example.com/link",
			ExpiresIn:       900,
			Interval:        1,
		},
	}
	p.server = httptest.NewServer(http.HandlerFunc(p.handler))
	t.Cleanup(p.server.Close)
	return p
}

func (p *fakeProvider) endpoint() oauth2.Endpoint {
	return oauth2.Endpoint{
		AuthURL:       p.server.URL + "/authorize",
		TokenURL:      p.server.URL + "/token",
		DeviceAuthURL: p.server.URL + "/devicecode",
	}
}

func (p *fakeProvider) negotiator(creds Credentials) *Negotiator {
	return NewNegotiator(creds, WithEndpoint(p.endpoint()))
}

func (p *fakeProvider) handler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch r.URL.Path {
	case "/devicecode":
		p.deviceCalls++
		writeJSON(w, http.StatusOK, p.grant)
	case "/token":
		switch r.PostFormValue("grant_type") {
		case grantTypeDeviceCode:
			p.pollCalls++
			resp := oauthError("authorization_pending")
			if len(p.pollResponses) > 0 {
				resp = p.pollResponses[0]
				p.pollResponses = p.pollResponses[1:]
			}
			writeJSON(w, resp.status, resp.body)
		case grantTypeRefreshToken:
			p.refreshCalls++
			resp := tokenResponse(fmt.Sprintf("refreshed-%d", p.refreshCalls), r.PostFormValue("refresh_token"))
			if len(p.refreshResponses) > 0 {
				resp = p.refreshResponses[0]
				p.refreshResponses = p.refreshResponses[1:]
			}
			writeJSON(w, resp.status, resp.body)
		case "authorization_code":
			resp := tokenResponse("exchanged-token", "exchanged-refresh")
			if p.exchangeResponse != nil {
				resp = *p.exchangeResponse
			}
			writeJSON(w, resp.status, resp.body)
		default:
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unsupported_grant_type"})
		}
	default:
		http.NotFound(w, r)
	}
}

func (p *fakeProvider) queuePoll(responses ...fakeTokenResponse) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pollResponses = append(p.pollResponses, responses...)
}

func (p *fakeProvider) queueRefresh(responses ...fakeTokenResponse) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshResponses = append(p.refreshResponses, responses...)
}

func (p *fakeProvider) counts() (device, poll, refresh int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deviceCalls, p.pollCalls, p.refreshCalls
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// fakeConsole records console API calls and serves scripted state.
type fakeConsole struct {
	mu             sync.Mutex
	calls          []string
	commandErr     error
	commandErrOnce bool
	status         smartglass.ConsoleStatus
	statusErr      error
	presence       smartglass.Presence
	presenceErr    error
	profile        smartglass.Profile
	profileErr     error
}

var _ ConsoleClient = (*fakeConsole)(nil)

func (c *fakeConsole) record(call string) {
	c.mu.Lock()
	c.calls = append(c.calls, call)
	c.mu.Unlock()
}

func (c *fakeConsole) nextCommandErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.commandErr == nil {
		return nil
	}
	err := c.commandErr
	if c.commandErrOnce {
		c.commandErr = nil
	}
	return err
}

func (c *fakeConsole) recorded() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *fakeConsole) setPresence(presence smartglass.Presence, err error) {
	c.mu.Lock()
	c.presence = presence
	c.presenceErr = err
	c.mu.Unlock()
}

func (c *fakeConsole) Wake(_ context.Context, liveID string) error {
	c.record("wake:" + liveID)
	return c.nextCommandErr()
}

func (c *fakeConsole) TurnOff(_ context.Context, liveID string) error {
	c.record("turnoff:" + liveID)
	return c.nextCommandErr()
}

func (c *fakeConsole) PressButton(_ context.Context, liveID string, button smartglass.Button) error {
	c.record(fmt.Sprintf("press:%s:%s", liveID, button))
	return c.nextCommandErr()
}

func (c *fakeConsole) Volume(_ context.Context, liveID string, direction smartglass.VolumeDirection) error {
	c.record(fmt.Sprintf("volume:%s:%s", liveID, direction))
	return c.nextCommandErr()
}

func (c *fakeConsole) Mute(_ context.Context, liveID string) error {
	c.record("mute:" + liveID)
	return c.nextCommandErr()
}

func (c *fakeConsole) Unmute(_ context.Context, liveID string) error {
	c.record("unmute:" + liveID)
	return c.nextCommandErr()
}

func (c *fakeConsole) InsertText(_ context.Context, liveID, text string) error {
	c.record(fmt.Sprintf("text:%s:%s", liveID, text))
	return c.nextCommandErr()
}

func (c *fakeConsole) LaunchApp(_ context.Context, liveID, productID string) error {
	c.record(fmt.Sprintf("launch:%s:%s", liveID, productID))
	return c.nextCommandErr()
}

func (c *fakeConsole) ConsoleStatus(_ context.Context, liveID string) (smartglass.ConsoleStatus, error) {
	c.record("status:" + liveID)
	return c.status, c.statusErr
}

func (c *fakeConsole) Presence(_ context.Context, xuid string) (smartglass.Presence, error) {
	c.record("presence:" + xuid)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.presence, c.presenceErr
}

func (c *fakeConsole) Profile(_ context.Context) (smartglass.Profile, error) {
	c.record("profile")
	if c.profileErr != nil {
		return smartglass.Profile{}, c.profileErr
	}
	if c.profile == (smartglass.Profile{}) {
		return smartglass.Profile{XUID: "xuid-1", Gamertag: "TestTag"}, nil
	}
	return c.profile, nil
}

// fakeAPI records host-side registrations and pushes.
type fakeAPI struct {
	mu       sync.Mutex
	entities []ucapi.Entity
	updates  []attrUpdate
	states   []ucapi.DeviceState
}

type attrUpdate struct {
	entityID string
	attrs    map[string]string
}

var _ ucapi.API = (*fakeAPI)(nil)

func (a *fakeAPI) RegisterEntity(_ context.Context, entity ucapi.Entity) error {
	a.mu.Lock()
	a.entities = append(a.entities, entity)
	a.mu.Unlock()
	return nil
}

func (a *fakeAPI) UpdateAttributes(_ context.Context, entityID string, attrs map[string]string) error {
	copied := make(map[string]string, len(attrs))
	for k, v := range attrs {
		copied[k] = v
	}
	a.mu.Lock()
	a.updates = append(a.updates, attrUpdate{entityID: entityID, attrs: copied})
	a.mu.Unlock()
	return nil
}

func (a *fakeAPI) SetDeviceState(_ context.Context, state ucapi.DeviceState) error {
	a.mu.Lock()
	a.states = append(a.states, state)
	a.mu.Unlock()
	return nil
}

func (a *fakeAPI) updatesFor(entityID string) []attrUpdate {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []attrUpdate
	for _, update := range a.updates {
		if update.entityID == entityID {
			out = append(out, update)
		}
	}
	return out
}

func (a *fakeAPI) lastState() ucapi.DeviceState {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.states) == 0 {
		return ""
	}
	return a.states[len(a.states)-1]
}
