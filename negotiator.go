package xbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// Endpoints for the Microsoft consumer identity platform. The device-code
// grant lives on the converged endpoint; the classic Live endpoints serve the
// authorization-code flow.
var liveEndpoint = oauth2.Endpoint{
	AuthURL:       "https://login.live.com/oauth20_authorize.srf",
	TokenURL:      "https://login.live.com/oauth20_token.srf",
	DeviceAuthURL: "https://login.microsoftonline.com/consumers/oauth2/v2.0/devicecode",
}

var defaultScopes = []string{"Xboxlive.signin", "Xboxlive.offline_access"}

const (
	defaultPollInterval   = 5 * time.Second
	defaultGrantLifetime  = 15 * time.Minute
	slowDownPenalty       = 5 * time.Second
	grantTypeDeviceCode   = "urn:ietf:params:oauth:grant-type:device_code"
	grantTypeRefreshToken = "refresh_token"
)

// Negotiator drives both authorization flows against the identity provider
// and renews token sets. It does not persist anything.
type Negotiator struct {
	creds    Credentials
	endpoint oauth2.Endpoint
	scopes   []string
	client   *http.Client
	logger   *slog.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

type NegotiatorOpt func(*Negotiator)

func WithEndpoint(endpoint oauth2.Endpoint) NegotiatorOpt {
	return func(n *Negotiator) {
		n.endpoint = endpoint
	}
}

func WithScopes(scopes ...string) NegotiatorOpt {
	return func(n *Negotiator) {
		n.scopes = scopes
	}
}

func WithHTTPClient(client *http.Client) NegotiatorOpt {
	return func(n *Negotiator) {
		n.client = client
	}
}

func WithNegotiatorLogger(logger *slog.Logger) NegotiatorOpt {
	return func(n *Negotiator) {
		n.logger = logger
	}
}

func NewNegotiator(creds Credentials, opts ...NegotiatorOpt) *Negotiator {
	n := &Negotiator{
		creds:    creds,
		endpoint: liveEndpoint,
		scopes:   defaultScopes,
		client:   http.DefaultClient,
		logger:   slog.Default(),
		now:      time.Now,
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *Negotiator) oauth2Config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     n.creds.ClientID,
		ClientSecret: n.creds.ClientSecret,
		Endpoint:     n.endpoint,
		RedirectURL:  n.creds.RedirectURL,
		Scopes:       n.scopes,
	}
}

// AuthorizationURL builds the browser URL for the authorization-code flow.
func (n *Negotiator) AuthorizationURL(state string) string {
	return n.oauth2Config().AuthCodeURL(state)
}

// ExtractCode pulls the authorization code out of whatever the user pasted:
// a bare code, a full redirect URL, or a percent-encoded redirect URL. Input
// that is neither a recognizable URL nor a query string is assumed to be a
// bare code. A redirect carrying a provider error is classified instead.
func (n *Negotiator) ExtractCode(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("%w: authorization response", ErrInvalidInput)
	}

	if strings.HasPrefix(input, "http%3A") || strings.HasPrefix(input, "https%3A") {
		decoded, err := url.QueryUnescape(input)
		if err != nil {
			return "", fmt.Errorf("%w: undecodable redirect URL", ErrAuthExchangeFailed)
		}
		input = decoded
	}

	isURL := strings.HasPrefix(input, "http://") || strings.HasPrefix(input, "https://")
	if !isURL && !strings.Contains(input, "code=") && !strings.Contains(input, "error=") {
		return input, nil
	}

	var query url.Values
	if isURL {
		u, err := url.Parse(input)
		if err != nil {
			return "", fmt.Errorf("%w: unparseable redirect URL", ErrAuthExchangeFailed)
		}
		query = u.Query()
	} else {
		values, err := url.ParseQuery(strings.TrimPrefix(input, "?"))
		if err != nil {
			return input, nil
		}
		query = values
	}

	if errCode := query.Get("error"); errCode != "" {
		return "", newAuthError(errCode, query.Get("error_description"))
	}
	if code := query.Get("code"); code != "" {
		return code, nil
	}
	return "", fmt.Errorf("%w: redirect carries no authorization code", ErrAuthExchangeFailed)
}

// ExchangeCode redeems an authorization code for a token set.
func (n *Negotiator) ExchangeCode(ctx context.Context, code string) (TokenSet, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, n.client)
	tok, err := n.oauth2Config().Exchange(ctx, code)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			return TokenSet{}, newAuthError(retrieveErr.ErrorCode, retrieveErr.ErrorDescription)
		}
		return TokenSet{}, fmt.Errorf("%w: %w", ErrAuthExchangeFailed, err)
	}
	return tokenSetFromOAuth2(tok, n.now()), nil
}

// DeviceAuthorization is the provider's response to a device-code request.
type DeviceAuthorization struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

// RequestDeviceCode starts the device-code flow. The returned grant holds the
// user-facing verification URI and code alongside the opaque device code to
// poll with.
func (n *Negotiator) RequestDeviceCode(ctx context.Context) (*DeviceAuthorization, error) {
	form := url.Values{
		"client_id": {n.creds.ClientID},
		"scope":     {strings.Join(n.scopes, " ")},
	}

	body, err := n.postForm(ctx, n.endpoint.DeviceAuthURL, form)
	if err != nil {
		return nil, err
	}

	var grant DeviceAuthorization
	if err := json.Unmarshal(body, &grant); err != nil {
		return nil, fmt.Errorf("%w: bad device authorization response: %w", ErrAuthExchangeFailed, err)
	}
	if grant.DeviceCode == "" || grant.UserCode == "" {
		return nil, fmt.Errorf("%w: incomplete device authorization response", ErrAuthExchangeFailed)
	}
	if grant.Interval <= 0 {
		grant.Interval = int(defaultPollInterval / time.Second)
	}
	if grant.ExpiresIn <= 0 {
		grant.ExpiresIn = int(defaultGrantLifetime / time.Second)
	}
	return &grant, nil
}

// PollForTokens redeems a device-code grant, sleeping the provider-announced
// interval between attempts. A slow_down response raises the interval by 5s
// for the rest of the loop. Declined, expired, and invalid grants terminate
// immediately, as does any non-pending provider error.
func (n *Negotiator) PollForTokens(ctx context.Context, grant *DeviceAuthorization) (TokenSet, error) {
	interval := time.Duration(grant.Interval) * time.Second
	if interval <= 0 {
		interval = defaultPollInterval
	}
	deadline := n.now().Add(time.Duration(grant.ExpiresIn) * time.Second)

	for {
		tokens, err := n.redeemDeviceCode(ctx, grant.DeviceCode)
		if err == nil {
			return tokens, nil
		}
		if !errors.Is(err, ErrAuthorizationPending) {
			return TokenSet{}, err
		}

		var authErr *AuthError
		if errors.As(err, &authErr) && authErr.Code == "slow_down" {
			interval += slowDownPenalty
			n.logger.Debug("provider requested slower polling", "interval", interval)
		}

		if !n.now().Add(interval).Before(deadline) {
			return TokenSet{}, fmt.Errorf("%w: grant lapsed before the user authorized", ErrDeviceCodeExpired)
		}
		if err := n.sleep(ctx, interval); err != nil {
			return TokenSet{}, err
		}
	}
}

func (n *Negotiator) redeemDeviceCode(ctx context.Context, deviceCode string) (TokenSet, error) {
	form := url.Values{
		"grant_type":  {grantTypeDeviceCode},
		"device_code": {deviceCode},
		"client_id":   {n.creds.ClientID},
	}
	if n.creds.Confidential() {
		form.Set("client_secret", n.creds.ClientSecret)
	}
	return n.requestTokens(ctx, form)
}

// RefreshToken exchanges a refresh token for a fresh token set. The input set
// is untouched; callers decide what to persist.
func (n *Negotiator) RefreshToken(ctx context.Context, tokens TokenSet) (TokenSet, error) {
	if !tokens.Renewable() {
		return TokenSet{}, ErrTokenNotRenewable
	}

	form := url.Values{
		"grant_type":    {grantTypeRefreshToken},
		"refresh_token": {tokens.RefreshToken},
		"client_id":     {n.creds.ClientID},
		"scope":         {strings.Join(n.scopes, " ")},
	}
	if n.creds.Confidential() {
		form.Set("client_secret", n.creds.ClientSecret)
	}

	refreshed, err := n.requestTokens(ctx, form)
	if err != nil {
		return TokenSet{}, fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}
	if refreshed.RefreshToken == "" {
		// Some providers omit the refresh token when it is unchanged.
		refreshed.RefreshToken = tokens.RefreshToken
	}
	return refreshed, nil
}

func (n *Negotiator) requestTokens(ctx context.Context, form url.Values) (TokenSet, error) {
	body, err := n.postForm(ctx, n.endpoint.TokenURL, form)
	if err != nil {
		return TokenSet{}, err
	}

	var payload struct {
		TokenType    string `json:"token_type"`
		Scope        string `json:"scope"`
		ExpiresIn    int    `json:"expires_in"`
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return TokenSet{}, fmt.Errorf("%w: bad token response: %w", ErrAuthExchangeFailed, err)
	}
	if payload.AccessToken == "" {
		return TokenSet{}, fmt.Errorf("%w: token response without access token", ErrAuthExchangeFailed)
	}
	return TokenSet{
		TokenType:    payload.TokenType,
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		ExpiresIn:    payload.ExpiresIn,
		IssuedAt:     n.now(),
		Scope:        payload.Scope,
	}, nil
}

// postForm submits a token-endpoint request and returns the success body. A
// non-2xx response carrying an OAuth error document becomes an AuthError.
func (n *Negotiator) postForm(ctx context.Context, endpoint string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthExchangeFailed, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}

	var oauthErr struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.Unmarshal(body, &oauthErr); err == nil && oauthErr.Error != "" {
		return nil, newAuthError(oauthErr.Error, oauthErr.ErrorDescription)
	}
	return nil, fmt.Errorf("%w: %s from %s", ErrAuthExchangeFailed, resp.Status, endpoint)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
