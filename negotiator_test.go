package xbridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractCode(t *testing.T) {
	negotiator := NewNegotiator(Credentials{ClientID: "client-1"})

	for name, test := range map[string]struct {
		input string
		code  string
	}{
		"bare code": {
			input: "M.R3_BAY.abc-def",
			code:  "M.R3_BAY.abc-def",
		},
		"full redirect URL": {
			input: "http://localhost:8080/callback?code=M.R3_BAY.abc-def&state=xyz",
			code:  "M.R3_BAY.abc-def",
		},
		"percent-encoded redirect URL": {
			input: "http%3A%2F%2Flocalhost%3A8080%2Fcallback%3Fcode%3DM.R3_BAY.abc-def",
			code:  "M.R3_BAY.abc-def",
		},
		"query string without scheme": {
			input: "?code=M.R3_BAY.abc-def",
			code:  "M.R3_BAY.abc-def",
		},
		"ambiguous input treated as bare code": {
			input: "not-a-url-but-also-not-a-code-shape",
			code:  "not-a-url-but-also-not-a-code-shape",
		},
		"surrounding whitespace trimmed": {
			input: "  M.R3_BAY.abc-def \n",
			code:  "M.R3_BAY.abc-def",
		},
	} {
		t.Run(name, func(t *testing.T) {
			code, err := negotiator.ExtractCode(test.input)
			require.NoError(t, err)
			assert.Equal(t, test.code, code)
		})
	}

	t.Run("empty input", func(t *testing.T) {
		_, err := negotiator.ExtractCode("   ")
		assert.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("redirect without code", func(t *testing.T) {
		_, err := negotiator.ExtractCode("http://localhost:8080/callback?state=xyz")
		assert.ErrorIs(t, err, ErrAuthExchangeFailed)
	})

	t.Run("provider error classified", func(t *testing.T) {
		_, err := negotiator.ExtractCode(
			"http://localhost:8080/callback?error=invalid_client&error_description=The%20request%20body%20must%20contain%20the%20client%20secret")
		require.Error(t, err)
		var authErr *AuthError
		require.ErrorAs(t, err, &authErr)
		assert.Equal(t, "invalid_client", authErr.Code)
		assert.Equal(t, GuidanceMissingClientSecret, authErr.Guidance())
	})

	t.Run("redirect mismatch guidance", func(t *testing.T) {
		_, err := negotiator.ExtractCode(
			"http://localhost:8080/callback?error=invalid_request&error_description=The%20provided%20redirect%20url%20is%20not%20valid")
		var authErr *AuthError
		require.ErrorAs(t, err, &authErr)
		assert.Equal(t, GuidanceRedirectMismatch, authErr.Guidance())
	})
}

// pollNegotiator wires a fake clock that only advances when the poll loop
// sleeps, so interval arithmetic is observable without real waiting.
func pollNegotiator(p *fakeProvider) (*Negotiator, *[]time.Duration) {
	sleeps := new([]time.Duration)
	current := time.Now()
	negotiator := p.negotiator(Credentials{ClientID: "client-1"})
	negotiator.now = func() time.Time { return current }
	negotiator.sleep = func(_ context.Context, d time.Duration) error {
		*sleeps = append(*sleeps, d)
		current = current.Add(d)
		return nil
	}
	return negotiator, sleeps
}

func TestPollForTokens(t *testing.T) {
	grant := &DeviceAuthorization{DeviceCode: "device-code-1", ExpiresIn: 900, Interval: 5}

	t.Run("pending then success", func(t *testing.T) {
		provider := newFakeProvider(t)
		provider.queuePoll(
			oauthError("authorization_pending"),
			oauthError("authorization_pending"),
			tokenResponse("tok1", "refresh1"),
		)
		negotiator, sleeps := pollNegotiator(provider)

		tokens, err := negotiator.PollForTokens(context.Background(), grant)
		require.NoError(t, err)
		assert.Equal(t, "tok1", tokens.AccessToken)
		assert.Equal(t, "refresh1", tokens.RefreshToken)
		assert.True(t, tokens.Renewable())

		_, polls, _ := provider.counts()
		assert.Equal(t, 3, polls)
		assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, *sleeps)
	})

	t.Run("slow_down raises the interval", func(t *testing.T) {
		provider := newFakeProvider(t)
		provider.queuePoll(
			oauthError("slow_down"),
			oauthError("authorization_pending"),
			tokenResponse("tok1", "refresh1"),
		)
		negotiator, sleeps := pollNegotiator(provider)

		_, err := negotiator.PollForTokens(context.Background(), grant)
		require.NoError(t, err)
		assert.Equal(t, []time.Duration{10 * time.Second, 10 * time.Second}, *sleeps)
	})

	t.Run("declined terminates without sleeping", func(t *testing.T) {
		provider := newFakeProvider(t)
		provider.queuePoll(oauthError("authorization_declined"))
		negotiator, sleeps := pollNegotiator(provider)

		_, err := negotiator.PollForTokens(context.Background(), grant)
		assert.ErrorIs(t, err, ErrAuthorizationDeclined)
		assert.Empty(t, *sleeps)
		_, polls, _ := provider.counts()
		assert.Equal(t, 1, polls)
	})

	t.Run("expired grant terminates", func(t *testing.T) {
		provider := newFakeProvider(t)
		provider.queuePoll(oauthError("expired_token"))
		negotiator, _ := pollNegotiator(provider)

		_, err := negotiator.PollForTokens(context.Background(), grant)
		assert.ErrorIs(t, err, ErrDeviceCodeExpired)
	})

	t.Run("invalid device code terminates", func(t *testing.T) {
		provider := newFakeProvider(t)
		provider.queuePoll(oauthError("bad_verification_code"))
		negotiator, _ := pollNegotiator(provider)

		_, err := negotiator.PollForTokens(context.Background(), grant)
		assert.ErrorIs(t, err, ErrInvalidDeviceCode)
	})

	t.Run("grant lifetime bounds the loop", func(t *testing.T) {
		provider := newFakeProvider(t)
		negotiator, sleeps := pollNegotiator(provider)

		short := &DeviceAuthorization{DeviceCode: "device-code-1", ExpiresIn: 12, Interval: 5}
		_, err := negotiator.PollForTokens(context.Background(), short)
		assert.ErrorIs(t, err, ErrDeviceCodeExpired)
		assert.LessOrEqual(t, len(*sleeps), 2)
	})

	t.Run("canceled context stops the loop", func(t *testing.T) {
		provider := newFakeProvider(t)
		negotiator := provider.negotiator(Credentials{ClientID: "client-1"})
		negotiator.sleep = func(ctx context.Context, _ time.Duration) error {
			return context.Canceled
		}

		_, err := negotiator.PollForTokens(context.Background(), grant)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestRequestDeviceCode(t *testing.T) {
	t.Run("returns the grant with user-facing fields", func(t *testing.T) {
		provider := newFakeProvider(t)
		negotiator := provider.negotiator(Credentials{ClientID: "client-1"})

		grant, err := negotiator.RequestDeviceCode(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "ABCD-1234", grant.UserCode)
		assert.Equal(t, "https://example.com/link", grant.VerificationURI)
		assert.Equal(t, "device-code-1", grant.DeviceCode)
	})

	t.Run("defaults missing interval and lifetime", func(t *testing.T) {
		provider := newFakeProvider(t)
		provider.grant.Interval = 0
		provider.grant.ExpiresIn = 0
		negotiator := provider.negotiator(Credentials{ClientID: "client-1"})

		grant, err := negotiator.RequestDeviceCode(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 5, grant.Interval)
		assert.Equal(t, 900, grant.ExpiresIn)
	})
}

func TestRefreshToken(t *testing.T) {
	t.Run("renews and keeps the refresh token on omission", func(t *testing.T) {
		provider := newFakeProvider(t)
		provider.queueRefresh(fakeTokenResponse{
			status: 200,
			body:   map[string]any{"token_type": "bearer", "access_token": "tok2", "expires_in": 3600},
		})
		negotiator := provider.negotiator(Credentials{ClientID: "client-1"})

		tokens, err := negotiator.RefreshToken(context.Background(), TokenSet{
			AccessToken:  "tok1",
			RefreshToken: "refresh1",
		})
		require.NoError(t, err)
		assert.Equal(t, "tok2", tokens.AccessToken)
		assert.Equal(t, "refresh1", tokens.RefreshToken)
	})

	t.Run("not renewable without refresh token", func(t *testing.T) {
		provider := newFakeProvider(t)
		negotiator := provider.negotiator(Credentials{ClientID: "client-1"})

		_, err := negotiator.RefreshToken(context.Background(), TokenSet{AccessToken: "tok1"})
		assert.ErrorIs(t, err, ErrTokenNotRenewable)
		_, _, refreshes := provider.counts()
		assert.Zero(t, refreshes)
	})

	t.Run("provider rejection wraps refresh failure", func(t *testing.T) {
		provider := newFakeProvider(t)
		provider.queueRefresh(oauthError("invalid_grant"))
		negotiator := provider.negotiator(Credentials{ClientID: "client-1"})

		_, err := negotiator.RefreshToken(context.Background(), TokenSet{
			AccessToken:  "tok1",
			RefreshToken: "refresh1",
		})
		assert.ErrorIs(t, err, ErrRefreshFailed)
	})
}

func TestExchangeCode(t *testing.T) {
	provider := newFakeProvider(t)
	negotiator := provider.negotiator(Credentials{ClientID: "client-1"})

	tokens, err := negotiator.ExchangeCode(context.Background(), "M.R3_BAY.abc-def")
	require.NoError(t, err)
	assert.Equal(t, "exchanged-token", tokens.AccessToken)
	assert.Equal(t, "exchanged-refresh", tokens.RefreshToken)
	assert.False(t, tokens.Expired(time.Now()))
}
