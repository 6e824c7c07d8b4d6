package xbridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/xbridge/xbridge/smartglass"
)

// ConsoleClient is the slice of the console API the bridge consumes.
// Satisfied by *smartglass.Client.
type ConsoleClient interface {
	Wake(ctx context.Context, liveID string) error
	TurnOff(ctx context.Context, liveID string) error
	PressButton(ctx context.Context, liveID string, button smartglass.Button) error
	Volume(ctx context.Context, liveID string, direction smartglass.VolumeDirection) error
	Mute(ctx context.Context, liveID string) error
	Unmute(ctx context.Context, liveID string) error
	InsertText(ctx context.Context, liveID, text string) error
	LaunchApp(ctx context.Context, liveID, productID string) error
	ConsoleStatus(ctx context.Context, liveID string) (smartglass.ConsoleStatus, error)
	Presence(ctx context.Context, xuid string) (smartglass.Presence, error)
	Profile(ctx context.Context) (smartglass.Profile, error)
}

var _ ConsoleClient = (*smartglass.Client)(nil)

// Account is the signed-in identity resolved during bind.
type Account struct {
	XUID     string
	Gamertag string
}

// Session is a bound console connection: a live token set plus one
// long-lived client handle that reads the current access token per request.
type Session struct {
	Console ConsoleClient
	Account Account

	mu     sync.RWMutex
	tokens TokenSet
	stale  bool
}

func (s *Session) Tokens() TokenSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens
}

func (s *Session) setTokens(tokens TokenSet) {
	s.mu.Lock()
	s.tokens = tokens
	s.stale = false
	s.mu.Unlock()
}

func (s *Session) markStale() {
	s.mu.Lock()
	s.stale = true
	s.mu.Unlock()
}

// Usable reports whether the session can serve commands without renewal.
func (s *Session) Usable(now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.stale && !s.tokens.Expired(now)
}

func (s *Session) bearerToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens.AccessToken
}

// ConsoleFactory builds the console client for a session. Injectable so
// tests can substitute a fake console.
type ConsoleFactory func(tokens smartglass.TokenSource) ConsoleClient

// SessionManager owns the lifecycle of one account session: bind,
// single-flight refresh, and persistence of renewed token sets.
type SessionManager struct {
	negotiator *Negotiator
	store      ConfigStore
	factory    ConsoleFactory
	logger     *slog.Logger
	now        func() time.Time

	mu      sync.RWMutex
	session *Session
	flight  singleflight.Group
}

type SessionOpt func(*SessionManager)

func WithConsoleFactory(factory ConsoleFactory) SessionOpt {
	return func(m *SessionManager) {
		m.factory = factory
	}
}

func WithSessionLogger(logger *slog.Logger) SessionOpt {
	return func(m *SessionManager) {
		m.logger = logger
	}
}

func NewSessionManager(negotiator *Negotiator, store ConfigStore, opts ...SessionOpt) *SessionManager {
	m := &SessionManager{
		negotiator: negotiator,
		store:      store,
		logger:     slog.Default(),
		now:        time.Now,
	}
	m.factory = func(tokens smartglass.TokenSource) ConsoleClient {
		return smartglass.New(tokens, smartglass.WithLogger(m.logger))
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Bind turns a stored token set into a live session. The set is refreshed
// exactly once and the renewed set is persisted before the session is
// committed, so a crash right after bind never loses the newest refresh
// token. The signed-in identity is resolved best-effort.
func (m *SessionManager) Bind(ctx context.Context, tokens TokenSet) (*Session, error) {
	refreshed, err := m.negotiator.RefreshToken(ctx, tokens)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSessionBind, err)
	}
	if err := m.persist(ctx, refreshed); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSessionBind, err)
	}

	session := &Session{tokens: refreshed}
	session.Console = m.factory(session.bearerToken)

	profile, err := session.Console.Profile(ctx)
	if err != nil {
		m.logger.Warn("failed resolving profile, using placeholder identity", "error", err)
		session.Account = Account{Gamertag: "Xbox User"}
	} else {
		session.Account = Account{XUID: profile.XUID, Gamertag: profile.Gamertag}
	}

	m.mu.Lock()
	m.session = session
	m.mu.Unlock()

	m.logger.Info("session bound",
		"gamertag", session.Account.Gamertag,
		"expiresAt", refreshed.ExpiresAt())
	return session, nil
}

// Current returns the bound session, or nil before a successful Bind.
func (m *SessionManager) Current() *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session
}

func (m *SessionManager) Usable() bool {
	session := m.Current()
	return session != nil && session.Usable(m.now())
}

// Refresh renews the bound session's token set. Concurrent callers collapse
// into one provider exchange. The renewed set is persisted before the
// session sees it; on failure the session turns stale and the caller decides
// whether to retry.
func (m *SessionManager) Refresh(ctx context.Context) (TokenSet, error) {
	result, err, _ := m.flight.Do("refresh", func() (any, error) {
		session := m.Current()
		if session == nil {
			return TokenSet{}, ErrSessionNotReady
		}

		refreshed, err := m.negotiator.RefreshToken(ctx, session.Tokens())
		if err != nil {
			session.markStale()
			return TokenSet{}, err
		}
		if err := m.persist(ctx, refreshed); err != nil {
			session.markStale()
			return TokenSet{}, fmt.Errorf("%w: %w", ErrRefreshFailed, err)
		}
		session.setTokens(refreshed)
		m.logger.Debug("session refreshed", "expiresAt", refreshed.ExpiresAt())
		return refreshed, nil
	})
	if err != nil {
		return TokenSet{}, err
	}
	return result.(TokenSet), nil
}

func (m *SessionManager) persist(ctx context.Context, tokens TokenSet) error {
	cfg, err := m.store.Load(ctx)
	if err != nil {
		return err
	}
	cfg.Tokens = &tokens
	return m.store.Save(ctx, cfg)
}
