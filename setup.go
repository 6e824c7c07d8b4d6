package xbridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// SetupRequest is the user-provided material for a setup flow.
type SetupRequest struct {
	ClientID     string
	ClientSecret string
	LiveID       string
	Name         string
}

func (r SetupRequest) validate() error {
	if r.LiveID == "" {
		return fmt.Errorf("%w: liveid", ErrInvalidInput)
	}
	if r.ClientID == "" {
		return fmt.Errorf("%w: client_id", ErrInvalidInput)
	}
	return nil
}

// NegotiatorFactory builds the negotiator for a setup flow. Injectable so
// tests can point flows at a fake provider.
type NegotiatorFactory func(creds Credentials) *Negotiator

// Setup drives first-time authorization. The primary path is the device-code
// flow: Begin returns the verification URI and user code for display and
// completes in the background. The redirect path through the localhost
// callback server is kept for registrations that have a redirect URI.
type Setup struct {
	store         ConfigStore
	logger        *slog.Logger
	newNegotiator NegotiatorFactory
	onComplete    func(ctx context.Context)
	callbackAddr  string

	mu       sync.Mutex
	flowID   uuid.UUID
	cancel   context.CancelFunc
	done     chan struct{}
	flowErr  error
	callback *CallbackServer
}

type SetupOpt func(*Setup)

func WithSetupLogger(logger *slog.Logger) SetupOpt {
	return func(s *Setup) {
		s.logger = logger
	}
}

// WithSetupComplete registers a hook invoked after tokens are persisted.
func WithSetupComplete(hook func(ctx context.Context)) SetupOpt {
	return func(s *Setup) {
		s.onComplete = hook
	}
}

func WithSetupNegotiator(factory NegotiatorFactory) SetupOpt {
	return func(s *Setup) {
		s.newNegotiator = factory
	}
}

func WithSetupCallbackAddr(addr string) SetupOpt {
	return func(s *Setup) {
		s.callbackAddr = addr
	}
}

func NewSetup(store ConfigStore, opts ...SetupOpt) *Setup {
	s := &Setup{
		store:         store,
		logger:        slog.Default(),
		newNegotiator: func(creds Credentials) *Negotiator { return NewNegotiator(creds) },
		callbackAddr:  DefaultCallbackAddr,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Begin validates the request, persists the credentials and console
// registration, and starts the device-code flow. The returned grant carries
// the verification URI and user code to show the user; authorization
// completes in the background.
func (s *Setup) Begin(ctx context.Context, req SetupRequest) (*DeviceAuthorization, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if err := s.Abort(ctx); err != nil {
		return nil, err
	}

	creds, err := s.saveRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	negotiator := s.newNegotiator(creds)
	grant, err := negotiator.RequestDeviceCode(ctx)
	if err != nil {
		return nil, err
	}

	pollCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	s.flowID = uuid.New()
	s.cancel = cancel
	s.done = make(chan struct{})
	s.flowErr = nil
	flowID := s.flowID
	done := s.done
	s.mu.Unlock()

	s.logger.Info("device authorization started",
		"flowID", flowID,
		"verificationURI", grant.VerificationURI,
		"userCode", grant.UserCode)

	go func() {
		defer close(done)
		defer cancel()
		tokens, err := negotiator.PollForTokens(pollCtx, grant)
		if err != nil {
			s.finish(fmt.Errorf("device authorization failed: %w", err))
			return
		}
		s.completeWithTokens(pollCtx, tokens)
	}()

	return grant, nil
}

// BeginRedirect starts the authorization-code flow: it brings up the
// localhost callback server, returns the browser URL, and completes in the
// background once the redirect arrives.
func (s *Setup) BeginRedirect(ctx context.Context, req SetupRequest) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}
	if err := s.Abort(ctx); err != nil {
		return "", err
	}

	callback := NewCallbackServer(s.callbackAddr, WithCallbackLogger(s.logger))
	if err := callback.Start(); err != nil {
		return "", err
	}

	creds, err := s.saveRequest(ctx, req)
	if err != nil {
		callback.Stop(ctx)
		return "", err
	}
	creds.RedirectURL = callback.RedirectURL()

	negotiator := s.newNegotiator(creds)
	state := uuid.NewString()

	waitCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	s.flowID = uuid.New()
	s.cancel = cancel
	s.done = make(chan struct{})
	s.flowErr = nil
	s.callback = callback
	done := s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		defer cancel()
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), CallbackShutdownTimeout)
			defer stopCancel()
			if err := callback.Stop(stopCtx); err != nil {
				s.logger.Warn("failed stopping callback server", "error", err)
			}
		}()

		code, err := callback.WaitForCode(waitCtx)
		if err != nil {
			s.finish(fmt.Errorf("authorization redirect failed: %w", err))
			return
		}
		tokens, err := negotiator.ExchangeCode(waitCtx, code)
		if err != nil {
			s.finish(err)
			return
		}
		s.completeWithTokens(waitCtx, tokens)
	}()

	return negotiator.AuthorizationURL(state), nil
}

// CompleteManual finishes an authorization-code flow from pasted input: a
// bare code or the full redirect URL, percent-encoded or not.
func (s *Setup) CompleteManual(ctx context.Context, req SetupRequest, input string) error {
	if err := req.validate(); err != nil {
		return err
	}
	creds, err := s.saveRequest(ctx, req)
	if err != nil {
		return err
	}

	negotiator := s.newNegotiator(creds)
	code, err := negotiator.ExtractCode(input)
	if err != nil {
		return err
	}
	tokens, err := negotiator.ExchangeCode(ctx, code)
	if err != nil {
		return err
	}
	s.completeWithTokens(ctx, tokens)
	return s.Err()
}

// Abort cancels any in-flight flow and waits for its goroutine to unwind.
func (s *Setup) Abort(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.callback = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Wait blocks until the background flow finishes and reports its outcome.
func (s *Setup) Wait(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return s.Err()
	}
}

func (s *Setup) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flowErr
}

func (s *Setup) saveRequest(ctx context.Context, req SetupRequest) (Credentials, error) {
	cfg, err := s.store.Load(ctx)
	if err != nil {
		return Credentials{}, err
	}
	cfg.ClientID = req.ClientID
	cfg.ClientSecret = req.ClientSecret
	cfg.AddConsole(req.LiveID, req.Name, true)
	if err := s.store.Save(ctx, cfg); err != nil {
		return Credentials{}, err
	}
	return cfg.Credentials(""), nil
}

func (s *Setup) completeWithTokens(ctx context.Context, tokens TokenSet) {
	cfg, err := s.store.Load(ctx)
	if err != nil {
		s.finish(fmt.Errorf("failed persisting tokens: %w", err))
		return
	}
	cfg.Tokens = &tokens
	if err := s.store.Save(ctx, cfg); err != nil {
		s.finish(fmt.Errorf("failed persisting tokens: %w", err))
		return
	}

	s.finish(nil)
	s.logger.Info("authorization complete", "flowID", s.currentFlowID())
	if s.onComplete != nil {
		s.onComplete(ctx)
	}
}

func (s *Setup) finish(err error) {
	s.mu.Lock()
	s.flowErr = err
	s.mu.Unlock()

	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		s.logger.Info("authorization flow canceled", "flowID", s.currentFlowID())
	default:
		s.logger.Error("authorization flow failed", "flowID", s.currentFlowID(), "error", err)
	}
}

func (s *Setup) currentFlowID() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flowID
}
