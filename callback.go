package xbridge

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

const DefaultCallbackAddr = "localhost:8080"

// CallbackServer is a short-lived localhost HTTP server that captures the
// authorization-code redirect during setup. It renders a human-readable
// result page and hands the captured code (or provider error) to
// WaitForCode.
type CallbackServer struct {
	addr   string
	logger *slog.Logger

	mu        sync.Mutex
	srv       *http.Server
	boundAddr string
	results   chan callbackResult
}

type callbackResult struct {
	code string
	err  error
}

type CallbackOpt func(*CallbackServer)

func WithCallbackLogger(logger *slog.Logger) CallbackOpt {
	return func(s *CallbackServer) {
		s.logger = logger
	}
}

func NewCallbackServer(addr string, opts ...CallbackOpt) *CallbackServer {
	if addr == "" {
		addr = DefaultCallbackAddr
	}
	s := &CallbackServer{addr: addr}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RedirectURL returns the redirect URI to register with the provider. After
// Start it reflects the bound address, so an OS-assigned port works.
func (s *CallbackServer) RedirectURL() string {
	s.mu.Lock()
	addr := s.addr
	if s.boundAddr != "" {
		addr = s.boundAddr
	}
	s.mu.Unlock()
	return fmt.Sprintf("http://%s/callback", addr)
}

// Start begins listening. Starting an already-running server is a no-op.
func (s *CallbackServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed listening on %s: %w", s.addr, err)
	}

	s.boundAddr = ln.Addr().String()
	s.results = make(chan callbackResult, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/", getOnly(s.handleRoot))
	mux.HandleFunc("/callback", getOnly(s.handleCallback))
	s.srv = &http.Server{Handler: mux}

	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logError("callback server stopped", err)
		}
	}(s.srv)
	return nil
}

// Stop shuts the server down. Stopping a server that never started, or
// stopping twice, is a no-op.
func (s *CallbackServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// WaitForCode blocks until the redirect arrives or the context ends.
func (s *CallbackServer) WaitForCode(ctx context.Context) (string, error) {
	s.mu.Lock()
	results := s.results
	s.mu.Unlock()
	if results == nil {
		return "", fmt.Errorf("%w: callback server not started", ErrSessionNotReady)
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case result := <-results:
		return result.code, result.err
	}
}

// getOnly restricts a handler to GET (and HEAD) requests, standing in for the
// "GET /path" ServeMux patterns that need Go 1.22.
func getOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

func (s *CallbackServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, callbackWaitingPage)
}

func (s *CallbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	if errCode := query.Get("error"); errCode != "" {
		authErr := newAuthError(errCode, query.Get("error_description"))
		s.deliver(callbackResult{err: authErr})
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, callbackErrorPage, authErr.Error())
		return
	}

	code := query.Get("code")
	if code == "" {
		s.deliver(callbackResult{err: fmt.Errorf("%w: redirect carries no authorization code", ErrAuthExchangeFailed)})
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, callbackErrorPage, "the redirect did not include an authorization code")
		return
	}

	s.deliver(callbackResult{code: code})
	fmt.Fprint(w, callbackSuccessPage)
}

// deliver hands the first result to the waiter; later redirects are dropped.
func (s *CallbackServer) deliver(result callbackResult) {
	s.mu.Lock()
	results := s.results
	s.mu.Unlock()
	if results == nil {
		return
	}
	select {
	case results <- result:
	default:
	}
}

func (s *CallbackServer) logError(msg string, err error, args ...any) {
	if s.logger == nil {
		return
	}
	args = append(args, "error", err)
	s.logger.Error(msg, args...)
}

// Shutdown grace period used by callers that stop the server without a
// deadline of their own.
const CallbackShutdownTimeout = 5 * time.Second

const callbackWaitingPage = `<!DOCTYPE html>
<html>
<head><title>Xbox Sign-In</title></head>
<body style="font-family: sans-serif; text-align: center; margin-top: 4em;">
	<h1>Waiting for sign-in</h1>
	<p>Complete the Microsoft sign-in in the other tab. This page can stay open.</p>
</body>
</html>`

const callbackSuccessPage = `<!DOCTYPE html>
<html>
<head><title>Xbox Sign-In Complete</title></head>
<body style="font-family: sans-serif; text-align: center; margin-top: 4em;">
	<h1>Sign-in complete</h1>
	<p>You can close this window and return to the remote.</p>
</body>
</html>`

const callbackErrorPage = `<!DOCTYPE html>
<html>
<head><title>Xbox Sign-In Failed</title></head>
<body style="font-family: sans-serif; text-align: center; margin-top: 4em;">
	<h1>Sign-in failed</h1>
	<p>%s</p>
	<p>Close this window and restart setup.</p>
</body>
</html>`
