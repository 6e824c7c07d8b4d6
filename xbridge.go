// Package xbridge connects Xbox consoles to a smart-home remote host: it
// owns authorization against the identity provider, the session lifecycle,
// command routing, and presence polling.
package xbridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/xbridge/xbridge/ucapi"
)

const (
	tokenRefreshInterval   = 12 * time.Hour
	tokenRefreshRetryDelay = time.Minute
)

// Bridge is the top-level coordinator. It holds one account session shared
// by all registered consoles, a gateway and poll coordinator per console,
// and the proactive token-refresh loop. All state is explicit per instance.
type Bridge struct {
	store  ConfigStore
	api    ucapi.API
	logger *slog.Logger

	newNegotiator   NegotiatorFactory
	consoleFactory  ConsoleFactory
	coordinatorOpts []CoordinatorOpt
	refreshEvery    time.Duration

	mu         sync.Mutex
	runCtx     context.Context
	cancel     context.CancelFunc
	manager    *SessionManager
	devices    map[string]*consoleDevice
	refreshing bool
	setup      *Setup

	initFlight singleflight.Group
	closeOnce  sync.Once
	wg         sync.WaitGroup
}

// consoleDevice is the per-console context: registration, command gateway,
// and presence coordinator.
type consoleDevice struct {
	console     Console
	gateway     *Gateway
	coordinator *Coordinator
	remoteID    string
	playerID    string
}

type BridgeOpt func(*Bridge)

func WithLogger(logger *slog.Logger) BridgeOpt {
	return func(b *Bridge) {
		b.logger = logger
	}
}

func WithNegotiatorFactory(factory NegotiatorFactory) BridgeOpt {
	return func(b *Bridge) {
		b.newNegotiator = factory
	}
}

func WithBridgeConsoleFactory(factory ConsoleFactory) BridgeOpt {
	return func(b *Bridge) {
		b.consoleFactory = factory
	}
}

func WithRefreshInterval(d time.Duration) BridgeOpt {
	return func(b *Bridge) {
		b.refreshEvery = d
	}
}

func WithCoordinatorOpts(opts ...CoordinatorOpt) BridgeOpt {
	return func(b *Bridge) {
		b.coordinatorOpts = opts
	}
}

func New(store ConfigStore, api ucapi.API, opts ...BridgeOpt) *Bridge {
	b := &Bridge{
		store:         store,
		api:           api,
		logger:        slog.Default(),
		newNegotiator: func(creds Credentials) *Negotiator { return NewNegotiator(creds) },
		refreshEvery:  tokenRefreshInterval,
		devices:       make(map[string]*consoleDevice),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.setup = NewSetup(store,
		WithSetupLogger(b.logger),
		WithSetupNegotiator(b.newNegotiator),
		WithSetupComplete(func(ctx context.Context) {
			if err := b.initialize(ctx); err != nil {
				b.logger.Error("failed initializing after setup", "error", err)
			}
		}),
	)
	return b
}

// Setup exposes the first-time authorization flow.
func (b *Bridge) Setup() *Setup {
	return b.setup
}

// Start loads the stored config and, if it is complete, binds the session
// and brings up entities and coordinators. An unconfigured bridge starts
// idle and waits for setup to complete.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.cancel == nil {
		b.runCtx, b.cancel = context.WithCancel(context.WithoutCancel(ctx))
	}
	b.mu.Unlock()

	return b.initialize(ctx)
}

// initialize is single-flight: a setup completion racing a host reconnect
// must not bind twice or register duplicate entities.
func (b *Bridge) initialize(ctx context.Context) error {
	_, err, _ := b.initFlight.Do("initialize", func() (any, error) {
		return nil, b.doInitialize(ctx)
	})
	return err
}

func (b *Bridge) doInitialize(ctx context.Context) error {
	cfg, err := b.store.Load(ctx)
	if err != nil {
		return err
	}
	if !cfg.Configured() {
		b.logger.Info("not configured, waiting for setup")
		return b.api.SetDeviceState(ctx, ucapi.DeviceDisconnected)
	}

	b.mu.Lock()
	runCtx := b.runCtx
	manager := b.manager
	b.mu.Unlock()
	if runCtx == nil {
		return fmt.Errorf("%w: bridge not started", ErrSessionNotReady)
	}

	if manager == nil {
		negotiator := b.newNegotiator(cfg.Credentials(""))
		sessionOpts := []SessionOpt{WithSessionLogger(b.logger)}
		if b.consoleFactory != nil {
			sessionOpts = append(sessionOpts, WithConsoleFactory(b.consoleFactory))
		}
		manager = NewSessionManager(negotiator, b.store, sessionOpts...)
		b.mu.Lock()
		b.manager = manager
		b.mu.Unlock()
	}

	if _, err := manager.Bind(ctx, *cfg.Tokens); err != nil {
		if stateErr := b.api.SetDeviceState(ctx, ucapi.DeviceError); stateErr != nil {
			b.logger.Warn("failed reporting device state", "error", stateErr)
		}
		return err
	}

	for _, console := range cfg.Consoles() {
		if !console.Enabled {
			continue
		}
		if err := b.addConsole(ctx, runCtx, manager, console); err != nil {
			return err
		}
	}

	b.startRefreshLoop(runCtx)
	return b.api.SetDeviceState(ctx, ucapi.DeviceConnected)
}

func (b *Bridge) addConsole(ctx, runCtx context.Context, manager *SessionManager, console Console) error {
	b.mu.Lock()
	_, exists := b.devices[console.LiveID]
	b.mu.Unlock()
	if exists {
		return nil
	}

	coordinator := NewCoordinator(console, manager, b.api,
		append([]CoordinatorOpt{WithCoordinatorLogger(b.logger)}, b.coordinatorOpts...)...)
	gateway := NewGateway(console.LiveID, manager,
		WithGatewayLogger(b.logger),
		WithPowerChangeHook(coordinator.NotifyPowerChange))

	device := &consoleDevice{
		console:     console,
		gateway:     gateway,
		coordinator: coordinator,
		remoteID:    ucapi.RemoteEntityID(console.LiveID),
		playerID:    ucapi.MediaPlayerEntityID(console.LiveID),
	}

	if err := b.api.RegisterEntity(ctx, ucapi.NewRemoteEntity(console.LiveID, console.Name)); err != nil {
		return fmt.Errorf("failed registering remote entity: %w", err)
	}
	if err := b.api.RegisterEntity(ctx, ucapi.NewMediaPlayerEntity(console.LiveID, console.Name)); err != nil {
		return fmt.Errorf("failed registering media player entity: %w", err)
	}

	b.mu.Lock()
	b.devices[console.LiveID] = device
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		coordinator.Run(runCtx)
	}()

	b.logger.Info("console online", "liveID", console.LiveID, "name", console.Name)
	return nil
}

func (b *Bridge) startRefreshLoop(runCtx context.Context) {
	b.mu.Lock()
	if b.refreshing {
		b.mu.Unlock()
		return
	}
	b.refreshing = true
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.runRefreshLoop(runCtx)
	}()
}

// runRefreshLoop renews the session well before token expiry. A failed
// renewal retries on a short delay instead of waiting out the full period.
func (b *Bridge) runRefreshLoop(ctx context.Context) {
	delay := b.refreshEvery
	for {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		b.mu.Lock()
		manager := b.manager
		b.mu.Unlock()
		if manager == nil {
			delay = b.refreshEvery
			continue
		}

		if _, err := manager.Refresh(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("proactive token refresh failed", "error", err)
			delay = tokenRefreshRetryDelay
			continue
		}
		delay = b.refreshEvery
	}
}

// HandleCommand routes a host command to the owning console's gateway. A
// rejected authorization triggers one refresh and one retry; a second
// rejection gives up so the host sees the failure promptly.
func (b *Bridge) HandleCommand(ctx context.Context, entityID, command string, params map[string]string) ucapi.Status {
	device := b.deviceForEntity(entityID)
	if device == nil {
		b.logger.Warn("command for unknown entity", "entityID", entityID, "command", command)
		return ucapi.StatusBadRequest
	}

	err := device.gateway.Execute(ctx, command, params)
	if errors.Is(err, ErrAuthExpired) {
		b.mu.Lock()
		manager := b.manager
		b.mu.Unlock()
		if manager != nil {
			if _, refreshErr := manager.Refresh(ctx); refreshErr == nil {
				err = device.gateway.Execute(ctx, command, params)
			}
		}
	}

	switch {
	case err == nil:
		return ucapi.StatusOK
	case errors.Is(err, ErrUnsupportedCommand),
		errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrSessionNotReady):
		b.logger.Warn("command rejected", "entityID", entityID, "command", command, "error", err)
		return ucapi.StatusBadRequest
	default:
		b.logger.Error("command failed", "entityID", entityID, "command", command, "error", err)
		return ucapi.StatusError
	}
}

func (b *Bridge) deviceForEntity(entityID string) *consoleDevice {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, device := range b.devices {
		if device.remoteID == entityID || device.playerID == entityID {
			return device
		}
	}
	return nil
}

// Close cancels every loop and waits for them to unwind, bounded by ctx.
// Safe to call more than once.
func (b *Bridge) Close(ctx context.Context) error {
	var err error
	b.closeOnce.Do(func() {
		if abortErr := b.setup.Abort(ctx); abortErr != nil {
			err = abortErr
		}

		b.mu.Lock()
		cancel := b.cancel
		b.mu.Unlock()
		if cancel != nil {
			cancel()
		}

		done := make(chan struct{})
		go func() {
			b.wg.Wait()
			close(done)
		}()
		select {
		case <-ctx.Done():
			err = errors.Join(err, ctx.Err())
			return
		case <-done:
		}

		if stateErr := b.api.SetDeviceState(ctx, ucapi.DeviceDisconnected); stateErr != nil {
			err = errors.Join(err, stateErr)
		}
	})
	return err
}
