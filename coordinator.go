package xbridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/xbridge/xbridge/smartglass"
	"github.com/xbridge/xbridge/ucapi"
)

const (
	pollIntervalOn      = 60 * time.Second
	pollIntervalOff     = 90 * time.Second
	pollRetryDelay      = 10 * time.Second
	forceUpdateCooldown = 5 * time.Second
	delayedCheckDelay   = 15 * time.Second
)

// Coordinator polls presence for one console and pushes state changes to the
// host entities. The idle wait between polls is raced against a force-update
// signal so power commands reflect quickly.
type Coordinator struct {
	console Console
	manager *SessionManager
	api     ucapi.API
	logger  *slog.Logger
	now     func() time.Time

	remoteID string
	playerID string

	onInterval   time.Duration
	offInterval  time.Duration
	retryDelay   time.Duration
	cooldown     time.Duration
	delayedCheck time.Duration

	force chan struct{}

	mu           sync.Mutex
	lastForced   time.Time
	delayedTimer *time.Timer
	lastPushed   map[string]map[string]string
}

type CoordinatorOpt func(*Coordinator)

func WithCoordinatorLogger(logger *slog.Logger) CoordinatorOpt {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithPollTiming overrides the poll schedule. Zero values keep the defaults.
func WithPollTiming(on, off, retry time.Duration) CoordinatorOpt {
	return func(c *Coordinator) {
		if on > 0 {
			c.onInterval = on
		}
		if off > 0 {
			c.offInterval = off
		}
		if retry > 0 {
			c.retryDelay = retry
		}
	}
}

func NewCoordinator(console Console, manager *SessionManager, api ucapi.API, opts ...CoordinatorOpt) *Coordinator {
	c := &Coordinator{
		console:      console,
		manager:      manager,
		api:          api,
		logger:       slog.Default(),
		now:          time.Now,
		remoteID:     ucapi.RemoteEntityID(console.LiveID),
		playerID:     ucapi.MediaPlayerEntityID(console.LiveID),
		onInterval:   pollIntervalOn,
		offInterval:  pollIntervalOff,
		retryDelay:   pollRetryDelay,
		cooldown:     forceUpdateCooldown,
		delayedCheck: delayedCheckDelay,
		force:        make(chan struct{}, 1),
		lastPushed:   make(map[string]map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run polls until the context ends. Errors fall back to a fixed retry delay
// without disturbing the on/off schedule. On exit any pending force signal
// is drained so a later start cannot observe a stale wakeup.
func (c *Coordinator) Run(ctx context.Context) {
	defer c.stopDelayedCheck()
	defer c.drainForce()

	for {
		interval := c.pollOnce(ctx)
		if ctx.Err() != nil {
			return
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		case <-c.force:
			timer.Stop()
			c.logger.Debug("forced presence update", "liveID", c.console.LiveID)
		}
	}
}

// pollOnce fetches presence, pushes changed attributes, and returns how long
// to idle before the next cycle.
func (c *Coordinator) pollOnce(ctx context.Context) time.Duration {
	state, err := c.fetchAndPush(ctx)
	switch {
	case err != nil:
		if ctx.Err() == nil {
			c.logger.Warn("presence poll failed",
				"liveID", c.console.LiveID, "error", err)
		}
		return c.retryDelay
	case state == ucapi.StateOff:
		return c.offInterval
	default:
		return c.onInterval
	}
}

func (c *Coordinator) fetchAndPush(ctx context.Context) (string, error) {
	session := c.manager.Current()
	if session == nil {
		return "", ErrSessionNotReady
	}

	presence, err := session.Console.Presence(ctx, session.Account.XUID)
	if err := classifyConsoleError(err); err != nil {
		if errors.Is(err, ErrAuthExpired) {
			// Rejected credentials downgrade the displayed state instead of
			// showing the last known one indefinitely.
			c.push(ctx, c.playerID, map[string]string{
				ucapi.AttrState:         ucapi.StateOff,
				ucapi.AttrMediaTitle:    "",
				ucapi.AttrMediaImageURL: "",
			})
			c.push(ctx, c.remoteID, map[string]string{ucapi.AttrState: ucapi.StateUnavailable})
		}
		return "", err
	}

	state, title, image := presenceAttributes(presence)
	c.push(ctx, c.playerID, map[string]string{
		ucapi.AttrState:         state,
		ucapi.AttrMediaTitle:    title,
		ucapi.AttrMediaImageURL: image,
	})

	remoteState := ucapi.StateOn
	if state == ucapi.StateOff {
		remoteState = ucapi.StateOff
	}
	c.push(ctx, c.remoteID, map[string]string{ucapi.AttrState: remoteState})

	return state, nil
}

func presenceAttributes(presence smartglass.Presence) (state, title, image string) {
	if !presence.Online() {
		return ucapi.StateOff, "", ""
	}
	if presence.TitleName != "" && presence.TitleName != "Home" {
		return ucapi.StatePlaying, presence.TitleName, presence.TitleImage
	}
	return ucapi.StateOn, presence.TitleName, presence.TitleImage
}

// push sends only the attributes that differ from the last successful push
// for the entity.
func (c *Coordinator) push(ctx context.Context, entityID string, attrs map[string]string) {
	c.mu.Lock()
	previous := c.lastPushed[entityID]
	changed := make(map[string]string, len(attrs))
	for key, value := range attrs {
		if previous == nil || previous[key] != value {
			changed[key] = value
		}
	}
	c.mu.Unlock()

	if len(changed) == 0 {
		return
	}
	if err := c.api.UpdateAttributes(ctx, entityID, changed); err != nil {
		c.logger.Warn("failed pushing attributes", "entityID", entityID, "error", err)
		return
	}

	c.mu.Lock()
	if c.lastPushed[entityID] == nil {
		c.lastPushed[entityID] = make(map[string]string, len(attrs))
	}
	for key, value := range changed {
		c.lastPushed[entityID][key] = value
	}
	c.mu.Unlock()
}

// ForceUpdate requests an immediate poll. Requests within the cooldown
// window are dropped; the return value reports whether the signal was set.
func (c *Coordinator) ForceUpdate() bool {
	c.mu.Lock()
	now := c.now()
	if now.Sub(c.lastForced) < c.cooldown {
		c.mu.Unlock()
		return false
	}
	c.lastForced = now
	c.mu.Unlock()

	c.signal()
	return true
}

// NotifyPowerChange reacts to a power command: one immediate update, and a
// second one after the console has had time to settle. The delayed check
// bypasses the cooldown.
func (c *Coordinator) NotifyPowerChange() {
	c.ForceUpdate()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.delayedTimer != nil {
		c.delayedTimer.Stop()
	}
	c.delayedTimer = time.AfterFunc(c.delayedCheck, c.signal)
}

func (c *Coordinator) signal() {
	select {
	case c.force <- struct{}{}:
	default:
	}
}

func (c *Coordinator) drainForce() {
	select {
	case <-c.force:
	default:
	}
}

func (c *Coordinator) stopDelayedCheck() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.delayedTimer != nil {
		c.delayedTimer.Stop()
		c.delayedTimer = nil
	}
}
