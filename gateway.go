package xbridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/xbridge/xbridge/smartglass"
)

// commandButtons maps host simple commands straight to controller keys.
// Color keys double as face buttons for remotes without ABXY.
var commandButtons = map[string]smartglass.Button{
	"up":             smartglass.ButtonUp,
	"down":           smartglass.ButtonDown,
	"left":           smartglass.ButtonLeft,
	"right":          smartglass.ButtonRight,
	"select":         smartglass.ButtonA,
	"back":           smartglass.ButtonB,
	"home":           smartglass.ButtonNexus,
	"menu":           smartglass.ButtonMenu,
	"view":           smartglass.ButtonView,
	"a_button":       smartglass.ButtonA,
	"b_button":       smartglass.ButtonB,
	"x_button":       smartglass.ButtonX,
	"y_button":       smartglass.ButtonY,
	"green":          smartglass.ButtonA,
	"red":            smartglass.ButtonB,
	"blue":           smartglass.ButtonX,
	"yellow":         smartglass.ButtonY,
	"play":           smartglass.ButtonPlay,
	"pause":          smartglass.ButtonPause,
	"stop":           smartglass.ButtonPause,
	"next_track":     smartglass.ButtonNextTrack,
	"previous_track": smartglass.ButtonPrevTrack,
}

// namedButtons resolves the "send_cmd" parameter vocabulary.
var namedButtons = map[string]smartglass.Button{
	"A":         smartglass.ButtonA,
	"B":         smartglass.ButtonB,
	"X":         smartglass.ButtonX,
	"Y":         smartglass.ButtonY,
	"Up":        smartglass.ButtonUp,
	"Down":      smartglass.ButtonDown,
	"Left":      smartglass.ButtonLeft,
	"Right":     smartglass.ButtonRight,
	"Nexus":     smartglass.ButtonNexus,
	"Menu":      smartglass.ButtonMenu,
	"View":      smartglass.ButtonView,
	"Play":      smartglass.ButtonPlay,
	"Pause":     smartglass.ButtonPause,
	"NextTrack": smartglass.ButtonNextTrack,
	"PrevTrack": smartglass.ButtonPrevTrack,
}

// Gateway translates host commands for one console into console API calls
// and classifies their failures. Power commands notify the coordinator so
// displayed state catches up quickly.
type Gateway struct {
	liveID  string
	manager *SessionManager
	logger  *slog.Logger

	// onPowerChange fires after a successful power command.
	onPowerChange func()
}

type GatewayOpt func(*Gateway)

func WithPowerChangeHook(hook func()) GatewayOpt {
	return func(g *Gateway) {
		g.onPowerChange = hook
	}
}

func WithGatewayLogger(logger *slog.Logger) GatewayOpt {
	return func(g *Gateway) {
		g.logger = logger
	}
}

func NewGateway(liveID string, manager *SessionManager, opts ...GatewayOpt) *Gateway {
	g := &Gateway{
		liveID:  liveID,
		manager: manager,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Supported reports whether the command name is in the gateway vocabulary,
// without touching the provider.
func Supported(command string) bool {
	if _, ok := commandButtons[command]; ok {
		return true
	}
	switch command {
	case "on", "off", "toggle",
		"volume_up", "volume_down", "mute", "unmute", "mute_toggle",
		"send_cmd", "insert_text", "launch_app":
		return true
	}
	return false
}

// Execute runs one host command against the console. Unknown commands fail
// before any provider call. Provider failures surface as ErrAuthExpired for
// rejected authorization and ErrTransport otherwise; no retries happen here.
func (g *Gateway) Execute(ctx context.Context, command string, params map[string]string) error {
	if !Supported(command) {
		return fmt.Errorf("%w: %q", ErrUnsupportedCommand, command)
	}

	session := g.manager.Current()
	if session == nil {
		return fmt.Errorf("%w: no bound session", ErrSessionNotReady)
	}
	console := session.Console

	var err error
	switch command {
	case "on":
		err = console.Wake(ctx, g.liveID)
		g.firePowerChange(err)
	case "off":
		err = console.TurnOff(ctx, g.liveID)
		g.firePowerChange(err)
	case "toggle":
		err = g.togglePower(ctx, console)
		g.firePowerChange(err)
	case "volume_up":
		err = console.Volume(ctx, g.liveID, smartglass.VolumeUp)
	case "volume_down":
		err = console.Volume(ctx, g.liveID, smartglass.VolumeDown)
	case "mute", "mute_toggle":
		err = console.Mute(ctx, g.liveID)
	case "unmute":
		err = console.Unmute(ctx, g.liveID)
	case "send_cmd":
		button, ok := namedButtons[params["command"]]
		if !ok {
			return fmt.Errorf("%w: send_cmd %q", ErrUnsupportedCommand, params["command"])
		}
		err = console.PressButton(ctx, g.liveID, button)
	case "insert_text":
		text, ok := params["text"]
		if !ok {
			return fmt.Errorf("%w: insert_text needs a text parameter", ErrInvalidInput)
		}
		err = console.InsertText(ctx, g.liveID, text)
	case "launch_app":
		productID, ok := params["product_id"]
		if !ok {
			return fmt.Errorf("%w: launch_app needs a product_id parameter", ErrInvalidInput)
		}
		err = console.LaunchApp(ctx, g.liveID, productID)
	default:
		err = console.PressButton(ctx, g.liveID, commandButtons[command])
	}

	if err := classifyConsoleError(err); err != nil {
		return err
	}
	g.logger.Debug("command dispatched", "liveID", g.liveID, "command", command)
	return nil
}

func (g *Gateway) togglePower(ctx context.Context, console ConsoleClient) error {
	status, err := console.ConsoleStatus(ctx, g.liveID)
	if err != nil {
		return err
	}
	if status.On() {
		return console.TurnOff(ctx, g.liveID)
	}
	return console.Wake(ctx, g.liveID)
}

func (g *Gateway) firePowerChange(err error) {
	if err != nil || g.onPowerChange == nil {
		return
	}
	g.onPowerChange()
}

// classifyConsoleError folds provider failures into the bridge error
// taxonomy: rejected bearer tokens become ErrAuthExpired, anything else
// non-nil becomes ErrTransport. Context cancellation passes through.
func classifyConsoleError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var statusErr *smartglass.StatusError
	if errors.As(err, &statusErr) && statusErr.AuthRejected() {
		return fmt.Errorf("%w: %w", ErrAuthExpired, err)
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}
