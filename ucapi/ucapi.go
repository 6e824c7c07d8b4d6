// Package ucapi is the boundary to the remote host runtime: entity
// registration, attribute pushes, and the integration device state.
package ucapi

import (
	"context"
	"log/slog"
	"sync"
)

// Status is the result code returned to the host for a command.
type Status int

const (
	StatusOK Status = iota
	StatusBadRequest
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusBadRequest:
		return "BAD_REQUEST"
	default:
		return "ERROR"
	}
}

// DeviceState is the connection state the integration reports to the host.
type DeviceState string

const (
	DeviceConnected    DeviceState = "CONNECTED"
	DeviceDisconnected DeviceState = "DISCONNECTED"
	DeviceError        DeviceState = "ERROR"
)

// Entity state attribute values shared by the remote and media-player kinds.
const (
	AttrState         = "state"
	AttrMediaTitle    = "media_title"
	AttrMediaImageURL = "media_image_url"

	StateOn          = "ON"
	StateOff         = "OFF"
	StatePlaying     = "PLAYING"
	StateUnavailable = "UNAVAILABLE"
)

// API is implemented by the host connection. All pushes are partial: only
// the attributes present in the map are updated.
type API interface {
	RegisterEntity(ctx context.Context, entity Entity) error
	UpdateAttributes(ctx context.Context, entityID string, attrs map[string]string) error
	SetDeviceState(ctx context.Context, state DeviceState) error
}

// LogAPI is an API that records pushes to a logger. It stands in for a real
// host connection in the daemon until one is attached, and in examples.
type LogAPI struct {
	logger *slog.Logger

	mu    sync.Mutex
	state DeviceState
}

var _ API = (*LogAPI)(nil)

func NewLogAPI(logger *slog.Logger) *LogAPI {
	return &LogAPI{logger: logger, state: DeviceDisconnected}
}

func (a *LogAPI) RegisterEntity(_ context.Context, entity Entity) error {
	a.logger.Info("entity registered", "entityID", entity.ID, "kind", entity.Kind, "name", entity.Name)
	return nil
}

func (a *LogAPI) UpdateAttributes(_ context.Context, entityID string, attrs map[string]string) error {
	args := []any{"entityID", entityID}
	for key, value := range attrs {
		args = append(args, key, value)
	}
	a.logger.Info("entity attributes", args...)
	return nil
}

func (a *LogAPI) SetDeviceState(_ context.Context, state DeviceState) error {
	a.mu.Lock()
	a.state = state
	a.mu.Unlock()
	a.logger.Info("device state", "state", state)
	return nil
}

func (a *LogAPI) DeviceState() DeviceState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}
