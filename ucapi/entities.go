package ucapi

import "fmt"

// EntityKind discriminates the entity schemas the bridge exposes.
type EntityKind string

const (
	KindRemote      EntityKind = "remote"
	KindMediaPlayer EntityKind = "media_player"
)

// Entity is a host-visible device surface with its feature set and the
// simple commands it accepts.
type Entity struct {
	ID             string
	Name           string
	Kind           EntityKind
	DeviceClass    string
	Features       []string
	SimpleCommands []string
	Attributes     map[string]string
}

func RemoteEntityID(liveID string) string {
	return fmt.Sprintf("xbox-remote-%s", liveID)
}

func MediaPlayerEntityID(liveID string) string {
	return fmt.Sprintf("xbox-player-%s", liveID)
}

// RemoteSimpleCommands is the full command vocabulary of the remote entity.
// Color keys double as face buttons for remotes without ABXY.
var RemoteSimpleCommands = []string{
	"on", "off", "toggle",
	"up", "down", "left", "right", "select", "back",
	"home", "menu", "view",
	"a_button", "b_button", "x_button", "y_button",
	"red", "green", "blue", "yellow",
	"play", "pause", "stop", "next_track", "previous_track",
	"volume_up", "volume_down", "mute", "unmute", "mute_toggle",
}

// NewRemoteEntity builds the remote-control entity for one console.
func NewRemoteEntity(liveID, name string) Entity {
	commands := make([]string, len(RemoteSimpleCommands))
	copy(commands, RemoteSimpleCommands)
	return Entity{
		ID:             RemoteEntityID(liveID),
		Name:           name,
		Kind:           KindRemote,
		Features:       []string{"on_off", "send_cmd"},
		SimpleCommands: commands,
		Attributes:     map[string]string{AttrState: StateOff},
	}
}

// NewMediaPlayerEntity builds the read-only presence surface for one console.
func NewMediaPlayerEntity(liveID, name string) Entity {
	return Entity{
		ID:          MediaPlayerEntityID(liveID),
		Name:        name,
		Kind:        KindMediaPlayer,
		DeviceClass: "receiver",
		Features:    []string{"on_off", "media_title", "media_image_url"},
		Attributes: map[string]string{
			AttrState:         StateOff,
			AttrMediaTitle:    "",
			AttrMediaImageURL: "",
		},
	}
}
