package smartglass

// Button is a controller key injectable through the shell command channel.
type Button string

const (
	ButtonA     Button = "A"
	ButtonB     Button = "B"
	ButtonX     Button = "X"
	ButtonY     Button = "Y"
	ButtonUp    Button = "Up"
	ButtonDown  Button = "Down"
	ButtonLeft  Button = "Left"
	ButtonRight Button = "Right"
	ButtonNexus Button = "Nexus"
	ButtonMenu  Button = "Menu"
	ButtonView  Button = "View"

	ButtonPlay      Button = "Play"
	ButtonPause     Button = "Pause"
	ButtonNextTrack Button = "NextTrack"
	ButtonPrevTrack Button = "PrevTrack"
)

// VolumeDirection is the direction argument of the audio volume command.
type VolumeDirection string

const (
	VolumeUp   VolumeDirection = "Up"
	VolumeDown VolumeDirection = "Down"
)
