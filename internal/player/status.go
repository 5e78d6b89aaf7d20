package player

import "fmt"

// Status is the playback status of a controller.
type Status int

const (
	// StatusPaused is the initial status; nothing is playing.
	StatusPaused Status = iota
	// StatusLoading means playback was requested and is being acquired.
	StatusLoading
	// StatusPlaying means the current segment is playing.
	StatusPlaying
)

func (s Status) String() string {
	switch s {
	case StatusPaused:
		return "PAUSED"
	case StatusLoading:
		return "LOADING"
	case StatusPlaying:
		return "PLAYING"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseStatus parses the textual form produced by Status.String.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "PAUSED":
		return StatusPaused, nil
	case "LOADING":
		return StatusLoading, nil
	case "PLAYING":
		return StatusPlaying, nil
	default:
		return StatusPaused, fmt.Errorf("unknown status %q", s)
	}
}
