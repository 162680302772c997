package media

// State is the playback state of the host pipeline.
type State int

// Host states, in the order a pipeline moves through them on start-up.
const (
	StateNull State = iota
	StateReady
	StatePaused
	StatePlaying
)

func (s State) String() string {
	switch s {
	case StateNull:
		return "null"
	case StateReady:
		return "ready"
	case StatePaused:
		return "paused"
	case StatePlaying:
		return "playing"
	default:
		return "unknown"
	}
}

// Stopping reports whether a source in this state should end its stream
// rather than keep waiting for data.
func (s State) Stopping() bool {
	return s == StateNull || s == StatePaused
}

// StateFunc reports the current host state.
type StateFunc func() State
