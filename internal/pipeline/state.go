package pipeline

import (
	"fmt"

	"github.com/rs/zerolog"
)

// State is where a region is within one tick
type State int

const (
	StateIdle State = iota
	StateCapturing
	StateValidating
	StateAccepted
	StateRejected
	StateRetry
	StateRetryExhausted
	StateSkipTick
	StateUploading
	StateComposited
)

var stateNames = [...]string{
	StateIdle:           "idle",
	StateCapturing:      "capturing",
	StateValidating:     "validating",
	StateAccepted:       "accepted",
	StateRejected:       "rejected",
	StateRetry:          "retry",
	StateRetryExhausted: "retry-exhausted",
	StateSkipTick:       "skip-tick",
	StateUploading:      "uploading",
	StateComposited:     "composited",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// transitions lists the legal next states. Any state may also fall back
// to Idle when a capture or upload error ends the region's tick.
var transitions = map[State][]State{
	StateIdle:           {StateCapturing},
	StateCapturing:      {StateValidating},
	StateValidating:     {StateAccepted, StateRejected},
	StateAccepted:       {StateUploading},
	StateRejected:       {StateRetry, StateRetryExhausted},
	StateRetry:          {StateCapturing},
	StateRetryExhausted: {StateSkipTick, StateUploading},
	StateSkipTick:       {StateIdle},
	StateUploading:      {StateComposited},
	StateComposited:     {StateIdle},
}

// CanTransition reports whether from -> to is legal
func CanTransition(from, to State) bool {
	if to == StateIdle {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// machine tracks one region's state; illegal transitions are logged and still applied
type machine struct {
	state   State
	illegal int
	log     zerolog.Logger
}

func (m *machine) to(next State) {
	if !CanTransition(m.state, next) {
		m.illegal++
		m.log.Error().
			Str("from", m.state.String()).
			Str("to", next.String()).
			Msg("Illegal region state transition")
	}
	m.state = next
}
