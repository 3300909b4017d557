package session

import "github.com/piremote/piremote/internal/failover"

// State is the supervisor's position in the session lifecycle.
type State int

const (
	// Idle means no session exists and none is being built.
	Idle State = iota

	// Connecting means a control dial to the current endpoint is in flight.
	Connecting

	// ControlEstablished means the control link is live but audio is not
	// yet up. Serial bytes already flow in this state.
	ControlEstablished

	// AudioEstablished is the fully healthy state: control and both audio
	// directions running.
	AudioEstablished

	// Degraded means one sub-channel has failed or crossed the loss
	// threshold while the rest of the session stays up. The supervisor
	// reattempts the failed sub-channel exactly once from here.
	Degraded

	// Closing means the session is being torn down, audio first, then
	// control.
	Closing
)

var stateNames = [...]string{
	Idle:               "idle",
	Connecting:         "connecting",
	ControlEstablished: "control_established",
	AudioEstablished:   "audio_established",
	Degraded:           "degraded",
	Closing:            "closing",
}

// String implements fmt.Stringer.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// StateChange is one transition notification. Err carries the trigger for
// failure-driven transitions (nil for forward progress).
type StateChange struct {
	From     State
	To       State
	Endpoint failover.Endpoint
	Err      error
}
