package supervisor

import "fmt"

// State is the supervisor's view of whether the worker is usable.
type State int32

const (
	Stopped State = iota
	Starting
	Running
	Restarting
	FailedPermanently
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Restarting:
		return "restarting"
	case FailedPermanently:
		return "failed_permanently"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON payloads.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// legal lists every allowed transition. Anything else is a bug in the loop.
var legal = map[State][]State{
	Stopped:           {Starting},
	Starting:          {Running, Restarting, FailedPermanently, Stopped},
	Running:           {Restarting, FailedPermanently, Stopped},
	Restarting:        {Starting, Stopped},
	FailedPermanently: {Starting, Stopped},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	for _, s := range legal[from] {
		if s == to {
			return true
		}
	}
	return false
}

type transitionError struct{ from, to State }

func (e transitionError) Error() string {
	return fmt.Sprintf("illegal state transition %s -> %s", e.from, e.to)
}
