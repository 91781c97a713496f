package lifecycle

import "github.com/cockroachdb/errors"

// Phase is one of the four lifecycle stages applied across a container.
type Phase int

const (
	Initialize Phase = iota + 1
	Start
	Stop
	Dispose
)

// Phases lists every phase in the order it is applied over a container's life.
var Phases = []Phase{Initialize, Start, Stop, Dispose}

func (p Phase) String() string {
	switch p {
	case Initialize:
		return "initialize"
	case Start:
		return "start"
	case Stop:
		return "stop"
	case Dispose:
		return "dispose"
	default:
		return "unknown"
	}
}

// Reverse reports whether the phase visits dependents before their
// dependencies.
func (p Phase) Reverse() bool {
	return p == Stop || p == Dispose
}

// ParsePhase maps a phase name back to its Phase.
func ParsePhase(name string) (Phase, error) {
	for _, p := range Phases {
		if p.String() == name {
			return p, nil
		}
	}
	return 0, errors.Newf("unknown phase %q", name)
}

// State is the position of a component (or a container) in its lifecycle.
type State int32

const (
	Uninitialized State = iota
	Initialized
	Started
	Stopped
	Disposed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initialized:
		return "initialized"
	case Started:
		return "started"
	case Stopped:
		return "stopped"
	case Disposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// transition decides what applying phase to something in state from does.
// apply is false when the phase has nothing to do (already applied, or Stop
// on a component that never started).
func transition(from State, phase Phase) (to State, apply bool, err error) {
	switch phase {
	case Initialize:
		switch from {
		case Uninitialized:
			return Initialized, true, nil
		case Disposed:
			return from, false, invalidTransition(from, phase)
		default:
			return from, false, nil
		}
	case Start:
		switch from {
		case Initialized:
			return Started, true, nil
		case Started:
			return from, false, nil
		default:
			return from, false, invalidTransition(from, phase)
		}
	case Stop:
		if from == Started {
			return Stopped, true, nil
		}
		return from, false, nil
	case Dispose:
		if from == Disposed {
			return from, false, nil
		}
		return Disposed, true, nil
	}
	return from, false, errors.Newf("unknown phase %d", int(phase))
}

func invalidTransition(from State, phase Phase) error {
	return errors.Wrapf(ErrInvalidTransition, "cannot %s from %s", phase, from)
}
