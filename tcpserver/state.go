package tcpserver

import "sync/atomic"

// State is the run state of a server.
type State int32

const (
	Stopped      State = iota // Not listening
	Running                   // Serving connections
	ShuttingDown              // Shutdown requested, teardown pending or in progress
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case Stopped:
		return "Stopped"
	case Running:
		return "Running"
	case ShuttingDown:
		return "ShuttingDown"
	default:
		return "Unknown"
	}
}

// runState is the driver-owned state field. Transitions are compare-and-swap
// so that concurrent shutdown requests resolve to exactly one winner.
type runState struct {
	v atomic.Int32
}

func (r *runState) load() State {
	return State(r.v.Load())
}

func (r *runState) store(s State) {
	r.v.Store(int32(s))
}

func (r *runState) transition(from, to State) bool {
	return r.v.CompareAndSwap(int32(from), int32(to))
}
