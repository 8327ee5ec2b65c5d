package scheduler

// State is a request's position in the scheduling lifecycle. Completion has
// no state: a finished request is simply no longer in the queue.
type State uint8

const (
	// StateQueued marks an admitted request waiting for a slot.
	StateQueued State = iota
	// StateDeferred marks a queued request skipped during the current pass.
	// Every deferred request reverts to queued when the pass ends.
	StateDeferred
	// StateActive marks a request the scheduler has started.
	StateActive
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateDeferred:
		return "deferred"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

// Pending reports whether the request has not been started yet.
func (s State) Pending() bool {
	return s == StateQueued || s == StateDeferred
}

// Request is the scheduler's view of a tracked request. State and SetState
// are only called with the queue lock held.
type Request interface {
	State() State
	SetState(State)
	// Start begins processing. It is called once, outside the queue lock.
	Start()
}

// Readier is implemented by requests that can report they lack the memory to
// start. A request that is not ready while others are active is deferred.
type Readier interface {
	Ready() bool
}

// Releaser is implemented by requests that free resources after leaving the
// queue.
type Releaser interface {
	Release()
}

// Marker stores a State. Embed it to satisfy the State half of Request.
type Marker struct {
	state State
}

// State returns the stored state.
func (m *Marker) State() State { return m.state }

// SetState replaces the stored state.
func (m *Marker) SetState(s State) { m.state = s }
