// state.go defines the supervisor's lifecycle states and the transition
// history ring buffer.
//
// Every transition is recorded in a fixed-size ring buffer (50 entries) for
// debugging, and registered callbacks are invoked on every state change.

package supervisor

import "time"

// State represents the supervisor's view of the connection lifecycle.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAuthenticating
	StateConnected
	StateReconnecting
	StateSuspended
	StateFailed
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateSuspended:
		return "suspended"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// transitionBufferSize is the maximum number of transitions retained for
// debugging.
const transitionBufferSize = 50

// Transition records a single state change.
type Transition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

// StateChangeCallback is invoked on every state change. Callbacks run
// synchronously outside the supervisor's lock; long-running handlers should
// spawn goroutines.
type StateChangeCallback func(from, to State)

// transitionLog is a fixed-size ring buffer of transitions.
type transitionLog struct {
	entries [transitionBufferSize]Transition
	head    int
	count   int
}

func (l *transitionLog) record(from, to State, reason string) {
	l.entries[l.head] = Transition{
		From:      from,
		To:        to,
		Timestamp: time.Now(),
		Reason:    reason,
	}
	l.head = (l.head + 1) % transitionBufferSize
	if l.count < transitionBufferSize {
		l.count++
	}
}

// history returns the transitions in chronological order, oldest first.
func (l *transitionLog) history() []Transition {
	if l.count == 0 {
		return nil
	}
	result := make([]Transition, l.count)
	if l.count < transitionBufferSize {
		copy(result, l.entries[:l.count])
	} else {
		n := copy(result, l.entries[l.head:])
		copy(result[n:], l.entries[:l.head])
	}
	return result
}

// Transitions returns the recent state transition history, oldest first.
// Up to 50 transitions are retained.
func (s *Supervisor) Transitions() []Transition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log.history()
}

// OnStateChange registers a callback invoked on every state change.
func (s *Supervisor) OnStateChange(cb StateChangeCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, cb)
}

// setStateLocked updates the state, records the transition, and returns the
// callback notification to run after the lock is released. Callers must
// invoke the returned func. No-op transitions return a nil-safe func.
func (s *Supervisor) setStateLocked(to State, reason string) func() {
	from := s.state
	if from == to {
		return func() {}
	}
	s.state = to
	s.log.record(from, to, reason)

	// Copy callbacks under lock, invoke outside lock.
	cbs := make([]StateChangeCallback, len(s.callbacks))
	copy(cbs, s.callbacks)
	return func() {
		for _, cb := range cbs {
			cb(from, to)
		}
	}
}
