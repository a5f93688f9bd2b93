// Package throttle decides whether a non-write heartbeat is redundant.
package throttle

import (
	"sync"
	"time"
)

// DefaultInterval is the minimum spacing of non-write heartbeats for one file.
const DefaultInterval = 120 * time.Second

// Decision is the outcome of a throttle check.
type Decision int

const (
	Proceed Decision = iota
	Suppress
)

func (d Decision) String() string {
	if d == Suppress {
		return "suppress"
	}
	return "proceed"
}

// Event is the part of an editor event the throttle looks at.
type Event struct {
	File    string
	IsWrite bool
	Time    time.Time
}

// State records the last heartbeat that was sent or queued.
type State struct {
	LastTimeSent time.Time `json:"last_time_sent"`
	LastFileSent string    `json:"last_file_sent"`
	HasSent      bool      `json:"has_sent"`
}

// InitialState is the state at process start.
func InitialState() State {
	return State{LastTimeSent: time.Unix(0, 0)}
}

// Decide suppresses ev when a heartbeat was already sent for the same file
// no more than interval ago and ev is not a write.
func Decide(state State, ev Event, interval time.Duration) Decision {
	if state.HasSent &&
		!ev.IsWrite &&
		ev.File == state.LastFileSent &&
		ev.Time.Sub(state.LastTimeSent) <= interval {
		return Suppress
	}
	return Proceed
}

// Throttle holds the state for one coordinator.
type Throttle struct {
	interval time.Duration

	mu    sync.Mutex
	state State
}

// New creates a throttle. A non-positive interval uses DefaultInterval.
func New(interval time.Duration) *Throttle {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Throttle{interval: interval, state: InitialState()}
}

// Check evaluates ev against the current state without changing it.
func (t *Throttle) Check(ev Event) Decision {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Decide(t.state, ev, t.interval)
}

// Record marks ev as sent. Call it only after a delivery or a successful
// enqueue.
func (t *Throttle) Record(ev Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = State{LastTimeSent: ev.Time, LastFileSent: ev.File, HasSent: true}
}

// State returns a snapshot of the current state.
func (t *Throttle) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Interval returns the configured window.
func (t *Throttle) Interval() time.Duration {
	return t.interval
}
