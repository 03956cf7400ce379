package dispatcher

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/nvr-ai/go-signs/inference"
)

// State is the lifecycle state of a request.
type State int32

const (
	// StateQueued is waiting for the worker.
	StateQueued State = iota
	// StateRunning is being classified.
	StateRunning
	// StateCompleted finished with a result.
	StateCompleted
	// StateFailed finished with an error.
	StateFailed
	// StateCancelled was cancelled while queued, or while running with its result discarded.
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Outcome is the final state of a request.
type Outcome struct {
	ID     string
	State  State
	Result *inference.Result
	Err    error
	// QueueWait is the time spent queued before the worker picked the request up.
	QueueWait time.Duration
	// Elapsed is the time spent running.
	Elapsed time.Duration
}

// Pending is the caller's handle to a submitted request.
type Pending struct {
	ID string

	features        []float32
	submitted       time.Time
	state           atomic.Int32
	cancelRequested atomic.Bool
	done            chan struct{}
	outcome         Outcome
}

func newPending(id string, features []float32) *Pending {
	return &Pending{
		ID:        id,
		features:  features,
		submitted: time.Now(),
		done:      make(chan struct{}),
	}
}

// State returns the current state.
func (p *Pending) State() State {
	return State(p.state.Load())
}

// Done is closed once the request reaches a terminal state.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Poll returns the outcome without blocking. The bool is false while the request is not
// finished.
func (p *Pending) Poll() (Outcome, bool) {
	select {
	case <-p.done:
		return p.outcome, true
	default:
		return Outcome{ID: p.ID, State: p.State()}, false
	}
}

// Wait blocks until the request finishes or ctx is done.
func (p *Pending) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-p.done:
		return p.outcome, nil
	case <-ctx.Done():
		return Outcome{ID: p.ID, State: p.State()}, ctx.Err()
	}
}

func (p *Pending) transition(from, to State) bool {
	return p.state.CompareAndSwap(int32(from), int32(to))
}

// complete publishes the outcome. Exactly one caller reaches it per request.
func (p *Pending) complete(o Outcome) {
	o.ID = p.ID
	p.outcome = o
	p.state.Store(int32(o.State))
	p.features = nil
	close(p.done)
}
