// Package dispatcher - Serializes classification requests onto a single worker.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nvr-ai/go-signs/inference"
	"github.com/nvr-ai/go-signs/profiler"
	"go.uber.org/zap"
)

var (
	// ErrQueueFull is returned by Submit when the queue is at capacity.
	ErrQueueFull = errors.New("request queue is full")
	// ErrShutdown is returned by Submit after Shutdown, and reported for requests still
	// queued when Shutdown ran.
	ErrShutdown = errors.New("dispatcher is shut down")
	// ErrCancelled is reported for cancelled requests.
	ErrCancelled = errors.New("request cancelled")
)

// DefaultQueueSize bounds the queue when Options.QueueSize is zero.
const DefaultQueueSize = 64

// Predictor classifies one feature vector.
type Predictor interface {
	Predict(ctx context.Context, features []float32) (*inference.Result, error)
}

// PredictorFunc adapts a function to Predictor.
type PredictorFunc func(ctx context.Context, features []float32) (*inference.Result, error)

// Predict calls f.
func (f PredictorFunc) Predict(ctx context.Context, features []float32) (*inference.Result, error) {
	return f(ctx, features)
}

// Options configures a Dispatcher.
type Options struct {
	// QueueSize bounds the number of queued requests.
	QueueSize int
	// OnComplete is called once per request when it reaches a terminal state. It runs on
	// the worker, or on the caller of Cancel, and must not block.
	OnComplete func(Outcome)
	// Profiler records queue wait, inference time and outcome counters. Optional.
	Profiler *profiler.RuntimeProfiler
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// Dispatcher queues requests in arrival order and runs them one at a time.
type Dispatcher struct {
	predictor  Predictor
	onComplete func(Outcome)
	profiler   *profiler.RuntimeProfiler
	logger     *zap.Logger

	queue  chan *Pending
	stop   chan struct{}
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[string]*Pending
	started bool
	closed  bool
}

// New creates a dispatcher. Call Start to run the worker.
//
// Arguments:
//   - predictor: Classifies each request.
//   - opts: The dispatcher options.
//
// Returns:
//   - *Dispatcher: The dispatcher.
//   - error: An error if the predictor is nil or the queue size is negative.
func New(predictor Predictor, opts Options) (*Dispatcher, error) {
	if predictor == nil {
		return nil, errors.New("dispatcher: predictor must not be nil")
	}
	if opts.QueueSize < 0 {
		return nil, fmt.Errorf("dispatcher: queue size must not be negative, got %d", opts.QueueSize)
	}
	if opts.QueueSize == 0 {
		opts.QueueSize = DefaultQueueSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		predictor:  predictor,
		onComplete: opts.OnComplete,
		profiler:   opts.Profiler,
		logger:     logger.Named("dispatcher"),
		queue:      make(chan *Pending, opts.QueueSize),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		pending:    make(map[string]*Pending),
	}, nil
}

// Start runs the worker. Calling it more than once, or after Shutdown, does nothing.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started || d.closed {
		return
	}
	d.started = true

	go func() {
		defer close(d.done)
		d.run()
	}()
}

// Submit queues features for classification without blocking.
//
// Arguments:
//   - features: The input features. They are copied.
//
// Returns:
//   - *Pending: The handle to poll or wait on.
//   - error: ErrShutdown or ErrQueueFull.
func (d *Dispatcher) Submit(features []float32) (*Pending, error) {
	p := newPending(uuid.NewString(), append([]float32(nil), features...))

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrShutdown
	}

	select {
	case d.queue <- p:
	default:
		d.count(profiler.CountRejected)
		return nil, ErrQueueFull
	}
	d.pending[p.ID] = p

	d.logger.Debug("request queued", zap.String("id", p.ID), zap.Int("queued", len(d.queue)))
	return p, nil
}

// Cancel cancels a request.
//
// Arguments:
//   - id: The request id.
//
// Returns:
//   - bool: True only when the request was still queued; it will never run. A running
//     request is marked so its result is discarded, and Cancel returns false.
func (d *Dispatcher) Cancel(id string) bool {
	d.mu.Lock()
	p, ok := d.pending[id]
	if !ok {
		d.mu.Unlock()
		return false
	}
	if !p.transition(StateQueued, StateCancelled) {
		p.cancelRequested.Store(true)
		d.mu.Unlock()
		d.logger.Debug("cancel requested for running request", zap.String("id", id))
		return false
	}
	delete(d.pending, id)
	d.mu.Unlock()

	d.finish(p, Outcome{State: StateCancelled, Err: ErrCancelled, QueueWait: time.Since(p.submitted)})
	return true
}

// Len returns the number of queued entries, including cancelled ones not yet drained.
func (d *Dispatcher) Len() int {
	return len(d.queue)
}

// Done is closed when the worker has exited. It is never closed if Start was not called.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Shutdown rejects new submissions, cancels queued requests with ErrShutdown and waits for
// the running request to finish.
//
// Arguments:
//   - ctx: Bounds the wait for the running request.
//
// Returns:
//   - error: The context error if the worker did not stop in time.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.stop)
	}
	started := d.started
	d.mu.Unlock()

	if !started {
		d.drain()
		d.cancel()
		return nil
	}

	select {
	case <-d.done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		return ctx.Err()
	}
}

func (d *Dispatcher) run() {
	for {
		select {
		case <-d.stop:
			d.drain()
			return
		default:
		}

		select {
		case <-d.stop:
			d.drain()
			return
		case p := <-d.queue:
			d.next(p)
		}
	}
}

// next runs p unless Shutdown raced with the dequeue, in which case p is cancelled like
// every other queued request.
func (d *Dispatcher) next(p *Pending) {
	select {
	case <-d.stop:
		d.abandon(p)
	default:
		d.execute(p)
	}
}

// drain cancels every request still queued.
func (d *Dispatcher) drain() {
	for {
		select {
		case p := <-d.queue:
			d.abandon(p)
		default:
			return
		}
	}
}

// abandon completes a queued request with ErrShutdown.
func (d *Dispatcher) abandon(p *Pending) {
	if !p.transition(StateQueued, StateCancelled) {
		return
	}
	d.forget(p)
	d.finish(p, Outcome{State: StateCancelled, Err: ErrShutdown, QueueWait: time.Since(p.submitted)})
}

func (d *Dispatcher) execute(p *Pending) {
	if !p.transition(StateQueued, StateRunning) {
		// Cancelled while queued; Cancel already completed it.
		return
	}
	wait := time.Since(p.submitted)
	if d.profiler != nil {
		d.profiler.RecordOperation(profiler.OpQueueWait, wait)
	}

	start := time.Now()
	res, err := d.predict(p)
	elapsed := time.Since(start)

	d.forget(p)

	outcome := Outcome{Result: res, Err: err, QueueWait: wait, Elapsed: elapsed}
	switch {
	case p.cancelRequested.Load():
		outcome.State = StateCancelled
		outcome.Result = nil
		outcome.Err = ErrCancelled
	case err != nil:
		outcome.State = StateFailed
		outcome.Result = nil
		d.logger.Warn("request failed", zap.String("id", p.ID), zap.Error(err))
	default:
		outcome.State = StateCompleted
	}
	d.finish(p, outcome)
}

// predict runs the predictor, turning a panic into an *inference.InferenceError.
func (d *Dispatcher) predict(p *Pending) (res *inference.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("predictor panicked", zap.String("id", p.ID), zap.Any("panic", r), zap.Stack("stack"))
			res = nil
			err = &inference.InferenceError{Op: "predict", Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return d.predictor.Predict(d.ctx, p.features)
}

func (d *Dispatcher) forget(p *Pending) {
	d.mu.Lock()
	delete(d.pending, p.ID)
	d.mu.Unlock()
}

func (d *Dispatcher) finish(p *Pending, o Outcome) {
	p.complete(o)

	switch o.State {
	case StateCompleted:
		d.count(profiler.CountCompleted)
	case StateFailed:
		d.count(profiler.CountFailed)
	case StateCancelled:
		d.count(profiler.CountCancelled)
	}

	if d.onComplete == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("completion callback panicked", zap.String("id", p.ID), zap.Any("panic", r))
		}
	}()
	d.onComplete(p.outcome)
}

func (d *Dispatcher) count(name string) {
	if d.profiler != nil {
		d.profiler.Count(name)
	}
}
