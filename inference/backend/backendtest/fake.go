// Package backendtest provides an in-memory Runtime for tests that cannot load onnxruntime.
package backendtest

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nvr-ai/go-signs/inference/backend"
	"github.com/nvr-ai/go-signs/inference/providers"
	"github.com/nvr-ai/go-signs/tensors"
)

// Graph is the only payload the fake runtime accepts as a valid model.
var Graph = []byte("backendtest-graph\x00")

// ErrNoAccelerator is returned when a session asks for an accelerated provider that the
// runtime was told is unavailable.
var ErrNoAccelerator = errors.New("backendtest: accelerator not present")

// Forward computes out from in.
type Forward func(in, out []float32) error

// Fixed returns a Forward that always writes values.
func Fixed(values ...float32) Forward {
	return func(_, out []float32) error {
		copy(out, values)
		return nil
	}
}

// Fail returns a Forward that always fails with err.
func Fail(err error) Forward {
	return func(_, _ []float32) error { return err }
}

// Runtime implements backend.Runtime in memory.
type Runtime struct {
	mu          sync.Mutex
	inputs      []backend.TensorInfo
	outputs     []backend.TensorInfo
	forward     Forward
	delay       time.Duration
	accelerator bool
	sessionErr  error
	sessions    []*Session
	closed      bool

	active        atomic.Int32
	maxConcurrent atomic.Int32
	runs          atomic.Int64
}

// New returns a runtime whose graphs declare one float32 input and one float32 output.
func New(input, output tensors.Shape) *Runtime {
	return &Runtime{
		inputs:      []backend.TensorInfo{{Name: "input", Shape: input, Type: backend.Float32}},
		outputs:     []backend.TensorInfo{{Name: "output", Shape: output, Type: backend.Float32}},
		accelerator: true,
	}
}

// WithTypes changes the element types of the declared tensors.
func (r *Runtime) WithTypes(input, output backend.ElementType) *Runtime {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inputs[0].Type = input
	r.outputs[0].Type = output
	return r
}

// SetForward replaces the forward function of every session.
func (r *Runtime) SetForward(f Forward) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forward = f
}

// SetDelay makes every run sleep for d.
func (r *Runtime) SetDelay(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delay = d
}

// SetAccelerator controls whether accelerated providers can open sessions.
func (r *Runtime) SetAccelerator(available bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accelerator = available
}

// SetSessionError makes NewSession fail with err.
func (r *Runtime) SetSessionError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessionErr = err
}

// Inspect accepts only Graph.
func (r *Runtime) Inspect(data []byte) ([]backend.TensorInfo, []backend.TensorInfo, error) {
	if !bytes.Equal(data, Graph) {
		return nil, nil, fmt.Errorf("backendtest: not a graph (%d bytes)", len(data))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]backend.TensorInfo(nil), r.inputs...), append([]backend.TensorInfo(nil), r.outputs...), nil
}

// NewSession opens a session. Accelerated providers fail when the accelerator is disabled.
func (r *Runtime) NewSession(
	data []byte,
	io backend.IOSpec,
	provider providers.ExecutionProvider,
) (backend.Session, error) {
	if !bytes.Equal(data, Graph) {
		return nil, fmt.Errorf("backendtest: not a graph")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, fmt.Errorf("backendtest: runtime closed")
	}
	if r.sessionErr != nil {
		return nil, r.sessionErr
	}
	accelerated := provider != nil && provider.Accelerated()
	if accelerated && !r.accelerator {
		return nil, ErrNoAccelerator
	}

	s := &Session{
		runtime:     r,
		io:          io,
		accelerated: accelerated,
	}
	r.sessions = append(r.sessions, s)
	return s, nil
}

// Close marks the runtime closed.
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// Closed reports whether Close was called.
func (r *Runtime) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Sessions returns every session opened so far.
func (r *Runtime) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Session(nil), r.sessions...)
}

// Live returns the number of sessions not yet destroyed.
func (r *Runtime) Live() int {
	n := 0
	for _, s := range r.Sessions() {
		if !s.Destroyed() {
			n++
		}
	}
	return n
}

// Runs returns the number of forward passes started.
func (r *Runtime) Runs() int64 {
	return r.runs.Load()
}

// MaxConcurrent returns the highest number of forward passes observed running at once.
func (r *Runtime) MaxConcurrent() int {
	return int(r.maxConcurrent.Load())
}

func (r *Runtime) current() (Forward, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.forward, r.delay
}

// Session implements backend.Session.
type Session struct {
	runtime     *Runtime
	io          backend.IOSpec
	accelerated bool
	destroyed   atomic.Int32
}

// Accelerated reports whether the session was opened with an accelerated provider.
func (s *Session) Accelerated() bool {
	return s.accelerated
}

// IO returns the tensors the session was bound to.
func (s *Session) IO() backend.IOSpec {
	return s.io
}

// Destroyed reports whether Destroy was called.
func (s *Session) Destroyed() bool {
	return s.destroyed.Load() > 0
}

// Run applies the runtime's forward function.
func (s *Session) Run(in, out []float32) error {
	if s.Destroyed() {
		return fmt.Errorf("backendtest: session destroyed")
	}
	r := s.runtime
	r.runs.Add(1)

	n := r.active.Add(1)
	defer r.active.Add(-1)
	for {
		peak := r.maxConcurrent.Load()
		if n <= peak || r.maxConcurrent.CompareAndSwap(peak, n) {
			break
		}
	}

	if want := s.io.Input.Shape.Resolve().Size(); len(in) != want {
		return fmt.Errorf("backendtest: input length %d, want %d", len(in), want)
	}
	if want := s.io.Output.Shape.Resolve().Size(); len(out) != want {
		return fmt.Errorf("backendtest: output length %d, want %d", len(out), want)
	}

	forward, delay := r.current()
	if delay > 0 {
		time.Sleep(delay)
	}
	if forward == nil {
		for i := range out {
			out[i] = 0
		}
		return nil
	}
	return forward(in, out)
}

// Destroy marks the session destroyed. A second call fails.
func (s *Session) Destroy() error {
	if s.destroyed.Add(1) > 1 {
		return fmt.Errorf("backendtest: session destroyed twice")
	}
	return nil
}
