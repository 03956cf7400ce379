package dispatcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nvr-ai/go-signs/inference"
	"github.com/nvr-ai/go-signs/profiler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder is a Predictor that records the first feature of every request it runs. When
// gate is set, every call blocks until the gate yields.
type recorder struct {
	mu      sync.Mutex
	seen    []float32
	started chan float32
	gate    chan struct{}
	fn      func(features []float32) (*inference.Result, error)

	active atomic.Int32
	peak   atomic.Int32
}

func newRecorder() *recorder {
	return &recorder{started: make(chan float32, 128)}
}

func (r *recorder) Predict(_ context.Context, features []float32) (*inference.Result, error) {
	n := r.active.Add(1)
	defer r.active.Add(-1)
	if n > r.peak.Load() {
		r.peak.Store(n)
	}

	r.mu.Lock()
	r.seen = append(r.seen, features[0])
	r.mu.Unlock()
	r.started <- features[0]

	if r.gate != nil {
		<-r.gate
	}
	if r.fn != nil {
		return r.fn(features)
	}
	return &inference.Result{Predictions: []inference.Prediction{{Label: "A", Confidence: 1}}}, nil
}

func (r *recorder) Seen() []float32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float32(nil), r.seen...)
}

func newDispatcher(t *testing.T, p Predictor, opts Options) *Dispatcher {
	t.Helper()
	d, err := New(p, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = d.Shutdown(ctx)
	})
	return d
}

func submit(t *testing.T, d *Dispatcher, v float32) *Pending {
	t.Helper()
	p, err := d.Submit([]float32{v})
	require.NoError(t, err)
	return p
}

func wait(t *testing.T, p *Pending) Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	o, err := p.Wait(ctx)
	require.NoError(t, err)
	return o
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, Options{})
	assert.Error(t, err)

	_, err = New(newRecorder(), Options{QueueSize: -1})
	assert.Error(t, err)

	d, err := New(newRecorder(), Options{})
	require.NoError(t, err)
	assert.Equal(t, DefaultQueueSize, cap(d.queue))
}

func TestFIFODelivery(t *testing.T) {
	rec := newRecorder()
	var mu sync.Mutex
	var order []string
	d := newDispatcher(t, rec, Options{OnComplete: func(o Outcome) {
		mu.Lock()
		order = append(order, o.ID)
		mu.Unlock()
	}})

	a, b, c := submit(t, d, 1), submit(t, d, 2), submit(t, d, 3)
	d.Start()

	for _, p := range []*Pending{a, b, c} {
		o := wait(t, p)
		assert.Equal(t, StateCompleted, o.State)
		assert.Equal(t, p.ID, o.ID)
		require.NotNil(t, o.Result)
		assert.NoError(t, o.Err)
	}

	assert.Equal(t, []float32{1, 2, 3}, rec.Seen())
	mu.Lock()
	assert.Equal(t, []string{a.ID, b.ID, c.ID}, order)
	mu.Unlock()
	assert.NotEqual(t, a.ID, b.ID)
}

func TestNoOverlap(t *testing.T) {
	rec := newRecorder()
	rec.fn = func(features []float32) (*inference.Result, error) {
		time.Sleep(100 * time.Microsecond)
		return &inference.Result{}, nil
	}
	d := newDispatcher(t, rec, Options{QueueSize: 64})
	d.Start()

	var wg sync.WaitGroup
	pendings := make(chan *Pending, 40)
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				p, err := d.Submit([]float32{float32(g*10 + i)})
				if err == nil {
					pendings <- p
				}
			}
		}(g)
	}
	wg.Wait()
	close(pendings)

	for p := range pendings {
		assert.Equal(t, StateCompleted, wait(t, p).State)
	}
	assert.Equal(t, int32(1), rec.peak.Load())
	assert.Len(t, rec.Seen(), 40)
}

func TestCancelQueued(t *testing.T) {
	rec := newRecorder()
	rec.gate = make(chan struct{})
	d := newDispatcher(t, rec, Options{})

	a, b, c := submit(t, d, 1), submit(t, d, 2), submit(t, d, 3)
	d.Start()
	require.Equal(t, float32(1), <-rec.started)

	assert.True(t, d.Cancel(b.ID))
	assert.False(t, d.Cancel(b.ID))
	assert.Equal(t, StateCancelled, b.State())

	close(rec.gate)

	assert.Equal(t, StateCompleted, wait(t, a).State)
	ob := wait(t, b)
	assert.Equal(t, StateCancelled, ob.State)
	assert.ErrorIs(t, ob.Err, ErrCancelled)
	assert.Nil(t, ob.Result)
	assert.Equal(t, StateCompleted, wait(t, c).State)

	assert.Equal(t, []float32{1, 3}, rec.Seen())
}

func TestCancelRunningDiscardsResult(t *testing.T) {
	rec := newRecorder()
	rec.gate = make(chan struct{})
	d := newDispatcher(t, rec, Options{})
	d.Start()

	a := submit(t, d, 1)
	<-rec.started
	assert.Equal(t, StateRunning, a.State())

	assert.False(t, d.Cancel(a.ID))
	close(rec.gate)

	o := wait(t, a)
	assert.Equal(t, StateCancelled, o.State)
	assert.ErrorIs(t, o.Err, ErrCancelled)
	assert.Nil(t, o.Result)
	assert.Equal(t, []float32{1}, rec.Seen())
}

func TestCancelUnknownOrFinished(t *testing.T) {
	d := newDispatcher(t, newRecorder(), Options{})
	assert.False(t, d.Cancel("nope"))

	d.Start()
	p := submit(t, d, 1)
	wait(t, p)
	assert.False(t, d.Cancel(p.ID))
}

func TestFailureIsolation(t *testing.T) {
	boom := &inference.InferenceError{Op: "classify", Err: errors.New("delegate lost")}
	rec := newRecorder()
	rec.fn = func(features []float32) (*inference.Result, error) {
		if features[0] == 2 {
			return nil, boom
		}
		return &inference.Result{}, nil
	}
	d := newDispatcher(t, rec, Options{})
	d.Start()

	a, b, c := submit(t, d, 1), submit(t, d, 2), submit(t, d, 3)

	assert.Equal(t, StateCompleted, wait(t, a).State)
	ob := wait(t, b)
	assert.Equal(t, StateFailed, ob.State)
	assert.ErrorIs(t, ob.Err, inference.ErrInference)
	assert.Nil(t, ob.Result)
	assert.Equal(t, StateCompleted, wait(t, c).State)
}

func TestPanicIsolation(t *testing.T) {
	rec := newRecorder()
	rec.fn = func(features []float32) (*inference.Result, error) {
		if features[0] == 1 {
			panic("native crash")
		}
		return &inference.Result{}, nil
	}
	d := newDispatcher(t, rec, Options{})
	d.Start()

	a, b := submit(t, d, 1), submit(t, d, 2)

	oa := wait(t, a)
	assert.Equal(t, StateFailed, oa.State)
	assert.ErrorIs(t, oa.Err, inference.ErrInference)
	assert.Contains(t, oa.Err.Error(), "native crash")
	assert.Equal(t, StateCompleted, wait(t, b).State)
}

func TestCallbackPanicDoesNotStopWorker(t *testing.T) {
	d := newDispatcher(t, newRecorder(), Options{OnComplete: func(Outcome) { panic("ui gone") }})
	d.Start()

	assert.Equal(t, StateCompleted, wait(t, submit(t, d, 1)).State)
	assert.Equal(t, StateCompleted, wait(t, submit(t, d, 2)).State)
}

func TestQueueFull(t *testing.T) {
	prof := profiler.NewRuntimeProfiler(profiler.ProfilingOptions{})
	d := newDispatcher(t, newRecorder(), Options{QueueSize: 2, Profiler: prof})

	submit(t, d, 1)
	submit(t, d, 2)
	assert.Equal(t, 2, d.Len())

	_, err := d.Submit([]float32{3})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, int64(1), prof.Snapshot().Counters[profiler.CountRejected])
}

func TestSubmitCopiesFeatures(t *testing.T) {
	rec := newRecorder()
	d := newDispatcher(t, rec, Options{})

	features := []float32{5}
	p, err := d.Submit(features)
	require.NoError(t, err)
	features[0] = 9

	d.Start()
	wait(t, p)
	assert.Equal(t, []float32{5}, rec.Seen())
}

func TestPollAndWait(t *testing.T) {
	rec := newRecorder()
	rec.gate = make(chan struct{})
	d := newDispatcher(t, rec, Options{})

	p := submit(t, d, 1)
	o, ok := p.Poll()
	assert.False(t, ok)
	assert.Equal(t, StateQueued, o.State)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := p.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	d.Start()
	close(rec.gate)
	<-p.Done()

	o, ok = p.Poll()
	assert.True(t, ok)
	assert.Equal(t, StateCompleted, o.State)
	assert.True(t, o.State.Terminal())
	assert.GreaterOrEqual(t, o.QueueWait, time.Duration(0))
}

func TestShutdownBeforeStart(t *testing.T) {
	rec := newRecorder()
	d := newDispatcher(t, rec, Options{})

	p := submit(t, d, 1)
	require.NoError(t, d.Shutdown(context.Background()))

	o := wait(t, p)
	assert.Equal(t, StateCancelled, o.State)
	assert.ErrorIs(t, o.Err, ErrShutdown)
	assert.Empty(t, rec.Seen())

	_, err := d.Submit([]float32{2})
	assert.ErrorIs(t, err, ErrShutdown)

	d.Start()
	assert.Empty(t, rec.Seen())
}

func TestShutdownWaitsForRunning(t *testing.T) {
	rec := newRecorder()
	rec.gate = make(chan struct{})
	d := newDispatcher(t, rec, Options{})
	d.Start()

	running := submit(t, d, 1)
	queued := submit(t, d, 2)
	<-rec.started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Shutdown(ctx), context.DeadlineExceeded)

	_, err := d.Submit([]float32{3})
	assert.ErrorIs(t, err, ErrShutdown)

	close(rec.gate)
	require.NoError(t, d.Shutdown(context.Background()))

	assert.Equal(t, StateCompleted, wait(t, running).State)
	oq := wait(t, queued)
	assert.Equal(t, StateCancelled, oq.State)
	assert.ErrorIs(t, oq.Err, ErrShutdown)
	assert.Equal(t, []float32{1}, rec.Seen())
}

func TestProfilerCounters(t *testing.T) {
	prof := profiler.NewRuntimeProfiler(profiler.ProfilingOptions{})
	rec := newRecorder()
	rec.fn = func(features []float32) (*inference.Result, error) {
		if features[0] == 2 {
			return nil, errors.New("bad frame")
		}
		return &inference.Result{}, nil
	}
	d := newDispatcher(t, rec, Options{Profiler: prof})

	a, b, c := submit(t, d, 1), submit(t, d, 2), submit(t, d, 3)
	require.True(t, d.Cancel(c.ID))
	d.Start()
	wait(t, a)
	wait(t, b)

	s := prof.Snapshot()
	assert.Equal(t, int64(1), s.Counters[profiler.CountCompleted])
	assert.Equal(t, int64(1), s.Counters[profiler.CountFailed])
	assert.Equal(t, int64(1), s.Counters[profiler.CountCancelled])
	assert.Equal(t, int64(2), s.Operations[profiler.OpQueueWait].Count)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "queued", StateQueued.String())
	assert.Equal(t, "cancelled", StateCancelled.String())
	assert.Equal(t, "unknown", State(42).String())
	assert.False(t, StateRunning.Terminal())
}

func BenchmarkSubmitWait(b *testing.B) {
	d, err := New(PredictorFunc(func(context.Context, []float32) (*inference.Result, error) {
		return &inference.Result{}, nil
	}), Options{})
	require.NoError(b, err)
	d.Start()
	defer d.Shutdown(context.Background())

	features := make([]float32, 64*64)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p, err := d.Submit(features)
		if err != nil {
			b.Fatal(err)
		}
		if _, err := p.Wait(ctx); err != nil {
			b.Fatal(err)
		}
	}
}

func TestDequeuedDuringShutdownIsCancelled(t *testing.T) {
	rec := newRecorder()
	d := newDispatcher(t, rec, Options{})

	p := submit(t, d, 1)
	dequeued := <-d.queue

	// Shutdown closed stop after the worker took the request off the queue.
	d.mu.Lock()
	d.closed = true
	close(d.stop)
	d.mu.Unlock()

	d.next(dequeued)

	o := wait(t, p)
	assert.Equal(t, StateCancelled, o.State)
	assert.ErrorIs(t, o.Err, ErrShutdown)
	assert.Empty(t, rec.Seen())
	assert.Zero(t, d.Len())
}

func TestDoneClosesAfterShutdown(t *testing.T) {
	d := newDispatcher(t, newRecorder(), Options{})
	d.Start()

	select {
	case <-d.Done():
		t.Fatal("worker exited before shutdown")
	default:
	}

	require.NoError(t, d.Shutdown(context.Background()))
	select {
	case <-d.Done():
	case <-time.After(time.Second):
		t.Fatal("worker did not exit")
	}
}
