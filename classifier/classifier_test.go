package classifier

import (
	"context"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nvr-ai/go-signs/assets"
	"github.com/nvr-ai/go-signs/config"
	"github.com/nvr-ai/go-signs/dispatcher"
	"github.com/nvr-ai/go-signs/inference/backend/backendtest"
	"github.com/nvr-ai/go-signs/profiler"
	"github.com/nvr-ai/go-signs/store"
	"github.com/nvr-ai/go-signs/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const modelPath = "sign_language.onnx"

var (
	inputShape  = tensors.Shape{1, 8, 8, 1}
	outputShape = tensors.Shape{1, 29}
)

// brightness scores class A with the first pixel and class B with its complement.
func brightness(in, out []float32) error {
	for i := range out {
		out[i] = 0
	}
	out[0] = in[0] * 10
	out[1] = (1 - in[0]) * 10
	return nil
}

func assetDir(t *testing.T, graph []byte) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, modelPath), graph, 0o600))
	return dir
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Model.AssetPath = modelPath
	return &cfg
}

func build(t *testing.T, rt *backendtest.Runtime, b *Builder) *Classifier {
	t.Helper()
	c, err := b.
		WithRuntime(rt).
		WithSource(assets.NewDirSource(assetDir(t, backendtest.Graph))).
		Build(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Shutdown(context.Background()) })
	return c
}

func solid(c color.Color) image.Image {
	img := image.NewGray(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestBuildAndClassify(t *testing.T) {
	rt := backendtest.New(inputShape, outputShape)
	rt.SetForward(brightness)
	c := build(t, rt, NewBuilder().WithConfig(testConfig()))

	assert.Len(t, c.Labels(), 29)
	assert.Equal(t, "A", c.Labels()[0])
	assert.False(t, c.UsedAccelerator())
	assert.Equal(t, modelPath, c.Handle().Path())

	features := make([]float32, inputShape.Size())
	features[0] = 1
	res, err := c.Classify(context.Background(), features)
	require.NoError(t, err)

	top, ok := res.Top()
	require.True(t, ok)
	assert.Equal(t, "A", top.Label)
	assert.Len(t, res.Predictions, 29)

	var sum float32
	for _, p := range res.Predictions {
		sum += p.Confidence
	}
	assert.InDelta(t, 1, sum, 1e-4)

	assert.Eventually(t, func() bool {
		return c.Stats().Counters[profiler.CountCompleted] == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSubmitImage(t *testing.T) {
	rt := backendtest.New(inputShape, outputShape)
	rt.SetForward(brightness)
	c := build(t, rt, NewBuilder().WithConfig(testConfig()))

	require.NotNil(t, c.Preprocessor())
	assert.Equal(t, 8, c.Preprocessor().Spec().Width)

	tests := []struct {
		name  string
		frame image.Image
		want  string
	}{
		{"white frame", solid(color.White), "A"},
		{"black frame", solid(color.Black), "B"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := c.SubmitImage(tt.frame)
			require.NoError(t, err)
			o, err := p.Wait(context.Background())
			require.NoError(t, err)
			require.NoError(t, o.Err)
			assert.Equal(t, dispatcher.StateCompleted, o.State)
			top, _ := o.Result.Top()
			assert.Equal(t, tt.want, top.Label)
		})
	}
}

func TestSubmitImageWithoutImageInput(t *testing.T) {
	rt := backendtest.New(tensors.Shape{1, 42}, outputShape)
	c := build(t, rt, NewBuilder().WithConfig(testConfig()))

	assert.Nil(t, c.Preprocessor())
	_, err := c.SubmitImage(solid(color.White))
	assert.ErrorIs(t, err, ErrNoImageInput)

	_, err = c.Classify(context.Background(), make([]float32, 42))
	assert.NoError(t, err)
}

func TestCorruptAssetStartsNothing(t *testing.T) {
	rt := backendtest.New(inputShape, outputShape)
	c, err := NewBuilder().
		WithConfig(testConfig()).
		WithRuntime(rt).
		WithSource(assets.NewDirSource(assetDir(t, []byte("garbage")))).
		Build(context.Background())

	require.Error(t, err)
	assert.Nil(t, c)
	assert.ErrorIs(t, err, store.ErrLoad)
	var loadErr *store.LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, store.ReasonCorrupt, loadErr.Reason)

	assert.Empty(t, rt.Sessions())
	assert.Zero(t, rt.Runs())
	// The runtime belongs to the caller.
	assert.False(t, rt.Closed())
}

func TestBuilderStickyError(t *testing.T) {
	rt := backendtest.New(inputShape, outputShape)

	_, err := NewBuilder().WithConfig(nil).WithRuntime(rt).Build(context.Background())
	assert.ErrorContains(t, err, "config must not be nil")

	_, err = NewBuilder().WithRuntime(nil).WithConfig(testConfig()).Build(context.Background())
	assert.ErrorContains(t, err, "runtime must not be nil")

	_, err = NewBuilder().WithSource(nil).Build(context.Background())
	assert.ErrorContains(t, err, "asset source must not be nil")

	bad := testConfig()
	bad.Pool.InputBuffers = 0
	_, err = NewBuilder().WithConfig(bad).Build(context.Background())
	assert.ErrorContains(t, err, "pool.input_buffers")

	_, err = NewBuilder().WithConfigFile(filepath.Join(t.TempDir(), "absent.yaml")).Build(context.Background())
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestBuildFromBundleConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Model.BundlePath = filepath.Join(t.TempDir(), "missing.zip")

	_, err := NewBuilder().
		WithConfig(cfg).
		WithRuntime(backendtest.New(inputShape, outputShape)).
		Build(context.Background())
	assert.ErrorContains(t, err, "failed to open bundle")
}

func TestBuildFromAssetRoot(t *testing.T) {
	cfg := testConfig()
	cfg.Model.AssetRoot = assetDir(t, backendtest.Graph)

	rt := backendtest.New(inputShape, outputShape)
	c, err := NewBuilder().WithConfig(cfg).WithRuntime(rt).Build(context.Background())
	require.NoError(t, err)
	require.NoError(t, c.Shutdown(context.Background()))
	assert.False(t, rt.Closed())
}

func TestShutdownReleasesEverything(t *testing.T) {
	rt := backendtest.New(inputShape, outputShape)
	rt.SetForward(brightness)
	c := build(t, rt, NewBuilder().WithConfig(testConfig()))

	_, err := c.Classify(context.Background(), make([]float32, inputShape.Size()))
	require.NoError(t, err)
	assert.Equal(t, 1, rt.Live())

	require.NoError(t, c.Shutdown(context.Background()))
	assert.Equal(t, 0, rt.Live())
	assert.False(t, c.Handle().Loaded())
	select {
	case <-c.Released():
	default:
		t.Fatal("released channel still open after shutdown")
	}

	_, err = c.Submit(make([]float32, inputShape.Size()))
	assert.ErrorIs(t, err, dispatcher.ErrShutdown)
	_, err = c.Classify(context.Background(), make([]float32, inputShape.Size()))
	assert.ErrorIs(t, err, dispatcher.ErrShutdown)

	assert.NoError(t, c.Shutdown(context.Background()))
}

func TestShutdownCancelsQueued(t *testing.T) {
	rt := backendtest.New(inputShape, outputShape)
	rt.SetForward(brightness)
	rt.SetDelay(50 * time.Millisecond)
	c := build(t, rt, NewBuilder().WithConfig(testConfig()))

	features := make([]float32, inputShape.Size())
	first, err := c.Submit(features)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return first.State() == dispatcher.StateRunning
	}, time.Second, time.Millisecond)

	second, err := c.Submit(features)
	require.NoError(t, err)

	require.NoError(t, c.Shutdown(context.Background()))

	o, done := first.Poll()
	require.True(t, done)
	assert.Equal(t, dispatcher.StateCompleted, o.State)

	o, done = second.Poll()
	require.True(t, done)
	assert.Equal(t, dispatcher.StateCancelled, o.State)
	assert.ErrorIs(t, o.Err, dispatcher.ErrShutdown)
}

func TestCancelAndCallbackOrder(t *testing.T) {
	rt := backendtest.New(inputShape, outputShape)
	rt.SetForward(brightness)
	rt.SetDelay(20 * time.Millisecond)

	var (
		mu  sync.Mutex
		ids []string
	)
	c := build(t, rt, NewBuilder().WithConfig(testConfig()).WithOnComplete(func(o dispatcher.Outcome) {
		if o.State != dispatcher.StateCompleted {
			return
		}
		mu.Lock()
		ids = append(ids, o.ID)
		mu.Unlock()
	}))

	features := make([]float32, inputShape.Size())
	a, err := c.Submit(features)
	require.NoError(t, err)
	b, err := c.Submit(features)
	require.NoError(t, err)
	cc, err := c.Submit(features)
	require.NoError(t, err)

	assert.True(t, c.Cancel(b.ID))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = cc.Wait(ctx)
	require.NoError(t, err)

	o, _ := b.Poll()
	assert.Equal(t, dispatcher.StateCancelled, o.State)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{a.ID, cc.ID}, ids)
	assert.Equal(t, 1, rt.MaxConcurrent())
}

func TestClassifyContextCancelled(t *testing.T) {
	rt := backendtest.New(inputShape, outputShape)
	rt.SetDelay(100 * time.Millisecond)
	c := build(t, rt, NewBuilder().WithConfig(testConfig()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := c.Classify(ctx, make([]float32, inputShape.Size()))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestShutdownDeadlineDoesNotWaitForRunning(t *testing.T) {
	rt := backendtest.New(inputShape, outputShape)
	rt.SetForward(brightness)
	rt.SetDelay(400 * time.Millisecond)
	c := build(t, rt, NewBuilder().WithConfig(testConfig()))

	running, err := c.Submit(make([]float32, inputShape.Size()))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return running.State() == dispatcher.StateRunning
	}, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	err = c.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 200*time.Millisecond)

	select {
	case <-c.Released():
	case <-time.After(2 * time.Second):
		t.Fatal("model was not released after the running request finished")
	}
	assert.False(t, c.Handle().Loaded())
	assert.Equal(t, 0, rt.Live())

	o, done := running.Poll()
	require.True(t, done)
	assert.Equal(t, dispatcher.StateCompleted, o.State)

	assert.ErrorIs(t, c.Shutdown(context.Background()), context.DeadlineExceeded)
}

func TestBatchedInputHasNoImageInput(t *testing.T) {
	rt := backendtest.New(tensors.Shape{4, 8, 8, 1}, outputShape)
	c := build(t, rt, NewBuilder().WithConfig(testConfig()))

	assert.Nil(t, c.Preprocessor())
	_, err := c.SubmitImage(solid(color.White))
	assert.ErrorIs(t, err, ErrNoImageInput)
}
