package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/nvr-ai/go-signs/assets"
	"github.com/nvr-ai/go-signs/config"
	"github.com/nvr-ai/go-signs/inference/backend"
	"github.com/nvr-ai/go-signs/inference/backend/backendtest"
	"github.com/nvr-ai/go-signs/inference/providers"
	"github.com/nvr-ai/go-signs/models"
	"github.com/nvr-ai/go-signs/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const modelPath = "sign_language.onnx"

var (
	inputShape  = tensors.Shape{1, 64, 64, 1}
	outputShape = tensors.Shape{1, 29}
)

type fixture struct {
	dir     string
	runtime *backendtest.Runtime
	store   *Store
}

func writeFile(t *testing.T, dir, name string, data []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o600))
}

func newFixture(t *testing.T, mutate func(*Args)) *fixture {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, dir, modelPath, backendtest.Graph)

	rt := backendtest.New(inputShape, outputShape)
	args := Args{
		Runtime:     rt,
		Source:      assets.NewDirSource(dir),
		Model:       config.Default().Model,
		Accelerator: config.Default().Accelerator,
	}
	if mutate != nil {
		mutate(&args)
	}
	s, err := New(args)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return &fixture{dir: dir, runtime: rt, store: s}
}

func requireLoadError(t *testing.T, err error, reason Reason) {
	t.Helper()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLoad)
	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, reason, loadErr.Reason)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Args{Source: assets.NewDirSource(t.TempDir())})
	assert.Error(t, err)

	_, err = New(Args{Runtime: backendtest.New(inputShape, outputShape)})
	assert.Error(t, err)

	_, err = New(Args{
		Runtime:     backendtest.New(inputShape, outputShape),
		Source:      assets.NewDirSource(t.TempDir()),
		Accelerator: config.AcceleratorConfig{Backend: "tpu"},
	})
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	f := newFixture(t, nil)

	h, err := f.store.Load(context.Background(), modelPath)
	require.NoError(t, err)

	assert.Equal(t, modelPath, h.Path())
	assert.Equal(t, inputShape, h.InputShape())
	assert.Equal(t, outputShape, h.OutputShape())
	assert.Nil(t, h.InputQuantization())
	assert.Nil(t, h.OutputQuantization())
	assert.Equal(t, "asl-alphabet", h.Labels().Name)
	assert.Equal(t, providers.CPUProviderBackend, h.Provider())
	assert.False(t, h.Accelerated())
	assert.True(t, h.Loaded())

	out := make([]float32, outputShape.Size())
	require.NoError(t, h.Run(make([]float32, inputShape.Size()), out))
	assert.Equal(t, []string{modelPath}, f.store.Loaded())
}

func TestLoadIsCachedPerPath(t *testing.T) {
	f := newFixture(t, nil)

	a, err := f.store.Load(context.Background(), modelPath)
	require.NoError(t, err)
	b, err := f.store.Load(context.Background(), modelPath)
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.Len(t, f.runtime.Sessions(), 1)
}

func TestLoadUnloadLoad(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.store.Load(ctx, modelPath)
	require.NoError(t, err)
	require.NoError(t, f.store.Unload(first))

	assert.False(t, first.Loaded())
	assert.ErrorIs(t, first.Run(nil, nil), ErrUseAfterUnload)
	assert.ErrorIs(t, f.store.Unload(first), ErrUseAfterUnload)
	assert.Equal(t, 0, f.runtime.Live())

	second, err := f.store.Load(ctx, modelPath)
	require.NoError(t, err)
	assert.NotSame(t, first, second)

	out := make([]float32, outputShape.Size())
	require.NoError(t, second.Run(make([]float32, inputShape.Size()), out))
	assert.Equal(t, 1, f.runtime.Live())
}

func TestLoadFailures(t *testing.T) {
	t.Run("missing asset", func(t *testing.T) {
		f := newFixture(t, nil)
		_, err := f.store.Load(context.Background(), "absent.onnx")
		requireLoadError(t, err, ReasonMissing)
		assert.ErrorIs(t, err, assets.ErrNotFound)
	})

	t.Run("corrupt asset", func(t *testing.T) {
		f := newFixture(t, nil)
		writeFile(t, f.dir, "broken.onnx", []byte("not a graph"))
		_, err := f.store.Load(context.Background(), "broken.onnx")
		requireLoadError(t, err, ReasonCorrupt)
		assert.Empty(t, f.runtime.Sessions())
		assert.Empty(t, f.store.Loaded())
	})

	t.Run("input shape mismatch", func(t *testing.T) {
		f := newFixture(t, func(a *Args) { a.Model.InputShape = []int64{1, 32, 32, 1} })
		_, err := f.store.Load(context.Background(), modelPath)
		requireLoadError(t, err, ReasonShapeMismatch)
	})

	t.Run("output shape mismatch", func(t *testing.T) {
		f := newFixture(t, func(a *Args) { a.Model.OutputShape = []int64{1, 10} })
		_, err := f.store.Load(context.Background(), modelPath)
		requireLoadError(t, err, ReasonShapeMismatch)
	})

	t.Run("labels do not cover output", func(t *testing.T) {
		f := newFixture(t, func(a *Args) { a.Model.LabelSet = "asl-digits" })
		_, err := f.store.Load(context.Background(), modelPath)
		requireLoadError(t, err, ReasonShapeMismatch)
	})

	t.Run("malformed metadata", func(t *testing.T) {
		f := newFixture(t, nil)
		writeFile(t, f.dir, "sign_language.json", []byte("{"))
		_, err := f.store.Load(context.Background(), modelPath)
		requireLoadError(t, err, ReasonCorrupt)
	})

	t.Run("unknown output name", func(t *testing.T) {
		f := newFixture(t, nil)
		writeFile(t, f.dir, "sign_language.json", []byte(`{"output_name": "logits"}`))
		_, err := f.store.Load(context.Background(), modelPath)
		requireLoadError(t, err, ReasonShapeMismatch)
	})

	t.Run("unsupported element type", func(t *testing.T) {
		f := newFixture(t, nil)
		f.runtime.WithTypes(backend.Unsupported, backend.Float32)
		_, err := f.store.Load(context.Background(), modelPath)
		requireLoadError(t, err, ReasonUnsupported)
	})

	t.Run("runtime refuses session", func(t *testing.T) {
		f := newFixture(t, nil)
		boom := errors.New("out of memory")
		f.runtime.SetSessionError(boom)
		_, err := f.store.Load(context.Background(), modelPath)
		requireLoadError(t, err, ReasonRuntime)
		assert.ErrorIs(t, err, boom)
	})

	t.Run("cancelled context", func(t *testing.T) {
		f := newFixture(t, nil)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := f.store.Load(ctx, modelPath)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestChecksumPinning(t *testing.T) {
	sum := sha256.Sum256(backendtest.Graph)

	f := newFixture(t, nil)
	writeFile(t, f.dir, "sign_language.json", []byte(`{"sha256": "`+hex.EncodeToString(sum[:])+`"}`))
	_, err := f.store.Load(context.Background(), modelPath)
	require.NoError(t, err)

	g := newFixture(t, nil)
	other := sha256.Sum256([]byte("other"))
	writeFile(t, g.dir, "sign_language.json", []byte(`{"sha256": "`+hex.EncodeToString(other[:])+`"}`))
	_, err = g.store.Load(context.Background(), modelPath)
	requireLoadError(t, err, ReasonCorrupt)
}

func TestMetadataOverride(t *testing.T) {
	f := newFixture(t, func(a *Args) { a.Model.MetadataPath = "meta/custom.json" })
	require.NoError(t, os.MkdirAll(filepath.Join(f.dir, "meta"), 0o755))

	labels := make([]string, 29)
	for i := range labels {
		labels[i] = string(rune('a' + i))
	}
	doc := `{"name": "custom", "probabilities": true, "labels": ["` + labels[0]
	for _, l := range labels[1:] {
		doc += `", "` + l
	}
	doc += `"]}`
	writeFile(t, filepath.Join(f.dir, "meta"), "custom.json", []byte(doc))

	h, err := f.store.Load(context.Background(), modelPath)
	require.NoError(t, err)
	assert.Equal(t, "custom", h.Labels().Name)
	assert.True(t, h.Probabilities())
	assert.Equal(t, "custom", h.Metadata().Name)
}

func TestQuantizedTensors(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		f := newFixture(t, nil)
		f.runtime.WithTypes(backend.Uint8, backend.Int8)

		h, err := f.store.Load(context.Background(), modelPath)
		require.NoError(t, err)
		assert.Equal(t, &models.Quantization{Scale: 1.0 / 255}, h.InputQuantization())
		assert.Equal(t, &models.Quantization{Scale: 1.0 / 256, ZeroPoint: -128}, h.OutputQuantization())

		session := f.runtime.Sessions()[0]
		assert.Equal(t, h.InputQuantization(), session.IO().InputQuantization)
	})

	t.Run("from metadata", func(t *testing.T) {
		f := newFixture(t, nil)
		f.runtime.WithTypes(backend.Uint8, backend.Uint8)
		writeFile(t, f.dir, "sign_language.json", []byte(`{
			"precision": "UINT8",
			"input_quantization": {"scale": 0.5, "zero_point": 3},
			"output_quantization": {"scale": 0.25, "zero_point": 7}
		}`))

		h, err := f.store.Load(context.Background(), modelPath)
		require.NoError(t, err)
		assert.Equal(t, &models.Quantization{Scale: 0.5, ZeroPoint: 3}, h.InputQuantization())
		assert.Equal(t, &models.Quantization{Scale: 0.25, ZeroPoint: 7}, h.OutputQuantization())
	})
}

func TestAcceleratorPolicy(t *testing.T) {
	coreml := func(policy config.FallbackPolicy) func(*Args) {
		return func(a *Args) {
			a.Accelerator.Backend = "coreml"
			a.Accelerator.FallbackPolicy = policy
		}
	}

	t.Run("accelerator available", func(t *testing.T) {
		f := newFixture(t, coreml(config.FallbackToCPU))
		h, err := f.store.Load(context.Background(), modelPath)
		require.NoError(t, err)
		assert.True(t, h.Accelerated())
		assert.Equal(t, providers.CoreMLProviderBackend, h.Provider())
	})

	t.Run("fallback", func(t *testing.T) {
		f := newFixture(t, coreml(config.FallbackToCPU))
		f.runtime.SetAccelerator(false)
		h, err := f.store.Load(context.Background(), modelPath)
		require.NoError(t, err)
		assert.False(t, h.Accelerated())
		assert.Equal(t, providers.CPUProviderBackend, h.Provider())
	})

	t.Run("fail fast", func(t *testing.T) {
		f := newFixture(t, coreml(config.FailFast))
		f.runtime.SetAccelerator(false)
		_, err := f.store.Load(context.Background(), modelPath)
		requireLoadError(t, err, ReasonAccelerator)
		assert.ErrorIs(t, err, backendtest.ErrNoAccelerator)
	})
}

func TestClose(t *testing.T) {
	f := newFixture(t, nil)
	writeFile(t, f.dir, "second.onnx", backendtest.Graph)

	a, err := f.store.Load(context.Background(), modelPath)
	require.NoError(t, err)
	b, err := f.store.Load(context.Background(), "second.onnx")
	require.NoError(t, err)
	require.Equal(t, 2, f.runtime.Live())

	require.NoError(t, f.store.Close())
	require.NoError(t, f.store.Close())

	assert.Equal(t, 0, f.runtime.Live())
	assert.False(t, a.Loaded())
	assert.False(t, b.Loaded())
	assert.ErrorIs(t, f.store.Unload(a), ErrUseAfterUnload)

	_, err = f.store.Load(context.Background(), modelPath)
	assert.ErrorIs(t, err, ErrClosed)
}
