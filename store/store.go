// Package store - Lifecycle of loaded models: load from a bundled asset, validate, release.
package store

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"time"

	"github.com/nvr-ai/go-signs/assets"
	"github.com/nvr-ai/go-signs/config"
	"github.com/nvr-ai/go-signs/inference/backend"
	"github.com/nvr-ai/go-signs/inference/providers"
	"github.com/nvr-ai/go-signs/models"
	"github.com/nvr-ai/go-signs/tensors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Args contains the collaborators of a Store.
type Args struct {
	// Runtime creates native sessions.
	Runtime backend.Runtime
	// Source resolves asset paths.
	Source assets.Source
	// Model carries the expected shapes, metadata override and fallback label set.
	Model config.ModelConfig
	// Accelerator selects the execution provider and fallback policy.
	Accelerator config.AcceleratorConfig
	// Provider overrides the provider built from Accelerator.
	Provider providers.ExecutionProvider
	// Registry resolves label set names. Defaults to models.DefaultRegistry.
	Registry *models.Registry
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// Store owns every loaded handle. Loads are serialized and cached per asset path.
type Store struct {
	runtime  backend.Runtime
	source   assets.Source
	model    config.ModelConfig
	policy   config.FallbackPolicy
	provider providers.ExecutionProvider
	registry *models.Registry
	logger   *zap.Logger

	mu      sync.Mutex
	handles map[string]*Handle
	closed  bool
}

// New creates a store.
//
// Arguments:
//   - args: The store collaborators.
//
// Returns:
//   - *Store: The store.
//   - error: An error if a collaborator is missing or the provider cannot be built.
func New(args Args) (*Store, error) {
	if args.Runtime == nil {
		return nil, fmt.Errorf("store: runtime is required")
	}
	if args.Source == nil {
		return nil, fmt.Errorf("store: asset source is required")
	}
	provider := args.Provider
	if provider == nil {
		p, err := providers.FromConfig(args.Accelerator)
		if err != nil {
			return nil, err
		}
		provider = p
	}
	registry := args.Registry
	if registry == nil {
		registry = models.DefaultRegistry
	}
	logger := args.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	policy := args.Accelerator.FallbackPolicy
	if policy == "" {
		policy = config.FallbackToCPU
	}

	return &Store{
		runtime:  args.Runtime,
		source:   args.Source,
		model:    args.Model,
		policy:   policy,
		provider: provider,
		registry: registry,
		logger:   logger.Named("store"),
		handles:  make(map[string]*Handle),
	}, nil
}

// Load returns the handle for assetPath, loading it on first use.
//
// Arguments:
//   - ctx: Cancels a load that has not yet created its session.
//   - assetPath: The asset path within the source.
//
// Returns:
//   - *Handle: The loaded handle, shared by every caller of the same path.
//   - error: A *LoadError, ErrClosed or the context error.
func (s *Store) Load(ctx context.Context, assetPath string) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if h, ok := s.handles[assetPath]; ok {
		return h, nil
	}

	start := time.Now()
	h, err := s.load(ctx, assetPath)
	if err != nil {
		s.logger.Error("model load failed", zap.String("path", assetPath), zap.Error(err))
		return nil, err
	}
	s.handles[assetPath] = h

	s.logger.Info("model loaded",
		zap.String("path", assetPath),
		zap.Stringer("input", h.input),
		zap.Stringer("output", h.output),
		zap.Int("labels", h.labels.Len()),
		zap.String("provider", string(h.provider)),
		zap.Bool("accelerated", h.accelerated),
		zap.Duration("elapsed", time.Since(start)),
	)
	return h, nil
}

func (s *Store) load(ctx context.Context, assetPath string) (*Handle, error) {
	asset, err := s.source.Open(assetPath)
	if err != nil {
		return nil, loadError(assetPath, openReason(err), err)
	}
	defer asset.Close()

	meta, err := s.metadata(assetPath)
	if err != nil {
		return nil, loadError(assetPath, ReasonCorrupt, err)
	}

	if meta.SHA256 != "" {
		sum := hex.EncodeToString(asset.Checksum[:])
		if !strings.EqualFold(sum, meta.SHA256) {
			return nil, loadError(assetPath, ReasonCorrupt,
				fmt.Errorf("checksum %s does not match pinned %s", sum, meta.SHA256))
		}
	}

	inputs, outputs, err := s.runtime.Inspect(asset.Data)
	if err != nil {
		return nil, loadError(assetPath, ReasonCorrupt, err)
	}

	input, err := s.bind(inputs, meta.InputName, s.expected(s.model.InputShape, meta.InputShape))
	if err != nil {
		return nil, loadError(assetPath, ReasonShapeMismatch, fmt.Errorf("input: %w", err))
	}
	output, err := s.bind(outputs, meta.OutputName, s.expected(s.model.OutputShape, meta.OutputShape))
	if err != nil {
		return nil, loadError(assetPath, ReasonShapeMismatch, fmt.Errorf("output: %w", err))
	}
	for _, info := range []backend.TensorInfo{input, output} {
		if info.Type == backend.Unsupported {
			return nil, loadError(assetPath, ReasonUnsupported,
				fmt.Errorf("tensor %s has an unsupported element type", info.Name))
		}
	}

	labels, err := meta.ResolveLabels(s.registry, s.model.LabelSet)
	if err != nil {
		return nil, loadError(assetPath, ReasonCorrupt, err)
	}
	if classes := output.Shape.Size(); labels.Len() != classes {
		return nil, loadError(assetPath, ReasonShapeMismatch,
			fmt.Errorf("label set %s has %d labels, output %s has %d classes",
				labels.Name, labels.Len(), output.Shape, classes))
	}

	inQuant := quantization(input.Type, meta.InputQuantization, 1.0/255)
	outQuant := quantization(output.Type, meta.OutputQuantization, 1.0/256)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	io := backend.IOSpec{Input: input, Output: output, InputQuantization: inQuant}
	session, used, err := providers.OpenWithFallback(s.provider, s.policy, s.logger,
		func(p providers.ExecutionProvider) (backend.Session, error) {
			return s.runtime.NewSession(asset.Data, io, p)
		})
	if err != nil {
		reason := ReasonRuntime
		if errors.Is(err, providers.ErrAcceleratorUnavailable) {
			reason = ReasonAccelerator
		}
		return nil, loadError(assetPath, reason, err)
	}

	return &Handle{
		path:        assetPath,
		input:       input,
		output:      output,
		inputQuant:  inQuant,
		outputQuant: outQuant,
		labels:      labels,
		meta:        *meta,
		provider:    used.Backend(),
		accelerated: used.Accelerated(),
		session:     session,
	}, nil
}

// metadata reads the sidecar for assetPath. A missing sidecar yields empty metadata.
func (s *Store) metadata(assetPath string) (*models.Metadata, error) {
	path := models.SidecarPath(assetPath)
	if s.model.MetadataPath != "" && assetPath == s.model.AssetPath {
		path = s.model.MetadataPath
	}

	doc, err := s.source.Open(path)
	if errors.Is(err, assets.ErrNotFound) {
		s.logger.Debug("no metadata sidecar", zap.String("path", path))
		return &models.Metadata{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer doc.Close()

	return models.ParseMetadata(doc.Data)
}

// expected prefers the configured shape over the one carried by the metadata.
func (s *Store) expected(configured, declared []int64) tensors.Shape {
	if len(configured) > 0 {
		return tensors.Shape(configured)
	}
	return tensors.Shape(declared)
}

// bind selects a graph tensor and checks it against the expected shape.
func (s *Store) bind(infos []backend.TensorInfo, name string, expected tensors.Shape) (backend.TensorInfo, error) {
	info, err := backend.Select(infos, name)
	if err != nil {
		return info, err
	}
	if len(expected) == 0 {
		return info, nil
	}
	if !info.Shape.Compatible(expected) {
		return info, fmt.Errorf("graph declares %s, expected %s", info.Shape, expected)
	}
	info.Shape = info.Shape.Merge(expected)
	return info, nil
}

// quantization returns the parameters for a quantized tensor type, falling back to the
// common full-range mapping when the metadata carries none.
func quantization(t backend.ElementType, declared *models.Quantization, scale float32) *models.Quantization {
	if !t.Quantized() {
		return nil
	}
	if declared != nil {
		return copyQuant(declared)
	}
	q := &models.Quantization{Scale: scale}
	if t == backend.Int8 {
		q.ZeroPoint = -128
	}
	return q
}

func openReason(err error) Reason {
	if errors.Is(err, assets.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		return ReasonMissing
	}
	return ReasonCorrupt
}

// Unload releases the handle's session and evicts it from the cache.
//
// Arguments:
//   - h: The handle to release.
//
// Returns:
//   - error: ErrUseAfterUnload when the handle was already released.
func (s *Store) Unload(h *Handle) error {
	if h == nil {
		return fmt.Errorf("store: nil handle")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := h.release(); err != nil {
		return err
	}
	if cached, ok := s.handles[h.path]; ok && cached == h {
		delete(s.handles, h.path)
	}
	s.logger.Info("model unloaded", zap.String("path", h.path))
	return nil
}

// Close unloads every cached handle. Later loads fail with ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var err error
	for path, h := range s.handles {
		if rerr := h.release(); rerr != nil && !errors.Is(rerr, ErrUseAfterUnload) {
			err = multierr.Append(err, fmt.Errorf("unload %s: %w", path, rerr))
		}
		delete(s.handles, path)
	}
	return err
}

// Loaded lists the cached asset paths.
func (s *Store) Loaded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	paths := make([]string, 0, len(s.handles))
	for path := range s.handles {
		paths = append(paths, path)
	}
	return paths
}
