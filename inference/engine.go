// Package inference - Single-shot classification over a loaded model and a buffer pool.
package inference

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nvr-ai/go-signs/models"
	"github.com/nvr-ai/go-signs/profiler"
	"github.com/nvr-ai/go-signs/tensors"
	"go.uber.org/zap"
)

// Model is a loaded classification graph. *store.Handle implements it.
type Model interface {
	// Run executes one forward pass from in into out.
	Run(in, out []float32) error
	// InputShape is the resolved input tensor shape.
	InputShape() tensors.Shape
	// OutputShape is the resolved output tensor shape.
	OutputShape() tensors.Shape
	// OutputQuantization is nil unless the output tensor is fixed point.
	OutputQuantization() *models.Quantization
	// Labels names the output classes in order.
	Labels() *models.LabelSet
	// Probabilities reports whether the output already is a distribution.
	Probabilities() bool
	// Accelerated reports whether the forward pass runs on the accelerator.
	Accelerated() bool
}

// Output is a borrowed output buffer holding the raw result of one forward pass.
type Output struct {
	Buffer          *tensors.Buffer
	UsedAccelerator bool
	Elapsed         time.Duration
}

// EngineArgs contains the collaborators of an Engine.
type EngineArgs struct {
	// Pool provides the input and output buffers.
	Pool *tensors.Pool
	// Profiler records inference and decode timings. Optional.
	Profiler *profiler.RuntimeProfiler
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// Engine runs classifications. It does not serialize callers: the pool bounds how many
// classifications can be in flight and the dispatcher runs them one at a time.
type Engine struct {
	pool     *tensors.Pool
	profiler *profiler.RuntimeProfiler
	logger   *zap.Logger
}

// NewEngine creates an engine.
//
// Arguments:
//   - args: The engine collaborators.
//
// Returns:
//   - *Engine: The engine.
//   - error: An error if the pool is missing.
func NewEngine(args EngineArgs) (*Engine, error) {
	if args.Pool == nil {
		return nil, errors.New("inference: pool is required")
	}
	logger := args.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		pool:     args.Pool,
		profiler: args.Profiler,
		logger:   logger.Named("engine"),
	}, nil
}

// Pool returns the engine's buffer pool.
func (e *Engine) Pool() *tensors.Pool {
	return e.pool
}

// Classify runs the forward pass of m over in and returns a borrowed output buffer.
//
// Arguments:
//   - ctx: Checked before the forward pass starts. A running pass cannot be interrupted.
//   - m: The model.
//   - in: A borrowed input buffer of the model's input shape.
//
// Returns:
//   - *Output: The output, to be handed back with Release.
//   - error: A *tensors.PoolExhaustedError when no output buffer is free, otherwise an
//     *InferenceError. The output buffer is released on failure.
func (e *Engine) Classify(ctx context.Context, m Model, in *tensors.Buffer) (*Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, inferenceError("classify", err)
	}
	if in == nil {
		return nil, inferenceError("classify", errors.New("nil input buffer"))
	}
	if want := m.InputShape(); !in.Shape().Equal(want) {
		return nil, inferenceError("classify",
			fmt.Errorf("input buffer shape %s does not match model input %s", in.Shape(), want))
	}

	out, err := e.pool.Acquire(m.OutputShape())
	if err != nil {
		return nil, err
	}

	start := time.Now()
	if err := m.Run(in.Data(), out.Data()); err != nil {
		if rerr := e.pool.Release(out); rerr != nil {
			e.logger.Error("failed to release output buffer", zap.Error(rerr))
		}
		return nil, inferenceError("classify", err)
	}
	elapsed := time.Since(start)

	if e.profiler != nil {
		e.profiler.RecordOperation(profiler.OpInference, elapsed)
	}
	e.logger.Debug("forward pass",
		zap.Int("buffer", out.ID()),
		zap.Bool("accelerated", m.Accelerated()),
		zap.Duration("elapsed", elapsed),
	)

	return &Output{
		Buffer:          out,
		UsedAccelerator: m.Accelerated(),
		Elapsed:         elapsed,
	}, nil
}

// Release hands an output buffer back to the pool.
func (e *Engine) Release(out *Output) error {
	if out == nil {
		return nil
	}
	return e.pool.Release(out.Buffer)
}

// Decode turns a raw output into ranked predictions: fixed point outputs are dequantized,
// logits go through softmax and probability outputs are renormalized.
//
// Arguments:
//   - m: The model that produced out.
//   - out: The output to decode. It stays borrowed.
//
// Returns:
//   - *Result: The predictions, sorted by descending confidence.
//   - error: An *InferenceError when the output does not fit the labels or is not finite.
func (e *Engine) Decode(m Model, out *Output) (*Result, error) {
	if out == nil || out.Buffer == nil {
		return nil, inferenceError("decode", errors.New("nil output"))
	}
	if e.profiler != nil {
		defer e.profiler.StartOperation(profiler.OpDecode)()
	}

	raw := out.Buffer.Data()
	labels := m.Labels()
	if labels.Len() != len(raw) {
		return nil, inferenceError("decode",
			fmt.Errorf("output has %d values for %d labels", len(raw), labels.Len()))
	}

	scores := make([]float32, len(raw))
	if q := m.OutputQuantization(); q != nil {
		for i, v := range raw {
			scores[i] = q.Dequantize(v)
		}
	} else {
		copy(scores, raw)
	}
	if !finite(scores) {
		return nil, inferenceError("decode", errors.New("output contains non-finite values"))
	}

	if m.Probabilities() {
		normalize(scores)
	} else {
		softmax(scores, scores)
	}

	predictions := make([]Prediction, len(scores))
	for i, confidence := range scores {
		name, err := labels.NameOf(i)
		if err != nil {
			return nil, inferenceError("decode", err)
		}
		predictions[i] = Prediction{Index: i, Label: name, Confidence: confidence}
	}
	rank(predictions)

	return &Result{
		Predictions:     predictions,
		UsedAccelerator: out.UsedAccelerator,
		Elapsed:         out.Elapsed,
	}, nil
}

// Predict classifies features end to end: it borrows an input buffer, copies the features
// in, classifies, decodes and returns both buffers.
//
// Arguments:
//   - ctx: The context for the prediction.
//   - m: The model.
//   - features: Exactly one value per input tensor element.
//
// Returns:
//   - *Result: The ranked predictions.
//   - error: A *tensors.PoolExhaustedError or an *InferenceError.
func (e *Engine) Predict(ctx context.Context, m Model, features []float32) (*Result, error) {
	shape := m.InputShape()
	if len(features) != shape.Size() {
		return nil, inferenceError("predict",
			fmt.Errorf("got %d features, model input %s needs %d", len(features), shape, shape.Size()))
	}

	in, err := e.pool.Acquire(shape)
	if err != nil {
		return nil, err
	}
	defer e.release(in)
	copy(in.Data(), features)

	out, err := e.Classify(ctx, m, in)
	if err != nil {
		return nil, err
	}
	defer e.release(out.Buffer)

	return e.Decode(m, out)
}

func (e *Engine) release(b *tensors.Buffer) {
	if err := e.pool.Release(b); err != nil {
		e.logger.Error("failed to release buffer", zap.Int("buffer", b.ID()), zap.Error(err))
	}
}
