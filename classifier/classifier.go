// Package classifier - Caller facing API that ties the model store, buffer pool, inference
// engine and request dispatcher together.
package classifier

import (
	"context"
	"image"
	"sync"

	"github.com/nvr-ai/go-signs/assets"
	"github.com/nvr-ai/go-signs/config"
	"github.com/nvr-ai/go-signs/dispatcher"
	"github.com/nvr-ai/go-signs/inference"
	"github.com/nvr-ai/go-signs/inference/backend"
	"github.com/nvr-ai/go-signs/preprocess"
	"github.com/nvr-ai/go-signs/profiler"
	"github.com/nvr-ai/go-signs/store"
	"github.com/nvr-ai/go-signs/tensors"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrNoImageInput is returned by SubmitImage when the model input is not an image tensor.
var ErrNoImageInput = errors.New("model does not take image input")

// Classifier serves classification requests from a single loaded model.
type Classifier struct {
	cfg    config.Config
	logger *zap.Logger

	runtime     backend.Runtime
	ownsRuntime bool
	source      assets.Source
	ownsSource  bool

	store        *store.Store
	handle       *store.Handle
	pool         *tensors.Pool
	engine       *inference.Engine
	profiler     *profiler.RuntimeProfiler
	dispatcher   *dispatcher.Dispatcher
	preprocessor *preprocess.Preprocessor

	shutdownOnce sync.Once
	shutdownErr  error
	released     chan struct{}
}

// Submit queues features for classification. It never blocks.
//
// Arguments:
//   - features: The model input, copied before queuing.
//
// Returns:
//   - *dispatcher.Pending: Poll or wait on it for the result.
//   - error: dispatcher.ErrQueueFull or dispatcher.ErrShutdown.
func (c *Classifier) Submit(features []float32) (*dispatcher.Pending, error) {
	return c.dispatcher.Submit(features)
}

// SubmitImage preprocesses a frame on the calling goroutine and queues it.
func (c *Classifier) SubmitImage(img image.Image) (*dispatcher.Pending, error) {
	if c.preprocessor == nil {
		return nil, ErrNoImageInput
	}
	features, err := c.preprocessor.Features(img)
	if err != nil {
		return nil, err
	}
	return c.dispatcher.Submit(features)
}

// Classify submits features and waits for the outcome.
//
// Arguments:
//   - ctx: Bounds the wait. The request is cancelled if ctx ends first.
//   - features: The model input.
//
// Returns:
//   - *inference.Result: The ranked predictions.
//   - error: A submission error, the request error or the context error.
func (c *Classifier) Classify(ctx context.Context, features []float32) (*inference.Result, error) {
	p, err := c.dispatcher.Submit(features)
	if err != nil {
		return nil, err
	}
	o, err := p.Wait(ctx)
	if err != nil {
		c.dispatcher.Cancel(p.ID)
		return nil, err
	}
	if o.Err != nil {
		return nil, o.Err
	}
	return o.Result, nil
}

// Cancel cancels a request. It returns true only when the request was still queued.
func (c *Classifier) Cancel(id string) bool {
	return c.dispatcher.Cancel(id)
}

// Labels returns the output class names in model order.
func (c *Classifier) Labels() []string {
	return c.handle.Labels().Names()
}

// UsedAccelerator reports whether inference runs on the accelerator.
func (c *Classifier) UsedAccelerator() bool {
	return c.handle.Accelerated()
}

// Handle returns the loaded model.
func (c *Classifier) Handle() *store.Handle {
	return c.handle
}

// Preprocessor returns the frame preprocessor, or nil when the model does not take images.
func (c *Classifier) Preprocessor() *preprocess.Preprocessor {
	return c.preprocessor
}

// Stats returns the pipeline statistics.
func (c *Classifier) Stats() profiler.Snapshot {
	return c.profiler.Snapshot()
}

// Shutdown stops accepting requests, cancels the queued ones, waits for the running one and
// releases the model and buffers. Later calls return the first result.
//
// When ctx ends before the running request finishes, Shutdown returns without waiting and
// the model and buffers are released in the background once that request is done. Released
// reports when that has happened.
//
// Arguments:
//   - ctx: Bounds the wait for the running request.
//
// Returns:
//   - error: The context error, or the combined release errors.
func (c *Classifier) Shutdown(ctx context.Context) error {
	c.shutdownOnce.Do(func() {
		dErr := c.dispatcher.Shutdown(ctx)
		c.profiler.Stop()
		if dErr != nil {
			c.shutdownErr = errors.Wrap(dErr, "dispatcher shutdown")
			c.logger.Warn("running request outlived shutdown, releasing in background", zap.Error(dErr))
			go func() {
				<-c.dispatcher.Done()
				_ = c.release()
			}()
			return
		}
		c.shutdownErr = c.release()
	})
	return c.shutdownErr
}

// Released is closed once the model, buffers and owned resources have been released.
func (c *Classifier) Released() <-chan struct{} {
	return c.released
}

func (c *Classifier) release() error {
	err := c.closeOwned()
	close(c.released)
	if err != nil {
		c.logger.Error("classifier release failed", zap.Error(err))
		return err
	}
	c.logger.Info("classifier shut down")
	return nil
}

// closeOwned releases the store, the pool and whatever the classifier opened itself.
func (c *Classifier) closeOwned() error {
	var err error
	if c.store != nil {
		err = multierr.Append(err, c.store.Close())
	}
	if c.pool != nil {
		err = multierr.Append(err, c.pool.Close())
	}
	if c.ownsRuntime && c.runtime != nil {
		err = multierr.Append(err, c.runtime.Close())
	}
	if c.ownsSource && c.source != nil {
		err = multierr.Append(err, c.source.Close())
	}
	return err
}
