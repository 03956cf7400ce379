package inference

import (
	"errors"
	"fmt"
)

// ErrInference matches every *InferenceError.
var ErrInference = errors.New("inference failed")

// InferenceError reports a per-request failure of the forward pass or of decoding its output.
type InferenceError struct {
	// Op is the stage that failed: classify, decode or predict.
	Op  string
	Err error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference %s: %v", e.Op, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

// Is matches ErrInference.
func (e *InferenceError) Is(target error) bool {
	return target == ErrInference
}

func inferenceError(op string, err error) *InferenceError {
	return &InferenceError{Op: op, Err: err}
}
