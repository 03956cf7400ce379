package inference

import (
	"fmt"
	"sort"
	"time"

	"github.com/chewxy/math32"
)

// Prediction is one label with its confidence.
type Prediction struct {
	Index      int     `json:"index"`
	Label      string  `json:"label"`
	Confidence float32 `json:"confidence"`
}

func (p Prediction) String() string {
	return fmt.Sprintf("%s (%.1f%%)", p.Label, p.Confidence*100)
}

// Result is the decoded output of one classification, sorted by descending confidence.
type Result struct {
	Predictions     []Prediction  `json:"predictions"`
	UsedAccelerator bool          `json:"used_accelerator"`
	Elapsed         time.Duration `json:"elapsed"`
}

// Top returns the most confident prediction.
func (r *Result) Top() (Prediction, bool) {
	if r == nil || len(r.Predictions) == 0 {
		return Prediction{}, false
	}
	return r.Predictions[0], true
}

// TopK returns at most k predictions.
func (r *Result) TopK(k int) []Prediction {
	if r == nil || k <= 0 {
		return nil
	}
	if k > len(r.Predictions) {
		k = len(r.Predictions)
	}
	return r.Predictions[:k]
}

// softmax writes the softmax of logits into dst.
func softmax(dst, logits []float32) {
	maxLogit := math32.Inf(-1)
	for _, v := range logits {
		maxLogit = math32.Max(maxLogit, v)
	}
	var sum float32
	for i, v := range logits {
		e := math32.Exp(v - maxLogit)
		dst[i] = e
		sum += e
	}
	for i := range dst {
		dst[i] /= sum
	}
}

// normalize rescales non-negative scores so they sum to one. Scores that sum to zero are
// left as they are.
func normalize(scores []float32) {
	var sum float32
	for i, v := range scores {
		if v < 0 {
			scores[i] = 0
			continue
		}
		sum += v
	}
	if sum == 0 {
		return
	}
	for i := range scores {
		scores[i] /= sum
	}
}

func finite(values []float32) bool {
	for _, v := range values {
		if math32.IsNaN(v) || math32.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// rank sorts predictions by descending confidence, breaking ties by output index.
func rank(predictions []Prediction) {
	sort.SliceStable(predictions, func(i, j int) bool {
		if predictions[i].Confidence != predictions[j].Confidence {
			return predictions[i].Confidence > predictions[j].Confidence
		}
		return predictions[i].Index < predictions[j].Index
	})
}
