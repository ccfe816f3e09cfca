package remap

import (
	"math"

	"github.com/moeshift/moeshift/internal/tensor"
)

// stripBias drops a feed-forward bias tensor the target architecture does
// not carry. Dropping nonzero values is a precision deviation, so the
// discarded L2 magnitude is recorded in the report; it never aborts the
// run.
func stripBias(name string, t *tensor.Tensor, report *Report) error {
	magnitude, err := l2Magnitude(t)
	if err != nil {
		return err
	}
	if magnitude > 0 {
		report.AddWarning(Warning{
			Stage:     stageStrip,
			Tensor:    name,
			Detail:    "discarded nonzero bias not representable in target architecture",
			Magnitude: magnitude,
		})
	}
	return nil
}

// l2Magnitude computes the Euclidean norm of a float32 tensor.
func l2Magnitude(t *tensor.Tensor) (float64, error) {
	values, err := t.AsFloat32()
	if err != nil {
		return 0, err
	}
	var sum float64
	for _, v := range values {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum), nil
}
