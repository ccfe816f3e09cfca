// Package remap implements the checkpoint weight-remapping pipeline: it
// reads a source checkpoint, merges the split attention projections,
// zero-pads and stacks the routed experts, strips feed-forward biases,
// validates every result against the declared architecture, and writes the
// target checkpoint atomically.
package remap

import (
	"fmt"

	"github.com/moeshift/moeshift/internal/safetensors"
	"github.com/moeshift/moeshift/internal/tensor"
)

// FormatError reports a malformed or incomplete source archive. It is the
// archive-level error produced by the reader and by required-tensor checks.
type FormatError = safetensors.FormatError

// ShapeMismatchError reports an incompatible dimension encountered during
// merging, padding, or stacking. Fatal; the run aborts without output.
type ShapeMismatchError struct {
	Stage   string
	Tensor  string
	Tensor2 string // Second tensor for two-input stages, empty otherwise.
	Actual  tensor.Shape
	Expected tensor.Shape
	Detail  string
}

// Error implements the error interface.
func (e *ShapeMismatchError) Error() string {
	msg := fmt.Sprintf("shape mismatch in %s: tensor %q has shape %s", e.Stage, e.Tensor, e.Actual)
	if e.Tensor2 != "" {
		msg += fmt.Sprintf(" vs tensor %q", e.Tensor2)
	}
	if len(e.Expected) > 0 {
		msg += fmt.Sprintf(", expected %s", e.Expected)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// ConfigMismatchError reports a tensor, or the declared config itself,
// disagreeing with the expected schema. Fatal; the run aborts without
// output.
type ConfigMismatchError struct {
	Tensor   string
	Actual   tensor.Shape
	Expected tensor.Shape
	Detail   string
}

// Error implements the error interface.
func (e *ConfigMismatchError) Error() string {
	msg := "config mismatch"
	if e.Tensor != "" {
		msg += fmt.Sprintf(": tensor %q", e.Tensor)
	}
	if len(e.Actual) > 0 || len(e.Expected) > 0 {
		msg += fmt.Sprintf(": shape %s, expected %s", e.Actual, e.Expected)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}
