package remap

import (
	"fmt"

	"github.com/moeshift/moeshift/internal/schema"
	"github.com/moeshift/moeshift/internal/tensor"
)

// expertAxis returns which axis of an expert projection carries the
// intermediate dimension. gate_proj and up_proj widen hidden to
// intermediate along the output axis; down_proj narrows it back along the
// input axis. Padding the pair on these complementary axes keeps the added
// channels' contribution exactly zero: padded gate/up rows produce zero
// activations, and the matching zero down_proj columns multiply them away.
func expertAxis(kind schema.Kind) (int, error) {
	switch kind {
	case schema.KindExpertGate, schema.KindExpertUp:
		return 0, nil
	case schema.KindExpertDown:
		return 1, nil
	default:
		return 0, fmt.Errorf("slot %q is not a routed expert projection", kind)
	}
}

// padExpert normalizes one routed expert projection to the shared expert's
// intermediate size by appending zeros at fixed trailing positions. A
// tensor already at the target passes through unchanged; one exceeding it
// means the declared config is wrong.
func padExpert(name string, t *tensor.Tensor, kind schema.Kind, cfg *schema.ArchitectureConfig) (*tensor.Tensor, bool, error) {
	axis, err := expertAxis(kind)
	if err != nil {
		return nil, false, err
	}
	if len(t.Shape()) != 2 {
		return nil, false, &ShapeMismatchError{
			Stage: stagePad, Tensor: name,
			Actual: t.Shape(),
			Detail: "expert projection weights must be rank 2",
		}
	}

	current := t.Dim(axis)
	target := cfg.SharedIntermediateSize
	if current > target {
		return nil, false, &ConfigMismatchError{
			Tensor: name,
			Actual: t.Shape(),
			Detail: fmt.Sprintf("intermediate size %d exceeds padding target %d (padding never truncates)",
				current, target),
		}
	}
	if current != cfg.RoutedIntermediateSize {
		return nil, false, &ConfigMismatchError{
			Tensor: name,
			Actual: t.Shape(),
			Detail: fmt.Sprintf("intermediate size %d disagrees with declared moe_intermediate_size %d",
				current, cfg.RoutedIntermediateSize),
		}
	}
	if current == target {
		return t, false, nil
	}

	padded, err := tensor.PadTo(t, axis, target)
	if err != nil {
		return nil, false, fmt.Errorf("%s: tensor %q: %w", stagePad, name, err)
	}
	return padded, true, nil
}
