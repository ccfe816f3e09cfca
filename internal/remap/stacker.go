package remap

import (
	"fmt"

	"github.com/moeshift/moeshift/internal/schema"
	"github.com/moeshift/moeshift/internal/tensor"
)

// stackExperts aggregates the padded per-expert tensors of one projection
// role into a single tensor with a leading expert axis. Order is
// load-bearing: the runtime addresses expert i as slice i, so the tensors
// must arrive in ascending expert index and are never reordered.
func stackExperts(names []string, experts []*tensor.Tensor, cfg *schema.ArchitectureConfig) (*tensor.Tensor, error) {
	if len(experts) != cfg.RoutedExpertCount {
		return nil, &ConfigMismatchError{
			Detail: fmt.Sprintf("collected %d expert tensors, config declares %d routed experts",
				len(experts), cfg.RoutedExpertCount),
		}
	}

	first := experts[0]
	for i, t := range experts[1:] {
		if !t.Shape().Equal(first.Shape()) || t.DType() != first.DType() {
			return nil, &ShapeMismatchError{
				Stage:    stageStack,
				Tensor:   names[i+1],
				Tensor2:  names[0],
				Actual:   t.Shape(),
				Expected: first.Shape(),
				Detail:   "expert tensors diverge after padding",
			}
		}
	}

	stacked, err := tensor.Stack(experts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", stageStack, err)
	}
	return stacked, nil
}
