package remap

import (
	"fmt"

	"github.com/moeshift/moeshift/internal/schema"
	"github.com/moeshift/moeshift/internal/tensor"
)

const (
	stageMerge = "attention projection merge"
	stagePad   = "expert padding"
	stageStack = "expert stacking"
	stageStrip = "bias stripping"
)

// mergeKVProjections combines the compressed key/value projection with the
// rotary-position projection into the runtime's unified tensor. Weights are
// [out, hidden]; the concatenation runs along the output axis, so the
// merged output width is the sum of the two inputs'. When the rotary tensor
// carries all heads, only the first head's rows participate; the runtime
// broadcasts that single rotary head across heads.
//
// No numeric values are altered. This is a pure layout rearrangement.
func mergeKVProjections(kvName string, kv *tensor.Tensor, ropeName string, rope *tensor.Tensor, cfg *schema.ArchitectureConfig) (*tensor.Tensor, error) {
	if len(kv.Shape()) != 2 || len(rope.Shape()) != 2 {
		return nil, &ShapeMismatchError{
			Stage: stageMerge, Tensor: kvName, Tensor2: ropeName,
			Actual: kv.Shape(),
			Detail: fmt.Sprintf("projection weights must be rank 2, got %s and %s", kv.Shape(), rope.Shape()),
		}
	}
	if kv.Dim(1) != rope.Dim(1) {
		return nil, &ShapeMismatchError{
			Stage: stageMerge, Tensor: kvName, Tensor2: ropeName,
			Actual: kv.Shape(),
			Detail: fmt.Sprintf("hidden axes differ: %s vs %s", kv.Shape(), rope.Shape()),
		}
	}
	if kv.Dim(0) != cfg.KVLoraRank {
		return nil, &ConfigMismatchError{
			Tensor: kvName,
			Actual: kv.Shape(), Expected: tensor.Shape{cfg.KVLoraRank, cfg.HiddenSize},
			Detail: "output width disagrees with kv_lora_rank",
		}
	}

	ropeHead := rope
	switch rope.Dim(0) {
	case cfg.QKRopeHeadDim:
		// Already a single rotary head.
	case cfg.AttentionHeadCount * cfg.QKRopeHeadDim:
		sliced, err := tensor.SlicePrefix(rope, 0, cfg.QKRopeHeadDim)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", stageMerge, err)
		}
		ropeHead = sliced
	default:
		return nil, &ShapeMismatchError{
			Stage: stageMerge, Tensor: ropeName,
			Actual: rope.Shape(),
			Detail: fmt.Sprintf("output width %d is neither qk_rope_head_dim %d nor heads*qk_rope_head_dim %d",
				rope.Dim(0), cfg.QKRopeHeadDim, cfg.AttentionHeadCount*cfg.QKRopeHeadDim),
		}
	}

	merged, err := tensor.Concat(kv, ropeHead, 0)
	if err != nil {
		return nil, &ShapeMismatchError{
			Stage: stageMerge, Tensor: kvName, Tensor2: ropeName,
			Actual: kv.Shape(), Detail: err.Error(),
		}
	}
	return merged, nil
}

// mergeKVDecompression interleaves the key and value decompression
// projections per head: the runtime expects each head's non-rotary key rows
// immediately followed by its value rows, flattened back to
// [heads*(nope+v), kv_lora_rank].
func mergeKVDecompression(kName string, k *tensor.Tensor, vName string, v *tensor.Tensor, cfg *schema.ArchitectureConfig) (*tensor.Tensor, error) {
	heads := cfg.AttentionHeadCount
	rank := cfg.KVLoraRank

	if len(k.Shape()) != 2 || len(v.Shape()) != 2 {
		return nil, &ShapeMismatchError{
			Stage: stageMerge, Tensor: kName, Tensor2: vName,
			Actual: k.Shape(),
			Detail: fmt.Sprintf("decompression weights must be rank 2, got %s and %s", k.Shape(), v.Shape()),
		}
	}
	if k.Dim(1) != rank || v.Dim(1) != rank {
		return nil, &ConfigMismatchError{
			Tensor: kName,
			Actual: k.Shape(),
			Detail: fmt.Sprintf("decompression input width must equal kv_lora_rank %d (got %s and %s)",
				rank, k.Shape(), v.Shape()),
		}
	}
	if v.Dim(0) != heads*cfg.VHeadDim {
		return nil, &ShapeMismatchError{
			Stage: stageMerge, Tensor: vName,
			Actual:   v.Shape(),
			Expected: tensor.Shape{heads * cfg.VHeadDim, rank},
			Detail:   "output width must be heads*v_head_dim",
		}
	}
	if k.Dim(0)%heads != 0 {
		return nil, &ShapeMismatchError{
			Stage: stageMerge, Tensor: kName,
			Actual: k.Shape(),
			Detail: fmt.Sprintf("output width %d not divisible by %d heads", k.Dim(0), heads),
		}
	}
	kHeadDim := k.Dim(0) / heads
	if kHeadDim < cfg.QKNopeHeadDim {
		return nil, &ShapeMismatchError{
			Stage: stageMerge, Tensor: kName,
			Actual: k.Shape(),
			Detail: fmt.Sprintf("per-head width %d smaller than qk_nope_head_dim %d", kHeadDim, cfg.QKNopeHeadDim),
		}
	}

	kPerHead, err := tensor.Reshape(k, tensor.Shape{heads, kHeadDim, rank})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", stageMerge, err)
	}
	kNope, err := tensor.SlicePrefix(kPerHead, 1, cfg.QKNopeHeadDim)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", stageMerge, err)
	}
	vPerHead, err := tensor.Reshape(v, tensor.Shape{heads, cfg.VHeadDim, rank})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", stageMerge, err)
	}
	combined, err := tensor.Concat(kNope, vPerHead, 1)
	if err != nil {
		return nil, &ShapeMismatchError{
			Stage: stageMerge, Tensor: kName, Tensor2: vName,
			Actual: k.Shape(), Detail: err.Error(),
		}
	}
	return tensor.Reshape(combined, tensor.Shape{cfg.KVBRows(), rank})
}
