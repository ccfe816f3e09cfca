package schema

import (
	"github.com/moeshift/moeshift/internal/tensor"
)

// Expected pairs a target tensor's structured key with the shape the
// architecture config implies for it. The table is derived, never written
// out by hand, so config and validation cannot drift apart.
type Expected struct {
	Key   Key
	Shape tensor.Shape
}

// ExpectedShapes derives the complete required tensor set of the target
// convention from the architecture config. Every converted checkpoint must
// contain exactly these names with exactly these shapes.
func ExpectedShapes(cfg *ArchitectureConfig, target *Schema) (map[string]Expected, error) {
	table := make(map[string]Expected)
	add := func(k Key, shape tensor.Shape) error {
		name, err := target.Name(k)
		if err != nil {
			return err
		}
		table[name] = Expected{Key: k, Shape: shape}
		return nil
	}

	hidden := cfg.HiddenSize
	shared := cfg.SharedIntermediateSize
	experts := cfg.RoutedExpertCount

	globals := []struct {
		kind  Kind
		shape tensor.Shape
	}{
		{KindEmbedding, tensor.Shape{cfg.VocabSize, hidden}},
		{KindFinalNorm, tensor.Shape{hidden}},
		{KindLMHead, tensor.Shape{cfg.VocabSize, hidden}},
	}
	for _, g := range globals {
		if err := add(GlobalKey(g.kind), g.shape); err != nil {
			return nil, err
		}
	}

	for layer := 0; layer < cfg.LayerCount; layer++ {
		perLayer := []struct {
			kind  Kind
			shape tensor.Shape
		}{
			{KindInputNorm, tensor.Shape{hidden}},
			{KindPostAttnNorm, tensor.Shape{hidden}},

			{KindQAProj, tensor.Shape{cfg.QLoraRank, hidden}},
			{KindQANorm, tensor.Shape{cfg.QLoraRank}},
			{KindQBProj, tensor.Shape{cfg.AttentionHeadCount * cfg.QHeadDim(), cfg.QLoraRank}},
			{KindKVAProjMQA, tensor.Shape{cfg.KVLoraRank + cfg.QKRopeHeadDim, hidden}},
			{KindKVANorm, tensor.Shape{cfg.KVLoraRank}},
			{KindKVBProj, tensor.Shape{cfg.KVBRows(), cfg.KVLoraRank}},
			{KindOProj, tensor.Shape{hidden, cfg.AttentionHeadCount * cfg.VHeadDim}},

			{KindRouter, tensor.Shape{experts, hidden}},
			{KindRouterScoreBias, tensor.Shape{experts}},

			{KindSwitchGate, tensor.Shape{experts, shared, hidden}},
			{KindSwitchUp, tensor.Shape{experts, shared, hidden}},
			{KindSwitchDown, tensor.Shape{experts, hidden, shared}},

			{KindSharedGate, tensor.Shape{shared, hidden}},
			{KindSharedUp, tensor.Shape{shared, hidden}},
			{KindSharedDown, tensor.Shape{hidden, shared}},
		}
		for _, p := range perLayer {
			if err := add(LayerKey(p.kind, layer), p.shape); err != nil {
				return nil, err
			}
		}
	}
	return table, nil
}
