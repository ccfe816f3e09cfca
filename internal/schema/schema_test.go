package schema

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moeshift/moeshift/internal/tensor"
)

func testConfig() *ArchitectureConfig {
	return &ArchitectureConfig{
		LayerCount:             2,
		HiddenSize:             16,
		AttentionHeadCount:     2,
		RoutedExpertCount:      4,
		SharedExpertCount:      1,
		ExpertsPerToken:        2,
		RoutedIntermediateSize: 8,
		SharedIntermediateSize: 12,
		VocabSize:              32,
		ContextLength:          64,
		QLoraRank:              6,
		KVLoraRank:             4,
		QKNopeHeadDim:          3,
		QKRopeHeadDim:          2,
		VHeadDim:               5,
	}
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, testConfig().Validate())

	truncating := testConfig()
	truncating.RoutedIntermediateSize = 20
	err := truncating.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "padding never truncates")

	zeroed := testConfig()
	zeroed.VocabSize = 0
	require.Error(t, zeroed.Validate())

	overRouted := testConfig()
	overRouted.ExpertsPerToken = 5
	require.Error(t, overRouted.Validate())
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	raw, err := json.Marshal(map[string]any{
		"num_hidden_layers":               2,
		"hidden_size":                     16,
		"num_attention_heads":             2,
		"n_routed_experts":                4,
		"n_shared_experts":                1,
		"num_experts_per_tok":             2,
		"moe_intermediate_size":           8,
		"shared_expert_intermediate_size": 12,
		"vocab_size":                      32,
		"max_position_embeddings":         64,
		"q_lora_rank":                     6,
		"kv_lora_rank":                    4,
		"qk_nope_head_dim":                3,
		"qk_rope_head_dim":                2,
		"v_head_dim":                      5,
		"rms_norm_eps":                    1e-6, // Runtime-only field, preserved not interpreted.
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.LayerCount)
	assert.Equal(t, 12, cfg.SharedIntermediateSize)
}

func TestEmitRuntimeUnifiesIntermediateSize(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "config.json")
	raw, err := json.Marshal(map[string]any{
		"num_hidden_layers":               2,
		"hidden_size":                     16,
		"num_attention_heads":             2,
		"n_routed_experts":                4,
		"n_shared_experts":                1,
		"num_experts_per_tok":             2,
		"moe_intermediate_size":           8,
		"shared_expert_intermediate_size": 12,
		"vocab_size":                      32,
		"max_position_embeddings":         64,
		"q_lora_rank":                     6,
		"kv_lora_rank":                    4,
		"qk_nope_head_dim":                3,
		"qk_rope_head_dim":                2,
		"v_head_dim":                      5,
		"model_type":                      "deepseek_v3",
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(src, raw, 0o644))

	cfg, err := LoadConfig(src)
	require.NoError(t, err)

	out := filepath.Join(dir, "out", "config.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(out), 0o755))
	require.NoError(t, cfg.EmitRuntime(out))

	var emitted map[string]any
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &emitted))

	assert.EqualValues(t, 12, emitted["moe_intermediate_size"])
	assert.EqualValues(t, 1, emitted["n_shared_experts"])
	assert.Equal(t, "deepseek_v3", emitted["model_type"]) // Unknown fields preserved.
}

func TestSchemaRendering(t *testing.T) {
	rules := DefaultRules()

	name, err := rules.Source.Name(ExpertKey(KindExpertGate, 3, 5))
	require.NoError(t, err)
	assert.Equal(t, "h.3.mlp.experts.5.gate_proj.weight", name)

	name, err = rules.Target.Name(LayerKey(KindKVAProjMQA, 0))
	require.NoError(t, err)
	assert.Equal(t, "model.layers.0.self_attn.kv_a_proj_with_mqa.weight", name)

	// Split source projections have no target name.
	_, err = rules.Target.Name(LayerKey(KindKVProj, 0))
	require.Error(t, err)

	// Merged target projections have no source name.
	_, err = rules.Source.Name(LayerKey(KindKVAProjMQA, 0))
	require.Error(t, err)
}

func TestLoadRulesOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"source:\n  embedding: \"tok_embeddings.weight\"\n"), 0o644))

	rules, err := LoadRules(path)
	require.NoError(t, err)

	name, err := rules.Source.Name(GlobalKey(KindEmbedding))
	require.NoError(t, err)
	assert.Equal(t, "tok_embeddings.weight", name)

	// Untouched slots keep their defaults.
	name, err = rules.Source.Name(GlobalKey(KindFinalNorm))
	require.NoError(t, err)
	assert.Equal(t, "ln_f.weight", name)
}

func TestLoadRulesRejectsUnknownSlot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"target:\n  nonexistent_slot: \"x.weight\"\n"), 0o644))

	_, err := LoadRules(path)
	require.Error(t, err)
}

func TestExpectedShapes(t *testing.T) {
	cfg := testConfig()
	table, err := ExpectedShapes(cfg, DefaultRules().Target)
	require.NoError(t, err)

	// 3 globals + 17 tensors per layer.
	assert.Len(t, table, 3+17*cfg.LayerCount)

	cases := map[string]tensor.Shape{
		"model.embed_tokens.weight": {32, 16},
		"model.norm.weight":         {16},
		"lm_head.weight":            {32, 16},

		"model.layers.0.self_attn.q_a_proj.weight":           {6, 16},
		"model.layers.0.self_attn.q_a_layernorm.weight":      {6},
		"model.layers.0.self_attn.q_b_proj.weight":           {10, 6},
		"model.layers.0.self_attn.kv_a_proj_with_mqa.weight": {6, 16},
		"model.layers.0.self_attn.kv_b_proj.weight":          {16, 4},
		"model.layers.0.self_attn.o_proj.weight":             {16, 10},

		"model.layers.1.mlp.gate.weight":                  {4, 16},
		"model.layers.1.mlp.gate.e_score_correction_bias": {4},
		"model.layers.1.mlp.switch_mlp.gate_proj.weight":  {4, 12, 16},
		"model.layers.1.mlp.switch_mlp.down_proj.weight":  {4, 16, 12},
		"model.layers.1.mlp.shared_experts.up_proj.weight": {12, 16},
		"model.layers.1.mlp.shared_experts.down_proj.weight": {16, 12},
	}
	for name, want := range cases {
		entry, ok := table[name]
		require.True(t, ok, "missing %s", name)
		assert.Equal(t, want, entry.Shape, name)
	}
}

func TestKeyString(t *testing.T) {
	assert.Equal(t, "embedding", GlobalKey(KindEmbedding).String())
	assert.Equal(t, "kv_proj[layer=2]", LayerKey(KindKVProj, 2).String())
	assert.Equal(t, "expert_gate[layer=1,expert=3]", ExpertKey(KindExpertGate, 1, 3).String())
}

func TestKeyClassification(t *testing.T) {
	assert.Equal(t, BlockExpert, ExpertKey(KindExpertGateBias, 0, 0).Block())
	assert.Equal(t, RoleBias, ExpertKey(KindExpertGateBias, 0, 0).Role())
	assert.Equal(t, RoleWeight, LayerKey(KindOProj, 0).Role())
}
