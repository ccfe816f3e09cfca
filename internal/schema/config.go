package schema

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
)

// ArchitectureConfig declares the numeric parameters of the model. It is
// read from the same config.json the inference runtime consumes; values are
// validated, never inferred from tensor contents.
type ArchitectureConfig struct {
	LayerCount             int `json:"num_hidden_layers"`
	HiddenSize             int `json:"hidden_size"`
	AttentionHeadCount     int `json:"num_attention_heads"`
	RoutedExpertCount      int `json:"n_routed_experts"`
	SharedExpertCount      int `json:"n_shared_experts"`
	ExpertsPerToken        int `json:"num_experts_per_tok"`
	RoutedIntermediateSize int `json:"moe_intermediate_size"`
	SharedIntermediateSize int `json:"shared_expert_intermediate_size"`
	VocabSize              int `json:"vocab_size"`
	ContextLength          int `json:"max_position_embeddings"`

	// Latent-attention geometry.
	QLoraRank     int `json:"q_lora_rank"`
	KVLoraRank    int `json:"kv_lora_rank"`
	QKNopeHeadDim int `json:"qk_nope_head_dim"`
	QKRopeHeadDim int `json:"qk_rope_head_dim"`
	VHeadDim      int `json:"v_head_dim"`

	// raw keeps every field of the loaded file, including ones this
	// pipeline does not interpret, so the emitted runtime config preserves
	// them.
	raw map[string]json.RawMessage
}

// LoadConfig reads and validates an architecture config file.
func LoadConfig(path string) (*ArchitectureConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg ArchitectureConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg.raw); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the declared parameters for internal consistency.
func (c *ArchitectureConfig) Validate() error {
	positive := []struct {
		name  string
		value int
	}{
		{"num_hidden_layers", c.LayerCount},
		{"hidden_size", c.HiddenSize},
		{"num_attention_heads", c.AttentionHeadCount},
		{"n_routed_experts", c.RoutedExpertCount},
		{"num_experts_per_tok", c.ExpertsPerToken},
		{"moe_intermediate_size", c.RoutedIntermediateSize},
		{"shared_expert_intermediate_size", c.SharedIntermediateSize},
		{"vocab_size", c.VocabSize},
		{"max_position_embeddings", c.ContextLength},
		{"q_lora_rank", c.QLoraRank},
		{"kv_lora_rank", c.KVLoraRank},
		{"qk_nope_head_dim", c.QKNopeHeadDim},
		{"qk_rope_head_dim", c.QKRopeHeadDim},
		{"v_head_dim", c.VHeadDim},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("config field %s must be positive, got %d", p.name, p.value)
		}
	}

	// Padding is always an enlargement, never truncation.
	if c.RoutedIntermediateSize > c.SharedIntermediateSize {
		return fmt.Errorf("moe_intermediate_size %d exceeds shared_expert_intermediate_size %d (padding never truncates)",
			c.RoutedIntermediateSize, c.SharedIntermediateSize)
	}
	if c.ExpertsPerToken > c.RoutedExpertCount {
		return fmt.Errorf("num_experts_per_tok %d exceeds n_routed_experts %d",
			c.ExpertsPerToken, c.RoutedExpertCount)
	}
	return nil
}

// QHeadDim is the per-head query width: rotary plus non-rotary halves.
func (c *ArchitectureConfig) QHeadDim() int {
	return c.QKNopeHeadDim + c.QKRopeHeadDim
}

// KVBRows is the output width of the merged kv decompression projection:
// per head, the non-rotary key half followed by the value head.
func (c *ArchitectureConfig) KVBRows() int {
	return c.AttentionHeadCount * (c.QKNopeHeadDim + c.VHeadDim)
}

// EmitRuntime writes the runtime-facing config.json next to the converted
// checkpoint: the loaded file with the intermediate size unified to the
// padding target and a single shared expert, everything else preserved.
// The write is atomic like the checkpoint itself.
func (c *ArchitectureConfig) EmitRuntime(path string) error {
	out := make(map[string]json.RawMessage, len(c.raw))
	for k, v := range c.raw {
		out[k] = v
	}
	unified, err := json.Marshal(c.SharedIntermediateSize)
	if err != nil {
		return err
	}
	one, err := json.Marshal(1)
	if err != nil {
		return err
	}
	out["moe_intermediate_size"] = unified
	out["n_shared_experts"] = one

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal runtime config: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary config: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write runtime config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to close runtime config: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace %q: %w", path, err)
	}
	return nil
}
