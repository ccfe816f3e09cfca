package schema

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Tensor slots. A slot is one logical tensor role; source and target
// conventions render the same slot to different concrete names, and some
// slots exist on only one side (split projections on the source side,
// merged and stacked tensors on the target side).
const (
	KindEmbedding    Kind = "embedding"
	KindFinalNorm    Kind = "final_norm"
	KindLMHead       Kind = "lm_head"
	KindInputNorm    Kind = "input_norm"
	KindPostAttnNorm Kind = "post_attention_norm"

	// Attention, shared between conventions.
	KindQAProj Kind = "q_a_proj"
	KindQBProj Kind = "q_b_proj"
	KindKVANorm Kind = "kv_a_norm"
	KindOProj   Kind = "o_proj"

	// Attention, source side: split projections to be merged.
	KindKVProj      Kind = "kv_proj"
	KindKRopeProj   Kind = "k_rope_proj"
	KindKDecompress Kind = "k_decompress"
	KindVDecompress Kind = "v_decompress"

	// Attention, target side: merged projections and the synthesized norm.
	KindQANorm     Kind = "q_a_norm"
	KindKVAProjMQA Kind = "kv_a_proj_mqa"
	KindKVBProj    Kind = "kv_b_proj"

	// MoE router.
	KindRouter          Kind = "router"
	KindRouterScoreBias Kind = "router_score_bias"

	// Routed experts, source side: one tensor per expert index.
	KindExpertGate Kind = "expert_gate"
	KindExpertUp   Kind = "expert_up"
	KindExpertDown Kind = "expert_down"

	// Routed experts, target side: stacked across the expert axis.
	KindSwitchGate Kind = "switch_gate"
	KindSwitchUp   Kind = "switch_up"
	KindSwitchDown Kind = "switch_down"

	// Shared expert.
	KindSharedGate Kind = "shared_gate"
	KindSharedUp   Kind = "shared_up"
	KindSharedDown Kind = "shared_down"

	// Feed-forward biases the target architecture does not carry.
	KindExpertGateBias Kind = "expert_gate_bias"
	KindExpertUpBias   Kind = "expert_up_bias"
	KindExpertDownBias Kind = "expert_down_bias"
	KindSharedGateBias Kind = "shared_gate_bias"
	KindSharedUpBias   Kind = "shared_up_bias"
	KindSharedDownBias Kind = "shared_down_bias"
)

var kindTable = map[Kind]kindInfo{
	KindEmbedding:    {BlockGlobal, RoleWeight},
	KindFinalNorm:    {BlockGlobal, RoleWeight},
	KindLMHead:       {BlockGlobal, RoleWeight},
	KindInputNorm:    {BlockNorm, RoleWeight},
	KindPostAttnNorm: {BlockNorm, RoleWeight},

	KindQAProj:      {BlockAttention, RoleWeight},
	KindQBProj:      {BlockAttention, RoleWeight},
	KindKVANorm:     {BlockAttention, RoleWeight},
	KindOProj:       {BlockAttention, RoleWeight},
	KindKVProj:      {BlockAttention, RoleWeight},
	KindKRopeProj:   {BlockAttention, RoleWeight},
	KindKDecompress: {BlockAttention, RoleWeight},
	KindVDecompress: {BlockAttention, RoleWeight},
	KindQANorm:      {BlockAttention, RoleWeight},
	KindKVAProjMQA:  {BlockAttention, RoleWeight},
	KindKVBProj:     {BlockAttention, RoleWeight},

	KindRouter:          {BlockRouter, RoleWeight},
	KindRouterScoreBias: {BlockRouter, RoleBias},

	KindExpertGate: {BlockExpert, RoleWeight},
	KindExpertUp:   {BlockExpert, RoleWeight},
	KindExpertDown: {BlockExpert, RoleWeight},
	KindSwitchGate: {BlockExpert, RoleWeight},
	KindSwitchUp:   {BlockExpert, RoleWeight},
	KindSwitchDown: {BlockExpert, RoleWeight},

	KindSharedGate: {BlockSharedExpert, RoleWeight},
	KindSharedUp:   {BlockSharedExpert, RoleWeight},
	KindSharedDown: {BlockSharedExpert, RoleWeight},

	KindExpertGateBias: {BlockExpert, RoleBias},
	KindExpertUpBias:   {BlockExpert, RoleBias},
	KindExpertDownBias: {BlockExpert, RoleBias},
	KindSharedGateBias: {BlockSharedExpert, RoleBias},
	KindSharedUpBias:   {BlockSharedExpert, RoleBias},
	KindSharedDownBias: {BlockSharedExpert, RoleBias},
}

// defaultSourceTemplates is the training-side naming convention.
var defaultSourceTemplates = map[Kind]string{
	KindEmbedding:    "wte.weight",
	KindFinalNorm:    "ln_f.weight",
	KindLMHead:       "lm_head.weight",
	KindInputNorm:    "h.{layer}.ln_1.weight",
	KindPostAttnNorm: "h.{layer}.ln_2.weight",

	KindQAProj:      "h.{layer}.attn.q_proj.weight",
	KindQBProj:      "h.{layer}.attn.q_decompress.weight",
	KindKVANorm:     "h.{layer}.attn.kv_norm.weight",
	KindOProj:       "h.{layer}.attn.o_proj.weight",
	KindKVProj:      "h.{layer}.attn.kv_proj.weight",
	KindKRopeProj:   "h.{layer}.attn.k_rope_proj.weight",
	KindKDecompress: "h.{layer}.attn.k_decompress.weight",
	KindVDecompress: "h.{layer}.attn.v_decompress.weight",

	KindRouter: "h.{layer}.mlp.router.weight",

	KindExpertGate: "h.{layer}.mlp.experts.{expert}.gate_proj.weight",
	KindExpertUp:   "h.{layer}.mlp.experts.{expert}.up_proj.weight",
	KindExpertDown: "h.{layer}.mlp.experts.{expert}.down_proj.weight",

	KindSharedGate: "h.{layer}.mlp.shared_expert.gate_proj.weight",
	KindSharedUp:   "h.{layer}.mlp.shared_expert.up_proj.weight",
	KindSharedDown: "h.{layer}.mlp.shared_expert.down_proj.weight",

	KindExpertGateBias: "h.{layer}.mlp.experts.{expert}.gate_proj.bias",
	KindExpertUpBias:   "h.{layer}.mlp.experts.{expert}.up_proj.bias",
	KindExpertDownBias: "h.{layer}.mlp.experts.{expert}.down_proj.bias",
	KindSharedGateBias: "h.{layer}.mlp.shared_expert.gate_proj.bias",
	KindSharedUpBias:   "h.{layer}.mlp.shared_expert.up_proj.bias",
	KindSharedDownBias: "h.{layer}.mlp.shared_expert.down_proj.bias",
}

// defaultTargetTemplates is the inference-runtime naming convention.
var defaultTargetTemplates = map[Kind]string{
	KindEmbedding:    "model.embed_tokens.weight",
	KindFinalNorm:    "model.norm.weight",
	KindLMHead:       "lm_head.weight",
	KindInputNorm:    "model.layers.{layer}.input_layernorm.weight",
	KindPostAttnNorm: "model.layers.{layer}.post_attention_layernorm.weight",

	KindQAProj:     "model.layers.{layer}.self_attn.q_a_proj.weight",
	KindQANorm:     "model.layers.{layer}.self_attn.q_a_layernorm.weight",
	KindQBProj:     "model.layers.{layer}.self_attn.q_b_proj.weight",
	KindKVANorm:    "model.layers.{layer}.self_attn.kv_a_layernorm.weight",
	KindKVAProjMQA: "model.layers.{layer}.self_attn.kv_a_proj_with_mqa.weight",
	KindKVBProj:    "model.layers.{layer}.self_attn.kv_b_proj.weight",
	KindOProj:      "model.layers.{layer}.self_attn.o_proj.weight",

	KindRouter:          "model.layers.{layer}.mlp.gate.weight",
	KindRouterScoreBias: "model.layers.{layer}.mlp.gate.e_score_correction_bias",

	KindSwitchGate: "model.layers.{layer}.mlp.switch_mlp.gate_proj.weight",
	KindSwitchUp:   "model.layers.{layer}.mlp.switch_mlp.up_proj.weight",
	KindSwitchDown: "model.layers.{layer}.mlp.switch_mlp.down_proj.weight",

	KindSharedGate: "model.layers.{layer}.mlp.shared_experts.gate_proj.weight",
	KindSharedUp:   "model.layers.{layer}.mlp.shared_experts.up_proj.weight",
	KindSharedDown: "model.layers.{layer}.mlp.shared_experts.down_proj.weight",
}

// Schema renders structured keys to the concrete names of one convention.
type Schema struct {
	name      string
	templates map[Kind]string
}

// Name renders the concrete tensor name for a key.
func (s *Schema) Name(k Key) (string, error) {
	template, ok := s.templates[k.Kind]
	if !ok {
		return "", fmt.Errorf("schema %q has no name for slot %q", s.name, k.Kind)
	}
	return render(template, k), nil
}

// MustName renders a name for a key that is known to exist in the schema.
// Only used for built-in slots; a missing slot is a programming error.
func (s *Schema) MustName(k Key) string {
	name, err := s.Name(k)
	if err != nil {
		panic(err)
	}
	return name
}

// Rules pairs the source and target naming schemas.
type Rules struct {
	Source *Schema
	Target *Schema
}

// DefaultRules returns the built-in naming conventions.
func DefaultRules() *Rules {
	return &Rules{
		Source: &Schema{name: "source", templates: defaultSourceTemplates},
		Target: &Schema{name: "target", templates: defaultTargetTemplates},
	}
}

// rulesFile is the YAML shape of a naming-rules override file. Entries are
// keyed by slot id; omitted slots keep their built-in templates.
type rulesFile struct {
	Source map[string]string `yaml:"source"`
	Target map[string]string `yaml:"target"`
}

// LoadRules reads a YAML rules file and overlays it on the defaults.
func LoadRules(path string) (*Rules, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	var file rulesFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}

	rules := &Rules{
		Source: &Schema{name: "source", templates: overlay(defaultSourceTemplates, file.Source)},
		Target: &Schema{name: "target", templates: overlay(defaultTargetTemplates, file.Target)},
	}
	for kind := range file.Source {
		if _, ok := kindTable[Kind(kind)]; !ok {
			return nil, fmt.Errorf("rules file names unknown slot %q", kind)
		}
	}
	for kind := range file.Target {
		if _, ok := kindTable[Kind(kind)]; !ok {
			return nil, fmt.Errorf("rules file names unknown slot %q", kind)
		}
	}
	return rules, nil
}

func overlay(defaults map[Kind]string, overrides map[string]string) map[Kind]string {
	merged := make(map[Kind]string, len(defaults))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[Kind(k)] = v
	}
	return merged
}
