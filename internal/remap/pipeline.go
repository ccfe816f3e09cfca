package remap

import (
	"fmt"
	"sort"

	"github.com/moeshift/moeshift/internal/logger"
	"github.com/moeshift/moeshift/internal/parallel"
	"github.com/moeshift/moeshift/internal/safetensors"
	"github.com/moeshift/moeshift/internal/schema"
	"github.com/moeshift/moeshift/internal/tensor"
)

// Pipeline converts one source checkpoint into the target layout. It holds
// only caller-provided, read-only collaborators; all per-run state lives in
// the Convert call, so a Pipeline is safe to reuse.
type Pipeline struct {
	cfg   *schema.ArchitectureConfig
	rules *schema.Rules
	par   parallel.Config
	log   logger.Logger
}

// NewPipeline creates a pipeline for one architecture. rules may be nil for
// the built-in naming conventions.
func NewPipeline(cfg *schema.ArchitectureConfig, rules *schema.Rules, par parallel.Config, log logger.Logger) *Pipeline {
	if rules == nil {
		rules = schema.DefaultRules()
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Pipeline{cfg: cfg, rules: rules, par: par, log: log}
}

// Convert reads the source archive, transforms every layer, validates the
// result against the architecture config, and writes the target archive
// atomically. Any fatal error aborts before anything is committed to
// outputPath.
func (p *Pipeline) Convert(inputPath, outputPath string) (*Report, error) {
	reader, err := safetensors.Open(inputPath)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = reader.Close()
	}()

	if err := p.checkRequired(reader); err != nil {
		return nil, err
	}

	source, err := reader.LoadAll()
	if err != nil {
		return nil, err
	}
	if err := p.checkSource(source); err != nil {
		return nil, err
	}

	report := NewReport()
	report.SourcePath = inputPath
	report.TargetPath = outputPath
	report.LayerCount = p.cfg.LayerCount
	report.RoutedExpertCount = p.cfg.RoutedExpertCount
	report.RoutedIntermediateSize = p.cfg.RoutedIntermediateSize
	report.SharedIntermediateSize = p.cfg.SharedIntermediateSize
	report.TensorsRead = len(source)

	target := NewMapping()
	consumed := make(map[string]bool, len(source))

	// Global tensors pass through under their target names.
	for _, kind := range []schema.Kind{schema.KindEmbedding, schema.KindFinalNorm, schema.KindLMHead} {
		key := schema.GlobalKey(kind)
		srcName := p.rules.Source.MustName(key)
		if err := target.Put(p.rules.Target.MustName(key), source[srcName]); err != nil {
			return nil, err
		}
		consumed[srcName] = true
	}

	// Per-layer transforms are independent: each worker reads its own
	// subset of the source and produces its own fragment and report.
	fragments := make([]*layerResult, p.cfg.LayerCount)
	err = parallel.ForErr(p.cfg.LayerCount, func(layer int) error {
		result, err := p.convertLayer(layer, source)
		if err != nil {
			return err
		}
		fragments[layer] = result
		return nil
	}, p.par)
	if err != nil {
		return nil, err
	}

	// Fragments merge in ascending layer order regardless of which worker
	// finished first, keeping the mapping order deterministic.
	for _, fragment := range fragments {
		if err := target.Append(fragment.tensors); err != nil {
			return nil, err
		}
		report.Merge(fragment.report)
		for _, name := range fragment.consumed {
			consumed[name] = true
		}
	}

	p.warnUnmapped(source, consumed, report)

	expected, err := schema.ExpectedShapes(p.cfg, p.rules.Target)
	if err != nil {
		return nil, err
	}
	if err := validateMapping(target, expected); err != nil {
		return nil, err
	}
	report.TensorsWritten = target.Len()

	metadata := map[string]string{
		"format":    "safetensors",
		"converter": "moeshift",
	}
	if err := safetensors.Write(outputPath, target.Tensors(), metadata); err != nil {
		return nil, err
	}

	p.log.Info("conversion complete",
		"tensors_read", report.TensorsRead,
		"tensors_written", report.TensorsWritten,
		"tensors_padded", report.TensorsPadded,
		"warnings", len(report.Warnings))
	return report, nil
}

// layerResult is one worker's output: an ordered fragment of the target
// mapping, the layer's sub-report, and the source names it consumed.
type layerResult struct {
	tensors  *Mapping
	report   *Report
	consumed []string
}

// convertLayer performs the merge, pad, stack, and strip transforms for a
// single layer.
func (p *Pipeline) convertLayer(layer int, source map[string]*tensor.Tensor) (*layerResult, error) {
	result := &layerResult{tensors: NewMapping(), report: &Report{}}

	get := func(kind schema.Kind) (*tensor.Tensor, string, error) {
		key := schema.LayerKey(kind, layer)
		name, err := p.rules.Source.Name(key)
		if err != nil {
			return nil, "", err
		}
		t, ok := source[name]
		if !ok {
			return nil, "", &FormatError{Tensor: name, Detail: fmt.Sprintf("required tensor missing (%s)", key)}
		}
		result.consumed = append(result.consumed, name)
		return t, name, nil
	}
	put := func(kind schema.Kind, t *tensor.Tensor) error {
		return result.tensors.Put(p.rules.Target.MustName(schema.LayerKey(kind, layer)), t)
	}
	rename := func(kind schema.Kind) error {
		t, _, err := get(kind)
		if err != nil {
			return err
		}
		return put(kind, t)
	}

	for _, kind := range []schema.Kind{
		schema.KindInputNorm, schema.KindPostAttnNorm,
		schema.KindQAProj, schema.KindQBProj, schema.KindKVANorm, schema.KindOProj,
		schema.KindRouter,
		schema.KindSharedGate, schema.KindSharedUp, schema.KindSharedDown,
	} {
		if err := rename(kind); err != nil {
			return nil, err
		}
	}

	// Query normalization has no source counterpart in this architecture;
	// the runtime expects an RMSNorm weight, so an identity norm is
	// materialized from the config.
	if err := p.synthesize(result, layer, schema.KindQANorm, func() (*tensor.Tensor, error) {
		return tensor.Ones(tensor.Shape{p.cfg.QLoraRank})
	}, source); err != nil {
		return nil, err
	}

	// Router score correction starts at zero when the source never trained
	// one.
	if err := p.synthesize(result, layer, schema.KindRouterScoreBias, func() (*tensor.Tensor, error) {
		return tensor.Zeros(tensor.Shape{p.cfg.RoutedExpertCount}, tensor.Float32)
	}, source); err != nil {
		return nil, err
	}

	// Attention projection merges.
	kv, kvName, err := get(schema.KindKVProj)
	if err != nil {
		return nil, err
	}
	rope, ropeName, err := get(schema.KindKRopeProj)
	if err != nil {
		return nil, err
	}
	merged, err := mergeKVProjections(kvName, kv, ropeName, rope, p.cfg)
	if err != nil {
		return nil, err
	}
	if err := put(schema.KindKVAProjMQA, merged); err != nil {
		return nil, err
	}

	kDec, kName, err := get(schema.KindKDecompress)
	if err != nil {
		return nil, err
	}
	vDec, vName, err := get(schema.KindVDecompress)
	if err != nil {
		return nil, err
	}
	kvb, err := mergeKVDecompression(kName, kDec, vName, vDec, p.cfg)
	if err != nil {
		return nil, err
	}
	if err := put(schema.KindKVBProj, kvb); err != nil {
		return nil, err
	}

	// Routed experts: pad every projection to the shared intermediate size,
	// then stack in ascending expert index.
	expertRoles := []struct {
		source schema.Kind
		target schema.Kind
	}{
		{schema.KindExpertGate, schema.KindSwitchGate},
		{schema.KindExpertUp, schema.KindSwitchUp},
		{schema.KindExpertDown, schema.KindSwitchDown},
	}
	for _, role := range expertRoles {
		names := make([]string, 0, p.cfg.RoutedExpertCount)
		padded := make([]*tensor.Tensor, 0, p.cfg.RoutedExpertCount)
		for expert := 0; expert < p.cfg.RoutedExpertCount; expert++ {
			key := schema.ExpertKey(role.source, layer, expert)
			name, err := p.rules.Source.Name(key)
			if err != nil {
				return nil, err
			}
			t, ok := source[name]
			if !ok {
				return nil, &FormatError{Tensor: name, Detail: fmt.Sprintf("required tensor missing (%s)", key)}
			}
			result.consumed = append(result.consumed, name)

			out, wasPadded, err := padExpert(name, t, role.source, p.cfg)
			if err != nil {
				return nil, err
			}
			if wasPadded {
				result.report.TensorsPadded++
			}
			names = append(names, name)
			padded = append(padded, out)
		}
		stacked, err := stackExperts(names, padded, p.cfg)
		if err != nil {
			return nil, err
		}
		if err := put(role.target, stacked); err != nil {
			return nil, err
		}
	}

	// Feed-forward biases have no home in the target architecture; strip
	// any the source carries and account for the lost values.
	biasKinds := []schema.Kind{
		schema.KindSharedGateBias, schema.KindSharedUpBias, schema.KindSharedDownBias,
	}
	for _, kind := range biasKinds {
		name, err := p.rules.Source.Name(schema.LayerKey(kind, layer))
		if err != nil {
			continue
		}
		if t, ok := source[name]; ok {
			result.consumed = append(result.consumed, name)
			if err := stripBias(name, t, result.report); err != nil {
				return nil, err
			}
		}
	}
	expertBiasKinds := []schema.Kind{
		schema.KindExpertGateBias, schema.KindExpertUpBias, schema.KindExpertDownBias,
	}
	for _, kind := range expertBiasKinds {
		for expert := 0; expert < p.cfg.RoutedExpertCount; expert++ {
			name, err := p.rules.Source.Name(schema.ExpertKey(kind, layer, expert))
			if err != nil {
				continue
			}
			if t, ok := source[name]; ok {
				result.consumed = append(result.consumed, name)
				if err := stripBias(name, t, result.report); err != nil {
					return nil, err
				}
			}
		}
	}

	return result, nil
}

// synthesize fills a target slot from the config when the source has no
// counterpart. When a custom rules file does name a source tensor for the
// slot and the archive carries it, that tensor wins over synthesis.
func (p *Pipeline) synthesize(result *layerResult, layer int, kind schema.Kind, build func() (*tensor.Tensor, error), source map[string]*tensor.Tensor) error {
	key := schema.LayerKey(kind, layer)
	if srcName, err := p.rules.Source.Name(key); err == nil {
		if t, ok := source[srcName]; ok {
			result.consumed = append(result.consumed, srcName)
			return result.tensors.Put(p.rules.Target.MustName(key), t)
		}
	}
	t, err := build()
	if err != nil {
		return err
	}
	targetName := p.rules.Target.MustName(key)
	result.report.AddSynthesized(targetName)
	return result.tensors.Put(targetName, t)
}

// checkRequired verifies every tensor the source schema requires exists in
// the archive header before any data is materialized, so a missing tensor
// is reported by its exact key with nothing read or written.
func (p *Pipeline) checkRequired(reader *safetensors.Reader) error {
	for _, key := range p.requiredSourceKeys() {
		name, err := p.rules.Source.Name(key)
		if err != nil {
			return err
		}
		if !reader.Has(name) {
			return &FormatError{Tensor: name, Detail: fmt.Sprintf("required tensor missing (%s)", key)}
		}
	}
	return nil
}

// requiredSourceKeys enumerates the tensors a complete source checkpoint
// must carry. Biases and pre-existing norm/score tensors are optional.
func (p *Pipeline) requiredSourceKeys() []schema.Key {
	keys := []schema.Key{
		schema.GlobalKey(schema.KindEmbedding),
		schema.GlobalKey(schema.KindFinalNorm),
		schema.GlobalKey(schema.KindLMHead),
	}
	perLayer := []schema.Kind{
		schema.KindInputNorm, schema.KindPostAttnNorm,
		schema.KindQAProj, schema.KindQBProj, schema.KindKVANorm, schema.KindOProj,
		schema.KindKVProj, schema.KindKRopeProj,
		schema.KindKDecompress, schema.KindVDecompress,
		schema.KindRouter,
		schema.KindSharedGate, schema.KindSharedUp, schema.KindSharedDown,
	}
	for layer := 0; layer < p.cfg.LayerCount; layer++ {
		for _, kind := range perLayer {
			keys = append(keys, schema.LayerKey(kind, layer))
		}
		for expert := 0; expert < p.cfg.RoutedExpertCount; expert++ {
			keys = append(keys,
				schema.ExpertKey(schema.KindExpertGate, layer, expert),
				schema.ExpertKey(schema.KindExpertUp, layer, expert),
				schema.ExpertKey(schema.KindExpertDown, layer, expert))
		}
	}
	return keys
}

// checkSource performs the pre-transform config cross-checks: the pipeline
// operates on float32 checkpoints, and the vocabulary tensor must agree
// with the declared vocab_size before any transform runs.
func (p *Pipeline) checkSource(source map[string]*tensor.Tensor) error {
	names := make([]string, 0, len(source))
	for name := range source {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if dt := source[name].DType(); dt != tensor.Float32 {
			return &ConfigMismatchError{
				Tensor: name,
				Detail: fmt.Sprintf("unsupported dtype %s: the converter operates on float32 checkpoints", dt),
			}
		}
	}

	embName := p.rules.Source.MustName(schema.GlobalKey(schema.KindEmbedding))
	emb := source[embName]
	if len(emb.Shape()) != 2 || emb.Dim(0) != p.cfg.VocabSize {
		return &ConfigMismatchError{
			Tensor:   embName,
			Actual:   emb.Shape(),
			Expected: tensor.Shape{p.cfg.VocabSize, p.cfg.HiddenSize},
			Detail:   "vocabulary size disagrees with declared vocab_size",
		}
	}
	return nil
}

// warnUnmapped records source tensors no transform consumed. The original
// checkpoint may carry optimizer or bookkeeping entries; they are dropped,
// not fatal, but always surfaced.
func (p *Pipeline) warnUnmapped(source map[string]*tensor.Tensor, consumed map[string]bool, report *Report) {
	names := make([]string, 0, len(source))
	for name := range source {
		if !consumed[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		report.AddWarning(Warning{
			Stage:  "source mapping",
			Tensor: name,
			Detail: "source tensor has no target counterpart and was dropped",
		})
	}
}
