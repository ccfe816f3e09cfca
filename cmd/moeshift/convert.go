package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/moeshift/moeshift/internal/logger"
	"github.com/moeshift/moeshift/internal/parallel"
	"github.com/moeshift/moeshift/internal/remap"
	"github.com/moeshift/moeshift/internal/schema"
	"github.com/moeshift/moeshift/internal/tokenizer"
	"github.com/moeshift/moeshift/internal/verify"
)

func convertCmd() *cli.Command {
	return &cli.Command{
		Name:  "convert",
		Usage: "Convert a source checkpoint to the runtime tensor layout",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "input", Aliases: []string{"i"}, Usage: "source checkpoint (.safetensors)", Required: true},
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "target checkpoint path", Required: true},
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "architecture config.json", Required: true},
			&cli.StringFlag{Name: "rules", Usage: "YAML naming-rules override file"},
			&cli.StringFlag{Name: "report", Usage: "write the conversion report JSON to this path"},
			&cli.BoolFlag{Name: "emit-config", Usage: "write the updated runtime config.json next to the output"},
			&cli.StringFlag{Name: "tokenizer-dir", Usage: "directory of tokenizer definition files to copy through"},
			&cli.IntFlag{Name: "jobs", Usage: "layer conversion workers (0 = all CPUs)"},
			&cli.BoolFlag{Name: "no-verify", Usage: "skip the post-write verification pass"},
			&cli.DurationFlag{Name: "verify-timeout", Usage: "bound on the verification pass", Value: 2 * time.Minute},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "debug logging"},
		},
		Action: runConvert,
	}
}

func runConvert(ctx context.Context, cmd *cli.Command) error {
	level := slog.LevelInfo
	if cmd.Bool("verbose") {
		level = slog.LevelDebug
	}
	log := logger.Default(level)

	cfg, err := schema.LoadConfig(cmd.String("config"))
	if err != nil {
		return err
	}
	rules, err := loadRules(cmd.String("rules"))
	if err != nil {
		return err
	}

	// Consistency checks that can fail must run before anything is written.
	var tokMeta *tokenizer.Metadata
	if dir := cmd.String("tokenizer-dir"); dir != "" {
		tokMeta, err = tokenizer.Inspect(filepath.Join(dir, "tokenizer.json"))
		if err != nil {
			return err
		}
		if err := tokMeta.CheckVocabSize(cfg.VocabSize); err != nil {
			return err
		}
		log.Debug("tokenizer definition checked", "type", tokMeta.Type, "vocab_size", tokMeta.VocabSize)
	}

	par := parallel.DefaultConfig()
	if jobs := cmd.Int("jobs"); jobs > 0 {
		par = parallel.WithWorkers(jobs)
	}

	input := cmd.String("input")
	output := cmd.String("output")

	pipeline := remap.NewPipeline(cfg, rules, par, log)
	report, err := pipeline.Convert(input, output)
	if err != nil {
		return err
	}
	for _, w := range report.Warnings {
		if w.Magnitude > 0 {
			log.Warn(w.Detail, "stage", w.Stage, "tensor", w.Tensor, "magnitude", w.Magnitude)
		} else {
			log.Warn(w.Detail, "stage", w.Stage, "tensor", w.Tensor)
		}
	}

	if path := cmd.String("report"); path != "" {
		if err := report.WriteJSON(path); err != nil {
			return err
		}
	}
	if cmd.Bool("emit-config") {
		if err := cfg.EmitRuntime(filepath.Join(filepath.Dir(output), "config.json")); err != nil {
			return err
		}
	}
	if dir := cmd.String("tokenizer-dir"); dir != "" {
		copied, err := tokenizer.CopyThrough(dir, filepath.Dir(output))
		if err != nil {
			return err
		}
		log.Debug("tokenizer files copied", "files", copied)
	}

	if cmd.Bool("no-verify") {
		return nil
	}
	vctx, cancel := context.WithTimeout(ctx, cmd.Duration("verify-timeout"))
	defer cancel()
	result, err := verify.Run(vctx, output, cfg, rules.Target, nil)
	if err != nil {
		return err
	}
	switch result.Status {
	case verify.Failed:
		return fmt.Errorf("verification failed: %v", result.Problems)
	case verify.Inconclusive:
		log.Warn("verification inconclusive", "problems", result.Problems)
	default:
		log.Info("verification passed", "tensors", result.Checked)
	}
	return nil
}

func loadRules(path string) (*schema.Rules, error) {
	if path == "" {
		return schema.DefaultRules(), nil
	}
	return schema.LoadRules(path)
}
