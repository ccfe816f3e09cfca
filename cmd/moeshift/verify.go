package main

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/moeshift/moeshift/internal/schema"
	"github.com/moeshift/moeshift/internal/verify"
)

func verifyCmd() *cli.Command {
	return &cli.Command{
		Name:  "verify",
		Usage: "Verify a converted checkpoint against its architecture config",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "input", Aliases: []string{"i"}, Usage: "checkpoint to verify", Required: true},
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "architecture config.json", Required: true},
			&cli.StringFlag{Name: "rules", Usage: "YAML naming-rules override file"},
			&cli.StringFlag{Name: "hashes", Usage: "reference hash file (JSON name -> sha256)"},
			&cli.DurationFlag{Name: "timeout", Usage: "bound on the verification pass", Value: 2 * time.Minute},
		},
		Action: runVerify,
	}
}

func runVerify(ctx context.Context, cmd *cli.Command) error {
	cfg, err := schema.LoadConfig(cmd.String("config"))
	if err != nil {
		return err
	}
	rules, err := loadRules(cmd.String("rules"))
	if err != nil {
		return err
	}

	var refHashes map[string]string
	if path := cmd.String("hashes"); path != "" {
		refHashes, err = verify.LoadReferenceHashes(path)
		if err != nil {
			return err
		}
	}

	vctx, cancel := context.WithTimeout(ctx, cmd.Duration("timeout"))
	defer cancel()
	result, err := verify.Run(vctx, cmd.String("input"), cfg, rules.Target, refHashes)
	if err != nil {
		return err
	}

	fmt.Printf("verification %s (%d tensors checked)\n", result.Status, result.Checked)
	for _, problem := range result.Problems {
		fmt.Println("  -", problem)
	}
	if result.Status == verify.Failed {
		return fmt.Errorf("checkpoint failed verification")
	}
	return nil
}
