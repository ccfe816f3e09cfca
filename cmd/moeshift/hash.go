package main

import (
	"context"
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/moeshift/moeshift/internal/verify"
)

func hashCmd() *cli.Command {
	return &cli.Command{
		Name:  "hash",
		Usage: "Emit per-tensor reference hashes of a checkpoint",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "input", Aliases: []string{"i"}, Usage: "checkpoint to hash", Required: true},
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "hash file path (default: stdout)"},
		},
		Action: runHash,
	}
}

func runHash(ctx context.Context, cmd *cli.Command) error {
	hashes, err := verify.ComputeHashes(cmd.String("input"))
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(hashes, "", "  ")
	if err != nil {
		return err
	}
	if path := cmd.String("output"); path != "" {
		return os.WriteFile(path, append(data, '\n'), 0o644)
	}
	fmt.Println(string(data))
	return nil
}
