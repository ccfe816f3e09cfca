// Package main provides the moeshift CLI: a batch converter that remaps
// MoE transformer checkpoints from the training layout to the inference
// runtime's tensor schema.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
)

const version = "0.2.0"

func main() {
	app := &cli.Command{
		Name:    "moeshift",
		Usage:   "MoE checkpoint weight remapping",
		Version: version,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			convertCmd(),
			verifyCmd(),
			hashCmd(),
			inspectCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
