package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/moeshift/moeshift/internal/safetensors"
)

func inspectCmd() *cli.Command {
	return &cli.Command{
		Name:  "inspect",
		Usage: "List the tensors of a checkpoint archive",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "input", Aliases: []string{"i"}, Usage: "checkpoint to inspect", Required: true},
			&cli.StringFlag{Name: "filter", Usage: "substring filter for tensor names"},
			&cli.IntFlag{Name: "limit", Usage: "limit tensor listing (0 = no limit)"},
		},
		Action: runInspect,
	}
}

func runInspect(ctx context.Context, cmd *cli.Command) error {
	reader, err := safetensors.Open(cmd.String("input"))
	if err != nil {
		return err
	}
	defer func() {
		_ = reader.Close()
	}()

	fmt.Printf("File: %s\n", cmd.String("input"))
	if meta := reader.Metadata(); len(meta) > 0 {
		keys := make([]string, 0, len(meta))
		for k := range meta {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("  %s: %s\n", k, meta[k])
		}
	}

	filter := cmd.String("filter")
	limit := cmd.Int("limit")
	shown := 0
	names := reader.Names()
	fmt.Printf("Tensors: %d\n", len(names))
	for _, name := range names {
		if filter != "" && !strings.Contains(name, filter) {
			continue
		}
		if limit > 0 && shown >= limit {
			fmt.Printf("  ... and more (limit %d)\n", limit)
			break
		}
		info, _ := reader.Info(name)
		fmt.Printf("  %-70s %-5s %v\n", name, info.DType, info.Shape)
		shown++
	}
	return nil
}
