package main

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/emberml/ember/internal/model"
	"github.com/emberml/ember/internal/safetensors"
	"github.com/emberml/ember/internal/tokenizer"
)

// collectBlobs opens each container and merges tensor headers by name,
// later files winning like the weight loader. Each name appears once in the
// returned sorted list; duplicated names are reported separately.
func collectBlobs(paths []string) ([]string, map[string]safetensors.TensorBlob, []string, error) {
	var names, dups []string
	blobs := map[string]safetensors.TensorBlob{}
	for _, path := range paths {
		f, err := safetensors.Open(path)
		if err != nil {
			return nil, nil, nil, err
		}
		for name, blob := range f.Tensors {
			if _, dup := blobs[name]; dup {
				dups = append(dups, name)
			} else {
				names = append(names, name)
			}
			blobs[name] = blob
		}
		_ = f.Close()
	}
	sort.Strings(names)
	sort.Strings(dups)
	return names, blobs, dups, nil
}

func inspectCmd() *cli.Command {
	var (
		dir          string
		showTensors  bool
		showBinding  bool
		tensorFilter string
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Inspect a model directory without loading weights into memory",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "model",
				Aliases:     []string{"m"},
				Usage:       "path to model directory",
				Destination: &dir,
				Required:    true,
			},
			&cli.BoolFlag{Name: "tensors", Usage: "list every tensor", Destination: &showTensors},
			&cli.BoolFlag{Name: "binding", Usage: "report which parameter slots resolve", Destination: &showBinding},
			&cli.StringFlag{Name: "filter", Usage: "substring filter for tensor names", Destination: &tensorFilter},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := model.LoadConfig(filepath.Join(dir, "config.json"))
			if err != nil {
				return err
			}
			fmt.Printf("config: hidden=%d layers=%d heads=%d vocab=%d intermediate=%d max_pos=%d\n",
				cfg.HiddenSize, cfg.LayerCount, cfg.HeadCount, cfg.VocabSize,
				cfg.IntermediateSize, cfg.MaxPosition)

			if tok, err := tokenizer.Load(filepath.Join(dir, "tokenizer.json")); err != nil {
				fmt.Printf("tokenizer: unavailable (%v)\n", err)
			} else {
				fmt.Printf("tokenizer: %d tokens, bos=%d eos=%d\n",
					tok.VocabSize(), tok.BOS(), tok.Vocab().EOS)
			}

			paths, err := filepath.Glob(filepath.Join(dir, "*.safetensors"))
			if err != nil {
				return err
			}
			names, blobs, dups, err := collectBlobs(paths)
			if err != nil {
				return err
			}
			for _, dup := range dups {
				fmt.Printf("duplicate tensor %q\n", dup)
			}
			fmt.Printf("containers: %d files, %d tensors\n", len(paths), len(blobs))

			if showTensors {
				for _, name := range names {
					if tensorFilter != "" && !strings.Contains(name, tensorFilter) {
						continue
					}
					blob := blobs[name]
					fmt.Printf("  %-60s %-5s %v (%d bytes)\n",
						name, blob.DType, blob.Shape, blob.End-blob.Start)
				}
			}

			if showBinding {
				store, err := safetensors.LoadDir(dir, nil)
				if err != nil {
					return err
				}
				defer store.Release()
				graph, report, err := model.Bind(cfg, store)
				if err != nil {
					return err
				}
				defer graph.Release()
				fmt.Printf("binding: %d bound, %d missing, tied_output=%v\n",
					len(report.Bound), len(report.Missing), report.TiedOutput)
				for _, slot := range report.Missing {
					fmt.Printf("  missing: %s\n", slot)
				}
			}
			return nil
		},
	}
}
