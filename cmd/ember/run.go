package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/emberml/ember/internal/session"
)

func runCmd() *cli.Command {
	var (
		prompt    string
		maxTokens int64
		temp      float64
		topK      int64
		topP      float64
		seed      int64
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Generate text from a prompt",
		Flags: append(append(modelFlags(), loggingFlags()...),
			&cli.StringFlag{
				Name:        "prompt",
				Aliases:     []string{"p"},
				Usage:       "prompt text",
				Destination: &prompt,
			},
			&cli.Int64Flag{
				Name:        "max-tokens",
				Aliases:     []string{"n"},
				Usage:       "maximum number of tokens to generate",
				Value:       session.DefaultMaxTokens,
				Destination: &maxTokens,
			},
			&cli.Float64Flag{
				Name:        "temp",
				Aliases:     []string{"temperature", "t"},
				Usage:       "sampling temperature (0 = greedy)",
				Value:       0.7,
				Destination: &temp,
			},
			&cli.Int64Flag{
				Name:        "top-k",
				Usage:       "top-k sampling parameter",
				Value:       40,
				Destination: &topK,
			},
			&cli.Float64Flag{
				Name:        "top-p",
				Usage:       "top-p (nucleus) sampling parameter",
				Value:       0.9,
				Destination: &topP,
			},
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "sampling seed (0 = time-based)",
				Destination: &seed,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyRunConfig(cmd, loadConfig(), &temp, &topK, &topP, &maxTokens, &seed)
			if modelDir == "" {
				return fmt.Errorf("no model directory: pass --model or set model_dir in %s", configPath())
			}
			if prompt == "" {
				return fmt.Errorf("no prompt: pass --prompt")
			}

			log := buildLogger()
			sess := session.New(modelDir, session.Options{Logger: log})
			defer sess.Unload()

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := sess.Load(ctx); err != nil {
				return err
			}
			if report := sess.Report(); report != nil && report.Degraded() {
				fmt.Fprintf(os.Stderr, "warning: %d parameter slots missing, output quality will suffer\n", len(report.Missing))
			}

			stream, err := sess.Generate(ctx, prompt, session.GenerationConfig{
				MaxTokens:   int(maxTokens),
				Temperature: float32(temp),
				TopK:        int(topK),
				TopP:        float32(topP),
				Seed:        seed,
			})
			if err != nil {
				return err
			}

			for frag := range stream.Fragments() {
				fmt.Print(frag.Text)
			}
			fmt.Println()

			if err := stream.Err(); err != nil && ctx.Err() == nil {
				return err
			}
			stats := stream.Stats()
			fmt.Fprintf(os.Stderr, "\n%d tokens in %s (%.1f tok/s)\n",
				stats.TokensGenerated, stats.Duration.Round(10*time.Millisecond), stats.TPS())
			return nil
		},
	}
}
