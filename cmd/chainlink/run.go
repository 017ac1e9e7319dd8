package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/seantiz/chainlink/internal/backend/docker"
	"github.com/seantiz/chainlink/internal/chain"
	"github.com/seantiz/chainlink/internal/config"
)

// errPipelineFailed marks a run that completed without every stage succeeding.
var errPipelineFailed = errors.New("pipeline did not succeed")

// runReport is printed to stdout after a run.
type runReport struct {
	Success bool                `json:"success"`
	Stages  []chain.StageResult `json:"stages"`
	Error   string              `json:"error,omitempty"`
}

func newRunCmd() *cobra.Command {
	var envs []string
	var files []string
	var workDir string
	var pullConcurrency int

	cmd := &cobra.Command{
		Use:   "run PIPELINE",
		Short: "Run a pipeline on the local Docker engine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			logger := config.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)

			p, err := chain.LoadPipeline(args[0])
			if err != nil {
				return err
			}
			env, err := parseAssignments(envs)
			if err != nil {
				return fmt.Errorf("--env: %w", err)
			}
			seed, err := loadSeed(files)
			if err != nil {
				return fmt.Errorf("--file: %w", err)
			}
			if workDir == "" {
				workDir = cfg.WorkDir
			}
			if !cmd.Flags().Changed("pull-concurrency") {
				pullConcurrency = cfg.PullConcurrency
			}

			dockerCfg := docker.LoadConfig()
			b, err := docker.NewBackend(dockerCfg, logger)
			if err != nil {
				return err
			}
			defer b.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c := chain.New(b, chain.Options{
				WorkDir:         workDir,
				PullConcurrency: pullConcurrency,
				StopTimeout:     dockerCfg.StopTimeout,
				Logger:          logger,
			})
			hooks := &chain.Hooks{
				OnStageStart: func(i int, s chain.StageConfig) {
					logger.Info("stage starting", "index", i, "stage", s.Name, "image", s.Image)
				},
			}
			results, runErr := c.Run(ctx, chain.Request{Pipeline: p, Env: env, Seed: seed, Hooks: hooks})

			report := runReport{Success: runErr == nil && chain.Succeeded(results, len(p.Stages)), Stages: results}
			if report.Stages == nil {
				report.Stages = []chain.StageResult{}
			}
			if runErr != nil {
				report.Error = runErr.Error()
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return fmt.Errorf("encode report: %w", err)
			}

			if runErr != nil {
				return runErr
			}
			if !report.Success {
				return errPipelineFailed
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&envs, "env", "e", nil, "Initial environment variable K=V (repeatable)")
	cmd.Flags().StringArrayVarP(&files, "file", "f", nil, "Seed the workspace with path=localfile (repeatable)")
	cmd.Flags().StringVar(&workDir, "workdir", "", "Parent directory for the workspace (default: $CHAINLINK_WORKDIR or the OS temp dir)")
	cmd.Flags().IntVar(&pullConcurrency, "pull-concurrency", 0, "Maximum concurrent image pulls (0 = one per image)")

	return cmd
}

// parseAssignments turns K=V pairs into a map; later keys win.
func parseAssignments(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected KEY=VALUE, got %q", kv)
		}
		out[k] = v
	}
	return out, nil
}

// loadSeed reads path=localfile pairs into workspace seed files.
func loadSeed(pairs []string) (chain.Seed, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	files, err := parseAssignments(pairs)
	if err != nil {
		return nil, err
	}
	seed := make(chain.Seed, len(files))
	for rel, local := range files {
		data, err := os.ReadFile(local)
		if err != nil {
			return nil, err
		}
		seed[rel] = data
	}
	return seed, nil
}

// exitCode maps a command error onto the process exit status.
func exitCode(err error) int {
	switch {
	case errors.Is(err, chain.ErrInvalidStageConfig):
		return 2
	case errors.Is(err, context.Canceled):
		return 130
	default:
		return 1
	}
}
