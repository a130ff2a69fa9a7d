package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"mediaq/internal/engine"
	"mediaq/internal/models"
	"mediaq/internal/pkg/errors"
)

var runCmd = &cobra.Command{
	Use:   "run [job.json|-]",
	Short: "Execute one job in-process and print its final state",
	Long: `run submits a single job to an in-process engine using the configured
storage and tools, waits for it to finish and prints the job as JSON.
The exit status is non-zero when the job fails.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		src := "-"
		if len(args) == 1 {
			src = args[0]
		}
		raw, err := readJob(cmd.InOrStdin(), src)
		if err != nil {
			return err
		}

		log := newLogger(cfg.Log)
		ctx := cmd.Context()
		eng, err := buildEngine(ctx, cfg, log)
		if err != nil {
			return err
		}
		eng.Start(ctx)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			_ = eng.Shutdown(sctx)
		}()

		job, err := runOne(ctx, eng, raw)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(job); err != nil {
			return err
		}
		if job.State == models.StateFailed {
			return errors.Newf(errors.Code(job.Error.Kind), "job %s failed: %s", job.ID, job.Error.Message)
		}
		return nil
	},
}

func readJob(stdin io.Reader, src string) ([]byte, error) {
	if src == "-" {
		return io.ReadAll(stdin)
	}
	b, err := os.ReadFile(src)
	if err != nil {
		return nil, errors.Wrap(err, "run.read", "read job file")
	}
	return b, nil
}

// runOne submits raw and polls until the job is terminal.
func runOne(ctx context.Context, eng *engine.Engine, raw []byte) (models.Job, error) {
	job, err := eng.Submit(ctx, raw)
	if err != nil {
		return models.Job{}, err
	}

	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			if _, err := eng.Cancel(job.ID); err != nil {
				return models.Job{}, err
			}
			return models.Job{}, ctx.Err()
		case <-tick.C:
		}
		job, err = eng.Status(job.ID)
		if err != nil {
			return models.Job{}, err
		}
		if job.State.Terminal() {
			return job, nil
		}
	}
}
