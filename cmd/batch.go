package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/screening-cli/internal/model"
)

var batchFile string

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Screen a batch of payments from a JSON file",
	Long:  "Reads a JSON array of screening requests, submits them all, and waits for every run to finish. Runs parked in manual review count as pending.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		data, err := os.ReadFile(batchFile)
		if err != nil {
			return eris.Wrapf(err, "read batch file %s", batchFile)
		}
		var requests []model.ScreeningRequest
		if err := json.Unmarshal(data, &requests); err != nil {
			return eris.Wrapf(err, "parse batch file %s", batchFile)
		}
		if len(requests) == 0 {
			return eris.New("batch file contains no requests")
		}

		env, err := initScreening(ctx, "screen")
		if err != nil {
			return err
		}
		defer env.Close()

		outcomes := make([]model.RunState, len(requests))
		g, gctx := errgroup.WithContext(ctx)

		for i, req := range requests {
			// Subscribe before submitting so a fast run cannot finish unobserved.
			events, cancel := env.Bus.Subscribe()
			runID, err := env.Orchestrator.Submit(req)
			if err != nil {
				cancel()
				zap.L().Warn("submission rejected",
					zap.String("entity", req.EntityID),
					zap.Error(err),
				)
				continue
			}

			g.Go(func() error {
				defer cancel()
				for {
					select {
					case ev := <-events:
						if ev.RunID != runID || ev.Run == nil {
							continue
						}
						outcomes[i] = ev.Run.State
						return nil
					case <-gctx.Done():
						return gctx.Err()
					}
				}
			})
		}

		if err := g.Wait(); err != nil {
			return eris.Wrap(err, "batch interrupted")
		}

		counts := make(map[model.RunState]int)
		for _, state := range outcomes {
			if state != "" {
				counts[state]++
			}
		}
		zap.L().Info("batch complete",
			zap.Int("submitted", len(requests)),
			zap.Int("approved", counts[model.StateApproved]),
			zap.Int("rejected", counts[model.StateRejected]),
			zap.Int("failed", counts[model.StateFailed]),
			zap.Int("manual_review", counts[model.StateManualReview]),
		)
		return nil
	},
}

func init() {
	batchCmd.Flags().StringVar(&batchFile, "file", "", "JSON file with an array of screening requests")
	batchCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(batchCmd)
}
