package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/screening-cli/internal/model"
)

var (
	screenFile    string
	screenRequest model.ScreeningRequest
)

var screenCmd = &cobra.Command{
	Use:   "screen",
	Short: "Screen a single payment and wait for the outcome",
	Long:  "Submits one payment, waits for the pipeline to finish, and prints the run as JSON. A run parked in manual review is printed in that state; resolve it via the API.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		req := screenRequest
		if screenFile != "" {
			data, err := os.ReadFile(screenFile)
			if err != nil {
				return eris.Wrapf(err, "read request file %s", screenFile)
			}
			if err := json.Unmarshal(data, &req); err != nil {
				return eris.Wrapf(err, "parse request file %s", screenFile)
			}
		}

		env, err := initScreening(ctx, "screen")
		if err != nil {
			return err
		}
		defer env.Close()

		// Subscribe before submitting so no event is missed.
		events, cancel := env.Bus.Subscribe()
		defer cancel()

		runID, err := env.Orchestrator.Submit(req)
		if err != nil {
			return err
		}
		zap.L().Info("payment submitted", zap.String("run_id", runID))

		for {
			select {
			case ev := <-events:
				if ev.RunID != runID || ev.Run == nil {
					continue
				}
				// Either the terminal snapshot or the manual-review handoff.
				out, err := json.MarshalIndent(ev.Run, "", "  ")
				if err != nil {
					return eris.Wrap(err, "encode run")
				}
				cmd.Println(string(out))
				if ev.Run.State == model.StateManualReview {
					zap.L().Info("run awaits manual review", zap.String("run_id", runID))
				}
				return nil
			case <-ctx.Done():
				return eris.New("interrupted before the run finished")
			}
		}
	},
}

func init() {
	screenCmd.Flags().StringVar(&screenFile, "file", "", "JSON file with the screening request (overrides flags)")
	screenCmd.Flags().StringVar(&screenRequest.EntityID, "entity", "", "entity (account) identifier")
	screenCmd.Flags().Float64Var(&screenRequest.Amount, "amount", 0, "payment amount")
	screenCmd.Flags().StringVar(&screenRequest.Currency, "currency", "USD", "ISO 4217 currency code")
	screenCmd.Flags().StringVar(&screenRequest.SenderName, "sender", "", "sender name")
	screenCmd.Flags().StringVar(&screenRequest.CounterpartyName, "counterparty", "", "counterparty name")
	screenCmd.Flags().StringVar(&screenRequest.CounterpartyCountry, "counterparty-country", "", "counterparty country code")
	screenCmd.Flags().StringVar(&screenRequest.HomeCountry, "home-country", "", "sender home country code")
	screenCmd.Flags().StringVar(&screenRequest.Purpose, "purpose", "", "free-text payment purpose")
	rootCmd.AddCommand(screenCmd)
}
