package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/screening-cli/internal/model"
	"github.com/sells-group/screening-cli/internal/monitoring"
	"github.com/sells-group/screening-cli/internal/store"
)

var (
	runsState  string
	runsEntity string
	runsLimit  int
	runsStats  bool
	runsWindow time.Duration
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List persisted screening runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		if st == nil {
			return eris.New("runs requires a store; set store.driver to sqlite or postgres")
		}
		defer st.Close()

		if runsStats {
			stats, err := monitoring.ComputeStats(ctx, st, runsWindow)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "window\t%s\n", stats.Window)
			fmt.Fprintf(w, "total\t%d\n", stats.Total)
			for _, state := range []model.RunState{
				model.StateApproved, model.StateRejected,
				model.StateFailed, model.StateManualReview,
			} {
				fmt.Fprintf(w, "%s\t%d\n", state, stats.ByState[state])
			}
			fmt.Fprintf(w, "fail rate\t%.1f%%\n", stats.FailRate*100)
			fmt.Fprintf(w, "avg duration\t%s\n", stats.AvgDuration.Round(time.Millisecond))
			return w.Flush()
		}

		runs, err := st.ListRuns(ctx, store.RunFilter{
			State:    model.RunState(runsState),
			EntityID: runsEntity,
			Limit:    runsLimit,
		})
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "RUN ID\tENTITY\tSTATE\tRISK\tAMOUNT\tCREATED")
		for _, run := range runs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.2f %s\t%s\n",
				run.ID, run.Request.EntityID, run.State, run.FinalRisk,
				run.Request.Amount, run.Request.Currency,
				run.CreatedAt.Format("2006-01-02 15:04:05"),
			)
		}
		return w.Flush()
	},
}

func init() {
	runsCmd.Flags().StringVar(&runsState, "state", "", "filter by run state")
	runsCmd.Flags().StringVar(&runsEntity, "entity", "", "filter by entity ID")
	runsCmd.Flags().IntVar(&runsLimit, "limit", 50, "maximum runs to list")
	runsCmd.Flags().BoolVar(&runsStats, "stats", false, "print an aggregate snapshot instead of listing runs")
	runsCmd.Flags().DurationVar(&runsWindow, "window", 24*time.Hour, "lookback window for --stats")
	rootCmd.AddCommand(runsCmd)
}
