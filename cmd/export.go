package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/screening-cli/internal/model"
	"github.com/sells-group/screening-cli/internal/report"
	"github.com/sells-group/screening-cli/internal/store"
)

var (
	exportOut    string
	exportState  string
	exportEntity string
	exportLimit  int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export run history to an XLSX workbook",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		if st == nil {
			return eris.New("export requires a store; set store.driver to sqlite or postgres")
		}
		defer st.Close()

		runs, err := st.ListRuns(ctx, store.RunFilter{
			State:    model.RunState(exportState),
			EntityID: exportEntity,
			Limit:    exportLimit,
		})
		if err != nil {
			return err
		}

		if err := report.WriteXLSX(exportOut, runs); err != nil {
			return err
		}
		zap.L().Info("run history exported",
			zap.String("path", exportOut),
			zap.Int("runs", len(runs)),
		)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportOut, "out", "runs.xlsx", "output file path")
	exportCmd.Flags().StringVar(&exportState, "state", "", "filter by run state")
	exportCmd.Flags().StringVar(&exportEntity, "entity", "", "filter by entity ID")
	exportCmd.Flags().IntVar(&exportLimit, "limit", 0, "maximum runs to export (0 = all)")
	rootCmd.AddCommand(exportCmd)
}
