package cli

import (
	"github.com/spf13/cobra"

	"enerx-readmodel/internal/app"
)

var (
	historyOpts   app.HistoryOptions
	analyticsOpts app.AnalyticsOptions
)

var historyCmd = &cobra.Command{
	Use:   "history [address]",
	Short: "Show or export the transaction history (defaults to the current account)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := historyOpts
		if len(args) == 1 {
			opts.Address = args[0]
		}
		return getApp().History(cmd.Context(), opts)
	},
}

var analyticsCmd = &cobra.Command{
	Use:   "analytics",
	Short: "Show market analytics and export them as CSV and/or PNG charts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Analytics(cmd.Context(), analyticsOpts)
	},
}

func init() {
	historyCmd.Flags().StringVar(&historyOpts.Type, "type", "all", "Transaction type: all, purchase or sale")
	historyCmd.Flags().StringVar(&historyOpts.Source, "source", "all", "Energy source, or all")
	historyCmd.Flags().StringVar(&historyOpts.From, "from", "", "Start date (YYYY-MM-DD or RFC3339, inclusive)")
	historyCmd.Flags().StringVar(&historyOpts.To, "to", "", "End date (YYYY-MM-DD or RFC3339, inclusive)")
	historyCmd.Flags().StringVar(&historyOpts.CSVPath, "csv", "", "Path to write CSV data")
	historyCmd.Flags().BoolVar(&historyOpts.JSON, "json", false, "Print JSON instead of a table")

	analyticsCmd.Flags().StringVar(&analyticsOpts.CSVPath, "csv", "", "Path to write CSV data")
	analyticsCmd.Flags().StringVar(&analyticsOpts.PNGDir, "png", "", "Directory to write both charts into")
	analyticsCmd.Flags().StringVar(&analyticsOpts.VolumePNGPath, "volume-png", "", "Path to write the volume-by-date chart")
	analyticsCmd.Flags().StringVar(&analyticsOpts.ProductionPNGPath, "production-png", "", "Path to write the production-by-hour chart")
	analyticsCmd.Flags().BoolVar(&analyticsOpts.JSON, "json", false, "Print JSON instead of a table")
}
