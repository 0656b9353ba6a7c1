package cli

import (
	"github.com/spf13/cobra"

	"enerx-readmodel/internal/app"
)

var (
	backfillDryRun  bool
	backfillMigrate bool
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Scan the chain once and persist listings and profiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.BackfillOptions{
			DryRun:  backfillDryRun,
			Migrate: backfillMigrate,
		}
		return getApp().Backfill(cmd.Context(), opts)
	},
}

func init() {
	backfillCmd.Flags().BoolVar(&backfillDryRun, "dry-run", false, "Run without writing to storage")
	backfillCmd.Flags().BoolVar(&backfillMigrate, "migrate", false, "Apply pending migrations first")
}
