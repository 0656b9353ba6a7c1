package cli

import (
	"github.com/spf13/cobra"

	"enerx-readmodel/internal/app"
)

var migrateSteps int

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down|version]",
	Short:     "Manage the database schema",
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{app.MigrateUp, app.MigrateDown, app.MigrateVersion},
	RunE: func(cmd *cobra.Command, args []string) error {
		direction := app.MigrateUp
		if len(args) == 1 {
			direction = args[0]
		}
		return getApp().Migrate(app.MigrateOptions{Direction: direction, Steps: migrateSteps})
	},
}

func init() {
	migrateCmd.Flags().IntVar(&migrateSteps, "steps", 1, "Number of migrations to roll back with down")
}
