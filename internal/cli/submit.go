package cli

import (
	"github.com/spf13/cobra"

	"enerx-readmodel/internal/app"
)

var (
	submitJSON    bool
	submitMethods bool
)

var submitCmd = &cobra.Command{
	Use:   "submit <method> [args...]",
	Short: "Submit a contract write and refresh the affected views",
	Long: "Submit a contract write and refresh the affected views.\n" +
		"Amounts are decimal token units; list arguments are comma separated.\n" +
		"Run with --methods to list the supported methods.",
	Args: func(cmd *cobra.Command, args []string) error {
		if submitMethods {
			return nil
		}
		return cobra.MinimumNArgs(1)(cmd, args)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if submitMethods {
			return getApp().PrintMethods()
		}
		return getApp().Submit(cmd.Context(), app.SubmitOptions{
			Method: args[0],
			Args:   args[1:],
			JSON:   submitJSON,
		})
	},
}

func init() {
	submitCmd.Flags().BoolVar(&submitJSON, "json", false, "Print the mutation as JSON")
	submitCmd.Flags().BoolVar(&submitMethods, "methods", false, "List supported methods and exit")
}
