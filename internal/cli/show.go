package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"enerx-readmodel/internal/app"
)

var (
	listingsOpts  app.ListingsOptions
	profileOpts   app.ProfileOptions
	mutationLimit int
)

var listingsCmd = &cobra.Command{
	Use:   "listings",
	Short: "Show active energy listings",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Listings(cmd.Context(), listingsOpts)
	},
}

var profileCmd = &cobra.Command{
	Use:   "profile [address]",
	Short: "Show a user profile (defaults to the current account)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := profileOpts
		if len(args) == 1 {
			opts.Address = args[0]
		}
		return getApp().Profile(cmd.Context(), opts)
	},
}

var platformCmd = &cobra.Command{
	Use:   "platform",
	Short: "Show platform fee, collector, pause flag and token supply",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Platform(cmd.Context())
	},
}

var mutationsCmd = &cobra.Command{
	Use:   "mutations",
	Short: "Display recently submitted contract writes",
	RunE: func(cmd *cobra.Command, args []string) error {
		if mutationLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		return getApp().Mutations(cmd.Context(), app.MutationsOptions{Limit: mutationLimit})
	},
}

func init() {
	listingsCmd.Flags().StringVar(&listingsOpts.Source, "source", app.SourceChain, "Where to read listings from: chain, cache or db")
	listingsCmd.Flags().StringVar(&listingsOpts.Seller, "seller", "", "Show every listing of this seller instead of the active set")
	listingsCmd.Flags().StringVar(&listingsOpts.MinPrice, "min-price", "", "Minimum price per unit")
	listingsCmd.Flags().StringVar(&listingsOpts.MaxPrice, "max-price", "", "Maximum price per unit")
	listingsCmd.Flags().StringVar(&listingsOpts.MinPurchase, "min-purchase", "", "Minimum of the listing's minimum purchase")
	listingsCmd.Flags().BoolVar(&listingsOpts.JSON, "json", false, "Print JSON instead of a table")

	profileCmd.Flags().StringVar(&profileOpts.Source, "source", app.SourceChain, "Where to read the profile from: chain, cache or db")
	profileCmd.Flags().BoolVar(&profileOpts.JSON, "json", false, "Print JSON instead of a table")

	mutationsCmd.Flags().IntVar(&mutationLimit, "limit", 20, "Number of mutations to display")
}
