package cli

import (
	"github.com/spf13/cobra"

	"price-alerts/internal/app"
)

var statusOpts app.StatusOptions

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show email delivery status by tracking id, recipient, or in aggregate",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Status(cmd.Context(), statusOpts)
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusOpts.TrackingID, "tracking-id", "", "Delivery tracking id")
	statusCmd.Flags().StringVar(&statusOpts.Email, "email", "", "Recipient address")
	statusCmd.Flags().IntVar(&statusOpts.Days, "days", 7, "Statistics window in days")
}
