package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"price-alerts/internal/app"
)

var (
	showLimit    int
	showCoin     string
	showCurrency string
	showAlertID  int64
	showSince    time.Duration
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recently triggered alerts",
	Example: `  alertwatcher show --limit 50
  alertwatcher show --coin bitcoin --currency usd --since 72h`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit: showLimit,
			Since: showSince,
			Filter: app.TriggerFilter{
				AlertID:  showAlertID,
				CoinID:   showCoin,
				Currency: showCurrency,
			},
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of triggers to display")
	showCmd.Flags().StringVar(&showCoin, "coin", "", "Only show triggers of this coin id")
	showCmd.Flags().StringVar(&showCurrency, "currency", "", "Only show triggers quoted in this currency")
	showCmd.Flags().Int64Var(&showAlertID, "alert-id", 0, "Only show triggers of this alert")
	showCmd.Flags().DurationVar(&showSince, "since", 0, "Lookback for filtered queries (default 30 days)")
}
