package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var priceCurrency string

var priceCmd = &cobra.Command{
	Use:   "price <coin-id>",
	Short: "Print the current price of a coin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		quote, err := getApp().Price(cmd.Context(), args[0], priceCurrency)
		if err != nil {
			return err
		}
		stale := ""
		if quote.Stale {
			stale = " (stale)"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s%s\n", quote.CoinID, quote.Price.String(), quote.Currency, stale)
		return nil
	},
}

func init() {
	priceCmd.Flags().StringVar(&priceCurrency, "currency", "usd", "Quote currency")
}
