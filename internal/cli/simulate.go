package cli

import (
	"encoding/json"
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"price-alerts/internal/app"
	"price-alerts/internal/storage"
)

var (
	simulateCoin      string
	simulateCurrency  string
	simulateDirection string
	simulateTarget    float64
	simulatePrice     float64
	simulateEmail     string
	simulatePhone     string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一次价格穿越并走完整个通知分发流程",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateTarget <= 0 || simulatePrice <= 0 {
			return errors.New("--target 与 --price 必须大于 0")
		}

		outcome, err := getApp().SimulateAlert(cmd.Context(), app.SimulateOptions{
			CoinID:    simulateCoin,
			Currency:  simulateCurrency,
			Direction: storage.Direction(simulateDirection),
			Target:    decimal.NewFromFloat(simulateTarget),
			Price:     decimal.NewFromFloat(simulatePrice),
			Email:     simulateEmail,
			Phone:     simulatePhone,
			UserID:    "simulate",
		})
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(outcome)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateCoin, "coin", "bitcoin", "币种 id")
	simulateCmd.Flags().StringVar(&simulateCurrency, "currency", "usd", "计价货币")
	simulateCmd.Flags().StringVar(&simulateDirection, "direction", "above", "above 或 below")
	simulateCmd.Flags().Float64Var(&simulateTarget, "target", 0, "目标价格")
	simulateCmd.Flags().Float64Var(&simulatePrice, "price", 0, "模拟当前价格")
	simulateCmd.Flags().StringVar(&simulateEmail, "email", "", "收件邮箱")
	simulateCmd.Flags().StringVar(&simulatePhone, "phone", "", "短信兜底手机号")
}
