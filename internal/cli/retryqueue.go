package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var retryQueueCmd = &cobra.Command{
	Use:   "retry-queue",
	Short: "Redeliver due notifications from the retry queue once",
	RunE: func(cmd *cobra.Command, args []string) error {
		report, remaining, err := getApp().RetryQueue(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "attempted=%d delivered=%d rescheduled=%d dropped=%d remaining=%d\n",
			report.Attempted, report.Delivered, report.Rescheduled, report.Dropped, remaining)
		return nil
	},
}
