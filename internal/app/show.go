package app

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"price-alerts/internal/storage"
)

// Show prints the most recent alert firings.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	if err := a.requireDatabase("show"); err != nil {
		return err
	}
	repo, err := a.openRepo(ctx)
	if err != nil {
		return err
	}
	defer repo.Close()

	logs, err := a.recentTriggers(ctx, repo, opts)
	if err != nil {
		return err
	}
	if len(logs) == 0 {
		fmt.Fprintln(a.Out, "no triggered alerts found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tAlert\tCoin\tDirection\tTarget\tPrice\tCurrency\tEmail\tBrowser")

	for _, log := range logs {
		fmt.Fprintf(
			writer,
			"%s\t%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			log.Timestamp.UTC().Format(time.RFC3339),
			log.AlertID,
			sanitizeInline(log.CoinID),
			log.Direction,
			formatDecimal(log.TargetPrice, 2),
			formatDecimal(log.CurrentPrice, 2),
			strings.ToUpper(log.Currency),
			yesNo(log.EmailSent),
			yesNo(log.BrowserNotificationSent),
		)
	}

	return writer.Flush()
}

// recentTriggers returns up to opts.Limit firings, newest first. Filtered
// queries scan the Since window instead of the latest rows.
func (a *App) recentTriggers(ctx context.Context, repo storage.TriggerLogStore, opts ShowOptions) ([]storage.AlertTriggerLog, error) {
	if opts.Filter.empty() {
		return repo.ListRecentTriggerLogs(ctx, opts.Limit)
	}
	since := opts.Since
	if since <= 0 {
		since = defaultExportWindow
	}
	now := time.Now().UTC()
	logs, err := repo.ListTriggerLogsBetween(ctx, now.Add(-since), now.Add(time.Second))
	if err != nil {
		return nil, err
	}
	logs = opts.Filter.apply(logs)
	slices.Reverse(logs)
	if opts.Limit > 0 && len(logs) > opts.Limit {
		logs = logs[:opts.Limit]
	}
	return logs, nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
