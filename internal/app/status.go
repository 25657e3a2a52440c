package app

import (
	"context"
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"price-alerts/internal/notify"
	"price-alerts/internal/storage"
)

// Status prints delivery records by tracking id or recipient, or aggregate
// delivery statistics.
func (a *App) Status(ctx context.Context, opts StatusOptions) error {
	if err := a.requireDatabase("status"); err != nil {
		return err
	}
	repo, err := a.openRepo(ctx)
	if err != nil {
		return err
	}
	defer repo.Close()

	tracker := a.newTracker(repo)
	switch {
	case opts.TrackingID != "":
		rec, err := tracker.Status(ctx, opts.TrackingID)
		if err != nil {
			return fmt.Errorf("tracking id %s: %w", opts.TrackingID, err)
		}
		return a.printDeliveries([]storage.EmailDeliveryRecord{rec})
	case opts.Email != "":
		records, err := tracker.Recipient(ctx, opts.Email, 50)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Fprintln(a.Out, "no deliveries found")
			return nil
		}
		return a.printDeliveries(records)
	default:
		days := opts.Days
		if days <= 0 {
			days = 7
		}
		stats, err := tracker.Stats(ctx, time.Duration(days)*24*time.Hour)
		if err != nil {
			return err
		}
		return a.printStats(days, stats)
	}
}

func (a *App) printDeliveries(records []storage.EmailDeliveryRecord) error {
	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Tracking ID\tProvider\tRecipient\tStatus\tSent (UTC)\tLast event")
	for _, rec := range records {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.TrackingID,
			rec.Provider,
			rec.Recipient,
			rec.Status,
			rec.SentAt.UTC().Format(time.RFC3339),
			rec.LastEvent,
		)
	}
	return writer.Flush()
}

func (a *App) printStats(days int, stats storage.DeliveryStats) error {
	fmt.Fprintf(a.Out, "deliveries in the last %d days: %d\n", days, stats.Total)
	fmt.Fprintf(a.Out, "delivery rate: %.1f%%  bounce rate: %.1f%%  complaint rate: %.1f%%\n",
		100*stats.Rate(storage.StatusDelivered, storage.StatusOpened, storage.StatusClicked),
		100*stats.Rate(storage.StatusBounced),
		100*stats.Rate(storage.StatusComplained),
	)

	statuses := make([]string, 0, len(stats.ByStatus))
	for status := range stats.ByStatus {
		statuses = append(statuses, string(status))
	}
	sort.Strings(statuses)

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Status\tCount")
	for _, status := range statuses {
		fmt.Fprintf(writer, "%s\t%d\n", status, stats.ByStatus[storage.DeliveryStatus(status)])
	}
	return writer.Flush()
}

// RetryQueue runs one pass over due retry-queue items and reports what is left.
func (a *App) RetryQueue(ctx context.Context) (notify.RetryReport, int64, error) {
	if err := a.requireDatabase("retry-queue"); err != nil {
		return notify.RetryReport{}, 0, err
	}
	c, err := a.build(ctx)
	if err != nil {
		return notify.RetryReport{}, 0, err
	}
	defer c.Close()

	report, err := c.dispatcher.ProcessRetryQueue(ctx)
	if err != nil {
		return report, 0, err
	}
	remaining, err := c.repo.CountRetries(ctx)
	if err != nil {
		return report, 0, fmt.Errorf("count retries: %w", err)
	}
	return report, remaining, nil
}
