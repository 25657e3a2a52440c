package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"price-alerts/internal/storage"
)

const defaultExportWindow = 30 * 24 * time.Hour

// Export renders trigger history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if err := a.requireDatabase("export"); err != nil {
		return err
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-defaultExportWindow)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	repo, err := a.openRepo(ctx)
	if err != nil {
		return err
	}
	defer repo.Close()

	logs, err := repo.ListTriggerLogsBetween(ctx, from, to)
	if err != nil {
		return err
	}
	logs = opts.Filter.apply(logs)
	if len(logs) == 0 {
		a.Logger.Info().Msg("no triggered alerts found for export window")
		return nil
	}

	downsampled := downsampleLogs(logs, opts.MaxPoints)
	a.Logger.Info().Int("total", len(logs)).Int("exported", len(downsampled)).Msg("exporting trigger logs")

	if opts.CSVPath != "" {
		if err := writeTriggerCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeTriggerPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleLogs(logs []storage.AlertTriggerLog, max int) []storage.AlertTriggerLog {
	if max <= 0 || len(logs) <= max {
		return logs
	}
	if max == 1 {
		return logs[len(logs)-1:]
	}

	result := make([]storage.AlertTriggerLog, 0, max)
	step := float64(len(logs)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(logs) {
			idx = len(logs) - 1
		}
		result = append(result, logs[idx])
	}
	return result
}

func writeTriggerCSV(path string, logs []storage.AlertTriggerLog) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	header := []string{"triggered_at", "alert_id", "coin_id", "currency", "direction", "target_price", "current_price", "email_sent", "browser_sent"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, log := range logs {
		record := []string{
			log.Timestamp.UTC().Format(time.RFC3339),
			strconv.FormatInt(log.AlertID, 10),
			log.CoinID,
			log.Currency,
			string(log.Direction),
			log.TargetPrice.String(),
			log.CurrentPrice.String(),
			strconv.FormatBool(log.EmailSent),
			strconv.FormatBool(log.BrowserNotificationSent),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// writeTriggerPNG charts the trigger price of every coin/currency pair with at
// least two firings in the window.
func writeTriggerPNG(path string, logs []storage.AlertTriggerLog) error {
	type points struct {
		x []time.Time
		y []float64
	}
	series := make(map[string]*points)
	for _, log := range logs {
		name := log.CoinID + "/" + strings.ToUpper(log.Currency)
		p, ok := series[name]
		if !ok {
			p = &points{}
			series[name] = p
		}
		p.x = append(p.x, log.Timestamp)
		p.y = append(p.y, log.CurrentPrice.InexactFloat64())
	}

	names := make([]string, 0, len(series))
	for name, p := range series {
		if len(p.x) >= 2 {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return errors.New("not enough trigger points to chart; need two firings of one pair")
	}
	sort.Strings(names)

	if err := ensureDir(path); err != nil {
		return err
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: "Trigger price",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.2f")
			},
		},
	}
	for _, name := range names {
		graph.Series = append(graph.Series, chart.TimeSeries{
			Name:    name,
			XValues: series[name].x,
			YValues: series[name].y,
		})
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
