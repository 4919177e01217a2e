package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"rate-cache/internal/rates"
	"rate-cache/internal/service"
)

// Export renders saved rates as CSV and/or PNG. The range is resolved the
// same way as a query, so wide ranges come out at a widened interval.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	defer closeStore()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-a.Config.Fetch.History)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	svcOpts := service.OptionsFromConfig(a.Config)
	svcOpts.MaxQueryPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)
	svc := service.New(svcOpts, nil, nil, store, a.Logger)
	if err := svc.Restore(ctx); err != nil {
		return err
	}

	result, err := svc.GetRates(rates.TimeRange{Start: rates.FromTime(from), End: rates.FromTime(to)})
	if err != nil {
		return err
	}
	if len(result.Rates) == 0 {
		a.Logger.Info().Msg("no cached rates found for export window")
		return nil
	}

	a.Logger.Info().Uint64("interval", result.Interval).Int("exported", len(result.Rates)).Msg("exporting rates")

	if opts.CSVPath != "" {
		if err := writeRatesCSV(opts.CSVPath, result); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeRatesPNG(opts.PNGPath, result); err != nil {
			return err
		}
	}

	return nil
}

func writeRatesCSV(path string, result rates.RatesWithInterval) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"bucket_ts", "time_utc", "interval", "open", "high", "low", "close", "volume"}
	if err := writer.Write(header); err != nil {
		return err
	}

	interval := strconv.FormatUint(result.Interval, 10)
	for _, p := range result.Rates {
		record := []string{
			strconv.FormatUint(uint64(p.Timestamp), 10),
			p.Timestamp.Time().Format(time.RFC3339),
			interval,
			p.Rate.Open.String(),
			p.Rate.High.String(),
			p.Rate.Low.String(),
			p.Rate.Close.String(),
			p.Rate.Volume.String(),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeRatesPNG(path string, result rates.RatesWithInterval) error {
	if err := ensureDir(path); err != nil {
		return err
	}
	if len(result.Rates) < 2 {
		return fmt.Errorf("need at least two points to draw a chart, have %d", len(result.Rates))
	}

	x := make([]time.Time, len(result.Rates))
	closes := make([]float64, len(result.Rates))
	volumes := make([]float64, len(result.Rates))
	for i, p := range result.Rates {
		x[i] = p.Timestamp.Time()
		closes[i] = p.Rate.Value().InexactFloat64()
		volumes[i] = p.Rate.Volume.InexactFloat64()
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: "Rate",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.4f")
			},
		},
		YAxisSecondary: chart.YAxis{
			Name: "Volume",
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    fmt.Sprintf("Close (%ds)", result.Interval),
				XValues: x,
				YValues: closes,
			},
			chart.TimeSeries{
				Name:    "Volume",
				XValues: x,
				YValues: volumes,
				YAxis:   chart.YAxisSecondary,
			},
		},
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
