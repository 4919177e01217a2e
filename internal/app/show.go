package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"rate-cache/internal/rates"
)

// Show prints the most recently saved rates.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show rates")
	}
	defer closeStore()

	total, err := store.CountRates(ctx)
	if err != nil {
		return err
	}

	points, err := store.ListRecentRates(ctx, opts.Limit)
	if err != nil {
		return err
	}

	return printRates(os.Stdout, points, total)
}

func printRates(out io.Writer, points []rates.RatePoint, total int64) error {
	if len(points) == 0 {
		_, err := fmt.Fprintln(out, "no rates found")
		return err
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tBucket\tOpen\tHigh\tLow\tClose\tVolume")
	for _, p := range points {
		fmt.Fprintf(
			writer,
			"%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			p.Timestamp.Time().Format(time.RFC3339),
			p.Timestamp,
			formatDecimal(p.Rate.Open, 4),
			formatDecimal(p.Rate.High, 4),
			formatDecimal(p.Rate.Low, 4),
			formatDecimal(p.Rate.Close, 4),
			formatDecimal(p.Rate.Volume, 2),
		)
	}
	if err := writer.Flush(); err != nil {
		return err
	}

	_, err := fmt.Fprintf(out, "%d of %d saved rates\n", len(points), total)
	return err
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
