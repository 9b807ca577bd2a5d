package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"
)

// Show prints recently alerted opportunities.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show opportunities")
	}
	if closeStore != nil {
		defer closeStore()
	}

	records, err := store.ListRecentOpportunities(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(os.Stdout, "no opportunities found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Detected (UTC)\tTicker\tClass\tDirection\tRaw%\tNet%\tTNA%\tNet $")

	for _, rec := range records {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.DetectedAt.UTC().Format(time.RFC3339),
			rec.Ticker,
			rec.Class,
			rec.Direction,
			rec.RawSpreadPct.StringFixed(4),
			rec.NetPct.StringFixed(4),
			rec.SpreadTNA.StringFixed(2),
			rec.NetAmount.StringFixed(2),
		)
	}

	writer.Flush()
	return nil
}
