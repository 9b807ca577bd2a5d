package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"settlement-arb-alerts/internal/storage"
)

// Export renders alerted opportunities as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.AddDate(0, 0, -30)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	records, err := store.ListOpportunitiesBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		a.Logger.Info().Msg("no opportunities found for export window")
		return nil
	}

	downsampled := downsampleRecords(records, opts.MaxPoints)
	a.Logger.Info().Int("total", len(records)).Int("exported", len(downsampled)).Msg("exporting opportunities")

	if opts.CSVPath != "" {
		if err := writeOpportunitiesCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeOpportunitiesPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleRecords(records []storage.OpportunityRecord, max int) []storage.OpportunityRecord {
	if max <= 0 || len(records) <= max {
		return records
	}

	result := make([]storage.OpportunityRecord, 0, max)
	step := float64(len(records)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(records) {
			idx = len(records) - 1
		}
		result = append(result, records[idx])
	}
	return result
}

func writeOpportunitiesCSV(path string, records []storage.OpportunityRecord) error {
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

	header := []string{
		"detected_at", "ticker", "class", "direction", "days",
		"buy_symbol", "sell_symbol", "buy_price", "sell_price", "size",
		"raw_spread_pct", "fees_pct", "financing_pct", "net_pct", "spread_tna",
		"notional", "net_amount",
	}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, rec := range records {
		record := []string{
			rec.DetectedAt.Format(time.RFC3339),
			rec.Ticker,
			rec.Class,
			rec.Direction,
			strconv.Itoa(rec.Days),
			rec.BuySymbol,
			rec.SellSymbol,
			rec.BuyPrice.String(),
			rec.SellPrice.String(),
			rec.Size.String(),
			rec.RawSpreadPct.String(),
			rec.FeesPct.String(),
			rec.FinancingPct.String(),
			rec.NetPct.String(),
			rec.SpreadTNA.String(),
			rec.Notional.String(),
			rec.NetAmount.String(),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeOpportunitiesPNG(path string, records []storage.OpportunityRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(records))
	raw := make([]float64, len(records))
	net := make([]float64, len(records))
	tna := make([]float64, len(records))

	for i, rec := range records {
		x[i] = rec.DetectedAt
		raw[i] = rec.RawSpreadPct.InexactFloat64()
		net[i] = rec.NetPct.InexactFloat64()
		tna[i] = rec.SpreadTNA.InexactFloat64()
	}

	pctFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.3f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Spread (%)",
			ValueFormatter: pctFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "TNA (%)",
			ValueFormatter: pctFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Raw spread %",
				XValues: x,
				YValues: raw,
			},
			chart.TimeSeries{
				Name:    "Net %",
				XValues: x,
				YValues: net,
			},
			chart.TimeSeries{
				Name:    "Spread TNA %",
				XValues: x,
				YValues: tna,
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

func decimalFromFloat(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}
