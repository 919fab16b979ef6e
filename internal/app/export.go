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
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"fxwatch/internal/money"
	"fxwatch/internal/storage"
)

// defaultExportWindow is used when --from is not given.
const defaultExportWindow = 30 * 24 * time.Hour

// rewardPoint is one credited reward with the running total of its currency.
type rewardPoint struct {
	storage.ReferralReward
	Cumulative decimal.Decimal
}

// Export renders credited rewards as CSV and/or a cumulative PNG chart.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	st, err := a.openStore(ctx, false)
	if err != nil {
		return err
	}
	defer st.close()

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

	rewards, err := st.ListCreditedBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(rewards) == 0 {
		a.Logger.Info().Msg("no credited rewards found for export window")
		return nil
	}

	points := cumulate(rewards)
	downsampled := downsamplePoints(points, opts.MaxPoints)
	a.Logger.Info().Int("total", len(points)).Int("exported", len(downsampled)).Msg("exporting rewards")

	if opts.CSVPath != "" {
		if err := writeRewardsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeRewardsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

// cumulate orders rewards by credit time and keeps a running total per currency.
func cumulate(rewards []storage.ReferralReward) []rewardPoint {
	sorted := append([]storage.ReferralReward(nil), rewards...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].UpdatedAt.Before(sorted[j].UpdatedAt) })

	totals := make(map[money.Currency]decimal.Decimal)
	points := make([]rewardPoint, 0, len(sorted))
	for _, r := range sorted {
		totals[r.Currency] = totals[r.Currency].Add(r.Amount)
		points = append(points, rewardPoint{ReferralReward: r, Cumulative: totals[r.Currency]})
	}
	return points
}

// downsamplePoints keeps evenly spaced points. The cumulative column stays exact
// because totals were taken before sampling.
func downsamplePoints(points []rewardPoint, max int) []rewardPoint {
	if max <= 0 || len(points) <= max {
		return points
	}
	if max == 1 {
		return points[len(points)-1:]
	}

	result := make([]rewardPoint, 0, max)
	step := float64(len(points)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(points) {
			idx = len(points) - 1
		}
		result = append(result, points[idx])
	}
	return result
}

func writeRewardsCSV(path string, points []rewardPoint) error {
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

	header := []string{"credited_at", "reward_id", "referrer_id", "referee_id", "transaction_id", "amount", "currency", "cumulative", "attempts"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, p := range points {
		record := []string{
			p.UpdatedAt.UTC().Format(time.RFC3339),
			p.ID,
			p.ReferrerID,
			p.RefereeID,
			p.TransactionID,
			p.Amount.StringFixedBank(p.Currency.MinorUnits()),
			p.Currency.String(),
			p.Cumulative.StringFixedBank(p.Currency.MinorUnits()),
			strconv.Itoa(p.Attempts),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// writeRewardsPNG draws one cumulative series per currency.
func writeRewardsPNG(path string, points []rewardPoint) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	type series struct {
		x []time.Time
		y []float64
	}
	byCurrency := make(map[money.Currency]*series)
	var order []money.Currency
	for _, p := range points {
		s, ok := byCurrency[p.Currency]
		if !ok {
			s = &series{}
			byCurrency[p.Currency] = s
			order = append(order, p.Currency)
		}
		s.x = append(s.x, p.UpdatedAt)
		s.y = append(s.y, p.Cumulative.InexactFloat64())
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: "Credited rewards (cumulative)",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.2f")
			},
		},
	}
	for _, c := range order {
		s := byCurrency[c]
		// go-chart needs at least two points to draw a line.
		if len(s.x) == 1 {
			s.x = append([]time.Time{s.x[0].Add(-time.Minute)}, s.x...)
			s.y = append([]float64{0}, s.y...)
		}
		graph.Series = append(graph.Series, chart.TimeSeries{
			Name:    c.String(),
			XValues: s.x,
			YValues: s.y,
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
