package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/ethereum/go-ethereum/common"

	"enerx-readmodel/internal/analytics"
	"enerx-readmodel/internal/failure"
	"enerx-readmodel/internal/history"
	"enerx-readmodel/internal/model"
)

// HistoryOptions configure the history command.
type HistoryOptions struct {
	Address string
	Type    string
	Source  string
	From    string
	To      string
	CSVPath string
	JSON    bool
}

// AnalyticsOptions configure the analytics command. Relative paths resolve
// against export.directory. PNGDir writes both charts under their default
// names unless a specific chart path is set.
type AnalyticsOptions struct {
	CSVPath           string
	PNGDir            string
	VolumePNGPath     string
	ProductionPNGPath string
	JSON              bool
}

// Default chart file names used with AnalyticsOptions.PNGDir.
const (
	VolumeChartName     = "volume_by_date.png"
	ProductionChartName = "production_by_hour.png"
)

// History prints or exports the transaction history of an address.
func (a *App) History(ctx context.Context, opts HistoryOptions) error {
	filter, err := history.ParseFilter(opts.Type, opts.Source, opts.From, opts.To)
	if err != nil {
		return failure.Invalid("history", "%v", err)
	}
	var addr common.Address
	if opts.Address != "" {
		if addr, err = parseAddress(opts.Address); err != nil {
			return err
		}
	}

	rt, closeAll, err := a.build(ctx, buildOptions{})
	defer closeAll()
	if err != nil {
		return err
	}

	h, err := rt.readModel.History(ctx, addr)
	if err != nil {
		return err
	}
	if len(h.Unresolved) > 0 {
		a.Logger.Warn().Interface("listings", h.Unresolved).Msg("部分挂单无法解析能源类型")
	}
	records := filter.Apply(h.Records)

	if opts.CSVPath != "" {
		path := a.exportPath(opts.CSVPath)
		if err := writeFile(path, func(w io.Writer) error { return history.WriteCSV(w, records) }); err != nil {
			return err
		}
		a.Logger.Info().Str("path", path).Int("records", len(records)).Msg("history exported")
		return nil
	}
	if opts.JSON {
		h.Records = records
		return writeJSON(a.Out, h)
	}
	return printHistory(a.Out, records)
}

// Analytics prints the market report and optionally exports it.
func (a *App) Analytics(ctx context.Context, opts AnalyticsOptions) error {
	rt, closeAll, err := a.build(ctx, buildOptions{})
	defer closeAll()
	if err != nil {
		return err
	}

	report, err := rt.readModel.Analytics(ctx)
	if err != nil {
		return err
	}
	opts = opts.withChartDir()

	if opts.CSVPath != "" {
		path := a.exportPath(opts.CSVPath)
		if err := writeFile(path, func(w io.Writer) error { return analytics.WriteReportCSV(w, report) }); err != nil {
			return err
		}
		a.Logger.Info().Str("path", path).Msg("analytics csv exported")
	}
	if opts.VolumePNGPath != "" {
		if err := a.exportPNG(opts.VolumePNGPath, func(w io.Writer) error {
			return analytics.RenderVolumePNG(w, report.Volume)
		}); err != nil {
			return err
		}
	}
	if opts.ProductionPNGPath != "" {
		if err := a.exportPNG(opts.ProductionPNGPath, func(w io.Writer) error {
			return analytics.RenderProductionPNG(w, report.Production)
		}); err != nil {
			return err
		}
	}

	if opts.JSON {
		return writeJSON(a.Out, report)
	}
	return printReport(a.Out, report)
}

func (o AnalyticsOptions) withChartDir() AnalyticsOptions {
	if o.PNGDir == "" {
		return o
	}
	if o.VolumePNGPath == "" {
		o.VolumePNGPath = filepath.Join(o.PNGDir, VolumeChartName)
	}
	if o.ProductionPNGPath == "" {
		o.ProductionPNGPath = filepath.Join(o.PNGDir, ProductionChartName)
	}
	return o
}

func (a *App) exportPNG(path string, render func(io.Writer) error) error {
	path = a.exportPath(path)
	err := writeFile(path, render)
	if errors.Is(err, analytics.ErrNoData) {
		a.Logger.Info().Str("path", path).Msg("no data to chart; skipped")
		_ = os.Remove(path)
		return nil
	}
	if err != nil {
		return err
	}
	a.Logger.Info().Str("path", path).Msg("chart exported")
	return nil
}

func (a *App) exportPath(path string) string {
	if filepath.IsAbs(path) || a.Config.Export.Directory == "" {
		return path
	}
	return filepath.Join(a.Config.Export.Directory, path)
}

func writeFile(path string, write func(io.Writer) error) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(file); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func printHistory(w io.Writer, records []model.TransactionRecord) error {
	if len(records) == 0 {
		fmt.Fprintln(w, "no transactions found")
		return nil
	}

	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Date (UTC)\tType\tListing\tAmount\tPrice\tSource")
	for _, r := range records {
		source := r.EnergySource
		if source == "" {
			source = "-"
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%d\t%s\t%s\t%s\n",
			formatTime(r.Timestamp),
			r.Type,
			r.ListingID,
			formatDecimal(r.Amount, 3),
			formatDecimal(r.Price, 4),
			sanitizeInline(source),
		)
	}
	return writer.Flush()
}

func printReport(w io.Writer, r analytics.Report) error {
	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Active listings\t%d\n", r.Summary.ActiveListings)
	fmt.Fprintf(writer, "Sellers\t%d\n", r.Summary.Sellers)
	fmt.Fprintf(writer, "Listed amount\t%s\n", formatDecimal(r.Summary.TotalAmount, 3))
	fmt.Fprintf(writer, "Average price\t%s\n", formatDecimal(r.Summary.AveragePrice, 4))
	fmt.Fprintf(writer, "Energy traded\t%s\n", formatDecimal(r.TotalTraded, 3))

	fmt.Fprintln(writer, "\nDate\tVolume")
	for _, v := range r.Volume {
		fmt.Fprintf(writer, "%s\t%s\n", v.Date, formatDecimal(v.Volume, 3))
	}

	hours := make([]string, 0, len(r.Production))
	for _, p := range r.Production {
		hours = append(hours, fmt.Sprintf("%s=%s", p.Label(), p.Production.String()))
	}
	fmt.Fprintf(writer, "\nProduction by hour\t%s\n", strings.Join(hours, " "))

	fmt.Fprintln(writer, "\nRank\tProducer\tEnergy traded")
	for i, p := range r.TopProducers {
		fmt.Fprintf(writer, "%d\t%s\t%s\n", i+1, p.Address.Hex(), formatDecimal(p.TotalEnergyTraded, 3))
	}
	return writer.Flush()
}
