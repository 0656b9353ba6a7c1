package analytics

import (
	"encoding/csv"
	"errors"
	"io"
	"strconv"

	chart "github.com/wcharczuk/go-chart/v2"
)

// ErrNoData is returned when there is nothing to chart.
var ErrNoData = errors.New("analytics: no data to render")

// WriteReportCSV writes the three views of r as sectioned CSV rows.
func WriteReportCSV(w io.Writer, r Report) error {
	writer := csv.NewWriter(w)

	rows := [][]string{{"section", "key", "value"}}
	for _, v := range r.Volume {
		rows = append(rows, []string{"volume_by_date", v.Date, v.Volume.String()})
	}
	for _, p := range r.Production {
		rows = append(rows, []string{"production_by_hour", p.Label(), p.Production.String()})
	}
	for i, p := range r.TopProducers {
		rows = append(rows, []string{"top_producer_" + strconv.Itoa(i+1), p.Address.Hex(), p.TotalEnergyTraded.String()})
	}
	rows = append(rows,
		[]string{"summary", "active_listings", strconv.Itoa(r.Summary.ActiveListings)},
		[]string{"summary", "total_amount", r.Summary.TotalAmount.String()},
		[]string{"summary", "average_price", r.Summary.AveragePrice.String()},
		[]string{"summary", "total_energy_traded", r.TotalTraded.String()},
	)

	if err := writer.WriteAll(rows); err != nil {
		return err
	}
	return writer.Error()
}

// RenderVolumePNG draws the volume-by-date bars as a PNG.
func RenderVolumePNG(w io.Writer, volumes []DateVolume) error {
	bars := make([]chart.Value, len(volumes))
	for i, v := range volumes {
		bars[i] = chart.Value{Label: v.Date, Value: v.Volume.InexactFloat64()}
	}
	return renderBars(w, "Trading volume by date", "Volume (kWh)", bars)
}

// RenderProductionPNG draws the production-by-hour bars as a PNG.
func RenderProductionPNG(w io.Writer, hours []HourProduction) error {
	bars := make([]chart.Value, len(hours))
	for i, h := range hours {
		bars[i] = chart.Value{Label: h.Label(), Value: h.Production.InexactFloat64()}
	}
	return renderBars(w, "Production by hour", "Production (kWh)", bars)
}

func renderBars(w io.Writer, title, yName string, bars []chart.Value) error {
	if len(bars) == 0 {
		return ErrNoData
	}

	peak := 0.0
	for _, b := range bars {
		if b.Value > peak {
			peak = b.Value
		}
	}
	if peak == 0 {
		peak = 1
	}

	width := barWidth(len(bars))
	valueFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.BarChart{
		Title:      title,
		Width:      1280,
		Height:     720,
		BarWidth:   width,
		BarSpacing: width / 4,
		Background: chart.Style{
			Padding: chart.Box{Top: 40},
		},
		YAxis: chart.YAxis{
			Name:           yName,
			ValueFormatter: valueFormatter,
			Range:          &chart.ContinuousRange{Min: 0, Max: peak * 1.1},
		},
		Bars: bars,
	}
	return graph.Render(chart.PNG, w)
}

func barWidth(n int) int {
	width := 1000 / n
	switch {
	case width > 80:
		return 80
	case width < 4:
		return 4
	}
	return width
}
