package api

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/packtrail-data/packtrail/internal/httputil"
)

// showBatteryHealthChart renders an HTML line chart of a vehicle's
// health percent and reported capacity against odometer miles. This is
// a debugging/inspection endpoint, not part of the JSON API.
func (s *Server) showBatteryHealthChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	vehicleID, err := vehicleIDParam(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	snapshots, err := s.db.ListBatteryHealth(vehicleID, 500)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to retrieve battery health: %v", err))
		return
	}
	if len(snapshots) == 0 {
		httputil.NotFound(w, "no battery health recorded for vehicle")
		return
	}

	// ListBatteryHealth is newest first; the chart wants oldest first.
	odometer := make([]string, 0, len(snapshots))
	healthPct := make([]opts.LineData, 0, len(snapshots))
	capacity := make([]opts.LineData, 0, len(snapshots))
	for i := len(snapshots) - 1; i >= 0; i-- {
		h := snapshots[i]
		odometer = append(odometer, fmt.Sprintf("%.0f", h.OdometerMiles))
		healthPct = append(healthPct, opts.LineData{Value: h.HealthPct})
		capacity = append(capacity, opts.LineData{Value: h.CapacityKwh})
	}

	latest := snapshots[0]
	subtitle := fmt.Sprintf("vehicle=%d points=%d health=%.1f%%", vehicleID, len(snapshots), latest.HealthPct)
	if latest.RatePer10kMiles != nil {
		subtitle += fmt.Sprintf(" rate=%.2f%%/10k mi", *latest.RatePer10kMiles)
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Battery Health", Theme: "dark", Width: "1100px", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: "Battery Health Trend", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "odometer (mi)"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "health (%)", Min: 60, Max: 105}),
	)
	line.SetXAxis(odometer).
		AddSeries("health %", healthPct).
		AddSeries("capacity kWh", capacity).
		SetSeriesOptions(charts.WithLineChartOpts(opts.LineChart{Smooth: opts.Bool(true)}))

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
