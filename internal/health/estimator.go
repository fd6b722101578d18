// Package health turns point battery-capacity readings into a smoothed
// health history with regression-based degradation projections.
package health

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/packtrail-data/packtrail/internal/config"
	"github.com/packtrail-data/packtrail/internal/db"
	"github.com/packtrail-data/packtrail/internal/monitoring"
)

// WarrantyFloorPct is the health percentage below which most battery
// warranties consider the pack degraded.
const WarrantyFloorPct = 70.0

// Estimator records battery health snapshots and computes degradation
// trends against odometer mileage.
type Estimator struct {
	db  *db.DB
	cfg *config.TuningConfig
}

// NewEstimator creates a health estimator over the given store.
func NewEstimator(database *db.DB, cfg *config.TuningConfig) *Estimator {
	return &Estimator{db: database, cfg: cfg}
}

// HandleUpdate records a health snapshot when the update carries a
// capacity reading that is both new and meaningfully different from the
// last recorded one. Most updates are a no-op here.
func (e *Estimator) HandleUpdate(v *db.Vehicle, s *db.VehicleSnapshot) error {
	if s.BatteryCapacityKwh == nil || *s.BatteryCapacityKwh <= 0 {
		return nil
	}
	if s.OdometerMiles == nil {
		return nil
	}

	last, err := e.db.LatestBatteryHealth(s.VehicleID)
	if err != nil {
		return fmt.Errorf("failed to look up latest battery health: %w", err)
	}
	if !e.StaleAfter(last, *s.BatteryCapacityKwh, s.Timestamp) {
		return nil
	}

	capacity := *s.BatteryCapacityKwh
	original := e.cfg.PackKwhForVehicle(v.Model, v.PackKwh)
	h := &db.BatteryHealthSnapshot{
		VehicleID:           s.VehicleID,
		Timestamp:           s.Timestamp,
		OdometerMiles:       *s.OdometerMiles,
		CapacityKwh:         capacity,
		OriginalCapacityKwh: original,
		HealthPct:           capacity / original * 100.0,
		CapacityLostKwh:     original - capacity,
		DegradationPct:      100.0 - capacity/original*100.0,
	}

	e.applyTrend(h)

	if err := e.db.InsertBatteryHealth(h); err != nil {
		return err
	}
	monitoring.Logf("battery health recorded: vehicle=%d health=%.1f%% capacity=%.1fkWh", h.VehicleID, h.HealthPct, h.CapacityKwh)
	return nil
}

// applyTrend fits an ordinary least-squares line of health percent
// against odometer over the vehicle's older history and, when the fit
// is plausible, fills in the projection fields.
func (e *Estimator) applyTrend(h *db.BatteryHealthSnapshot) {
	cutoff := h.Timestamp.AddDate(0, 0, -e.cfg.GetTrendMinAgeDays())
	history, err := e.db.BatteryHealthBefore(h.VehicleID, cutoff)
	if err != nil {
		monitoring.Logf("failed to load battery health history for vehicle %d: %v", h.VehicleID, err)
		return
	}
	if len(history) < 2 {
		return
	}

	// The fit uses only settled history. The reading being recorded is
	// excluded so a noisy fresh sample cannot drag its own projection.
	xs := make([]float64, 0, len(history))
	ys := make([]float64, 0, len(history))
	for _, prev := range history {
		xs = append(xs, prev.OdometerMiles)
		ys = append(ys, prev.HealthPct)
	}

	intercept, slope := stat.LinearRegression(xs, ys, nil, false)
	if math.IsNaN(slope) || math.IsInf(slope, 0) {
		return
	}

	// A plausible trend degrades, and does so at a believable pace.
	// Anything outside the band is treated as noise, not a trend.
	rate := -slope * 10000.0
	if rate <= 0 || rate > e.cfg.GetTrendMaxRatePer10k() {
		return
	}
	h.RatePer10kMiles = &rate

	at100k := intercept + slope*100000.0
	at100k = math.Max(0, math.Min(100, at100k))
	h.ProjectedHealthAt100k = &at100k

	milesTo70 := (WarrantyFloorPct - intercept) / slope
	if milesTo70 > 0 && milesTo70 > h.OdometerMiles {
		h.ProjectedMilesTo70Pct = &milesTo70
	}

	remaining := h.CapacityKwh - WarrantyFloorPct/100.0*h.OriginalCapacityKwh
	h.RemainingWarrantyKwh = &remaining
}

// Backfill recomputes projections for every stored health snapshot of a
// vehicle, oldest first, using only the history that preceded each one.
// Useful after tuning changes or bulk imports.
func (e *Estimator) Backfill(vehicleID int64) (int, error) {
	// ListBatteryHealth returns newest first; walk it backwards.
	snapshots, err := e.db.ListBatteryHealth(vehicleID, 100000)
	if err != nil {
		return 0, err
	}

	updated := 0
	for i := len(snapshots) - 1; i >= 0; i-- {
		h := snapshots[i]
		h.RatePer10kMiles = nil
		h.ProjectedHealthAt100k = nil
		h.ProjectedMilesTo70Pct = nil
		h.RemainingWarrantyKwh = nil
		e.applyTrend(h)
		if err := e.db.UpdateBatteryHealthProjections(h); err != nil {
			return updated, err
		}
		updated++
	}
	return updated, nil
}

// StaleAfter is the recording gate: it reports whether a capacity
// reading at the given time is old enough or different enough from
// prev to deserve a new snapshot. A nil prev always does.
func (e *Estimator) StaleAfter(prev *db.BatteryHealthSnapshot, capacityKwh float64, at time.Time) bool {
	if prev == nil {
		return true
	}
	if at.Sub(prev.Timestamp) >= e.cfg.GetHealthMinInterval() {
		return true
	}
	return math.Abs(capacityKwh-prev.CapacityKwh) > e.cfg.GetHealthCapacityDeltaKwh()
}
