package db

import (
	"database/sql"
	"fmt"
	"time"
)

// BatteryHealthSnapshot is a periodic battery capacity/health summary.
// The projection fields are filled only when the trend regression
// yields a plausible fit; they may be back-filled later by a
// recomputation pass.
type BatteryHealthSnapshot struct {
	ID                  int64     `json:"id"`
	VehicleID           int64     `json:"vehicle_id"`
	Timestamp           time.Time `json:"timestamp"`
	OdometerMiles       float64   `json:"odometer_miles"`
	CapacityKwh         float64   `json:"capacity_kwh"`
	OriginalCapacityKwh float64   `json:"original_capacity_kwh"`
	HealthPct           float64   `json:"health_pct"`
	CapacityLostKwh     float64   `json:"capacity_lost_kwh"`
	DegradationPct      float64   `json:"degradation_pct"`

	RatePer10kMiles       *float64 `json:"rate_per_10k_miles,omitempty"`
	ProjectedHealthAt100k *float64 `json:"projected_health_100k,omitempty"`
	ProjectedMilesTo70Pct *float64 `json:"projected_miles_to_70,omitempty"`
	RemainingWarrantyKwh  *float64 `json:"remaining_warranty_kwh,omitempty"`
}

const healthColumns = `health_id, vehicle_id, ts, odometer_miles,
	capacity_kwh, original_capacity_kwh, health_pct, capacity_lost_kwh,
	degradation_pct, rate_per_10k_miles, projected_health_100k,
	projected_miles_to_70, remaining_warranty_kwh`

// InsertBatteryHealth appends a health snapshot and fills in its ID.
func (db *DB) InsertBatteryHealth(h *BatteryHealthSnapshot) error {
	res, err := db.Exec(
		`INSERT INTO battery_health (vehicle_id, ts, odometer_miles,
			capacity_kwh, original_capacity_kwh, health_pct,
			capacity_lost_kwh, degradation_pct, rate_per_10k_miles,
			projected_health_100k, projected_miles_to_70, remaining_warranty_kwh)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.VehicleID, timeToUnix(h.Timestamp), h.OdometerMiles,
		h.CapacityKwh, h.OriginalCapacityKwh, h.HealthPct,
		h.CapacityLostKwh, h.DegradationPct, h.RatePer10kMiles,
		h.ProjectedHealthAt100k, h.ProjectedMilesTo70Pct, h.RemainingWarrantyKwh,
	)
	if err != nil {
		return fmt.Errorf("failed to insert battery health: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert ID: %w", err)
	}
	h.ID = id
	return nil
}

// UpdateBatteryHealthProjections back-fills the projection fields of an
// existing health snapshot.
func (db *DB) UpdateBatteryHealthProjections(h *BatteryHealthSnapshot) error {
	_, err := db.Exec(
		`UPDATE battery_health SET rate_per_10k_miles = ?,
			projected_health_100k = ?, projected_miles_to_70 = ?,
			remaining_warranty_kwh = ?
		 WHERE health_id = ?`,
		h.RatePer10kMiles, h.ProjectedHealthAt100k, h.ProjectedMilesTo70Pct,
		h.RemainingWarrantyKwh, h.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update battery health projections: %w", err)
	}
	return nil
}

// LatestBatteryHealth returns the newest health snapshot for a vehicle,
// or nil when none exists.
func (db *DB) LatestBatteryHealth(vehicleID int64) (*BatteryHealthSnapshot, error) {
	row := db.QueryRow(
		`SELECT `+healthColumns+` FROM battery_health
		 WHERE vehicle_id = ? ORDER BY ts DESC LIMIT 1`,
		vehicleID,
	)
	h, err := scanBatteryHealth(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return h, err
}

// BatteryHealthBefore returns health snapshots for a vehicle older than
// cutoff, oldest first. Used by the trend regression.
func (db *DB) BatteryHealthBefore(vehicleID int64, cutoff time.Time) ([]*BatteryHealthSnapshot, error) {
	rows, err := db.Query(
		`SELECT `+healthColumns+` FROM battery_health
		 WHERE vehicle_id = ? AND ts < ? ORDER BY ts`,
		vehicleID, timeToUnix(cutoff),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query battery health: %w", err)
	}
	defer rows.Close()
	return collectBatteryHealth(rows)
}

// ListBatteryHealth returns a vehicle's health snapshots, most recent
// first.
func (db *DB) ListBatteryHealth(vehicleID int64, limit int) ([]*BatteryHealthSnapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(
		`SELECT `+healthColumns+` FROM battery_health
		 WHERE vehicle_id = ? ORDER BY ts DESC LIMIT ?`,
		vehicleID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query battery health: %w", err)
	}
	defer rows.Close()
	return collectBatteryHealth(rows)
}

func collectBatteryHealth(rows *sql.Rows) ([]*BatteryHealthSnapshot, error) {
	var snapshots []*BatteryHealthSnapshot
	for rows.Next() {
		h, err := scanBatteryHealth(rows)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, h)
	}
	return snapshots, rows.Err()
}

func scanBatteryHealth(row rowScanner) (*BatteryHealthSnapshot, error) {
	var h BatteryHealthSnapshot
	var ts float64
	var nf [4]sql.NullFloat64
	err := row.Scan(
		&h.ID, &h.VehicleID, &ts, &h.OdometerMiles,
		&h.CapacityKwh, &h.OriginalCapacityKwh, &h.HealthPct,
		&h.CapacityLostKwh, &h.DegradationPct,
		&nf[0], &nf[1], &nf[2], &nf[3],
	)
	if err != nil {
		return nil, err
	}
	h.Timestamp = unixToTime(ts)
	dests := []**float64{
		&h.RatePer10kMiles, &h.ProjectedHealthAt100k,
		&h.ProjectedMilesTo70Pct, &h.RemainingWarrantyKwh,
	}
	for i, dest := range dests {
		if nf[i].Valid {
			v := nf[i].Float64
			*dest = &v
		}
	}
	return &h, nil
}
