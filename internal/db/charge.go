package db

import (
	"database/sql"
	"fmt"
	"time"
)

// ChargingSession is one bounded charging session. Like Drive, derived
// fields are nil while the session is open and are computed on close.
type ChargingSession struct {
	ID        string     `json:"id"`
	VehicleID int64      `json:"vehicle_id"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`

	StartBattery *float64 `json:"start_battery,omitempty"`
	EndBattery   *float64 `json:"end_battery,omitempty"`
	ChargeLimit  *float64 `json:"charge_limit,omitempty"`

	EnergyAddedKwh *float64 `json:"energy_added_kwh,omitempty"`
	AvgPowerKw     *float64 `json:"avg_power_kw,omitempty"`
	PeakPowerKw    *float64 `json:"peak_power_kw,omitempty"`
	ChargeType     *string  `json:"charge_type,omitempty"`
	IsHome         *bool    `json:"is_home,omitempty"`
	CostUsd        *float64 `json:"cost_usd,omitempty"`

	CalculatedCapacityKwh *float64 `json:"calculated_capacity_kwh,omitempty"`
	CapacityConfidence    *float64 `json:"capacity_confidence,omitempty"`

	StartLatitude  *float64 `json:"start_latitude,omitempty"`
	StartLongitude *float64 `json:"start_longitude,omitempty"`
	IsOpen         bool     `json:"is_open"`
}

const chargeColumns = `session_id, vehicle_id, start_unix, end_unix,
	start_battery, end_battery, charge_limit, energy_added_kwh,
	avg_power_kw, peak_power_kw, charge_type, is_home, cost_usd,
	calculated_capacity, capacity_confidence, start_latitude,
	start_longitude, is_open`

// CreateChargingSession inserts a newly opened charging session.
func (db *DB) CreateChargingSession(c *ChargingSession) error {
	_, err := db.Exec(
		`INSERT INTO charging_sessions (`+chargeColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.VehicleID, timeToUnix(c.StartTime), nullUnix(c.EndTime),
		c.StartBattery, c.EndBattery, c.ChargeLimit, c.EnergyAddedKwh,
		c.AvgPowerKw, c.PeakPowerKw, c.ChargeType, nullBool(c.IsHome), c.CostUsd,
		c.CalculatedCapacityKwh, c.CapacityConfidence, c.StartLatitude,
		c.StartLongitude, boolToInt(c.IsOpen),
	)
	if err != nil {
		return fmt.Errorf("failed to create charging session: %w", err)
	}
	return nil
}

// UpdateChargingSession persists the mutable fields of a session.
func (db *DB) UpdateChargingSession(c *ChargingSession) error {
	_, err := db.Exec(
		`UPDATE charging_sessions SET
			end_unix = ?, start_battery = ?, end_battery = ?, charge_limit = ?,
			energy_added_kwh = ?, avg_power_kw = ?, peak_power_kw = ?,
			charge_type = ?, is_home = ?, cost_usd = ?, calculated_capacity = ?,
			capacity_confidence = ?, is_open = ?, updated_at = UNIXEPOCH('subsec')
		 WHERE session_id = ?`,
		nullUnix(c.EndTime), c.StartBattery, c.EndBattery, c.ChargeLimit,
		c.EnergyAddedKwh, c.AvgPowerKw, c.PeakPowerKw,
		c.ChargeType, nullBool(c.IsHome), c.CostUsd, c.CalculatedCapacityKwh,
		c.CapacityConfidence, boolToInt(c.IsOpen), c.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update charging session: %w", err)
	}
	return nil
}

// OpenChargingSession returns the currently open session for a vehicle,
// or nil when none is open.
func (db *DB) OpenChargingSession(vehicleID int64) (*ChargingSession, error) {
	row := db.QueryRow(
		`SELECT `+chargeColumns+` FROM charging_sessions
		 WHERE vehicle_id = ? AND is_open = 1
		 ORDER BY start_unix DESC LIMIT 1`,
		vehicleID,
	)
	c, err := scanChargingSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// GetChargingSession returns a session by ID, or nil when it does not exist.
func (db *DB) GetChargingSession(id string) (*ChargingSession, error) {
	row := db.QueryRow(`SELECT `+chargeColumns+` FROM charging_sessions WHERE session_id = ?`, id)
	c, err := scanChargingSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// ListChargingSessions returns a vehicle's sessions, most recent first.
func (db *DB) ListChargingSessions(vehicleID int64, limit int) ([]*ChargingSession, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(
		`SELECT `+chargeColumns+` FROM charging_sessions
		 WHERE vehicle_id = ? ORDER BY start_unix DESC LIMIT ?`,
		vehicleID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query charging sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*ChargingSession
	for rows.Next() {
		c, err := scanChargingSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, c)
	}
	return sessions, rows.Err()
}

func scanChargingSession(row rowScanner) (*ChargingSession, error) {
	var c ChargingSession
	var startUnix float64
	var endUnix sql.NullFloat64
	var chargeType sql.NullString
	var isHome sql.NullInt64
	var isOpen int
	var nf [11]sql.NullFloat64

	err := row.Scan(
		&c.ID, &c.VehicleID, &startUnix, &endUnix,
		&nf[0], &nf[1], &nf[2], &nf[3], &nf[4], &nf[5],
		&chargeType, &isHome, &nf[6], &nf[7], &nf[8], &nf[9], &nf[10],
		&isOpen,
	)
	if err != nil {
		return nil, err
	}

	c.StartTime = unixToTime(startUnix)
	if endUnix.Valid {
		t := unixToTime(endUnix.Float64)
		c.EndTime = &t
	}
	if chargeType.Valid {
		c.ChargeType = &chargeType.String
	}
	if isHome.Valid {
		b := isHome.Int64 != 0
		c.IsHome = &b
	}
	c.IsOpen = isOpen != 0

	dests := []**float64{
		&c.StartBattery, &c.EndBattery, &c.ChargeLimit, &c.EnergyAddedKwh,
		&c.AvgPowerKw, &c.PeakPowerKw, &c.CostUsd, &c.CalculatedCapacityKwh,
		&c.CapacityConfidence, &c.StartLatitude, &c.StartLongitude,
	}
	for i, dest := range dests {
		if nf[i].Valid {
			v := nf[i].Float64
			*dest = &v
		}
	}
	return &c, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullBool(b *bool) interface{} {
	if b == nil {
		return nil
	}
	return boolToInt(*b)
}
