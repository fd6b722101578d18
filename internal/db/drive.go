package db

import (
	"database/sql"
	"fmt"
	"time"
)

// Drive is one bounded driving session. End-side and derived fields are
// nil while the drive is open and are stamped when the detector closes
// it.
type Drive struct {
	ID        string     `json:"id"`
	VehicleID int64      `json:"vehicle_id"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`

	StartOdometer *float64 `json:"start_odometer,omitempty"`
	EndOdometer   *float64 `json:"end_odometer,omitempty"`
	StartBattery  *float64 `json:"start_battery,omitempty"`
	EndBattery    *float64 `json:"end_battery,omitempty"`
	StartRange    *float64 `json:"start_range,omitempty"`
	EndRange      *float64 `json:"end_range,omitempty"`

	DistanceMiles *float64 `json:"distance_miles,omitempty"`
	EnergyKwh     *float64 `json:"energy_kwh,omitempty"`
	MiPerKwh      *float64 `json:"mi_per_kwh,omitempty"`
	WhPerMi       *float64 `json:"wh_per_mi,omitempty"`

	StartLatitude  *float64 `json:"start_latitude,omitempty"`
	StartLongitude *float64 `json:"start_longitude,omitempty"`
	StartElevation *float64 `json:"start_elevation,omitempty"`
	EndLatitude    *float64 `json:"end_latitude,omitempty"`
	EndLongitude   *float64 `json:"end_longitude,omitempty"`
	EndElevation   *float64 `json:"end_elevation,omitempty"`

	AvgSpeedMph    *float64 `json:"avg_speed_mph,omitempty"`
	MaxSpeedMph    *float64 `json:"max_speed_mph,omitempty"`
	ElevationGainM *float64 `json:"elevation_gain_m,omitempty"`
	DriveMode      *string  `json:"drive_mode,omitempty"`
	IsOpen         bool     `json:"is_open"`
}

// Position is one GPS sample belonging to exactly one drive. Positions
// are append-only and never updated after insertion.
type Position struct {
	ID            int64     `json:"id"`
	DriveID       string    `json:"drive_id"`
	Timestamp     time.Time `json:"timestamp"`
	Latitude      float64   `json:"latitude"`
	Longitude     float64   `json:"longitude"`
	Elevation     *float64  `json:"elevation,omitempty"`
	SpeedMps      *float64  `json:"speed_mps,omitempty"`
	Heading       *float64  `json:"heading,omitempty"`
	BatteryLevel  *float64  `json:"battery_level,omitempty"`
	OdometerMiles *float64  `json:"odometer_miles,omitempty"`
}

const driveColumns = `drive_id, vehicle_id, start_unix, end_unix,
	start_odometer, end_odometer, start_battery, end_battery,
	start_range, end_range, distance_miles, energy_kwh, mi_per_kwh,
	wh_per_mi, start_latitude, start_longitude, start_elevation,
	end_latitude, end_longitude, end_elevation, avg_speed_mph,
	max_speed_mph, elevation_gain_m, drive_mode, is_open`

// CreateDrive inserts a newly opened drive.
func (db *DB) CreateDrive(d *Drive) error {
	isOpen := 0
	if d.IsOpen {
		isOpen = 1
	}
	_, err := db.Exec(
		`INSERT INTO drives (`+driveColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.VehicleID, timeToUnix(d.StartTime), nullUnix(d.EndTime),
		d.StartOdometer, d.EndOdometer, d.StartBattery, d.EndBattery,
		d.StartRange, d.EndRange, d.DistanceMiles, d.EnergyKwh, d.MiPerKwh,
		d.WhPerMi, d.StartLatitude, d.StartLongitude, d.StartElevation,
		d.EndLatitude, d.EndLongitude, d.EndElevation, d.AvgSpeedMph,
		d.MaxSpeedMph, d.ElevationGainM, d.DriveMode, isOpen,
	)
	if err != nil {
		return fmt.Errorf("failed to create drive: %w", err)
	}
	return nil
}

// UpdateDrive persists the mutable fields of a drive (running updates
// while open, final derived fields on close).
func (db *DB) UpdateDrive(d *Drive) error {
	isOpen := 0
	if d.IsOpen {
		isOpen = 1
	}
	_, err := db.Exec(
		`UPDATE drives SET
			end_unix = ?, start_odometer = ?, end_odometer = ?,
			start_battery = ?, end_battery = ?, start_range = ?, end_range = ?,
			distance_miles = ?, energy_kwh = ?, mi_per_kwh = ?, wh_per_mi = ?,
			end_latitude = ?, end_longitude = ?, end_elevation = ?,
			avg_speed_mph = ?, max_speed_mph = ?, elevation_gain_m = ?,
			drive_mode = ?, is_open = ?, updated_at = UNIXEPOCH('subsec')
		 WHERE drive_id = ?`,
		nullUnix(d.EndTime), d.StartOdometer, d.EndOdometer,
		d.StartBattery, d.EndBattery, d.StartRange, d.EndRange,
		d.DistanceMiles, d.EnergyKwh, d.MiPerKwh, d.WhPerMi,
		d.EndLatitude, d.EndLongitude, d.EndElevation,
		d.AvgSpeedMph, d.MaxSpeedMph, d.ElevationGainM,
		d.DriveMode, isOpen, d.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update drive: %w", err)
	}
	return nil
}

// OpenDrive returns the currently open drive for a vehicle, or nil when
// none is open.
func (db *DB) OpenDrive(vehicleID int64) (*Drive, error) {
	row := db.QueryRow(
		`SELECT `+driveColumns+` FROM drives
		 WHERE vehicle_id = ? AND is_open = 1
		 ORDER BY start_unix DESC LIMIT 1`,
		vehicleID,
	)
	d, err := scanDrive(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return d, err
}

// GetDrive returns a drive by ID, or nil when it does not exist.
func (db *DB) GetDrive(id string) (*Drive, error) {
	row := db.QueryRow(`SELECT `+driveColumns+` FROM drives WHERE drive_id = ?`, id)
	d, err := scanDrive(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return d, err
}

// ListDrives returns a vehicle's drives, most recent first.
func (db *DB) ListDrives(vehicleID int64, limit int) ([]*Drive, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(
		`SELECT `+driveColumns+` FROM drives
		 WHERE vehicle_id = ? ORDER BY start_unix DESC LIMIT ?`,
		vehicleID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query drives: %w", err)
	}
	defer rows.Close()

	var drives []*Drive
	for rows.Next() {
		d, err := scanDrive(rows)
		if err != nil {
			return nil, err
		}
		drives = append(drives, d)
	}
	return drives, rows.Err()
}

func scanDrive(row rowScanner) (*Drive, error) {
	var d Drive
	var startUnix float64
	var endUnix sql.NullFloat64
	var isOpen int
	var nf [19]sql.NullFloat64
	var driveMode sql.NullString

	err := row.Scan(
		&d.ID, &d.VehicleID, &startUnix, &endUnix,
		&nf[0], &nf[1], &nf[2], &nf[3], &nf[4], &nf[5], &nf[6], &nf[7],
		&nf[8], &nf[9], &nf[10], &nf[11], &nf[12], &nf[13], &nf[14],
		&nf[15], &nf[16], &nf[17], &nf[18], &driveMode, &isOpen,
	)
	if err != nil {
		return nil, err
	}

	d.StartTime = unixToTime(startUnix)
	if endUnix.Valid {
		t := unixToTime(endUnix.Float64)
		d.EndTime = &t
	}
	d.IsOpen = isOpen != 0
	if driveMode.Valid {
		d.DriveMode = &driveMode.String
	}

	dests := []**float64{
		&d.StartOdometer, &d.EndOdometer, &d.StartBattery, &d.EndBattery,
		&d.StartRange, &d.EndRange, &d.DistanceMiles, &d.EnergyKwh, &d.MiPerKwh,
		&d.WhPerMi, &d.StartLatitude, &d.StartLongitude, &d.StartElevation,
		&d.EndLatitude, &d.EndLongitude, &d.EndElevation, &d.AvgSpeedMph,
		&d.MaxSpeedMph, &d.ElevationGainM,
	}
	for i, dest := range dests {
		if nf[i].Valid {
			v := nf[i].Float64
			*dest = &v
		}
	}
	return &d, nil
}

// InsertPosition appends a position sample to a drive.
func (db *DB) InsertPosition(p *Position) error {
	res, err := db.Exec(
		`INSERT INTO drive_positions (drive_id, ts, latitude, longitude,
			elevation, speed_mps, heading, battery_level, odometer_miles)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.DriveID, timeToUnix(p.Timestamp), p.Latitude, p.Longitude,
		p.Elevation, p.SpeedMps, p.Heading, p.BatteryLevel, p.OdometerMiles,
	)
	if err != nil {
		return fmt.Errorf("failed to insert position: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert ID: %w", err)
	}
	p.ID = id
	return nil
}

// LatestPosition returns the newest position for a drive, or nil.
func (db *DB) LatestPosition(driveID string) (*Position, error) {
	row := db.QueryRow(
		`SELECT position_id, drive_id, ts, latitude, longitude, elevation,
			speed_mps, heading, battery_level, odometer_miles
		 FROM drive_positions WHERE drive_id = ? ORDER BY ts DESC LIMIT 1`,
		driveID,
	)
	p, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

// Positions returns all positions for a drive, oldest first.
func (db *DB) Positions(driveID string) ([]*Position, error) {
	rows, err := db.Query(
		`SELECT position_id, drive_id, ts, latitude, longitude, elevation,
			speed_mps, heading, battery_level, odometer_miles
		 FROM drive_positions WHERE drive_id = ? ORDER BY ts`,
		driveID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var positions []*Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func scanPosition(row rowScanner) (*Position, error) {
	var p Position
	var ts float64
	var nf [5]sql.NullFloat64
	err := row.Scan(&p.ID, &p.DriveID, &ts, &p.Latitude, &p.Longitude,
		&nf[0], &nf[1], &nf[2], &nf[3], &nf[4])
	if err != nil {
		return nil, err
	}
	p.Timestamp = unixToTime(ts)
	dests := []**float64{&p.Elevation, &p.SpeedMps, &p.Heading, &p.BatteryLevel, &p.OdometerMiles}
	for i, dest := range dests {
		if nf[i].Valid {
			v := nf[i].Float64
			*dest = &v
		}
	}
	return &p, nil
}

func nullUnix(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return timeToUnix(*t)
}
