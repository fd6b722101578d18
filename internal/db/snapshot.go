package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Gear status values reported by the provider.
const (
	GearPark    = "park"
	GearDrive   = "drive"
	GearReverse = "reverse"
	GearNeutral = "neutral"
)

// Charger state values.
const (
	ChargerDisconnected = "charger_status_disconnected"
	ChargerConnected    = "charger_status_connected"
	ChargerCharging     = "charger_status_charging"
)

// Power state values.
const (
	PowerSleep    = "sleep"
	PowerReady    = "ready"
	PowerGo       = "go"
	PowerCharging = "charging"
)

// Charge type classifications derived on session close.
const (
	ChargeTypeAC     = "ac_level2"
	ChargeTypeDCFast = "dc_fast"
)

// VehicleSnapshot is one telemetry observation for a vehicle. Every
// field except VehicleID and Timestamp is optional: nil means the
// provider did not report that property in this update, not that the
// value is false or zero. Snapshots are never mutated after creation.
type VehicleSnapshot struct {
	VehicleID int64     `json:"vehicle_id"`
	Timestamp time.Time `json:"timestamp"`

	BatteryLevel       *float64 `json:"battery_level,omitempty"`
	BatteryLimit       *float64 `json:"battery_limit,omitempty"`
	BatteryCapacityKwh *float64 `json:"battery_capacity_kwh,omitempty"`
	RangeMiles         *float64 `json:"range_miles,omitempty"`
	OdometerMiles      *float64 `json:"odometer_miles,omitempty"`

	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Elevation *float64 `json:"elevation,omitempty"`
	SpeedMps  *float64 `json:"speed_mps,omitempty"`
	Heading   *float64 `json:"heading,omitempty"`

	GearStatus   *string `json:"gear_status,omitempty"`
	PowerState   *string `json:"power_state,omitempty"`
	ChargerState *string `json:"charger_state,omitempty"`
	DriveMode    *string `json:"drive_mode,omitempty"`

	CabinTempC      *float64 `json:"cabin_temp_c,omitempty"`
	Preconditioning *bool    `json:"preconditioning,omitempty"`
	PetMode         *bool    `json:"pet_mode,omitempty"`
	Defrost         *bool    `json:"defrost,omitempty"`

	DoorsClosed      *bool `json:"doors_closed,omitempty"`
	WindowsClosed    *bool `json:"windows_closed,omitempty"`
	FrunkClosed      *bool `json:"frunk_closed,omitempty"`
	LiftgateClosed   *bool `json:"liftgate_closed,omitempty"`
	TonneauClosed    *bool `json:"tonneau_closed,omitempty"`
	SideBinsClosed   *bool `json:"side_bins_closed,omitempty"`
	ChargePortClosed *bool `json:"charge_port_closed,omitempty"`

	GearGuardStatus *string `json:"gear_guard_status,omitempty"`

	TireStatusFL *string  `json:"tire_status_fl,omitempty"`
	TireStatusFR *string  `json:"tire_status_fr,omitempty"`
	TireStatusRL *string  `json:"tire_status_rl,omitempty"`
	TireStatusRR *string  `json:"tire_status_rr,omitempty"`
	TirePsiFL    *float64 `json:"tire_psi_fl,omitempty"`
	TirePsiFR    *float64 `json:"tire_psi_fr,omitempty"`
	TirePsiRL    *float64 `json:"tire_psi_rl,omitempty"`
	TirePsiRR    *float64 `json:"tire_psi_rr,omitempty"`

	OtaVersion       *string `json:"ota_version,omitempty"`
	OtaStatus        *string `json:"ota_status,omitempty"`
	LimitedAccelCold *bool   `json:"limited_accel_cold,omitempty"`
	LimitedRegenCold *bool   `json:"limited_regen_cold,omitempty"`
	TwelveVoltHealth *string `json:"twelve_volt_health,omitempty"`
}

// SaveVehicleState appends an accepted snapshot to the durable history.
// The snapshot is stored as JSON alongside indexed vehicle/timestamp
// columns; history rows are never updated, only appended.
func (db *DB) SaveVehicleState(s *VehicleSnapshot) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal vehicle state: %w", err)
	}

	_, err = db.Exec(
		`INSERT INTO vehicle_states (vehicle_id, ts, payload) VALUES (?, ?, ?)`,
		s.VehicleID, timeToUnix(s.Timestamp), string(payload),
	)
	if err != nil {
		return fmt.Errorf("failed to save vehicle state: %w", err)
	}
	return nil
}

// LatestVehicleState returns the most recently persisted snapshot for a
// vehicle, or nil when no history exists.
func (db *DB) LatestVehicleState(vehicleID int64) (*VehicleSnapshot, error) {
	var payload string
	err := db.QueryRow(
		`SELECT payload FROM vehicle_states WHERE vehicle_id = ? ORDER BY state_id DESC LIMIT 1`,
		vehicleID,
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest vehicle state: %w", err)
	}

	var s VehicleSnapshot
	if err := json.Unmarshal([]byte(payload), &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal vehicle state: %w", err)
	}
	return &s, nil
}

// VehicleStateHistory returns persisted snapshots for a vehicle between
// start and end, oldest first, capped at limit rows.
func (db *DB) VehicleStateHistory(vehicleID int64, start, end time.Time, limit int) ([]*VehicleSnapshot, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := db.Query(
		`SELECT payload FROM vehicle_states
		 WHERE vehicle_id = ? AND ts BETWEEN ? AND ?
		 ORDER BY ts LIMIT ?`,
		vehicleID, timeToUnix(start), timeToUnix(end), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query vehicle state history: %w", err)
	}
	defer rows.Close()

	var states []*VehicleSnapshot
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var s VehicleSnapshot
		if err := json.Unmarshal([]byte(payload), &s); err != nil {
			return nil, fmt.Errorf("failed to unmarshal vehicle state: %w", err)
		}
		states = append(states, &s)
	}
	return states, rows.Err()
}
