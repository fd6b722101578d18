package sessions

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/packtrail-data/packtrail/internal/config"
	"github.com/packtrail-data/packtrail/internal/db"
	"github.com/packtrail-data/packtrail/internal/monitoring"
	"github.com/packtrail-data/packtrail/internal/units"
)

// ChargeTracker detects and records charging sessions.
type ChargeTracker struct {
	db  *db.DB
	cfg *config.TuningConfig
}

// NewChargeTracker creates a charge detector over the given store.
func NewChargeTracker(database *db.DB, cfg *config.TuningConfig) *ChargeTracker {
	return &ChargeTracker{db: database, cfg: cfg}
}

// IsCharging is the charge predicate: the charger reports active
// charging, or the power state does. Either alone is enough since
// providers differ in which one they keep current.
func IsCharging(s *db.VehicleSnapshot) bool {
	if s.ChargerState != nil && *s.ChargerState == db.ChargerCharging {
		return true
	}
	if s.PowerState != nil && *s.PowerState == db.PowerCharging {
		return true
	}
	return false
}

// HandleUpdate advances the charge state machine for one accepted
// snapshot of vehicle v.
func (t *ChargeTracker) HandleUpdate(v *db.Vehicle, s *db.VehicleSnapshot) error {
	open, err := t.db.OpenChargingSession(s.VehicleID)
	if err != nil {
		return fmt.Errorf("failed to look up open charging session: %w", err)
	}

	charging := ActivityOf(s) == ActivityCharging
	switch {
	case open == nil && charging:
		return t.startSession(s)
	case open != nil && charging:
		return t.continueSession(open, s)
	case open != nil && !charging:
		return t.closeSession(open, v, s)
	default:
		return nil
	}
}

func (t *ChargeTracker) startSession(s *db.VehicleSnapshot) error {
	cs := &db.ChargingSession{
		ID:             uuid.NewString(),
		VehicleID:      s.VehicleID,
		StartTime:      s.Timestamp,
		StartBattery:   s.BatteryLevel,
		ChargeLimit:    s.BatteryLimit,
		StartLatitude:  s.Latitude,
		StartLongitude: s.Longitude,
		IsOpen:         true,
	}
	if err := t.db.CreateChargingSession(cs); err != nil {
		return err
	}
	monitoring.Logf("charging started: vehicle=%d session=%s", s.VehicleID, cs.ID)
	return nil
}

func (t *ChargeTracker) continueSession(cs *db.ChargingSession, s *db.VehicleSnapshot) error {
	if s.BatteryLevel != nil {
		cs.EndBattery = s.BatteryLevel
	}
	if s.BatteryLimit != nil {
		cs.ChargeLimit = s.BatteryLimit
	}
	if cs.StartLatitude == nil && s.Latitude != nil {
		cs.StartLatitude = s.Latitude
		cs.StartLongitude = s.Longitude
	}
	return t.db.UpdateChargingSession(cs)
}

func (t *ChargeTracker) closeSession(cs *db.ChargingSession, v *db.Vehicle, s *db.VehicleSnapshot) error {
	end := s.Timestamp
	cs.EndTime = &end
	cs.IsOpen = false
	if s.BatteryLevel != nil {
		cs.EndBattery = s.BatteryLevel
	}

	// Prefer the capacity the vehicle itself reports at close time;
	// fall back to the rated pack for the model.
	packKwh := t.cfg.PackKwhForVehicle(v.Model, v.PackKwh)
	if s.BatteryCapacityKwh != nil && *s.BatteryCapacityKwh > 0 {
		packKwh = *s.BatteryCapacityKwh
	}

	var gain float64
	if cs.StartBattery != nil && cs.EndBattery != nil {
		gain = *cs.EndBattery - *cs.StartBattery
	}
	if gain > 0 {
		energy := packKwh * gain / 100.0
		cs.EnergyAddedKwh = &energy

		hours := cs.EndTime.Sub(cs.StartTime).Hours()
		if hours > 0 {
			avg := energy / hours
			cs.AvgPowerKw = &avg

			chargeType := db.ChargeTypeAC
			peakFactor := 1.2
			if avg >= t.cfg.GetDCFastPowerKw() {
				chargeType = db.ChargeTypeDCFast
				peakFactor = 1.5
			}
			cs.ChargeType = &chargeType
			peak := avg * peakFactor
			cs.PeakPowerKw = &peak
		}

		// With a big enough level gain the session itself measures the
		// usable pack: extrapolate energy over the full 0-100 range.
		if gain >= t.cfg.GetCapacityMinGainPct() {
			capacity := energy * 100.0 / gain
			confidence := gain / 50.0
			if confidence > 1 {
				confidence = 1
			}
			cs.CalculatedCapacityKwh = &capacity
			cs.CapacityConfidence = &confidence
		}
	}

	if err := t.applyHomeFlag(cs, v); err != nil {
		return err
	}

	if err := t.db.UpdateChargingSession(cs); err != nil {
		return err
	}
	monitoring.Logf("charging closed: vehicle=%d session=%s energy=%v", cs.VehicleID, cs.ID, deref(cs.EnergyAddedKwh))
	return nil
}

func (t *ChargeTracker) applyHomeFlag(cs *db.ChargingSession, v *db.Vehicle) error {
	if cs.StartLatitude == nil || cs.StartLongitude == nil {
		return nil
	}
	locations, err := t.db.UserLocations(v.AccountID)
	if err != nil {
		return fmt.Errorf("failed to load user locations: %w", err)
	}
	radius := t.cfg.GetHomeRadiusMeters()
	for _, loc := range locations {
		r := radius
		if loc.RadiusMeters != nil && *loc.RadiusMeters > 0 {
			r = *loc.RadiusMeters
		}
		if units.HaversineMeters(*cs.StartLatitude, *cs.StartLongitude, loc.Latitude, loc.Longitude) <= r {
			isHome := true
			cs.IsHome = &isHome
			return nil
		}
	}
	isHome := false
	cs.IsHome = &isHome
	return nil
}
