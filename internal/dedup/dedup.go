// Package dedup decides whether an incoming vehicle snapshot represents
// a meaningful change worth persisting, so near-identical rows are not
// stored on every provider push.
package dedup

import (
	"sync"
	"time"

	"github.com/packtrail-data/packtrail/internal/config"
	"github.com/packtrail-data/packtrail/internal/db"
	"github.com/packtrail-data/packtrail/internal/timeutil"
	"github.com/packtrail-data/packtrail/internal/units"
)

type entry struct {
	last       *db.VehicleSnapshot
	acceptedAt time.Time
}

// Deduplicator caches the last accepted snapshot per vehicle and
// evaluates the change thresholds against it. The cache is in-memory
// only; callers seed it from the most recent persisted row so a restart
// does not reset the heartbeat clock.
type Deduplicator struct {
	cfg   *config.TuningConfig
	clock timeutil.Clock

	mu    sync.Mutex
	cache map[int64]entry
}

// New creates a Deduplicator with the given tuning thresholds.
func New(cfg *config.TuningConfig, clock timeutil.Clock) *Deduplicator {
	return &Deduplicator{
		cfg:   cfg,
		clock: clock,
		cache: make(map[int64]entry),
	}
}

// Seed installs a persisted snapshot as the last accepted state for its
// vehicle without going through the decision rules. The snapshot's own
// timestamp is used as the acceptance time. Seeding never overwrites a
// live cache entry.
func (d *Deduplicator) Seed(s *db.VehicleSnapshot) {
	if s == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.cache[s.VehicleID]; ok {
		return
	}
	d.cache[s.VehicleID] = entry{last: s, acceptedAt: s.Timestamp}
}

// Seeded reports whether the cache holds state for a vehicle.
func (d *Deduplicator) Seeded(vehicleID int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.cache[vehicleID]
	return ok
}

// Last returns the cached last accepted snapshot for a vehicle, or nil.
func (d *Deduplicator) Last(vehicleID int64) *db.VehicleSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cache[vehicleID].last
}

// Accept decides whether s should be persisted. On accept the cache is
// replaced with s and the acceptance time recorded; on reject the cache
// is left unchanged. The returned reason names the first rule that
// matched, for diagnostics.
func (d *Deduplicator) Accept(s *db.VehicleSnapshot) (bool, string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.cache[s.VehicleID]
	reason := ""
	switch {
	case !ok:
		reason = "first"
	case d.clock.Since(e.acceptedAt) >= d.cfg.GetHeartbeatInterval():
		reason = "heartbeat"
	default:
		reason = d.changedField(e.last, s)
	}

	if reason == "" {
		return false, ""
	}
	d.cache[s.VehicleID] = entry{last: s, acceptedAt: d.clock.Now()}
	return true, reason
}

// changedField returns the name of the first field that differs beyond
// its threshold, or "" when the snapshot is a duplicate. A field absent
// from the new snapshot is "not reported", never a change; a field
// newly reported is always a change.
func (d *Deduplicator) changedField(old, new *db.VehicleSnapshot) string {
	exact := []struct {
		name     string
		old, new *string
	}{
		{"power_state", old.PowerState, new.PowerState},
		{"gear_status", old.GearStatus, new.GearStatus},
		{"charger_state", old.ChargerState, new.ChargerState},
		{"drive_mode", old.DriveMode, new.DriveMode},
		{"gear_guard_status", old.GearGuardStatus, new.GearGuardStatus},
		{"tire_status_fl", old.TireStatusFL, new.TireStatusFL},
		{"tire_status_fr", old.TireStatusFR, new.TireStatusFR},
		{"tire_status_rl", old.TireStatusRL, new.TireStatusRL},
		{"tire_status_rr", old.TireStatusRR, new.TireStatusRR},
		{"ota_version", old.OtaVersion, new.OtaVersion},
		{"ota_status", old.OtaStatus, new.OtaStatus},
		{"twelve_volt_health", old.TwelveVoltHealth, new.TwelveVoltHealth},
	}
	for _, f := range exact {
		if stringChanged(f.old, f.new) {
			return f.name
		}
	}

	thresholds := []struct {
		name      string
		old, new  *float64
		threshold float64
	}{
		{"battery_level", old.BatteryLevel, new.BatteryLevel, d.cfg.GetBatteryDeltaPct()},
		{"battery_limit", old.BatteryLimit, new.BatteryLimit, 0},
		{"speed", old.SpeedMps, new.SpeedMps, d.cfg.GetSpeedDeltaMps()},
		{"odometer", old.OdometerMiles, new.OdometerMiles, d.cfg.GetOdometerDeltaMiles()},
		{"cabin_temp", old.CabinTempC, new.CabinTempC, d.cfg.GetCabinTempDeltaC()},
		{"tire_psi_fl", old.TirePsiFL, new.TirePsiFL, d.cfg.GetTirePressureDeltaPsi()},
		{"tire_psi_fr", old.TirePsiFR, new.TirePsiFR, d.cfg.GetTirePressureDeltaPsi()},
		{"tire_psi_rl", old.TirePsiRL, new.TirePsiRL, d.cfg.GetTirePressureDeltaPsi()},
		{"tire_psi_rr", old.TirePsiRR, new.TirePsiRR, d.cfg.GetTirePressureDeltaPsi()},
	}
	for _, f := range thresholds {
		if floatChanged(f.old, f.new, f.threshold) {
			return f.name
		}
	}

	if locationChanged(old, new, d.cfg.GetLocationDeltaMeters()) {
		return "location"
	}

	bools := []struct {
		name     string
		old, new *bool
	}{
		{"preconditioning", old.Preconditioning, new.Preconditioning},
		{"pet_mode", old.PetMode, new.PetMode},
		{"defrost", old.Defrost, new.Defrost},
		{"doors_closed", old.DoorsClosed, new.DoorsClosed},
		{"windows_closed", old.WindowsClosed, new.WindowsClosed},
		{"frunk_closed", old.FrunkClosed, new.FrunkClosed},
		{"liftgate_closed", old.LiftgateClosed, new.LiftgateClosed},
		{"tonneau_closed", old.TonneauClosed, new.TonneauClosed},
		{"side_bins_closed", old.SideBinsClosed, new.SideBinsClosed},
		{"charge_port_closed", old.ChargePortClosed, new.ChargePortClosed},
		{"limited_accel_cold", old.LimitedAccelCold, new.LimitedAccelCold},
		{"limited_regen_cold", old.LimitedRegenCold, new.LimitedRegenCold},
	}
	for _, f := range bools {
		if boolChanged(f.old, f.new) {
			return f.name
		}
	}

	return ""
}

func stringChanged(old, new *string) bool {
	if new == nil {
		return false
	}
	if old == nil {
		return true
	}
	return *old != *new
}

func boolChanged(old, new *bool) bool {
	if new == nil {
		return false
	}
	if old == nil {
		return true
	}
	return *old != *new
}

func floatChanged(old, new *float64, threshold float64) bool {
	if new == nil {
		return false
	}
	if old == nil {
		return true
	}
	delta := *new - *old
	if delta < 0 {
		delta = -delta
	}
	if threshold == 0 {
		return delta != 0
	}
	return delta >= threshold
}

func locationChanged(old, new *db.VehicleSnapshot, thresholdMeters float64) bool {
	if new.Latitude == nil || new.Longitude == nil {
		return false
	}
	if old.Latitude == nil || old.Longitude == nil {
		return true
	}
	dist := units.HaversineMeters(*old.Latitude, *old.Longitude, *new.Latitude, *new.Longitude)
	return dist >= thresholdMeters
}
