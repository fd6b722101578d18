// Package sessions converts the accepted snapshot stream into bounded
// drive and charging sessions. Both detectors are two-state machines,
// Idle and Active, driven by a predicate over each snapshot; the open
// session (if any) is looked up fresh from the store on every update,
// so no detector state survives a restart or needs to.
package sessions

import (
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/packtrail-data/packtrail/internal/config"
	"github.com/packtrail-data/packtrail/internal/db"
	"github.com/packtrail-data/packtrail/internal/monitoring"
	"github.com/packtrail-data/packtrail/internal/units"
)

// DriveTracker detects and records driving sessions.
type DriveTracker struct {
	db  *db.DB
	cfg *config.TuningConfig
}

// NewDriveTracker creates a drive detector over the given store.
func NewDriveTracker(database *db.DB, cfg *config.TuningConfig) *DriveTracker {
	return &DriveTracker{db: database, cfg: cfg}
}

// Activity classifies what a vehicle is doing in one snapshot. Driving
// wins over charging when a snapshot somehow satisfies both predicates,
// so a vehicle never holds an open drive and an open charging session
// at the same time.
type Activity int

const (
	ActivityIdle Activity = iota
	ActivityDriving
	ActivityCharging
)

// ActivityOf resolves a snapshot to a single activity.
func ActivityOf(s *db.VehicleSnapshot) Activity {
	if IsDriving(s) {
		return ActivityDriving
	}
	if IsCharging(s) {
		return ActivityCharging
	}
	return ActivityIdle
}

// IsDriving is the drive predicate: gear in Drive or Reverse.
func IsDriving(s *db.VehicleSnapshot) bool {
	if s.GearStatus == nil {
		return false
	}
	return *s.GearStatus == db.GearDrive || *s.GearStatus == db.GearReverse
}

// HandleUpdate advances the drive state machine for one accepted
// snapshot of vehicle v.
func (t *DriveTracker) HandleUpdate(v *db.Vehicle, s *db.VehicleSnapshot) error {
	open, err := t.db.OpenDrive(s.VehicleID)
	if err != nil {
		return fmt.Errorf("failed to look up open drive: %w", err)
	}

	driving := ActivityOf(s) == ActivityDriving
	switch {
	case open == nil && driving:
		return t.startDrive(s)
	case open != nil && driving:
		return t.continueDrive(open, s)
	case open != nil && !driving:
		return t.closeDrive(open, v, s)
	default:
		return nil
	}
}

func (t *DriveTracker) startDrive(s *db.VehicleSnapshot) error {
	d := &db.Drive{
		ID:             uuid.NewString(),
		VehicleID:      s.VehicleID,
		StartTime:      s.Timestamp,
		StartOdometer:  s.OdometerMiles,
		StartBattery:   s.BatteryLevel,
		StartRange:     s.RangeMiles,
		StartLatitude:  s.Latitude,
		StartLongitude: s.Longitude,
		StartElevation: s.Elevation,
		DriveMode:      s.DriveMode,
		IsOpen:         true,
	}
	if err := t.db.CreateDrive(d); err != nil {
		return err
	}
	monitoring.Logf("drive started: vehicle=%d drive=%s", s.VehicleID, d.ID)
	return t.appendPosition(d, s)
}

func (t *DriveTracker) continueDrive(d *db.Drive, s *db.VehicleSnapshot) error {
	// Running end-side fields are refreshed on every update so an
	// abandoned drive still reflects the last thing we saw.
	if s.OdometerMiles != nil {
		d.EndOdometer = s.OdometerMiles
	}
	if s.BatteryLevel != nil {
		d.EndBattery = s.BatteryLevel
	}
	if s.RangeMiles != nil {
		d.EndRange = s.RangeMiles
	}
	if d.DriveMode == nil && s.DriveMode != nil {
		d.DriveMode = s.DriveMode
	}
	if err := t.db.UpdateDrive(d); err != nil {
		return err
	}
	return t.appendPosition(d, s)
}

// appendPosition records a position sample, throttled: samples closer
// than the minimum interval are skipped unless the vehicle moved more
// than the minimum lat/lon delta, which keeps resolution during fast
// motion without flooding the table while crawling.
func (t *DriveTracker) appendPosition(d *db.Drive, s *db.VehicleSnapshot) error {
	if s.Latitude == nil || s.Longitude == nil {
		return nil
	}

	last, err := t.db.LatestPosition(d.ID)
	if err != nil {
		return fmt.Errorf("failed to look up latest position: %w", err)
	}
	if last != nil {
		interval := s.Timestamp.Sub(last.Timestamp)
		if interval < t.cfg.GetPositionMinInterval() {
			minMove := t.cfg.GetPositionMinMoveDegrees()
			if math.Abs(*s.Latitude-last.Latitude) <= minMove &&
				math.Abs(*s.Longitude-last.Longitude) <= minMove {
				return nil
			}
		}
	}

	return t.db.InsertPosition(&db.Position{
		DriveID:       d.ID,
		Timestamp:     s.Timestamp,
		Latitude:      *s.Latitude,
		Longitude:     *s.Longitude,
		Elevation:     s.Elevation,
		SpeedMps:      s.SpeedMps,
		Heading:       s.Heading,
		BatteryLevel:  s.BatteryLevel,
		OdometerMiles: s.OdometerMiles,
	})
}

func (t *DriveTracker) closeDrive(d *db.Drive, v *db.Vehicle, s *db.VehicleSnapshot) error {
	end := s.Timestamp
	d.EndTime = &end
	d.IsOpen = false
	if s.OdometerMiles != nil {
		d.EndOdometer = s.OdometerMiles
	}
	if s.BatteryLevel != nil {
		d.EndBattery = s.BatteryLevel
	}
	if s.RangeMiles != nil {
		d.EndRange = s.RangeMiles
	}
	d.EndLatitude = s.Latitude
	d.EndLongitude = s.Longitude
	d.EndElevation = s.Elevation

	positions, err := t.db.Positions(d.ID)
	if err != nil {
		return fmt.Errorf("failed to load drive positions: %w", err)
	}

	if d.StartOdometer != nil && d.EndOdometer != nil {
		dist := *d.EndOdometer - *d.StartOdometer
		if dist >= 0 {
			d.DistanceMiles = &dist
		}
	} else if dist := units.MetersToMiles(trailMeters(positions)); dist > 0 {
		// No odometer readings on this drive; fall back to the
		// great-circle length of the recorded trail.
		d.DistanceMiles = &dist
	}

	packKwh := t.cfg.PackKwhForVehicle(v.Model, v.PackKwh)
	if d.StartBattery != nil && d.EndBattery != nil {
		drop := *d.StartBattery - *d.EndBattery
		if drop > 0 {
			energy := packKwh * drop / 100.0
			d.EnergyKwh = &energy
		}
	}

	if d.DistanceMiles != nil && d.EnergyKwh != nil && *d.EnergyKwh > 0 && *d.DistanceMiles > 0 {
		eff := *d.DistanceMiles / *d.EnergyKwh
		whPerMi := units.MiPerKwhToWhPerMi(eff)
		d.MiPerKwh = &eff
		d.WhPerMi = &whPerMi
	}

	applyPositionStats(d, positions)

	if err := t.db.UpdateDrive(d); err != nil {
		return err
	}
	monitoring.Logf("drive closed: vehicle=%d drive=%s distance=%v", d.VehicleID, d.ID, deref(d.DistanceMiles))
	return nil
}

// applyPositionStats derives speed and elevation statistics from the
// recorded position trail.
func applyPositionStats(d *db.Drive, positions []*db.Position) {
	var sum, max float64
	var count int
	var gain float64
	var prevElev *float64

	for _, p := range positions {
		if p.SpeedMps != nil {
			mph := units.MpsToMph(*p.SpeedMps)
			sum += mph
			count++
			if mph > max {
				max = mph
			}
		}
		if p.Elevation != nil {
			if prevElev != nil && *p.Elevation > *prevElev {
				gain += *p.Elevation - *prevElev
			}
			prevElev = p.Elevation
		}
	}

	if count > 0 {
		avg := sum / float64(count)
		d.AvgSpeedMph = &avg
		d.MaxSpeedMph = &max
	}
	if prevElev != nil {
		d.ElevationGainM = &gain
	}
}

// trailMeters sums the great-circle lengths of consecutive position
// segments. Zero for trails shorter than two points.
func trailMeters(positions []*db.Position) float64 {
	var total float64
	for i := 1; i < len(positions); i++ {
		total += units.HaversineMeters(
			positions[i-1].Latitude, positions[i-1].Longitude,
			positions[i].Latitude, positions[i].Longitude)
	}
	return total
}

func deref(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}
