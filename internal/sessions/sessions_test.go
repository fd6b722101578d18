package sessions

import (
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/packtrail-data/packtrail/internal/config"
	"github.com/packtrail-data/packtrail/internal/db"
	"github.com/packtrail-data/packtrail/internal/testutil"
)

var testStart = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*db.DB, *db.Vehicle) {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.MigrateUp(); err != nil {
		t.Fatalf("MigrateUp failed: %v", err)
	}

	account := &db.Account{Name: "Test Account", APIToken: "token-123", Active: true}
	if err := database.CreateAccount(account); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	vehicle := &db.Vehicle{
		AccountID:  account.ID,
		ProviderID: "veh-abc",
		Name:       "Test Vehicle",
		Model:      "R1T",
		Active:     true,
		PackKwh:    testutil.Float64Ptr(135.0),
	}
	if err := database.CreateVehicle(vehicle); err != nil {
		t.Fatalf("CreateVehicle failed: %v", err)
	}
	return database, vehicle
}

// drivingSnapshot builds a snapshot in Drive gear at the given offset
// from testStart.
func drivingSnapshot(vehicleID int64, offset time.Duration, odometer, battery, lat, lon, speedMps float64) *db.VehicleSnapshot {
	gear := db.GearDrive
	return &db.VehicleSnapshot{
		VehicleID:     vehicleID,
		Timestamp:     testStart.Add(offset),
		GearStatus:    &gear,
		OdometerMiles: testutil.Float64Ptr(odometer),
		BatteryLevel:  testutil.Float64Ptr(battery),
		RangeMiles:    testutil.Float64Ptr(battery * 3),
		Latitude:      testutil.Float64Ptr(lat),
		Longitude:     testutil.Float64Ptr(lon),
		SpeedMps:      testutil.Float64Ptr(speedMps),
		Elevation:     testutil.Float64Ptr(50.0),
	}
}

func parkedSnapshot(vehicleID int64, offset time.Duration, odometer, battery float64) *db.VehicleSnapshot {
	gear := db.GearPark
	s := drivingSnapshot(vehicleID, offset, odometer, battery, 47.6062, -122.3321, 0)
	s.GearStatus = &gear
	return s
}

func TestActivityOf(t *testing.T) {
	gearDrive := db.GearDrive
	gearPark := db.GearPark
	charging := db.ChargerCharging

	if got := ActivityOf(&db.VehicleSnapshot{GearStatus: &gearDrive}); got != ActivityDriving {
		t.Fatalf("drive gear: activity = %v", got)
	}
	if got := ActivityOf(&db.VehicleSnapshot{GearStatus: &gearPark, ChargerState: &charging}); got != ActivityCharging {
		t.Fatalf("charging: activity = %v", got)
	}
	// driving wins when both predicates hold
	if got := ActivityOf(&db.VehicleSnapshot{GearStatus: &gearDrive, ChargerState: &charging}); got != ActivityDriving {
		t.Fatalf("conflict: activity = %v", got)
	}
	if got := ActivityOf(&db.VehicleSnapshot{}); got != ActivityIdle {
		t.Fatalf("empty: activity = %v", got)
	}
}

func TestDriveLifecycle(t *testing.T) {
	database, vehicle := newTestStore(t)
	tracker := NewDriveTracker(database, config.EmptyTuningConfig())

	// Park, Drive, Drive, Drive, Park
	feed := []*db.VehicleSnapshot{
		parkedSnapshot(vehicle.ID, 0, 12000.0, 80.0),
		drivingSnapshot(vehicle.ID, 10*time.Second, 12000.0, 80.0, 47.6062, -122.3321, 5.0),
		drivingSnapshot(vehicle.ID, 40*time.Second, 12001.0, 79.5, 47.6100, -122.3321, 20.0),
		drivingSnapshot(vehicle.ID, 70*time.Second, 12002.0, 79.0, 47.6150, -122.3321, 15.0),
		parkedSnapshot(vehicle.ID, 100*time.Second, 12003.0, 78.0),
	}
	for i, s := range feed {
		if err := tracker.HandleUpdate(vehicle, s); err != nil {
			t.Fatalf("HandleUpdate(%d) failed: %v", i, err)
		}
	}

	drives, err := database.ListDrives(vehicle.ID, 10)
	if err != nil {
		t.Fatalf("ListDrives failed: %v", err)
	}
	if len(drives) != 1 {
		t.Fatalf("got %d drives, want 1", len(drives))
	}
	d := drives[0]
	if d.IsOpen {
		t.Fatal("drive still open after park")
	}
	if d.EndTime == nil {
		t.Fatal("closed drive has no end time")
	}
	if d.DistanceMiles == nil || *d.DistanceMiles != 3.0 {
		t.Fatalf("distance = %v, want 3.0", d.DistanceMiles)
	}
	// 2% of a 135 kWh pack
	if d.EnergyKwh == nil || *d.EnergyKwh < 2.69 || *d.EnergyKwh > 2.71 {
		t.Fatalf("energy = %v, want 2.7", d.EnergyKwh)
	}
	if d.MiPerKwh == nil || *d.MiPerKwh < 1.0 || *d.MiPerKwh > 1.2 {
		t.Fatalf("efficiency = %v, want ~1.11 mi/kWh", d.MiPerKwh)
	}
	if d.AvgSpeedMph == nil || d.MaxSpeedMph == nil {
		t.Fatal("speed stats missing")
	}
	if *d.MaxSpeedMph < 44.0 || *d.MaxSpeedMph > 45.0 {
		t.Fatalf("max speed = %v mph, want ~44.7", *d.MaxSpeedMph)
	}

	// all three driving samples are >5s apart, so all are recorded
	positions, err := database.Positions(d.ID)
	if err != nil {
		t.Fatalf("Positions failed: %v", err)
	}
	if len(positions) != 3 {
		t.Fatalf("got %d positions, want 3", len(positions))
	}
}

func TestDrivePositionThrottling(t *testing.T) {
	database, vehicle := newTestStore(t)
	tracker := NewDriveTracker(database, config.EmptyTuningConfig())

	feed := []*db.VehicleSnapshot{
		// starts the drive; first position recorded
		drivingSnapshot(vehicle.ID, 0, 12000.0, 80.0, 47.6062, -122.3321, 10.0),
		// 2s later, no movement: throttled
		drivingSnapshot(vehicle.ID, 2*time.Second, 12000.0, 80.0, 47.6062, -122.3321, 10.0),
		// 4s after start, moved well past the min-move delta: recorded
		drivingSnapshot(vehicle.ID, 4*time.Second, 12000.1, 80.0, 47.6072, -122.3321, 10.0),
		// 6s later: past the interval, recorded
		drivingSnapshot(vehicle.ID, 10*time.Second, 12000.2, 80.0, 47.6073, -122.3321, 10.0),
	}
	for i, s := range feed {
		if err := tracker.HandleUpdate(vehicle, s); err != nil {
			t.Fatalf("HandleUpdate(%d) failed: %v", i, err)
		}
	}

	open, err := database.OpenDrive(vehicle.ID)
	if err != nil || open == nil {
		t.Fatalf("expected open drive, got %v (err %v)", open, err)
	}
	positions, err := database.Positions(open.ID)
	if err != nil {
		t.Fatalf("Positions failed: %v", err)
	}
	if len(positions) != 3 {
		t.Fatalf("got %d positions, want 3 (throttle should drop the stationary sample)", len(positions))
	}
}

func TestDriveWithoutOdometerHasNoDistance(t *testing.T) {
	database, vehicle := newTestStore(t)
	tracker := NewDriveTracker(database, config.EmptyTuningConfig())

	start := drivingSnapshot(vehicle.ID, 0, 0, 80.0, 47.6062, -122.3321, 5.0)
	start.OdometerMiles = nil
	end := parkedSnapshot(vehicle.ID, time.Minute, 0, 79.0)
	end.OdometerMiles = nil

	if err := tracker.HandleUpdate(vehicle, start); err != nil {
		t.Fatalf("HandleUpdate(start) failed: %v", err)
	}
	if err := tracker.HandleUpdate(vehicle, end); err != nil {
		t.Fatalf("HandleUpdate(end) failed: %v", err)
	}

	drives, err := database.ListDrives(vehicle.ID, 10)
	if err != nil || len(drives) != 1 {
		t.Fatalf("ListDrives: %v, %d drives", err, len(drives))
	}
	if drives[0].DistanceMiles != nil {
		t.Fatalf("distance = %v, want nil without odometer", *drives[0].DistanceMiles)
	}
}

func TestDriveWithoutOdometerUsesPositionTrail(t *testing.T) {
	database, vehicle := newTestStore(t)
	tracker := NewDriveTracker(database, config.EmptyTuningConfig())

	// three positions 0.01° of latitude apart, ~1112 m per segment
	feed := []*db.VehicleSnapshot{
		drivingSnapshot(vehicle.ID, 0, 0, 80.0, 47.6062, -122.3321, 10.0),
		drivingSnapshot(vehicle.ID, 30*time.Second, 0, 79.5, 47.6162, -122.3321, 10.0),
		drivingSnapshot(vehicle.ID, 60*time.Second, 0, 79.0, 47.6262, -122.3321, 10.0),
		parkedSnapshot(vehicle.ID, 90*time.Second, 0, 78.5),
	}
	for _, s := range feed {
		s.OdometerMiles = nil
		if err := tracker.HandleUpdate(vehicle, s); err != nil {
			t.Fatalf("HandleUpdate failed: %v", err)
		}
	}

	drives, err := database.ListDrives(vehicle.ID, 10)
	if err != nil || len(drives) != 1 {
		t.Fatalf("ListDrives: %v, %d drives", err, len(drives))
	}
	d := drives[0]
	if d.DistanceMiles == nil {
		t.Fatal("expected trail-derived distance without odometer")
	}
	if math.Abs(*d.DistanceMiles-1.382) > 0.01 {
		t.Fatalf("distance = %v mi, want ~1.382 from the position trail", *d.DistanceMiles)
	}
}

func chargingSnapshot(vehicleID int64, offset time.Duration, battery float64) *db.VehicleSnapshot {
	charger := db.ChargerCharging
	gear := db.GearPark
	return &db.VehicleSnapshot{
		VehicleID:    vehicleID,
		Timestamp:    testStart.Add(offset),
		GearStatus:   &gear,
		ChargerState: &charger,
		BatteryLevel: testutil.Float64Ptr(battery),
		Latitude:     testutil.Float64Ptr(47.6062),
		Longitude:    testutil.Float64Ptr(-122.3321),
	}
}

func disconnectedSnapshot(vehicleID int64, offset time.Duration, battery float64) *db.VehicleSnapshot {
	charger := db.ChargerDisconnected
	s := chargingSnapshot(vehicleID, offset, battery)
	s.ChargerState = &charger
	return s
}

func TestChargeLifecycle(t *testing.T) {
	database, vehicle := newTestStore(t)
	tracker := NewChargeTracker(database, config.EmptyTuningConfig())

	// Disconnected, Charging(50), Charging(80), Disconnected
	feed := []*db.VehicleSnapshot{
		disconnectedSnapshot(vehicle.ID, 0, 50.0),
		chargingSnapshot(vehicle.ID, time.Minute, 50.0),
		chargingSnapshot(vehicle.ID, 31*time.Minute, 80.0),
		disconnectedSnapshot(vehicle.ID, 61*time.Minute, 80.0),
	}
	for i, s := range feed {
		if err := tracker.HandleUpdate(vehicle, s); err != nil {
			t.Fatalf("HandleUpdate(%d) failed: %v", i, err)
		}
	}

	charges, err := database.ListChargingSessions(vehicle.ID, 10)
	if err != nil {
		t.Fatalf("ListChargingSessions failed: %v", err)
	}
	if len(charges) != 1 {
		t.Fatalf("got %d sessions, want 1", len(charges))
	}
	cs := charges[0]
	if cs.IsOpen {
		t.Fatal("session still open after disconnect")
	}
	// 30% gain on a 135 kWh pack
	if cs.EnergyAddedKwh == nil || *cs.EnergyAddedKwh < 40.49 || *cs.EnergyAddedKwh > 40.51 {
		t.Fatalf("energy added = %v, want 40.5", cs.EnergyAddedKwh)
	}
	// gain of 30 >= 20, so the session measures the pack
	if cs.CalculatedCapacityKwh == nil {
		t.Fatal("calculated capacity not set for 30%% gain")
	}
	if *cs.CalculatedCapacityKwh < 134.9 || *cs.CalculatedCapacityKwh > 135.1 {
		t.Fatalf("calculated capacity = %v, want 135", *cs.CalculatedCapacityKwh)
	}
	if cs.CapacityConfidence == nil || *cs.CapacityConfidence < 0.59 || *cs.CapacityConfidence > 0.61 {
		t.Fatalf("confidence = %v, want 0.6", cs.CapacityConfidence)
	}
	// 40.5 kWh over one hour averages 40.5 kW: DC fast
	if cs.AvgPowerKw == nil || *cs.AvgPowerKw < 40.4 || *cs.AvgPowerKw > 40.6 {
		t.Fatalf("avg power = %v, want 40.5", cs.AvgPowerKw)
	}
	if cs.ChargeType == nil || *cs.ChargeType != db.ChargeTypeDCFast {
		t.Fatalf("charge type = %v, want dc_fast", cs.ChargeType)
	}
	if cs.PeakPowerKw == nil || *cs.PeakPowerKw < 60.7 || *cs.PeakPowerKw > 60.8 {
		t.Fatalf("peak power = %v, want 60.75", cs.PeakPowerKw)
	}
}

func TestChargeSmallGainSkipsCapacity(t *testing.T) {
	database, vehicle := newTestStore(t)
	tracker := NewChargeTracker(database, config.EmptyTuningConfig())

	feed := []*db.VehicleSnapshot{
		chargingSnapshot(vehicle.ID, 0, 70.0),
		chargingSnapshot(vehicle.ID, 10*time.Hour, 80.0),
		disconnectedSnapshot(vehicle.ID, 10*time.Hour+time.Minute, 80.0),
	}
	for i, s := range feed {
		if err := tracker.HandleUpdate(vehicle, s); err != nil {
			t.Fatalf("HandleUpdate(%d) failed: %v", i, err)
		}
	}

	charges, err := database.ListChargingSessions(vehicle.ID, 10)
	if err != nil || len(charges) != 1 {
		t.Fatalf("ListChargingSessions: %v, %d sessions", err, len(charges))
	}
	cs := charges[0]
	if cs.CalculatedCapacityKwh != nil {
		t.Fatalf("calculated capacity set for 10%% gain: %v", *cs.CalculatedCapacityKwh)
	}
	// 13.5 kWh over ~10h is ~1.35 kW: AC level 2
	if cs.ChargeType == nil || *cs.ChargeType != db.ChargeTypeAC {
		t.Fatalf("charge type = %v, want ac_level2", cs.ChargeType)
	}
}

func TestChargeHomeFlag(t *testing.T) {
	database, vehicle := newTestStore(t)
	tracker := NewChargeTracker(database, config.EmptyTuningConfig())

	home := &db.UserLocation{
		AccountID: vehicle.AccountID,
		Name:      "home",
		Latitude:  47.6062,
		Longitude: -122.3321,
	}
	if err := database.CreateUserLocation(home); err != nil {
		t.Fatalf("CreateUserLocation failed: %v", err)
	}

	feed := []*db.VehicleSnapshot{
		chargingSnapshot(vehicle.ID, 0, 50.0),
		disconnectedSnapshot(vehicle.ID, time.Hour, 80.0),
	}
	for i, s := range feed {
		if err := tracker.HandleUpdate(vehicle, s); err != nil {
			t.Fatalf("HandleUpdate(%d) failed: %v", i, err)
		}
	}

	charges, err := database.ListChargingSessions(vehicle.ID, 10)
	if err != nil || len(charges) != 1 {
		t.Fatalf("ListChargingSessions: %v, %d sessions", err, len(charges))
	}
	if charges[0].IsHome == nil || !*charges[0].IsHome {
		t.Fatal("session at saved location not flagged as home")
	}
}

func TestChargeAwayFromHomeNotFlagged(t *testing.T) {
	database, vehicle := newTestStore(t)
	tracker := NewChargeTracker(database, config.EmptyTuningConfig())

	home := &db.UserLocation{
		AccountID: vehicle.AccountID,
		Name:      "home",
		Latitude:  47.0,
		Longitude: -121.0,
	}
	if err := database.CreateUserLocation(home); err != nil {
		t.Fatalf("CreateUserLocation failed: %v", err)
	}

	feed := []*db.VehicleSnapshot{
		chargingSnapshot(vehicle.ID, 0, 50.0),
		disconnectedSnapshot(vehicle.ID, time.Hour, 80.0),
	}
	for i, s := range feed {
		if err := tracker.HandleUpdate(vehicle, s); err != nil {
			t.Fatalf("HandleUpdate(%d) failed: %v", i, err)
		}
	}

	charges, _ := database.ListChargingSessions(vehicle.ID, 10)
	if charges[0].IsHome == nil || *charges[0].IsHome {
		t.Fatal("distant session flagged as home")
	}
}
