package health

import (
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/packtrail-data/packtrail/internal/config"
	"github.com/packtrail-data/packtrail/internal/db"
	"github.com/packtrail-data/packtrail/internal/testutil"
)

var testStart = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

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

func capacitySnapshot(vehicleID int64, at time.Time, odometer, capacityKwh float64) *db.VehicleSnapshot {
	return &db.VehicleSnapshot{
		VehicleID:          vehicleID,
		Timestamp:          at,
		OdometerMiles:      testutil.Float64Ptr(odometer),
		BatteryCapacityKwh: testutil.Float64Ptr(capacityKwh),
	}
}

func TestHealthSnapshotRecorded(t *testing.T) {
	database, vehicle := newTestStore(t)
	est := NewEstimator(database, config.EmptyTuningConfig())

	s := capacitySnapshot(vehicle.ID, testStart, 12000.0, 128.25)
	if err := est.HandleUpdate(vehicle, s); err != nil {
		t.Fatalf("HandleUpdate failed: %v", err)
	}

	h, err := database.LatestBatteryHealth(vehicle.ID)
	if err != nil {
		t.Fatalf("LatestBatteryHealth failed: %v", err)
	}
	if h == nil {
		t.Fatal("no health snapshot recorded")
	}
	if h.HealthPct < 94.9 || h.HealthPct > 95.1 {
		t.Fatalf("health = %v%%, want 95", h.HealthPct)
	}
	if h.CapacityLostKwh < 6.74 || h.CapacityLostKwh > 6.76 {
		t.Fatalf("capacity lost = %v, want 6.75", h.CapacityLostKwh)
	}
	// one point is not a trend
	if h.RatePer10kMiles != nil {
		t.Fatalf("rate set with no history: %v", *h.RatePer10kMiles)
	}
}

func TestHealthGating(t *testing.T) {
	database, vehicle := newTestStore(t)
	est := NewEstimator(database, config.EmptyTuningConfig())

	first := capacitySnapshot(vehicle.ID, testStart, 12000.0, 130.0)
	if err := est.HandleUpdate(vehicle, first); err != nil {
		t.Fatalf("HandleUpdate(first) failed: %v", err)
	}

	// 30 minutes later with a 0.3 kWh delta: under both gates, skipped.
	soon := capacitySnapshot(vehicle.ID, testStart.Add(30*time.Minute), 12010.0, 129.7)
	if err := est.HandleUpdate(vehicle, soon); err != nil {
		t.Fatalf("HandleUpdate(soon) failed: %v", err)
	}
	list, err := database.ListBatteryHealth(vehicle.ID, 10)
	if err != nil {
		t.Fatalf("ListBatteryHealth failed: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("got %d snapshots, want 1 (small recent delta skipped)", len(list))
	}

	// a big enough capacity jump is recorded even within the interval
	jump := capacitySnapshot(vehicle.ID, testStart.Add(40*time.Minute), 12020.0, 128.5)
	if err := est.HandleUpdate(vehicle, jump); err != nil {
		t.Fatalf("HandleUpdate(jump) failed: %v", err)
	}
	list, _ = database.ListBatteryHealth(vehicle.ID, 10)
	if len(list) != 2 {
		t.Fatalf("got %d snapshots, want 2 (large delta recorded)", len(list))
	}

	// and so is anything past the interval
	later := capacitySnapshot(vehicle.ID, testStart.Add(2*time.Hour), 12030.0, 128.5)
	if err := est.HandleUpdate(vehicle, later); err != nil {
		t.Fatalf("HandleUpdate(later) failed: %v", err)
	}
	list, _ = database.ListBatteryHealth(vehicle.ID, 10)
	if len(list) != 3 {
		t.Fatalf("got %d snapshots, want 3 (stale reading recorded)", len(list))
	}
}

func TestHealthMissingReadingsSkipped(t *testing.T) {
	database, vehicle := newTestStore(t)
	est := NewEstimator(database, config.EmptyTuningConfig())

	noCapacity := &db.VehicleSnapshot{
		VehicleID:     vehicle.ID,
		Timestamp:     testStart,
		OdometerMiles: testutil.Float64Ptr(12000.0),
	}
	noOdometer := &db.VehicleSnapshot{
		VehicleID:          vehicle.ID,
		Timestamp:          testStart,
		BatteryCapacityKwh: testutil.Float64Ptr(130.0),
	}
	for _, s := range []*db.VehicleSnapshot{noCapacity, noOdometer} {
		if err := est.HandleUpdate(vehicle, s); err != nil {
			t.Fatalf("HandleUpdate failed: %v", err)
		}
	}
	list, err := database.ListBatteryHealth(vehicle.ID, 10)
	if err != nil {
		t.Fatalf("ListBatteryHealth failed: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("got %d snapshots, want 0", len(list))
	}
}

// linearSeries feeds readings that lose exactly one health percent per
// 10,000 miles off a 135 kWh pack.
func linearSeries(t *testing.T, est *Estimator, vehicle *db.Vehicle) {
	t.Helper()
	points := []struct {
		day      int
		odometer float64
	}{
		{0, 0},
		{20, 10000},
		{40, 20000},
		{60, 30000},
	}
	for _, p := range points {
		healthPct := 100.0 - p.odometer/10000.0
		capacity := healthPct / 100.0 * 135.0
		s := capacitySnapshot(vehicle.ID, testStart.AddDate(0, 0, p.day), p.odometer, capacity)
		if err := est.HandleUpdate(vehicle, s); err != nil {
			t.Fatalf("HandleUpdate(day %d) failed: %v", p.day, err)
		}
	}
}

func TestHealthTrendProjection(t *testing.T) {
	database, vehicle := newTestStore(t)
	est := NewEstimator(database, config.EmptyTuningConfig())
	linearSeries(t, est, vehicle)

	// Final reading on the same line, far enough past the early points
	// that they count as settled history.
	final := capacitySnapshot(vehicle.ID, testStart.AddDate(0, 0, 120), 50000.0, 0.95*135.0)
	if err := est.HandleUpdate(vehicle, final); err != nil {
		t.Fatalf("HandleUpdate(final) failed: %v", err)
	}

	h, err := database.LatestBatteryHealth(vehicle.ID)
	if err != nil || h == nil {
		t.Fatalf("LatestBatteryHealth: %v, %v", h, err)
	}
	if h.RatePer10kMiles == nil {
		t.Fatal("no degradation rate on a clean linear series")
	}
	if math.Abs(*h.RatePer10kMiles-1.0) > 0.01 {
		t.Fatalf("rate = %v per 10k miles, want 1.0", *h.RatePer10kMiles)
	}
	if h.ProjectedHealthAt100k == nil {
		t.Fatal("no 100k projection")
	}
	if math.Abs(*h.ProjectedHealthAt100k-90.0) > 0.1 {
		t.Fatalf("projected health at 100k = %v, want 90", *h.ProjectedHealthAt100k)
	}
	if h.ProjectedMilesTo70Pct == nil {
		t.Fatal("no miles-to-70%% projection")
	}
	if math.Abs(*h.ProjectedMilesTo70Pct-300000.0) > 100.0 {
		t.Fatalf("miles to 70%% = %v, want 300000", *h.ProjectedMilesTo70Pct)
	}
	if h.RemainingWarrantyKwh == nil {
		t.Fatal("no remaining warranty headroom")
	}
	if math.Abs(*h.RemainingWarrantyKwh-33.75) > 0.01 {
		t.Fatalf("remaining warranty = %v kWh, want 33.75", *h.RemainingWarrantyKwh)
	}
}

func TestHealthTrendIgnoresCurrentReading(t *testing.T) {
	database, vehicle := newTestStore(t)
	est := NewEstimator(database, config.EmptyTuningConfig())
	linearSeries(t, est, vehicle)

	// Wildly low outlier reading. The fit comes from settled history
	// only, so this sample gets the clean 1%-per-10k projection instead
	// of dragging the line down with itself.
	outlier := capacitySnapshot(vehicle.ID, testStart.AddDate(0, 0, 120), 50000.0, 0.80*135.0)
	if err := est.HandleUpdate(vehicle, outlier); err != nil {
		t.Fatalf("HandleUpdate(outlier) failed: %v", err)
	}

	h, err := database.LatestBatteryHealth(vehicle.ID)
	if err != nil || h == nil {
		t.Fatalf("LatestBatteryHealth: %v, %v", h, err)
	}
	if h.RatePer10kMiles == nil {
		t.Fatal("no degradation rate")
	}
	if math.Abs(*h.RatePer10kMiles-1.0) > 0.01 {
		t.Fatalf("rate = %v per 10k miles, want 1.0 from history alone", *h.RatePer10kMiles)
	}
	if h.ProjectedHealthAt100k == nil || math.Abs(*h.ProjectedHealthAt100k-90.0) > 0.1 {
		t.Fatalf("projected health at 100k = %v, want 90", h.ProjectedHealthAt100k)
	}
}

func TestHealthFlatSeriesHasNoProjection(t *testing.T) {
	database, vehicle := newTestStore(t)
	est := NewEstimator(database, config.EmptyTuningConfig())

	for i, day := range []int{0, 20, 40, 60} {
		s := capacitySnapshot(vehicle.ID, testStart.AddDate(0, 0, day), float64(i)*10000.0, 132.0)
		// the delta gate would drop identical capacities, so nudge each
		// reading just past the threshold
		*s.BatteryCapacityKwh += float64(i) * 0.6
		if err := est.HandleUpdate(vehicle, s); err != nil {
			t.Fatalf("HandleUpdate(day %d) failed: %v", day, err)
		}
	}
	final := capacitySnapshot(vehicle.ID, testStart.AddDate(0, 0, 120), 40000.0, 132.0)
	if err := est.HandleUpdate(vehicle, final); err != nil {
		t.Fatalf("HandleUpdate(final) failed: %v", err)
	}

	h, err := database.LatestBatteryHealth(vehicle.ID)
	if err != nil || h == nil {
		t.Fatalf("LatestBatteryHealth: %v, %v", h, err)
	}
	if h.RatePer10kMiles != nil {
		t.Fatalf("rate = %v on a non-degrading series, want none", *h.RatePer10kMiles)
	}
	if h.ProjectedHealthAt100k != nil {
		t.Fatalf("projection = %v on a non-degrading series, want none", *h.ProjectedHealthAt100k)
	}
}

func TestHealthBackfill(t *testing.T) {
	database, vehicle := newTestStore(t)
	est := NewEstimator(database, config.EmptyTuningConfig())
	linearSeries(t, est, vehicle)

	final := capacitySnapshot(vehicle.ID, testStart.AddDate(0, 0, 120), 50000.0, 0.95*135.0)
	if err := est.HandleUpdate(vehicle, final); err != nil {
		t.Fatalf("HandleUpdate(final) failed: %v", err)
	}

	updated, err := est.Backfill(vehicle.ID)
	if err != nil {
		t.Fatalf("Backfill failed: %v", err)
	}
	if updated != 5 {
		t.Fatalf("Backfill updated %d snapshots, want 5", updated)
	}

	// the newest snapshot keeps its projections after the recompute
	h, err := database.LatestBatteryHealth(vehicle.ID)
	if err != nil || h == nil {
		t.Fatalf("LatestBatteryHealth: %v, %v", h, err)
	}
	if h.RatePer10kMiles == nil {
		t.Fatalf("backfill dropped the rate on the newest snapshot")
	}
	if math.Abs(*h.RatePer10kMiles-1.0) > 0.01 {
		t.Fatalf("rate after backfill = %v, want 1.0", *h.RatePer10kMiles)
	}

	// the earliest snapshots have too little preceding history for a fit
	list, err := database.ListBatteryHealth(vehicle.ID, 10)
	if err != nil {
		t.Fatalf("ListBatteryHealth failed: %v", err)
	}
	oldest := list[len(list)-1]
	if oldest.RatePer10kMiles != nil {
		t.Fatalf("oldest snapshot has a rate: %v", *oldest.RatePer10kMiles)
	}
}

func TestStaleAfter(t *testing.T) {
	est := NewEstimator(nil, config.EmptyTuningConfig())

	if !est.StaleAfter(nil, 130.0, testStart) {
		t.Fatal("nil previous snapshot should be stale")
	}
	prev := &db.BatteryHealthSnapshot{Timestamp: testStart, CapacityKwh: 130.0}
	if est.StaleAfter(prev, 130.1, testStart.Add(10*time.Minute)) {
		t.Fatal("small recent delta should not be stale")
	}
	if !est.StaleAfter(prev, 130.0, testStart.Add(2*time.Hour)) {
		t.Fatal("old reading should be stale")
	}
	if !est.StaleAfter(prev, 131.0, testStart.Add(10*time.Minute)) {
		t.Fatal("large delta should be stale")
	}
}
