package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// TuningConfig holds the tunable parameters of the telemetry pipeline:
// dedup thresholds, session detection parameters, reconnect backoff and
// health trend gating. All fields are optional in the JSON file; the
// Get* accessors supply defaults for anything left unset, so partial
// configs are safe.
type TuningConfig struct {
	// Connection manager
	ReconcileInterval *string `json:"reconcile_interval,omitempty"` // duration string like "30s"
	SettleDelay       *string `json:"settle_delay,omitempty"`
	BackoffBase       *string `json:"backoff_base,omitempty"`
	BackoffMax        *string `json:"backoff_max,omitempty"`

	// Deduplication thresholds
	HeartbeatInterval    *string  `json:"heartbeat_interval,omitempty"`
	BatteryDeltaPct      *float64 `json:"battery_delta_pct,omitempty"`
	SpeedDeltaMps        *float64 `json:"speed_delta_mps,omitempty"`
	LocationDeltaMeters  *float64 `json:"location_delta_meters,omitempty"`
	OdometerDeltaMiles   *float64 `json:"odometer_delta_miles,omitempty"`
	CabinTempDeltaC      *float64 `json:"cabin_temp_delta_c,omitempty"`
	TirePressureDeltaPsi *float64 `json:"tire_pressure_delta_psi,omitempty"`

	// Drive detection
	PositionMinInterval    *string  `json:"position_min_interval,omitempty"`
	PositionMinMoveDegrees *float64 `json:"position_min_move_degrees,omitempty"`

	// Charge detection
	CapacityMinGainPct   *float64 `json:"capacity_min_gain_pct,omitempty"`
	DCFastPowerKw        *float64 `json:"dc_fast_power_kw,omitempty"`
	HomeRadiusMeters     *float64 `json:"home_radius_meters,omitempty"`
	DefaultPackKwh       *float64 `json:"default_pack_kwh,omitempty"`
	PackKwhByModel       map[string]float64 `json:"pack_kwh_by_model,omitempty"`

	// Health trend
	HealthMinInterval      *string  `json:"health_min_interval,omitempty"`
	HealthCapacityDeltaKwh *float64 `json:"health_capacity_delta_kwh,omitempty"`
	TrendMinAgeDays        *int     `json:"trend_min_age_days,omitempty"`
	TrendMaxRatePer10k     *float64 `json:"trend_max_rate_per_10k,omitempty"`

	// Telemetry subscription
	TelemetryProperties []string `json:"telemetry_properties,omitempty"`
}

// DefaultTelemetryProperties is the provider property set every vehicle
// subscription requests when the config does not override it.
var DefaultTelemetryProperties = []string{
	"batteryLevel", "batteryLimit", "batteryCapacity", "distanceToEmpty",
	"vehicleMileage", "gnssLocation", "gnssSpeed", "gnssBearing",
	"gearStatus", "powerState", "chargerState", "driveMode",
	"cabinClimateInteriorTemperature", "cabinPreconditioningStatus",
	"petModeStatus", "defrostDefogStatus",
	"doorFrontLeftClosed", "doorFrontRightClosed",
	"doorRearLeftClosed", "doorRearRightClosed",
	"windowFrontLeftClosed", "windowFrontRightClosed",
	"windowRearLeftClosed", "windowRearRightClosed",
	"closureFrunkClosed", "closureLiftgateClosed", "closureTonneauClosed",
	"closureSideBinLeftClosed", "closureSideBinRightClosed",
	"chargePortState", "tirePressureStatusFrontLeft",
	"tirePressureStatusFrontRight", "tirePressureStatusRearLeft",
	"tirePressureStatusRearRight", "tirePressureFrontLeft",
	"tirePressureFrontRight", "tirePressureRearLeft", "tirePressureRearRight",
	"otaCurrentVersion", "otaStatus", "gearGuardStatus",
	"limitedAccelCold", "limitedRegenCold", "twelveVoltBatteryHealth",
}

// EmptyTuningConfig returns a TuningConfig with every field unset.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file. Fields omitted
// from the file retain their defaults, so partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are usable.
func (c *TuningConfig) Validate() error {
	durations := map[string]*string{
		"reconcile_interval":    c.ReconcileInterval,
		"settle_delay":          c.SettleDelay,
		"backoff_base":          c.BackoffBase,
		"backoff_max":           c.BackoffMax,
		"heartbeat_interval":    c.HeartbeatInterval,
		"position_min_interval": c.PositionMinInterval,
		"health_min_interval":   c.HealthMinInterval,
	}
	for name, v := range durations {
		if v != nil && *v != "" {
			if _, err := time.ParseDuration(*v); err != nil {
				return fmt.Errorf("invalid %s %q: %w", name, *v, err)
			}
		}
	}

	if c.BatteryDeltaPct != nil && *c.BatteryDeltaPct < 0 {
		return fmt.Errorf("battery_delta_pct must be non-negative, got %f", *c.BatteryDeltaPct)
	}
	if c.LocationDeltaMeters != nil && *c.LocationDeltaMeters < 0 {
		return fmt.Errorf("location_delta_meters must be non-negative, got %f", *c.LocationDeltaMeters)
	}
	if c.DefaultPackKwh != nil && *c.DefaultPackKwh <= 0 {
		return fmt.Errorf("default_pack_kwh must be positive, got %f", *c.DefaultPackKwh)
	}
	if c.TrendMaxRatePer10k != nil && *c.TrendMaxRatePer10k <= 0 {
		return fmt.Errorf("trend_max_rate_per_10k must be positive, got %f", *c.TrendMaxRatePer10k)
	}

	return nil
}

func (c *TuningConfig) duration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// GetReconcileInterval returns how often account reconciliation runs.
func (c *TuningConfig) GetReconcileInterval() time.Duration {
	return c.duration(c.ReconcileInterval, 30*time.Second)
}

// GetSettleDelay returns the startup delay before the first reconciliation.
func (c *TuningConfig) GetSettleDelay() time.Duration {
	return c.duration(c.SettleDelay, 5*time.Second)
}

// GetBackoffBase returns the base reconnect backoff delay.
func (c *TuningConfig) GetBackoffBase() time.Duration {
	return c.duration(c.BackoffBase, 5*time.Second)
}

// GetBackoffMax returns the reconnect backoff ceiling.
func (c *TuningConfig) GetBackoffMax() time.Duration {
	return c.duration(c.BackoffMax, 60*time.Second)
}

// GetHeartbeatInterval returns the dedup keep-alive interval.
func (c *TuningConfig) GetHeartbeatInterval() time.Duration {
	return c.duration(c.HeartbeatInterval, time.Hour)
}

// GetBatteryDeltaPct returns the battery-level change threshold in percent.
func (c *TuningConfig) GetBatteryDeltaPct() float64 {
	if c.BatteryDeltaPct == nil {
		return 0.5
	}
	return *c.BatteryDeltaPct
}

// GetSpeedDeltaMps returns the speed change threshold in m/s.
func (c *TuningConfig) GetSpeedDeltaMps() float64 {
	if c.SpeedDeltaMps == nil {
		return 0.5
	}
	return *c.SpeedDeltaMps
}

// GetLocationDeltaMeters returns the great-circle movement threshold.
func (c *TuningConfig) GetLocationDeltaMeters() float64 {
	if c.LocationDeltaMeters == nil {
		return 50.0
	}
	return *c.LocationDeltaMeters
}

// GetOdometerDeltaMiles returns the odometer change threshold in miles.
func (c *TuningConfig) GetOdometerDeltaMiles() float64 {
	if c.OdometerDeltaMiles == nil {
		return 0.1
	}
	return *c.OdometerDeltaMiles
}

// GetCabinTempDeltaC returns the cabin temperature threshold in Celsius.
func (c *TuningConfig) GetCabinTempDeltaC() float64 {
	if c.CabinTempDeltaC == nil {
		return 1.0
	}
	return *c.CabinTempDeltaC
}

// GetTirePressureDeltaPsi returns the tire pressure threshold in PSI.
func (c *TuningConfig) GetTirePressureDeltaPsi() float64 {
	if c.TirePressureDeltaPsi == nil {
		return 1.0
	}
	return *c.TirePressureDeltaPsi
}

// GetPositionMinInterval returns the minimum spacing between recorded
// drive positions when the vehicle is not moving fast.
func (c *TuningConfig) GetPositionMinInterval() time.Duration {
	return c.duration(c.PositionMinInterval, 5*time.Second)
}

// GetPositionMinMoveDegrees returns the lat/lon delta that bypasses the
// position interval throttle (~10m at the default 0.0001).
func (c *TuningConfig) GetPositionMinMoveDegrees() float64 {
	if c.PositionMinMoveDegrees == nil {
		return 0.0001
	}
	return *c.PositionMinMoveDegrees
}

// GetCapacityMinGainPct returns the minimum battery-percent gain a
// charging session needs before a capacity estimate is recorded.
func (c *TuningConfig) GetCapacityMinGainPct() float64 {
	if c.CapacityMinGainPct == nil {
		return 20.0
	}
	return *c.CapacityMinGainPct
}

// GetDCFastPowerKw returns the average-power cutover above which a
// session is classified as DC fast charging.
func (c *TuningConfig) GetDCFastPowerKw() float64 {
	if c.DCFastPowerKw == nil {
		return 20.0
	}
	return *c.DCFastPowerKw
}

// GetHomeRadiusMeters returns the saved-location match radius for the
// home-charging flag.
func (c *TuningConfig) GetHomeRadiusMeters() float64 {
	if c.HomeRadiusMeters == nil {
		return 150.0
	}
	return *c.HomeRadiusMeters
}

// GetDefaultPackKwh returns the rated pack capacity used when a vehicle
// model has no entry in PackKwhByModel.
func (c *TuningConfig) GetDefaultPackKwh() float64 {
	if c.DefaultPackKwh == nil {
		return 135.0
	}
	return *c.DefaultPackKwh
}

// PackKwhForModel returns the rated pack capacity for a vehicle model.
func (c *TuningConfig) PackKwhForModel(model string) float64 {
	if kwh, ok := c.PackKwhByModel[model]; ok && kwh > 0 {
		return kwh
	}
	return c.GetDefaultPackKwh()
}

// PackKwhForVehicle returns the pack capacity for a vehicle, preferring
// a per-vehicle override before the model table and the default.
func (c *TuningConfig) PackKwhForVehicle(model string, override *float64) float64 {
	if override != nil && *override > 0 {
		return *override
	}
	return c.PackKwhForModel(model)
}

// GetHealthMinInterval returns the minimum spacing between battery
// health snapshots for one vehicle.
func (c *TuningConfig) GetHealthMinInterval() time.Duration {
	return c.duration(c.HealthMinInterval, time.Hour)
}

// GetHealthCapacityDeltaKwh returns the capacity change that forces a
// new health snapshot regardless of spacing.
func (c *TuningConfig) GetHealthCapacityDeltaKwh() float64 {
	if c.HealthCapacityDeltaKwh == nil {
		return 0.5
	}
	return *c.HealthCapacityDeltaKwh
}

// GetTrendMinAgeDays returns how old a health snapshot must be before
// the trend regression uses it.
func (c *TuningConfig) GetTrendMinAgeDays() int {
	if c.TrendMinAgeDays == nil {
		return 30
	}
	return *c.TrendMinAgeDays
}

// GetTrendMaxRatePer10k returns the degradation-rate ceiling in percent
// per 10,000 miles beyond which a regression fit is treated as noise.
func (c *TuningConfig) GetTrendMaxRatePer10k() float64 {
	if c.TrendMaxRatePer10k == nil {
		return 10.0
	}
	return *c.TrendMaxRatePer10k
}

// GetTelemetryProperties returns the provider property names subscribed
// for every vehicle.
func (c *TuningConfig) GetTelemetryProperties() []string {
	if len(c.TelemetryProperties) > 0 {
		return c.TelemetryProperties
	}
	return DefaultTelemetryProperties
}
