package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/packtrail-data/packtrail/internal/db"
	"github.com/packtrail-data/packtrail/internal/telemetry"
)

// fixtureUpdate is one replayed telemetry push in a -dev fixtures file.
type fixtureUpdate struct {
	VehicleID string             `json:"vehicle_id"`
	DelayMs   int64              `json:"delay_ms"`
	State     db.VehicleSnapshot `json:"state"`
}

// fixtureFactory builds a telemetry client factory that replays canned
// updates from a JSON fixtures file instead of dialing the provider.
// Every account gets the same replay.
func fixtureFactory(path string) (telemetry.Factory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixtures file: %w", err)
	}
	var updates []fixtureUpdate
	if err := json.Unmarshal(data, &updates); err != nil {
		return nil, fmt.Errorf("failed to parse fixtures file: %w", err)
	}
	if len(updates) == 0 {
		return nil, fmt.Errorf("fixtures file %s contains no updates", path)
	}

	return func(token string) telemetry.Client {
		client := telemetry.NewMockClient()
		go func() {
			for _, u := range updates {
				if u.DelayMs > 0 {
					time.Sleep(time.Duration(u.DelayMs) * time.Millisecond)
				}
				state := u.State
				if state.Timestamp.IsZero() {
					state.Timestamp = time.Now()
				}
				client.PushUpdate(&telemetry.Update{
					ProviderVehicleID: u.VehicleID,
					State:             state,
				})
			}
		}()
		return client
	}, nil
}
