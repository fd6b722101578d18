package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packtrail-data/packtrail/internal/db"
)

func TestMockClientDeliversEventsInOrder(t *testing.T) {
	c := NewMockClient()
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Subscribe(context.Background(), "veh-abc", []string{"batteryLevel"}))

	c.PushUpdate(&Update{ProviderVehicleID: "veh-abc", State: db.VehicleSnapshot{}})
	c.PushError(errors.New("hiccup"))
	c.PushDisconnect(errors.New("dropped"))

	var types []EventType
	for ev := range c.Events() {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []EventType{EventUpdate, EventError, EventDisconnected}, types)
}

func TestMockClientSubscribeRequiresConnect(t *testing.T) {
	c := NewMockClient()
	err := c.Subscribe(context.Background(), "veh-abc", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestMockClientConnectFailure(t *testing.T) {
	c := NewMockClient()
	c.FailConnect(errors.New("bad token"))
	require.Error(t, c.Connect(context.Background()))
	assert.False(t, c.Connected())
}

func TestMockClientCloseIsIdempotent(t *testing.T) {
	c := NewMockClient()
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, 1, c.CloseCount)

	// pushes after close are dropped, not a panic
	c.PushUpdate(&Update{ProviderVehicleID: "veh-abc"})
	c.PushError(errors.New("late"))
	c.PushDisconnect(errors.New("late"))

	_, ok := <-c.Events()
	assert.False(t, ok, "event delivered after close")
}

func TestMockClientDisconnectClosesStream(t *testing.T) {
	c := NewMockClient()
	c.PushDisconnect(errors.New("dropped"))

	ev, ok := <-c.Events()
	require.True(t, ok)
	assert.Equal(t, EventDisconnected, ev.Type)

	_, ok = <-c.Events()
	assert.False(t, ok, "stream still open after disconnect")

	// the stream is already closed; Close must not close it again
	require.NoError(t, c.Close())
}
