// Package telemetry is the boundary to the remote vehicle-telemetry
// provider. A Client holds one account's live feed: it connects with
// that account's credentials, subscribes to vehicles by provider id,
// and delivers a closed set of event variants (update, error,
// disconnected) over a single channel, preserving arrival order.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/packtrail-data/packtrail/internal/db"
	"github.com/packtrail-data/packtrail/internal/monitoring"
)

// EventType discriminates the event variants a Client emits.
type EventType int

const (
	// EventUpdate carries one vehicle state push.
	EventUpdate EventType = iota
	// EventError reports a non-fatal feed error; the connection stays up.
	EventError
	// EventDisconnected reports that the feed dropped. It is the last
	// event before the Events channel closes.
	EventDisconnected
)

// Update is one provider push: the provider's vehicle identifier, the
// snapshot-shaped state (VehicleID left unset until the connection
// manager translates the identifier), and the raw frame for diagnostics.
type Update struct {
	ProviderVehicleID string
	State             db.VehicleSnapshot
	Raw               json.RawMessage
}

// Event is one message from the feed.
type Event struct {
	Type   EventType
	Update *Update // set for EventUpdate
	Err    error   // set for EventError and EventDisconnected
}

// Client is one account's telemetry feed.
type Client interface {
	// Connect dials the provider and authenticates. It must be called
	// before Subscribe.
	Connect(ctx context.Context) error

	// Subscribe requests pushes for one vehicle under the given provider
	// property names.
	Subscribe(ctx context.Context, providerVehicleID string, properties []string) error

	// Events returns the ordered event stream. The channel is closed
	// after an EventDisconnected or after Close.
	Events() <-chan Event

	// Close tears down the connection. Closing twice is safe.
	Close() error
}

// Factory creates a Client for an account credential. The connection
// manager uses it so tests can substitute MockClients.
type Factory func(token string) Client

var ErrNotConnected = errors.New("telemetry: not connected")

// frame is the provider's wire envelope.
type frame struct {
	Type      string             `json:"type"`
	VehicleID string             `json:"vehicle_id,omitempty"`
	State     *db.VehicleSnapshot `json:"state,omitempty"`
	Props     []string           `json:"properties,omitempty"`
	Message   string             `json:"message,omitempty"`
}

// WSClient is the production Client over a websocket feed.
type WSClient struct {
	url   string
	token string

	mu     sync.Mutex
	conn   *websocket.Conn
	events chan Event
	closed bool
}

// NewWSClient returns an unconnected websocket client for the provider
// endpoint at url, authenticating with token.
func NewWSClient(url, token string) *WSClient {
	return &WSClient{
		url:    url,
		token:  token,
		events: make(chan Event, 64),
	}
}

// Connect dials the provider endpoint and starts the receive loop.
func (c *WSClient) Connect(ctx context.Context) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.url, header)
	if err != nil {
		return fmt.Errorf("failed to dial telemetry provider: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return errors.New("telemetry: client already closed")
	}
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop()
	return nil
}

// Subscribe sends a subscription control frame for one vehicle.
func (c *WSClient) Subscribe(ctx context.Context, providerVehicleID string, properties []string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	f := frame{Type: "subscribe", VehicleID: providerVehicleID, Props: properties}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	}
	if err := conn.WriteJSON(f); err != nil {
		return fmt.Errorf("failed to subscribe vehicle %s: %w", providerVehicleID, err)
	}
	return nil
}

// Events returns the event stream.
func (c *WSClient) Events() <-chan Event { return c.events }

// Close tears down the connection. The receive loop observes the closed
// socket and finishes draining. Safe to call more than once.
func (c *WSClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn != nil {
		return c.conn.Close()
	}
	close(c.events)
	return nil
}

func (c *WSClient) readLoop() {
	defer close(c.events)
	for {
		var f frame
		if err := c.conn.ReadJSON(&f); err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				c.events <- Event{Type: EventDisconnected, Err: err}
			}
			return
		}

		switch f.Type {
		case "update":
			if f.State == nil {
				monitoring.Logf("telemetry: update frame without state for vehicle %s", f.VehicleID)
				continue
			}
			if f.State.Timestamp.IsZero() {
				f.State.Timestamp = time.Now().UTC()
			}
			raw, _ := json.Marshal(f)
			c.events <- Event{Type: EventUpdate, Update: &Update{
				ProviderVehicleID: f.VehicleID,
				State:             *f.State,
				Raw:               raw,
			}}
		case "error":
			c.events <- Event{Type: EventError, Err: errors.New(f.Message)}
		default:
			// Unknown frame types are ignored so provider additions do
			// not break older clients.
		}
	}
}
