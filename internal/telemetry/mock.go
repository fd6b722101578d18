package telemetry

import (
	"context"
	"sync"
)

// MockClient is a scripted Client for tests and dev mode. Events pushed
// with PushUpdate/PushError/PushDisconnect are delivered in order on the
// Events channel.
type MockClient struct {
	mu            sync.Mutex
	events        chan Event
	connected     bool
	closed        bool
	connectErr    error
	subscribeErr  error
	Subscriptions map[string][]string // providerVehicleID -> properties
	CloseCount    int
}

// NewMockClient returns an idle mock client.
func NewMockClient() *MockClient {
	return &MockClient{
		events:        make(chan Event, 64),
		Subscriptions: make(map[string][]string),
	}
}

// FailConnect makes the next Connect return err.
func (m *MockClient) FailConnect(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectErr = err
}

// FailSubscribe makes Subscribe return err.
func (m *MockClient) FailSubscribe(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribeErr = err
}

func (m *MockClient) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connectErr != nil {
		return m.connectErr
	}
	m.connected = true
	return nil
}

func (m *MockClient) Subscribe(ctx context.Context, providerVehicleID string, properties []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subscribeErr != nil {
		return m.subscribeErr
	}
	if !m.connected {
		return ErrNotConnected
	}
	m.Subscriptions[providerVehicleID] = properties
	return nil
}

func (m *MockClient) Events() <-chan Event { return m.events }

// Close is idempotent; CloseCount records how many effective closes ran.
func (m *MockClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.CloseCount++
	close(m.events)
	return nil
}

// Connected reports whether Connect has succeeded.
func (m *MockClient) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// PushUpdate delivers an update event. Dropped if the client has been
// closed.
func (m *MockClient) PushUpdate(u *Update) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.events <- Event{Type: EventUpdate, Update: u}
}

// PushError delivers a non-fatal feed error. Dropped if the client has
// been closed.
func (m *MockClient) PushError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.events <- Event{Type: EventError, Err: err}
}

// PushDisconnect delivers a disconnect and closes the event stream.
func (m *MockClient) PushDisconnect(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.events <- Event{Type: EventDisconnected, Err: err}
	close(m.events)
}
