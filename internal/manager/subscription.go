package manager

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/packtrail-data/packtrail/internal/telemetry"
)

// Subscription is the runtime state of one account's live connection.
// It is never persisted; a restart rebuilds subscriptions from scratch
// on the first reconciliation pass.
type Subscription struct {
	AccountID int64

	client telemetry.Client
	// provider vehicle id -> internal vehicle id
	vehicles  map[string]int64
	signature string

	mu                sync.Mutex
	attempts          int
	consecutiveErrors int
	lastConnect       time.Time
	lastUpdate        time.Time
	disconnected      bool
	retryAt           time.Time

	stopOnce sync.Once
}

// vehicleSignature is a stable fingerprint of the subscribed vehicle
// set, used to detect additions/removals between reconciliations.
func vehicleSignature(vehicles map[string]int64) string {
	ids := make([]string, 0, len(vehicles))
	for id := range vehicles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return strings.Join(ids, ",")
}

// VehicleID translates a provider vehicle identifier to the internal
// id, reporting whether the vehicle is part of this subscription.
func (s *Subscription) VehicleID(providerID string) (int64, bool) {
	id, ok := s.vehicles[providerID]
	return id, ok
}

// Stop closes the subscription's connection. Safe to call more than
// once; only the first call does anything.
func (s *Subscription) Stop() {
	s.stopOnce.Do(func() {
		if s.client != nil {
			s.client.Close()
		}
	})
}

func (s *Subscription) markConnected(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = 0
	s.consecutiveErrors = 0
	s.disconnected = false
	s.lastConnect = now
}

// markDisconnected records the drop and the earliest time the
// reconciliation loop should attempt a reconnect. Returns the pre-set
// delay for logging.
func (s *Subscription) markDisconnected(now time.Time, base, max time.Duration) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	delay := withJitter(BackoffDelay(s.attempts, base, max))
	s.attempts++
	s.disconnected = true
	s.retryAt = now.Add(delay)
	return delay
}

func (s *Subscription) markError() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveErrors++
	return s.consecutiveErrors
}

func (s *Subscription) markUpdate(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUpdate = now
	s.consecutiveErrors = 0
}

// needsReconnect reports whether the subscription is down and its
// backoff delay has elapsed.
func (s *Subscription) needsReconnect(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnected && !now.Before(s.retryAt)
}

// isDown reports whether the subscription is disconnected, regardless
// of backoff.
func (s *Subscription) isDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnected
}

// carriedAttempts carries the reconnect counter into a replacement
// subscription so backoff keeps growing across failed reconnects.
func (s *Subscription) carriedAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}
