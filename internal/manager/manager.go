// Package manager owns the live telemetry connections. It reconciles
// the set of active accounts against open subscriptions on a fixed
// interval and fans each accepted update through deduplication, the
// session detectors, the health estimator, and persistence.
package manager

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/packtrail-data/packtrail/internal/config"
	"github.com/packtrail-data/packtrail/internal/db"
	"github.com/packtrail-data/packtrail/internal/dedup"
	"github.com/packtrail-data/packtrail/internal/health"
	"github.com/packtrail-data/packtrail/internal/httputil"
	"github.com/packtrail-data/packtrail/internal/monitoring"
	"github.com/packtrail-data/packtrail/internal/notify"
	"github.com/packtrail-data/packtrail/internal/sessions"
	"github.com/packtrail-data/packtrail/internal/telemetry"
	"github.com/packtrail-data/packtrail/internal/timeutil"
)

// Manager maintains one telemetry subscription per active account.
type Manager struct {
	DB       *db.DB
	Config   *config.TuningConfig
	Clock    timeutil.Clock
	Factory  telemetry.Factory
	Notifier notify.Notifier

	// ImageBaseURL, when set, enables fire-and-forget fetching of a
	// vehicle render for vehicles that don't have one yet.
	ImageBaseURL string
	HTTPClient   httputil.HTTPClient

	dedup   *dedup.Deduplicator
	drives  *sessions.DriveTracker
	charges *sessions.ChargeTracker
	health  *health.Estimator

	mu   sync.Mutex
	subs map[int64]*Subscription

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New wires up a manager and its downstream pipeline. A nil notifier
// means no outbound notifications.
func New(database *db.DB, cfg *config.TuningConfig, clock timeutil.Clock, factory telemetry.Factory, notifier notify.Notifier) *Manager {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Manager{
		DB:         database,
		Config:     cfg,
		Clock:      clock,
		Factory:    factory,
		Notifier:   notifier,
		HTTPClient: httputil.NewStandardClient(nil),
		dedup:      dedup.New(cfg, clock),
		drives:     sessions.NewDriveTracker(database, cfg),
		charges:    sessions.NewChargeTracker(database, cfg),
		health:     health.NewEstimator(database, cfg),
		subs:       make(map[int64]*Subscription),
		stopChan:   make(chan struct{}),
	}
}

// Start launches the reconciliation loop in a goroutine. The first
// pass runs after a short settle delay, then on the fixed interval.
func (m *Manager) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		select {
		case <-m.Clock.After(m.Config.GetSettleDelay()):
		case <-m.stopChan:
			return
		}
		m.Reconcile(context.Background())

		ticker := m.Clock.NewTicker(m.Config.GetReconcileInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C():
				m.Reconcile(context.Background())
			case <-m.stopChan:
				return
			}
		}
	}()
}

// Stop shuts down the reconciliation loop and every subscription.
// Safe to call more than once.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopChan)
	})

	m.mu.Lock()
	subs := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.subs = make(map[int64]*Subscription)
	m.mu.Unlock()

	// Closing the clients ends their receive loops, so the wait below
	// cannot hang.
	for _, sub := range subs {
		sub.Stop()
	}
	m.wg.Wait()
}

// Subscription returns the live subscription for an account, or nil.
func (m *Manager) Subscription(accountID int64) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subs[accountID]
}

func (m *Manager) stopping() bool {
	select {
	case <-m.stopChan:
		return true
	default:
		return false
	}
}

// Reconcile runs one reconciliation pass: drop subscriptions for
// accounts that went away, reconnect dropped ones whose backoff has
// elapsed, and open subscriptions for newly active accounts. Failures
// are contained per account; one bad account never blocks the rest.
func (m *Manager) Reconcile(ctx context.Context) {
	accounts, err := m.DB.ActiveAccounts()
	if err != nil {
		monitoring.Logf("reconcile: failed to load active accounts: %v", err)
		return
	}

	active := make(map[int64]*db.Account, len(accounts))
	for _, a := range accounts {
		active[a.ID] = a
	}

	// Drop subscriptions whose account is gone or inactive.
	m.mu.Lock()
	var stale []*Subscription
	for id, sub := range m.subs {
		if _, ok := active[id]; !ok {
			stale = append(stale, sub)
			delete(m.subs, id)
		}
	}
	m.mu.Unlock()
	for _, sub := range stale {
		monitoring.Logf("reconcile: stopping subscription for inactive account %d", sub.AccountID)
		sub.Stop()
	}

	for _, account := range accounts {
		if err := m.reconcileAccount(ctx, account); err != nil {
			monitoring.Logf("reconcile: account %d: %v", account.ID, err)
			if err := m.DB.SetAccountSyncError(account.ID, err.Error()); err != nil {
				monitoring.Logf("reconcile: failed to record sync error for account %d: %v", account.ID, err)
			}
		}
	}
}

func (m *Manager) reconcileAccount(ctx context.Context, account *db.Account) error {
	vehicles, err := m.DB.ActiveVehicles(account.ID)
	if err != nil {
		return fmt.Errorf("failed to load vehicles: %w", err)
	}
	if len(vehicles) == 0 {
		return nil
	}

	vehicleMap := make(map[string]int64, len(vehicles))
	for _, v := range vehicles {
		vehicleMap[v.ProviderID] = v.ID
	}
	signature := vehicleSignature(vehicleMap)

	m.mu.Lock()
	sub := m.subs[account.ID]
	m.mu.Unlock()

	carried := 0
	switch {
	case sub == nil:
		// fall through to connect
	case sub.signature != signature:
		monitoring.Logf("reconcile: vehicle set changed for account %d, reconnecting", account.ID)
		sub.Stop()
		carried = 0
	case sub.needsReconnect(m.Clock.Now()):
		monitoring.Logf("reconcile: reconnecting account %d (attempt %d)", account.ID, sub.carriedAttempts())
		sub.Stop()
		carried = sub.carriedAttempts()
	case sub.isDown():
		// Still inside the backoff window; try again next pass.
		return nil
	default:
		return nil
	}

	return m.connect(ctx, account, vehicleMap, signature, carried)
}

func (m *Manager) connect(ctx context.Context, account *db.Account, vehicleMap map[string]int64, signature string, carriedAttempts int) error {
	client := m.Factory(account.APIToken)
	sub := &Subscription{
		AccountID: account.ID,
		client:    client,
		vehicles:  vehicleMap,
		signature: signature,
		attempts:  carriedAttempts,
	}

	// A reconcile pass can race Stop: never register or connect a
	// subscription once shutdown has begun, or Stop returns with a
	// live connection it will not close.
	m.mu.Lock()
	if m.stopping() {
		m.mu.Unlock()
		client.Close()
		return nil
	}
	m.subs[account.ID] = sub
	m.mu.Unlock()

	if err := client.Connect(ctx); err != nil {
		delay := sub.markDisconnected(m.Clock.Now(), m.Config.GetBackoffBase(), m.Config.GetBackoffMax())
		return fmt.Errorf("failed to connect (retry in %v): %w", delay, err)
	}
	for providerID := range vehicleMap {
		if err := client.Subscribe(ctx, providerID, m.Config.GetTelemetryProperties()); err != nil {
			client.Close()
			delay := sub.markDisconnected(m.Clock.Now(), m.Config.GetBackoffBase(), m.Config.GetBackoffMax())
			return fmt.Errorf("failed to subscribe vehicle %s (retry in %v): %w", providerID, delay, err)
		}
	}

	m.mu.Lock()
	if m.stopping() {
		// Stop may already have drained the map; make sure this
		// subscription dies with it either way.
		delete(m.subs, account.ID)
		m.mu.Unlock()
		sub.Stop()
		return nil
	}
	sub.markConnected(m.Clock.Now())
	m.wg.Add(1)
	m.mu.Unlock()
	monitoring.Logf("connected account %d with %d vehicles", account.ID, len(vehicleMap))

	go m.receiveLoop(sub)
	return nil
}

// receiveLoop drains one subscription's event stream until the client
// closes it. Runs in its own goroutine per account, so accounts never
// block each other.
func (m *Manager) receiveLoop(sub *Subscription) {
	defer m.wg.Done()
	for ev := range sub.client.Events() {
		switch ev.Type {
		case telemetry.EventUpdate:
			if err := m.handleUpdate(sub, ev.Update); err != nil {
				monitoring.Logf("account %d: update failed: %v", sub.AccountID, err)
			}
		case telemetry.EventError:
			n := sub.markError()
			monitoring.Logf("account %d: stream error (%d consecutive): %v", sub.AccountID, n, ev.Err)
			if err := m.DB.SetAccountSyncError(sub.AccountID, ev.Err.Error()); err != nil {
				monitoring.Logf("account %d: failed to record sync error: %v", sub.AccountID, err)
			}
		case telemetry.EventDisconnected:
			delay := sub.markDisconnected(m.Clock.Now(), m.Config.GetBackoffBase(), m.Config.GetBackoffMax())
			monitoring.Logf("account %d: disconnected, reconnect after %v", sub.AccountID, delay)
		}
	}
	// A closed event stream with no disconnect event is still a drop.
	if !sub.isDown() {
		delay := sub.markDisconnected(m.Clock.Now(), m.Config.GetBackoffBase(), m.Config.GetBackoffMax())
		monitoring.Logf("account %d: stream closed, reconnect after %v", sub.AccountID, delay)
	}
}

// handleUpdate runs one telemetry push through the pipeline:
// translate, dedup, detect sessions, record health, persist, notify.
func (m *Manager) handleUpdate(sub *Subscription, u *telemetry.Update) error {
	vehicleID, ok := sub.VehicleID(u.ProviderVehicleID)
	if !ok {
		monitoring.Logf("account %d: dropping update for unknown vehicle %q", sub.AccountID, u.ProviderVehicleID)
		return nil
	}

	snap := u.State
	snap.VehicleID = vehicleID
	if snap.Timestamp.IsZero() {
		snap.Timestamp = m.Clock.Now()
	}
	sub.markUpdate(m.Clock.Now())

	m.seedDedup(vehicleID)
	accepted, reason := m.dedup.Accept(&snap)
	if !accepted {
		return nil
	}
	monitoring.Logf("vehicle %d: accepted update (%s)", vehicleID, reason)

	vehicle, err := m.DB.GetVehicle(vehicleID)
	if err != nil {
		return fmt.Errorf("failed to load vehicle %d: %w", vehicleID, err)
	}

	// Detector and persistence failures are logged and contained; a
	// failing stage must not starve the ones after it.
	if err := m.drives.HandleUpdate(vehicle, &snap); err != nil {
		monitoring.Logf("vehicle %d: drive detector: %v", vehicleID, err)
	}
	if err := m.charges.HandleUpdate(vehicle, &snap); err != nil {
		monitoring.Logf("vehicle %d: charge detector: %v", vehicleID, err)
	}
	if err := m.health.HandleUpdate(vehicle, &snap); err != nil {
		monitoring.Logf("vehicle %d: health estimator: %v", vehicleID, err)
	}
	if err := m.DB.SaveVehicleState(&snap); err != nil {
		monitoring.Logf("vehicle %d: failed to persist state: %v", vehicleID, err)
	}
	if err := m.DB.UpdateAccountSync(sub.AccountID, m.Clock.Now()); err != nil {
		monitoring.Logf("account %d: failed to update last sync: %v", sub.AccountID, err)
	}

	notify.Fire(context.Background(), m.Notifier, &snap)

	if m.ImageBaseURL != "" && vehicle.ImageURL == nil {
		go m.fetchVehicleImage(vehicle)
	}
	return nil
}

// seedDedup primes the dedup cache for a vehicle from its latest
// persisted row, so a restart does not reset the heartbeat clock.
func (m *Manager) seedDedup(vehicleID int64) {
	if m.dedup.Seeded(vehicleID) {
		return
	}
	latest, err := m.DB.LatestVehicleState(vehicleID)
	if err != nil {
		monitoring.Logf("vehicle %d: failed to seed dedup cache: %v", vehicleID, err)
		return
	}
	if latest != nil {
		m.dedup.Seed(latest)
	}
}

// fetchVehicleImage resolves and records a render URL for the vehicle.
// Fire and forget: failures are logged, never surfaced.
func (m *Manager) fetchVehicleImage(v *db.Vehicle) {
	url := fmt.Sprintf("%s/%s.png", m.ImageBaseURL, v.Model)
	resp, err := m.HTTPClient.Head(url)
	if err != nil {
		monitoring.Logf("vehicle %d: image fetch failed: %v", v.ID, err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return
	}
	if err := m.DB.UpdateVehicleImage(v.ID, url); err != nil {
		monitoring.Logf("vehicle %d: failed to record image url: %v", v.ID, err)
	}
}
