// comfyfleet schedules image-generation workflows across a fleet of ComfyUI servers.
// Copyright (C) 2025 comfyfleet contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package fleet is the Client Manager: a registry of Sessions plus the
// policy for which Session may run a given job. It owns per-session online/
// busy state, reconnection grace, the checkpoint TTL cache, and periodic
// health pings; the Failover Strategy is consulted on every claim.
package fleet

import (
	"context"
	"log/slog"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"comfyfleet/internal/logging"
	"comfyfleet/internal/metrics"
	"comfyfleet/pkg/failover"
	"comfyfleet/pkg/session"
)

// ClaimRequest is the subset of a Pool job the Manager needs to evaluate
// eligibility; the Pool constructs one per dispatch candidate.
type ClaimRequest struct {
	Fingerprint         string
	PreferredSessionIDs []string
	ExcludedSessionIDs  []string
	RequiredCheckpoints []string
}

// Lease is the transient right to submit exactly one job to one session.
type Lease struct {
	Session *session.Session

	mgr         *Manager
	sessionID   string
	fingerprint string
	released    bool
	mu          sync.Mutex
}

// Release clears busy state and, on success, informs the Strategy (which
// may unblock a previously blocked workflow fingerprint). Release is
// idempotent.
func (l *Lease) Release(success bool) {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return
	}
	l.released = true
	l.mu.Unlock()
	l.mgr.releaseLease(l.sessionID, l.fingerprint, success)
}

// record is the Manager's bookkeeping for one Session.
type record struct {
	sess              *session.Session
	online            bool
	busy              bool
	lastSeen          time.Time
	lastErr           error
	lastDisconnect    time.Time
	reconnectStableAt time.Time
	unsubscribe       session.Unsubscribe
}

// Config tunes Manager behavior.
type Config struct {
	HealthCheckInterval time.Duration // default 30s; 0 disables
	ReconnectGrace      time.Duration // default 10s
	CheckpointTTL       time.Duration // default 5m
	CheckpointCleanup   time.Duration // go-cache janitor interval
	CheckpointLoaderNode string       // node class probed for checkpoint enumeration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		HealthCheckInterval:  30 * time.Second,
		ReconnectGrace:       10 * time.Second,
		CheckpointTTL:        5 * time.Minute,
		CheckpointCleanup:    10 * time.Minute,
		CheckpointLoaderNode: "CheckpointLoaderSimple",
	}
}

// Event is the sealed set of notifications the Manager emits.
type Event interface{ isFleetEvent() }

type ClientStateEvent struct {
	SessionID string
	Online    bool
	Busy      bool
}

type ClientBlockedWorkflowEvent struct {
	SessionID   string
	Fingerprint string
}

type ClientUnblockedWorkflowEvent struct {
	SessionID   string
	Fingerprint string
}

func (ClientStateEvent) isFleetEvent()             {}
func (ClientBlockedWorkflowEvent) isFleetEvent()   {}
func (ClientUnblockedWorkflowEvent) isFleetEvent() {}

// Manager is the Client Manager.
type Manager struct {
	cfg      Config
	strategy failover.Strategy
	log      *slog.Logger
	now      func() time.Time

	mu      sync.RWMutex
	records map[string]*record
	order   []string // registration order, for stable iteration among equals

	checkpoints *gocache.Cache

	subMu       sync.Mutex
	subscribers map[int]func(Event)
	nextSubID   int

	healthCancel context.CancelFunc
	wg           sync.WaitGroup
	destroyOnce  sync.Once
}

// New constructs a Manager. strategy must not be nil.
func New(cfg Config, strategy failover.Strategy) *Manager {
	if cfg.HealthCheckInterval < 0 {
		cfg.HealthCheckInterval = 0
	}
	if cfg.ReconnectGrace <= 0 {
		cfg.ReconnectGrace = DefaultConfig().ReconnectGrace
	}
	if cfg.CheckpointTTL <= 0 {
		cfg.CheckpointTTL = DefaultConfig().CheckpointTTL
	}
	if cfg.CheckpointCleanup <= 0 {
		cfg.CheckpointCleanup = DefaultConfig().CheckpointCleanup
	}
	m := &Manager{
		cfg:         cfg,
		strategy:    strategy,
		log:         logging.OrDefault(nil).With("component", "fleet"),
		now:         time.Now,
		records:     make(map[string]*record),
		checkpoints: gocache.New(cfg.CheckpointTTL, cfg.CheckpointCleanup),
		subscribers: make(map[int]func(Event)),
	}
	if cfg.HealthCheckInterval > 0 {
		m.startHealthTimer()
	}
	return m
}

// Subscribe registers a listener for Manager-level events.
func (m *Manager) Subscribe(fn func(Event)) session.Unsubscribe {
	m.subMu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = fn
	m.subMu.Unlock()
	return func() {
		m.subMu.Lock()
		delete(m.subscribers, id)
		m.subMu.Unlock()
	}
}

func (m *Manager) emit(ev Event) {
	m.subMu.Lock()
	fns := make([]func(Event), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		fns = append(fns, fn)
	}
	m.subMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Add initializes a session (via sess.Init) and registers it.
func (m *Manager) Add(ctx context.Context, sessionID string, sess *session.Session) error {
	rec := &record{sess: sess}
	rec.unsubscribe = sess.Subscribe(func(ev session.Event) {
		m.onSessionEvent(sessionID, ev)
	})

	m.mu.Lock()
	m.records[sessionID] = rec
	m.order = append(m.order, sessionID)
	m.mu.Unlock()

	if err := sess.Init(ctx); err != nil {
		return err
	}
	return nil
}

func (m *Manager) onSessionEvent(sessionID string, ev session.Event) {
	m.mu.Lock()
	rec, ok := m.records[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	switch e := ev.(type) {
	case session.ConnectedEvent:
		rec.online = true
		rec.lastSeen = m.now()
	case session.ReconnectedEvent:
		rec.online = true
		rec.lastSeen = m.now()
		rec.reconnectStableAt = m.now().Add(m.cfg.ReconnectGrace)
	case session.DisconnectedEvent:
		rec.online = false
		rec.lastDisconnect = m.now()
		rec.lastErr = e.Err
	case session.ReconnectionFailedEvent:
		rec.online = false
	}
	online, busy := rec.online, rec.busy
	m.mu.Unlock()

	switch ev.(type) {
	case session.ConnectedEvent, session.ReconnectedEvent, session.DisconnectedEvent, session.ReconnectionFailedEvent:
		m.emit(ClientStateEvent{SessionID: sessionID, Online: online, Busy: busy})
	}
}

// List returns a snapshot of managed records' session ids.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// Session returns the underlying Session for an id, if registered.
func (m *Manager) Session(sessionID string) (*session.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[sessionID]
	if !ok {
		return nil, false
	}
	return rec.sess, true
}

// Claim selects the first eligible session for req, in registration order,
// and returns a Lease. It returns (nil, false) when no session qualifies.
func (m *Manager) Claim(ctx context.Context, req ClaimRequest) (*Lease, bool) {
	m.warmCheckpoints(ctx, req)

	excluded := toSet(req.ExcludedSessionIDs)
	preferred := toSet(req.PreferredSessionIDs)

	m.mu.Lock()
	candidateID := ""
	for _, id := range m.order {
		rec := m.records[id]
		if !m.eligibleLocked(id, rec, req, excluded, preferred) {
			continue
		}
		candidateID = id
		break
	}
	if candidateID == "" {
		m.mu.Unlock()
		return nil, false
	}
	m.records[candidateID].busy = true
	m.mu.Unlock()

	m.emit(ClientStateEvent{SessionID: candidateID, Online: true, Busy: true})

	m.mu.RLock()
	sess := m.records[candidateID].sess
	m.mu.RUnlock()

	return &Lease{Session: sess, mgr: m, sessionID: candidateID, fingerprint: req.Fingerprint}, true
}

// HasEligibleSession reports whether any registered session currently
// qualifies for req, without claiming one. Used by the Pool to decide
// whether a failed attempt is worth retrying before it next reaches the
// front of the dispatch queue.
func (m *Manager) HasEligibleSession(ctx context.Context, req ClaimRequest) bool {
	m.warmCheckpoints(ctx, req)

	excluded := toSet(req.ExcludedSessionIDs)
	preferred := toSet(req.PreferredSessionIDs)

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.order {
		if m.eligibleLocked(id, m.records[id], req, excluded, preferred) {
			return true
		}
	}
	return false
}

// EligibleSessionCount reports how many registered sessions currently
// qualify for req, without claiming one. Used by the Pool's dispatch pass
// to rank queued jobs by true selectivity — how few sessions in the fleet,
// right now, could run this job — rather than by the shape of its Options.
func (m *Manager) EligibleSessionCount(ctx context.Context, req ClaimRequest) int {
	m.warmCheckpoints(ctx, req)

	excluded := toSet(req.ExcludedSessionIDs)
	preferred := toSet(req.PreferredSessionIDs)

	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, id := range m.order {
		if m.eligibleLocked(id, m.records[id], req, excluded, preferred) {
			count++
		}
	}
	return count
}

// warmCheckpoints ensures every currently-registered session has a cached
// checkpoint list before eligibility is evaluated, when req declares
// RequiredCheckpoints. It runs outside m.mu, since RefreshCheckpoints makes
// a blocking network call — eligibleLocked itself must stay a pure cache
// read so it can be called while m.mu is held.
func (m *Manager) warmCheckpoints(ctx context.Context, req ClaimRequest) {
	if len(req.RequiredCheckpoints) == 0 {
		return
	}

	m.mu.RLock()
	stale := make([]string, 0, len(m.order))
	for _, id := range m.order {
		if _, ok := m.checkpointsLocked(id); !ok {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range stale {
		if _, err := m.RefreshCheckpoints(ctx, id); err != nil {
			m.log.Warn("checkpoint refresh failed", "session", id, "error", err)
		}
	}
}

func (m *Manager) eligibleLocked(id string, rec *record, req ClaimRequest, excluded, preferred map[string]struct{}) bool {
	if !rec.online || rec.busy {
		return false
	}
	if m.now().Before(rec.reconnectStableAt) {
		return false
	}
	if _, bad := excluded[id]; bad {
		return false
	}
	if len(preferred) > 0 {
		if _, ok := preferred[id]; !ok {
			return false
		}
	}
	if m.strategy.ShouldSkipClient(id, req.Fingerprint) {
		return false
	}
	if len(req.RequiredCheckpoints) > 0 {
		available, ok := m.checkpointsLocked(id)
		if !ok {
			return false
		}
		avail := toSet(available)
		for _, ck := range req.RequiredCheckpoints {
			if _, ok := avail[ck]; !ok {
				return false
			}
		}
	}
	return true
}

// checkpointsLocked reads the cache; callers hold m.mu. It never issues
// network I/O — population happens via RefreshCheckpoints.
func (m *Manager) checkpointsLocked(sessionID string) ([]string, bool) {
	v, found := m.checkpoints.Get(sessionID)
	if !found {
		return nil, false
	}
	names, ok := v.([]string)
	return names, ok
}

// RefreshCheckpoints fetches and memoizes sessionID's checkpoint list with
// the configured TTL. Fetch errors return the empty list without poisoning
// the cache (the cache entry is simply left unset, so the next claim treats
// the session as not-yet-probed rather than permanently empty).
func (m *Manager) RefreshCheckpoints(ctx context.Context, sessionID string) ([]string, error) {
	m.mu.RLock()
	rec, ok := m.records[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	names, err := rec.sess.Checkpoints(ctx, m.cfg.CheckpointLoaderNode)
	metrics.ObserveSessionRequest(sessionID, metrics.OpCheckpoints, statusCode(err), 0)
	if err != nil {
		return nil, err
	}
	m.checkpoints.Set(sessionID, names, gocache.DefaultExpiration)
	return names, nil
}

func statusCode(err error) int {
	if err != nil {
		return -1
	}
	return 200
}

// releaseLease clears busy and delegates outcome to the Strategy.
func (m *Manager) releaseLease(sessionID, fingerprint string, success bool) {
	m.mu.Lock()
	rec, ok := m.records[sessionID]
	if ok {
		rec.busy = false
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	if success {
		if unblocked := m.strategy.RecordSuccess(sessionID, fingerprint); unblocked {
			m.emit(ClientUnblockedWorkflowEvent{SessionID: sessionID, Fingerprint: fingerprint})
		}
	}
	m.emit(ClientStateEvent{SessionID: sessionID, Online: rec.online, Busy: false})
}

// RecordFailure clears busy, stamps last-error, and delegates to the
// Strategy; emits client:blocked_workflow if this failure newly blocked the
// session for this fingerprint.
func (m *Manager) RecordFailure(sessionID, fingerprint string, failErr error) {
	m.mu.Lock()
	rec, ok := m.records[sessionID]
	if ok {
		rec.busy = false
		rec.lastErr = failErr
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	if blocked := m.strategy.RecordFailure(sessionID, fingerprint); blocked {
		m.emit(ClientBlockedWorkflowEvent{SessionID: sessionID, Fingerprint: fingerprint})
	}
	m.emit(ClientStateEvent{SessionID: sessionID, Online: rec.online, Busy: false})
}

func (m *Manager) startHealthTimer() {
	ctx, cancel := context.WithCancel(context.Background())
	m.healthCancel = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.HealthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.pingAll(ctx)
			}
		}
	}()
}

// pingAll issues a lightweight queueStatus call against every online
// session (busy or not, to keep activity flowing under heavy load).
// Failures are logged but never mark a session offline.
func (m *Manager) pingAll(ctx context.Context) {
	m.mu.RLock()
	targets := make([]*session.Session, 0, len(m.records))
	for _, id := range m.order {
		if m.records[id].online {
			targets = append(targets, m.records[id].sess)
		}
	}
	m.mu.RUnlock()

	for _, sess := range targets {
		if _, err := sess.QueueStatus(ctx); err != nil {
			m.log.Debug("health ping failed", "server", sess.ServerURL(), "err", err)
		}
	}
}

// Destroy stops the health timer and detaches listeners. It does not
// destroy the underlying Sessions — the Pool owns that lifecycle choice.
func (m *Manager) Destroy() {
	m.destroyOnce.Do(func() {
		if m.healthCancel != nil {
			m.healthCancel()
		}
		m.mu.Lock()
		for _, rec := range m.records {
			if rec.unsubscribe != nil {
				rec.unsubscribe()
			}
		}
		m.mu.Unlock()
		m.wg.Wait()
	})
}

func toSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, i := range items {
		out[i] = struct{}{}
	}
	return out
}
