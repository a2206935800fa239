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

// Package session owns the transport to a single ComfyUI server: a long-lived
// event channel with auto-reconnect, HTTP request submission, and event
// fan-out to one subscriber. One Session exists per configured server.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"comfyfleet/internal/ctxkeys"
	"comfyfleet/internal/logging"
	"comfyfleet/internal/metrics"
	"comfyfleet/pkg/serverclient"
	"comfyfleet/pkg/wire"
)

// State is the Session's connection lifecycle.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateReconnecting
	StatePollingFallback
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StatePollingFallback:
		return "polling-fallback"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Position selects where a submitted prompt lands in the server's queue.
type Position struct {
	Front bool
	Index *float64
}

// Unsubscribe detaches a previously-registered listener.
type Unsubscribe func()

// Session is the core's handle on one ComfyUI server.
type Session struct {
	serverURL string
	clientID  string
	client    serverclient.Client
	cfg       Config
	log       *slog.Logger

	mu              sync.RWMutex
	state           State
	lastActivity    time.Time
	lastErr         error
	reconnecting    bool
	reconnectCancel context.CancelFunc
	destroyOnce     sync.Once

	subMu       sync.Mutex
	subscribers map[int]func(Event)
	nextSubID   int

	ch           *serverclient.EventChannel
	chCancel     context.CancelFunc
	pollCancel   context.CancelFunc
	watchdogStop context.CancelFunc

	wg sync.WaitGroup
}

// New constructs a Session bound to one server. It does not connect until
// Init is called.
func New(serverURL string, client serverclient.Client, cfg Config) *Session {
	return &Session{
		serverURL:   serverURL,
		clientID:    uuid.NewString(),
		client:      client,
		cfg:         cfg,
		log:         logging.OrDefault(nil).With("server", serverURL),
		state:       StateConnecting,
		subscribers: make(map[int]func(Event)),
	}
}

// ServerURL returns the server this Session is bound to.
func (s *Session) ServerURL() string { return s.serverURL }

// ClientID returns the locally-assigned client id announced to the server.
func (s *Session) ClientID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clientID
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// LastError returns the most recently observed error, if any.
func (s *Session) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Subscribe registers a listener for all Session events. Call the returned
// Unsubscribe to detach it; the core supports exactly one logical subscriber
// (the Client Manager) but the registry tolerates more for testing.
func (s *Session) Subscribe(fn func(Event)) Unsubscribe {
	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subscribers, id)
		s.subMu.Unlock()
	}
}

func (s *Session) emit(ev Event) {
	s.subMu.Lock()
	fns := make([]func(Event), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) touchActivity() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) idleFor() time.Duration {
	s.mu.RLock()
	last := s.lastActivity
	s.mu.RUnlock()
	return time.Since(last)
}

// Init brings the Session up: probes reachability, opens the event channel
// (falling back to HTTP polling if that fails outright), and starts the idle
// watchdog. It resolves once the Session has reached a usable state, failing
// only if the initial reachability probe exhausts its retries.
func (s *Session) Init(ctx context.Context) error {
	s.touchActivity()
	if err := s.probeReachable(ctx); err != nil {
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
		return fmt.Errorf("session init: %w", err)
	}

	s.openEventChannelOrFallback(ctx)
	s.startWatchdog(ctx)
	return nil
}

func (s *Session) probeReachable(ctx context.Context) error {
	attempts := s.cfg.InitialProbeAttempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := s.cfg.InitialProbeDelay
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		_, err := s.client.QueueStatus(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		metrics.IncSessionRetry(s.serverURL, metrics.OpQueueStatus)
		if attempt < attempts {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	return fmt.Errorf("unreachable after %d attempts: %w", attempts, lastErr)
}

func (s *Session) openEventChannelOrFallback(ctx context.Context) {
	chCtx, cancel := context.WithCancel(ctx)
	ch, err := serverclient.DialEventChannel(chCtx, s.client, s.clientID, 10*time.Second)
	if err != nil {
		cancel()
		s.log.Warn("event channel unreachable, falling back to polling", "err", err)
		s.startPolling(ctx)
		return
	}
	s.mu.Lock()
	s.ch = ch
	s.chCancel = cancel
	wasOpen := s.state == StateOpen
	s.state = StateOpen
	s.mu.Unlock()
	s.touchActivity()

	if s.cfg.AnnounceFeatureFlags {
		s.announceFeatureFlags(chCtx)
	}

	if wasOpen {
		s.emit(ReconnectedEvent{})
	} else {
		s.emit(ConnectedEvent{})
	}

	s.stopPolling()

	s.wg.Add(1)
	go s.readLoop(chCtx, ch)
}

func (s *Session) announceFeatureFlags(ctx context.Context) {
	s.mu.RLock()
	ch := s.ch
	s.mu.RUnlock()
	if ch == nil {
		return
	}
	env := wire.OutboundEnvelope{Type: "feature_flags", Data: s.cfg.FeatureFlags}
	raw, err := json.Marshal(env)
	if err != nil {
		return
	}
	_ = ch.WriteText(ctx, raw)
}

func (s *Session) readLoop(ctx context.Context, ch *serverclient.EventChannel) {
	defer s.wg.Done()
	for {
		msg, err := ch.Read(ctx)
		if err != nil {
			s.handleDisconnect(ctx, err)
			return
		}
		s.touchActivity()
		if msg.Binary {
			s.handleBinaryFrame(msg.Data)
			continue
		}
		s.handleTextMessage(msg.Data)
	}
}

func (s *Session) handleTextMessage(data []byte) {
	var env wire.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.log.Debug("dropping malformed event envelope", "err", err)
		return
	}
	if sid := extractSID(env.Data); sid != "" {
		s.mu.Lock()
		s.clientID = sid
		s.mu.Unlock()
	}
	ev, ok := decodeEnvelope(env)
	if !ok {
		return
	}
	s.emit(ev)
}

func extractSID(data json.RawMessage) string {
	var probe struct {
		SID string `json:"sid"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return ""
	}
	return probe.SID
}

func (s *Session) handleBinaryFrame(data []byte) {
	f, ok := wire.DecodeFrame(data)
	if !ok {
		s.log.Debug("dropping malformed binary frame")
		return
	}
	switch f.Kind {
	case wire.FrameKindPreviewLegacy, wire.FrameKindPreviewRaw:
		s.emit(PreviewEvent{Image: f.Image, MIME: f.MIME})
	case wire.FrameKindPreviewMeta:
		s.emit(PreviewMetaEvent{Image: f.Image, MIME: f.MIME, Metadata: f.Metadata})
	case wire.FrameKindText:
		// Text channel frames are carried for forward compatibility; the
		// core has no consumer for them yet.
	}
}

func (s *Session) handleDisconnect(parent context.Context, err error) {
	s.mu.Lock()
	if s.state == StateDestroyed {
		s.mu.Unlock()
		return
	}
	s.state = StateReconnecting
	s.lastErr = err
	s.mu.Unlock()

	s.emit(DisconnectedEvent{Err: err})
	s.startReconnectLoop(parent)
}

// startWatchdog runs the idle watchdog: every ws_timeout/2 it checks whether
// the channel has been silent longer than ws_timeout, and if so starts a
// reconnect.
func (s *Session) startWatchdog(ctx context.Context) {
	wctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.watchdogStop = cancel
	s.mu.Unlock()

	interval := s.cfg.WSTimeout / 2
	if interval <= 0 {
		interval = 15 * time.Second
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-wctx.Done():
				return
			case <-ticker.C:
				if s.idleFor() > s.cfg.WSTimeout && !s.isReconnecting() {
					s.log.Warn("idle watchdog firing reconnect")
					s.startReconnectLoop(ctx)
				}
			}
		}
	}()
}

func (s *Session) isReconnecting() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reconnecting
}

// startReconnectLoop begins (or no-ops if one is already running) the
// backoff-governed reconnect loop.
func (s *Session) startReconnectLoop(parent context.Context) {
	s.mu.Lock()
	if s.reconnecting || s.state == StateDestroyed {
		s.mu.Unlock()
		return
	}
	s.reconnecting = true
	rctx, cancel := context.WithCancel(parent)
	s.reconnectCancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			s.reconnecting = false
			s.mu.Unlock()
		}()
		s.runReconnectLoop(rctx)
	}()
}

func (s *Session) runReconnectLoop(ctx context.Context) {
	cfg := s.cfg.Reconnect
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		delay := applyJitter(cfg.Delay(attempt), cfg.JitterPercent)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if s.tryReconnect(ctx) {
			metrics.IncReconnect(s.serverURL, "success")
			return
		}
		metrics.IncReconnect(s.serverURL, "failed")
	}
	s.mu.Lock()
	s.state = StateReconnecting
	s.mu.Unlock()
	metrics.IncReconnect(s.serverURL, "exhausted")
	s.emit(ReconnectionFailedEvent{Attempts: cfg.MaxAttempts})
}

func (s *Session) tryReconnect(ctx context.Context) bool {
	chCtx, cancel := context.WithCancel(ctx)
	ch, err := serverclient.DialEventChannel(chCtx, s.client, s.clientID, 10*time.Second)
	if err != nil {
		cancel()
		return false
	}
	s.mu.Lock()
	s.ch = ch
	s.chCancel = cancel
	s.state = StateOpen
	s.mu.Unlock()
	s.touchActivity()

	if s.cfg.AnnounceFeatureFlags {
		s.announceFeatureFlags(chCtx)
	}
	s.emit(ReconnectedEvent{})
	s.stopPolling()

	s.wg.Add(1)
	go s.readLoop(chCtx, ch)
	return true
}

// startPolling installs the 2s HTTP polling fallback used when the event
// channel cannot be opened at all.
func (s *Session) startPolling(ctx context.Context) {
	s.mu.Lock()
	if s.pollCancel != nil {
		s.mu.Unlock()
		return
	}
	pctx, cancel := context.WithCancel(ctx)
	s.pollCancel = cancel
	s.state = StatePollingFallback
	s.mu.Unlock()

	interval := s.cfg.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-pctx.Done():
				return
			case <-ticker.C:
				status, err := s.client.QueueStatus(pctx)
				s.touchActivity()
				if err != nil {
					continue
				}
				pending := len(status.QueuePending) + len(status.QueueRunning)
				s.emit(StatusEvent{QueueRemaining: pending})
				// Periodically retry the event channel; success stops polling.
				s.tryReconnect(pctx)
			}
		}
	}()
}

func (s *Session) stopPolling() {
	s.mu.Lock()
	cancel := s.pollCancel
	s.pollCancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Submit posts a workflow and returns the server-assigned prompt id.
func (s *Session) Submit(ctx context.Context, wf wire.Workflow, extraData map[string]interface{}, pos Position) (*wire.SubmitResponse, error) {
	req := wire.SubmitRequest{ClientID: s.clientID, Prompt: wf, ExtraData: extraData}
	if pos.Front {
		front := true
		req.Front = &front
	}
	if pos.Index != nil {
		req.Number = pos.Index
	}
	s.touchActivity()
	if jobID := ctxkeys.GetJobID(ctx); jobID != "" {
		s.log.Debug("submitting workflow", "job_id", jobID, "client_id", s.clientID)
	}
	resp, err := s.client.Submit(ctx, req)
	s.touchActivity()
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Interrupt asks the server to cancel a running or queued prompt.
func (s *Session) Interrupt(ctx context.Context, promptID string) error {
	s.touchActivity()
	err := s.client.Interrupt(ctx, promptID)
	s.touchActivity()
	return err
}

// UploadAsset uploads an attachment before dispatch.
func (s *Session) UploadAsset(ctx context.Context, filename string, content io.Reader, overwrite bool) (*wire.UploadResult, error) {
	s.touchActivity()
	res, err := s.client.UploadAsset(ctx, filename, content, overwrite)
	s.touchActivity()
	return res, err
}

// QueueStatus returns a snapshot of the server's queue; used for health
// pings and idle checks.
func (s *Session) QueueStatus(ctx context.Context) (*wire.QueueSnapshot, error) {
	s.touchActivity()
	snap, err := s.client.QueueStatus(ctx)
	s.touchActivity()
	return snap, err
}

// Checkpoints enumerates available checkpoint names via /object_info.
func (s *Session) Checkpoints(ctx context.Context, loaderNodeClass string) ([]string, error) {
	info, err := s.client.ObjectInfo(ctx, loaderNodeClass)
	if err != nil {
		return nil, err
	}
	raw, ok := info.Input.Required["ckpt_name"]
	if !ok {
		return nil, errors.New("object_info: ckpt_name not found")
	}
	var tuple []json.RawMessage
	if err := json.Unmarshal(raw, &tuple); err != nil || len(tuple) == 0 {
		return nil, fmt.Errorf("object_info: malformed ckpt_name: %w", err)
	}
	var names []string
	if err := json.Unmarshal(tuple[0], &names); err != nil {
		return nil, fmt.Errorf("object_info: malformed ckpt_name list: %w", err)
	}
	return names, nil
}

// Destroy idempotently tears the Session down: cancels reconnect, closes
// channels, stops timers.
func (s *Session) Destroy() {
	s.destroyOnce.Do(func() {
		s.mu.Lock()
		s.state = StateDestroyed
		chCancel := s.chCancel
		reconnectCancel := s.reconnectCancel
		pollCancel := s.pollCancel
		watchdogStop := s.watchdogStop
		ch := s.ch
		s.mu.Unlock()

		if reconnectCancel != nil {
			reconnectCancel()
		}
		if pollCancel != nil {
			pollCancel()
		}
		if watchdogStop != nil {
			watchdogStop()
		}
		if chCancel != nil {
			chCancel()
		}
		if ch != nil {
			_ = ch.Close()
		}
		s.wg.Wait()
	})
}

func applyJitter(d time.Duration, jitterPercent int) time.Duration {
	if jitterPercent <= 0 || d <= 0 {
		return d
	}
	frac := float64(jitterPercent) / 100.0
	spread := frac * float64(d) / 2
	noise := (rand.Float64()*2 - 1) * spread
	result := float64(d) + noise
	if result < 0 {
		result = 0
	}
	return time.Duration(result)
}
