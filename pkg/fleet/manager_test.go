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

package fleet

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"comfyfleet/pkg/failover"
	"comfyfleet/pkg/session"
	"comfyfleet/pkg/wire"
)

type fakeClient struct{}

func (f *fakeClient) Submit(ctx context.Context, req wire.SubmitRequest) (*wire.SubmitResponse, error) {
	return &wire.SubmitResponse{}, nil
}
func (f *fakeClient) Interrupt(ctx context.Context, promptID string) error { return nil }
func (f *fakeClient) UploadAsset(ctx context.Context, filename string, content io.Reader, overwrite bool) (*wire.UploadResult, error) {
	return &wire.UploadResult{}, nil
}
func (f *fakeClient) QueueStatus(ctx context.Context) (*wire.QueueSnapshot, error) {
	return &wire.QueueSnapshot{}, nil
}
func (f *fakeClient) PromptStatus(ctx context.Context, promptID string) (*wire.PromptStatus, error) {
	return &wire.PromptStatus{}, nil
}
func (f *fakeClient) SystemStats(ctx context.Context) (json.RawMessage, error) { return nil, nil }
func (f *fakeClient) ObjectInfo(ctx context.Context, nodeClass string) (*wire.ObjectInfoNode, error) {
	return &wire.ObjectInfoNode{}, nil
}
func (f *fakeClient) Free(ctx context.Context, req wire.FreeRequest) error { return nil }
func (f *fakeClient) WebSocketURL(clientID string) string                 { return "ws://127.0.0.1:1/ws" }
func (f *fakeClient) BaseURL() string                                     { return "http://127.0.0.1:1" }

// checkpointClient extends fakeClient with an ObjectInfo response listing a
// fixed set of checkpoint names, so RefreshCheckpoints has something to cache.
type checkpointClient struct {
	fakeClient
	checkpoints []string
}

func (f *checkpointClient) ObjectInfo(ctx context.Context, nodeClass string) (*wire.ObjectInfoNode, error) {
	names, err := json.Marshal(f.checkpoints)
	if err != nil {
		return nil, err
	}
	tuple, err := json.Marshal([]json.RawMessage{names})
	if err != nil {
		return nil, err
	}
	info := &wire.ObjectInfoNode{}
	info.Input.Required = map[string]json.RawMessage{"ckpt_name": tuple}
	return info, nil
}

func addTestSessionWithCheckpoints(t *testing.T, m *Manager, id string, checkpoints []string) *session.Session {
	t.Helper()
	cfg := session.DefaultConfig()
	cfg.InitialProbeAttempts = 1
	cfg.PollInterval = 20 * time.Millisecond
	sess := session.New("http://127.0.0.1:1", &checkpointClient{checkpoints: checkpoints}, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Add(ctx, id, sess); err != nil {
		t.Fatalf("Add(%s): %v", id, err)
	}
	m.mu.Lock()
	m.records[id].online = true
	m.mu.Unlock()
	return sess
}

func newTestManager(t *testing.T) (*Manager, *failover.SmartStrategy) {
	t.Helper()
	strategy := failover.NewSmart(failover.DefaultConfig(), nil)
	cfg := DefaultConfig()
	cfg.HealthCheckInterval = 0
	m := New(cfg, strategy)
	return m, strategy
}

func addTestSession(t *testing.T, m *Manager, id string) *session.Session {
	t.Helper()
	cfg := session.DefaultConfig()
	cfg.InitialProbeAttempts = 1
	cfg.PollInterval = 20 * time.Millisecond
	sess := session.New("http://127.0.0.1:1", &fakeClient{}, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Add(ctx, id, sess); err != nil {
		t.Fatalf("Add(%s): %v", id, err)
	}
	// Session.Init falls back to polling (no real WS server), which the
	// Manager does not treat as "online" on its own — simulate the
	// connected transition a real event-channel open would have emitted.
	m.mu.Lock()
	m.records[id].online = true
	m.mu.Unlock()
	return sess
}

func TestClaimMarksBusyAtMostOne(t *testing.T) {
	m, _ := newTestManager(t)
	defer m.Destroy()
	addTestSession(t, m, "s1")

	lease1, ok := m.Claim(context.Background(), ClaimRequest{Fingerprint: "fp1"})
	if !ok {
		t.Fatalf("expected claim to succeed")
	}
	if _, ok := m.Claim(context.Background(), ClaimRequest{Fingerprint: "fp1"}); ok {
		t.Fatalf("expected second claim to fail while session busy")
	}
	lease1.Release(true)
	if _, ok := m.Claim(context.Background(), ClaimRequest{Fingerprint: "fp1"}); !ok {
		t.Fatalf("expected claim to succeed again after release")
	}
}

func TestClaimRespectsExcludedList(t *testing.T) {
	m, _ := newTestManager(t)
	defer m.Destroy()
	addTestSession(t, m, "s1")

	if _, ok := m.Claim(context.Background(), ClaimRequest{Fingerprint: "fp1", ExcludedSessionIDs: []string{"s1"}}); ok {
		t.Fatalf("expected excluded session to be skipped")
	}
}

func TestClaimRespectsPreferredList(t *testing.T) {
	m, _ := newTestManager(t)
	defer m.Destroy()
	addTestSession(t, m, "s1")
	addTestSession(t, m, "s2")

	lease, ok := m.Claim(context.Background(), ClaimRequest{Fingerprint: "fp1", PreferredSessionIDs: []string{"s2"}})
	if !ok {
		t.Fatalf("expected claim to succeed")
	}
	if lease.sessionID != "s2" {
		t.Fatalf("expected preferred session s2, got %s", lease.sessionID)
	}
}

func TestClaimRejectsDuringReconnectGrace(t *testing.T) {
	m, _ := newTestManager(t)
	defer m.Destroy()
	addTestSession(t, m, "s1")

	m.mu.Lock()
	m.records["s1"].reconnectStableAt = m.now().Add(time.Minute)
	m.mu.Unlock()

	if _, ok := m.Claim(context.Background(), ClaimRequest{Fingerprint: "fp1"}); ok {
		t.Fatalf("expected claim to be rejected during reconnect grace")
	}
}

func TestClaimSkipsBlockedSession(t *testing.T) {
	m, strategy := newTestManager(t)
	defer m.Destroy()
	addTestSession(t, m, "s1")

	strategy.RecordFailure("s1", "fp1")
	strategy.RecordFailure("s1", "fp1")
	strategy.RecordFailure("s1", "fp1")

	if _, ok := m.Claim(context.Background(), ClaimRequest{Fingerprint: "fp1"}); ok {
		t.Fatalf("expected blocked session to be skipped")
	}
}

func TestRecordFailureClearsBusyAndEmitsBlockedEvent(t *testing.T) {
	m, _ := newTestManager(t)
	defer m.Destroy()
	addTestSession(t, m, "s1")

	var gotBlocked bool
	m.Subscribe(func(ev Event) {
		if _, ok := ev.(ClientBlockedWorkflowEvent); ok {
			gotBlocked = true
		}
	})

	lease, ok := m.Claim(context.Background(), ClaimRequest{Fingerprint: "fp1"})
	if !ok {
		t.Fatalf("expected claim")
	}
	_ = lease
	m.RecordFailure("s1", "fp1", nil)
	m.RecordFailure("s1", "fp1", nil)
	m.RecordFailure("s1", "fp1", nil)

	if _, ok := m.Claim(context.Background(), ClaimRequest{Fingerprint: "fp1"}); ok {
		t.Fatalf("expected session blocked after 3 failures")
	}
	if !gotBlocked {
		t.Fatalf("expected client:blocked_workflow event")
	}
}

func TestClaimWarmsCheckpointCacheAndAcceptsMatchingSession(t *testing.T) {
	m, _ := newTestManager(t)
	defer m.Destroy()
	addTestSessionWithCheckpoints(t, m, "s1", []string{"sd_xl_base_1.0.safetensors"})

	lease, ok := m.Claim(context.Background(), ClaimRequest{
		Fingerprint:         "fp1",
		RequiredCheckpoints: []string{"sd_xl_base_1.0.safetensors"},
	})
	if !ok {
		t.Fatalf("expected claim to succeed once the checkpoint cache is warmed")
	}
	if lease.sessionID != "s1" {
		t.Fatalf("expected s1, got %s", lease.sessionID)
	}
}

func TestClaimRejectsSessionMissingRequiredCheckpoint(t *testing.T) {
	m, _ := newTestManager(t)
	defer m.Destroy()
	addTestSessionWithCheckpoints(t, m, "s1", []string{"sd_xl_base_1.0.safetensors"})

	if _, ok := m.Claim(context.Background(), ClaimRequest{
		Fingerprint:         "fp1",
		RequiredCheckpoints: []string{"does-not-exist.safetensors"},
	}); ok {
		t.Fatalf("expected claim to fail when no session has the required checkpoint")
	}
}

func TestEligibleSessionCountReflectsRequiredCheckpoints(t *testing.T) {
	m, _ := newTestManager(t)
	defer m.Destroy()
	addTestSessionWithCheckpoints(t, m, "s1", []string{"sd_xl_base_1.0.safetensors"})
	addTestSessionWithCheckpoints(t, m, "s2", []string{"other.safetensors"})

	req := ClaimRequest{Fingerprint: "fp1", RequiredCheckpoints: []string{"sd_xl_base_1.0.safetensors"}}
	if got := m.EligibleSessionCount(context.Background(), req); got != 1 {
		t.Fatalf("expected exactly 1 eligible session, got %d", got)
	}
}

func TestDestroyIsIdempotent(t *testing.T) {
	m, _ := newTestManager(t)
	m.Destroy()
	m.Destroy()
}
