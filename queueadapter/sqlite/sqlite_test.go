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

package sqlite

import (
	"path/filepath"
	"testing"

	"comfyfleet/pkg/pool"
)

func openTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")
	a, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestAdapterSatisfiesQueueAdapter(t *testing.T) {
	var _ pool.QueueAdapter = (*Adapter)(nil)
}

func TestAdapterEnqueueRejectsDuplicateID(t *testing.T) {
	a := openTestAdapter(t)
	job := &pool.Job{ID: "j1"}
	if err := a.Enqueue(job); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := a.Enqueue(job); err == nil {
		t.Fatalf("expected duplicate enqueue to fail")
	}
}

func TestAdapterPeekPreservesFIFOOrder(t *testing.T) {
	a := openTestAdapter(t)
	for _, id := range []string{"a", "b", "c"} {
		if err := a.Enqueue(&pool.Job{ID: id}); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}
	got := a.Peek(0)
	if len(got) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(got))
	}
	for i, want := range []string{"a", "b", "c"} {
		if got[i].ID != want {
			t.Fatalf("position %d: want %s, got %s", i, want, got[i].ID)
		}
	}
}

func TestAdapterReserveRemovesFromWaiting(t *testing.T) {
	a := openTestAdapter(t)
	if err := a.Enqueue(&pool.Job{ID: "j1"}); err != nil {
		t.Fatal(err)
	}
	res, ok := a.Reserve("j1")
	if !ok {
		t.Fatalf("expected reserve to succeed")
	}
	if a.Len() != 0 {
		t.Fatalf("expected waiting list to be empty after reserve, got %d", a.Len())
	}
	if _, ok := a.Reserve("j1"); ok {
		t.Fatalf("expected second reserve of the same job to fail")
	}
	if res.Job.ID != "j1" {
		t.Fatalf("reservation references wrong job: %s", res.Job.ID)
	}
}

func TestAdapterCommitRemovesReservation(t *testing.T) {
	a := openTestAdapter(t)
	a.Enqueue(&pool.Job{ID: "j1"})
	res, _ := a.Reserve("j1")
	a.Commit(res)
	if _, ok := a.Get("j1"); ok {
		t.Fatalf("expected job to be gone after commit")
	}
}

func TestAdapterRetryReturnsToWaitingTail(t *testing.T) {
	a := openTestAdapter(t)
	a.Enqueue(&pool.Job{ID: "j1"})
	a.Enqueue(&pool.Job{ID: "j2"})
	res, _ := a.Reserve("j1")
	a.Retry(res)
	got := a.Peek(0)
	if len(got) != 2 || got[0].ID != "j2" || got[1].ID != "j1" {
		t.Fatalf("expected retried job to land at the tail, got %v", jobIDs(got))
	}
}

func TestAdapterDiscardRemovesReservation(t *testing.T) {
	a := openTestAdapter(t)
	a.Enqueue(&pool.Job{ID: "j1"})
	res, _ := a.Reserve("j1")
	a.Discard(res)
	if _, ok := a.Get("j1"); ok {
		t.Fatalf("expected discarded job to be gone")
	}
}

func TestAdapterRemoveOnlyAffectsWaiting(t *testing.T) {
	a := openTestAdapter(t)
	a.Enqueue(&pool.Job{ID: "j1"})
	a.Enqueue(&pool.Job{ID: "j2"})
	res, _ := a.Reserve("j1")

	if ok := a.Remove("j1"); ok {
		t.Fatalf("expected Remove to report false for a reserved job")
	}
	if ok := a.Remove("j2"); !ok {
		t.Fatalf("expected Remove to report true for a waiting job")
	}
	if a.Len() != 0 {
		t.Fatalf("expected waiting list empty, got %d", a.Len())
	}
	a.Commit(res)
}

func TestAdapterJournalsRecoverableRows(t *testing.T) {
	a := openTestAdapter(t)
	a.Enqueue(&pool.Job{ID: "j1", Status: pool.StatusQueued, Fingerprint: "fp1"})
	res, ok := a.Reserve("j1")
	if !ok {
		t.Fatalf("expected reserve to succeed")
	}
	res.Job.Status = pool.StatusRunning
	res.Job.SessionID = "s1"
	a.Commit(res)

	rows, err := a.Recover()
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 journaled row, got %d", len(rows))
	}
	got := rows[0]
	if got.ID != "j1" || got.State != "done" || got.Fingerprint != "fp1" {
		t.Fatalf("unexpected journal row: %+v", got)
	}
}

func TestAdapterJournalSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	a, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := a.Enqueue(&pool.Job{ID: "j1", Fingerprint: "fp1"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })

	rows, err := reopened.Recover()
	if err != nil {
		t.Fatalf("Recover after reopen: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != "j1" {
		t.Fatalf("expected the journaled row to survive a reopen, got %+v", rows)
	}
	// the in-memory waiting/reserved index does not survive a reopen -- the
	// journal is for operator visibility, not resuming dispatch.
	if reopened.Len() != 0 {
		t.Fatalf("expected a freshly reopened adapter to start with an empty in-memory queue, got %d", reopened.Len())
	}
}

func jobIDs(jobs []*pool.Job) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.ID
	}
	return out
}
