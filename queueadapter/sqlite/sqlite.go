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

// Package sqlite is an optional durable pool.QueueAdapter. It keeps the same
// in-process waiting/reserved invariants as pool.MemoryQueue (the live
// *pool.Job graph a Runner needs — seed-rewrite RNG, attempt counters, the
// retry exclusion list — only makes sense within one process) and, on top
// of that, journals every transition's exported job fields to a SQLite
// table. The journal exists so an operator can see what was pending or
// in-flight across a crash; it is a durability aid for observability, not a
// mechanism to resume in-flight jobs after a restart.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"comfyfleet/internal/logging"
	"comfyfleet/pkg/pool"
)

// Adapter is a durable pool.QueueAdapter backed by a SQLite journal.
type Adapter struct {
	db  *sql.DB
	log *slog.Logger

	mu       sync.Mutex
	waiting  []*pool.Job
	index    map[string]int
	reserved map[string]*pool.Job
}

var _ pool.QueueAdapter = (*Adapter)(nil)

// Open creates or opens the journal database at path and runs migrations.
func Open(path string) (*Adapter, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("queueadapter/sqlite: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("queueadapter/sqlite: ping: %w", err)
	}
	a := &Adapter{
		db:       db,
		log:      logging.OrDefault(nil).With("component", "queueadapter/sqlite"),
		index:    make(map[string]int),
		reserved: make(map[string]*pool.Job),
	}
	if err := a.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

func (a *Adapter) migrate() error {
	_, err := a.db.Exec(`
CREATE TABLE IF NOT EXISTS job_journal (
	id          TEXT PRIMARY KEY,
	state       TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	status      TEXT NOT NULL,
	attempts    INTEGER NOT NULL,
	session_id  TEXT NOT NULL DEFAULT '',
	enqueued_at DATETIME NOT NULL,
	updated_at  DATETIME NOT NULL,
	snapshot    TEXT NOT NULL
)`)
	if err != nil {
		return fmt.Errorf("queueadapter/sqlite: migrate: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (a *Adapter) Close() error {
	return a.db.Close()
}

// JournalEntry is a row of recovered journal state, returned by Recover for
// an operator to inspect after a crash; it is descriptive data, not a live
// job the Pool can resume.
type JournalEntry struct {
	ID          string
	State       string
	Fingerprint string
	Status      string
	Attempts    int
	SessionID   string
	EnqueuedAt  time.Time
	UpdatedAt   time.Time
}

// Recover lists every journaled job, most recently updated first. Intended
// for a demo CLI subcommand ("what was pending when the process died"), not
// for reconstructing in-flight Runner state.
func (a *Adapter) Recover() ([]JournalEntry, error) {
	rows, err := a.db.Query(`SELECT id, state, fingerprint, status, attempts, session_id, enqueued_at, updated_at FROM job_journal ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("queueadapter/sqlite: recover: %w", err)
	}
	defer rows.Close()

	var out []JournalEntry
	for rows.Next() {
		var e JournalEntry
		if err := rows.Scan(&e.ID, &e.State, &e.Fingerprint, &e.Status, &e.Attempts, &e.SessionID, &e.EnqueuedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("queueadapter/sqlite: scan journal row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// journal upserts jobID's current exported fields. It is best-effort: a
// journal write failure is logged but never blocks or fails the caller's
// queue operation, since the in-memory structures above remain the
// authoritative state for as long as the process runs.
//
// Reading job's exported fields without re-acquiring its private mutex is
// safe here because every QueueAdapter method is invoked synchronously by
// whichever single goroutine currently owns the job (the dispatch loop
// while waiting/reserved, the one Runner goroutine once claimed) — there is
// never a second writer concurrent with this read.
func (a *Adapter) journal(state string, job *pool.Job) {
	type snapshotted struct {
		Workflow interface{}   `json:"workflow"`
		Options  pool.Options  `json:"options"`
		Result   *pool.Result  `json:"result,omitempty"`
		LastErr  string        `json:"last_error,omitempty"`
	}
	snap := snapshotted{Workflow: job.Workflow, Options: job.Options, Result: job.Result}
	if job.LastError != nil {
		snap.LastErr = job.LastError.Error()
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		a.log.Warn("journal marshal failed", "job", job.ID, "err", err)
		return
	}
	now := time.Now()
	_, err = a.db.Exec(`
INSERT INTO job_journal (id, state, fingerprint, status, attempts, session_id, enqueued_at, updated_at, snapshot)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	state=excluded.state, status=excluded.status, attempts=excluded.attempts,
	session_id=excluded.session_id, updated_at=excluded.updated_at, snapshot=excluded.snapshot`,
		job.ID, state, job.Fingerprint, string(job.Status), job.Attempts, job.SessionID, job.EnqueuedAt, now, string(raw))
	if err != nil {
		a.log.Warn("journal upsert failed", "job", job.ID, "err", err)
	}
}

func (a *Adapter) removeWaitingLocked(jobID string) {
	idx, ok := a.index[jobID]
	if !ok {
		return
	}
	a.waiting = append(a.waiting[:idx], a.waiting[idx+1:]...)
	delete(a.index, jobID)
	for id, i := range a.index {
		if i > idx {
			a.index[id] = i - 1
		}
	}
}

// Enqueue adds a new waiting job.
func (a *Adapter) Enqueue(job *pool.Job) error {
	a.mu.Lock()
	if _, ok := a.index[job.ID]; ok {
		a.mu.Unlock()
		return duplicateJobIDError(job.ID)
	}
	if _, ok := a.reserved[job.ID]; ok {
		a.mu.Unlock()
		return duplicateJobIDError(job.ID)
	}
	a.index[job.ID] = len(a.waiting)
	a.waiting = append(a.waiting, job)
	a.mu.Unlock()

	a.journal("waiting", job)
	return nil
}

// Peek returns up to n waiting jobs in FIFO order.
func (a *Adapter) Peek(n int) []*pool.Job {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n <= 0 || n > len(a.waiting) {
		n = len(a.waiting)
	}
	out := make([]*pool.Job, n)
	copy(out, a.waiting[:n])
	return out
}

// Reserve moves a waiting job to the reserved set.
func (a *Adapter) Reserve(jobID string) (*pool.Reservation, bool) {
	a.mu.Lock()
	idx, ok := a.index[jobID]
	if !ok {
		a.mu.Unlock()
		return nil, false
	}
	job := a.waiting[idx]
	a.removeWaitingLocked(jobID)
	a.reserved[jobID] = job
	a.mu.Unlock()

	a.journal("reserved", job)
	return &pool.Reservation{ID: newReservationID(), Job: job}, true
}

// Commit permanently removes a reserved job.
func (a *Adapter) Commit(res *pool.Reservation) {
	if res == nil {
		return
	}
	a.mu.Lock()
	delete(a.reserved, res.Job.ID)
	a.mu.Unlock()
	a.journal("done", res.Job)
}

// Retry returns a reserved job to the waiting set.
func (a *Adapter) Retry(res *pool.Reservation) {
	if res == nil {
		return
	}
	a.mu.Lock()
	delete(a.reserved, res.Job.ID)
	a.index[res.Job.ID] = len(a.waiting)
	a.waiting = append(a.waiting, res.Job)
	a.mu.Unlock()
	a.journal("waiting", res.Job)
}

// Discard permanently removes a reserved job without passing through Commit.
func (a *Adapter) Discard(res *pool.Reservation) {
	if res == nil {
		return
	}
	a.mu.Lock()
	delete(a.reserved, res.Job.ID)
	a.mu.Unlock()
	a.journal("done", res.Job)
}

// Remove deletes a waiting job by id.
func (a *Adapter) Remove(jobID string) bool {
	a.mu.Lock()
	idx, ok := a.index[jobID]
	if !ok {
		a.mu.Unlock()
		return false
	}
	j := a.waiting[idx]
	a.removeWaitingLocked(jobID)
	a.mu.Unlock()
	a.journal("done", j)
	return true
}

// Len reports the number of currently-waiting jobs.
func (a *Adapter) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.waiting)
}

// Get returns the job by id if it is waiting or reserved.
func (a *Adapter) Get(jobID string) (*pool.Job, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if idx, ok := a.index[jobID]; ok {
		return a.waiting[idx], true
	}
	if job, ok := a.reserved[jobID]; ok {
		return job, true
	}
	return nil, false
}

type duplicateJobIDError string

func (e duplicateJobIDError) Error() string { return "queueadapter/sqlite: duplicate job id: " + string(e) }

var reservationSeq struct {
	mu  sync.Mutex
	ctr uint64
}

// newReservationID is a lightweight, dependency-free token generator for
// reservations; it need only be unique per-process, unlike a Job's own ID.
func newReservationID() string {
	reservationSeq.mu.Lock()
	reservationSeq.ctr++
	n := reservationSeq.ctr
	reservationSeq.mu.Unlock()
	return fmt.Sprintf("sqlite-res-%d-%d", time.Now().UnixNano(), n)
}
