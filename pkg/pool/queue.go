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

package pool

import (
	"sync"

	"github.com/google/uuid"
)

// Reservation is the transient right to commit or return exactly one job
// payload into the queue. It is consumed by exactly one of Commit, Retry, or
// Discard.
type Reservation struct {
	ID  string
	Job *Job
}

// QueueAdapter is the sole mutable store of pending job payloads. The core
// ships an in-memory implementation; another adapter (e.g. the optional
// sqlite one, which journals every transition to disk but does not reload
// pending jobs after a restart) can be substituted without changing the
// Pool's semantics — the Pool treats payloads as opaque beyond what it reads
// off the Job struct.
type QueueAdapter interface {
	// Enqueue adds a new waiting job, or returns an error if jobID already
	// exists in any of {waiting, reserved}.
	Enqueue(job *Job) error
	// Peek returns up to n waiting jobs without removing them, in FIFO
	// insertion order; the Pool applies its own priority/selectivity sort.
	Peek(n int) []*Job
	// Reserve atomically moves a waiting job to the reserved set and
	// returns a Reservation. ok is false if the job is not currently
	// waiting (already reserved, already terminal, or unknown).
	Reserve(jobID string) (*Reservation, bool)
	// Commit permanently removes a reserved job from the queue (it has
	// reached a terminal state elsewhere).
	Commit(res *Reservation)
	// Retry returns a reserved job to the waiting set.
	Retry(res *Reservation)
	// Discard permanently removes a reserved job from the queue without
	// requiring it pass through Commit (used for cancellation).
	Discard(res *Reservation)
	// Remove deletes a waiting job by id; used for cancelling a queued job
	// directly. A reserved job is left untouched. ok reports whether the
	// job was found and removed while still waiting.
	Remove(jobID string) (ok bool)
	// Len reports the number of currently-waiting jobs.
	Len() int
	// Get returns the job by id if it is waiting or reserved.
	Get(jobID string) (*Job, bool)
}

// MemoryQueue is the default in-process QueueAdapter: a FIFO-ordered pending
// list plus a reserved set, both guarded by one mutex so reserve/retry/
// commit/discard are atomic with respect to each other.
type MemoryQueue struct {
	mu       sync.Mutex
	waiting  []*Job          // FIFO order
	index    map[string]int  // jobID -> index into waiting, for O(1) lookup
	reserved map[string]*Job // jobID -> job, removed from waiting while reserved
}

var _ QueueAdapter = (*MemoryQueue)(nil)

// NewMemoryQueue constructs an empty MemoryQueue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		index:    make(map[string]int),
		reserved: make(map[string]*Job),
	}
}

func (q *MemoryQueue) Enqueue(job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.index[job.ID]; ok {
		return errDuplicateJobID(job.ID)
	}
	if _, ok := q.reserved[job.ID]; ok {
		return errDuplicateJobID(job.ID)
	}
	q.index[job.ID] = len(q.waiting)
	q.waiting = append(q.waiting, job)
	return nil
}

func (q *MemoryQueue) Peek(n int) []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n <= 0 || n > len(q.waiting) {
		n = len(q.waiting)
	}
	out := make([]*Job, n)
	copy(out, q.waiting[:n])
	return out
}

func (q *MemoryQueue) Reserve(jobID string) (*Reservation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx, ok := q.index[jobID]
	if !ok {
		return nil, false
	}
	job := q.waiting[idx]
	q.removeWaitingLocked(jobID)
	q.reserved[jobID] = job
	return &Reservation{ID: uuid.NewString(), Job: job}, true
}

func (q *MemoryQueue) Commit(res *Reservation) {
	if res == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.reserved, res.Job.ID)
}

func (q *MemoryQueue) Retry(res *Reservation) {
	if res == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.reserved, res.Job.ID)
	q.index[res.Job.ID] = len(q.waiting)
	q.waiting = append(q.waiting, res.Job)
}

func (q *MemoryQueue) Discard(res *Reservation) {
	q.Commit(res)
}

func (q *MemoryQueue) Remove(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.index[jobID]; ok {
		q.removeWaitingLocked(jobID)
		return true
	}
	return false
}

func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting)
}

func (q *MemoryQueue) Get(jobID string) (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if idx, ok := q.index[jobID]; ok {
		return q.waiting[idx], true
	}
	if job, ok := q.reserved[jobID]; ok {
		return job, true
	}
	return nil, false
}

// removeWaitingLocked removes jobID from q.waiting; caller holds q.mu.
func (q *MemoryQueue) removeWaitingLocked(jobID string) {
	idx, ok := q.index[jobID]
	if !ok {
		return
	}
	q.waiting = append(q.waiting[:idx], q.waiting[idx+1:]...)
	delete(q.index, jobID)
	for id, i := range q.index {
		if i > idx {
			q.index[id] = i - 1
		}
	}
}

type duplicateJobIDError string

func (e duplicateJobIDError) Error() string { return "duplicate job id: " + string(e) }

func errDuplicateJobID(id string) error { return duplicateJobIDError(id) }
