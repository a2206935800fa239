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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"comfyfleet/internal/ctxkeys"
	"comfyfleet/internal/logging"
	"comfyfleet/internal/metrics"
	"comfyfleet/pkg/fleet"
	"comfyfleet/pkg/session"
	"comfyfleet/pkg/wire"
)

// Config tunes Pool behavior.
type Config struct {
	// DispatchBatch bounds how many waiting jobs a single dispatch pass
	// considers; the rest wait for a later pass.
	DispatchBatch int
	// RetryBackoff overrides every job's per-attempt RetryDelay when set;
	// leave zero to let each job's own Options.RetryDelay govern.
	RetryBackoff time.Duration
	// ExecutionStartTimeout/NodeExecutionTimeout seed a job's Options when
	// the caller leaves them unset.
	ExecutionStartTimeout time.Duration
	NodeExecutionTimeout  time.Duration
	EnableProfiling       bool
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		DispatchBatch:         100,
		ExecutionStartTimeout: 5 * time.Second,
		NodeExecutionTimeout:  5 * time.Minute,
	}
}

// Pool is the Workflow Pool: a priority queue of jobs dispatched against the
// Client Manager's fleet of sessions, one Runner per in-flight attempt.
type Pool struct {
	cfg     Config
	manager *fleet.Manager
	queue   QueueAdapter
	log     *slog.Logger

	mu             sync.Mutex
	jobs           map[string]*Job
	runners        map[string]*runner
	pendingRetries map[string]*pendingRetry

	subMu       sync.Mutex
	subscribers map[int]func(Event)
	nextSubID   int

	dispatchCh chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	fleetUnsubscribe session.Unsubscribe

	shutdownOnce sync.Once
}

// pendingRetry tracks a reservation sitting out its backoff delay before
// Runner.fail returns it to the waiting queue; it lets Cancel reach in and
// discard a retry that hasn't rejoined the queue yet.
type pendingRetry struct {
	timer *time.Timer
	res   *Reservation
}

// New constructs a Pool bound to manager. A nil queue defaults to an
// in-process MemoryQueue.
func New(manager *fleet.Manager, queue QueueAdapter, cfg Config) *Pool {
	if cfg.DispatchBatch <= 0 {
		cfg.DispatchBatch = DefaultConfig().DispatchBatch
	}
	if cfg.ExecutionStartTimeout <= 0 {
		cfg.ExecutionStartTimeout = DefaultConfig().ExecutionStartTimeout
	}
	if cfg.NodeExecutionTimeout <= 0 {
		cfg.NodeExecutionTimeout = DefaultConfig().NodeExecutionTimeout
	}
	if queue == nil {
		queue = NewMemoryQueue()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:         cfg,
		manager:     manager,
		queue:       queue,
		log:         logging.OrDefault(nil).With("component", "pool"),
		jobs:           make(map[string]*Job),
		runners:        make(map[string]*runner),
		pendingRetries: make(map[string]*pendingRetry),
		subscribers: make(map[int]func(Event)),
		dispatchCh:  make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
	}
	p.wg.Add(1)
	go p.dispatchLoop()

	// A session becoming available (freshly connected, or released by a
	// prior job) is exactly the moment a waiting job might now be
	// dispatchable — wake the loop rather than waiting for the next
	// Enqueue/retry to do it.
	p.fleetUnsubscribe = manager.Subscribe(func(ev fleet.Event) {
		if cse, ok := ev.(fleet.ClientStateEvent); ok && cse.Online && !cse.Busy {
			p.scheduleDispatch()
		}
	})

	p.emit(PoolReadyEvent{})
	return p
}

// Subscribe registers a listener for Pool-level events.
func (p *Pool) Subscribe(fn func(Event)) Unsubscribe {
	p.subMu.Lock()
	id := p.nextSubID
	p.nextSubID++
	p.subscribers[id] = fn
	p.subMu.Unlock()
	return func() {
		p.subMu.Lock()
		delete(p.subscribers, id)
		p.subMu.Unlock()
	}
}

func (p *Pool) emit(ev Event) {
	p.subMu.Lock()
	fns := make([]func(Event), 0, len(p.subscribers))
	for _, fn := range p.subscribers {
		fns = append(fns, fn)
	}
	p.subMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

var errUnsupportedWorkflowInput = errors.New("pool: unsupported workflow input type")

// normalizeWorkflow accepts a wire.Workflow, a JSON string/[]byte, or a raw
// map[string]interface{} builder output, and returns the parsed graph.
func normalizeWorkflow(input interface{}) (wire.Workflow, error) {
	switch v := input.(type) {
	case wire.Workflow:
		return v, nil
	case string:
		var wf wire.Workflow
		if err := json.Unmarshal([]byte(v), &wf); err != nil {
			return nil, fmt.Errorf("pool: parse workflow json: %w", err)
		}
		return wf, nil
	case []byte:
		var wf wire.Workflow
		if err := json.Unmarshal(v, &wf); err != nil {
			return nil, fmt.Errorf("pool: parse workflow json: %w", err)
		}
		return wf, nil
	case map[string]interface{}:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("pool: marshal workflow map: %w", err)
		}
		var wf wire.Workflow
		if err := json.Unmarshal(raw, &wf); err != nil {
			return nil, fmt.Errorf("pool: parse workflow map: %w", err)
		}
		return wf, nil
	default:
		return nil, errUnsupportedWorkflowInput
	}
}

// Enqueue accepts a workflow (wire.Workflow, JSON string/[]byte, or a raw
// map builder output) plus per-job options, and admits it to the queue.
func (p *Pool) Enqueue(workflow interface{}, opts Options) (string, error) {
	wf, err := normalizeWorkflow(workflow)
	if err != nil {
		return "", err
	}
	opts = applyOptionDefaults(opts, p.cfg.ExecutionStartTimeout, p.cfg.NodeExecutionTimeout)

	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}

	job := &Job{
		ID:          id,
		Workflow:    wf,
		Fingerprint: Fingerprint(wf),
		Options:     opts,
		Status:      StatusQueued,
		EnqueuedAt:  time.Now(),
	}
	job.excludedSessionIDs = append([]string(nil), opts.ExcludedSessionIDs...)

	if err := p.queue.Enqueue(job); err != nil {
		return "", err
	}

	p.mu.Lock()
	p.jobs[id] = job
	p.mu.Unlock()

	p.emit(JobQueuedEvent{JobID: id})
	p.scheduleDispatch()
	return id, nil
}

// GetJob returns a point-in-time snapshot of jobID's state.
func (p *Pool) GetJob(jobID string) (Snapshot, bool) {
	p.mu.Lock()
	job, ok := p.jobs[jobID]
	p.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	return job.snapshot(), true
}

// Cancel stops jobID if it is queued or running. It returns false if jobID
// is unknown or already terminal.
func (p *Pool) Cancel(jobID string) bool {
	p.mu.Lock()
	job, known := p.jobs[jobID]
	r, running := p.runners[jobID]
	pending, isPending := p.pendingRetries[jobID]
	if isPending {
		delete(p.pendingRetries, jobID)
	}
	p.mu.Unlock()
	if !known {
		return false
	}
	if running {
		r.cancel()
		return true
	}
	if isPending {
		pending.timer.Stop()
		p.queue.Discard(pending.res)
		job.mu.Lock()
		job.Status = StatusCancelled
		job.CompletedAt = time.Now()
		job.mu.Unlock()
		metrics.IncJobOutcome("cancelled")
		p.emit(JobCancelledEvent{JobID: jobID})
		return true
	}
	if p.queue.Remove(jobID) {
		job.mu.Lock()
		alreadyTerminal := job.Status == StatusCompleted || job.Status == StatusFailed || job.Status == StatusCancelled
		if !alreadyTerminal {
			job.Status = StatusCancelled
			job.CompletedAt = time.Now()
		}
		job.mu.Unlock()
		if !alreadyTerminal {
			metrics.IncJobOutcome("cancelled")
			p.emit(JobCancelledEvent{JobID: jobID})
		}
		return true
	}
	return false
}

// GetQueueStats tallies known jobs by status.
func (p *Pool) GetQueueStats() map[string]int {
	p.mu.Lock()
	jobs := make([]*Job, 0, len(p.jobs))
	for _, j := range p.jobs {
		jobs = append(jobs, j)
	}
	p.mu.Unlock()

	stats := make(map[string]int)
	for _, j := range jobs {
		stats[string(j.snapshot().Status)]++
	}
	for status, n := range stats {
		metrics.SetQueueDepth(status, n)
	}
	return stats
}

// Shutdown stops the dispatch loop, cancels every in-flight runner, and
// waits for them to unwind. Shutdown is idempotent.
func (p *Pool) Shutdown() {
	p.shutdownOnce.Do(func() {
		if p.fleetUnsubscribe != nil {
			p.fleetUnsubscribe()
		}
		p.cancel()
		p.mu.Lock()
		runners := make([]*runner, 0, len(p.runners))
		for _, r := range p.runners {
			runners = append(runners, r)
		}
		p.mu.Unlock()
		for _, r := range runners {
			r.cancel()
		}
		p.wg.Wait()
	})
}

// scheduleDispatch wakes the dispatch loop; bursts of calls coalesce into a
// single pass since dispatchCh is a buffered channel of size 1.
func (p *Pool) scheduleDispatch() {
	select {
	case p.dispatchCh <- struct{}{}:
	default:
	}
}

func (p *Pool) dispatchLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.dispatchCh:
			p.dispatchOnce()
		}
	}
}

// candidate pairs a waiting Job with the sort key the dispatch pass ranks
// it by: priority descending, then selectivity descending (narrower jobs —
// fewer sessions could ever satisfy them right now — go first so a broad,
// easily satisfied job never starves a narrow one sitting behind it), then
// FIFO.
type candidate struct {
	job         *Job
	req         fleet.ClaimRequest
	priority    int
	selectivity int
}

// selectivityOf scores how constrained a job's true eligible-session set is,
// by asking the manager how many currently-registered sessions actually
// qualify for req (online, not busy, not excluded/blocked, checkpoint- and
// preference-matched) — not merely how its Options are shaped. Fewer
// eligible sessions means a higher score, so the sort below ranks it first.
func selectivityOf(ctx context.Context, manager *fleet.Manager, req fleet.ClaimRequest) int {
	return -manager.EligibleSessionCount(ctx, req)
}

// dispatchOnce performs exactly one greedy assignment pass: it peeks the
// front of the queue, ranks it, and claims a session for as many candidates
// as currently have one available. Because this method only ever runs on
// the single dispatchLoop goroutine, it needs no re-entrancy guard of its
// own — the channel's single consumer is the guard.
func (p *Pool) dispatchOnce() {
	start := time.Now()
	defer func() { metrics.ObserveDispatchPass(time.Since(start)) }()

	waiting := p.queue.Peek(p.cfg.DispatchBatch)
	if len(waiting) == 0 {
		return
	}

	candidates := make([]candidate, 0, len(waiting))
	for _, job := range waiting {
		snap := job.snapshot()
		if snap.Status != StatusQueued {
			continue
		}
		req := fleet.ClaimRequest{
			Fingerprint:         job.Fingerprint,
			PreferredSessionIDs: job.Options.PreferredSessionIDs,
			ExcludedSessionIDs:  job.snapshotExcludedSessionIDs(),
			RequiredCheckpoints: job.Options.RequiredCheckpoints,
		}
		candidates = append(candidates, candidate{
			job:         job,
			req:         req,
			priority:    job.Options.Priority,
			selectivity: selectivityOf(p.ctx, p.manager, req),
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].priority != candidates[j].priority {
			return candidates[i].priority > candidates[j].priority
		}
		return candidates[i].selectivity > candidates[j].selectivity
	})

	for _, c := range candidates {
		job := c.job
		lease, ok := p.manager.Claim(p.ctx, c.req)
		if !ok {
			continue
		}

		res, ok := p.queue.Reserve(job.ID)
		if !ok {
			// Lost the race to another path touching the queue (e.g. a
			// concurrent Cancel); give the session back.
			lease.Release(false)
			continue
		}

		r := newRunner(p, job, lease, res)
		p.mu.Lock()
		p.runners[job.ID] = r
		p.mu.Unlock()

		runCtx := ctxkeys.WithJobID(p.ctx, job.ID)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			r.run(runCtx)
		}()
	}
}

// onRunnerDone detaches jobID's finished runner and wakes the dispatch loop
// so a freed session (or a requeued retry) gets considered immediately.
func (p *Pool) onRunnerDone(jobID string) {
	p.mu.Lock()
	delete(p.runners, jobID)
	p.mu.Unlock()
	p.scheduleDispatch()
}
