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
	"bytes"
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"comfyfleet/internal/metrics"
	"comfyfleet/pkg/fleet"
	"comfyfleet/pkg/session"
	"comfyfleet/pkg/wire"
)

// runner drives one job's one attempt: attachment upload, seed rewrite,
// submit, timeout supervision, output collection, and terminal handling. A
// runner is single-use — one per run call, discarded once the attempt
// reaches a terminal outcome.
type runner struct {
	pool  *Pool
	job   *Job
	lease *fleet.Lease
	res   *Reservation

	cancelCh chan struct{}
	doneCh   chan struct{}
	once     sync.Once

	mu           sync.Mutex
	promptID     string
	started      bool
	lastNodeHint string
	outputs      map[string]interface{}
	autoSeeds    map[string]int64
	profiler     *Profiler
	nodeTimeout  *time.Timer
	startTimeout *time.Timer
	unsubscribe  session.Unsubscribe
	finished     bool
}

func newRunner(p *Pool, job *Job, lease *fleet.Lease, res *Reservation) *runner {
	return &runner{
		pool:     p,
		job:      job,
		lease:    lease,
		res:      res,
		cancelCh: make(chan struct{}),
		doneCh:   make(chan struct{}),
		outputs:  make(map[string]interface{}),
	}
}

// cancel asks the runner to stop; safe to call multiple times.
func (r *runner) cancel() {
	r.once.Do(func() { close(r.cancelCh) })
}

func (r *runner) run(ctx context.Context) {
	job := r.job
	job.mu.Lock()
	job.Status = StatusRunning
	job.Attempts++
	job.StartedAt = time.Now()
	job.SessionID = r.sessionID()
	attempt := job.Attempts
	job.mu.Unlock()

	r.pool.emit(JobAcceptedEvent{JobID: job.ID, SessionID: r.sessionID()})

	if r.pool.cfg.EnableProfiling {
		r.profiler = NewProfiler(job.EnqueuedAt)
	}

	wf, err := job.Workflow.Clone()
	if err != nil {
		r.finishAttempt(&JobError{Kind: ErrKindWorkflowValidation, Message: "clone workflow failed", Err: err}, attempt)
		return
	}

	if err := r.uploadAttachments(ctx, wf); err != nil {
		r.finishAttempt(&JobError{Kind: ErrKindTransport, Retryable: true, Message: "attachment upload failed", Err: err}, attempt)
		return
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(attempt)))
	r.mu.Lock()
	r.autoSeeds = RewriteSeeds(wf, rng)
	r.mu.Unlock()

	r.unsubscribe = r.lease.Session.Subscribe(r.onSessionEvent)

	r.armStartTimeout(attempt)

	resp, err := r.lease.Session.Submit(ctx, wf, job.Options.Metadata, session.Position{})
	if err != nil {
		r.stopTimers()
		r.finishAttempt(classifyEnqueueError(err), attempt)
		return
	}

	r.mu.Lock()
	r.promptID = resp.PromptID
	r.mu.Unlock()
	job.mu.Lock()
	job.PromptID = resp.PromptID
	job.mu.Unlock()

	r.armNodeTimeout(job.Options.NodeExecutionTimeout, attempt)

	select {
	case <-r.cancelCh:
		r.stopTimers()
		_ = r.lease.Session.Interrupt(ctx, resp.PromptID)
		r.terminalCancel()
	case <-ctx.Done():
		r.stopTimers()
	case <-r.doneCh:
	}

	if r.unsubscribe != nil {
		r.unsubscribe()
	}
}

// sessionID returns the id under which the leased Session is registered
// with the Client Manager.
func (r *runner) sessionID() string {
	for _, id := range r.pool.manager.List() {
		if s, ok := r.pool.manager.Session(id); ok && s == r.lease.Session {
			return id
		}
	}
	return ""
}

func (r *runner) uploadAttachments(ctx context.Context, wf wire.Workflow) error {
	for _, att := range r.job.Options.Attachments {
		res, err := r.lease.Session.UploadAsset(ctx, att.Filename, bytes.NewReader(att.Content), att.Overwrite)
		if err != nil {
			return err
		}
		node, ok := wf[att.TargetNode]
		if !ok {
			continue
		}
		if node.Inputs == nil {
			node.Inputs = make(map[string]interface{})
		}
		node.Inputs[att.InputName] = res.Name
		wf[att.TargetNode] = node
	}
	return nil
}

func (r *runner) signalDone() {
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-r.doneCh:
	default:
		close(r.doneCh)
	}
}

func (r *runner) armStartTimeout(attempt int) {
	d := r.job.Options.ExecutionStartTimeout
	r.mu.Lock()
	r.startTimeout = time.AfterFunc(d, func() {
		r.mu.Lock()
		already := r.finished
		r.mu.Unlock()
		if already {
			return
		}
		r.finishAttempt(&JobError{Kind: ErrKindExecutionStartTimeout, Retryable: true, Message: "failed to start"}, attempt)
	})
	r.mu.Unlock()
}

func (r *runner) armNodeTimeout(d time.Duration, attempt int) {
	r.mu.Lock()
	if r.nodeTimeout != nil {
		r.nodeTimeout.Stop()
	}
	r.nodeTimeout = time.AfterFunc(d, func() {
		r.mu.Lock()
		already := r.finished
		node := r.lastNodeHint
		r.mu.Unlock()
		if already {
			return
		}
		r.finishAttempt(&JobError{Kind: ErrKindNodeExecutionTimeout, Retryable: true, Message: "node execution timeout: " + node}, attempt)
	})
	r.mu.Unlock()
}

func (r *runner) resetNodeTimeout(attempt int) {
	r.armNodeTimeout(r.job.Options.NodeExecutionTimeout, attempt)
}

func (r *runner) stopTimers() {
	r.mu.Lock()
	if r.startTimeout != nil {
		r.startTimeout.Stop()
	}
	if r.nodeTimeout != nil {
		r.nodeTimeout.Stop()
	}
	r.mu.Unlock()
}

func (r *runner) onSessionEvent(ev session.Event) {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return
	}
	promptID := r.promptID
	r.mu.Unlock()

	job := r.job
	attempt := job.attemptsSnapshot()

	switch e := ev.(type) {
	case session.ExecutionStartEvent:
		if promptID != "" && e.PromptID != promptID {
			return
		}
		r.mu.Lock()
		if r.startTimeout != nil {
			r.startTimeout.Stop()
		}
		alreadyStarted := r.started
		r.started = true
		profiler := r.profiler
		r.mu.Unlock()
		if !alreadyStarted {
			if profiler != nil {
				profiler.OnExecutionStart(time.Now())
			}
			r.pool.emit(JobStartedEvent{JobID: job.ID, PromptID: e.PromptID})
		}

	case session.ExecutingEvent:
		if promptID != "" && e.PromptID != promptID {
			return
		}
		if e.Node != nil {
			r.mu.Lock()
			r.lastNodeHint = *e.Node
			r.mu.Unlock()
			r.resetNodeTimeout(attempt)
		}
		if r.profiler != nil {
			r.profiler.OnExecuting(time.Now(), e.Node)
		}

	case session.ExecutionCachedEvent:
		if promptID != "" && e.PromptID != promptID {
			return
		}
		if r.profiler != nil {
			r.profiler.OnExecutionCached(time.Now(), e.Nodes)
		}

	case session.ProgressEvent:
		if promptID != "" && e.PromptID != promptID {
			return
		}
		r.resetNodeTimeout(attempt)
		if r.profiler != nil {
			r.profiler.OnProgress(time.Now(), e.Node, e.Value, e.Max)
		}
		r.pool.emit(JobProgressEvent{JobID: job.ID, Node: e.Node, Value: e.Value, Max: e.Max})

	case session.ExecutedEvent:
		if promptID != "" && e.PromptID != promptID {
			return
		}
		r.mu.Lock()
		r.outputs[e.Node] = e.Output
		r.mu.Unlock()
		r.pool.emit(JobOutputEvent{JobID: job.ID, Node: e.Node, Output: e.Output})

	case session.PreviewEvent:
		r.pool.emit(JobPreviewEvent{JobID: job.ID, Image: e.Image, MIME: e.MIME})

	case session.PreviewMetaEvent:
		r.pool.emit(JobPreviewMetaEvent{JobID: job.ID, Image: e.Image, MIME: e.MIME, Metadata: e.Metadata})

	case session.ExecutionSuccessEvent:
		if promptID != "" && e.PromptID != promptID {
			return
		}
		r.stopTimers()
		r.succeed()

	case session.ExecutionErrorEvent:
		if promptID != "" && e.PromptID != promptID {
			return
		}
		r.stopTimers()
		if r.profiler != nil {
			r.profiler.OnExecutionError(time.Now(), e.NodeID)
		}
		r.finishAttempt(classifyExecutionError(e), attempt)
	}
}

func (r *runner) succeed() {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return
	}
	r.finished = true
	outputs := make(map[string]interface{}, len(r.outputs))
	for k, v := range r.outputs {
		outputs[k] = v
	}
	promptID := r.promptID
	autoSeeds := r.autoSeeds
	var profile *ProfileRecord
	if r.profiler != nil {
		profile = r.profiler.Finalize(time.Now())
	}
	r.mu.Unlock()

	job := r.job
	result := buildResult(job, promptID, outputs, autoSeeds)

	job.mu.Lock()
	job.Status = StatusCompleted
	job.Result = result
	job.CompletedAt = time.Now()
	job.Profile = profile
	job.mu.Unlock()

	r.pool.queue.Commit(r.res)
	r.lease.Release(true)
	metrics.IncJobOutcome("completed")
	r.pool.emit(JobCompletedEvent{JobID: job.ID, Result: result})
	r.pool.onRunnerDone(job.ID)
	r.signalDone()
}

func buildResult(job *Job, promptID string, rawOutputs map[string]interface{}, autoSeeds map[string]int64) *Result {
	aliases := job.Options.OutputAliases
	nodes := job.Options.IncludeOutputs
	if len(nodes) == 0 {
		nodes = make([]string, 0, len(rawOutputs))
		for id := range rawOutputs {
			nodes = append(nodes, id)
		}
	}
	outputs := make(map[string]interface{}, len(nodes))
	for _, node := range nodes {
		key := node
		if alias, ok := aliases[node]; ok {
			key = alias
		}
		if out, ok := rawOutputs[node]; ok {
			outputs[key] = out
		}
	}
	return &Result{
		Outputs:   outputs,
		PromptID:  promptID,
		Nodes:     nodes,
		Aliases:   aliases,
		AutoSeeds: autoSeeds,
	}
}

// finishAttempt handles every non-success terminal path for one attempt:
// clone/upload failure, submit failure, execution_error, or a timeout firing.
func (r *runner) finishAttempt(jobErr *JobError, attempt int) {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return
	}
	r.finished = true
	var profile *ProfileRecord
	if r.profiler != nil {
		profile = r.profiler.Finalize(time.Now())
	}
	r.mu.Unlock()

	job := r.job
	job.mu.Lock()
	job.Profile = profile
	job.LastError = jobErr
	job.mu.Unlock()

	r.fail(jobErr, attempt)
	r.signalDone()
}

// fail runs the retry-or-terminate decision for one failed attempt: the
// session is recorded against the Failover Strategy, and — only for a
// workflow-incompatible-with-client error, the one kind that means this
// session specifically can never run this job — the session's id is added
// to this job's exclusion list. The job then either returns to the queue
// (if retryable, under budget, and another session remains eligible) or is
// marked terminally failed.
func (r *runner) fail(jobErr *JobError, attempt int) {
	job := r.job
	sessionID := r.sessionID()

	r.pool.manager.RecordFailure(sessionID, job.Fingerprint, jobErr)

	job.mu.Lock()
	if jobErr.Kind == ErrKindWorkflowIncompatible {
		job.excludedSessionIDs = append(job.excludedSessionIDs, sessionID)
	}
	excluded := append([]string(nil), job.excludedSessionIDs...)
	maxAttempts := job.Options.MaxAttempts
	preferred := job.Options.PreferredSessionIDs
	requiredCheckpoints := job.Options.RequiredCheckpoints
	job.mu.Unlock()

	retryable := jobErr.Retryable || jobErr.Kind.defaultRetryable()
	hasEligible := r.pool.manager.HasEligibleSession(r.pool.ctx, fleet.ClaimRequest{
		Fingerprint:         job.Fingerprint,
		PreferredSessionIDs: preferred,
		ExcludedSessionIDs:  excluded,
		RequiredCheckpoints: requiredCheckpoints,
	})

	if retryable && attempt < maxAttempts && hasEligible {
		delay := job.Options.RetryDelay
		if r.pool.cfg.RetryBackoff > 0 {
			delay = r.pool.cfg.RetryBackoff
		}
		job.mu.Lock()
		job.Status = StatusQueued
		job.Options.ExcludedSessionIDs = excluded
		job.mu.Unlock()

		r.pool.emit(JobFailedEvent{JobID: job.ID, Err: jobErr, WillRetry: true})
		r.pool.emit(JobRetryingEvent{JobID: job.ID, Delay: delay})

		// The reservation stays out of the waiting list (parked in
		// pendingRetries) until delay elapses, so a retrying job can't be
		// redispatched before its backoff expires, and Cancel can still
		// reach it while it waits.
		res := r.res
		pool := r.pool
		jobID := job.ID
		pr := &pendingRetry{res: res}
		pr.timer = time.AfterFunc(delay, func() {
			pool.mu.Lock()
			_, stillPending := pool.pendingRetries[jobID]
			delete(pool.pendingRetries, jobID)
			pool.mu.Unlock()
			if !stillPending {
				return
			}
			pool.queue.Retry(res)
			pool.emit(JobQueuedEvent{JobID: jobID})
			pool.scheduleDispatch()
		})
		pool.mu.Lock()
		pool.pendingRetries[jobID] = pr
		pool.mu.Unlock()

		r.pool.onRunnerDone(job.ID)
		return
	}

	job.mu.Lock()
	job.Status = StatusFailed
	job.LastError = jobErr
	job.CompletedAt = time.Now()
	job.mu.Unlock()

	r.pool.queue.Discard(r.res)
	metrics.IncJobOutcome("failed")
	r.pool.emit(JobFailedEvent{JobID: job.ID, Err: jobErr, WillRetry: false})
	r.pool.onRunnerDone(job.ID)
}

func (r *runner) terminalCancel() {
	job := r.job
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return
	}
	r.finished = true
	r.mu.Unlock()

	job.mu.Lock()
	job.Status = StatusCancelled
	job.CompletedAt = time.Now()
	job.mu.Unlock()

	r.pool.queue.Discard(r.res)
	r.lease.Release(false)
	metrics.IncJobOutcome("cancelled")
	r.pool.emit(JobCancelledEvent{JobID: job.ID})
	r.pool.onRunnerDone(job.ID)
	r.signalDone()
}

func classifyEnqueueError(err error) *JobError {
	if enqErr, ok := err.(*wire.EnqueueError); ok {
		if looksLikeIncompatibility(enqErr.Reason) {
			return &JobError{Kind: ErrKindWorkflowIncompatible, Retryable: true, Message: "workflow incompatible with client", Err: enqErr}
		}
		return &JobError{Kind: ErrKindEnqueueFailed, Retryable: true, Message: "enqueue failed", Err: enqErr}
	}
	return &JobError{Kind: ErrKindTransport, Retryable: true, Message: "submit failed", Err: err}
}

func classifyExecutionError(e session.ExecutionErrorEvent) *JobError {
	msg := strings.ToLower(e.ExceptionMessage)
	switch {
	case looksLikeIncompatibility(msg):
		return &JobError{Kind: ErrKindWorkflowIncompatible, Retryable: true, Message: e.ExceptionMessage}
	case looksLikeValidation(msg):
		return &JobError{Kind: ErrKindWorkflowValidation, Retryable: false, Message: e.ExceptionMessage}
	default:
		return &JobError{Kind: ErrKindTransientExecution, Retryable: true, Message: e.ExceptionMessage}
	}
}

func looksLikeIncompatibility(msg string) bool {
	msg = strings.ToLower(msg)
	for _, needle := range []string{"checkpoint", "lora", "custom node", "missing node", "model not found", "not in list"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

func looksLikeValidation(msg string) bool {
	for _, needle := range []string{"invalid", "out of range", "bad input", "required input", "type mismatch"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

func (j *Job) attemptsSnapshot() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Attempts
}
