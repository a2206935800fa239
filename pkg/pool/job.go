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

// Package pool implements the scheduler: a priority queue of pending jobs,
// selectivity-aware dispatch, a per-job retry/timeout state machine, and
// optional profiling hooks.
package pool

import (
	"sync"
	"time"

	"comfyfleet/pkg/wire"
)

// Status is a Job's position in its lifecycle.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// ErrorKind classifies a terminal or per-attempt error per the taxonomy.
type ErrorKind string

const (
	ErrKindTransport             ErrorKind = "transport"
	ErrKindEnqueueFailed         ErrorKind = "enqueue-failed"
	ErrKindWorkflowIncompatible  ErrorKind = "workflow-incompatible"
	ErrKindTransientExecution    ErrorKind = "transient-execution"
	ErrKindWorkflowValidation    ErrorKind = "workflow-validation"
	ErrKindExecutionStartTimeout ErrorKind = "execution-start-timeout"
	ErrKindNodeExecutionTimeout  ErrorKind = "node-execution-timeout"
	ErrKindCancelled             ErrorKind = "cancelled"
	ErrKindWorkflowNotSupported  ErrorKind = "workflow-not-supported"
)

// JobError is the structured error attached to a failed attempt or a
// terminal job failure.
type JobError struct {
	Kind      ErrorKind
	Retryable bool
	Message   string
	Err       error
}

func (e *JobError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *JobError) Unwrap() error { return e.Err }

// defaultRetryable reports the taxonomy's default retryability for a kind, absent
// an explicit override.
func (k ErrorKind) defaultRetryable() bool {
	switch k {
	case ErrKindTransientExecution, ErrKindExecutionStartTimeout, ErrKindNodeExecutionTimeout, ErrKindEnqueueFailed:
		return true
	default:
		return false
	}
}

// Attachment is a file to upload before dispatch, targeting a node input.
type Attachment struct {
	Filename   string
	Content    []byte
	TargetNode string
	InputName  string
	Overwrite  bool
}

// Options are the caller-supplied, all-optional per-job knobs.
type Options struct {
	Priority                int
	JobID                   string
	MaxAttempts             int
	RetryDelay              time.Duration
	PreferredSessionIDs     []string
	ExcludedSessionIDs      []string
	RequiredCheckpoints     []string
	Metadata                map[string]interface{}
	IncludeOutputs          []string
	OutputAliases           map[string]string
	Attachments             []Attachment
	ExecutionStartTimeout   time.Duration
	NodeExecutionTimeout    time.Duration
}

// Result is the payload produced by a completed job.
type Result struct {
	Outputs   map[string]interface{} // alias (or raw node id) -> node output
	PromptID  string
	Nodes     []string
	Aliases   map[string]string
	AutoSeeds map[string]int64
}

// Job is the Pool's record of one submitted workflow.
type Job struct {
	mu sync.RWMutex

	ID          string
	Workflow    wire.Workflow
	Fingerprint string
	Options     Options

	Status      Status
	Attempts    int
	SessionID   string
	PromptID    string
	Result      *Result
	LastError   *JobError

	EnqueuedAt  time.Time
	StartedAt   time.Time
	CompletedAt time.Time

	Profile *ProfileRecord

	excludedSessionIDs []string // grows on retry; copied into each reservation payload
}

// Snapshot is a read-only copy of a Job's externally-visible state, safe to
// hand to callers without exposing the Job's internal mutex.
type Snapshot struct {
	ID          string
	Status      Status
	Attempts    int
	SessionID   string
	PromptID    string
	Result      *Result
	LastError   *JobError
	EnqueuedAt  time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	Profile     *ProfileRecord
}

// snapshot takes a consistent read of the job's state. Callers must not hold
// j.mu.
func (j *Job) snapshot() Snapshot {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return Snapshot{
		ID:          j.ID,
		Status:      j.Status,
		Attempts:    j.Attempts,
		SessionID:   j.SessionID,
		PromptID:    j.PromptID,
		Result:      j.Result,
		LastError:   j.LastError,
		EnqueuedAt:  j.EnqueuedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
		Profile:     j.Profile,
	}
}

func applyOptionDefaults(o Options, defaultStartTimeout, defaultNodeTimeout time.Duration) Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
	if o.ExecutionStartTimeout <= 0 {
		o.ExecutionStartTimeout = defaultStartTimeout
	}
	if o.NodeExecutionTimeout <= 0 {
		o.NodeExecutionTimeout = defaultNodeTimeout
	}
	return o
}

// snapshotExcludedSessionIDs returns a copy of the job's accumulated
// per-attempt session exclusion list.
func (j *Job) snapshotExcludedSessionIDs() []string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return append([]string(nil), j.excludedSessionIDs...)
}
