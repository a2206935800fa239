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

// Package wire defines the ComfyUI HTTP+WebSocket wire protocol the core
// consumes: workflow JSON, the text event envelope, and the binary preview
// frame format. It is deliberately thin — the full ComfyUI HTTP surface is
// out of scope; this package only names what dispatch requires.
package wire

import "encoding/json"

// Workflow is a node graph keyed by node id. Node order is not significant;
// the core treats values as opaque except for the fields it must inspect
// (class_type, inputs shape, inputs.seed).
type Workflow map[string]Node

// Node is one entry in a Workflow graph.
type Node struct {
	ClassType string                 `json:"class_type"`
	Inputs    map[string]interface{} `json:"inputs"`
	Meta      map[string]interface{} `json:"_meta,omitempty"`
}

// Clone returns a deep copy of the workflow so callers' inputs are never
// mutated by seed rewrite or attachment rewrite.
func (w Workflow) Clone() (Workflow, error) {
	raw, err := json.Marshal(w)
	if err != nil {
		return nil, err
	}
	var out Workflow
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FeatureFlags are announced by the client immediately after the event
// channel opens.
type FeatureFlags struct {
	SupportsPreviewMetadata bool  `json:"supports_preview_metadata"`
	MaxUploadSize           int64 `json:"max_upload_size"`
}

// Envelope wraps every JSON text message received on the event channel.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// OutboundEnvelope is the shape used to announce FeatureFlags to the server.
type OutboundEnvelope struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Event type names carried in Envelope.Type.
const (
	EventStatus          = "status"
	EventExecutionStart  = "execution_start"
	EventExecutionCached = "execution_cached"
	EventExecuting       = "executing"
	EventProgress        = "progress"
	EventExecuted        = "executed"
	EventExecutionOK     = "execution_success"
	EventExecutionError  = "execution_error"
)

// StatusData is the payload of a "status" event.
type StatusData struct {
	QueueRemaining int `json:"queue_remaining"`
}

// ExecutionStartData is the payload of an "execution_start" event.
type ExecutionStartData struct {
	PromptID string `json:"prompt_id"`
}

// ExecutionCachedData is the payload of an "execution_cached" event.
type ExecutionCachedData struct {
	PromptID string   `json:"prompt_id"`
	Nodes    []string `json:"nodes"`
}

// ExecutingData is the payload of an "executing" event. Node is nil when the
// prompt has finished executing.
type ExecutingData struct {
	PromptID string  `json:"prompt_id"`
	Node     *string `json:"node"`
}

// ProgressData is the payload of a "progress" event.
type ProgressData struct {
	PromptID string `json:"prompt_id"`
	Node     string `json:"node"`
	Value    int    `json:"value"`
	Max      int    `json:"max"`
}

// ExecutedData is the payload of an "executed" event.
type ExecutedData struct {
	PromptID string                 `json:"prompt_id"`
	Node     string                 `json:"node"`
	Output   map[string]interface{} `json:"output"`
}

// ExecutionSuccessData is the payload of an "execution_success" event.
type ExecutionSuccessData struct {
	PromptID string `json:"prompt_id"`
}

// ExecutionErrorData is the payload of an "execution_error" event.
type ExecutionErrorData struct {
	PromptID         string `json:"prompt_id"`
	NodeID           string `json:"node_id"`
	NodeType         string `json:"node_type"`
	ExceptionMessage string `json:"exception_message"`
	ExceptionType    string `json:"exception_type"`
	Traceback        string `json:"traceback"`
}

// SubmitRequest is the body of POST /prompt.
type SubmitRequest struct {
	ClientID  string                 `json:"client_id"`
	Prompt    Workflow               `json:"prompt"`
	ExtraData map[string]interface{} `json:"extra_data,omitempty"`
	Front     *bool                  `json:"front,omitempty"`
	Number    *float64               `json:"number,omitempty"`
}

// SubmitResponse is the 200 body of POST /prompt.
type SubmitResponse struct {
	PromptID   string                     `json:"prompt_id"`
	Number     int                        `json:"number"`
	NodeErrors map[string]json.RawMessage `json:"node_errors"`
}

// QueueSnapshot is the body of GET /queue.
type QueueSnapshot struct {
	QueueRunning []json.RawMessage `json:"queue_running"`
	QueuePending []json.RawMessage `json:"queue_pending"`
}

// PromptStatus is the body of GET /prompt.
type PromptStatus struct {
	ExecInfo struct {
		QueueRemaining int `json:"queue_remaining"`
	} `json:"exec_info"`
}

// InterruptRequest is the body of POST /interrupt.
type InterruptRequest struct {
	PromptID string `json:"prompt_id"`
}

// FreeRequest is the body of POST /free.
type FreeRequest struct {
	UnloadModels bool `json:"unload_models"`
	FreeMemory   bool `json:"free_memory"`
}

// UploadResult is the body returned by POST /upload/image.
type UploadResult struct {
	Name      string `json:"name"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// ObjectInfoNode is the subset of GET /object_info/<node> this core reads to
// enumerate checkpoints for a loader node definition.
type ObjectInfoNode struct {
	Input struct {
		Required map[string]json.RawMessage `json:"required"`
	} `json:"input"`
}
