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

package session

import (
	"encoding/json"

	"comfyfleet/pkg/wire"
)

// unmarshal decodes an envelope's raw data payload into dst.
func unmarshal(data json.RawMessage, dst interface{}) error {
	return json.Unmarshal(data, dst)
}

// Event is the sealed set of notifications a Session fans out to its single
// subscriber (the Client Manager, or a Pool Runner layered on top of it).
// Concrete types replace the reference's string-keyed event bus.
type Event interface {
	isSessionEvent()
}

type ConnectedEvent struct{}

type ReconnectedEvent struct{}

type DisconnectedEvent struct {
	Err error
}

type ReconnectionFailedEvent struct {
	Attempts int
}

type StatusEvent struct {
	QueueRemaining int
}

type ExecutionStartEvent struct {
	PromptID string
}

type ExecutionCachedEvent struct {
	PromptID string
	Nodes    []string
}

type ExecutingEvent struct {
	PromptID string
	Node     *string // nil marks prompt completion
}

type ProgressEvent struct {
	PromptID string
	Node     string
	Value    int
	Max      int
}

type ExecutedEvent struct {
	PromptID string
	Node     string
	Output   map[string]interface{}
}

type ExecutionSuccessEvent struct {
	PromptID string
}

type ExecutionErrorEvent struct {
	PromptID         string
	NodeID           string
	NodeType         string
	ExceptionMessage string
	ExceptionType    string
	Traceback        string
}

type PreviewEvent struct {
	Image []byte
	MIME  string
}

type PreviewMetaEvent struct {
	Image    []byte
	MIME     string
	Metadata []byte
}

func (ConnectedEvent) isSessionEvent()          {}
func (ReconnectedEvent) isSessionEvent()        {}
func (DisconnectedEvent) isSessionEvent()       {}
func (ReconnectionFailedEvent) isSessionEvent() {}
func (StatusEvent) isSessionEvent()             {}
func (ExecutionStartEvent) isSessionEvent()     {}
func (ExecutionCachedEvent) isSessionEvent()    {}
func (ExecutingEvent) isSessionEvent()          {}
func (ProgressEvent) isSessionEvent()           {}
func (ExecutedEvent) isSessionEvent()           {}
func (ExecutionSuccessEvent) isSessionEvent()   {}
func (ExecutionErrorEvent) isSessionEvent()     {}
func (PreviewEvent) isSessionEvent()            {}
func (PreviewMetaEvent) isSessionEvent()        {}

// decodeEnvelope turns a wire.Envelope into a concrete Event, or returns
// (nil, false) for an event type the core does not surface (e.g. unknown
// text types, which are ignored rather than treated as fatal).
func decodeEnvelope(env wire.Envelope) (Event, bool) {
	switch env.Type {
	case wire.EventStatus:
		var d wire.StatusData
		if err := unmarshal(env.Data, &d); err != nil {
			return nil, false
		}
		return StatusEvent{QueueRemaining: d.QueueRemaining}, true
	case wire.EventExecutionStart:
		var d wire.ExecutionStartData
		if err := unmarshal(env.Data, &d); err != nil {
			return nil, false
		}
		return ExecutionStartEvent{PromptID: d.PromptID}, true
	case wire.EventExecutionCached:
		var d wire.ExecutionCachedData
		if err := unmarshal(env.Data, &d); err != nil {
			return nil, false
		}
		return ExecutionCachedEvent{PromptID: d.PromptID, Nodes: d.Nodes}, true
	case wire.EventExecuting:
		var d wire.ExecutingData
		if err := unmarshal(env.Data, &d); err != nil {
			return nil, false
		}
		return ExecutingEvent{PromptID: d.PromptID, Node: d.Node}, true
	case wire.EventProgress:
		var d wire.ProgressData
		if err := unmarshal(env.Data, &d); err != nil {
			return nil, false
		}
		return ProgressEvent{PromptID: d.PromptID, Node: d.Node, Value: d.Value, Max: d.Max}, true
	case wire.EventExecuted:
		var d wire.ExecutedData
		if err := unmarshal(env.Data, &d); err != nil {
			return nil, false
		}
		return ExecutedEvent{PromptID: d.PromptID, Node: d.Node, Output: d.Output}, true
	case wire.EventExecutionOK:
		var d wire.ExecutionSuccessData
		if err := unmarshal(env.Data, &d); err != nil {
			return nil, false
		}
		return ExecutionSuccessEvent{PromptID: d.PromptID}, true
	case wire.EventExecutionError:
		var d wire.ExecutionErrorData
		if err := unmarshal(env.Data, &d); err != nil {
			return nil, false
		}
		return ExecutionErrorEvent{
			PromptID:         d.PromptID,
			NodeID:           d.NodeID,
			NodeType:         d.NodeType,
			ExceptionMessage: d.ExceptionMessage,
			ExceptionType:    d.ExceptionType,
			Traceback:        d.Traceback,
		}, true
	default:
		return nil, false
	}
}
