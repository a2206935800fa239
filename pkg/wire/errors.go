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

package wire

import (
	"encoding/json"
	"fmt"
)

// EnqueueError is the structured error produced when POST /prompt returns a
// non-200 status (§6.1, §7).
type EnqueueError struct {
	URL        string
	Method     string
	StatusCode int
	StatusText string
	Body       json.RawMessage // parsed JSON body, if the response was JSON
	Snippet    string          // first 500 bytes of text, if the body was not JSON
	Reason     string          // extracted from error/message/detail/errors[0]
}

func (e *EnqueueError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("enqueue failed: %s %s -> %d %s: %s", e.Method, e.URL, e.StatusCode, e.StatusText, e.Reason)
	}
	return fmt.Sprintf("enqueue failed: %s %s -> %d %s", e.Method, e.URL, e.StatusCode, e.StatusText)
}

// ExtractReason pulls a human-readable reason out of a parsed JSON error
// body, trying (in order) "error", "message", "detail", then the first
// entry of "errors".
func ExtractReason(body json.RawMessage) string {
	if len(body) == 0 {
		return ""
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return ""
	}
	for _, key := range []string{"error", "message", "detail"} {
		if raw, ok := obj[key]; ok {
			if s := decodeStringish(raw); s != "" {
				return s
			}
		}
	}
	if raw, ok := obj["errors"]; ok {
		var list []json.RawMessage
		if err := json.Unmarshal(raw, &list); err == nil && len(list) > 0 {
			if s := decodeStringish(list[0]); s != "" {
				return s
			}
		}
	}
	return ""
}

func decodeStringish(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
