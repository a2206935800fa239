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

// Package ctxkeys carries correlation identifiers (request id, job id) through
// context.Context so log lines across Session/Fleet/Pool can be joined.
package ctxkeys

import (
	"context"

	"github.com/google/uuid"
)

type key int

const (
	// CorrelationID is the context key for a free-form request correlation id.
	CorrelationID key = iota
	// JobIDKey is the context key for the pool's job id.
	JobIDKey
)

// GetCorrelationID returns the correlation ID string from context if present, else "".
func GetCorrelationID(ctx context.Context) string {
	return getString(ctx, CorrelationID)
}

// WithCorrelationID returns a child context with the provided correlation ID stored.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, CorrelationID, id)
}

// EnsureCorrelationID returns a context that contains a correlation ID and the value
// itself. If absent on the input context, it generates a new one.
func EnsureCorrelationID(ctx context.Context) (context.Context, string) {
	if id := GetCorrelationID(ctx); id != "" {
		return ctx, id
	}
	id := uuid.NewString()
	return WithCorrelationID(ctx, id), id
}

// GetJobID returns the job id stored on ctx, if any.
func GetJobID(ctx context.Context) string {
	return getString(ctx, JobIDKey)
}

// WithJobID returns a child context carrying the given job id.
func WithJobID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, JobIDKey, id)
}

func getString(ctx context.Context, k key) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(k); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
