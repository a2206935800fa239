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

// Package failover defines the pluggable policy the Client Manager consults
// on every claim and every failure to decide whether a session is
// temporarily (or permanently) unfit for a given workflow.
package failover

import "time"

// Strategy is the capability set a failover policy may implement.
// ShouldSkipClient and RecordFailure/RecordSuccess are required; a Strategy
// may additionally implement WorkflowResetter and WorkflowBlockChecker.
type Strategy interface {
	// ShouldSkipClient reports whether sessionID is currently unfit to run
	// a job with the given workflow fingerprint.
	ShouldSkipClient(sessionID, fingerprint string) bool
	// RecordFailure registers a failure for (sessionID, fingerprint) and
	// reports whether this failure newly blocked the pair (crossed the
	// strategy's threshold for the first time).
	RecordFailure(sessionID, fingerprint string) (newlyBlocked bool)
	// RecordSuccess clears failure state for (sessionID, fingerprint) and
	// reports whether a prior block was lifted.
	RecordSuccess(sessionID, fingerprint string) (unblocked bool)
}

// WorkflowResetter is an optional Strategy capability that clears all
// blocklist state for a given workflow fingerprint, regardless of session.
type WorkflowResetter interface {
	ResetForWorkflow(fingerprint string)
}

// WorkflowBlockChecker is an optional Strategy capability reporting whether
// every session in sessionIDs is currently blocked for a given workflow
// fingerprint.
type WorkflowBlockChecker interface {
	IsWorkflowBlocked(fingerprint string, sessionIDs []string) bool
}

// Config tunes the default "smart" strategy.
type Config struct {
	MaxFailuresBeforeBlock int
	CooldownDuration       time.Duration
}

// DefaultConfig uses a small integer failure threshold and a cooldown
// long enough to outlast a transient server hiccup.
func DefaultConfig() Config {
	return Config{
		MaxFailuresBeforeBlock: 3,
		CooldownDuration:       30 * time.Second,
	}
}
