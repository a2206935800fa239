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

package failover

import (
	"sync"
	"time"
)

type pairKey struct {
	sessionID   string
	fingerprint string
}

type pairState struct {
	consecutiveFailures int
	cooldownUntil       time.Time
}

// SmartStrategy is the default Strategy: a map of (session id, workflow
// fingerprint) pairs to a consecutive-failure counter and cooldown deadline.
type SmartStrategy struct {
	cfg Config
	now func() time.Time

	mu    sync.Mutex
	pairs map[pairKey]*pairState
}

var _ Strategy = (*SmartStrategy)(nil)
var _ WorkflowResetter = (*SmartStrategy)(nil)
var _ WorkflowBlockChecker = (*SmartStrategy)(nil)

// NewSmart constructs a SmartStrategy. A nil now defaults to time.Now.
func NewSmart(cfg Config, now func() time.Time) *SmartStrategy {
	if cfg.MaxFailuresBeforeBlock <= 0 {
		cfg.MaxFailuresBeforeBlock = DefaultConfig().MaxFailuresBeforeBlock
	}
	if cfg.CooldownDuration <= 0 {
		cfg.CooldownDuration = DefaultConfig().CooldownDuration
	}
	if now == nil {
		now = time.Now
	}
	return &SmartStrategy{
		cfg:   cfg,
		now:   now,
		pairs: make(map[pairKey]*pairState),
	}
}

func (s *SmartStrategy) ShouldSkipClient(sessionID, fingerprint string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.pairs[pairKey{sessionID, fingerprint}]
	if !ok {
		return false
	}
	return s.now().Before(st.cooldownUntil)
}

func (s *SmartStrategy) RecordFailure(sessionID, fingerprint string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey{sessionID, fingerprint}
	st, ok := s.pairs[key]
	if !ok {
		st = &pairState{}
		s.pairs[key] = st
	}
	wasBlocked := s.now().Before(st.cooldownUntil)
	st.consecutiveFailures++
	if st.consecutiveFailures >= s.cfg.MaxFailuresBeforeBlock {
		st.cooldownUntil = s.now().Add(s.cfg.CooldownDuration)
	}
	return !wasBlocked && s.now().Before(st.cooldownUntil)
}

func (s *SmartStrategy) RecordSuccess(sessionID, fingerprint string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey{sessionID, fingerprint}
	st, ok := s.pairs[key]
	if !ok {
		return false
	}
	wasBlocked := s.now().Before(st.cooldownUntil)
	delete(s.pairs, key)
	return wasBlocked
}

// ResetForWorkflow clears all pairs for a given workflow fingerprint,
// regardless of session.
func (s *SmartStrategy) ResetForWorkflow(fingerprint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.pairs {
		if key.fingerprint == fingerprint {
			delete(s.pairs, key)
		}
	}
}

// IsWorkflowBlocked reports whether every session in sessionIDs is currently
// blocked for the given fingerprint.
func (s *SmartStrategy) IsWorkflowBlocked(fingerprint string, sessionIDs []string) bool {
	if len(sessionIDs) == 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sid := range sessionIDs {
		st, ok := s.pairs[pairKey{sid, fingerprint}]
		if !ok || !s.now().Before(st.cooldownUntil) {
			return false
		}
	}
	return true
}
