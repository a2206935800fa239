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
	"testing"
	"time"
)

func TestSmartStrategyBlocksAfterThreshold(t *testing.T) {
	clock := time.Now()
	s := NewSmart(Config{MaxFailuresBeforeBlock: 2, CooldownDuration: time.Minute}, func() time.Time { return clock })

	if s.ShouldSkipClient("s1", "fp1") {
		t.Fatalf("should not be blocked initially")
	}
	if blocked := s.RecordFailure("s1", "fp1"); blocked {
		t.Fatalf("first failure should not block")
	}
	if s.ShouldSkipClient("s1", "fp1") {
		t.Fatalf("should not be blocked after one failure")
	}
	if blocked := s.RecordFailure("s1", "fp1"); !blocked {
		t.Fatalf("second failure should cross threshold and block")
	}
	if !s.ShouldSkipClient("s1", "fp1") {
		t.Fatalf("expected blocked after threshold")
	}
}

func TestSmartStrategyCooldownExpires(t *testing.T) {
	clock := time.Now()
	s := NewSmart(Config{MaxFailuresBeforeBlock: 1, CooldownDuration: time.Second}, func() time.Time { return clock })

	s.RecordFailure("s1", "fp1")
	if !s.ShouldSkipClient("s1", "fp1") {
		t.Fatalf("expected blocked")
	}
	clock = clock.Add(2 * time.Second)
	if s.ShouldSkipClient("s1", "fp1") {
		t.Fatalf("expected cooldown to have expired")
	}
}

func TestSmartStrategyRecordSuccessClears(t *testing.T) {
	s := NewSmart(Config{MaxFailuresBeforeBlock: 1, CooldownDuration: time.Minute}, nil)
	s.RecordFailure("s1", "fp1")
	if !s.ShouldSkipClient("s1", "fp1") {
		t.Fatalf("expected blocked")
	}
	if unblocked := s.RecordSuccess("s1", "fp1"); !unblocked {
		t.Fatalf("expected RecordSuccess to report unblock")
	}
	if s.ShouldSkipClient("s1", "fp1") {
		t.Fatalf("expected cleared after success")
	}
}

func TestSmartStrategyPerWorkflowNotPerJob(t *testing.T) {
	// Per spec scenario 3: success on S2 for a given fingerprint must not
	// unblock S1's block for the *same* fingerprint recorded independently.
	s := NewSmart(Config{MaxFailuresBeforeBlock: 1, CooldownDuration: time.Minute}, nil)
	s.RecordFailure("s1", "fp_a")
	s.RecordSuccess("s2", "fp_a")
	if !s.ShouldSkipClient("s1", "fp_a") {
		t.Fatalf("s1's block for fp_a must be independent of s2's success")
	}
}

func TestSmartStrategyResetForWorkflow(t *testing.T) {
	s := NewSmart(Config{MaxFailuresBeforeBlock: 1, CooldownDuration: time.Minute}, nil)
	s.RecordFailure("s1", "fp1")
	s.RecordFailure("s2", "fp1")
	s.RecordFailure("s1", "fp2")
	s.ResetForWorkflow("fp1")
	if s.ShouldSkipClient("s1", "fp1") || s.ShouldSkipClient("s2", "fp1") {
		t.Fatalf("expected fp1 pairs cleared")
	}
	if !s.ShouldSkipClient("s1", "fp2") {
		t.Fatalf("expected fp2 pair to remain blocked")
	}
}

func TestSmartStrategyIsWorkflowBlockedRequiresAll(t *testing.T) {
	s := NewSmart(Config{MaxFailuresBeforeBlock: 1, CooldownDuration: time.Minute}, nil)
	s.RecordFailure("s1", "fp1")
	if s.IsWorkflowBlocked("fp1", []string{"s1", "s2"}) {
		t.Fatalf("s2 is not blocked, workflow should not be reported blocked")
	}
	s.RecordFailure("s2", "fp1")
	if !s.IsWorkflowBlocked("fp1", []string{"s1", "s2"}) {
		t.Fatalf("expected both blocked")
	}
}
