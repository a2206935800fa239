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
	"testing"
	"time"
)

func TestReconnectDelayExponentialMonotonicNonDecreasing(t *testing.T) {
	cfg := ReconnectConfig{
		BaseDelay: 100 * time.Millisecond,
		MaxDelay:  5 * time.Second,
		Strategy:  ReconnectExponential,
	}
	var prev time.Duration
	for attempt := 1; attempt <= 10; attempt++ {
		d := cfg.Delay(attempt)
		if d < prev {
			t.Fatalf("attempt %d delay %v is less than previous %v", attempt, d, prev)
		}
		if d > cfg.MaxDelay {
			t.Fatalf("attempt %d delay %v exceeds cap %v", attempt, d, cfg.MaxDelay)
		}
		prev = d
	}
}

func TestReconnectDelayLinearStrictlyIncreasingUpToCap(t *testing.T) {
	cfg := ReconnectConfig{
		BaseDelay: 200 * time.Millisecond,
		MaxDelay:  1200 * time.Millisecond,
		Strategy:  ReconnectLinear,
	}
	var prev time.Duration
	for attempt := 1; attempt <= 6; attempt++ {
		d := cfg.Delay(attempt)
		if attempt > 1 && d < cfg.MaxDelay && d <= prev {
			t.Fatalf("attempt %d delay %v not strictly greater than previous %v", attempt, d, prev)
		}
		if d > cfg.MaxDelay {
			t.Fatalf("attempt %d delay %v exceeds cap %v", attempt, d, cfg.MaxDelay)
		}
		prev = d
	}
}

func TestReconnectDelayCustomReceivesAttemptNumbers(t *testing.T) {
	var seen []int
	cfg := ReconnectConfig{
		Strategy: ReconnectCustom,
		CustomDelay: func(attempt int) time.Duration {
			seen = append(seen, attempt)
			return time.Duration(attempt) * time.Millisecond
		},
	}
	for attempt := 1; attempt <= 3; attempt++ {
		cfg.Delay(attempt)
	}
	for i, want := range []int{1, 2, 3} {
		if seen[i] != want {
			t.Fatalf("seen[%d] = %d, want %d", i, seen[i], want)
		}
	}
}

func TestApplyJitterZeroPercentIsNoop(t *testing.T) {
	d := 5 * time.Second
	if got := applyJitter(d, 0); got != d {
		t.Fatalf("expected no jitter, got %v", got)
	}
}

func TestApplyJitterBoundedSpread(t *testing.T) {
	d := 10 * time.Second
	for i := 0; i < 50; i++ {
		got := applyJitter(d, 30)
		spread := 0.15 * float64(d) // jitterPercent/100/2 == 0.15
		if float64(got) < float64(d)-spread-1 || float64(got) > float64(d)+spread+1 {
			t.Fatalf("jittered delay %v out of bounds around %v (+-%.0fns)", got, d, spread)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	valid := DefaultConfig()
	if err := valid.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}

	bad := DefaultConfig()
	bad.WSTimeout = 0
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected error for zero ws timeout")
	}

	bad2 := DefaultConfig()
	bad2.Reconnect.MaxDelay = bad2.Reconnect.BaseDelay - time.Millisecond
	if err := bad2.Validate(); err == nil {
		t.Fatalf("expected error for max delay < base delay")
	}
}
