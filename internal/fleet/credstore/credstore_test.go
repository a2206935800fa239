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

package credstore

import (
	"errors"
	"testing"
)

func TestVerifyBeforeConfigured(t *testing.T) {
	s := New()
	if err := s.Verify("anything"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if s.Configured() {
		t.Fatalf("expected Configured() false before SetToken")
	}
}

func TestSetTokenRejectsEmpty(t *testing.T) {
	s := New()
	if err := s.SetToken(""); err == nil {
		t.Fatalf("expected error setting an empty token")
	}
}

func TestVerifyAcceptsCorrectToken(t *testing.T) {
	s := New()
	if err := s.SetToken("correct-horse-battery-staple"); err != nil {
		t.Fatalf("SetToken: %v", err)
	}
	if !s.Configured() {
		t.Fatalf("expected Configured() true after SetToken")
	}
	if err := s.Verify("correct-horse-battery-staple"); err != nil {
		t.Fatalf("expected correct token to verify, got %v", err)
	}
}

func TestVerifyRejectsWrongToken(t *testing.T) {
	s := New()
	if err := s.SetToken("correct-horse-battery-staple"); err != nil {
		t.Fatalf("SetToken: %v", err)
	}
	if err := s.Verify("wrong-token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if err := s.Verify(""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for empty input, got %v", err)
	}
}

func TestSetTokenReplacesPrevious(t *testing.T) {
	s := New()
	if err := s.SetToken("first"); err != nil {
		t.Fatalf("SetToken: %v", err)
	}
	if err := s.SetToken("second"); err != nil {
		t.Fatalf("SetToken: %v", err)
	}
	if err := s.Verify("first"); err == nil {
		t.Fatalf("expected old token to no longer verify")
	}
	if err := s.Verify("second"); err != nil {
		t.Fatalf("expected new token to verify, got %v", err)
	}
}
