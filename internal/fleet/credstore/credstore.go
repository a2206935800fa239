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

// Package credstore hashes and verifies the local operator token that gates
// cmd/comfyfleet-demo's mutating HTTP routes. It is not part of the core
// dispatch path; a Session's own `custom` header/bearer credentials are
// opaque strings handed to serverclient and never touch this package.
package credstore

import (
	"errors"
	"fmt"
	"sync"

	"comfyfleet/pkg/crypto"
)

// ErrNotConfigured is returned by Verify before SetToken has ever succeeded.
var ErrNotConfigured = errors.New("credstore: no operator token configured")

// ErrInvalidToken is returned by Verify on a mismatch.
var ErrInvalidToken = errors.New("credstore: invalid token")

// Store holds exactly one bcrypt-hashed operator token in memory. It is safe
// for concurrent use.
type Store struct {
	mu   sync.RWMutex
	hash string
}

// New returns an empty Store; Verify fails with ErrNotConfigured until
// SetToken is called.
func New() *Store {
	return &Store{}
}

// SetToken hashes and stores token, replacing any previous one.
func (s *Store) SetToken(token string) error {
	if token == "" {
		return errors.New("credstore: token cannot be empty")
	}
	hashed, err := crypto.HashPasswordBcrypt(token)
	if err != nil {
		return fmt.Errorf("credstore: hash token: %w", err)
	}
	s.mu.Lock()
	s.hash = hashed
	s.mu.Unlock()
	return nil
}

// Configured reports whether a token has been set.
func (s *Store) Configured() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hash != ""
}

// Verify checks token against the stored hash.
func (s *Store) Verify(token string) error {
	s.mu.RLock()
	hash := s.hash
	s.mu.RUnlock()
	if hash == "" {
		return ErrNotConfigured
	}
	if token == "" {
		return ErrInvalidToken
	}
	ok, err := crypto.VerifyPassword(token, hash)
	if err != nil || !ok {
		return ErrInvalidToken
	}
	return nil
}
