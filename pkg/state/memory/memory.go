/*
Copyright 2026 The Knative Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package memory is an in-process Store. It serializes callers with a
// mutex and is meant for tests and dry runs of a single process.
package memory

import (
	"context"
	"sync"
	"time"

	"knative.dev/poolscaler/pkg/state"
)

// Store keeps the pool record in memory.
type Store struct {
	opts state.Options

	mu     sync.Mutex
	record *state.PoolState

	// Err, if set, is returned by every operation as an unavailable store.
	Err error
}

var _ state.Store = (*Store)(nil)

// New returns an empty Store. Use Bootstrap or Put to create the record.
func New(opts state.Options) *Store {
	return &Store{opts: opts.WithDefaults()}
}

// Put replaces the record wholesale. Intended for tests.
func (s *Store) Put(ps state.PoolState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps.PoolID = s.opts.PoolID
	if ps.CooldownRaw == "" && !ps.CooldownUntil.IsZero() {
		ps.CooldownRaw = state.FormatTime(ps.CooldownUntil)
	}
	s.record = &ps
}

func (s *Store) now() time.Time {
	return s.opts.Clock.Now().UTC()
}

func (s *Store) get(op string) (*state.PoolState, error) {
	if s.Err != nil {
		return nil, state.Unavailable(op, s.Err)
	}
	if s.record == nil {
		return nil, state.NotFound(op, s.opts.PoolID)
	}
	return s.record, nil
}

// GetState implements state.Store.
func (s *Store) GetState(context.Context) (*state.PoolState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.get("GetState")
	if err != nil {
		return nil, err
	}
	cp := *r
	return &cp, nil
}

// AcquireLock implements state.Store.
func (s *Store) AcquireLock(context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.get("AcquireLock")
	if err != nil {
		return false, err
	}
	now := s.now()
	if state.Unstamped(r) {
		r.LockAcquiredAt = now
		return false, nil
	}
	if !state.LockAvailable(r, now, s.opts.LockMaxAge) {
		return false, nil
	}
	r.LockHeld = true
	r.LockAcquiredAt = now
	return true, nil
}

// ReleaseLock implements state.Store.
func (s *Store) ReleaseLock(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.get("ReleaseLock")
	if err != nil {
		return err
	}
	r.LockHeld = false
	r.LockAcquiredAt = time.Time{}
	return nil
}

// UpdateSize implements state.Store.
func (s *Store) UpdateSize(_ context.Context, size int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.get("UpdateSize")
	if err != nil {
		return err
	}
	r.Size = size
	r.LastScaleTime = s.now()
	return nil
}

// SetCooldown implements state.Store.
func (s *Store) SetCooldown(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.get("SetCooldown")
	if err != nil {
		return err
	}
	until := state.NextCooldown(r, s.now(), d)
	r.CooldownUntil = until
	r.CooldownRaw = state.FormatTime(until)
	return nil
}

// IsInCooldown implements state.Store.
func (s *Store) IsInCooldown(ctx context.Context) (bool, error) {
	r, err := s.GetState(ctx)
	if err != nil {
		return false, err
	}
	return state.InCooldown(ctx, r, s.now()), nil
}

// Bootstrap implements state.Store.
func (s *Store) Bootstrap(_ context.Context, initial, minSize, maxSize int32) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, state.Unavailable("Bootstrap", s.Err)
	}
	if s.record != nil {
		return false, nil
	}
	s.record = &state.PoolState{
		PoolID:      s.opts.PoolID,
		Size:        initial,
		MinSize:     minSize,
		MaxSize:     maxSize,
		CooldownRaw: state.FormatTime(time.Unix(0, 0)),
	}
	s.record.CooldownUntil = time.Unix(0, 0).UTC()
	return true, nil
}
