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

// Package redis is the Redis backed state.Store. The record is a hash and
// every mutation runs in a WATCH/MULTI/EXEC transaction on it.
package redis

import (
	"context"
	"errors"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"knative.dev/poolscaler/pkg/autoscaler/types"
	"knative.dev/poolscaler/pkg/state"
)

const (
	// DefaultPrefix is prepended to the pool id to form the hash key.
	DefaultPrefix = "poolscaler:pool:"

	maxAttempts = 8
)

var errContention = errors.New("too much contention on pool key")

// Store keeps the pool record in one Redis hash.
type Store struct {
	client goredis.UniversalClient
	key    string
	opts   state.Options
}

var _ state.Store = (*Store)(nil)

// New returns a Store whose hash key is prefix+<pool id>.
func New(client goredis.UniversalClient, prefix string, opts state.Options) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, key: prefix + opts.PoolID, opts: opts.WithDefaults()}
}

func (s *Store) now() time.Time {
	return s.opts.Clock.Now().UTC()
}

func fields(r *state.Record) map[string]interface{} {
	return map[string]interface{}{
		state.AttrPoolID:         r.PoolID,
		state.AttrNodeCount:      r.NodeCount,
		state.AttrMinSize:        r.MinSize,
		state.AttrMaxSize:        r.MaxSize,
		state.AttrLockHeld:       r.LockHeld,
		state.AttrLockAcquiredAt: r.LockAcquiredAt,
		state.AttrLastScaleTime:  r.LastScaleTime,
		state.AttrCooldownUntil:  r.CooldownUntil,
	}
}

func (s *Store) read(ctx context.Context, c goredis.Cmdable, op string) (*state.Record, error) {
	cmd := c.HGetAll(ctx, s.key)
	vals, err := cmd.Result()
	if err != nil {
		return nil, state.Unavailable(op, err)
	}
	if len(vals) == 0 {
		return nil, state.NotFound(op, s.opts.PoolID)
	}
	var rec state.Record
	if err := cmd.Scan(&rec); err != nil {
		return nil, state.Unavailable(op, err)
	}
	return &rec, nil
}

// mutate applies f inside an optimistic transaction on the hash. f returns
// false to leave the record alone.
func (s *Store) mutate(ctx context.Context, op string, f func(*state.Record, time.Time) bool) (bool, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		applied := false
		err := s.client.Watch(ctx, func(tx *goredis.Tx) error {
			rec, err := s.read(ctx, tx, op)
			if err != nil {
				return err
			}
			if !f(rec, s.now()) {
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
				pipe.HSet(ctx, s.key, fields(rec))
				return nil
			})
			applied = err == nil
			return err
		}, s.key)
		var classified *types.Error
		switch {
		case err == nil:
			return applied, nil
		case errors.Is(err, goredis.TxFailedErr):
			continue
		case errors.As(err, &classified):
			return false, err
		}
		return false, state.Unavailable(op, err)
	}
	return false, state.Unavailable(op, errContention)
}

// GetState implements state.Store.
func (s *Store) GetState(ctx context.Context) (*state.PoolState, error) {
	rec, err := s.read(ctx, s.client, "GetState")
	if err != nil {
		return nil, err
	}
	return rec.PoolState(), nil
}

// AcquireLock implements state.Store.
func (s *Store) AcquireLock(ctx context.Context) (bool, error) {
	var acquired bool
	_, err := s.mutate(ctx, "AcquireLock", func(r *state.Record, now time.Time) bool {
		acquired = r.Acquire(now, s.opts.LockMaxAge)
		return acquired || r.StampLease(now)
	})
	if err != nil {
		return false, err
	}
	return acquired, nil
}

// ReleaseLock implements state.Store.
func (s *Store) ReleaseLock(ctx context.Context) error {
	_, err := s.mutate(ctx, "ReleaseLock", func(r *state.Record, _ time.Time) bool {
		r.Release()
		return true
	})
	return err
}

// UpdateSize implements state.Store.
func (s *Store) UpdateSize(ctx context.Context, size int32) error {
	_, err := s.mutate(ctx, "UpdateSize", func(r *state.Record, now time.Time) bool {
		r.Resize(size, now)
		return true
	})
	return err
}

// SetCooldown implements state.Store.
func (s *Store) SetCooldown(ctx context.Context, d time.Duration) error {
	_, err := s.mutate(ctx, "SetCooldown", func(r *state.Record, now time.Time) bool {
		before := r.CooldownUntil
		r.Cooldown(now, d)
		return r.CooldownUntil != before
	})
	return err
}

// IsInCooldown implements state.Store.
func (s *Store) IsInCooldown(ctx context.Context) (bool, error) {
	ps, err := s.GetState(ctx)
	if err != nil {
		return false, err
	}
	return state.InCooldown(ctx, ps, s.now()), nil
}

// Bootstrap implements state.Store.
func (s *Store) Bootstrap(ctx context.Context, initial, minSize, maxSize int32) (bool, error) {
	rec := state.NewRecord(s.opts.PoolID, initial, minSize, maxSize)
	created := false
	err := s.client.Watch(ctx, func(tx *goredis.Tx) error {
		n, err := tx.Exists(ctx, s.key).Result()
		if err != nil || n > 0 {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, s.key, fields(&rec))
			return nil
		})
		created = err == nil
		return err
	}, s.key)
	if errors.Is(err, goredis.TxFailedErr) {
		// Lost the race to another bootstrap.
		return false, nil
	}
	if err != nil {
		return false, state.Unavailable("Bootstrap", err)
	}
	return created, nil
}
