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

// Package etcd is the etcd backed state.Store. Every mutation is a
// read-modify-write guarded by the key's mod revision.
package etcd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"knative.dev/poolscaler/pkg/state"
)

const (
	// DefaultPrefix is prepended to the pool id to form the key.
	DefaultPrefix = "/poolscaler/pools"

	// maxAttempts bounds how often a mutation is retried after losing a
	// revision race to a concurrent writer.
	maxAttempts = 8
)

var errContention = errors.New("too much contention on pool key")

// KV is the subset of the etcd client used by Store.
type KV interface {
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
	Txn(ctx context.Context) clientv3.Txn
}

var _ KV = (*clientv3.Client)(nil)

// Store keeps the pool record as a JSON document under one key.
type Store struct {
	kv   KV
	key  string
	opts state.Options
}

var _ state.Store = (*Store)(nil)

// New returns a Store whose key is prefix/<pool id>.
func New(kv KV, prefix string, opts state.Options) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{kv: kv, key: path.Join(prefix, opts.PoolID), opts: opts.WithDefaults()}
}

func (s *Store) now() time.Time {
	return s.opts.Clock.Now().UTC()
}

func (s *Store) read(ctx context.Context, op string) (*state.Record, int64, error) {
	resp, err := s.kv.Get(ctx, s.key)
	if err != nil {
		return nil, 0, state.Unavailable(op, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, 0, state.NotFound(op, s.opts.PoolID)
	}
	var rec state.Record
	if err := json.Unmarshal(resp.Kvs[0].Value, &rec); err != nil {
		return nil, 0, state.Unavailable(op, fmt.Errorf("decoding %s: %w", s.key, err))
	}
	return &rec, resp.Kvs[0].ModRevision, nil
}

// mutate applies f to the current record and writes it back if the key is
// unchanged since the read. f returns false to leave the record alone, in
// which case mutate returns false.
func (s *Store) mutate(ctx context.Context, op string, f func(*state.Record, time.Time) bool) (bool, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		rec, rev, err := s.read(ctx, op)
		if err != nil {
			return false, err
		}
		if !f(rec, s.now()) {
			return false, nil
		}
		b, err := json.Marshal(rec)
		if err != nil {
			return false, fmt.Errorf("encoding record: %w", err)
		}
		resp, err := s.kv.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(s.key), "=", rev)).
			Then(clientv3.OpPut(s.key, string(b))).
			Commit()
		if err != nil {
			return false, state.Unavailable(op, err)
		}
		if resp.Succeeded {
			return true, nil
		}
	}
	return false, state.Unavailable(op, errContention)
}

// GetState implements state.Store.
func (s *Store) GetState(ctx context.Context) (*state.PoolState, error) {
	rec, _, err := s.read(ctx, "GetState")
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
		if !r.LockHeld && r.LockAcquiredAt == "" {
			return false
		}
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
	b, err := json.Marshal(state.NewRecord(s.opts.PoolID, initial, minSize, maxSize))
	if err != nil {
		return false, fmt.Errorf("encoding record: %w", err)
	}
	resp, err := s.kv.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(s.key), "=", 0)).
		Then(clientv3.OpPut(s.key, string(b))).
		Commit()
	if err != nil {
		return false, state.Unavailable("Bootstrap", err)
	}
	return resp.Succeeded, nil
}
