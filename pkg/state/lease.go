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

package state

import (
	"context"
	"time"

	"k8s.io/utils/clock"
)

// Lease is the scaling lock viewed as a time-boxed lease.
type Lease interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
	// IsStale reads the record and reports whether its lease has expired.
	IsStale(ctx context.Context) (bool, error)
	// Stale is IsStale on an already read record.
	Stale(s *PoolState) bool
}

type storeLease struct {
	store  Store
	maxAge time.Duration
	clock  clock.PassiveClock
}

var _ Lease = (*storeLease)(nil)

// NewLease returns the lease backed by the lock field of store.
func NewLease(store Store, maxAge time.Duration, clk clock.PassiveClock) Lease {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &storeLease{store: store, maxAge: maxAge, clock: clk}
}

func (l *storeLease) TryAcquire(ctx context.Context) (bool, error) {
	return l.store.AcquireLock(ctx)
}

func (l *storeLease) Release(ctx context.Context) error {
	return l.store.ReleaseLock(ctx)
}

func (l *storeLease) IsStale(ctx context.Context) (bool, error) {
	s, err := l.store.GetState(ctx)
	if err != nil {
		return false, err
	}
	return l.Stale(s), nil
}

func (l *storeLease) Stale(s *PoolState) bool {
	return LeaseStale(s, l.clock.Now(), l.maxAge)
}
