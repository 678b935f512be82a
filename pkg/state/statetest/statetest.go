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

// Package statetest holds the behavioral tests every state.Store backend
// must pass.
package statetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	clocktest "k8s.io/utils/clock/testing"

	logtesting "knative.dev/pkg/logging/testing"
	"knative.dev/poolscaler/pkg/autoscaler/types"
	"knative.dev/poolscaler/pkg/state"
)

const (
	// TestPool is the pool id used by the suite.
	TestPool   = "test-pool"
	lockMaxAge = 10 * time.Minute
)

// Epoch is the initial time of the fake clock handed to factories.
var Epoch = time.Date(2026, 3, 14, 15, 9, 26, 535000000, time.UTC)

// Factory returns a new, empty store built from opts.
type Factory func(t *testing.T, opts state.Options) state.Store

// Run exercises newStore against the Store contract.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		f    func(t *testing.T, ctx context.Context, s state.Store, clk *clocktest.FakeClock)
	}{
		{"GetStateNotFound", testGetStateNotFound},
		{"Bootstrap", testBootstrap},
		{"AcquireTwice", testAcquireTwice},
		{"AcquireMissingRecord", testAcquireMissingRecord},
		{"ReleaseIdempotent", testReleaseIdempotent},
		{"StaleLeaseReclaimed", testStaleLeaseReclaimed},
		{"UpdateSizeRoundTrip", testUpdateSizeRoundTrip},
		{"Cooldown", testCooldown},
		{"CooldownMonotonic", testCooldownMonotonic},
		{"ConcurrentAcquire", testConcurrentAcquire},
		{"Lease", testLease},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			clk := clocktest.NewFakeClock(Epoch)
			s := newStore(t, state.Options{PoolID: TestPool, LockMaxAge: lockMaxAge, Clock: clk})
			test.f(t, logtesting.TestContextWithLogger(t), s, clk)
		})
	}
}

func bootstrap(t *testing.T, ctx context.Context, s state.Store) {
	t.Helper()
	if created, err := s.Bootstrap(ctx, 3, 2, 10); err != nil || !created {
		t.Fatalf("Bootstrap() = (%v, %v), want (true, nil)", created, err)
	}
}

func acquire(t *testing.T, ctx context.Context, s state.Store, want bool) {
	t.Helper()
	got, err := s.AcquireLock(ctx)
	if err != nil {
		t.Fatalf("AcquireLock() error = %v", err)
	}
	if got != want {
		t.Fatalf("AcquireLock() = %v, want %v", got, want)
	}
}

func getState(t *testing.T, ctx context.Context, s state.Store) *state.PoolState {
	t.Helper()
	ps, err := s.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	return ps
}

func testGetStateNotFound(t *testing.T, ctx context.Context, s state.Store, _ *clocktest.FakeClock) {
	_, err := s.GetState(ctx)
	if !errors.Is(err, types.ErrNotFound) {
		t.Errorf("GetState() error = %v, want StoreNotFound", err)
	}
}

func testBootstrap(t *testing.T, ctx context.Context, s state.Store, _ *clocktest.FakeClock) {
	bootstrap(t, ctx, s)
	if created, err := s.Bootstrap(ctx, 5, 1, 4); err != nil || created {
		t.Errorf("second Bootstrap() = (%v, %v), want (false, nil)", created, err)
	}

	ps := getState(t, ctx, s)
	if ps.Size != 3 || ps.MinSize != 2 || ps.MaxSize != 10 {
		t.Errorf("GetState() size/min/max = %d/%d/%d, want 3/2/10", ps.Size, ps.MinSize, ps.MaxSize)
	}
	if ps.LockHeld {
		t.Error("LockHeld = true after Bootstrap")
	}
	if !ps.CooldownUntil.Equal(time.Unix(0, 0)) {
		t.Errorf("CooldownUntil = %v, want epoch", ps.CooldownUntil)
	}
	if in, err := s.IsInCooldown(ctx); err != nil || in {
		t.Errorf("IsInCooldown() = (%v, %v), want (false, nil)", in, err)
	}
}

func testAcquireTwice(t *testing.T, ctx context.Context, s state.Store, _ *clocktest.FakeClock) {
	bootstrap(t, ctx, s)
	acquire(t, ctx, s, true)
	acquire(t, ctx, s, false)

	ps := getState(t, ctx, s)
	if !ps.LockHeld {
		t.Error("LockHeld = false, want true")
	}
	if !ps.LockAcquiredAt.Equal(Epoch) {
		t.Errorf("LockAcquiredAt = %v, want %v", ps.LockAcquiredAt, Epoch)
	}
}

func testAcquireMissingRecord(t *testing.T, ctx context.Context, s state.Store, _ *clocktest.FakeClock) {
	got, err := s.AcquireLock(ctx)
	if got {
		t.Error("AcquireLock() on a missing record = true")
	}
	if !errors.Is(err, types.ErrNotFound) {
		t.Errorf("AcquireLock() error = %v, want StoreNotFound", err)
	}
}

func testReleaseIdempotent(t *testing.T, ctx context.Context, s state.Store, _ *clocktest.FakeClock) {
	bootstrap(t, ctx, s)
	acquire(t, ctx, s, true)
	for i := 0; i < 2; i++ {
		if err := s.ReleaseLock(ctx); err != nil {
			t.Fatalf("ReleaseLock() #%d error = %v", i, err)
		}
	}
	if getState(t, ctx, s).LockHeld {
		t.Error("LockHeld = true after ReleaseLock")
	}
	acquire(t, ctx, s, true)
}

func testStaleLeaseReclaimed(t *testing.T, ctx context.Context, s state.Store, clk *clocktest.FakeClock) {
	bootstrap(t, ctx, s)
	acquire(t, ctx, s, true)

	clk.Step(lockMaxAge)
	acquire(t, ctx, s, false)

	clk.Step(time.Second)
	acquire(t, ctx, s, true)
	if got, want := getState(t, ctx, s).LockAcquiredAt, clk.Now(); !got.Equal(want) {
		t.Errorf("LockAcquiredAt = %v, want %v", got, want)
	}
}

func testUpdateSizeRoundTrip(t *testing.T, ctx context.Context, s state.Store, clk *clocktest.FakeClock) {
	bootstrap(t, ctx, s)
	clk.Step(time.Minute)
	if err := s.UpdateSize(ctx, 7); err != nil {
		t.Fatalf("UpdateSize() error = %v", err)
	}
	ps := getState(t, ctx, s)
	if ps.Size != 7 {
		t.Errorf("Size = %d, want 7", ps.Size)
	}
	if !ps.LastScaleTime.Equal(clk.Now()) {
		t.Errorf("LastScaleTime = %v, want %v", ps.LastScaleTime, clk.Now())
	}
}

func testCooldown(t *testing.T, ctx context.Context, s state.Store, clk *clocktest.FakeClock) {
	bootstrap(t, ctx, s)
	if err := s.SetCooldown(ctx, 5*time.Minute); err != nil {
		t.Fatalf("SetCooldown() error = %v", err)
	}
	if in, err := s.IsInCooldown(ctx); err != nil || !in {
		t.Errorf("IsInCooldown() = (%v, %v), want (true, nil)", in, err)
	}
	clk.Step(5*time.Minute + time.Second)
	if in, err := s.IsInCooldown(ctx); err != nil || in {
		t.Errorf("IsInCooldown() after expiry = (%v, %v), want (false, nil)", in, err)
	}
}

func testCooldownMonotonic(t *testing.T, ctx context.Context, s state.Store, clk *clocktest.FakeClock) {
	bootstrap(t, ctx, s)
	if err := s.SetCooldown(ctx, 10*time.Minute); err != nil {
		t.Fatalf("SetCooldown(10m) error = %v", err)
	}
	want := clk.Now().Add(10 * time.Minute)

	clk.Step(time.Minute)
	if err := s.SetCooldown(ctx, time.Minute); err != nil {
		t.Fatalf("SetCooldown(1m) error = %v", err)
	}
	if got := getState(t, ctx, s).CooldownUntil; !got.Equal(want) {
		t.Errorf("CooldownUntil = %v, want %v", got, want)
	}

	clk.Step(time.Minute)
	if err := s.SetCooldown(ctx, time.Hour); err != nil {
		t.Fatalf("SetCooldown(1h) error = %v", err)
	}
	if got, want := getState(t, ctx, s).CooldownUntil, clk.Now().Add(time.Hour); !got.Equal(want) {
		t.Errorf("CooldownUntil = %v, want %v", got, want)
	}
}

func testConcurrentAcquire(t *testing.T, ctx context.Context, s state.Store, _ *clocktest.FakeClock) {
	bootstrap(t, ctx, s)

	const callers = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			ok, err := s.AcquireLock(ctx)
			if err != nil {
				t.Errorf("AcquireLock() error = %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("AcquireLock() succeeded %d times, want exactly 1", wins)
	}
}

func testLease(t *testing.T, ctx context.Context, s state.Store, clk *clocktest.FakeClock) {
	bootstrap(t, ctx, s)
	l := state.NewLease(s, lockMaxAge, clk)

	if ok, err := l.TryAcquire(ctx); err != nil || !ok {
		t.Fatalf("TryAcquire() = (%v, %v), want (true, nil)", ok, err)
	}
	if stale, err := l.IsStale(ctx); err != nil || stale {
		t.Errorf("IsStale() = (%v, %v), want (false, nil)", stale, err)
	}
	clk.Step(lockMaxAge + time.Second)
	if stale, err := l.IsStale(ctx); err != nil || !stale {
		t.Errorf("IsStale() after max age = (%v, %v), want (true, nil)", stale, err)
	}
	if !l.Stale(getState(t, ctx, s)) {
		t.Error("Stale() after max age = false, want true")
	}
	if err := l.Release(ctx); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if stale, err := l.IsStale(ctx); err != nil || stale {
		t.Errorf("IsStale() after Release = (%v, %v), want (false, nil)", stale, err)
	}
}

// RunUnstamped checks that a lock held without an acquisition time is
// stamped instead of taken, and then ages like any other lease. hold must
// mark the record of s as locked and remove its acquisition time.
func RunUnstamped(t *testing.T, newStore Factory, hold func(t *testing.T, s state.Store)) {
	ctx := logtesting.TestContextWithLogger(t)
	clk := clocktest.NewFakeClock(Epoch)
	s := newStore(t, state.Options{PoolID: TestPool, LockMaxAge: lockMaxAge, Clock: clk})
	bootstrap(t, ctx, s)
	hold(t, s)

	ps := getState(t, ctx, s)
	if !ps.LockHeld || !ps.LockAcquiredAt.IsZero() {
		t.Fatalf("LockHeld, LockAcquiredAt = %v, %v, want true, zero", ps.LockHeld, ps.LockAcquiredAt)
	}
	l := state.NewLease(s, lockMaxAge, clk)
	if l.Stale(ps) {
		t.Error("Stale() = true for a lock of unknown age")
	}

	clk.Step(time.Hour)
	acquire(t, ctx, s, false)
	ps = getState(t, ctx, s)
	if !ps.LockHeld {
		t.Fatal("LockHeld = false after a failed AcquireLock")
	}
	if !ps.LockAcquiredAt.Equal(clk.Now()) {
		t.Errorf("LockAcquiredAt = %v, want %v", ps.LockAcquiredAt, clk.Now())
	}

	clk.Step(lockMaxAge)
	acquire(t, ctx, s, false)
	if got := getState(t, ctx, s).LockAcquiredAt; got.Equal(clk.Now()) {
		t.Error("AcquireLock() restamped a lease that was already stamped")
	}

	clk.Step(time.Second)
	acquire(t, ctx, s, true)
}
