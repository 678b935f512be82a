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
	"fmt"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"knative.dev/pkg/logging"
	"knative.dev/poolscaler/pkg/autoscaler/types"
	"knative.dev/poolscaler/pkg/logging/logkey"
)

// TimeLayout is the persisted timestamp format. It is fixed width and UTC,
// so lexicographic order equals time order.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// PoolState is the shared record for one managed pool.
type PoolState struct {
	PoolID  string
	Size    int32
	MinSize int32
	MaxSize int32

	// LockHeld is true while a scaling action is in flight.
	LockHeld bool
	// LockAcquiredAt is the start of the current lease. Zero when unknown.
	LockAcquiredAt time.Time

	LastScaleTime time.Time
	CooldownUntil time.Time

	// CooldownRaw is the stored cooldown timestamp before parsing. It is
	// kept so that a malformed value can be detected and reported.
	CooldownRaw string
}

// Store is the single-record state store for a pool. All operations are
// atomic with respect to each other across processes.
type Store interface {
	// GetState reads the record. A missing record is types.ErrNotFound.
	GetState(ctx context.Context) (*PoolState, error)

	// AcquireLock sets LockHeld iff it is currently false, absent, or held
	// by a lease older than the configured maximum age. It returns true iff
	// the caller now holds the lock. A lock held without an acquisition
	// time is not taken; it is stamped with the current time instead, so
	// that its lease runs from the first time it was seen.
	AcquireLock(ctx context.Context) (bool, error)

	// ReleaseLock unconditionally clears LockHeld. It is idempotent.
	ReleaseLock(ctx context.Context) error

	// UpdateSize sets Size and stamps LastScaleTime. The caller must hold
	// the lock.
	UpdateSize(ctx context.Context, size int32) error

	// SetCooldown pushes CooldownUntil to now+d. It never moves it earlier.
	SetCooldown(ctx context.Context, d time.Duration) error

	// IsInCooldown reports whether now is before CooldownUntil. A missing or
	// malformed timestamp is logged and treated as not in cooldown.
	IsInCooldown(ctx context.Context) (bool, error)

	// Bootstrap creates the record if it does not exist yet. It returns
	// true if the record was created.
	Bootstrap(ctx context.Context, initial, minSize, maxSize int32) (bool, error)
}

// Options are shared by all Store implementations.
type Options struct {
	PoolID string
	// LockMaxAge bounds a lease. A lock held longer than this is
	// considered abandoned and may be reclaimed.
	LockMaxAge time.Duration
	// Clock defaults to the real clock.
	Clock clock.PassiveClock
}

// WithDefaults fills in unset fields.
func (o Options) WithDefaults() Options {
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
	return o
}

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses TimeLayout and RFC3339 timestamps with or without
// fractional seconds.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// ParseOptionalTime parses s, returning the zero time for an empty or
// malformed value.
func ParseOptionalTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := ParseTime(s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// LeaseStale reports whether a held lock is older than maxAge. The age of a
// held lock without an acquisition time is unknown, so it is not stale.
func LeaseStale(s *PoolState, now time.Time, maxAge time.Duration) bool {
	if !s.LockHeld || s.LockAcquiredAt.IsZero() {
		return false
	}
	return now.Sub(s.LockAcquiredAt) > maxAge
}

// Unstamped reports whether s holds the lock without an acquisition time.
func Unstamped(s *PoolState) bool {
	return s.LockHeld && s.LockAcquiredAt.IsZero()
}

// LockAvailable reports whether AcquireLock may take the lock.
func LockAvailable(s *PoolState, now time.Time, maxAge time.Duration) bool {
	return !s.LockHeld || LeaseStale(s, now, maxAge)
}

// InCooldown evaluates the cooldown of s at now. It fails open: a
// malformed timestamp is logged and reported as not in cooldown.
func InCooldown(ctx context.Context, s *PoolState, now time.Time) bool {
	if s.CooldownRaw == "" {
		return false
	}
	until, err := ParseTime(s.CooldownRaw)
	if err != nil {
		logging.FromContext(ctx).Warnw("Ignoring malformed cooldown timestamp",
			zap.String(logkey.Pool, s.PoolID), zap.Error(err))
		return false
	}
	return now.Before(until)
}

// NextCooldown returns the cooldown deadline after a new action at now.
// The result is never earlier than the current deadline.
func NextCooldown(s *PoolState, now time.Time, d time.Duration) time.Time {
	next := now.Add(d)
	if cur := ParseOptionalTime(s.CooldownRaw); cur.After(next) {
		return cur
	}
	return next
}

// Unavailable classifies a backend failure.
func Unavailable(op string, err error) error {
	return types.NewError(types.KindStoreUnavailable, op, err)
}

// NotFound reports a missing pool record.
func NotFound(op, poolID string) error {
	return types.Errorf(types.KindStoreNotFound, op, "no state for pool %q", poolID)
}
