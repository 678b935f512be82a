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
	"testing"
	"time"
)

func TestLeaseStale(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	const maxAge = 10 * time.Minute

	tests := []struct {
		name string
		s    PoolState
		want bool
	}{{
		name: "not held",
		s:    PoolState{LockAcquiredAt: now.Add(-time.Hour)},
	}, {
		name: "fresh",
		s:    PoolState{LockHeld: true, LockAcquiredAt: now.Add(-maxAge)},
	}, {
		name: "expired",
		s:    PoolState{LockHeld: true, LockAcquiredAt: now.Add(-maxAge - time.Millisecond)},
		want: true,
	}, {
		name: "held without a time",
		s:    PoolState{LockHeld: true},
	}}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := LeaseStale(&test.s, now, maxAge); got != test.want {
				t.Errorf("LeaseStale() = %v, want %v", got, test.want)
			}
			if got, want := LockAvailable(&test.s, now, maxAge), !test.s.LockHeld || test.want; got != want {
				t.Errorf("LockAvailable() = %v, want %v", got, want)
			}
		})
	}
}

func TestRecordStampLease(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	r := NewRecord("p", 3, 2, 10)
	if r.StampLease(now) {
		t.Error("StampLease() = true for an unlocked record")
	}

	r.LockHeld = true
	if r.Acquire(now, time.Minute) {
		t.Fatal("Acquire() = true for a lock of unknown age")
	}
	if !r.StampLease(now) {
		t.Fatal("StampLease() = false for a lock without a time")
	}
	if got, want := r.LockAcquiredAt, FormatTime(now); got != want {
		t.Errorf("LockAcquiredAt = %q, want %q", got, want)
	}
	if r.StampLease(now.Add(time.Hour)) {
		t.Error("StampLease() restamped a stamped lock")
	}
	if !r.Acquire(now.Add(time.Hour), time.Minute) {
		t.Error("Acquire() = false after the stamped lease expired")
	}
}
