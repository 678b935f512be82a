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

import "time"

// Attribute names of the persisted record. They match the table layout
// created by the pool bootstrap, so existing records stay readable.
const (
	AttrPoolID         = "cluster_id"
	AttrNodeCount      = "node_count"
	AttrMinSize        = "min_nodes"
	AttrMaxSize        = "max_nodes"
	AttrLockHeld       = "scaling_in_progress"
	AttrLockAcquiredAt = "lock_acquired_at"
	AttrLastScaleTime  = "last_scale_time"
	AttrCooldownUntil  = "cooldown_until"
)

// Record is the wire form of PoolState shared by the backends. Timestamps
// are TimeLayout strings.
type Record struct {
	PoolID         string `json:"cluster_id" dynamodbav:"cluster_id" redis:"cluster_id"`
	NodeCount      int32  `json:"node_count" dynamodbav:"node_count" redis:"node_count"`
	MinSize        int32  `json:"min_nodes,omitempty" dynamodbav:"min_nodes,omitempty" redis:"min_nodes"`
	MaxSize        int32  `json:"max_nodes,omitempty" dynamodbav:"max_nodes,omitempty" redis:"max_nodes"`
	LockHeld       bool   `json:"scaling_in_progress" dynamodbav:"scaling_in_progress" redis:"scaling_in_progress"`
	LockAcquiredAt string `json:"lock_acquired_at,omitempty" dynamodbav:"lock_acquired_at,omitempty" redis:"lock_acquired_at"`
	LastScaleTime  string `json:"last_scale_time,omitempty" dynamodbav:"last_scale_time,omitempty" redis:"last_scale_time"`
	CooldownUntil  string `json:"cooldown_until,omitempty" dynamodbav:"cooldown_until,omitempty" redis:"cooldown_until"`
}

// NewRecord returns the record of a freshly bootstrapped pool.
func NewRecord(poolID string, initial, minSize, maxSize int32) Record {
	return Record{
		PoolID:        poolID,
		NodeCount:     initial,
		MinSize:       minSize,
		MaxSize:       maxSize,
		CooldownUntil: FormatTime(time.Unix(0, 0)),
	}
}

// PoolState decodes the record. Malformed timestamps decode to the zero
// time; the raw cooldown value is preserved for IsInCooldown.
func (r Record) PoolState() *PoolState {
	return &PoolState{
		PoolID:         r.PoolID,
		Size:           r.NodeCount,
		MinSize:        r.MinSize,
		MaxSize:        r.MaxSize,
		LockHeld:       r.LockHeld,
		LockAcquiredAt: ParseOptionalTime(r.LockAcquiredAt),
		LastScaleTime:  ParseOptionalTime(r.LastScaleTime),
		CooldownUntil:  ParseOptionalTime(r.CooldownUntil),
		CooldownRaw:    r.CooldownUntil,
	}
}

// Acquire takes the lock on r if it is available at now.
func (r *Record) Acquire(now time.Time, maxAge time.Duration) bool {
	if !LockAvailable(r.PoolState(), now, maxAge) {
		return false
	}
	r.LockHeld = true
	r.LockAcquiredAt = FormatTime(now)
	return true
}

// StampLease records now as the acquisition time of a lock held without
// one. It reports whether r changed.
func (r *Record) StampLease(now time.Time) bool {
	if !Unstamped(r.PoolState()) {
		return false
	}
	r.LockAcquiredAt = FormatTime(now)
	return true
}

// Release clears the lock on r.
func (r *Record) Release() {
	r.LockHeld = false
	r.LockAcquiredAt = ""
}

// Resize sets the node count and stamps the scale time.
func (r *Record) Resize(size int32, now time.Time) {
	r.NodeCount = size
	r.LastScaleTime = FormatTime(now)
}

// Cooldown extends the cooldown to now+d, never shortening it.
func (r *Record) Cooldown(now time.Time, d time.Duration) {
	r.CooldownUntil = FormatTime(NextCooldown(r.PoolState(), now, d))
}
