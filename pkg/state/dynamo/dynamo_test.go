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

package dynamo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	clocktest "k8s.io/utils/clock/testing"

	logtesting "knative.dev/pkg/logging/testing"
	"knative.dev/poolscaler/pkg/autoscaler/types"
	"knative.dev/poolscaler/pkg/state"
	"knative.dev/poolscaler/pkg/state/statetest"
)

// fakeDynamo stores items in memory and evaluates the condition and update
// expressions issued by Store.
type fakeDynamo struct {
	mu    sync.Mutex
	items map[string]map[string]ddbtypes.AttributeValue
	err   error
	calls int
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: map[string]map[string]ddbtypes.AttributeValue{}}
}

func keyOf(key map[string]ddbtypes.AttributeValue) string {
	return key[state.AttrPoolID].(*ddbtypes.AttributeValueMemberS).Value
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &dynamodb.GetItemOutput{Item: f.items[keyOf(in.Key)]}, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	id := keyOf(in.Item)
	if _, exists := f.items[id]; exists && aws.ToString(in.ConditionExpression) == condAbsent {
		return nil, &ddbtypes.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
	}
	f.items[id] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}

	id := keyOf(in.Key)
	item, exists := f.items[id]
	var rec state.Record
	if exists {
		if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
			return nil, err
		}
	}
	val := func(k string) string {
		switch v := in.ExpressionAttributeValues[k].(type) {
		case *ddbtypes.AttributeValueMemberS:
			return v.Value
		case *ddbtypes.AttributeValueMemberN:
			return v.Value
		}
		return ""
	}

	var ok bool
	switch cond := aws.ToString(in.ConditionExpression); cond {
	case condExists:
		ok = exists
	case condAcquire:
		ok = exists && (!rec.LockHeld || (rec.LockAcquiredAt != "" && rec.LockAcquiredAt < val(":stale")))
	case condCooldown:
		ok = exists && (rec.CooldownUntil == "" || rec.CooldownUntil < val(":until"))
	case condReplace:
		ok = exists && rec.CooldownUntil == val(":old")
	case condStamp:
		ok = exists && rec.LockHeld && rec.LockAcquiredAt == ""
	case condRestamp:
		ok = exists && rec.LockHeld && rec.LockAcquiredAt == val(":old")
	default:
		return nil, fmt.Errorf("unexpected condition %q", cond)
	}
	if !ok {
		ccf := &ddbtypes.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
		if exists && in.ReturnValuesOnConditionCheckFailure == ddbtypes.ReturnValuesOnConditionCheckFailureAllOld {
			ccf.Item = item
		}
		return nil, ccf
	}

	switch upd := aws.ToString(in.UpdateExpression); upd {
	case updAcquire:
		rec.LockHeld, rec.LockAcquiredAt = true, val(":now")
	case updRelease:
		rec.LockHeld, rec.LockAcquiredAt = false, ""
	case updResize:
		n, err := strconv.Atoi(val(":count"))
		if err != nil {
			return nil, err
		}
		rec.NodeCount, rec.LastScaleTime = int32(n), val(":now")
	case updCooldown:
		rec.CooldownUntil = val(":until")
	case updStamp:
		rec.LockAcquiredAt = val(":now")
	default:
		return nil, fmt.Errorf("unexpected update %q", upd)
	}
	next, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return nil, err
	}
	f.items[id] = next
	return &dynamodb.UpdateItemOutput{}, nil
}

func TestStore(t *testing.T) {
	statetest.Run(t, func(t *testing.T, opts state.Options) state.Store {
		return New(newFakeDynamo(), "", opts)
	})
}

func TestUnstampedLock(t *testing.T) {
	tests := []struct {
		name       string
		acquiredAt string
	}{{
		name: "written without lock_acquired_at",
	}, {
		name:       "unparseable lock_acquired_at",
		acquiredAt: "not-a-time",
	}}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			fake := newFakeDynamo()
			statetest.RunUnstamped(t, func(t *testing.T, opts state.Options) state.Store {
				return New(fake, "", opts)
			}, func(t *testing.T, _ state.Store) {
				var rec state.Record
				if err := attributevalue.UnmarshalMap(fake.items[statetest.TestPool], &rec); err != nil {
					t.Fatalf("UnmarshalMap() error = %v", err)
				}
				rec.LockHeld, rec.LockAcquiredAt = true, test.acquiredAt
				item, err := attributevalue.MarshalMap(rec)
				if err != nil {
					t.Fatalf("MarshalMap() error = %v", err)
				}
				if _, ok := item[state.AttrLockAcquiredAt]; ok != (test.acquiredAt != "") {
					t.Fatalf("lock_acquired_at present = %v", ok)
				}
				fake.items[statetest.TestPool] = item
			})
		})
	}
}

func TestMalformedCooldown(t *testing.T) {
	ctx := logtesting.TestContextWithLogger(t)
	clk := clocktest.NewFakeClock(statetest.Epoch)
	fake := newFakeDynamo()
	s := New(fake, "pools", state.Options{PoolID: "p", LockMaxAge: time.Minute, Clock: clk})

	rec := state.NewRecord("p", 3, 2, 10)
	rec.CooldownUntil = "yesterday-ish"
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		t.Fatalf("MarshalMap() error = %v", err)
	}
	fake.items["p"] = item

	if in, err := s.IsInCooldown(ctx); err != nil || in {
		t.Fatalf("IsInCooldown() = (%v, %v), want (false, nil)", in, err)
	}
	if err := s.SetCooldown(ctx, 5*time.Minute); err != nil {
		t.Fatalf("SetCooldown() error = %v", err)
	}
	ps, err := s.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if want := clk.Now().Add(5 * time.Minute); !ps.CooldownUntil.Equal(want) {
		t.Errorf("CooldownUntil = %v, want %v", ps.CooldownUntil, want)
	}
	if in, err := s.IsInCooldown(ctx); err != nil || !in {
		t.Errorf("IsInCooldown() = (%v, %v), want (true, nil)", in, err)
	}
}

func TestLegacyTimestamps(t *testing.T) {
	ctx := logtesting.TestContextWithLogger(t)
	clk := clocktest.NewFakeClock(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	fake := newFakeDynamo()
	s := New(fake, "", state.Options{PoolID: "p", Clock: clk})

	// Records written without fractional seconds still parse.
	rec := state.NewRecord("p", 4, 2, 10)
	rec.CooldownUntil = "2026-01-01T12:03:00Z"
	fake.items["p"], _ = attributevalue.MarshalMap(rec)

	if in, err := s.IsInCooldown(ctx); err != nil || !in {
		t.Errorf("IsInCooldown() = (%v, %v), want (true, nil)", in, err)
	}
}

func TestMissingRecord(t *testing.T) {
	ctx := logtesting.TestContextWithLogger(t)
	s := New(newFakeDynamo(), "", state.Options{PoolID: "p"})

	for name, f := range map[string]func() error{
		"ReleaseLock": func() error { return s.ReleaseLock(ctx) },
		"UpdateSize":  func() error { return s.UpdateSize(ctx, 3) },
		"SetCooldown": func() error { return s.SetCooldown(ctx, time.Minute) },
	} {
		if err := f(); !errors.Is(err, types.ErrNotFound) {
			t.Errorf("%s() error = %v, want StoreNotFound", name, err)
		}
	}
}

func TestUnavailable(t *testing.T) {
	ctx := logtesting.TestContextWithLogger(t)
	fake := newFakeDynamo()
	s := New(fake, "", state.Options{PoolID: "p"})
	if _, err := s.Bootstrap(ctx, 3, 2, 10); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}
	fake.err = errors.New("RequestError: send request failed")

	if _, err := s.GetState(ctx); !errors.Is(err, types.ErrStoreUnavailable) {
		t.Errorf("GetState() error = %v, want StoreUnavailable", err)
	}
	if ok, err := s.AcquireLock(ctx); ok || !errors.Is(err, types.ErrStoreUnavailable) {
		t.Errorf("AcquireLock() = (%v, %v), want (false, StoreUnavailable)", ok, err)
	}
	if err := s.ReleaseLock(ctx); !errors.Is(err, types.ErrStoreUnavailable) {
		t.Errorf("ReleaseLock() error = %v, want StoreUnavailable", err)
	}
	if err := s.SetCooldown(ctx, time.Minute); !errors.Is(err, types.ErrStoreUnavailable) {
		t.Errorf("SetCooldown() error = %v, want StoreUnavailable", err)
	}
}
