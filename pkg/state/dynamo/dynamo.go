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

// Package dynamo is the DynamoDB backed state.Store. The lock is a single
// conditional UpdateItem on the pool item.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"knative.dev/poolscaler/pkg/state"
)

// DefaultTable is the table used when none is configured.
const DefaultTable = "k3s-cluster-state"

const (
	condExists   = "attribute_exists(cluster_id)"
	condAbsent   = "attribute_not_exists(cluster_id)"
	condAcquire  = "attribute_exists(cluster_id) AND (attribute_not_exists(scaling_in_progress) OR scaling_in_progress = :false OR lock_acquired_at < :stale)"
	condCooldown = "attribute_exists(cluster_id) AND (attribute_not_exists(cooldown_until) OR cooldown_until < :until)"
	condReplace  = "cooldown_until = :old"
	condStamp    = "scaling_in_progress = :true AND attribute_not_exists(lock_acquired_at)"
	condRestamp  = "scaling_in_progress = :true AND lock_acquired_at = :old"

	updAcquire  = "SET scaling_in_progress = :true, lock_acquired_at = :now"
	updRelease  = "SET scaling_in_progress = :false REMOVE lock_acquired_at"
	updResize   = "SET node_count = :count, last_scale_time = :now"
	updCooldown = "SET cooldown_until = :until"
	updStamp    = "SET lock_acquired_at = :now"
)

// API is the subset of the DynamoDB client used by Store.
type API interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

var _ API = (*dynamodb.Client)(nil)

// Store keeps the pool record in one DynamoDB item keyed by pool id.
type Store struct {
	api   API
	table string
	opts  state.Options
}

var _ state.Store = (*Store)(nil)

// New returns a Store on table. An empty table selects DefaultTable.
func New(api API, table string, opts state.Options) *Store {
	if table == "" {
		table = DefaultTable
	}
	return &Store{api: api, table: table, opts: opts.WithDefaults()}
}

func (s *Store) key() map[string]ddbtypes.AttributeValue {
	return map[string]ddbtypes.AttributeValue{
		state.AttrPoolID: &ddbtypes.AttributeValueMemberS{Value: s.opts.PoolID},
	}
}

func (s *Store) now() time.Time {
	return s.opts.Clock.Now().UTC()
}

func str(v string) ddbtypes.AttributeValue {
	return &ddbtypes.AttributeValueMemberS{Value: v}
}

func boolean(v bool) ddbtypes.AttributeValue {
	return &ddbtypes.AttributeValueMemberBOOL{Value: v}
}

func num(v int32) ddbtypes.AttributeValue {
	return &ddbtypes.AttributeValueMemberN{Value: fmt.Sprint(v)}
}

// conditionFailed reports whether err is a failed condition check and, if
// so, the item as it was when the check failed.
func conditionFailed(err error) (map[string]ddbtypes.AttributeValue, bool) {
	var ccf *ddbtypes.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return ccf.Item, true
	}
	return nil, false
}

func (s *Store) update(ctx context.Context, cond, upd string, values map[string]ddbtypes.AttributeValue) error {
	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                           aws.String(s.table),
		Key:                                 s.key(),
		ConditionExpression:                 aws.String(cond),
		UpdateExpression:                    aws.String(upd),
		ExpressionAttributeValues:           values,
		ReturnValuesOnConditionCheckFailure: ddbtypes.ReturnValuesOnConditionCheckFailureAllOld,
	})
	return err
}

// GetState implements state.Store.
func (s *Store) GetState(ctx context.Context) (*state.PoolState, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            s.key(),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, state.Unavailable("GetState", err)
	}
	if len(out.Item) == 0 {
		return nil, state.NotFound("GetState", s.opts.PoolID)
	}
	var rec state.Record
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, state.Unavailable("GetState", fmt.Errorf("decoding item: %w", err))
	}
	return rec.PoolState(), nil
}

// AcquireLock implements state.Store.
func (s *Store) AcquireLock(ctx context.Context) (bool, error) {
	now := s.now()
	err := s.update(ctx, condAcquire, updAcquire, map[string]ddbtypes.AttributeValue{
		":true":  boolean(true),
		":false": boolean(false),
		":now":   str(state.FormatTime(now)),
		":stale": str(state.FormatTime(now.Add(-s.opts.LockMaxAge))),
	})
	if err == nil {
		return true, nil
	}
	if item, ok := conditionFailed(err); ok {
		if len(item) == 0 {
			return false, state.NotFound("AcquireLock", s.opts.PoolID)
		}
		return false, s.stamp(ctx, item, now)
	}
	return false, state.Unavailable("AcquireLock", err)
}

// stamp starts the lease of a lock that is held without an acquisition
// time. Losing the race to another writer is not an error.
func (s *Store) stamp(ctx context.Context, item map[string]ddbtypes.AttributeValue, now time.Time) error {
	var rec state.Record
	if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
		return state.Unavailable("AcquireLock", fmt.Errorf("decoding item: %w", err))
	}
	if !state.Unstamped(rec.PoolState()) {
		return nil
	}
	cond, values := condStamp, map[string]ddbtypes.AttributeValue{
		":true": boolean(true),
		":now":  str(state.FormatTime(now)),
	}
	if rec.LockAcquiredAt != "" {
		cond, values[":old"] = condRestamp, str(rec.LockAcquiredAt)
	}
	err := s.update(ctx, cond, updStamp, values)
	if _, ok := conditionFailed(err); err == nil || ok {
		return nil
	}
	return state.Unavailable("AcquireLock", err)
}

// ReleaseLock implements state.Store.
func (s *Store) ReleaseLock(ctx context.Context) error {
	err := s.update(ctx, condExists, updRelease, map[string]ddbtypes.AttributeValue{
		":false": boolean(false),
	})
	return s.classify("ReleaseLock", err)
}

// UpdateSize implements state.Store.
func (s *Store) UpdateSize(ctx context.Context, size int32) error {
	err := s.update(ctx, condExists, updResize, map[string]ddbtypes.AttributeValue{
		":count": num(size),
		":now":   str(state.FormatTime(s.now())),
	})
	return s.classify("UpdateSize", err)
}

// SetCooldown implements state.Store. The deadline only moves forward; a
// malformed stored deadline is replaced.
func (s *Store) SetCooldown(ctx context.Context, d time.Duration) error {
	until := state.FormatTime(s.now().Add(d))
	err := s.update(ctx, condCooldown, updCooldown, map[string]ddbtypes.AttributeValue{
		":until": str(until),
	})
	if err == nil {
		return nil
	}
	item, ok := conditionFailed(err)
	if !ok {
		return state.Unavailable("SetCooldown", err)
	}
	if len(item) == 0 {
		return state.NotFound("SetCooldown", s.opts.PoolID)
	}
	var rec state.Record
	if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
		return state.Unavailable("SetCooldown", fmt.Errorf("decoding item: %w", err))
	}
	if _, perr := state.ParseTime(rec.CooldownUntil); perr == nil {
		// A later deadline is already in place.
		return nil
	}
	err = s.update(ctx, condReplace, updCooldown, map[string]ddbtypes.AttributeValue{
		":until": str(until),
		":old":   str(rec.CooldownUntil),
	})
	if _, ok := conditionFailed(err); ok {
		// Someone else replaced it first.
		return nil
	}
	return s.classify("SetCooldown", err)
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
	item, err := attributevalue.MarshalMap(state.NewRecord(s.opts.PoolID, initial, minSize, maxSize))
	if err != nil {
		return false, fmt.Errorf("encoding item: %w", err)
	}
	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String(condAbsent),
	})
	if err == nil {
		return true, nil
	}
	if _, ok := conditionFailed(err); ok {
		return false, nil
	}
	return false, state.Unavailable("Bootstrap", err)
}

func (s *Store) classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := conditionFailed(err); ok {
		return state.NotFound(op, s.opts.PoolID)
	}
	return state.Unavailable(op, err)
}
