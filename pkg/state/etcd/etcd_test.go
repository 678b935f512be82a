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

package etcd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	pb "go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"

	logtesting "knative.dev/pkg/logging/testing"
	"knative.dev/poolscaler/pkg/autoscaler/types"
	"knative.dev/poolscaler/pkg/state"
	"knative.dev/poolscaler/pkg/state/statetest"
)

type entry struct {
	value     []byte
	createRev int64
	modRev    int64
}

// fakeKV is a single-node in-memory keyspace that understands the revision
// compares issued by Store.
type fakeKV struct {
	mu   sync.Mutex
	rev  int64
	data map[string]*entry
	err  error
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: map[string]*entry{}}
}

func (f *fakeKV) Get(_ context.Context, key string, _ ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	e, ok := f.data[key]
	if !ok {
		return &clientv3.GetResponse{}, nil
	}
	return &clientv3.GetResponse{Kvs: []*mvccpb.KeyValue{{
		Key:            []byte(key),
		Value:          append([]byte(nil), e.value...),
		CreateRevision: e.createRev,
		ModRevision:    e.modRev,
	}}}, nil
}

func (f *fakeKV) Txn(context.Context) clientv3.Txn {
	return &fakeTxn{kv: f}
}

func (f *fakeKV) put(key string, value []byte) {
	f.rev++
	e, ok := f.data[key]
	if !ok {
		e = &entry{createRev: f.rev}
		f.data[key] = e
	}
	e.value, e.modRev = value, f.rev
}

type fakeTxn struct {
	kv   *fakeKV
	cmps []clientv3.Cmp
	then []clientv3.Op
	els  []clientv3.Op
}

func (t *fakeTxn) If(cs ...clientv3.Cmp) clientv3.Txn {
	t.cmps = cs
	return t
}

func (t *fakeTxn) Then(ops ...clientv3.Op) clientv3.Txn {
	t.then = ops
	return t
}

func (t *fakeTxn) Else(ops ...clientv3.Op) clientv3.Txn {
	t.els = ops
	return t
}

func (t *fakeTxn) Commit() (*clientv3.TxnResponse, error) {
	f := t.kv
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}

	ok := true
	for _, c := range t.cmps {
		var have, want int64
		e := f.data[string(c.Key)]
		switch u := c.TargetUnion.(type) {
		case *pb.Compare_ModRevision:
			want = u.ModRevision
			if e != nil {
				have = e.modRev
			}
		case *pb.Compare_CreateRevision:
			want = u.CreateRevision
			if e != nil {
				have = e.createRev
			}
		default:
			return nil, fmt.Errorf("unsupported compare target %v", c.Target)
		}
		if c.Result != pb.Compare_EQUAL {
			return nil, fmt.Errorf("unsupported compare result %v", c.Result)
		}
		ok = ok && have == want
	}

	ops := t.then
	if !ok {
		ops = t.els
	}
	for _, op := range ops {
		if !op.IsPut() {
			return nil, errors.New("only puts are supported")
		}
		f.put(string(op.KeyBytes()), op.ValueBytes())
	}
	return &clientv3.TxnResponse{Succeeded: ok}, nil
}

func TestStore(t *testing.T) {
	statetest.Run(t, func(t *testing.T, opts state.Options) state.Store {
		return New(newFakeKV(), "", opts)
	})
}

func TestUnstampedLock(t *testing.T) {
	kv := newFakeKV()
	statetest.RunUnstamped(t, func(t *testing.T, opts state.Options) state.Store {
		return New(kv, "", opts)
	}, func(t *testing.T, s state.Store) {
		key := s.(*Store).key
		var rec state.Record
		require.NoError(t, json.Unmarshal(kv.data[key].value, &rec))
		// An unparseable time is as good as none.
		rec.LockHeld, rec.LockAcquiredAt = true, "not-a-time"
		b, err := json.Marshal(rec)
		require.NoError(t, err)
		kv.put(key, b)
	})
}

func TestKeyLayout(t *testing.T) {
	ctx := logtesting.TestContextWithLogger(t)
	kv := newFakeKV()
	s := New(kv, "/clusters", state.Options{PoolID: "k3s-main"})

	created, err := s.Bootstrap(ctx, 2, 2, 10)
	require.NoError(t, err)
	require.True(t, created)

	e, ok := kv.data["/clusters/k3s-main"]
	require.True(t, ok, "record not stored under /clusters/k3s-main")

	var rec state.Record
	require.NoError(t, json.Unmarshal(e.value, &rec))
	require.Equal(t, "k3s-main", rec.PoolID)
	require.EqualValues(t, 2, rec.NodeCount)
	require.False(t, rec.LockHeld)
}

func TestMalformedCooldownReplaced(t *testing.T) {
	ctx := logtesting.TestContextWithLogger(t)
	kv := newFakeKV()
	s := New(kv, "", state.Options{PoolID: "p"})

	rec := state.NewRecord("p", 3, 2, 10)
	rec.CooldownUntil = "garbage"
	b, err := json.Marshal(rec)
	require.NoError(t, err)
	kv.put(s.key, b)

	in, err := s.IsInCooldown(ctx)
	require.NoError(t, err)
	require.False(t, in)

	require.NoError(t, s.SetCooldown(ctx, time.Minute))
	in, err = s.IsInCooldown(ctx)
	require.NoError(t, err)
	require.True(t, in)
}

func TestUnavailable(t *testing.T) {
	ctx := logtesting.TestContextWithLogger(t)
	kv := newFakeKV()
	s := New(kv, "", state.Options{PoolID: "p"})
	_, err := s.Bootstrap(ctx, 3, 2, 10)
	require.NoError(t, err)

	kv.err = errors.New("etcdserver: request timed out")
	_, err = s.GetState(ctx)
	require.ErrorIs(t, err, types.ErrStoreUnavailable)

	ok, err := s.AcquireLock(ctx)
	require.False(t, ok)
	require.ErrorIs(t, err, types.ErrStoreUnavailable)
}
