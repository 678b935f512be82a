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

package main

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	logtesting "knative.dev/pkg/logging/testing"
	"knative.dev/poolscaler/pkg/autoscaler/config"
	"knative.dev/poolscaler/pkg/autoscaler/fake"
	"knative.dev/poolscaler/pkg/setup"
	"knative.dev/poolscaler/pkg/state"
	"knative.dev/poolscaler/pkg/state/memory"
)

func testDeps(t *testing.T) (*setup.Deps, *memory.Store) {
	t.Helper()
	cfg, err := config.NewConfigFromMap(map[string]string{"pool-id": "k3s-main"})
	if err != nil {
		t.Fatalf("NewConfigFromMap() error = %v", err)
	}
	s := memory.New(state.Options{PoolID: cfg.PoolID, LockMaxAge: cfg.LockMaxAge})
	return &setup.Deps{Config: cfg, Store: s, Fleet: fake.NewFleet(3)}, s
}

func TestRunBootstrapAndShow(t *testing.T) {
	ctx := logtesting.TestContextWithLogger(t)
	deps, _ := testDeps(t)

	var out bytes.Buffer
	if err := run(ctx, &out, deps, request{bootstrap: 3, show: true}); err != nil {
		t.Fatalf("run() error = %v", err)
	}
	var v view
	if err := json.Unmarshal(out.Bytes(), &v); err != nil {
		t.Fatalf("output %q: %v", out.String(), err)
	}
	if v.PoolID != "k3s-main" || v.Size != 3 || v.LockHeld || v.InCooldown {
		t.Errorf("view = %+v, want an unlocked pool of 3 out of cooldown", v)
	}

	// A second bootstrap leaves the record alone.
	out.Reset()
	if err := run(ctx, &out, deps, request{bootstrap: 5, show: true}); err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if err := json.Unmarshal(out.Bytes(), &v); err != nil {
		t.Fatal(err)
	}
	if v.Size != 3 {
		t.Errorf("Size = %d after a second bootstrap, want 3", v.Size)
	}
}

func TestRunBootstrapOutOfBounds(t *testing.T) {
	ctx := logtesting.TestContextWithLogger(t)
	deps, _ := testDeps(t)

	if err := run(ctx, &bytes.Buffer{}, deps, request{bootstrap: 50}); err == nil {
		t.Error("run() = nil, want an error for a size above max")
	}
}

func TestRunForceUnlock(t *testing.T) {
	ctx := logtesting.TestContextWithLogger(t)
	deps, s := testDeps(t)
	s.Put(state.PoolState{Size: 4, LockHeld: true, LockAcquiredAt: time.Now()})

	var out bytes.Buffer
	if err := run(ctx, &out, deps, request{bootstrap: -1, show: true, forceUnlock: true}); err != nil {
		t.Fatalf("run() error = %v", err)
	}
	ps, err := s.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if ps.LockHeld {
		t.Error("LockHeld = true after -force-unlock")
	}
}

func TestRunShowsStaleLease(t *testing.T) {
	ctx := logtesting.TestContextWithLogger(t)
	deps, s := testDeps(t)
	s.Put(state.PoolState{Size: 4, LockHeld: true, LockAcquiredAt: time.Now().Add(-deps.Config.LockMaxAge - time.Minute)})

	var out bytes.Buffer
	if err := run(ctx, &out, deps, request{bootstrap: -1, show: true}); err != nil {
		t.Fatalf("run() error = %v", err)
	}
	var v view
	if err := json.Unmarshal(out.Bytes(), &v); err != nil {
		t.Fatalf("output %q: %v", out.String(), err)
	}
	if !v.LockHeld || !v.LeaseStale {
		t.Errorf("LockHeld, LeaseStale = %v, %v, want true, true", v.LockHeld, v.LeaseStale)
	}
}

func TestRunNodesDrift(t *testing.T) {
	ctx := logtesting.TestContextWithLogger(t)
	deps, s := testDeps(t)
	s.Put(state.PoolState{Size: 5})

	var out bytes.Buffer
	if err := run(ctx, &out, deps, request{bootstrap: -1, nodes: true}); err != nil {
		t.Fatalf("run() error = %v", err)
	}
	var v view
	if err := json.Unmarshal(out.Bytes(), &v); err != nil {
		t.Fatal(err)
	}
	if len(v.Nodes) != 3 {
		t.Errorf("len(Nodes) = %d, want 3", len(v.Nodes))
	}
	if v.Drift == nil || *v.Drift != -2 {
		t.Errorf("Drift = %v, want -2", v.Drift)
	}
}

func TestRunMissingRecord(t *testing.T) {
	ctx := logtesting.TestContextWithLogger(t)
	deps, _ := testDeps(t)

	if err := run(ctx, &bytes.Buffer{}, deps, request{bootstrap: -1, show: true}); err == nil {
		t.Error("run() = nil, want an error for a missing record")
	}
}
