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

package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"knative.dev/poolscaler/pkg/fleet"
)

// Fleet is an in-memory fleet.Controller.
type Fleet struct {
	mu sync.Mutex

	nodes []fleet.Node
	seq   int

	// LaunchErr and TerminateErr fail the respective calls when set.
	LaunchErr    error
	TerminateErr error
	// Block, when set, makes Launch and TerminateOldest wait until it is
	// closed or the context is done.
	Block        chan struct{}

	Launched   []string
	Terminated []string
}

var _ fleet.Controller = (*Fleet)(nil)

// NewFleet returns a fleet with n running nodes launched a minute apart.
func NewFleet(n int) *Fleet {
	f := &Fleet{}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		f.add(base.Add(time.Duration(i) * time.Minute))
	}
	return f
}

func (f *Fleet) add(launched time.Time) string {
	f.seq++
	id := fmt.Sprintf("i-%04d", f.seq)
	f.nodes = append(f.nodes, fleet.Node{ID: id, LaunchTime: launched, State: fleet.NodeRunning})
	return id
}

func (f *Fleet) wait(ctx context.Context) error {
	if f.Block == nil {
		return nil
	}
	select {
	case <-f.Block:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Launch implements fleet.Controller.
func (f *Fleet) Launch(ctx context.Context) (string, error) {
	if err := f.wait(ctx); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.LaunchErr != nil {
		return "", f.LaunchErr
	}
	var last time.Time
	if n := len(f.nodes); n > 0 {
		last = f.nodes[n-1].LaunchTime
	}
	id := f.add(last.Add(time.Minute))
	f.Launched = append(f.Launched, id)
	return id, nil
}

// TerminateOldest implements fleet.Controller.
func (f *Fleet) TerminateOldest(ctx context.Context) (string, bool, error) {
	if err := f.wait(ctx); err != nil {
		return "", false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.TerminateErr != nil {
		return "", false, f.TerminateErr
	}
	if len(f.nodes) == 0 {
		return "", false, nil
	}
	nodes := append([]fleet.Node(nil), f.nodes...)
	fleet.SortOldestFirst(nodes)
	victim := nodes[0].ID
	for i, n := range f.nodes {
		if n.ID == victim {
			f.nodes = append(f.nodes[:i], f.nodes[i+1:]...)
			break
		}
	}
	f.Terminated = append(f.Terminated, victim)
	return victim, true, nil
}

// CountLiveManaged implements fleet.Controller.
func (f *Fleet) CountLiveManaged(ctx context.Context) (int, error) {
	nodes, err := f.ListManaged(ctx)
	return len(nodes), err
}

// ListManaged implements fleet.Controller.
func (f *Fleet) ListManaged(context.Context) ([]fleet.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	nodes := append([]fleet.Node(nil), f.nodes...)
	fleet.SortOldestFirst(nodes)
	return nodes, nil
}

// Actions is the number of launches plus terminations.
func (f *Fleet) Actions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Launched) + len(f.Terminated)
}
