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

// Package fleet launches, terminates and counts the compute nodes of the
// managed pool.
package fleet

import (
	"context"
	"sort"
	"time"
)

// NodeState is the lifecycle state of a node as reported by the compute API.
type NodeState string

const (
	NodePending    NodeState = "pending"
	NodeRunning    NodeState = "running"
	NodeTerminated NodeState = "terminated"
	NodeUnknown    NodeState = "unknown"
)

// Live reports whether a node in state s counts towards the pool size.
func (s NodeState) Live() bool {
	return s == NodePending || s == NodeRunning
}

// Node is a compute node of the pool. It is never held beyond one
// invocation.
type Node struct {
	ID         string    `json:"id"`
	LaunchTime time.Time `json:"launchTime"`
	State      NodeState `json:"state"`
}

// Controller drives the compute nodes of one pool. Implementations only
// touch nodes carrying the pool's managed marker.
type Controller interface {
	// Launch starts one node and returns its id.
	Launch(ctx context.Context) (string, error)
	// TerminateOldest terminates the live managed node with the earliest
	// launch time. It returns false when there is no such node.
	TerminateOldest(ctx context.Context) (string, bool, error)
	// CountLiveManaged counts pending and running managed nodes.
	CountLiveManaged(ctx context.Context) (int, error)
	// ListManaged lists pending and running managed nodes, oldest first.
	ListManaged(ctx context.Context) ([]Node, error)
}

// SortOldestFirst orders nodes by launch time, breaking ties by id.
func SortOldestFirst(nodes []Node) {
	sort.Slice(nodes, func(i, j int) bool {
		if !nodes[i].LaunchTime.Equal(nodes[j].LaunchTime) {
			return nodes[i].LaunchTime.Before(nodes[j].LaunchTime)
		}
		return nodes[i].ID < nodes[j].ID
	})
}
