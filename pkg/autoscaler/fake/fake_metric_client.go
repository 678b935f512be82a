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

// Package fake holds in-memory collaborators of the control loop for tests.
package fake

import (
	"context"
	"sync"

	"knative.dev/poolscaler/pkg/autoscaler/metrics"
)

// MetricClient is a fake implementation of metrics.Source for testing.
type MetricClient struct {
	mu sync.Mutex

	Load    float64
	Pending int
	Nodes   int
	Memory  float64

	// ErrF, when set, is consulted on every query; a non-nil result fails
	// that query.
	ErrF func(query string) error

	calls int
}

var (
	_ metrics.Source       = (*MetricClient)(nil)
	_ metrics.MemorySource = (*MetricClient)(nil)
)

// Query names passed to ErrF.
const (
	QueryLoad    = "load"
	QueryPending = "pending"
	QueryNodes   = "nodes"
	QueryMemory  = "memory"
)

func (m *MetricClient) err(query string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.ErrF != nil {
		return m.ErrF(query)
	}
	return nil
}

// AvgLoad returns Load and the result of ErrF as the error.
func (m *MetricClient) AvgLoad(context.Context) (float64, error) {
	if err := m.err(QueryLoad); err != nil {
		return 0, err
	}
	return m.Load, nil
}

// PendingWork returns Pending and the result of ErrF as the error.
func (m *MetricClient) PendingWork(context.Context) (int, error) {
	if err := m.err(QueryPending); err != nil {
		return 0, err
	}
	return m.Pending, nil
}

// ReadyNodes returns Nodes and the result of ErrF as the error.
func (m *MetricClient) ReadyNodes(context.Context) (int, error) {
	if err := m.err(QueryNodes); err != nil {
		return 0, err
	}
	return m.Nodes, nil
}

// MemoryUsage returns Memory and the result of ErrF as the error.
func (m *MetricClient) MemoryUsage(context.Context) (float64, error) {
	if err := m.err(QueryMemory); err != nil {
		return 0, err
	}
	return m.Memory, nil
}

// Calls is the number of queries served.
func (m *MetricClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
