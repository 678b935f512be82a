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

package control

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const scopeName = "knative.dev/poolscaler/pkg/autoscaler/control"

var (
	poolKey    = attribute.Key("poolscaler.pool")
	outcomeKey = attribute.Key("poolscaler.outcome")
	actionKey  = attribute.Key("poolscaler.action")
)

type loopMetrics struct {
	attrs        attribute.Set
	registration metric.Registration

	invocations metric.Int64Counter
	poolSize    metric.Int64ObservableGauge
	load        metric.Float64ObservableGauge
	memory      metric.Float64ObservableGauge

	mu          sync.Mutex
	sizeValue   int64
	loadValue   float64
	memoryValue float64
}

func newMetrics(mp metric.MeterProvider, poolID string) *loopMetrics {
	var (
		m = &loopMetrics{attrs: attribute.NewSet(poolKey.String(poolID))}
		p = mp
	)

	if p == nil {
		p = otel.GetMeterProvider()
	}

	meter := p.Meter(scopeName)

	m.invocations = must(meter.Int64Counter(
		"poolscaler.invocations",
		metric.WithDescription("Number of control loop invocations by outcome"),
		metric.WithUnit("{invocation}"),
	))

	m.poolSize = must(meter.Int64ObservableGauge(
		"poolscaler.pool.size",
		metric.WithDescription("Committed number of nodes in the pool"),
		metric.WithUnit("{node}"),
	))

	m.load = must(meter.Float64ObservableGauge(
		"poolscaler.load",
		metric.WithDescription("Average load used for the last decision"),
		metric.WithUnit("%"),
	))

	m.memory = must(meter.Float64ObservableGauge(
		"poolscaler.memory",
		metric.WithDescription("Average memory usage of the pool, reported only"),
		metric.WithUnit("%"),
	))

	m.registration = must(meter.RegisterCallback(m.callback, m.poolSize, m.load, m.memory))

	return m
}

func (m *loopMetrics) callback(_ context.Context, o metric.Observer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	opt := metric.WithAttributeSet(m.attrs)
	o.ObserveInt64(m.poolSize, m.sizeValue, opt)
	o.ObserveFloat64(m.load, m.loadValue, opt)
	o.ObserveFloat64(m.memory, m.memoryValue, opt)
	return nil
}

// Shutdown stops observing the gauges.
func (m *loopMetrics) Shutdown() error {
	if m == nil || m.registration == nil {
		return nil
	}
	return m.registration.Unregister()
}

func (m *loopMetrics) RecordResult(ctx context.Context, r Result) {
	if m == nil {
		return
	}

	m.invocations.Add(ctx, 1, metric.WithAttributes(
		append(m.attrs.ToSlice(),
			outcomeKey.String(string(r.Outcome)),
			actionKey.String(r.Action.String()),
		)...,
	))

	m.mu.Lock()
	defer m.mu.Unlock()
	if r.Observed {
		m.loadValue = r.Signals.Load
		m.memoryValue = r.Signals.Memory
	}
	if r.Outcome == OutcomeScaled {
		m.sizeValue = int64(r.To)
	}
}

func (m *loopMetrics) RecordSize(size int32) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sizeValue = int64(size)
}

func must[T any](t T, err error) T {
	if err != nil {
		panic(err)
	}
	return t
}
