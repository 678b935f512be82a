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

// Package metrics reads the pool's load signals from a Prometheus server.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"go.uber.org/zap"

	"knative.dev/pkg/logging"
	"knative.dev/poolscaler/pkg/autoscaler/types"
)

// Default PromQL queries. They assume cAdvisor, kube-state-metrics and
// node-exporter are scraped by the server.
const (
	DefaultLoadQuery       = `sum(rate(container_cpu_usage_seconds_total{id="/"}[5m])) / sum(machine_cpu_cores) * 100`
	DefaultPendingQuery    = `sum(kube_pod_status_phase{phase="Pending"})`
	DefaultReadyNodesQuery = `count(kube_node_status_condition{condition="Ready",status="true"})`
	DefaultMemoryQuery     = `(1 - avg(node_memory_MemAvailable_bytes / node_memory_MemTotal_bytes)) * 100`

	// DefaultTimeout bounds a single query.
	DefaultTimeout = 10 * time.Second

	healthPath = "/-/healthy"
)

// ErrNoData is returned by AvgLoad and ReadyNodes when the server has no
// usable sample.
var ErrNoData = errors.New("query returned no data")

// Source yields the load signals consumed by the control loop.
type Source interface {
	// AvgLoad is the pool-wide CPU utilization in [0, 100]. No data is an
	// error wrapping ErrNoData; reading it as 0 would look like an idle pool.
	AvgLoad(ctx context.Context) (float64, error)
	// PendingWork is the count of work units waiting for capacity. No data
	// is 0.
	PendingWork(ctx context.Context) (int, error)
	// ReadyNodes is the number of ready nodes. No data is an error wrapping
	// ErrNoData so that the caller can apply its own fallback.
	ReadyNodes(ctx context.Context) (int, error)
}

// MemorySource is implemented by sources that also report memory usage.
type MemorySource interface {
	// MemoryUsage is the average memory utilization in [0, 100].
	MemoryUsage(ctx context.Context) (float64, error)
}

// Queries holds the PromQL expressions used by Prometheus. Empty fields
// take the defaults.
type Queries struct {
	Load       string
	Pending    string
	ReadyNodes string
	Memory     string
}

func (q Queries) withDefaults() Queries {
	if q.Load == "" {
		q.Load = DefaultLoadQuery
	}
	if q.Pending == "" {
		q.Pending = DefaultPendingQuery
	}
	if q.ReadyNodes == "" {
		q.ReadyNodes = DefaultReadyNodesQuery
	}
	if q.Memory == "" {
		q.Memory = DefaultMemoryQuery
	}
	return q
}

type options struct {
	queries Queries
	timeout time.Duration
}

// Option customizes a Prometheus source.
type Option func(*options)

// WithQueries overrides the PromQL expressions.
func WithQueries(q Queries) Option {
	return func(o *options) {
		o.queries = q
	}
}

// WithTimeout bounds every query. Non-positive values are ignored.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// Prometheus is a Source backed by the Prometheus HTTP API.
type Prometheus struct {
	client  api.Client
	api     promv1.API
	queries Queries
	timeout time.Duration
}

var (
	_ Source       = (*Prometheus)(nil)
	_ MemorySource = (*Prometheus)(nil)
)

// NewPrometheus returns a Source querying the server at address.
func NewPrometheus(address string, opts ...Option) (*Prometheus, error) {
	o := options{timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	client, err := api.NewClient(api.Config{Address: address})
	if err != nil {
		return nil, types.NewError(types.KindConfigInvalid, "NewPrometheus", err)
	}
	return &Prometheus{
		client:  client,
		api:     promv1.NewAPI(client),
		queries: o.queries.withDefaults(),
		timeout: o.timeout,
	}, nil
}

// scalar runs an instant query and returns the first sample. ok is false
// when the result is empty.
func (p *Prometheus) scalar(ctx context.Context, op, query string) (v float64, ok bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	res, warnings, err := p.api.Query(ctx, query, time.Now())
	if err != nil {
		return 0, false, types.NewError(types.KindMetricsUnavailable, op, err)
	}
	if len(warnings) > 0 {
		logging.FromContext(ctx).Debugw("Prometheus returned warnings",
			zap.String("query", query), zap.Strings("warnings", warnings))
	}

	switch r := res.(type) {
	case model.Vector:
		if len(r) == 0 {
			return 0, false, nil
		}
		v = float64(r[0].Value)
	case *model.Scalar:
		v = float64(r.Value)
	default:
		return 0, false, types.Errorf(types.KindMetricsUnavailable, op, "unexpected result type %s", res.Type())
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		// Division by zero on an empty fleet.
		return 0, false, nil
	}
	return v, true, nil
}

// AvgLoad implements Source. The value is clamped to [0, 100].
func (p *Prometheus) AvgLoad(ctx context.Context) (float64, error) {
	v, ok, err := p.scalar(ctx, "AvgLoad", p.queries.Load)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, types.NewError(types.KindMetricsUnavailable, "AvgLoad", ErrNoData)
	}
	return math.Max(0, math.Min(100, v)), nil
}

// PendingWork implements Source.
func (p *Prometheus) PendingWork(ctx context.Context) (int, error) {
	v, _, err := p.scalar(ctx, "PendingWork", p.queries.Pending)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, nil
	}
	return int(v), nil
}

// ReadyNodes implements Source.
func (p *Prometheus) ReadyNodes(ctx context.Context) (int, error) {
	v, ok, err := p.scalar(ctx, "ReadyNodes", p.queries.ReadyNodes)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, types.NewError(types.KindMetricsUnavailable, "ReadyNodes", ErrNoData)
	}
	return int(v), nil
}

// MemoryUsage implements MemorySource. No data is 0.
func (p *Prometheus) MemoryUsage(ctx context.Context) (float64, error) {
	v, _, err := p.scalar(ctx, "MemoryUsage", p.queries.Memory)
	if err != nil {
		return 0, err
	}
	return math.Max(0, math.Min(100, v)), nil
}

// Healthy reports whether the server answers its health endpoint.
func (p *Prometheus) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.client.URL(healthPath, nil).String(), nil)
	if err != nil {
		return false
	}
	resp, _, err := p.client.Do(ctx, req)
	if err != nil {
		logging.FromContext(ctx).Debugw("Prometheus health check failed", zap.Error(err))
		return false
	}
	return resp.StatusCode == http.StatusOK
}

// String describes the source for logs.
func (p *Prometheus) String() string {
	return fmt.Sprintf("prometheus(%s)", p.client.URL("", nil))
}
