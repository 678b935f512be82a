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

package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	logtesting "knative.dev/pkg/logging/testing"
	"knative.dev/poolscaler/pkg/autoscaler/types"
)

const (
	emptyVector = `{"status":"success","data":{"resultType":"vector","result":[]}}`
	badQuery    = `{"status":"error","errorType":"bad_data","error":"parse error"}`
)

func vector(v string) string {
	return fmt.Sprintf(`{"status":"success","data":{"resultType":"vector","result":[{"metric":{},"value":[1700000000,%q]}]}}`, v)
}

// fakePrometheus answers instant queries from a fixed table keyed by the
// PromQL expression.
type fakePrometheus struct {
	answers map[string]string
	status  int
	delay   time.Duration

	mu      sync.Mutex
	queries []string
}

func (f *fakePrometheus) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.queries...)
}

func (f *fakePrometheus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == healthPath {
		if f.status != 0 {
			w.WriteHeader(f.status)
			return
		}
		fmt.Fprint(w, "Prometheus Server is Healthy.")
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	q := r.Form.Get("query")
	f.mu.Lock()
	f.queries = append(f.queries, q)
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-r.Context().Done():
			return
		}
	}
	body, ok := f.answers[q]
	if !ok {
		body = emptyVector
	}
	w.Header().Set("Content-Type", "application/json")
	if f.status != 0 {
		w.WriteHeader(f.status)
	}
	fmt.Fprint(w, body)
}

func newSource(t *testing.T, f *fakePrometheus, opts ...Option) *Prometheus {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	p, err := NewPrometheus(srv.URL, opts...)
	if err != nil {
		t.Fatalf("NewPrometheus() error = %v", err)
	}
	return p
}

func TestAvgLoad(t *testing.T) {
	tests := []struct {
		name    string
		answer  string
		want    float64
		wantErr error
	}{{
		name:   "in range",
		answer: vector("42.5"),
		want:   42.5,
	}, {
		name:   "above 100 is clamped",
		answer: vector("130"),
		want:   100,
	}, {
		name:   "negative is clamped",
		answer: vector("-3"),
		want:   0,
	}, {
		name:    "no data",
		answer:  emptyVector,
		wantErr: ErrNoData,
	}, {
		name:    "NaN from an empty fleet",
		answer:  vector("NaN"),
		wantErr: ErrNoData,
	}}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			ctx := logtesting.TestContextWithLogger(t)
			p := newSource(t, &fakePrometheus{answers: map[string]string{DefaultLoadQuery: test.answer}})
			got, err := p.AvgLoad(ctx)
			if test.wantErr != nil {
				if !errors.Is(err, test.wantErr) || !errors.Is(err, types.ErrMetricsUnavailable) {
					t.Fatalf("AvgLoad() error = %v, want %v", err, test.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("AvgLoad() error = %v", err)
			}
			if got != test.want {
				t.Errorf("AvgLoad() = %v, want %v", got, test.want)
			}
		})
	}
}

func TestPendingAndReadyNodes(t *testing.T) {
	ctx := logtesting.TestContextWithLogger(t)
	p := newSource(t, &fakePrometheus{answers: map[string]string{
		DefaultPendingQuery:    vector("3"),
		DefaultReadyNodesQuery: vector("4"),
		DefaultMemoryQuery:     vector("61.25"),
	}})

	if got, err := p.PendingWork(ctx); err != nil || got != 3 {
		t.Errorf("PendingWork() = (%d, %v), want (3, nil)", got, err)
	}
	if got, err := p.ReadyNodes(ctx); err != nil || got != 4 {
		t.Errorf("ReadyNodes() = (%d, %v), want (4, nil)", got, err)
	}
	if got, err := p.MemoryUsage(ctx); err != nil || got != 61.25 {
		t.Errorf("MemoryUsage() = (%v, %v), want (61.25, nil)", got, err)
	}
}

func TestNoDataDefaults(t *testing.T) {
	ctx := logtesting.TestContextWithLogger(t)
	p := newSource(t, &fakePrometheus{})

	if got, err := p.PendingWork(ctx); err != nil || got != 0 {
		t.Errorf("PendingWork() = (%d, %v), want (0, nil)", got, err)
	}
	if got, err := p.MemoryUsage(ctx); err != nil || got != 0 {
		t.Errorf("MemoryUsage() = (%v, %v), want (0, nil)", got, err)
	}
	if _, err := p.AvgLoad(ctx); !errors.Is(err, ErrNoData) {
		t.Errorf("AvgLoad() error = %v, want ErrNoData", err)
	}
	_, err := p.ReadyNodes(ctx)
	if !errors.Is(err, ErrNoData) {
		t.Errorf("ReadyNodes() error = %v, want ErrNoData", err)
	}
	if !errors.Is(err, types.ErrMetricsUnavailable) {
		t.Errorf("ReadyNodes() error = %v, want MetricsUnavailable", err)
	}
}

func TestCustomQueries(t *testing.T) {
	ctx := logtesting.TestContextWithLogger(t)
	f := &fakePrometheus{answers: map[string]string{"up_load": vector("12")}}
	p := newSource(t, f, WithQueries(Queries{Load: "up_load"}))

	if got, err := p.AvgLoad(ctx); err != nil || got != 12 {
		t.Errorf("AvgLoad() = (%v, %v), want (12, nil)", got, err)
	}
	if _, err := p.PendingWork(ctx); err != nil {
		t.Errorf("PendingWork() error = %v", err)
	}
	if diff := cmp.Diff([]string{"up_load", DefaultPendingQuery}, f.seen()); diff != "" {
		t.Errorf("queries diff(-want,+got):\n%s", diff)
	}
}

func TestQueryErrors(t *testing.T) {
	tests := []struct {
		name string
		f    *fakePrometheus
		opts []Option
	}{{
		name: "bad query",
		f:    &fakePrometheus{status: http.StatusBadRequest, answers: map[string]string{DefaultLoadQuery: badQuery}},
	}, {
		name: "server error",
		f:    &fakePrometheus{status: http.StatusInternalServerError, answers: map[string]string{DefaultLoadQuery: badQuery}},
	}, {
		name: "timeout",
		f:    &fakePrometheus{delay: time.Second, answers: map[string]string{DefaultLoadQuery: vector("1")}},
		opts: []Option{WithTimeout(20 * time.Millisecond)},
	}}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			ctx := logtesting.TestContextWithLogger(t)
			p := newSource(t, test.f, test.opts...)
			_, err := p.AvgLoad(ctx)
			if !errors.Is(err, types.ErrMetricsUnavailable) {
				t.Errorf("AvgLoad() error = %v, want MetricsUnavailable", err)
			}
		})
	}
}

func TestUnreachable(t *testing.T) {
	ctx := logtesting.TestContextWithLogger(t)
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	p, err := NewPrometheus(addr, WithTimeout(time.Second))
	if err != nil {
		t.Fatalf("NewPrometheus() error = %v", err)
	}
	if _, err := p.PendingWork(ctx); !errors.Is(err, types.ErrMetricsUnavailable) {
		t.Errorf("PendingWork() error = %v, want MetricsUnavailable", err)
	}
	if p.Healthy(ctx) {
		t.Error("Healthy() = true for a closed server")
	}
}

func TestHealthy(t *testing.T) {
	ctx := logtesting.TestContextWithLogger(t)
	if !newSource(t, &fakePrometheus{}).Healthy(ctx) {
		t.Error("Healthy() = false, want true")
	}
	if newSource(t, &fakePrometheus{status: http.StatusServiceUnavailable}).Healthy(ctx) {
		t.Error("Healthy() = true for a 503")
	}
}

func TestNewPrometheusBadAddress(t *testing.T) {
	_, err := NewPrometheus("://nope")
	if !errors.Is(err, types.ErrConfigInvalid) {
		t.Errorf("NewPrometheus() error = %v, want ConfigInvalid", err)
	}
}

func TestTimeoutDefault(t *testing.T) {
	p, err := NewPrometheus("http://prometheus:9090", WithTimeout(-time.Second))
	if err != nil {
		t.Fatalf("NewPrometheus() error = %v", err)
	}
	if p.timeout != DefaultTimeout {
		t.Errorf("timeout = %v, want %v", p.timeout, DefaultTimeout)
	}
}
