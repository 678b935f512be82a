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

// Package control runs one invocation of the pool autoscaler: gate on the
// shared state, decide, and act on the fleet under the scaling lease.
package control

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"knative.dev/pkg/logging"
	"knative.dev/poolscaler/pkg/autoscaler/config"
	"knative.dev/poolscaler/pkg/autoscaler/metrics"
	"knative.dev/poolscaler/pkg/autoscaler/scaling"
	"knative.dev/poolscaler/pkg/autoscaler/types"
	"knative.dev/poolscaler/pkg/fleet"
	"knative.dev/poolscaler/pkg/logging/logkey"
	"knative.dev/poolscaler/pkg/state"
)

// Outcome is the coarse result of one invocation.
type Outcome string

const (
	OutcomeSkipped  Outcome = "skipped"
	OutcomeNoAction Outcome = "no_action"
	OutcomeScaled   Outcome = "scaled"
	OutcomeError    Outcome = "error"
)

// Reasons for skipped and no-op invocations, beyond the policy's own.
const (
	ReasonLockHeld        = "lock-held"
	ReasonCooldown        = "cooldown"
	ReasonLockNotAcquired = "lock-not-acquired"
	ReasonNoVictim        = "no managed node to terminate"
)

// Signals are the metrics an invocation decided on.
type Signals struct {
	Load    float64 `json:"load"`
	Pending int     `json:"pending"`
	Nodes   int     `json:"nodes"`
	// Memory is reported only; it never drives a decision.
	Memory  float64 `json:"memory,omitempty"`

	// Fallback is set when any value was substituted for a failed query.
	Fallback bool `json:"fallback,omitempty"`
}

// Result describes one invocation.
type Result struct {
	Outcome Outcome
	Reason  string
	Action  scaling.Action
	From    int32
	To      int32
	Kind    types.Kind
	Err     error
	// Node is the launched or terminated node.
	Node    string

	// Observed is set once metrics were fetched.
	Observed bool
	Signals  Signals
}

// String renders the result as skipped:<reason>, no_action:<reason>,
// scaled:<action>,<from>,<to> or error:<kind>.
func (r Result) String() string {
	switch r.Outcome {
	case OutcomeScaled:
		return fmt.Sprintf("%s:%s,%d,%d", r.Outcome, r.Action, r.From, r.To)
	case OutcomeError:
		return fmt.Sprintf("%s:%s", r.Outcome, r.Kind)
	}
	return fmt.Sprintf("%s:%s", r.Outcome, r.Reason)
}

func errorResult(err error) Result {
	kind := types.KindOf(err)
	if kind == "" {
		kind = types.KindStoreUnavailable
	}
	return Result{Outcome: OutcomeError, Kind: kind, Err: err}
}

// Options are the collaborators of a Loop.
type Options struct {
	Store   state.Store
	Metrics metrics.Source
	Fleet   fleet.Controller
	Config  *config.Config

	// Clock defaults to the real clock.
	Clock clock.PassiveClock
	// MeterProvider defaults to the global provider.
	MeterProvider metric.MeterProvider
}

// Loop is the pool autoscaler's control loop. Tick is safe to call from
// many processes at once; the store's lock serializes actions.
type Loop struct {
	store   state.Store
	lease   state.Lease
	source  metrics.Source
	fleet   fleet.Controller
	cfg     *config.Config
	clock   clock.PassiveClock
	metrics *loopMetrics
}

// New returns a Loop wired to opts.
func New(opts Options) *Loop {
	clk := opts.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Loop{
		store:   opts.Store,
		lease:   state.NewLease(opts.Store, opts.Config.LockMaxAge, clk),
		source:  opts.Metrics,
		fleet:   opts.Fleet,
		cfg:     opts.Config,
		clock:   clk,
		metrics: newMetrics(opts.MeterProvider, opts.Config.PoolID),
	}
}

// Shutdown releases the loop's telemetry registrations.
func (l *Loop) Shutdown() error {
	return l.metrics.Shutdown()
}

// Tick runs one invocation to completion and reports what it did. It never
// panics on collaborator failures; they are folded into the Result.
func (l *Loop) Tick(ctx context.Context) Result {
	logger := logging.FromContext(ctx).With(zap.String(logkey.Pool, l.cfg.PoolID))
	ctx = logging.WithLogger(ctx, logger)

	r := l.tick(ctx)
	l.metrics.RecordResult(ctx, r)

	fields := []interface{}{
		zap.String(logkey.Outcome, r.String()),
		zap.Float64("load", r.Signals.Load),
		zap.Int("pending", r.Signals.Pending),
		zap.Int("nodes", r.Signals.Nodes),
		zap.Float64("memory", r.Signals.Memory),
	}
	if r.Node != "" {
		fields = append(fields, zap.String(logkey.Node, r.Node))
	}
	if r.Err != nil {
		logger.Errorw("Invocation failed", append(fields, zap.Error(r.Err))...)
	} else {
		logger.Infow("Invocation finished", fields...)
	}
	return r
}

func (l *Loop) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, l.cfg.StoreTimeout)
}

func (l *Loop) tick(ctx context.Context) Result {
	logger := logging.FromContext(ctx)

	sctx, cancel := l.storeContext(ctx)
	ps, err := l.store.GetState(sctx)
	cancel()
	if err != nil {
		return errorResult(err)
	}
	l.metrics.RecordSize(ps.Size)

	now := l.clock.Now()
	if ps.LockHeld {
		switch {
		case ps.LockAcquiredAt.IsZero():
			// Written by a holder that does not record the time. The
			// acquire below stamps it, which starts its lease.
			logger.Warnw("Scaling lock has no acquisition time, its lease starts on the next acquire",
				zap.Duration("maxAge", l.cfg.LockMaxAge))
		case !l.lease.Stale(ps):
			return Result{Outcome: OutcomeSkipped, Reason: ReasonLockHeld, From: ps.Size}
		default:
			logger.Warnw("Scaling lease is stale, it will be reclaimed",
				zap.Time("acquiredAt", ps.LockAcquiredAt), zap.Duration("maxAge", l.cfg.LockMaxAge))
		}
	}
	if state.InCooldown(ctx, ps, now) {
		return Result{Outcome: OutcomeSkipped, Reason: ReasonCooldown, From: ps.Size}
	}

	sig := l.fetch(ctx, ps.Size)

	current := ps.Size
	switch {
	case current < l.cfg.MinSize:
		current = l.cfg.MinSize
	case current > l.cfg.MaxSize:
		current = l.cfg.MaxSize
	}
	if current != ps.Size {
		logger.Warnw("Committed size is outside the configured bounds, clamping for the decision",
			zap.Int32("size", ps.Size), zap.Int32("min", l.cfg.MinSize), zap.Int32("max", l.cfg.MaxSize))
	}
	if sig.Nodes != int(ps.Size) {
		logger.Debugw("Observed node count differs from the committed size",
			zap.Int("observed", sig.Nodes), zap.Int32("committed", ps.Size))
	}

	d := scaling.Decide(
		scaling.Signals{AvgLoad: sig.Load, PendingWork: sig.Pending},
		scaling.Bounds{Current: current, Min: l.cfg.MinSize, Max: l.cfg.MaxSize},
		scaling.Thresholds{Up: l.cfg.ScaleUpThreshold, Down: l.cfg.ScaleDownThreshold},
	)
	// The clamped size only informs the decision. One node is added or
	// removed, so the committed size steps from what the store holds.
	r := Result{Action: d.Action, From: ps.Size, To: ps.Size, Observed: true, Signals: sig}
	switch d.Action {
	case scaling.ActionNone:
		r.Outcome, r.Reason = OutcomeNoAction, d.Reason
		return r
	case scaling.ActionScaleUp:
		r.To = ps.Size + 1
	case scaling.ActionScaleDown:
		r.To = ps.Size - 1
	}
	logger.Infow("Scaling decision", zap.String(logkey.Action, d.Action.String()),
		zap.Int32("target", r.To), zap.String("reason", d.Reason))

	sctx, cancel = l.storeContext(ctx)
	acquired, err := l.lease.TryAcquire(sctx)
	cancel()
	if err != nil {
		// Ownership is unknown; the lease bounds any lock we may hold.
		return withErr(r, err)
	}
	if !acquired {
		r.Outcome, r.Reason = OutcomeSkipped, ReasonLockNotAcquired
		return r
	}

	// Another run may have finished between the gate read and the acquire.
	sctx, cancel = l.storeContext(ctx)
	inCooldown, err := l.store.IsInCooldown(sctx)
	cancel()
	if err != nil {
		l.settle(ctx, false)
		return withErr(r, err)
	}
	if inCooldown {
		l.settle(ctx, false)
		r.Outcome, r.Reason = OutcomeSkipped, ReasonCooldown
		return r
	}

	defer l.settle(ctx, true)
	return l.act(ctx, r)
}

// classify gives err the kind of the call that failed unless it already
// carries one.
func classify(kind types.Kind, op string, err error) error {
	if types.KindOf(err) != "" {
		return err
	}
	return types.NewError(kind, op, err)
}

func withErr(r Result, err error) Result {
	e := errorResult(err)
	e.Action, e.From, e.To = r.Action, r.From, r.To
	e.Observed, e.Signals = r.Observed, r.Signals
	return e
}

// act performs the fleet action of r while the lease is held.
func (l *Loop) act(ctx context.Context, r Result) Result {
	logger := logging.FromContext(ctx)

	switch r.Action {
	case scaling.ActionScaleUp:
		id, err := l.fleet.Launch(ctx)
		if err != nil {
			return withErr(r, classify(types.KindFleetLaunchFailed, "Launch", err))
		}
		r.Node = id
	case scaling.ActionScaleDown:
		id, found, err := l.fleet.TerminateOldest(ctx)
		if err != nil {
			return withErr(r, classify(types.KindFleetTerminateFailed, "TerminateOldest", err))
		}
		if !found {
			r.Outcome, r.Reason, r.To = OutcomeNoAction, ReasonNoVictim, r.From
			return r
		}
		r.Node = id
	}

	sctx, cancel := l.storeContext(ctx)
	defer cancel()
	if err := l.store.UpdateSize(sctx, r.To); err != nil {
		logger.Errorw("Fleet changed but the new size was not committed",
			zap.String(logkey.Node, r.Node), zap.Int32("size", r.To), zap.Error(err))
		return withErr(r, err)
	}
	r.Outcome = OutcomeScaled
	return r
}

// settle ends the lease. When cooldown is set the cooldown is started
// first, so that no other run can take the lease in between. It runs on a
// context detached from ctx's cancellation so that a cancelled invocation
// still unlocks the pool.
func (l *Loop) settle(ctx context.Context, cooldown bool) {
	logger := logging.FromContext(ctx)
	ctx = context.WithoutCancel(ctx)

	if cooldown {
		sctx, cancel := l.storeContext(ctx)
		if err := l.store.SetCooldown(sctx, l.cfg.Cooldown); err != nil {
			logger.Errorw("Failed to start the cooldown", zap.Error(err))
		}
		cancel()
	}

	sctx, cancel := l.storeContext(ctx)
	defer cancel()
	if err := l.lease.Release(sctx); err != nil {
		logger.Errorw("Failed to release the scaling lease, it expires after the max age",
			zap.Duration("maxAge", l.cfg.LockMaxAge), zap.Error(err))
	}
}

// fetch queries the load signals concurrently. A failed query is replaced
// by a value that cannot trigger an action by itself: the band midpoint for
// load, no pending work, and the committed size for the node count.
func (l *Loop) fetch(ctx context.Context, committed int32) Signals {
	logger := logging.FromContext(ctx)
	ctx, cancel := context.WithTimeout(ctx, l.cfg.MetricsTimeout)
	defer cancel()

	var sig Signals
	var loadErr, pendingErr, nodesErr, memErr error
	// Every query runs to completion; errors are handled per signal.
	var g errgroup.Group
	g.Go(func() error {
		sig.Load, loadErr = l.source.AvgLoad(ctx)
		return nil
	})
	g.Go(func() error {
		sig.Pending, pendingErr = l.source.PendingWork(ctx)
		return nil
	})
	g.Go(func() error {
		sig.Nodes, nodesErr = l.source.ReadyNodes(ctx)
		return nil
	})
	if ms, ok := l.source.(metrics.MemorySource); ok {
		g.Go(func() error {
			sig.Memory, memErr = ms.MemoryUsage(ctx)
			return nil
		})
	}
	_ = g.Wait()

	if loadErr != nil {
		sig.Load, sig.Fallback = l.cfg.Midpoint(), true
		logger.Warnw("Load unavailable, using the band midpoint", zap.Float64("load", sig.Load), zap.Error(loadErr))
	}
	if pendingErr != nil {
		sig.Pending, sig.Fallback = 0, true
		logger.Warnw("Pending work unavailable, assuming none", zap.Error(pendingErr))
	}
	if nodesErr != nil {
		sig.Nodes = int(committed)
		logger.Warnw("Ready node count unavailable, using the committed size", zap.Error(nodesErr))
	}
	if memErr != nil {
		sig.Memory = 0
		logger.Debugw("Memory usage unavailable", zap.Error(memErr))
	}
	return sig
}
