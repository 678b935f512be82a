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

// The poolstate binary inspects and repairs the shared record of a pool.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	pkglogging "knative.dev/pkg/logging"
	"knative.dev/pkg/signals"
	"knative.dev/poolscaler/pkg/autoscaler/config"
	"knative.dev/poolscaler/pkg/fleet"
	"knative.dev/poolscaler/pkg/logging"
	"knative.dev/poolscaler/pkg/setup"
	"knative.dev/poolscaler/pkg/state"
)

const component = "poolstate"

var (
	bootstrap   = flag.Int("bootstrap", -1, "Create the pool record with this size if it does not exist.")
	show        = flag.Bool("show", true, "Print the pool record.")
	forceUnlock = flag.Bool("force-unlock", false, "Clear the scaling lock.")
	nodes       = flag.Bool("nodes", false, "List the managed nodes and compare their count with the record.")
)

type view struct {
	PoolID         string       `json:"poolId"`
	Size           int32        `json:"size"`
	MinSize        int32        `json:"minSize,omitempty"`
	MaxSize        int32        `json:"maxSize,omitempty"`
	LockHeld       bool         `json:"lockHeld"`
	LockAcquiredAt *time.Time   `json:"lockAcquiredAt,omitempty"`
	LeaseStale     bool         `json:"leaseStale,omitempty"`
	LastScaleTime  *time.Time   `json:"lastScaleTime,omitempty"`
	CooldownUntil  string       `json:"cooldownUntil,omitempty"`
	InCooldown     bool         `json:"inCooldown"`
	Nodes          []fleet.Node `json:"nodes,omitempty"`
	Drift          *int         `json:"drift,omitempty"`
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func newView(ctx context.Context, ps *state.PoolState, now time.Time) view {
	return view{
		PoolID:         ps.PoolID,
		Size:           ps.Size,
		MinSize:        ps.MinSize,
		MaxSize:        ps.MaxSize,
		LockHeld:       ps.LockHeld,
		LockAcquiredAt: optionalTime(ps.LockAcquiredAt),
		LastScaleTime:  optionalTime(ps.LastScaleTime),
		CooldownUntil:  ps.CooldownRaw,
		InCooldown:     state.InCooldown(ctx, ps, now),
	}
}

type request struct {
	bootstrap   int
	show        bool
	forceUnlock bool
	nodes       bool
}

func main() {
	flag.Parse()

	env, err := config.ProcessEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger, _ := logging.NewLogger(env.LoggingConfig, env.LoggingLevel, component, env.PoolID)
	ctx := pkglogging.WithLogger(signals.NewContext(), logger)

	opts := []setup.Option{setup.NoMetrics()}
	if !*nodes {
		opts = append(opts, setup.NoFleet())
	}
	deps, err := setup.Build(ctx, env, opts...)
	if err != nil {
		logger.Errorw("Failed to set up", zap.Error(err))
		logging.Flush(logger)
		os.Exit(1)
	}

	req := request{bootstrap: *bootstrap, show: *show, forceUnlock: *forceUnlock, nodes: *nodes}
	err = run(ctx, os.Stdout, deps, req)
	deps.Close()
	if err != nil {
		logger.Errorw("poolstate failed", zap.Error(err))
	}
	logging.Flush(logger)
	if err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, w io.Writer, deps *setup.Deps, req request) error {
	logger := pkglogging.FromContext(ctx)
	store, cfg := deps.Store, deps.Config
	lease := state.NewLease(store, cfg.LockMaxAge, nil)

	if req.bootstrap >= 0 {
		size := int32(req.bootstrap)
		if size < cfg.MinSize || size > cfg.MaxSize {
			return fmt.Errorf("bootstrap size %d is outside [%d, %d]", size, cfg.MinSize, cfg.MaxSize)
		}
		created, err := store.Bootstrap(ctx, size, cfg.MinSize, cfg.MaxSize)
		if err != nil {
			return err
		}
		if created {
			logger.Infow("Created pool record", zap.Int32("size", size))
		} else {
			logger.Info("Pool record already exists, left unchanged")
		}
	}

	if req.forceUnlock {
		stale, err := lease.IsStale(ctx)
		if err != nil {
			return err
		}
		if err := lease.Release(ctx); err != nil {
			return err
		}
		logger.Warnw("Scaling lock cleared", zap.Bool("stale", stale))
	}

	if !req.show && !req.nodes {
		return nil
	}
	ps, err := store.GetState(ctx)
	if err != nil {
		return err
	}
	v := newView(ctx, ps, time.Now())
	v.LeaseStale = lease.Stale(ps)

	if req.nodes {
		if deps.Fleet == nil {
			return errors.New("no fleet controller configured")
		}
		if v.Nodes, err = deps.Fleet.ListManaged(ctx); err != nil {
			return err
		}
		live, err := deps.Fleet.CountLiveManaged(ctx)
		if err != nil {
			return err
		}
		drift := live - int(ps.Size)
		v.Drift = &drift
		if drift != 0 {
			logger.Warnw("Managed node count differs from the committed size",
				zap.Int("live", live), zap.Int32("committed", ps.Size))
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
