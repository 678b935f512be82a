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

// The poolscaler binary runs the control loop on a fixed interval until it
// is signalled, or once with -once.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/wait"

	pkglogging "knative.dev/pkg/logging"
	"knative.dev/pkg/signals"
	"knative.dev/poolscaler/pkg/autoscaler/config"
	"knative.dev/poolscaler/pkg/autoscaler/control"
	"knative.dev/poolscaler/pkg/logging"
	"knative.dev/poolscaler/pkg/setup"
)

const component = "poolscaler"

var (
	interval = flag.Duration("interval", time.Minute, "Time between invocations.")
	once     = flag.Bool("once", false, "Run a single invocation and exit.")
)

func init() {
	maxprocs.Set()
}

func main() {
	flag.Parse()
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	ctx := signals.NewContext()

	env, err := config.ProcessEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}

	logger, _ := logging.NewLogger(env.LoggingConfig, env.LoggingLevel, component, env.PoolID)
	defer logging.Flush(logger)
	ctx = pkglogging.WithLogger(ctx, logger)

	deps, err := setup.Build(ctx, env)
	if err != nil {
		logger.Errorw("Failed to set up", zap.Error(err))
		return err
	}
	defer deps.Close()

	if !deps.Metrics.Healthy(ctx) {
		logger.Warnw("Prometheus is not healthy, load signals will fall back", zap.Stringer("source", deps.Metrics))
	}

	loop := control.New(control.Options{
		Store:   deps.Store,
		Metrics: deps.Metrics,
		Fleet:   deps.Fleet,
		Config:  deps.Config,
	})
	defer loop.Shutdown()

	if *once {
		if r := loop.Tick(ctx); r.Outcome == control.OutcomeError {
			return r.Err
		}
		return nil
	}

	logger.Infow("Starting control loop", zap.Duration("interval", *interval))
	wait.UntilWithContext(ctx, func(ctx context.Context) {
		loop.Tick(ctx)
	}, *interval)
	logger.Info("Shutting down")
	return nil
}
