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

// The poolscaler-lambda binary runs one control loop invocation per
// scheduled Lambda event.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	pkglogging "knative.dev/pkg/logging"
	"knative.dev/poolscaler/pkg/autoscaler/config"
	"knative.dev/poolscaler/pkg/autoscaler/control"
	"knative.dev/poolscaler/pkg/logging"
	"knative.dev/poolscaler/pkg/setup"
)

const component = "poolscaler-lambda"

type body struct {
	Message string           `json:"message"`
	Outcome string           `json:"outcome"`
	Metrics *control.Signals `json:"metrics,omitempty"`
}

type ticker interface {
	Tick(ctx context.Context) control.Result
}

func message(r control.Result) string {
	switch r.Outcome {
	case control.OutcomeSkipped:
		switch r.Reason {
		case control.ReasonLockHeld:
			return "Scaling in progress, skipped"
		case control.ReasonCooldown:
			return "In cooldown, skipped"
		case control.ReasonLockNotAcquired:
			return "Could not acquire lock"
		}
		return "Skipped"
	case control.OutcomeNoAction:
		return "No scaling needed"
	case control.OutcomeScaled:
		return fmt.Sprintf("Scaled %s from %d to %d", r.Action, r.From, r.To)
	}
	return fmt.Sprintf("Scaling failed: %s", r.Kind)
}

// handler adapts a control loop to the Lambda runtime. Failed invocations
// are reported in the response, not as handler errors, so that the
// scheduler does not retry them.
func handler(loop ticker) func(context.Context, events.CloudWatchEvent) (events.APIGatewayProxyResponse, error) {
	return func(ctx context.Context, _ events.CloudWatchEvent) (events.APIGatewayProxyResponse, error) {
		r := loop.Tick(ctx)

		b := body{Message: message(r), Outcome: r.String()}
		if r.Observed {
			b.Metrics = &r.Signals
		}
		status := http.StatusOK
		if r.Outcome == control.OutcomeError {
			status = http.StatusInternalServerError
		}
		out, err := json.Marshal(b)
		if err != nil {
			return events.APIGatewayProxyResponse{}, err
		}
		return events.APIGatewayProxyResponse{StatusCode: status, Body: string(out)}, nil
	}
}

func main() {
	env, err := config.ProcessEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, _ := logging.NewLogger(env.LoggingConfig, env.LoggingLevel, component, env.PoolID)
	defer logging.Flush(logger)
	ctx := pkglogging.WithLogger(context.Background(), logger)

	deps, err := setup.Build(ctx, env)
	if err != nil {
		logger.Errorw("Failed to set up", zap.Error(err))
		logging.Flush(logger)
		os.Exit(1)
	}
	loop := control.New(control.Options{
		Store:   deps.Store,
		Metrics: deps.Metrics,
		Fleet:   deps.Fleet,
		Config:  deps.Config,
	})

	h := handler(loop)
	lambda.Start(func(ctx context.Context, ev events.CloudWatchEvent) (events.APIGatewayProxyResponse, error) {
		return h(pkglogging.WithLogger(ctx, logger), ev)
	})
}
