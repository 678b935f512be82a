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

// Package setup builds the collaborators of the poolscaler binaries from
// the process environment.
package setup

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	goredis "github.com/go-redis/redis/v8"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"knative.dev/pkg/logging"
	"knative.dev/poolscaler/pkg/autoscaler/config"
	"knative.dev/poolscaler/pkg/autoscaler/metrics"
	"knative.dev/poolscaler/pkg/autoscaler/types"
	"knative.dev/poolscaler/pkg/fleet"
	"knative.dev/poolscaler/pkg/logging/logkey"
	"knative.dev/poolscaler/pkg/state"
	"knative.dev/poolscaler/pkg/state/dynamo"
	"knative.dev/poolscaler/pkg/state/etcd"
	"knative.dev/poolscaler/pkg/state/memory"
	"knative.dev/poolscaler/pkg/state/redis"
)

const etcdDialTimeout = 5 * time.Second

// Deps are the collaborators shared by every entry point.
type Deps struct {
	Env    *config.Env
	Config *config.Config
	Store  state.Store
	// Metrics is nil when no Prometheus address is configured.
	Metrics *metrics.Prometheus
	// Fleet is nil when built with NoFleet.
	Fleet fleet.Controller

	closers []func() error
}

// Close releases the backend connections.
func (d *Deps) Close() error {
	var first error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Option adjusts what Build constructs.
type Option func(*options)

type options struct {
	noFleet   bool
	noMetrics bool
}

// NoFleet skips the fleet controller.
func NoFleet() Option {
	return func(o *options) { o.noFleet = true }
}

// NoMetrics skips the metrics source.
func NoMetrics() Option {
	return func(o *options) { o.noMetrics = true }
}

// Build constructs Deps from env.
func Build(ctx context.Context, env *config.Env, opts ...Option) (*Deps, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cfg, err := env.Config()
	if err != nil {
		return nil, err
	}
	d := &Deps{Env: env, Config: cfg}

	var awsCfg aws.Config
	needsAWS := env.StateBackend == config.BackendDynamoDB || !o.noFleet
	if needsAWS {
		var loadOpts []func(*awsconfig.LoadOptions) error
		if env.AWSRegion != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(env.AWSRegion))
		}
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, types.NewError(types.KindConfigInvalid, "LoadDefaultConfig", err)
		}
	}

	built := false
	defer func() {
		if !built {
			_ = d.Close()
		}
	}()

	if d.Store, err = d.store(ctx, awsCfg); err != nil {
		return nil, err
	}

	if !o.noMetrics {
		if env.PrometheusURL == "" {
			return nil, types.Errorf(types.KindConfigInvalid, "Build", "PROMETHEUS_URL is not set")
		}
		d.Metrics, err = metrics.NewPrometheus(env.PrometheusURL, metrics.WithTimeout(cfg.MetricsTimeout))
		if err != nil {
			return nil, err
		}
	}

	if !o.noFleet {
		fo, err := ec2Options(env, cfg)
		if err != nil {
			return nil, err
		}
		d.Fleet = fleet.NewEC2(ec2.NewFromConfig(awsCfg), fo)
	}
	built = true
	return d, nil
}

func (d *Deps) store(ctx context.Context, awsCfg aws.Config) (state.Store, error) {
	env, cfg := d.Env, d.Config
	opts := state.Options{PoolID: cfg.PoolID, LockMaxAge: cfg.LockMaxAge}
	logger := logging.FromContext(ctx).With(zap.String(logkey.Backend, env.StateBackend))

	switch env.StateBackend {
	case config.BackendDynamoDB:
		logger.Infow("Using DynamoDB state", zap.String("table", env.DynamoDBTable))
		return dynamo.New(dynamodb.NewFromConfig(awsCfg), env.DynamoDBTable, opts), nil

	case config.BackendEtcd:
		if len(env.EtcdEndpoints) == 0 {
			return nil, types.Errorf(types.KindConfigInvalid, "Build", "ETCD_ENDPOINTS is not set")
		}
		client, err := clientv3.New(clientv3.Config{
			Endpoints:   env.EtcdEndpoints,
			DialTimeout: etcdDialTimeout,
			Context:     ctx,
		})
		if err != nil {
			return nil, state.Unavailable("Connect", err)
		}
		d.closers = append(d.closers, client.Close)
		logger.Infow("Using etcd state", zap.Strings("endpoints", env.EtcdEndpoints))
		return etcd.New(client, "", opts), nil

	case config.BackendRedis:
		if env.RedisAddr == "" {
			return nil, types.Errorf(types.KindConfigInvalid, "Build", "REDIS_ADDR is not set")
		}
		client := goredis.NewClient(&goredis.Options{Addr: env.RedisAddr})
		d.closers = append(d.closers, client.Close)
		logger.Infow("Using Redis state", zap.String("addr", env.RedisAddr))
		return redis.New(client, "", opts), nil

	case config.BackendMemory:
		logger.Warn("Using in-memory state, invocations in other processes are not serialized")
		s := memory.New(opts)
		if _, err := s.Bootstrap(ctx, cfg.MinSize, cfg.MinSize, cfg.MaxSize); err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, types.Errorf(types.KindConfigInvalid, "Build", "unknown state backend %q", env.StateBackend)
}

func ec2Options(env *config.Env, cfg *config.Config) (fleet.EC2Options, error) {
	o := fleet.EC2Options{
		Pool:             cfg.PoolID,
		InstanceType:     env.WorkerInstanceType,
		KeyName:          env.SSHKeyName,
		SubnetIDs:        env.SubnetIDs,
		InstanceProfile:  env.WorkerIAMProfile,
		ImageOwner:       env.ImageOwner,
		ImageNamePattern: env.ImageNamePattern,
		CallTimeout:      cfg.FleetTimeout,
	}
	if env.WorkerSecurityGroup != "" {
		o.SecurityGroupIDs = []string{env.WorkerSecurityGroup}
	}
	if env.UserDataFile != "" {
		b, err := os.ReadFile(env.UserDataFile)
		if err != nil {
			return o, types.NewError(types.KindConfigInvalid, "ReadUserData", fmt.Errorf("%s: %w", env.UserDataFile, err))
		}
		o.UserData = b
	}
	return o, nil
}
