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

package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/kelseyhightower/envconfig"
	cm "knative.dev/pkg/configmap"

	"knative.dev/poolscaler/pkg/autoscaler/types"
)

// Backends understood by STATE_BACKEND.
const (
	BackendDynamoDB = "dynamodb"
	BackendEtcd     = "etcd"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

// Env is the process environment of the poolscaler binaries.
type Env struct {
	PoolID       string `split_words:"true"`
	StateBackend string `split_words:"true" default:"dynamodb"`

	DynamoDBTable string   `envconfig:"DYNAMODB_TABLE" default:"k3s-cluster-state"`
	EtcdEndpoints []string `split_words:"true"`
	RedisAddr     string   `split_words:"true"`

	PrometheusURL string `envconfig:"PROMETHEUS_URL"`
	AWSRegion     string `envconfig:"AWS_REGION"`

	WorkerSecurityGroup string   `split_words:"true"`
	SubnetIDs           []string `envconfig:"SUBNET_IDS"`
	WorkerIAMProfile    string   `envconfig:"WORKER_IAM_PROFILE"`
	WorkerInstanceType  string   `split_words:"true" default:"t2.small"`
	SSHKeyName          string   `envconfig:"SSH_KEY_NAME"`
	ImageOwner          string   `split_words:"true"`
	ImageNamePattern    string   `split_words:"true"`
	UserDataFile        string   `split_words:"true"`

	ConfigDir  string `split_words:"true"`
	ConfigFile string `split_words:"true"`

	LoggingConfig string `split_words:"true"`
	LoggingLevel  string `split_words:"true"`

	// Tunable overrides; empty means unset.
	MinSize            string `split_words:"true"`
	MaxSize            string `split_words:"true"`
	ScaleUpThreshold   string `split_words:"true"`
	ScaleDownThreshold string `split_words:"true"`
	CooldownMinutes    string `split_words:"true"`
	LockMaxAge         string `split_words:"true"`
}

// ProcessEnv reads Env from the process environment.
func ProcessEnv() (*Env, error) {
	var env Env
	if err := envconfig.Process("", &env); err != nil {
		return nil, err
	}
	switch env.StateBackend {
	case BackendDynamoDB, BackendEtcd, BackendRedis, BackendMemory:
	default:
		return nil, fmt.Errorf("STATE_BACKEND = %q, must be one of %s, %s, %s, %s",
			env.StateBackend, BackendDynamoDB, BackendEtcd, BackendRedis, BackendMemory)
	}
	return &env, nil
}

// TunablesMap merges the tunables from CONFIG_DIR, then CONFIG_FILE, then
// the individual environment overrides, later sources winning.
func (e *Env) TunablesMap() (map[string]string, error) {
	data := map[string]string{}
	if e.ConfigDir != "" {
		dir, err := cm.Load(e.ConfigDir)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", e.ConfigDir, err)
		}
		for k, v := range dir {
			data[k] = v
		}
	}
	if e.ConfigFile != "" {
		b, err := os.ReadFile(e.ConfigFile)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", e.ConfigFile, err)
		}
		file, err := yamlToMap(b)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", e.ConfigFile, err)
		}
		for k, v := range file {
			data[k] = v
		}
	}

	for key, val := range map[string]string{
		"pool-id":              e.PoolID,
		"min-size":             e.MinSize,
		"max-size":             e.MaxSize,
		"scale-up-threshold":   e.ScaleUpThreshold,
		"scale-down-threshold": e.ScaleDownThreshold,
		"lock-max-age":         e.LockMaxAge,
	} {
		if val != "" {
			data[key] = val
		}
	}
	if e.CooldownMinutes != "" {
		m, err := strconv.Atoi(e.CooldownMinutes)
		if err != nil {
			return nil, fmt.Errorf("COOLDOWN_MINUTES = %q: %w", e.CooldownMinutes, err)
		}
		data["cooldown"] = fmt.Sprintf("%dm", m)
	}
	return data, nil
}

// Config builds the validated Config described by the environment.
func (e *Env) Config() (*Config, error) {
	data, err := e.TunablesMap()
	if err != nil {
		return nil, types.NewError(types.KindConfigInvalid, "Config", err)
	}
	return NewConfigFromMap(data)
}
