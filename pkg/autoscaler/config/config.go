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
	"time"

	cm "knative.dev/pkg/configmap"
	"sigs.k8s.io/yaml"

	"knative.dev/poolscaler/pkg/autoscaler/types"
)

const (
	// ConfigName is the name of the tunables file inside CONFIG_DIR.
	ConfigName = "config-poolscaler"

	// ThresholdMax is the upper bound of both load thresholds; load is a
	// percentage.
	ThresholdMax = 100.0
)

// Config holds the tunables of the control loop. It is immutable for the
// duration of a run.
type Config struct {
	PoolID string

	// MinSize and MaxSize are the hard bounds on the pool size.
	MinSize int32
	MaxSize int32

	// ScaleUpThreshold and ScaleDownThreshold are percentages of average
	// load. Down must be strictly below Up.
	ScaleUpThreshold   float64
	ScaleDownThreshold float64

	// Cooldown is the minimum quiet period after a scaling attempt.
	Cooldown time.Duration
	// LockMaxAge bounds the scaling lease. Defaults to twice the cooldown.
	LockMaxAge time.Duration

	MetricsTimeout time.Duration
	FleetTimeout   time.Duration
	StoreTimeout   time.Duration
}

func defaultConfig() *Config {
	return &Config{
		PoolID:             "k3s-main",
		MinSize:            2,
		MaxSize:            10,
		ScaleUpThreshold:   70,
		ScaleDownThreshold: 30,
		Cooldown:           5 * time.Minute,
		MetricsTimeout:     10 * time.Second,
		FleetTimeout:       30 * time.Second,
		StoreTimeout:       5 * time.Second,
	}
}

// NewConfigFromMap creates a Config from the supplied map.
func NewConfigFromMap(data map[string]string) (*Config, error) {
	lc := defaultConfig()

	if err := cm.Parse(data,
		cm.AsString("pool-id", &lc.PoolID),

		cm.AsInt32("min-size", &lc.MinSize),
		cm.AsInt32("max-size", &lc.MaxSize),

		cm.AsFloat64("scale-up-threshold", &lc.ScaleUpThreshold),
		cm.AsFloat64("scale-down-threshold", &lc.ScaleDownThreshold),

		cm.AsDuration("cooldown", &lc.Cooldown),
		cm.AsDuration("lock-max-age", &lc.LockMaxAge),
		cm.AsDuration("metrics-timeout", &lc.MetricsTimeout),
		cm.AsDuration("fleet-timeout", &lc.FleetTimeout),
		cm.AsDuration("store-timeout", &lc.StoreTimeout),
	); err != nil {
		return nil, types.NewError(types.KindConfigInvalid, "NewConfigFromMap", fmt.Errorf("failed to parse data: %w", err))
	}

	if _, ok := data["lock-max-age"]; !ok {
		lc.LockMaxAge = 2 * lc.Cooldown
	}

	if err := validate(lc); err != nil {
		return nil, types.NewError(types.KindConfigInvalid, "NewConfigFromMap", err)
	}
	return lc, nil
}

// NewConfigFromYAML creates a Config from a flat YAML document using the
// same keys as NewConfigFromMap.
func NewConfigFromYAML(b []byte) (*Config, error) {
	data, err := yamlToMap(b)
	if err != nil {
		return nil, types.NewError(types.KindConfigInvalid, "NewConfigFromYAML", err)
	}
	return NewConfigFromMap(data)
}

// yamlToMap flattens a YAML mapping of scalars into the string map taken by
// NewConfigFromMap.
func yamlToMap(b []byte) (map[string]string, error) {
	raw := map[string]interface{}{}
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, err
	}
	// Unquoted scalars decode as numbers; the parsers expect text.
	data := make(map[string]string, len(raw))
	for k, v := range raw {
		data[k] = fmt.Sprint(v)
	}
	return data, nil
}

func validate(lc *Config) error {
	if lc.PoolID == "" {
		return fmt.Errorf("pool-id must not be empty")
	}

	if lc.MinSize < 0 {
		return fmt.Errorf("min-size = %d, must be at least 0", lc.MinSize)
	}

	if lc.MaxSize < 1 || lc.MaxSize < lc.MinSize {
		return fmt.Errorf("max-size = %d, must be at least 1 and at least min-size(%d)", lc.MaxSize, lc.MinSize)
	}

	if lc.ScaleUpThreshold < 0 || lc.ScaleUpThreshold > ThresholdMax {
		return fmt.Errorf("scale-up-threshold = %v, must be in [0, %v] range", lc.ScaleUpThreshold, ThresholdMax)
	}

	if lc.ScaleDownThreshold < 0 || lc.ScaleDownThreshold > ThresholdMax {
		return fmt.Errorf("scale-down-threshold = %v, must be in [0, %v] range", lc.ScaleDownThreshold, ThresholdMax)
	}

	if lc.ScaleDownThreshold >= lc.ScaleUpThreshold {
		return fmt.Errorf("scale-down-threshold = %v, must be less than scale-up-threshold(%v)",
			lc.ScaleDownThreshold, lc.ScaleUpThreshold)
	}

	for _, d := range []struct {
		key string
		val time.Duration
	}{
		{"cooldown", lc.Cooldown},
		{"lock-max-age", lc.LockMaxAge},
		{"metrics-timeout", lc.MetricsTimeout},
		{"fleet-timeout", lc.FleetTimeout},
		{"store-timeout", lc.StoreTimeout},
	} {
		if d.val <= 0 {
			return fmt.Errorf("%s must be positive, was: %v", d.key, d.val)
		}
	}

	// A lease shorter than a fleet call could be reclaimed while the
	// action it guards is still in flight.
	if lc.LockMaxAge < lc.FleetTimeout {
		return fmt.Errorf("lock-max-age = %v, must be at least fleet-timeout(%v)", lc.LockMaxAge, lc.FleetTimeout)
	}

	return nil
}

// Midpoint is the load in the middle of the band. It is the fallback load
// when metrics are unavailable, so that no action follows from it.
func (c *Config) Midpoint() float64 {
	return (c.ScaleUpThreshold + c.ScaleDownThreshold) / 2
}
