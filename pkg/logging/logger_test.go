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

package logging

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name  string
		level string
		want  zapcore.Level
	}{{
		name: "default",
		want: zapcore.InfoLevel,
	}, {
		name:  "debug override",
		level: "debug",
		want:  zapcore.DebugLevel,
	}}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			logger, level := NewLogger("", test.level, "poolscaler", "k3s-main")
			defer Flush(logger)
			if got := level.Level(); got != test.want {
				t.Errorf("level = %v, want %v", got, test.want)
			}
		})
	}
}

func TestNewLoggerTagsPool(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := tag(zap.New(core).Sugar(), "poolscaler", "k3s-main")

	logger.Info("hello")
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if got := entries[0].ContextMap()["poolscaler.dev/pool"]; got != "k3s-main" {
		t.Errorf("pool field = %v, want k3s-main", got)
	}
	if got := entries[0].LoggerName; got != "poolscaler" {
		t.Errorf("LoggerName = %q, want poolscaler", got)
	}
}
