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
	"go.uber.org/zap"

	pkglogging "knative.dev/pkg/logging"
	"knative.dev/poolscaler/pkg/logging/logkey"
)

// NewLogger creates the component logger from a zap JSON config and a level
// override, tagged with the pool it manages. An empty config selects the
// knative default production config.
func NewLogger(configJSON, level, component, poolID string) (*zap.SugaredLogger, zap.AtomicLevel) {
	logger, atomicLevel := pkglogging.NewLogger(configJSON, level)
	return tag(logger, component, poolID), atomicLevel
}

func tag(logger *zap.SugaredLogger, component, poolID string) *zap.SugaredLogger {
	return logger.Named(component).With(zap.String(logkey.Pool, poolID))
}

// Flush syncs the logger, ignoring errors from unsyncable sinks.
func Flush(logger *zap.SugaredLogger) {
	_ = logger.Sync()
}
