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

package types

import (
	"errors"
	"fmt"
)

// Kind classifies the failures the pool autoscaler distinguishes between.
type Kind string

const (
	// KindStoreUnavailable means the state store could not be reached or
	// answered with an unexpected error. Lock ownership is unknown.
	KindStoreUnavailable Kind = "StoreUnavailable"
	// KindStoreNotFound means the pool state record does not exist.
	KindStoreNotFound Kind = "StoreNotFound"
	// KindLockNotAcquired means another invocation holds the scaling lock.
	// This is contention, not a failure.
	KindLockNotAcquired Kind = "LockNotAcquired"
	// KindMetricsUnavailable means the load signals could not be fetched.
	KindMetricsUnavailable Kind = "MetricsUnavailable"
	// KindFleetLaunchFailed means a node could not be launched.
	KindFleetLaunchFailed Kind = "FleetLaunchFailed"
	// KindFleetTerminateFailed means a node could not be listed or terminated.
	KindFleetTerminateFailed Kind = "FleetTerminateFailed"
	// KindConfigInvalid means the configuration failed validation.
	KindConfigInvalid Kind = "ConfigInvalid"
)

// Sentinels usable with errors.Is; any *Error of the same kind matches.
var (
	ErrStoreUnavailable     = &Error{Kind: KindStoreUnavailable}
	ErrNotFound             = &Error{Kind: KindStoreNotFound}
	ErrLockNotAcquired      = &Error{Kind: KindLockNotAcquired}
	ErrMetricsUnavailable   = &Error{Kind: KindMetricsUnavailable}
	ErrFleetLaunchFailed    = &Error{Kind: KindFleetLaunchFailed}
	ErrFleetTerminateFailed = &Error{Kind: KindFleetTerminateFailed}
	ErrConfigInvalid        = &Error{Kind: KindConfigInvalid}
)

// Error is a classified error. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// NewError wraps err with the given kind and operation.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	switch {
	case e.Op == "" && e.Err == nil:
		return string(e.Kind)
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Op == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or the empty
// kind if there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
