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

package scaling

import "fmt"

// Action is what the control loop should do to the pool.
type Action int

const (
	// ActionNone leaves the pool unchanged.
	ActionNone Action = iota
	// ActionScaleUp launches one node.
	ActionScaleUp
	// ActionScaleDown terminates one node.
	ActionScaleDown
)

func (a Action) String() string {
	switch a {
	case ActionScaleUp:
		return "scale_up"
	case ActionScaleDown:
		return "scale_down"
	default:
		return "none"
	}
}

// Reasons attached to decisions. They are diagnostic only.
const (
	ReasonPendingWork    = "pending work present"
	ReasonPendingAtMax   = "at max, cannot absorb pending work"
	ReasonLoadAboveUpper = "load above upper threshold"
	ReasonAtMax          = "at max"
	ReasonLoadBelowLower = "load below lower threshold"
	ReasonAtMin          = "at min"
	ReasonWithinBand     = "within band"
)

// Signals are the observed load inputs for one decision.
type Signals struct {
	// AvgLoad is the average load percentage across the pool, in [0, 100].
	AvgLoad float64
	// PendingWork is the number of work items that cannot be placed.
	PendingWork int
}

// Bounds describe the current pool size and its hard limits.
type Bounds struct {
	Current int32
	Min     int32
	Max     int32
}

// Thresholds are the load percentages that trigger scaling. Callers must
// ensure Down < Up; Decide does not check it.
type Thresholds struct {
	Up   float64
	Down float64
}

// Decision is the outcome of Decide.
type Decision struct {
	Action     Action
	TargetSize int32
	Reason     string
}

func (d Decision) String() string {
	return fmt.Sprintf("%s(target=%d): %s", d.Action, d.TargetSize, d.Reason)
}

// Decide maps load signals to a scaling decision. The pool moves by at most
// one node per call. Pending work takes priority over the load thresholds.
func Decide(s Signals, b Bounds, th Thresholds) Decision {
	switch {
	case s.PendingWork > 0:
		if b.Current < b.Max {
			return Decision{Action: ActionScaleUp, TargetSize: b.Current + 1, Reason: ReasonPendingWork}
		}
		return Decision{Action: ActionNone, TargetSize: b.Current, Reason: ReasonPendingAtMax}

	case s.AvgLoad > th.Up:
		if b.Current < b.Max {
			return Decision{Action: ActionScaleUp, TargetSize: b.Current + 1, Reason: ReasonLoadAboveUpper}
		}
		return Decision{Action: ActionNone, TargetSize: b.Current, Reason: ReasonAtMax}

	case s.AvgLoad < th.Down && s.PendingWork == 0:
		if b.Current > b.Min {
			return Decision{Action: ActionScaleDown, TargetSize: b.Current - 1, Reason: ReasonLoadBelowLower}
		}
		return Decision{Action: ActionNone, TargetSize: b.Current, Reason: ReasonAtMin}
	}
	return Decision{Action: ActionNone, TargetSize: b.Current, Reason: ReasonWithinBand}
}
