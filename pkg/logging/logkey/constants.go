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

package logkey

const (
	// Pool is the key used for the managed pool id in structured logs
	Pool = "poolscaler.dev/pool"

	// Action is the key used for the scaling action in structured logs
	Action = "poolscaler.dev/action"

	// Node is the key used for a compute node id in structured logs
	Node = "poolscaler.dev/node"

	// Outcome is the key used for the invocation outcome in structured logs
	Outcome = "poolscaler.dev/outcome"

	// Backend is the key used for the state store backend in structured logs
	Backend = "poolscaler.dev/backend"
)
