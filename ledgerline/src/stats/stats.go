// Copyright 2024 Ledgerline Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package stats defines the Collector interface through which the
// supervisor and the listening service report operational metrics.
package stats

import "time"

// A Collector is monitored by the process supervision machinery. Its
// methods may be called from multiple goroutines and must not block.
type Collector interface {
	// WorkerStarted is called when the supervisor has forked a worker.
	WorkerStarted(index, pid int)

	// WorkerExited is called when a worker leaves the live set. expected
	// is set when the exit was an intentional disconnect or part of a
	// coordinated shutdown.
	WorkerExited(index, code int, expected bool)

	// WorkerRestarted is called when a crashed worker has been replaced.
	WorkerRestarted(index int)

	// ShutdownForced is called when the supervisor's hard deadline fires
	// with workers still live.
	ShutdownForced(remaining int)

	// ShutdownOutcome records the terminal outcome of a graceful-shutdown
	// attempt ("drained" or "timed_out").
	ShutdownOutcome(outcome string)

	// RequestServed records one HTTP request served by the listening
	// service.
	RequestServed(status int, latency time.Duration)

	// WorkerResourceUsage records a resource-usage sample for a live
	// worker.
	WorkerResourceUsage(index, pid int, userCPUMillis, systemCPUMillis float64, residentMemory int64)
}

// NoopCollector implements Collector and discards everything.
type NoopCollector struct{}

func (c NoopCollector) WorkerStarted(index, pid int)                 {}
func (c NoopCollector) WorkerExited(index, code int, expected bool)  {}
func (c NoopCollector) WorkerRestarted(index int)                    {}
func (c NoopCollector) ShutdownForced(remaining int)                 {}
func (c NoopCollector) ShutdownOutcome(outcome string)               {}
func (c NoopCollector) RequestServed(status int, d time.Duration)    {}
func (c NoopCollector) WorkerResourceUsage(index, pid int, u, s float64, m int64) {
}
