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

package stats

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Metric collectors for PrometheusCollector.
	workersLive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledgerline_supervisor_live_workers",
		Help: "The number of worker processes currently tracked as live by the supervisor.",
	})

	workersStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledgerline_supervisor_workers_started_total",
		Help: "The total number of worker processes forked by the supervisor.",
	})

	workersExited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerline_supervisor_workers_exited_total",
		Help: "The total number of worker processes which left the live set.",
	},
		[]string{"expected", "status"},
	)

	workersRestarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledgerline_supervisor_workers_restarted_total",
		Help: "The total number of crashed workers replaced by the supervisor.",
	})

	shutdownsForced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledgerline_supervisor_forced_exits_total",
		Help: "The number of times the supervisor's hard deadline fired with workers still live.",
	})

	shutdownOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerline_shutdown_outcomes_total",
		Help: "Terminal outcomes of graceful-shutdown attempts.",
	},
		[]string{"outcome"},
	)

	requestsServed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerline_server_requests_total",
		Help: "The total number of HTTP requests served.",
	},
		[]string{"status"},
	)

	requestLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "ledgerline_server_request_latency_seconds",
		Help: "The latency distribution of served HTTP requests.",
	})

	workerUserCPU = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ledgerline_worker_user_cpu_millis",
		Help: "Cumulative user-mode CPU time of a worker process, in milliseconds.",
	},
		[]string{"worker"},
	)

	workerSystemCPU = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ledgerline_worker_system_cpu_millis",
		Help: "Cumulative kernel-mode CPU time of a worker process, in milliseconds.",
	},
		[]string{"worker"},
	)

	workerResidentMemory = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ledgerline_worker_resident_memory_bytes",
		Help: "Resident set size of a worker process, in bytes.",
	},
		[]string{"worker"},
	)
)

// PrometheusCollector is a Collector which exports everything through
// prometheus metrics. The metrics are registered with the default
// registry and served wherever promhttp is mounted.
type PrometheusCollector struct{}

func (c PrometheusCollector) WorkerStarted(index, pid int) {
	workersStarted.Inc()
	workersLive.Inc()
}

func (c PrometheusCollector) WorkerExited(index, code int, expected bool) {
	workersLive.Dec()
	workersExited.WithLabelValues(strconv.FormatBool(expected), strconv.Itoa(code)).Inc()
}

func (c PrometheusCollector) WorkerRestarted(index int) {
	workersRestarted.Inc()
}

func (c PrometheusCollector) ShutdownForced(remaining int) {
	shutdownsForced.Inc()
}

func (c PrometheusCollector) ShutdownOutcome(outcome string) {
	shutdownOutcomes.WithLabelValues(outcome).Inc()
}

func (c PrometheusCollector) RequestServed(status int, latency time.Duration) {
	requestsServed.WithLabelValues(strconv.Itoa(status)).Inc()
	requestLatency.Observe(latency.Seconds())
}

func (c PrometheusCollector) WorkerResourceUsage(index, pid int, userCPUMillis, systemCPUMillis float64, residentMemory int64) {
	w := strconv.Itoa(index)
	workerUserCPU.WithLabelValues(w).Set(userCPUMillis)
	workerSystemCPU.WithLabelValues(w).Set(systemCPUMillis)
	workerResidentMemory.WithLabelValues(w).Set(float64(residentMemory))
}
