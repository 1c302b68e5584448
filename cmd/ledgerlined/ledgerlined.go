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

// The ledgerlined binary serves the Ledgerline API. With CLUSTER_MODE
// set to "true" it runs as a supervisor which forks one worker per
// logical CPU and re-executes itself for each worker; otherwise the
// whole service runs in a single process.
package main

import (
	"flag"
	"os"
	"strings"

	log "github.com/golang/glog"

	"github.com/ledgerline/ledgerline/ledgerline/src/server/httpserver"
	"github.com/ledgerline/ledgerline/ledgerline/src/shutdown"
	"github.com/ledgerline/ledgerline/ledgerline/src/stats"
	"github.com/ledgerline/ledgerline/ledgerline/src/supervisor"
	"github.com/ledgerline/ledgerline/ledgerline/src/supervisor/command"
	"github.com/ledgerline/ledgerline/ledgerline/src/worker"
)

const defaultPort = "3001"

var (
	shutdownTimeout = flag.Duration("shutdown_timeout", shutdown.DefaultTimeout, "Bound on the graceful drain of in-flight requests.")
	hardDeadline    = flag.Duration("hard_deadline", supervisor.DefaultHardDeadline, "How long the supervisor waits for workers to exit before forcing its own exit.")
	flushDelay      = flag.Duration("flush_delay", shutdown.DefaultFlushDelay, "Delay before a fatal exit, to let pending log writes flush.")
	respawnDelay    = flag.Duration("respawn_delay", 0, "Minimum delay before restarting a crashed worker. 0 restarts immediately.")
	workers         = flag.Int("workers", 0, "Number of workers to fork in cluster mode. 0 means one per logical CPU.")
	maxConns        = flag.Int("max_conns", 0, "Cap on concurrent connections per worker. 0 means unlimited.")
	proxyProtocol   = flag.Bool("proxy_protocol", false, "Expect PROXY protocol headers from the load balancer.")
)

func main() {
	flag.Parse()
	defer log.Flush()

	switch {
	case command.InWorker():
		os.Exit(runServer(true))
	case strings.EqualFold(os.Getenv("CLUSTER_MODE"), "true"):
		s := supervisor.New(supervisor.Params{
			Workers:      *workers,
			HardDeadline: *hardDeadline,
			RespawnDelay: *respawnDelay,
			Stats:        stats.PrometheusCollector{},
		})
		os.Exit(s.Run())
	default:
		os.Exit(runServer(false))
	}
}

// runServer runs the listening service, as a clustered worker or as the
// whole single-process deployment.
func runServer(clustered bool) int {
	port := os.Getenv("PORT")
	if port == "" {
		port = defaultPort
	}
	return worker.Run(worker.Params{
		PortValue: port,
		Clustered: clustered,
		Shutdown: shutdown.Params{
			Timeout:    *shutdownTimeout,
			FlushDelay: *flushDelay,
		},
		Server: httpserver.Params{
			MaxConns: *maxConns,
			Proxy:    *proxyProtocol,
		},
		Stats: stats.PrometheusCollector{},
	})
}
