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

// Package worker runs the listening service inside one process, either
// as a clustered worker forked by the supervisor or as the whole of a
// single-process deployment. The only difference between the two is
// where the shutdown trigger comes from: the supervisor's control pipe,
// or an OS signal.
package worker

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	log "github.com/golang/glog"

	"github.com/ledgerline/ledgerline/ledgerline/src/common/bindtarget"
	"github.com/ledgerline/ledgerline/ledgerline/src/server/httpserver"
	"github.com/ledgerline/ledgerline/ledgerline/src/shutdown"
	"github.com/ledgerline/ledgerline/ledgerline/src/stats"
	"github.com/ledgerline/ledgerline/ledgerline/src/supervisor/command"
)

// Params configures one worker process.
type Params struct {
	// PortValue is the raw configured port value (normally the PORT
	// environment variable), resolved through bindtarget.
	PortValue string
	// Clustered selects the shutdown trigger: a supervisor's control
	// pipe when set, OS signals otherwise.
	Clustered bool
	// Shutdown configures the coordinator driving the drain.
	Shutdown shutdown.Params
	// Server configures the listening service. Target is filled in by
	// Run.
	Server httpserver.Params
	// Stats defaults to stats.NoopCollector.
	Stats stats.Collector
}

// fatalFunc is a variable to support testing; Run's contract is that a
// bind-time unexpected error never returns to normal operation.
var fatalFunc = shutdown.Fatal

// Run executes the worker lifecycle: bind, serve, wait for the shutdown
// trigger, drain. The return value is the process exit status.
func Run(p Params) int {
	if p.Stats == nil {
		p.Stats = stats.NoopCollector{}
	}
	target := bindtarget.Resolve(p.PortValue)
	if target.Kind == bindtarget.Invalid {
		log.Errorf("Configured port %q is not usable.", p.PortValue)
		return 1
	}
	p.Server.Target = target
	p.Server.Stats = p.Stats

	srv, err := httpserver.New(p.Server)
	if err != nil {
		switch {
		case errors.Is(err, syscall.EACCES):
			log.Errorf("Binding to %v requires elevated privileges.", target)
			return 1
		case errors.Is(err, syscall.EADDRINUSE):
			log.Errorf("%v is already in use.", target)
			return 1
		}
		// Anything else is not special-cased; it goes to the
		// process-wide fatal path.
		fatalFunc(fmt.Errorf("unable to bind %v: %v", target, err), shutdown.FatalParams{
			FlushDelay: p.Shutdown.FlushDelay,
			Status:     1,
		})
		return 1
	}

	trigger := make(chan struct{}, 1)
	var notify *os.File
	if p.Clustered {
		in, out, err := command.WorkerPipes()
		if err != nil {
			fatalFunc(fmt.Errorf("control pipes unavailable: %v", err), shutdown.FatalParams{
				FlushDelay: p.Shutdown.FlushDelay,
				Status:     1,
			})
			return 1
		}
		notify = out
		go watchControlPipe(in, trigger)
	} else {
		go watchSignals(trigger)
	}

	serveErr := make(chan error, 1)
	go func() {
		defer shutdown.HandleCrashes(p.Shutdown.FlushDelay)
		serveErr <- srv.Serve()
	}()

	log.Infof("Listening on %v.", srv.Addr())
	if notify != nil {
		fmt.Fprintln(notify, command.OnlineSentinel)
	}

	select {
	case err := <-serveErr:
		fatalFunc(fmt.Errorf("server stopped unexpectedly: %v", err), shutdown.FatalParams{
			FlushDelay: p.Shutdown.FlushDelay,
			Status:     1,
		})
		return 1
	case <-trigger:
	}

	if notify != nil {
		fmt.Fprintln(notify, command.StoppingSentinel)
	}
	outcome := shutdown.New(p.Shutdown).Shutdown(srv)
	p.Stats.ShutdownOutcome(outcome.String())
	if outcome == shutdown.Drained {
		log.Infof("Drained cleanly, exiting.")
		return 0
	}
	log.Warningf("Drain did not finish in time, exiting.")
	return 1
}

// watchControlPipe fires the trigger when the supervisor broadcasts the
// shutdown sentinel. A pipe EOF means the supervisor is gone; a worker
// should not outlive its master, so that triggers shutdown too.
func watchControlPipe(in *os.File, trigger chan<- struct{}) {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) == command.ShutdownSentinel {
			fire(trigger)
		}
	}
	log.Warningf("Control pipe closed, shutting down.")
	fire(trigger)
}

// watchSignals fires the trigger on termination and interrupt signals,
// which are handled identically.
func watchSignals(trigger chan<- struct{}) {
	sig := make(chan os.Signal, 2)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	for s := range sig {
		log.Infof("Received signal %v, shutting down.", s)
		fire(trigger)
	}
}

func fire(trigger chan<- struct{}) {
	select {
	case trigger <- struct{}{}:
	default:
		// Already triggered; repeats are a no-op.
	}
}
