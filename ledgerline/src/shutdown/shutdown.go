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

// Package shutdown drives the orderly stop of a listening service within
// one process. The same coordinator is used by clustered workers and by a
// single-process deployment; only the terminal action (the exit status)
// differs at the call site.
package shutdown

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	log "github.com/golang/glog"
	"golang.org/x/sync/errgroup"
)

// Default timing values, overridable through Params and FatalParams.
const (
	DefaultTimeout    = 3 * time.Second
	DefaultFlushDelay = 100 * time.Millisecond
)

// Outcome is the result of a coordinator run. Exactly one of Drained and
// TimedOut is produced per coordinator lifetime.
type Outcome int

const (
	// AlreadyStarted means a previous Shutdown call owns the sequence and
	// this invocation was a no-op.
	AlreadyStarted Outcome = iota
	// Drained means the service finished its in-flight work in time.
	Drained
	// TimedOut means the service did not drain before the deadline and
	// was abandoned.
	TimedOut
)

func (o Outcome) String() string {
	switch o {
	case Drained:
		return "drained"
	case TimedOut:
		return "timed_out"
	default:
		return "already_started"
	}
}

// A Service is anything the coordinator can stop: it must cease accepting
// new connections and report completion of all in-flight work.
type Service interface {
	// Stop makes the service stop accepting new connections and blocks
	// until in-flight work has completed. The coordinator owns the
	// deadline; Stop itself should not enforce one.
	Stop()
}

// Params configures a Coordinator.
type Params struct {
	// Timeout bounds the drain. Defaults to DefaultTimeout.
	Timeout time.Duration
	// FlushDelay is how long fatal exits wait for log writes to flush.
	// Defaults to DefaultFlushDelay.
	FlushDelay time.Duration
}

// A Coordinator performs the stop-accepting / wait-for-drain / timeout
// sequence against a Service. It is idempotent: only the first Shutdown
// call runs the sequence.
type Coordinator struct {
	p       Params
	started atomic.Bool
	cleanup []func(context.Context) error
}

// New creates a Coordinator, filling in defaults for unset Params.
func New(p Params) *Coordinator {
	if p.Timeout == 0 {
		p.Timeout = DefaultTimeout
	}
	if p.FlushDelay == 0 {
		p.FlushDelay = DefaultFlushDelay
	}
	return &Coordinator{p: p}
}

// AddCleanup registers a cleanup step to run after a successful drain,
// before the process exits. Steps run concurrently and have no deadline
// of their own; callers needing one should bound ctx inside the step.
// Must not be called once Shutdown has begun.
func (c *Coordinator) AddCleanup(step func(context.Context) error) {
	c.cleanup = append(c.cleanup, step)
}

// Shutdown stops svc and waits for it to drain, up to the configured
// timeout. A second call, e.g. when both SIGTERM and SIGINT arrive,
// returns AlreadyStarted without touching svc.
func (c *Coordinator) Shutdown(svc Service) Outcome {
	if !c.started.CompareAndSwap(false, true) {
		return AlreadyStarted
	}

	drained := make(chan struct{})
	go func() {
		defer HandleCrashes(c.p.FlushDelay)
		svc.Stop()
		close(drained)
	}()

	t := time.NewTimer(c.p.Timeout)
	defer t.Stop()
	select {
	case <-drained:
		c.runCleanup()
		return Drained
	case <-t.C:
		log.Warningf("Service did not drain within %v, abandoning remaining work.", c.p.Timeout)
		return TimedOut
	}
}

// runCleanup runs the registered cleanup steps. Failures are logged, not
// propagated; the process is exiting either way.
func (c *Coordinator) runCleanup() {
	if len(c.cleanup) == 0 {
		return
	}
	var eg errgroup.Group
	for _, step := range c.cleanup {
		step := step
		eg.Go(func() error {
			return step(context.Background())
		})
	}
	if err := eg.Wait(); err != nil {
		log.Errorf("Cleanup step failed: %v", err)
	}
}

// FatalParams configures the forced-exit path.
type FatalParams struct {
	// FlushDelay is how long to wait before exiting so pending log
	// writes can flush. Defaults to DefaultFlushDelay.
	FlushDelay time.Duration
	// Status is the exit status. Callers use 1 for true fatal
	// conditions.
	Status int
}

// exitFunc is a variable to support testing.
var exitFunc = os.Exit

// Fatal logs err and forces the process to exit after a short delay. It
// never returns control to normal operation.
func Fatal(err error, p FatalParams) {
	if p.FlushDelay == 0 {
		p.FlushDelay = DefaultFlushDelay
	}
	log.Errorf("Fatal error, process will exit with status %d: %v", p.Status, err)
	log.Flush()
	time.Sleep(p.FlushDelay)
	exitFunc(p.Status)
}

// HandleCrashes converts a panic on the calling goroutine into the
// forced-exit path with status 1. Meant to be deferred at the top of
// long-lived goroutines.
func HandleCrashes(flushDelay time.Duration) {
	if r := recover(); r != nil {
		Fatal(fmt.Errorf("uncaught panic: %v", r), FatalParams{FlushDelay: flushDelay, Status: 1})
	}
}
