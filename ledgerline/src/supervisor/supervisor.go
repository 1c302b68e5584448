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

// Package supervisor implements the master side of clustered operation:
// it forks one worker process per logical CPU, restarts workers which
// crash, and on a termination signal broadcasts a shutdown instruction
// to every live worker and waits a bounded time for them to exit.
//
// All supervisor state is mutated from a single run loop consuming one
// event channel, so no locking is involved: worker exits, worker
// notifications and OS signals are all just events.
package supervisor

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	log "github.com/golang/glog"
	"github.com/shirou/gopsutil/cpu"
	"golang.org/x/time/rate"

	"github.com/ledgerline/ledgerline/ledgerline/src/stats"
	"github.com/ledgerline/ledgerline/ledgerline/src/supervisor/command"
	"github.com/ledgerline/ledgerline/ledgerline/src/supervisor/monitoring"
)

// DefaultHardDeadline bounds how long the supervisor waits for workers
// to exit once shutdown has been broadcast.
const DefaultHardDeadline = 5 * time.Second

// Params configures a Supervisor.
type Params struct {
	// Workers is the number of workers to fork. 0 means one per logical
	// CPU.
	Workers int
	// HardDeadline bounds the wait for workers to exit during shutdown.
	// Defaults to DefaultHardDeadline.
	HardDeadline time.Duration
	// RespawnDelay, if set, is the minimum time between the crash of a
	// worker and its replacement. The default of 0 preserves immediate
	// unconditional respawn.
	RespawnDelay time.Duration
	// Stats defaults to stats.NoopCollector.
	Stats stats.Collector
}

// A Worker is the supervisor's view of one forked worker process.
type Worker interface {
	Pid() int
	// Shutdown asks the worker to begin its graceful shutdown.
	Shutdown() error
	// SoftKill asks the OS to terminate the worker.
	SoftKill() error
	// Kill forcibly terminates the worker.
	Kill() error
}

// event is one occurrence in a worker's life, delivered to the run loop.
// Notification events carry a sentinel line; exit events carry the exit
// code.
type event struct {
	index int
	exit  bool
	code  int
	line  string
	// respawn marks the delayed replacement a crash schedules when
	// RespawnDelay is set.
	respawn bool
}

// handle tracks one live worker. Owned exclusively by the run loop.
type handle struct {
	index  int
	worker Worker
	online bool
	// stopping is set once the worker announced an intentional exit.
	stopping bool

	stopMonitor func()
}

// Supervisor owns the worker population of a clustered deployment.
type Supervisor struct {
	p Params

	events  chan event
	signals chan os.Signal

	// Run-loop state. The live-worker count is len(workers) by
	// construction; there is no separate counter to keep consistent.
	workers      map[int]*handle
	nextIndex    int
	shuttingDown bool

	crashLog *rate.Limiter

	// spawn starts one worker and arranges for its events to arrive on
	// the given channel. It is a field to support testing.
	spawn func(index int, events chan<- event) (Worker, error)
}

// New creates a Supervisor, filling in defaults for unset Params.
func New(p Params) *Supervisor {
	if p.Workers <= 0 {
		p.Workers = workerCount()
	}
	if p.HardDeadline == 0 {
		p.HardDeadline = DefaultHardDeadline
	}
	if p.Stats == nil {
		p.Stats = stats.NoopCollector{}
	}
	s := &Supervisor{
		p:        p,
		events:   make(chan event, 16),
		signals:  make(chan os.Signal, 2),
		workers:  make(map[int]*handle),
		crashLog: rate.NewLimiter(rate.Every(time.Second), 5),
	}
	s.spawn = s.spawnProcess
	return s
}

// workerCount returns the number of logical CPUs.
func workerCount() int {
	n, err := cpu.Counts(true)
	if err != nil || n < 1 {
		return runtime.NumCPU()
	}
	return n
}

// Run forks the initial worker population and supervises it until a
// termination signal arrives and the shutdown sequence completes. The
// return value is the master's exit status, 0 for both a clean and a
// forced shutdown.
func (s *Supervisor) Run() int {
	signal.Notify(s.signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(s.signals)

	for i := 0; i < s.p.Workers; i++ {
		s.fork()
	}
	log.Infof("Supervisor running with %d of %d workers forked.", len(s.workers), s.p.Workers)

	var deadlineTimer *time.Timer
	var deadline <-chan time.Time // nil until shutdown begins
	defer func() {
		if deadlineTimer != nil {
			deadlineTimer.Stop()
		}
	}()

	for {
		select {
		case sig := <-s.signals:
			if s.shuttingDown {
				// Repeated signals are a no-op, not an error.
				continue
			}
			log.Infof("Received signal %v, beginning shutdown.", sig)
			s.beginShutdown()
			deadlineTimer = time.NewTimer(s.p.HardDeadline)
			deadline = deadlineTimer.C
			if len(s.workers) == 0 {
				return 0
			}

		case ev := <-s.events:
			s.handleEvent(ev)
			if s.shuttingDown && len(s.workers) == 0 {
				log.Infof("All workers exited within the deadline, supervisor exiting.")
				return 0
			}

		case <-deadline:
			s.p.Stats.ShutdownForced(len(s.workers))
			log.Warningf("Shutdown deadline (%v) reached with %d workers still live, forcing exit.",
				s.p.HardDeadline, len(s.workers))
			for _, h := range s.workers {
				if err := h.worker.Kill(); err != nil {
					log.Errorf("Failed to kill worker %d [%d]: %v", h.index, h.worker.Pid(), err)
				}
			}
			return 0
		}
	}
}

// beginShutdown broadcasts the shutdown instruction to the live-worker
// set as observed now. The shuttingDown flag transitions true exactly
// once and never reverts; it also stops the restart policy, so no new
// workers are forked past this point.
func (s *Supervisor) beginShutdown() {
	s.shuttingDown = true
	log.Infof("Broadcasting shutdown to %d workers.", len(s.workers))
	for _, h := range s.workers {
		if h.stopMonitor != nil {
			h.stopMonitor()
			h.stopMonitor = nil
		}
		if err := h.worker.Shutdown(); err != nil {
			log.Errorf("Failed to send shutdown to worker %d [%d], sending SIGTERM instead: %v", h.index, h.worker.Pid(), err)
			if err := h.worker.SoftKill(); err != nil {
				log.Errorf("Failed to terminate worker %d [%d]: %v", h.index, h.worker.Pid(), err)
			}
		}
	}
}

// handleEvent processes one worker event. Exit events remove the worker
// from the live set and, outside of shutdown, apply the restart policy:
// a non-zero exit without an announced disconnect is respawned
// immediately and unconditionally.
func (s *Supervisor) handleEvent(ev event) {
	if ev.respawn {
		if s.shuttingDown {
			return
		}
		s.fork()
		s.p.Stats.WorkerRestarted(ev.index)
		return
	}

	h := s.workers[ev.index]
	if h == nil {
		// A late event for a worker already removed.
		return
	}

	if !ev.exit {
		switch ev.line {
		case command.OnlineSentinel:
			h.online = true
			log.V(1).Infof("Worker %d [%d] is online.", h.index, h.worker.Pid())
		case command.StoppingSentinel:
			h.stopping = true
		default:
			log.Warningf("Worker %d [%d] sent unknown notification %q.", h.index, h.worker.Pid(), ev.line)
		}
		return
	}

	if h.stopMonitor != nil {
		h.stopMonitor()
	}
	delete(s.workers, ev.index)
	expected := h.stopping || s.shuttingDown
	s.p.Stats.WorkerExited(ev.index, ev.code, expected)

	if s.shuttingDown {
		return
	}
	if ev.code == 0 || h.stopping {
		log.Infof("Worker %d [%d] exited with status %d, not restarting.", h.index, h.worker.Pid(), ev.code)
		return
	}
	if s.crashLog.Allow() {
		log.Warningf("Worker %d [%d] exited unexpectedly with status %d, restarting.", h.index, h.worker.Pid(), ev.code)
	}
	if s.p.RespawnDelay > 0 {
		// Schedule the replacement as an event so the run loop keeps
		// consuming signals and exits during the delay.
		time.AfterFunc(s.p.RespawnDelay, func() {
			s.events <- event{index: ev.index, respawn: true}
		})
		return
	}
	s.fork()
	s.p.Stats.WorkerRestarted(ev.index)
}

// fork starts one worker and adds it to the live set.
func (s *Supervisor) fork() {
	index := s.nextIndex
	s.nextIndex++
	w, err := s.spawn(index, s.events)
	if err != nil {
		log.Errorf("Failed to start worker %d: %v", index, err)
		return
	}
	h := &handle{index: index, worker: w}
	h.stopMonitor = monitoring.New(monitoring.Params{
		Index: index,
		Pid:   w.Pid(),
		Stats: s.p.Stats,
	}).Stop
	s.workers[index] = h
	s.p.Stats.WorkerStarted(index, w.Pid())
	log.Infof("Forked worker %d [%d].", index, w.Pid())
}

// procWorker is the production Worker implementation, wrapping a forked
// copy of the current binary.
type procWorker struct {
	cmd *command.Command
	ctl *os.File // supervisor-side write end of the instruction pipe
}

func (w *procWorker) Pid() int {
	return w.cmd.Process.Pid
}

func (w *procWorker) Shutdown() error {
	_, err := fmt.Fprintln(w.ctl, command.ShutdownSentinel)
	return err
}

func (w *procWorker) SoftKill() error {
	return w.cmd.SoftKill()
}

func (w *procWorker) Kill() error {
	return w.cmd.Kill()
}

// spawnProcess re-executes the current binary as a worker, wired up with
// control pipes. A single goroutine per worker reads notifications until
// the pipe reaches EOF (which the worker's exit guarantees) and then
// waits on the process, so a worker's notification events are always
// delivered before its exit event.
func (s *Supervisor) spawnProcess(index int, events chan<- event) (Worker, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("cannot determine the binary to fork: %v", err)
	}
	cmd := &command.Command{Cmd: *exec.Command(exe, os.Args[1:]...)}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	ctlW, ctlR, err := cmd.SetupControlPipes()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		ctlW.Close()
		ctlR.Close()
		return nil, err
	}

	go func() {
		sc := bufio.NewScanner(ctlR)
		for sc.Scan() {
			events <- event{index: index, line: strings.TrimSpace(sc.Text())}
		}
		ctlR.Close()

		err := cmd.Wait()
		code := 0
		if err != nil {
			code = 1
			if ee, ok := err.(*exec.ExitError); ok {
				code = ee.ExitCode()
			}
		}
		events <- event{index: index, exit: true, code: code}
	}()

	return &procWorker{cmd: cmd, ctl: ctlW}, nil
}
