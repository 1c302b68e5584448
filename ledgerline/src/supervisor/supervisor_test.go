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

package supervisor

import (
	"errors"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/ledgerline/ledgerline/ledgerline/src/supervisor/command"
)

// fakeWorker stands in for a forked worker process. If exitOnShutdown is
// set it reacts to the shutdown broadcast the way a healthy worker does:
// announce stopping, then exit 0.
type fakeWorker struct {
	index  int
	events chan<- event

	exitOnShutdown bool
	shutdownErr    error

	shutdowns atomic.Int32
	softKills atomic.Int32
	kills     atomic.Int32
}

func (w *fakeWorker) Pid() int { return 10000 + w.index }

func (w *fakeWorker) Shutdown() error {
	w.shutdowns.Add(1)
	if w.shutdownErr != nil {
		return w.shutdownErr
	}
	if w.exitOnShutdown {
		go func() {
			w.events <- event{index: w.index, line: command.StoppingSentinel}
			w.events <- event{index: w.index, exit: true, code: 0}
		}()
	}
	return nil
}

func (w *fakeWorker) SoftKill() error {
	w.softKills.Add(1)
	return nil
}

func (w *fakeWorker) Kill() error {
	w.kills.Add(1)
	return nil
}

func newTestSupervisor(p Params, exitOnShutdown bool) (*Supervisor, chan *fakeWorker) {
	s := New(p)
	spawned := make(chan *fakeWorker, 100)
	s.spawn = func(index int, events chan<- event) (Worker, error) {
		w := &fakeWorker{index: index, events: events, exitOnShutdown: exitOnShutdown}
		spawned <- w
		return w, nil
	}
	return s, spawned
}

func waitForWorker(t *testing.T, spawned chan *fakeWorker) *fakeWorker {
	t.Helper()
	select {
	case w := <-spawned:
		return w
	case <-time.After(5 * time.Second):
		t.Fatal("no worker was forked")
		return nil
	}
}

func expectNoFork(t *testing.T, spawned chan *fakeWorker, d time.Duration) {
	t.Helper()
	select {
	case w := <-spawned:
		t.Fatalf("unexpected fork of worker %d", w.index)
	case <-time.After(d):
	}
}

func waitForExit(t *testing.T, done chan int) int {
	t.Helper()
	select {
	case status := <-done:
		return status
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor did not exit")
		return -1
	}
}

func TestForksConfiguredWorkers(t *testing.T) {
	s, spawned := newTestSupervisor(Params{Workers: 4}, true)
	done := make(chan int, 1)
	go func() { done <- s.Run() }()

	workers := make([]*fakeWorker, 4)
	for i := range workers {
		workers[i] = waitForWorker(t, spawned)
	}
	expectNoFork(t, spawned, 50*time.Millisecond)

	s.signals <- syscall.SIGTERM
	if status := waitForExit(t, done); status != 0 {
		t.Errorf("supervisor exited with status %d, want 0", status)
	}
	for _, w := range workers {
		if got := w.shutdowns.Load(); got != 1 {
			t.Errorf("worker %d received %d shutdown broadcasts, want 1", w.index, got)
		}
	}
}

func TestCrashedWorkerIsReplaced(t *testing.T) {
	s, spawned := newTestSupervisor(Params{Workers: 2}, true)
	done := make(chan int, 1)
	go func() { done <- s.Run() }()

	w0 := waitForWorker(t, spawned)
	waitForWorker(t, spawned)

	// Crash w0; the live count must return to 2 via exactly one fork.
	s.events <- event{index: w0.index, exit: true, code: 1}
	replacement := waitForWorker(t, spawned)
	if replacement.index == w0.index {
		t.Errorf("replacement reused index %d", w0.index)
	}
	expectNoFork(t, spawned, 50*time.Millisecond)

	s.signals <- syscall.SIGTERM
	if status := waitForExit(t, done); status != 0 {
		t.Errorf("supervisor exited with status %d, want 0", status)
	}
	if got := w0.shutdowns.Load(); got != 0 {
		t.Errorf("dead worker received %d shutdown broadcasts, want 0", got)
	}
}

func TestCleanExitIsNotRestarted(t *testing.T) {
	s, spawned := newTestSupervisor(Params{Workers: 1}, true)
	done := make(chan int, 1)
	go func() { done <- s.Run() }()

	w := waitForWorker(t, spawned)
	s.events <- event{index: w.index, exit: true, code: 0}
	expectNoFork(t, spawned, 100*time.Millisecond)

	// With no workers left, shutdown completes immediately.
	s.signals <- syscall.SIGTERM
	if status := waitForExit(t, done); status != 0 {
		t.Errorf("supervisor exited with status %d, want 0", status)
	}
}

func TestAnnouncedStopSuppressesRestart(t *testing.T) {
	s, spawned := newTestSupervisor(Params{Workers: 1}, true)
	done := make(chan int, 1)
	go func() { done <- s.Run() }()

	w := waitForWorker(t, spawned)
	// Even a non-zero exit is an expected disconnect once the worker
	// announced it is stopping.
	s.events <- event{index: w.index, line: command.StoppingSentinel}
	s.events <- event{index: w.index, exit: true, code: 3}
	expectNoFork(t, spawned, 100*time.Millisecond)

	s.signals <- syscall.SIGTERM
	waitForExit(t, done)
}

func TestRepeatedSignalsBroadcastOnce(t *testing.T) {
	s, spawned := newTestSupervisor(Params{Workers: 2}, false)
	done := make(chan int, 1)
	go func() { done <- s.Run() }()

	w0 := waitForWorker(t, spawned)
	w1 := waitForWorker(t, spawned)

	s.signals <- syscall.SIGTERM
	s.signals <- syscall.SIGTERM

	// A crash arriving during shutdown must not fork a replacement.
	s.events <- event{index: w0.index, exit: true, code: 1}
	expectNoFork(t, spawned, 100*time.Millisecond)
	s.events <- event{index: w1.index, exit: true, code: 0}

	if status := waitForExit(t, done); status != 0 {
		t.Errorf("supervisor exited with status %d, want 0", status)
	}
	for _, w := range []*fakeWorker{w0, w1} {
		if got := w.shutdowns.Load(); got != 1 {
			t.Errorf("worker %d received %d shutdown broadcasts, want 1", w.index, got)
		}
	}
}

func TestHardDeadlineKillsStragglers(t *testing.T) {
	const deadline = 200 * time.Millisecond
	s, spawned := newTestSupervisor(Params{Workers: 1, HardDeadline: deadline}, false)
	done := make(chan int, 1)
	go func() { done <- s.Run() }()

	w := waitForWorker(t, spawned)

	start := time.Now()
	s.signals <- syscall.SIGTERM
	status := waitForExit(t, done)
	elapsed := time.Since(start)

	if status != 0 {
		t.Errorf("forced exit returned status %d, want 0", status)
	}
	if elapsed < deadline {
		t.Errorf("supervisor exited after %v, before the %v deadline", elapsed, deadline)
	}
	if got := w.kills.Load(); got != 1 {
		t.Errorf("straggling worker was killed %d times, want 1", got)
	}
}

func TestExitBeforeDeadline(t *testing.T) {
	s, spawned := newTestSupervisor(Params{Workers: 3, HardDeadline: time.Minute}, true)
	done := make(chan int, 1)
	go func() { done <- s.Run() }()

	workers := make([]*fakeWorker, 3)
	for i := range workers {
		workers[i] = waitForWorker(t, spawned)
	}

	start := time.Now()
	s.signals <- syscall.SIGTERM
	status := waitForExit(t, done)
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("supervisor took %v to exit with cooperating workers", elapsed)
	}
	if status != 0 {
		t.Errorf("supervisor exited with status %d, want 0", status)
	}
	for _, w := range workers {
		if got := w.kills.Load(); got != 0 {
			t.Errorf("worker %d was killed %d times during a clean shutdown", w.index, got)
		}
	}
}

func TestBroadcastFailureEscalatesToTermination(t *testing.T) {
	s, spawned := newTestSupervisor(Params{Workers: 1, HardDeadline: 200 * time.Millisecond}, false)
	done := make(chan int, 1)
	go func() { done <- s.Run() }()

	w := waitForWorker(t, spawned)
	w.shutdownErr = errors.New("broken pipe")

	s.signals <- syscall.SIGTERM
	if status := waitForExit(t, done); status != 0 {
		t.Errorf("supervisor exited with status %d, want 0", status)
	}
	if got := w.softKills.Load(); got != 1 {
		t.Errorf("worker was sent SIGTERM %d times, want 1", got)
	}
	// The worker never exited, so the deadline still kills it.
	if got := w.kills.Load(); got != 1 {
		t.Errorf("straggling worker was killed %d times, want 1", got)
	}
}

func TestRespawnDelayDefersReplacement(t *testing.T) {
	s, spawned := newTestSupervisor(Params{Workers: 1, RespawnDelay: 300 * time.Millisecond}, true)
	done := make(chan int, 1)
	go func() { done <- s.Run() }()

	w := waitForWorker(t, spawned)
	s.events <- event{index: w.index, exit: true, code: 1}
	expectNoFork(t, spawned, 150*time.Millisecond)
	replacement := waitForWorker(t, spawned)
	if replacement.index == w.index {
		t.Errorf("replacement reused index %d", w.index)
	}

	s.signals <- syscall.SIGTERM
	waitForExit(t, done)
}

func TestSignalDuringRespawnDelayIsNotStalled(t *testing.T) {
	s, spawned := newTestSupervisor(Params{Workers: 1, RespawnDelay: time.Minute}, true)
	done := make(chan int, 1)
	go func() { done <- s.Run() }()

	w := waitForWorker(t, spawned)
	s.events <- event{index: w.index, exit: true, code: 1}

	// The pending replacement must not hold up the run loop: a shutdown
	// with no live workers completes right away, and the replacement is
	// suppressed once it fires.
	start := time.Now()
	s.signals <- syscall.SIGTERM
	if status := waitForExit(t, done); status != 0 {
		t.Errorf("supervisor exited with status %d, want 0", status)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("shutdown took %v with a respawn delay pending", elapsed)
	}
	expectNoFork(t, spawned, 100*time.Millisecond)
}

func TestOnlineNotificationMarksWorker(t *testing.T) {
	s, spawned := newTestSupervisor(Params{Workers: 1}, true)
	done := make(chan int, 1)
	go func() { done <- s.Run() }()

	w := waitForWorker(t, spawned)
	// The online notification is informational and must not disturb the
	// run loop; neither may an unknown sentinel.
	s.events <- event{index: w.index, line: command.OnlineSentinel}
	s.events <- event{index: w.index, line: "gibberish"}

	s.signals <- syscall.SIGTERM
	if status := waitForExit(t, done); status != 0 {
		t.Errorf("supervisor exited with status %d, want 0", status)
	}
}

func TestWorkerCountIsPositive(t *testing.T) {
	if n := workerCount(); n < 1 {
		t.Errorf("workerCount() = %d, want >= 1", n)
	}
}
