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

// Package monitoring samples the resource usage of worker processes and
// reports it to the stats collector. Sampling failures are logged, never
// fatal: a worker being briefly unsamplable is not an operational event.
package monitoring

import (
	"sync"
	"time"

	log "github.com/golang/glog"
	"github.com/shirou/gopsutil/process"

	"github.com/ledgerline/ledgerline/ledgerline/src/stats"
)

// SamplePeriod is the time between resource-usage samples for each
// worker. It is a variable to support testing.
var SamplePeriod = 30 * time.Second

// Params configures a Monitor.
type Params struct {
	Index int // the worker's supervisor-assigned index
	Pid   int
	Stats stats.Collector
}

// A Monitor periodically reports one worker's CPU and memory usage.
type Monitor struct {
	p    Params
	done chan struct{}
	stop sync.Once
}

// New creates and starts a Monitor for one worker process.
func New(p Params) *Monitor {
	if p.Stats == nil {
		p.Stats = stats.NoopCollector{}
	}
	m := &Monitor{p: p, done: make(chan struct{})}
	go m.loop()
	return m
}

// Stop ends sampling. Safe to call more than once.
func (m *Monitor) Stop() {
	m.stop.Do(func() { close(m.done) })
}

func (m *Monitor) loop() {
	m.sample()
	t := time.NewTicker(SamplePeriod)
	defer t.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-t.C:
			m.sample()
		}
	}
}

func (m *Monitor) sample() {
	proc, err := process.NewProcess(int32(m.p.Pid))
	if err != nil {
		log.V(1).Infof("Unable to find worker %d [%d] for sampling: %v", m.p.Index, m.p.Pid, err)
		return
	}
	times, err := proc.Times()
	if err != nil {
		log.V(1).Infof("Unable to read CPU times of worker %d [%d]: %v", m.p.Index, m.p.Pid, err)
		return
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		log.V(1).Infof("Unable to read memory info of worker %d [%d]: %v", m.p.Index, m.p.Pid, err)
		return
	}
	m.p.Stats.WorkerResourceUsage(m.p.Index, m.p.Pid, times.User*1e3, times.System*1e3, int64(mem.RSS))
}
