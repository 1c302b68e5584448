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

// Package command provides a relatively thin wrapper around exec.Cmd,
// adding the control pipes through which the supervisor and a worker
// process coordinate shutdown. The pipes are passed to the worker as
// inherited file descriptors whose numbers are advertised through
// environment variables.
package command

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
)

// Sentinel lines exchanged over the control pipes. There are no payloads
// and no acknowledgements.
const (
	// ShutdownSentinel is broadcast by the supervisor and tells a worker
	// to begin its graceful shutdown.
	ShutdownSentinel = "shutdown"
	// OnlineSentinel is sent by a worker once its listener is bound.
	OnlineSentinel = "online"
	// StoppingSentinel is sent by a worker which is about to exit
	// intentionally, exempting that exit from the restart policy.
	StoppingSentinel = "stopping"
)

// Environment variables through which a worker finds its control pipes.
const (
	// InFDVar names the descriptor carrying supervisor instructions.
	InFDVar = "LEDGERLINE_CTL_INFD"
	// OutFDVar names the descriptor carrying worker notifications.
	OutFDVar = "LEDGERLINE_CTL_OUTFD"
)

// Command is a wrapper around exec.Cmd which adds needed operations that
// are os specific. Notably, it knows how to attach the control pipes.
type Command struct {
	exec.Cmd

	filesToClose []*os.File // Files to close after starting cmd.
}

// Start refines exec.Cmd.Start.
func (cmd *Command) Start() error {
	// Delegate to the wrapped struct.
	if err := cmd.Cmd.Start(); err != nil {
		return err
	}

	// Close our copy of the passed pipe file descriptors.
	for _, f := range cmd.filesToClose {
		f.Close()
	}

	return nil
}

// SoftKill asks cmd to terminate.
func (cmd *Command) SoftKill() error {
	return cmd.softKill()
}

// Kill forcibly terminates cmd.
func (cmd *Command) Kill() error {
	return cmd.kill()
}

// AddEnvVar passes the given environment variable to the process.
//
// The environment variables are passed when the process is spawned, so
// this method should only be called before .Start is called.
//
// The argument kv is a key value pair in the form "key=value".
func (cmd *Command) AddEnvVar(kv string) {
	if cmd.Env == nil {
		// Append to current environment instead of overriding it. That's also how
		// os/exec handles .Env == nil - see golang.org/src/os/exec/exec.go
		cmd.Env = os.Environ()
	}

	cmd.Env = append(cmd.Env, kv)
}

// SetupControlPipes prepares cmd to coordinate shutdown with the
// supervisor over a pair of interprocess pipes.
//
// It returns the supervisor-side ends: w, on which the shutdown sentinel
// is broadcast, and r, from which worker notifications are read.
func (cmd *Command) SetupControlPipes() (w, r *os.File, err error) {
	w, inFD, err := cmd.addInPipeFD()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create the instruction pipe: %v", err)
	}

	r, outFD, err := cmd.addOutPipeFD()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create the notification pipe: %v", err)
	}

	// Note the FD numbers in cmd's environment.
	cmd.AddEnvVar(fmt.Sprintf("%s=%d", InFDVar, inFD))
	cmd.AddEnvVar(fmt.Sprintf("%s=%d", OutFDVar, outFD))

	return w, r, nil
}

// addInPipeFD creates a pipe passed to the process as a file descriptor.
// The process receives the read end of the pipe.
//
// The file descriptor is passed when the process is spawned, so this
// method should only be called before .Start is called.
//
// Returns the write end of the pipe and the file descriptor number that
// the process will receive.
func (cmd *Command) addInPipeFD() (*os.File, int, error) {
	return cmd.addInPipeFDImpl()
}

// addOutPipeFD creates a pipe passed to the process as a file descriptor.
// The process receives the write end of the pipe.
//
// The file descriptor is passed when the process is spawned, so this
// method should only be called before .Start is called.
//
// Returns the read end of the pipe and the file descriptor number that
// the process will receive.
func (cmd *Command) addOutPipeFD() (*os.File, int, error) {
	return cmd.addOutPipeFDImpl()
}

// InWorker reports whether this process was forked by a supervisor, as
// indicated by inherited control-pipe descriptors in the environment.
func InWorker() bool {
	return os.Getenv(InFDVar) != "" && os.Getenv(OutFDVar) != ""
}

// WorkerPipes opens the control-pipe ends inherited from the supervisor:
// in carries supervisor instructions, out carries worker notifications.
func WorkerPipes() (in, out *os.File, err error) {
	inFD, err := fdFromEnv(InFDVar)
	if err != nil {
		return nil, nil, err
	}
	outFD, err := fdFromEnv(OutFDVar)
	if err != nil {
		return nil, nil, err
	}
	return os.NewFile(uintptr(inFD), "ctl-in"), os.NewFile(uintptr(outFD), "ctl-out"), nil
}

func fdFromEnv(name string) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return 0, fmt.Errorf("%s is not set", name)
	}
	fd, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s holds %q, which is not a descriptor number: %v", name, v, err)
	}
	return fd, nil
}
