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

package command

import (
	"fmt"
	"os/exec"
	"strings"
	"testing"
)

func TestSetupControlPipesAdvertisesFDs(t *testing.T) {
	cmd := &Command{Cmd: *exec.Command("unused")}
	w, r, err := cmd.SetupControlPipes()
	if err != nil {
		t.Fatalf("SetupControlPipes returned error: %v", err)
	}
	defer w.Close()
	defer r.Close()

	var in, out bool
	for _, kv := range cmd.Env {
		if strings.HasPrefix(kv, InFDVar+"=") {
			in = true
		}
		if strings.HasPrefix(kv, OutFDVar+"=") {
			out = true
		}
	}
	if !in || !out {
		t.Errorf("environment is missing control pipe descriptors, got in=%t out=%t", in, out)
	}
}

func TestWorkerPipesRequireEnv(t *testing.T) {
	t.Setenv(InFDVar, "")
	t.Setenv(OutFDVar, "")
	if _, _, err := WorkerPipes(); err == nil {
		t.Error("WorkerPipes succeeded without inherited descriptors")
	}
	if InWorker() {
		t.Error("InWorker() = true without inherited descriptors")
	}
}

func TestWorkerPipesRejectGarbage(t *testing.T) {
	t.Setenv(InFDVar, "not-a-number")
	t.Setenv(OutFDVar, "4")
	if _, _, err := WorkerPipes(); err == nil {
		t.Error("WorkerPipes accepted a non-numeric descriptor")
	}
}

func TestAddEnvVarPreservesEnvironment(t *testing.T) {
	cmd := &Command{Cmd: *exec.Command("unused")}
	cmd.AddEnvVar("LEDGERLINE_TEST_VAR=1")
	if len(cmd.Env) < 2 {
		t.Errorf("AddEnvVar produced %d vars, expected the parent environment plus one", len(cmd.Env))
	}
	want := fmt.Sprintf("%s=%s", "LEDGERLINE_TEST_VAR", "1")
	if cmd.Env[len(cmd.Env)-1] != want {
		t.Errorf("last env var is %q, want %q", cmd.Env[len(cmd.Env)-1], want)
	}
}
