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

//go:build !windows

package httpserver

import (
	"net"
	"os"
)

// listenPipe serves a pipe bind target as a unix domain socket. A stale
// socket file from a previous run is removed first; a live listener on
// the same path still fails with address-in-use.
func listenPipe(name string) (net.Listener, error) {
	if _, err := os.Stat(name); err == nil {
		if c, err := net.Dial("unix", name); err == nil {
			c.Close()
		} else {
			os.Remove(name)
		}
	}
	return net.Listen("unix", name)
}
