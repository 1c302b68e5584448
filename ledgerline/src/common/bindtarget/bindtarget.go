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

// Package bindtarget normalizes a configured port value into a listen
// target. A value that parses as a non-negative base-10 integer is a
// numeric port, any other parseable integer is invalid, and everything
// else names a pipe.
package bindtarget

import (
	"fmt"
	"strconv"
)

// Kind classifies a resolved Target.
type Kind int

const (
	// Invalid marks a value which looked numeric but cannot be listened on.
	Invalid Kind = iota
	// Port is a numeric TCP port.
	Port
	// Pipe names a local pipe (a unix domain socket, or a named pipe on
	// windows).
	Pipe
)

// A Target is the result of resolving a configured port value. It is
// immutable once computed.
type Target struct {
	Kind Kind
	Port int    // set when Kind == Port
	Pipe string // set when Kind == Pipe
}

// Resolve converts a configured port value into a Target. It is total:
// malformed input degrades to an Invalid target rather than an error.
func Resolve(v string) Target {
	n, err := strconv.Atoi(v)
	if err != nil {
		return Target{Kind: Pipe, Pipe: v}
	}
	if n < 0 {
		return Target{Kind: Invalid}
	}
	return Target{Kind: Port, Port: n}
}

func (t Target) String() string {
	switch t.Kind {
	case Port:
		return fmt.Sprintf("port %d", t.Port)
	case Pipe:
		return fmt.Sprintf("pipe %q", t.Pipe)
	default:
		return "<invalid>"
	}
}
