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

package httpserver

import (
	"bufio"
	"fmt"
	"net"

	log "github.com/golang/glog"

	proxyproto "github.com/pires/go-proxyproto"
)

// proxyListener understands the PROXY protocol header a load balancer
// prepends to each connection, so that request logs and metrics see the
// real client address rather than the balancer's.
//
// Connections without a header (health checks, direct local debugging)
// are served under their transport address. A connection whose header
// cannot be parsed is dropped and the accept loop continues;
// http.Server.Serve treats an Accept error as fatal.
type proxyListener struct {
	net.Listener
}

func (l *proxyListener) Accept() (net.Conn, error) {
	for {
		c, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		pc, err := readProxyHeader(c)
		if err != nil {
			log.Warningf("Dropping connection from %v: %v", c.RemoteAddr(), err)
			c.Close()
			continue
		}
		return pc, nil
	}
}

// readProxyHeader consumes the PROXY header, if present, and returns the
// connection with its client address rewritten to the one the header
// names.
func readProxyHeader(c net.Conn) (net.Conn, error) {
	br := bufio.NewReader(c)
	h, err := proxyproto.Read(br)
	switch {
	case err == proxyproto.ErrNoProxyProtocol:
		log.V(1).Infof("Connection from %v carries no proxy header.", c.RemoteAddr())
		return &proxyConn{Conn: c, br: br, client: c.RemoteAddr()}, nil
	case err != nil:
		return nil, fmt.Errorf("malformed proxy header: %v", err)
	}
	return &proxyConn{Conn: c, br: br, client: h.SourceAddr}, nil
}

// proxyConn reads through the buffer the header was parsed from and
// reports the client address the header named.
type proxyConn struct {
	net.Conn
	br     *bufio.Reader
	client net.Addr
}

func (c *proxyConn) Read(b []byte) (int, error) {
	return c.br.Read(b)
}

func (c *proxyConn) RemoteAddr() net.Addr {
	return c.client
}
