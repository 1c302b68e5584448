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

// Package httpserver implements the listening service supervised by this
// system. It binds a resolved bind target and provides the
// stop-accepting / wait-for-drain contract the shutdown coordinator
// drives. Application route handlers are plugged in through Params; the
// package itself only serves health and metrics endpoints.
package httpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	log "github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/netutil"

	"github.com/ledgerline/ledgerline/ledgerline/src/common/bindtarget"
	"github.com/ledgerline/ledgerline/ledgerline/src/stats"
)

// Params wraps the parameters required to create a Server.
type Params struct {
	Target   bindtarget.Target // Where to listen, required.
	MaxConns int               // Cap on concurrent connections, 0 for unlimited.
	Proxy    bool              // Whether to expect PROXY protocol headers from a load balancer.
	Handler  http.Handler      // Application routes, optional.
	Stats    stats.Collector   // Defaults to stats.NoopCollector.
}

// Server accepts application traffic on a single listener.
type Server struct {
	p  Params
	hs http.Server
	l  net.Listener
}

type tcpKeepAliveListener struct {
	*net.TCPListener
}

func (l tcpKeepAliveListener) Accept() (net.Conn, error) {
	tc, err := l.AcceptTCP()
	if err != nil {
		return nil, err
	}
	tc.SetKeepAlive(true)
	tc.SetKeepAlivePeriod(1 * time.Minute)
	tc.SetNoDelay(false)
	return tc, nil
}

// New creates a Server bound to p.Target. Bind failures are returned
// with the underlying os error intact so that callers can map permission
// and address-in-use conditions to user-facing outcomes.
func New(p Params) (*Server, error) {
	if p.Stats == nil {
		p.Stats = stats.NoopCollector{}
	}

	var l net.Listener
	var err error
	switch p.Target.Kind {
	case bindtarget.Port:
		var tl net.Listener
		tl, err = net.Listen("tcp", fmt.Sprintf(":%d", p.Target.Port))
		if err == nil {
			l = tcpKeepAliveListener{tl.(*net.TCPListener)}
		}
	case bindtarget.Pipe:
		l, err = listenPipe(p.Target.Pipe)
	default:
		return nil, fmt.Errorf("cannot listen on %v", p.Target)
	}
	if err != nil {
		return nil, err
	}

	if p.Proxy {
		l = &proxyListener{l}
	}
	if p.MaxConns > 0 {
		l = netutil.LimitListener(l, p.MaxConns)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "ok")
	})
	mux.Handle("/metricsz", promhttp.Handler())
	if p.Handler != nil {
		mux.Handle("/", p.Handler)
	}

	s := &Server{p: p, l: l}
	s.hs.Handler = instrument(p.Stats, mux)
	return s, nil
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() net.Addr {
	return s.l.Addr()
}

// Serve accepts connections until Stop is called. It returns
// http.ErrServerClosed after a Stop; any other return is a real serving
// failure.
func (s *Server) Serve() error {
	return s.hs.Serve(s.l)
}

// Stop makes the server stop accepting new connections and blocks until
// in-flight requests have completed. It enforces no deadline of its own;
// the shutdown coordinator owns the deadline.
func (s *Server) Stop() {
	if err := s.hs.Shutdown(context.Background()); err != nil {
		log.Errorf("Error draining http server: %v", err)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument reports one stats entry per served request.
func instrument(c stats.Collector, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h.ServeHTTP(rec, req)
		c.RequestServed(rec.status, time.Since(start))
	})
}
