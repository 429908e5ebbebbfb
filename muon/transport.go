/*
Licensed to the Apache Software Foundation (ASF) under one
or more contributor license agreements.  See the NOTICE file
distributed with this work for additional information
regarding copyright ownership.  The ASF licenses this file
to you under the Apache License, Version 2.0 (the
"License"); you may not use this file except in compliance
with the License.  You may obtain a copy of the License at

  http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing,
software distributed under the License is distributed on an
"AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
KIND, either express or implied.  See the License for the
specific language governing permissions and limitations
under the License.
*/

package muon

import (
	"net"
	"sync"
	"time"

	"github.com/apache/qpid-muon/proton"
	"github.com/apache/qpid-muon/wire"
)

// Transport is the value delivered to OnTransportError and
// OnTransportClose.
type Transport interface {
	// Connection owning the transport.
	Connection() Connection

	// Error that finished the transport; nil for a clean close.
	Error() error

	String() string
}

const dialTimeout = 30 * time.Second

// transport is one ephemeral connect attempt against a single endpoint.
// A connection has at most one live transport at any instant; a transport
// reports its outcome to the connection's work queue exactly once, and a
// superseded or aborted transport reports nothing.
type transport struct {
	c    *connection
	host string

	mu      sync.Mutex
	aborted bool
	netConn net.Conn
	engine  *proton.Engine
}

func newTransport(c *connection, host string) *transport {
	return &transport{c: c, host: host}
}

// run dials and drives the engine. Runs in its own goroutine; everything it
// learns is posted back to the connection's queue.
func (t *transport) dialAndRun() {
	conn, err := net.DialTimeout("tcp", t.host, dialTimeout)
	if err != nil {
		t.post(proton.Event{Type: proton.EDisconnected, Err: err})
		return
	}
	t.mu.Lock()
	if t.aborted {
		t.mu.Unlock()
		_ = conn.Close()
		return
	}
	t.netConn = conn
	eng := proton.NewEngine(conn, t.c.engineConfig(), func(e proton.Event) { t.post(e) })
	t.engine = eng
	t.mu.Unlock()
	eng.Run()
}

// serve drives the engine over an already-accepted conn (listener side).
func (t *transport) serve(conn net.Conn) {
	t.mu.Lock()
	t.netConn = conn
	eng := proton.NewEngine(conn, t.c.engineConfig(), func(e proton.Event) { t.post(e) })
	t.engine = eng
	t.mu.Unlock()
	eng.Run()
}

func (t *transport) post(e proton.Event) {
	t.c.queue.Add(func() { t.c.transportEvent(t, e) })
}

// send writes a frame on the established transport. Call on the
// connection's queue, after the transport opened.
func (t *transport) send(typ wire.Type, body interface{}) error {
	t.mu.Lock()
	eng := t.engine
	t.mu.Unlock()
	if eng == nil {
		return Closed
	}
	return eng.Send(typ, body)
}

// abort finalizes the attempt from the connection's side: the engine will
// deliver no further events and the socket is torn down.
func (t *transport) abort() {
	t.mu.Lock()
	t.aborted = true
	eng, nc := t.engine, t.netConn
	t.mu.Unlock()
	if eng != nil {
		eng.Abort()
	} else if nc != nil {
		_ = nc.Close()
	}
}

func (t *transport) String() string { return "transport(" + t.host + ")" }
