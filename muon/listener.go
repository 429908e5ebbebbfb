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
	"fmt"
	"net"
	"sync"
)

// Listener accepts inbound connections for a container. Each accepted
// connection gets its own Connection and work queue; the listener's
// ConnectionOptions are applied to all of them.
type Listener interface {
	Container() Container

	// Addr the listener is bound to. Useful with a ":0" listen address.
	Addr() net.Addr

	// Close stops accepting. Existing connections are unaffected. Safe
	// from any goroutine.
	Close()

	String() string
}

type listener struct {
	c    *container
	nl   net.Listener
	opts []ConnectionOption

	closeOnce sync.Once
	closing   chan struct{}
}

// Listen accepts inbound connections on addr, e.g. ":amqp" or
// "127.0.0.1:0".
func (c *container) Listen(addr string, opts ...ConnectionOption) (Listener, error) {
	nl, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	l := &listener{c: c, nl: nl, opts: opts, closing: make(chan struct{})}
	if !c.addListener(l) {
		_ = nl.Close()
		return nil, fmt.Errorf("listen %s: container %s is stopped", addr, c.id)
	}
	c.log.Debug("listening", "addr", nl.Addr())

	c.mu.Lock()
	c.tasks++
	c.mu.Unlock()
	c.queue.Add(func() {
		c.handler.OnListenerOpen(l)
		c.taskDone()
	})

	go l.accept()
	return l, nil
}

func (l *listener) Container() Container { return l.c }
func (l *listener) Addr() net.Addr       { return l.nl.Addr() }
func (l *listener) String() string       { return "listener(" + l.nl.Addr().String() + ")" }

func (l *listener) Close() {
	l.closeOnce.Do(func() {
		close(l.closing)
		_ = l.nl.Close()
	})
}

func (l *listener) accept() {
	for {
		conn, err := l.nl.Accept()
		if err != nil {
			select {
			case <-l.closing:
				l.c.removeListener(l, nil)
			default:
				l.c.log.Error("listener accept failed", "addr", l.nl.Addr(), "error", err)
				l.c.mu.Lock()
				l.c.tasks++
				l.c.mu.Unlock()
				l.c.queue.Add(func() {
					l.c.handler.OnListenerError(l, err)
					l.c.taskDone()
				})
				l.Close()
				l.c.removeListener(l, err)
			}
			return
		}
		l.serve(conn)
	}
}

// serve hands one accepted network connection its Connection, handler and
// transport.
func (l *listener) serve(conn net.Conn) {
	cn := newConnection(l.c, nil, l.opts...)
	cn.server = true
	if !l.c.adopt(cn) {
		_ = conn.Close()
		cn.queue.close()
		return
	}
	t := newTransport(cn, conn.RemoteAddr().String())
	cn.queue.Add(func() { cn.startServer(t) })
	go t.serve(conn)
}
