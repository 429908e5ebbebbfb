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

// End-to-end messaging over a live listener: links, credit, dispositions.
package muon

import (
	"sync"
	"testing"
	"time"

	"github.com/apache/qpid-muon/amqp"
)

// collector is a listening-side handler that captures message bodies.
type collector struct {
	NopHandler
	credit uint32
	bodies chan string
	reject bool
}

func (h *collector) OnReceiverOpen(r Receiver) { r.AddCredit(h.credit) }

func (h *collector) OnMessage(d Delivery) {
	m, err := d.Message()
	if err == nil {
		h.bodies <- m.Body
	}
	if h.reject {
		d.Reject()
	} else {
		d.Accept()
	}
}

func TestSendReceive(t *testing.T) {
	coll := &collector{credit: 10, bodies: make(chan string, 10)}
	srv := NewContainer("recv", nil)
	l, u := testListener(t, srv, coll)
	defer l.Close()
	srvDone := runContainer(srv)

	const n = 3
	r := newRecorder()
	var sent int
	r.onStart = func(c Connection) { c.OpenSender("q") }
	r.onSendable = func(s Sender) {
		for sent < n && s.Credit() > 0 {
			_, err := s.Send(amqp.NewMessage("m"))
			errorIf(t, err)
			sent++
		}
	}
	r.onSettle = func(tr Tracker) {
		if r.count("settle") == n {
			tr.Connection().Close(nil)
		}
	}
	cli := NewContainer("send", r)
	_, err := cli.Connect(u)
	fatalIf(t, err)
	cliDone := runContainer(cli)

	for i := 0; i < n; i++ {
		select {
		case body := <-coll.bodies:
			errorIf(t, checkEqual("m", body))
		case <-time.After(testTimeout):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}
	wait(t, r.closed, "transport close")
	errorIf(t, checkEqual(n, r.count("accept")))
	errorIf(t, checkEqual(n, r.count("settle")))
	errorIf(t, checkEqual(0, r.count("transportError")))

	fatalIf(t, <-cliDone)
	srv.Stop(nil)
	fatalIf(t, <-srvDone)
}

// A rejected delivery settles without an accept callback.
func TestRejectedDelivery(t *testing.T) {
	coll := &collector{credit: 1, bodies: make(chan string, 1), reject: true}
	srv := NewContainer("rej", nil)
	l, u := testListener(t, srv, coll)
	defer l.Close()
	srvDone := runContainer(srv)

	r := newRecorder()
	sent := false
	r.onStart = func(c Connection) { c.OpenSender("q") }
	r.onSendable = func(s Sender) {
		if !sent {
			sent = true
			_, err := s.Send(amqp.NewMessage("bad"))
			errorIf(t, err)
		}
	}
	r.onSettle = func(tr Tracker) {
		errorIf(t, checkEqual(Rejected, tr.Disposition()))
		tr.Connection().Close(nil)
	}
	cli := NewContainer("rejc", r)
	_, err := cli.Connect(u)
	fatalIf(t, err)
	cliDone := runContainer(cli)

	wait(t, r.closed, "transport close")
	errorIf(t, checkEqual(0, r.count("accept")))
	errorIf(t, checkEqual(1, r.count("settle")))

	fatalIf(t, <-cliDone)
	srv.Stop(nil)
	fatalIf(t, <-srvDone)
}

// Sending without credit fails rather than buffering.
func TestSendWithoutCredit(t *testing.T) {
	srv := NewContainer("nocredit", nil)
	l, u := testListener(t, srv, &collector{credit: 0, bodies: make(chan string, 1)})
	defer l.Close()
	srvDone := runContainer(srv)

	r := newRecorder()
	opened := make(chan struct{})
	var sendErr error
	var mu sync.Mutex
	r.onStart = func(c Connection) { c.OpenSender("q") }
	r.onSenderOpen = func(s Sender) {
		mu.Lock()
		_, sendErr = s.Send(amqp.NewMessage("m"))
		mu.Unlock()
		close(opened)
		s.Connection().Close(nil)
	}
	cli := NewContainer("noc", r)
	_, err := cli.Connect(u)
	fatalIf(t, err)
	cliDone := runContainer(cli)

	wait(t, opened, "sender open")
	mu.Lock()
	if sendErr == nil {
		t.Error("send with no credit should fail")
	}
	mu.Unlock()

	wait(t, r.closed, "transport close")
	fatalIf(t, <-cliDone)
	srv.Stop(nil)
	fatalIf(t, <-srvDone)
}

func TestConnectionSchedule(t *testing.T) {
	srv := NewContainer("sched", nil)
	l, u := testListener(t, srv, acceptor{})
	defer l.Close()
	srvDone := runContainer(srv)

	r := newRecorder()
	ran := make(chan struct{})
	r.onOpen = func(c Connection) {
		c.Schedule(time.Millisecond, func() {
			close(ran)
			c.Close(nil)
		})
	}
	cli := NewContainer("schedc", r)
	conn, err := cli.Connect(u)
	fatalIf(t, err)
	cliDone := runContainer(cli)

	wait(t, ran, "scheduled task")
	wait(t, r.closed, "transport close")
	// Tasks scheduled on a closed connection are refused.
	errorIf(t, checkEqual(false, conn.Schedule(time.Millisecond, func() {})))

	fatalIf(t, <-cliDone)
	srv.Stop(nil)
	fatalIf(t, <-srvDone)
}
