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
	"path"
	"reflect"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/apache/qpid-muon/amqp"
)

func decorate(err error, callDepth int) string {
	_, file, line, _ := runtime.Caller(callDepth + 1) // annotate with location of caller.
	_, file = path.Split(file)
	return fmt.Sprintf("\n%s:%d: %v", file, line, err)
}

func fatalIf(t testing.TB, err error) {
	if err != nil {
		t.Fatal(decorate(err, 1))
	}
}

func errorIf(t testing.TB, err error) {
	if err != nil {
		t.Error(decorate(err, 1))
	}
}

func checkEqual(want interface{}, got interface{}) error {
	if !reflect.DeepEqual(want, got) {
		return fmt.Errorf("(%#v != %#v)", want, got)
	}
	return nil
}

const testTimeout = 10 * time.Second

func wait(t testing.TB, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for %s", what)
	}
}

// recorder counts client-side handler callbacks, in the shape the
// reconnect scenarios assert on. closed is closed on OnTransportClose,
// reconnecting signals each OnConnectionReconnecting.
type recorder struct {
	NopHandler

	mu      sync.Mutex
	counts  map[string]int
	lastErr error

	closed       chan struct{}
	reconnecting chan struct{}

	// optional scripting hooks, called on the connection's queue
	onStart        func(c Connection)
	onOpen         func(c Connection)
	onReconnecting func(c Connection)
	onSenderOpen   func(s Sender)
	onSendable     func(s Sender)
	onAccept       func(tr Tracker)
	onSettle       func(tr Tracker)
}

func newRecorder() *recorder {
	return &recorder{
		counts:       make(map[string]int),
		closed:       make(chan struct{}),
		reconnecting: make(chan struct{}, 100),
	}
}

func (r *recorder) bump(what string) {
	r.mu.Lock()
	r.counts[what]++
	r.mu.Unlock()
}

func (r *recorder) count(what string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[what]
}

func (r *recorder) OnConnectionStart(c Connection) {
	r.bump("start")
	if r.onStart != nil {
		r.onStart(c)
	}
}

func (r *recorder) OnConnectionOpen(c Connection) {
	r.bump("open")
	if r.onOpen != nil {
		r.onOpen(c)
	}
}

func (r *recorder) OnConnectionReconnecting(c Connection) {
	r.bump("reconnecting")
	select {
	case r.reconnecting <- struct{}{}:
	default:
	}
	if r.onReconnecting != nil {
		r.onReconnecting(c)
	}
}

func (r *recorder) OnConnectionClose(c Connection) { r.bump("close") }

func (r *recorder) OnSenderOpen(s Sender) {
	r.bump("senderOpen")
	if r.onSenderOpen != nil {
		r.onSenderOpen(s)
	}
}

func (r *recorder) OnSendable(s Sender) {
	r.bump("sendable")
	if r.onSendable != nil {
		r.onSendable(s)
	}
}

func (r *recorder) OnTrackerAccept(tr Tracker) {
	r.bump("accept")
	if r.onAccept != nil {
		r.onAccept(tr)
	}
}

func (r *recorder) OnTrackerSettle(tr Tracker) {
	r.bump("settle")
	if r.onSettle != nil {
		r.onSettle(tr)
	}
}

func (r *recorder) OnTransportError(t Transport) {
	r.bump("transportError")
	r.mu.Lock()
	r.lastErr = t.Error()
	r.mu.Unlock()
}

func (r *recorder) transportErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

func (r *recorder) OnTransportClose(t Transport) {
	r.bump("transportClose")
	close(r.closed)
}

// bouncer is a listening-side handler that opens each accepted connection
// and immediately fails it with a recoverable condition, the way a broker
// shedding load does.
type bouncer struct {
	NopHandler
}

func (bouncer) OnConnectionOpen(c Connection) {
	c.Close(amqp.Errorf(amqp.ConnectionForced, "abandon ship"))
}

// acceptor is a listening-side handler that keeps connections, grants
// credit to every receiver and accepts every message.
type acceptor struct {
	NopHandler
	credit uint32
}

func (a acceptor) OnReceiverOpen(r Receiver) {
	n := a.credit
	if n == 0 {
		n = 10
	}
	r.AddCredit(n)
}

func (acceptor) OnMessage(d Delivery) { d.Accept() }

// runContainer runs c on its own goroutine, delivering Run's result.
func runContainer(c Container) <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run() }()
	return errCh
}

// testListener starts a listener with its own handler on an ephemeral
// port and returns its amqp URL.
func testListener(t testing.TB, c Container, h Handler, opts ...ConnectionOption) (Listener, string) {
	t.Helper()
	opts = append([]ConnectionOption{WithHandler(h)}, opts...)
	l, err := c.Listen("127.0.0.1:0", opts...)
	fatalIf(t, err)
	return l, "amqp://" + l.Addr().String()
}

// listenOnce wraps a server handler so its listener stops accepting after
// the first connection opens: a dialer coming back to this endpoint gets
// connection refused and must move on to the next candidate.
type listenOnce struct {
	Handler

	mu sync.Mutex
	l  Listener
}

func (lo *listenOnce) OnConnectionOpen(c Connection) {
	lo.mu.Lock()
	l := lo.l
	lo.mu.Unlock()
	if l != nil {
		l.Close()
	}
	lo.Handler.OnConnectionOpen(c)
}

// testListenerOnce is testListener with listen-once semantics.
func testListenerOnce(t testing.TB, c Container, h Handler, opts ...ConnectionOption) (Listener, string) {
	t.Helper()
	lo := &listenOnce{Handler: h}
	l, u := testListener(t, c, lo, opts...)
	lo.mu.Lock()
	lo.l = l
	lo.mu.Unlock()
	return l, u
}
