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
	"net/url"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/apache/qpid-muon/amqp"
	"github.com/apache/qpid-muon/proton"
	"github.com/apache/qpid-muon/wire"
)

// Connection is the durable, application-visible connection handle. Its
// identity is stable across any number of underlying transports: when a
// transport fails and a reconnect policy is configured, the Connection
// re-establishes itself against the configured endpoints without the
// application having to do anything, and without the intermediate failures
// reaching the Handler.
//
// Unless noted otherwise, Connection methods must be called from a Handler
// callback or a task scheduled on this connection (its serialized context).
type Connection interface {
	Container() Container

	// Reconnected is false until the connection's first successful open,
	// and true for every open after that, permanently.
	Reconnected() bool

	// Open completes the open handshake on a listening-side connection.
	// Accepted connections open automatically when OnConnectionOpen
	// returns without closing, so most servers never call it.
	Open()

	// Close closes the connection. A nil err against an open connection is
	// a graceful close; err is sent to the peer as the close condition.
	// Calling Close while the connection is Reconnecting aborts the
	// pending retry.
	Close(err error)

	// OpenSender declares a sending link to address. The link is attached
	// on every successful open of this connection.
	OpenSender(address string) Sender

	// Schedule runs f on this connection's serialized context after delay.
	// Safe from any goroutine. Tasks not yet run when the connection
	// closes are discarded. Returns false if the connection is closed.
	Schedule(delay time.Duration, f func()) bool

	// Error returns nil while the connection is live, Closed after a clean
	// close, or the terminal error.
	Error() error

	// Done returns a channel that closes when the connection is closed.
	// Safe from any goroutine.
	Done() <-chan struct{}

	String() string
}

type connState int8

const (
	stateStart connState = iota
	stateConnecting
	stateOpen
	stateReconnecting
	stateClosing
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateStart:
		return "start"
	case stateConnecting:
		return "connecting"
	case stateOpen:
		return "open"
	case stateReconnecting:
		return "reconnecting"
	case stateClosing:
		return "closing"
	case stateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int8(s))
	}
}

// ConnectionOption can be passed when creating a connection to configure
// various options.
type ConnectionOption func(*connection)

// User returns a ConnectionOption that sets the user name for a connection.
func User(user string) ConnectionOption {
	return func(c *connection) { c.user = user }
}

// Password returns a ConnectionOption that sets the password used to
// authenticate. Setting credentials makes the client prefer PLAIN.
func Password(password []byte) ConnectionOption {
	return func(c *connection) { c.password = password }
}

// VirtualHost returns a ConnectionOption to set the virtual host name sent
// to the peer. Only applies to outbound client connections.
func VirtualHost(virtualHost string) ConnectionOption {
	return func(c *connection) { c.vhost = virtualHost }
}

// SASLAllowedMechs returns a ConnectionOption to restrict the SASL
// mechanisms for a connection. On a listener it is the advertised list.
func SASLAllowedMechs(mechs ...string) ConnectionOption {
	return func(c *connection) { c.mechs = mechs }
}

// SASLVerifyPlain returns a ConnectionOption giving a listener the callback
// that authenticates PLAIN credentials.
func SASLVerifyPlain(verify func(user, pass string) bool) ConnectionOption {
	return func(c *connection) { c.verify = verify }
}

// Reconnect returns a ConnectionOption that enables automatic transport
// re-establishment with the given options.
func Reconnect(o ReconnectOptions) ConnectionOption {
	return func(c *connection) { c.reconnect = &o }
}

// WithHandler returns a ConnectionOption that binds h to the connection
// instead of the container's handler. Listeners use this to give accepted
// connections their own handler.
func WithHandler(h Handler) ConnectionOption {
	return func(c *connection) { c.handler = h }
}

type connection struct {
	endpoint

	container *container
	handler   Handler
	log       hclog.Logger
	queue     *workQueue

	// configuration, immutable after Connect/accept
	url       *url.URL // nil on the listening side
	vhost     string
	user      string
	password  []byte
	mechs     []string
	verify    func(user, pass string) bool
	reconnect *ReconnectOptions
	server    bool

	// state below is owned by the work queue goroutine
	state       connState
	reconnected bool
	everOpened  bool
	openSent    bool
	closeErr    error
	policy      *reconnectPolicy
	attempt     *transport
	retryGen    uint64

	senders   []*sender
	receivers []*receiver
	trackers  map[string]*tracker
}

func newConnection(cont *container, u *url.URL, opts ...ConnectionOption) *connection {
	c := &connection{
		container: cont,
		url:       u,
		queue:     newWorkQueue(),
		trackers:  make(map[string]*tracker),
	}
	for _, set := range opts {
		set(c)
	}
	if c.handler == nil {
		c.handler = cont.handler
	}
	if c.handler == nil {
		c.handler = NopHandler{}
	}
	name := "incoming"
	if u != nil {
		name = u.Host
	}
	c.endpoint.init(fmt.Sprintf("connection(%s->%s)", cont.id, name))
	c.log = cont.log.With("connection", c.endpoint.str)
	return c
}

func (c *connection) Container() Container { return c.container }
func (c *connection) Reconnected() bool    { return c.reconnected }

func (c *connection) Schedule(delay time.Duration, f func()) bool {
	return c.queue.Schedule(delay, f)
}

// start begins the first (and only) connect cycle entry point for an
// outbound connection. Runs on the queue.
func (c *connection) start() {
	if c.state != stateStart {
		return
	}
	c.handler.OnConnectionStart(c)
	if c.state != stateStart { // closed inside the callback
		return
	}
	c.state = stateConnecting
	c.dial(c.url.Host)
}

// startServer adopts an accepted network connection. Runs on the queue.
func (c *connection) startServer(t *transport) {
	if c.state != stateStart {
		return
	}
	c.state = stateConnecting
	c.attempt = t
}

// dial launches a transport attempt. The connection must be in Connecting
// with no live attempt.
func (c *connection) dial(host string) {
	t := newTransport(c, host)
	c.attempt = t
	c.log.Debug("transport attempt starting", "host", host)
	go t.dialAndRun()
}

func (c *connection) engineConfig() proton.Config {
	return proton.Config{
		Server:       c.server,
		ContainerID:  c.container.id,
		VirtualHost:  c.vhost,
		User:         c.user,
		Password:     c.password,
		AllowedMechs: c.mechs,
		VerifyPlain:  c.verify,
		Logger:       c.log,
	}
}

// transportEvent is the single entry point for everything a transport
// learns. Events from a superseded attempt are discarded: the invariant is
// at most one live transport per connection, and only its events count.
func (c *connection) transportEvent(t *transport, e proton.Event) {
	if t != c.attempt {
		return
	}
	switch e.Type {
	case proton.EOpened:
		c.transportOpened(e.Open)
	case proton.EFrame:
		c.transportFrame(e.Frame)
	case proton.EDisconnected:
		c.attempt = nil
		c.transportFailed(e.Err)
	}
}

func (c *connection) transportOpened(remote wire.Open) {
	if c.state != stateConnecting {
		return
	}
	c.state = stateOpen
	c.openSent = !c.server // the client engine opens during its handshake

	if c.server {
		c.handler.OnConnectionOpen(c)
		if c.state == stateOpen && !c.openSent {
			c.Open()
		}
		return
	}

	first := !c.everOpened
	c.everOpened = true
	if !first {
		c.reconnected = true
	}
	c.policy = nil // cycle ended successfully
	c.log.Debug("connection open", "remote-container", remote.ContainerID, "reconnected", c.reconnected)
	c.handler.OnConnectionOpen(c)
	if c.state != stateOpen {
		return
	}
	// Links do not survive transport replacement: re-attach every declared
	// sender on each successful open.
	for _, s := range c.senders {
		s.open = false
		s.credit = 0
		_ = c.attempt.send(wire.TAttach, wire.Attach{Name: s.name, Address: s.address, Role: wire.RoleSender})
	}
}

func (c *connection) transportFrame(f interface{}) {
	switch f := f.(type) {
	case *wire.Attach:
		c.remoteAttach(f)
	case *wire.Flow:
		if s := c.findSender(f.Name); s != nil && s.open {
			s.credit += int(f.Credit)
			if s.credit > 0 && c.state == stateOpen {
				c.handler.OnSendable(s)
			}
		}
	case *wire.Transfer:
		if r := c.findReceiver(f.Name); r != nil && c.state == stateOpen {
			if r.credit > 0 {
				r.credit--
			}
			c.handler.OnMessage(&delivery{c: c, r: r, tag: f.Tag, data: f.Message})
		}
	case *wire.Disposition:
		c.remoteDisposition(f)
	case *wire.Detach:
		c.removeLink(f.Name)
	case *wire.Close:
		c.remoteClose(f.Condition)
	}
}

func (c *connection) remoteAttach(f *wire.Attach) {
	if c.state != stateOpen {
		return
	}
	if f.Role == wire.RoleSender {
		// The peer sends, we receive: create the receiving end and echo.
		r := &receiver{c: c, name: f.Name, address: f.Address}
		c.receivers = append(c.receivers, r)
		_ = c.attempt.send(wire.TAttach, wire.Attach{Name: f.Name, Address: f.Address, Role: wire.RoleReceiver})
		c.handler.OnReceiverOpen(r)
		return
	}
	// Echo for one of our senders.
	if s := c.findSender(f.Name); s != nil && !s.open {
		s.open = true
		c.handler.OnSenderOpen(s)
	}
}

func (c *connection) remoteDisposition(f *wire.Disposition) {
	tr, ok := c.trackers[f.Tag]
	if !ok {
		return
	}
	delete(c.trackers, f.Tag)
	switch f.State {
	case wire.StateAccepted:
		tr.state = Accepted
	case wire.StateRejected:
		tr.state = Rejected
	case wire.StateReleased:
		tr.state = Released
	}
	if tr.state == Accepted {
		c.handler.OnTrackerAccept(tr)
	}
	if c.state == stateOpen { // the accept callback may have closed us
		c.handler.OnTrackerSettle(tr)
	}
}

// remoteClose handles a Close performative from the peer.
func (c *connection) remoteClose(cond *wire.Condition) {
	switch c.state {
	case stateClosing:
		// The peer acknowledged our close, or its own condition-close
		// crossed ours on the wire. Our close stands either way: a clean
		// local close stays clean.
		if cond != nil {
			c.log.Debug("peer condition while closing", "condition", cond.Name, "description", cond.Description)
		}
		if c.closeErr == nil {
			c.handler.OnConnectionClose(c)
		}
		c.finishClose(c.closeErr)

	case stateOpen:
		if cond != nil {
			// The peer failed an established connection: this is a
			// transport failure, eligible for reconnect.
			err := amqp.Error{Name: cond.Name, Description: cond.Description}
			c.attempt.abort()
			c.attempt = nil
			c.transportFailed(err)
			return
		}
		// Clean close initiated by the peer: acknowledge and finish.
		_ = c.attempt.send(wire.TClose, wire.Close{})
		c.handler.OnConnectionClose(c)
		c.finishClose(nil)
	}
}

// transportFailed decides the fate of a failed transport: consult the
// reconnect policy and schedule the next attempt, or surface the failure
// and terminate. This is the only place retry decisions are made.
func (c *connection) transportFailed(err error) {
	switch c.state {
	case stateClosed:
		return
	case stateClosing:
		// Disconnect while closing: the close is complete, however rudely.
		c.finishClose(c.closeErr)
		return
	}

	canRetry := retryable(err) && !c.server
	c.log.Debug("transport failed", "error", err, "retryable", canRetry)
	if canRetry && c.reconnect != nil {
		if c.policy == nil {
			p, perr := newReconnectPolicy(*c.reconnect, c.url)
			if perr != nil {
				// Unusable failover configuration: surface the original
				// failure rather than retrying a list we cannot parse.
				c.log.Error("invalid failover configuration", "error", perr)
				canRetry = false
			} else {
				c.policy = p
			}
		}
		if c.policy != nil {
			if host, delay, ok := c.policy.nextAttempt(); ok {
				c.state = stateReconnecting
				c.handler.OnConnectionReconnecting(c)
				if c.state != stateReconnecting { // closed inside the callback
					return
				}
				c.log.Debug("reconnect scheduled", "host", host, "delay", delay)
				gen := c.retryGen
				c.queue.Schedule(delay, func() {
					if c.retryGen == gen && c.state == stateReconnecting {
						c.state = stateConnecting
						c.dial(host)
					}
				})
				return
			}
			c.log.Debug("reconnect policy gave up")
		}
	}

	// Terminal: surface exactly once, then close.
	c.err.Set(err)
	c.handler.OnTransportError(&transportState{c: c, err: err})
	if c.state != stateClosed { // the error callback may have closed us
		c.finishClose(err)
	}
}

// Open completes the open handshake on the listening side.
func (c *connection) Open() {
	if c.server && !c.openSent && c.attempt != nil {
		c.openSent = true
		_ = c.attempt.send(wire.TOpen, wire.Open{ContainerID: c.container.id})
	}
}

func (c *connection) Close(err error) {
	switch c.state {
	case stateClosed, stateClosing:
		return

	case stateOpen:
		c.state = stateClosing
		c.closeErr = err
		if c.server && !c.openSent {
			// A connection cannot close before it opens; complete the
			// handshake so the peer sees open followed by close.
			c.openSent = true
			_ = c.attempt.send(wire.TOpen, wire.Open{ContainerID: c.container.id})
		}
		_ = c.attempt.send(wire.TClose, wire.Close{Condition: condition(err)})
		// The peer's Close, or the transport dying, finishes the job.

	case stateConnecting:
		c.state = stateClosing
		if c.attempt != nil {
			c.attempt.abort()
			c.attempt = nil
		}
		c.finishClose(err)

	case stateReconnecting:
		// Application abort of a reconnect in progress: non-retryable, and
		// surfaced as a transport error since there is no open transport
		// to close cleanly.
		c.retryGen++
		abortErr := err
		if abortErr == nil {
			abortErr = amqp.Errorf(amqp.ConnectionForced, "reconnect aborted by local close")
		}
		c.err.Set(abortErr)
		c.handler.OnTransportError(&transportState{c: c, err: abortErr})
		if c.state != stateClosed {
			c.finishClose(abortErr)
		}

	case stateStart:
		c.finishClose(err)
	}
}

// finishClose is the single terminal transition. It fires the one and only
// OnTransportClose, cancels all pending work for the connection, and
// releases it from the container.
func (c *connection) finishClose(err error) {
	if c.state == stateClosed {
		return
	}
	c.state = stateClosed
	c.retryGen++
	if c.attempt != nil {
		c.attempt.abort()
		c.attempt = nil
	}
	c.log.Debug("connection closed", "error", err)
	c.handler.OnTransportClose(&transportState{c: c, err: err})
	_ = c.endpoint.closed(err)
	c.queue.close()
	c.container.removeConnection(c)
}

// forceClose is posted by the container on Stop.
func (c *connection) forceClose(err error) {
	if c.state == stateClosed {
		return
	}
	c.err.Set(err)
	c.finishClose(err)
}

func (c *connection) OpenSender(address string) Sender {
	s := &sender{c: c, name: c.container.nextLinkName(), address: address}
	c.senders = append(c.senders, s)
	if c.state == stateOpen {
		_ = c.attempt.send(wire.TAttach, wire.Attach{Name: s.name, Address: s.address, Role: wire.RoleSender})
	}
	return s
}

func (c *connection) findSender(name string) *sender {
	for _, s := range c.senders {
		if s.name == name {
			return s
		}
	}
	return nil
}

func (c *connection) findReceiver(name string) *receiver {
	for _, r := range c.receivers {
		if r.name == name {
			return r
		}
	}
	return nil
}

func (c *connection) removeLink(name string) {
	for i, s := range c.senders {
		if s.name == name {
			s.open = false
			c.senders = append(c.senders[:i], c.senders[i+1:]...)
			return
		}
	}
	for i, r := range c.receivers {
		if r.name == name {
			c.receivers = append(c.receivers[:i], c.receivers[i+1:]...)
			return
		}
	}
}

// condition converts an error to a wire close condition; nil stays nil
// (clean close).
func condition(err error) *wire.Condition {
	if err == nil {
		return nil
	}
	amqpErr := amqp.MakeError(err)
	return &wire.Condition{Name: amqpErr.Name, Description: amqpErr.Description}
}
