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

package proton

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/apache/qpid-muon/amqp"
	"github.com/apache/qpid-muon/wire"
)

// EventType identifies an engine event.
type EventType int

const (
	// EOpened: the handshake completed and the remote Open arrived.
	// Reported at most once, before any EFrame.
	EOpened EventType = iota
	// EFrame: a post-establishment performative arrived. Event.Frame holds
	// one of the wire performative pointers.
	EFrame
	// EDisconnected: the transport finished. Event.Err holds the cause.
	// Reported at most once, and never after Abort() was called.
	EDisconnected
)

func (t EventType) String() string {
	switch t {
	case EOpened:
		return "opened"
	case EFrame:
		return "frame"
	case EDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event is delivered by an Engine to its event sink.
type Event struct {
	Type  EventType
	Open  wire.Open   // Remote Open performative, valid for EOpened.
	Frame interface{} // Decoded performative, valid for EFrame.
	Err   error       // Cause of the disconnect, valid for EDisconnected.
}

// Config carries the per-attempt settings an Engine needs to establish
// one transport.
type Config struct {
	// Server selects the listening side of the handshake.
	Server bool

	// ContainerID is sent in our Open performative.
	ContainerID string

	// VirtualHost is sent in our Open performative (client only).
	VirtualHost string

	// User and Password select and fill the PLAIN mechanism on the client.
	User     string
	Password []byte

	// AllowedMechs restricts the SASL mechanisms. On the server it is the
	// advertised list (default ANONYMOUS); on the client it restricts what
	// may be chosen from the server's list.
	AllowedMechs []string

	// VerifyPlain authenticates a PLAIN response on the server. A nil
	// VerifyPlain rejects all PLAIN attempts.
	VerifyPlain func(user, pass string) bool

	// HandshakeTimeout bounds the whole establishment exchange.
	// Zero means 10 seconds.
	HandshakeTimeout time.Duration

	Logger hclog.Logger
}

const defaultHandshakeTimeout = 10 * time.Second

// Engine drives exactly one transport: it performs the SASL and messaging
// handshake on a net.Conn, then reads frames until the transport dies,
// delivering everything as Events to a sink function.
//
// The sink is called from the engine's own goroutine and must not block;
// post into a serialized work queue rather than acting directly. Writes
// (Send*) may come from any single goroutine that owns the engine.
//
// An Engine reports its outcome exactly once: either a successful EOpened
// followed eventually by EDisconnected, or a lone EDisconnected if
// establishment failed. After Abort() no further events are delivered.
type Engine struct {
	conn net.Conn
	wire *wire.Conn
	cfg  Config
	post func(Event)
	log  hclog.Logger

	mu      sync.Mutex
	aborted bool
	once    sync.Once
}

// NewEngine wraps conn. Call Run (usually in a new goroutine) to start.
func NewEngine(conn net.Conn, cfg Config, post func(Event)) *Engine {
	log := cfg.Logger
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Engine{conn: conn, wire: wire.New(conn), cfg: cfg, post: post, log: log}
}

// Run performs the handshake and then pumps inbound frames. It returns when
// the transport is finished; the outcome is delivered through the sink, not
// the return path.
func (e *Engine) Run() {
	timeout := e.cfg.HandshakeTimeout
	if timeout == 0 {
		timeout = defaultHandshakeTimeout
	}
	_ = e.conn.SetDeadline(time.Now().Add(timeout))

	var open wire.Open
	var err error
	if e.cfg.Server {
		open, err = e.serverHandshake()
	} else {
		open, err = e.clientHandshake()
	}
	if err != nil {
		e.log.Debug("transport establishment failed", "server", e.cfg.Server, "error", err)
		e.finish(err)
		return
	}
	_ = e.conn.SetDeadline(time.Time{})
	e.log.Debug("transport established", "remote-container", open.ContainerID)
	e.emit(Event{Type: EOpened, Open: open})

	for {
		f, err := e.wire.ReadFrame()
		if err != nil {
			e.finish(err)
			return
		}
		e.emit(Event{Type: EFrame, Frame: f})
	}
}

// Send writes one performative frame. Call only after EOpened, from the
// goroutine that owns this engine.
func (e *Engine) Send(t wire.Type, body interface{}) error {
	return e.wire.WriteFrame(t, body)
}

// Abort tears the transport down immediately and suppresses any event not
// yet delivered. Used when the owner has already decided the attempt's fate.
func (e *Engine) Abort() {
	e.mu.Lock()
	e.aborted = true
	e.mu.Unlock()
	_ = e.conn.Close()
}

func (e *Engine) String() string {
	return fmt.Sprintf("%s-%s", e.conn.LocalAddr(), e.conn.RemoteAddr())
}

func (e *Engine) emit(ev Event) {
	e.mu.Lock()
	aborted := e.aborted
	e.mu.Unlock()
	if !aborted {
		e.post(ev)
	}
}

func (e *Engine) finish(err error) {
	e.once.Do(func() { e.emit(Event{Type: EDisconnected, Err: err}) })
	_ = e.conn.Close()
}

func (e *Engine) clientHandshake() (wire.Open, error) {
	var remote wire.Open
	if err := e.saslClient(); err != nil {
		return remote, err
	}
	if err := e.exchangeHeader(wire.ProtoMessaging); err != nil {
		return remote, err
	}
	local := wire.Open{ContainerID: e.cfg.ContainerID, Hostname: e.cfg.VirtualHost}
	if err := e.wire.WriteFrame(wire.TOpen, local); err != nil {
		return remote, err
	}
	f, err := e.wire.ReadFrame()
	if err != nil {
		return remote, err
	}
	switch f := f.(type) {
	case *wire.Open:
		return *f, nil
	case *wire.Close:
		// The peer refused us at the connection level.
		if f.Condition != nil {
			return remote, amqp.Error{Name: f.Condition.Name, Description: f.Condition.Description}
		}
		return remote, amqp.Errorf(amqp.ConnectionForced, "connection closed during open")
	default:
		return remote, fmt.Errorf("%w: unexpected %T before open", ErrProtocol, f)
	}
}

func (e *Engine) serverHandshake() (wire.Open, error) {
	var remote wire.Open
	if err := e.saslServer(); err != nil {
		return remote, err
	}
	if err := e.exchangeHeader(wire.ProtoMessaging); err != nil {
		return remote, err
	}
	f, err := e.wire.ReadFrame()
	if err != nil {
		return remote, err
	}
	open, ok := f.(*wire.Open)
	if !ok {
		return remote, fmt.Errorf("%w: unexpected %T before open", ErrProtocol, f)
	}
	// The reply Open (or a refusing Close) is the owner's decision.
	return *open, nil
}

// exchangeHeader writes our protocol header and validates the peer's.
func (e *Engine) exchangeHeader(proto byte) error {
	if err := e.wire.WriteHeader(proto); err != nil {
		return err
	}
	got, err := e.wire.ReadHeader()
	if err != nil {
		if errors.Is(err, wire.ErrHeaderMismatch) {
			return fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		return err
	}
	if got != proto {
		return fmt.Errorf("%w: protocol id %d, want %d", ErrProtocol, got, proto)
	}
	return nil
}
