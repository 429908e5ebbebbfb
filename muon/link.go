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

// NOTE: methods in this file are called only on the owning connection's
// work queue (i.e. from handler callbacks) unless otherwise indicated.

import (
	"fmt"

	"github.com/apache/qpid-muon/amqp"
	"github.com/apache/qpid-muon/wire"
)

// Sender is the sending end of a link, declared once with
// Connection.OpenSender and re-attached automatically on every successful
// connection open. Send only when there is credit; OnSendable reports when
// credit arrives.
type Sender interface {
	// Name of the link, unique within the container.
	Name() string

	// Address of the target node.
	Address() string

	Connection() Connection

	// Credit is the number of messages the peer is currently willing to
	// receive on this link.
	Credit() int

	// Send transfers one message, consuming one credit. The returned
	// Tracker follows the delivery to settlement.
	Send(m amqp.Message) (Tracker, error)
}

// Receiver is the receiving end of a link attached by the remote peer.
// No messages flow until credit is granted with AddCredit.
type Receiver interface {
	Name() string
	Address() string
	Connection() Connection

	// AddCredit grants the peer permission to send n more messages.
	AddCredit(n uint32)
}

// Delivery is one incoming message; the receiving application settles it
// with Accept or Reject.
type Delivery interface {
	// Message decodes the delivered message.
	Message() (amqp.Message, error)

	Accept()
	Reject()
	Connection() Connection
}

// Disposition is the settled outcome of a sent message.
type Disposition int

const (
	Unsettled Disposition = iota
	Accepted
	Rejected
	Released
)

func (d Disposition) String() string {
	switch d {
	case Unsettled:
		return "unsettled"
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case Released:
		return "released"
	default:
		return fmt.Sprintf("disposition(%d)", int(d))
	}
}

// Tracker follows one sent message to its settlement.
type Tracker interface {
	// Tag is the delivery tag, unique within the connection.
	Tag() string

	// Disposition of the delivery; Unsettled until the peer reports one.
	Disposition() Disposition

	Connection() Connection
}

type sender struct {
	c       *connection
	name    string
	address string
	open    bool
	credit  int
}

func (s *sender) Name() string           { return s.name }
func (s *sender) Address() string        { return s.address }
func (s *sender) Connection() Connection { return s.c }
func (s *sender) Credit() int            { return s.credit }

func (s *sender) Send(m amqp.Message) (Tracker, error) {
	if s.c.state != stateOpen || !s.open {
		return nil, fmt.Errorf("send on unopened sender %s", s.name)
	}
	if s.credit <= 0 {
		return nil, fmt.Errorf("send on sender %s with no credit", s.name)
	}
	data, err := m.Encode()
	if err != nil {
		return nil, err
	}
	tag := s.c.container.nextTag()
	if err := s.c.attempt.send(wire.TTransfer, wire.Transfer{Name: s.name, Tag: tag, Message: data}); err != nil {
		return nil, err
	}
	s.credit--
	tr := &tracker{c: s.c, tag: tag}
	s.c.trackers[tag] = tr
	return tr, nil
}

type receiver struct {
	c       *connection
	name    string
	address string
	credit  uint32
}

func (r *receiver) Name() string           { return r.name }
func (r *receiver) Address() string        { return r.address }
func (r *receiver) Connection() Connection { return r.c }

func (r *receiver) AddCredit(n uint32) {
	if r.c.state != stateOpen {
		return
	}
	if err := r.c.attempt.send(wire.TFlow, wire.Flow{Name: r.name, Credit: n}); err == nil {
		r.credit += n
	}
}

type delivery struct {
	c       *connection
	r       *receiver
	tag     string
	data    []byte
	settled bool
}

func (d *delivery) Connection() Connection         { return d.c }
func (d *delivery) Message() (amqp.Message, error) { return amqp.DecodeMessage(d.data) }

func (d *delivery) Accept() { d.settle(wire.StateAccepted) }
func (d *delivery) Reject() { d.settle(wire.StateRejected) }

func (d *delivery) settle(state uint8) {
	if d.settled || d.c.state != stateOpen {
		return
	}
	d.settled = true
	_ = d.c.attempt.send(wire.TDisposition, wire.Disposition{Tag: d.tag, State: state, Settled: true})
}

type tracker struct {
	c     *connection
	tag   string
	state Disposition
}

func (t *tracker) Tag() string              { return t.tag }
func (t *tracker) Disposition() Disposition { return t.state }
func (t *tracker) Connection() Connection   { return t.c }
