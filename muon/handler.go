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

// Handler is the set of lifecycle callbacks an application can implement.
// Embed NopHandler and override only the events you care about.
//
// Callbacks for one Connection are invoked on that connection's serialized
// work queue: never two at once, always in the order implied by the
// connection lifecycle. Methods on the Connection and its links may be
// called freely from inside a callback; from any other goroutine, post work
// with Connection.Schedule or Container.Schedule instead.
type Handler interface {
	// OnContainerStart is called once when Container.Run begins.
	OnContainerStart(Container)

	// OnConnectionStart is called exactly once per Connection identity,
	// when its first connect cycle begins. It is never repeated for
	// reconnect attempts.
	OnConnectionStart(Connection)

	// OnConnectionOpen is called each time a transport is successfully
	// established and opened, including after an automatic reconnect.
	// Connection.Reconnected() reports whether this is a re-establishment.
	OnConnectionOpen(Connection)

	// OnConnectionReconnecting is called when a transport has failed and a
	// retry is scheduled. Calling Close inside this callback aborts the
	// pending retry.
	OnConnectionReconnecting(Connection)

	// OnConnectionClose is called when a connection closes cleanly.
	// It is not called for error or abort paths.
	OnConnectionClose(Connection)

	// OnSenderOpen is called when a sender link is attached, once per
	// successful connection open (links do not survive transport
	// replacement).
	OnSenderOpen(Sender)

	// OnReceiverOpen is called on the listening side when the peer attaches
	// a sending link. Grant credit with Receiver.AddCredit to start the
	// flow of messages.
	OnReceiverOpen(Receiver)

	// OnSendable is called when a sender has credit to send.
	OnSendable(Sender)

	// OnMessage is called with each incoming delivery.
	OnMessage(Delivery)

	// OnTrackerAccept is called when the peer accepts a sent message.
	OnTrackerAccept(Tracker)

	// OnTrackerSettle is called when the outcome of a sent message is
	// settled, whatever the outcome was.
	OnTrackerSettle(Tracker)

	// OnTransportError is called at most once per connect cycle, when a
	// transport failure will NOT be retried: no reconnect is configured,
	// the retry policy gave up, the failure is permanent (authentication,
	// protocol mismatch), or the application aborted a reconnect in
	// progress. Failures that are absorbed by the retry loop are never
	// reported here.
	OnTransportError(Transport)

	// OnTransportClose is the single terminal notification: exactly once
	// per Connection lifetime, however many transports were attempted and
	// however the last one ended.
	OnTransportClose(Transport)

	// OnListenerOpen is called on the container context once a listener is
	// bound and its port is known.
	OnListenerOpen(Listener)

	// OnListenerError is called when a listener fails to accept.
	OnListenerError(Listener, error)
}

// NopHandler implements Handler with no-ops. Embed it to implement only the
// callbacks you need.
type NopHandler struct{}

func (NopHandler) OnContainerStart(Container)          {}
func (NopHandler) OnConnectionStart(Connection)        {}
func (NopHandler) OnConnectionOpen(Connection)         {}
func (NopHandler) OnConnectionReconnecting(Connection) {}
func (NopHandler) OnConnectionClose(Connection)        {}
func (NopHandler) OnSenderOpen(Sender)                 {}
func (NopHandler) OnReceiverOpen(Receiver)             {}
func (NopHandler) OnSendable(Sender)                   {}
func (NopHandler) OnMessage(Delivery)                  {}
func (NopHandler) OnTrackerAccept(Tracker)             {}
func (NopHandler) OnTrackerSettle(Tracker)             {}
func (NopHandler) OnTransportError(Transport)          {}
func (NopHandler) OnTransportClose(Transport)          {}
func (NopHandler) OnListenerOpen(Listener)             {}
func (NopHandler) OnListenerError(Listener, error)     {}

var _ Handler = NopHandler{}
