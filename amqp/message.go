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

package amqp

import (
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Message is an AMQP-style message. The zero value is an empty, non-durable
// message. Messages are plain values: copy them freely, a Message that has
// been sent is never modified by the library.
type Message struct {
	// Address is the node the message is (or was) targeted at.
	Address string `cbor:"address,omitempty"`

	// Subject is an optional short summary of the message content.
	Subject string `cbor:"subject,omitempty"`

	// ContentType describes the encoding of Body, e.g. "text/plain".
	ContentType string `cbor:"content-type,omitempty"`

	// MessageId uniquely identifies a message within a messaging system.
	MessageId string `cbor:"message-id,omitempty"`

	// CorrelationId is set on correlated request and response messages.
	CorrelationId string `cbor:"correlation-id,omitempty"`

	// Durable indicates that any parties taking responsibility for the
	// message must durably store the content.
	Durable bool `cbor:"durable,omitempty"`

	// TTL is the duration after which the message may be dropped.
	// Zero means the message never expires.
	TTL time.Duration `cbor:"ttl,omitempty"`

	// Body is the message content.
	Body string `cbor:"body,omitempty"`
}

// NewMessage returns a message with the given body.
func NewMessage(body string) Message { return Message{Body: body} }

// Encode returns the wire encoding of the message.
func (m Message) Encode() ([]byte, error) { return cbor.Marshal(m) }

// DecodeMessage decodes a message from its wire encoding.
func DecodeMessage(data []byte) (m Message, err error) {
	err = cbor.Unmarshal(data, &m)
	return
}
