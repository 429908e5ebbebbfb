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

// Package wire implements the muon framing layer: an 8-byte protocol header
// followed by size-prefixed frames whose bodies are CBOR-encoded performatives.
//
// Layout of a frame on the wire:
//
//	4 bytes  big-endian total frame size (including these 4 bytes)
//	1 byte   frame type
//	N bytes  CBOR body
//
// The header and frame discipline mirror AMQP's: a separate protocol id
// selects the SASL security layer (exchanged first) or the messaging layer.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// Protocol ids carried in the header, AMQP-style.
const (
	ProtoMessaging byte = 0
	ProtoSASL      byte = 3
)

// Version of the wire protocol, major.minor.revision.
const (
	Major byte = 1
	Minor byte = 0
	Rev   byte = 0
)

// Type identifies a performative.
type Type uint8

const (
	TOpen Type = iota + 1
	TClose
	TAttach
	TDetach
	TFlow
	TTransfer
	TDisposition
	TSASLMechanisms
	TSASLInit
	TSASLOutcome
)

func (t Type) String() string {
	switch t {
	case TOpen:
		return "open"
	case TClose:
		return "close"
	case TAttach:
		return "attach"
	case TDetach:
		return "detach"
	case TFlow:
		return "flow"
	case TTransfer:
		return "transfer"
	case TDisposition:
		return "disposition"
	case TSASLMechanisms:
		return "sasl-mechanisms"
	case TSASLInit:
		return "sasl-init"
	case TSASLOutcome:
		return "sasl-outcome"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Link roles, stated from the point of view of the peer sending the Attach.
const (
	RoleSender   uint8 = 0
	RoleReceiver uint8 = 1
)

// Disposition states.
const (
	StateAccepted uint8 = 1
	StateRejected uint8 = 2
	StateReleased uint8 = 3
)

// SASL outcome codes.
const (
	SASLOK   uint8 = 0
	SASLAuth uint8 = 1
	SASLSys  uint8 = 2
)

// Condition is an error condition carried by Close and Detach.
type Condition struct {
	Name        string `cbor:"name"`
	Description string `cbor:"description,omitempty"`
}

// Open is the first messaging performative sent in each direction.
type Open struct {
	ContainerID string `cbor:"container-id"`
	Hostname    string `cbor:"hostname,omitempty"`
}

// Close ends the messaging layer. A nil Condition is a clean close.
type Close struct {
	Condition *Condition `cbor:"condition,omitempty"`
}

// Attach opens a named link. Role is the role of the peer sending the Attach.
type Attach struct {
	Name    string `cbor:"name"`
	Address string `cbor:"address,omitempty"`
	Role    uint8  `cbor:"role"`
}

// Detach closes a named link.
type Detach struct {
	Name      string     `cbor:"name"`
	Condition *Condition `cbor:"condition,omitempty"`
}

// Flow grants transfer credit on a link.
type Flow struct {
	Name   string `cbor:"name"`
	Credit uint32 `cbor:"credit"`
}

// Transfer carries one encoded message on a link, consuming one credit.
type Transfer struct {
	Name    string `cbor:"name"`
	Tag     string `cbor:"tag"`
	Message []byte `cbor:"message"`
}

// Disposition reports the outcome of a transfer, identified by its tag.
type Disposition struct {
	Tag     string `cbor:"tag"`
	State   uint8  `cbor:"state"`
	Settled bool   `cbor:"settled"`
}

// SASLMechanisms advertises the mechanisms the server will accept.
type SASLMechanisms struct {
	Mechanisms []string `cbor:"mechanisms"`
}

// SASLInit selects a mechanism and carries its initial response.
type SASLInit struct {
	Mechanism string `cbor:"mechanism"`
	Response  []byte `cbor:"response,omitempty"`
}

// SASLOutcome reports the result of the negotiation.
type SASLOutcome struct {
	Code uint8  `cbor:"code"`
	Info string `cbor:"info,omitempty"`
}

// MaxFrameSize is the largest frame Conn will read or write.
const MaxFrameSize = 1024 * 1024

const headerSize = 8
const sizePrefix = 4

var magic = [4]byte{'M', 'U', 'O', 'N'}

// ErrHeaderMismatch is returned when the peer's protocol header is not a
// muon header of a compatible version.
var ErrHeaderMismatch = errors.New("wire: protocol header mismatch")

// Conn frames and unframes performatives on a byte stream. Reads must come
// from a single goroutine; writes are serialized internally and may come
// from any goroutine.
type Conn struct {
	r    io.Reader
	w    io.Writer
	wmu  sync.Mutex
	wbuf []byte
}

func New(rw io.ReadWriter) *Conn {
	return &Conn{r: rw, w: rw}
}

// WriteHeader sends the protocol header for the given protocol id.
func (c *Conn) WriteHeader(proto byte) error {
	h := [headerSize]byte{magic[0], magic[1], magic[2], magic[3], proto, Major, Minor, Rev}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := c.w.Write(h[:])
	return err
}

// ReadHeader reads and validates a protocol header, returning its protocol id.
func (c *Conn) ReadHeader() (byte, error) {
	var h [headerSize]byte
	if _, err := io.ReadFull(c.r, h[:]); err != nil {
		return 0, err
	}
	if [4]byte(h[:4]) != magic || h[5] != Major {
		return 0, fmt.Errorf("%w: % x", ErrHeaderMismatch, h)
	}
	return h[4], nil
}

// WriteFrame encodes body as a frame of type t and sends it.
func (c *Conn) WriteFrame(t Type, body interface{}) error {
	payload, err := cbor.Marshal(body)
	if err != nil {
		return fmt.Errorf("wire: encode %s: %w", t, err)
	}
	size := sizePrefix + 1 + len(payload)
	if size > MaxFrameSize {
		return fmt.Errorf("wire: %s frame exceeds max size %d", t, MaxFrameSize)
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.wbuf = c.wbuf[:0]
	c.wbuf = binary.BigEndian.AppendUint32(c.wbuf, uint32(size))
	c.wbuf = append(c.wbuf, byte(t))
	c.wbuf = append(c.wbuf, payload...)
	_, err = c.w.Write(c.wbuf)
	return err
}

// ReadFrame reads one frame and returns the decoded performative as one of
// *Open, *Close, *Attach, *Detach, *Flow, *Transfer, *Disposition,
// *SASLMechanisms, *SASLInit or *SASLOutcome.
func (c *Conn) ReadFrame() (interface{}, error) {
	var sz [sizePrefix]byte
	if _, err := io.ReadFull(c.r, sz[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(sz[:])
	if size < sizePrefix+1 || size > MaxFrameSize {
		return nil, fmt.Errorf("wire: bad frame size %d", size)
	}
	buf := make([]byte, size-sizePrefix)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return nil, err
	}
	t, payload := Type(buf[0]), buf[1:]

	var body interface{}
	switch t {
	case TOpen:
		body = &Open{}
	case TClose:
		body = &Close{}
	case TAttach:
		body = &Attach{}
	case TDetach:
		body = &Detach{}
	case TFlow:
		body = &Flow{}
	case TTransfer:
		body = &Transfer{}
	case TDisposition:
		body = &Disposition{}
	case TSASLMechanisms:
		body = &SASLMechanisms{}
	case TSASLInit:
		body = &SASLInit{}
	case TSASLOutcome:
		body = &SASLOutcome{}
	default:
		return nil, fmt.Errorf("wire: unknown frame type %d", buf[0])
	}
	if err := cbor.Unmarshal(payload, body); err != nil {
		return nil, fmt.Errorf("wire: decode %s: %w", t, err)
	}
	return body, nil
}
