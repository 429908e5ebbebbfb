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

package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderExchange(t *testing.T) {
	var buf bytes.Buffer
	c := New(&buf)

	require.NoError(t, c.WriteHeader(ProtoSASL))
	proto, err := c.ReadHeader()
	require.NoError(t, err)
	assert.Equal(t, byte(ProtoSASL), proto)

	require.NoError(t, c.WriteHeader(ProtoMessaging))
	proto, err = c.ReadHeader()
	require.NoError(t, err)
	assert.Equal(t, byte(ProtoMessaging), proto)
}

func TestHeaderMismatch(t *testing.T) {
	for _, bad := range [][]byte{
		// wrong protocol entirely
		[]byte("AMQP\x00\x01\x00\x00"),
		// wrong major version
		{'M', 'U', 'O', 'N', ProtoMessaging, 9, 0, 0},
	} {
		c := New(bytes.NewBuffer(bad))
		_, err := c.ReadHeader()
		assert.ErrorIs(t, err, ErrHeaderMismatch, "header % x", bad)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	c := New(&buf)

	require.NoError(t, c.WriteFrame(TOpen, Open{ContainerID: "c1", Hostname: "vhost"}))
	require.NoError(t, c.WriteFrame(TAttach, Attach{Name: "l1", Address: "q", Role: RoleSender}))
	require.NoError(t, c.WriteFrame(TTransfer, Transfer{Name: "l1", Tag: "t1", Message: []byte{1, 2, 3}}))
	require.NoError(t, c.WriteFrame(TClose, Close{Condition: &Condition{Name: "amqp:connection:forced", Description: "bye"}}))

	f, err := c.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, &Open{ContainerID: "c1", Hostname: "vhost"}, f)

	f, err = c.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, &Attach{Name: "l1", Address: "q", Role: RoleSender}, f)

	f, err = c.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, &Transfer{Name: "l1", Tag: "t1", Message: []byte{1, 2, 3}}, f)

	f, err = c.ReadFrame()
	require.NoError(t, err)
	cl, ok := f.(*Close)
	require.True(t, ok)
	require.NotNil(t, cl.Condition)
	assert.Equal(t, "amqp:connection:forced", cl.Condition.Name)
}

func TestBadFrame(t *testing.T) {
	// Unknown frame type.
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 6, 0xff, 0xa0})
	_, err := New(&buf).ReadFrame()
	assert.ErrorContains(t, err, "unknown frame type")

	// Size smaller than its own prefix.
	buf.Reset()
	buf.Write([]byte{0, 0, 0, 2})
	_, err = New(&buf).ReadFrame()
	assert.ErrorContains(t, err, "bad frame size")

	// Size over the limit.
	buf.Reset()
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff})
	_, err = New(&buf).ReadFrame()
	assert.ErrorContains(t, err, "bad frame size")
}
