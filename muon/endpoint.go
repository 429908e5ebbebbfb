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
	"io"

	"github.com/apache/qpid-muon/proton"
)

// Closed is an alias for io.EOF. It is the Error() value of an endpoint that
// was closed cleanly.
var Closed = io.EOF

// endpoint holds the error-once/done-once state shared by connections.
type endpoint struct {
	err  proton.ErrorHolder
	str  string // Must be set by the value that embeds endpoint.
	done chan struct{}
}

func (e *endpoint) init(s string) { e.str = s; e.done = make(chan struct{}) }

// closed marks the endpoint closed with err (Closed if err is nil) and
// returns the error actually stored, which may be an earlier one.
func (e *endpoint) closed(err error) error {
	select {
	case <-e.done:
		// Already closed
	default:
		e.err.Set(err)
		e.err.Set(Closed)
		close(e.done)
	}
	return e.err.Get()
}

func (e *endpoint) String() string { return e.str }

// Error returns nil while the endpoint is usable, Closed after a clean
// close, or the terminal error.
func (e *endpoint) Error() error { return e.err.Get() }

// Done returns a channel that closes when the endpoint closes.
func (e *endpoint) Done() <-chan struct{} { return e.done }
