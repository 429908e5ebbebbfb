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
	"errors"

	"github.com/apache/qpid-muon/proton"
)

// Every transport failure is classified exactly once, at the point of
// detection, as retryable or not:
//
//   - retryable: anything network-shaped - connection refused, reset,
//     timeout, DNS failure, abrupt EOF - and a peer that closed an
//     established connection with an error condition. A configured
//     reconnect policy absorbs these; they never reach the application
//     while the policy can still retry.
//
//   - non-retryable: a permanent negotiation failure (SASL authentication,
//     protocol header mismatch, garbage during establishment) or an
//     application abort. These force the policy to give up and are
//     surfaced verbatim through OnTransportError.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, proton.ErrAuth) || errors.Is(err, proton.ErrProtocol) {
		return false
	}
	return true
}

// transportState is the value handed to OnTransportError and
// OnTransportClose: a snapshot of the transport that finished.
type transportState struct {
	c   *connection
	err error
}

func (t *transportState) Connection() Connection { return t.c }
func (t *transportState) Error() error           { return t.err }

func (t *transportState) String() string {
	if t.err == nil {
		return "transport(closed)"
	}
	return "transport(" + t.err.Error() + ")"
}
