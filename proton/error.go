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
	"sync"
	"sync/atomic"
)

// ErrAuth indicates the SASL negotiation failed permanently: no mutual
// mechanism, or the peer rejected the credentials. Errors wrapping ErrAuth
// must never be retried.
var ErrAuth = errors.New("sasl authentication failed")

// ErrProtocol indicates the peer is not speaking a compatible protocol:
// header mismatch or an unexpected frame during connection establishment.
// Errors wrapping ErrProtocol must never be retried.
var ErrProtocol = errors.New("protocol establishment failed")

// ErrorHolder is a goroutine-safe error holder that keeps the first error that is set.
type ErrorHolder struct {
	once  sync.Once
	value atomic.Value
}

// Set the error if not already set
func (e *ErrorHolder) Set(err error) {
	if err != nil {
		e.once.Do(func() { e.value.Store(err) })
	}
}

// Get the error.
func (e *ErrorHolder) Get() (err error) {
	err, _ = e.value.Load().(error)
	return
}
