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
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/apache/qpid-muon/amqp"
)

// ReconnectOptions configure automatic transport re-establishment for a
// connection. The zero value means: retry the original target forever,
// starting at 10ms between attempts and doubling up to a 10 minute cap.
//
// Passing ReconnectOptions to Connect (via the Reconnect option) is what
// enables retry at all; without it the first transport failure is surfaced
// to the application immediately.
type ReconnectOptions struct {
	// Delay is the interval before the first retry. Default 10ms.
	Delay time.Duration

	// Multiplier scales the interval after each failed attempt. Default 2.
	Multiplier float64

	// MaxDelay caps the interval. Default 10 minutes.
	MaxDelay time.Duration

	// MaxAttempts bounds the number of retries in one connect cycle.
	// Zero means unlimited.
	MaxAttempts int

	// MaxElapsed bounds the total time spent retrying in one connect
	// cycle. Zero means unlimited.
	MaxElapsed time.Duration

	// FailoverURLs are alternate endpoints tried round-robin after the
	// original target fails, wrapping back to the target after the last.
	FailoverURLs []string
}

const (
	defaultReconnectDelay      = 10 * time.Millisecond
	defaultReconnectMultiplier = 2.0
	defaultReconnectMaxDelay   = 10 * time.Minute
)

// reconnectPolicy is the per-cycle decision engine: given the failures so
// far, produce the next endpoint and delay, or give up. It holds no
// protocol knowledge; it only rotates and counts. A cycle begins at the
// connect call (or at the failure of an established transport) and the
// policy is discarded when an attempt succeeds.
//
// The candidate list is fixed at construction: the original target followed
// by the failover addresses. The rotation cursor is owned by the connection
// driving the retries.
type reconnectPolicy struct {
	hosts    []string // candidate "host:port" list, target first
	cursor   int
	attempts int
	max      int
	bo       *backoff.ExponentialBackOff
}

func newReconnectPolicy(o ReconnectOptions, target *url.URL) (*reconnectPolicy, error) {
	hosts := []string{target.Host}
	for _, s := range o.FailoverURLs {
		u, err := amqp.ParseURL(s)
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, u.Host)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = defaultReconnectDelay
	if o.Delay > 0 {
		bo.InitialInterval = o.Delay
	}
	bo.Multiplier = defaultReconnectMultiplier
	if o.Multiplier > 1 {
		bo.Multiplier = o.Multiplier
	}
	bo.MaxInterval = defaultReconnectMaxDelay
	if o.MaxDelay > 0 {
		bo.MaxInterval = o.MaxDelay
	}
	bo.MaxElapsedTime = o.MaxElapsed // 0 = retry forever
	bo.RandomizationFactor = 0       // keep the schedule deterministic
	bo.Reset()

	return &reconnectPolicy{hosts: hosts, cursor: 1, max: o.MaxAttempts, bo: bo}, nil
}

// nextAttempt returns the endpoint and delay for the next transport
// attempt, or ok=false when the policy gives up (attempt or elapsed-time
// bound reached).
func (p *reconnectPolicy) nextAttempt() (host string, delay time.Duration, ok bool) {
	if p.max > 0 && p.attempts >= p.max {
		return "", 0, false
	}
	delay = p.bo.NextBackOff()
	if delay == backoff.Stop {
		return "", 0, false
	}
	host = p.hosts[p.cursor%len(p.hosts)]
	p.cursor++
	p.attempts++
	return host, delay, true
}
