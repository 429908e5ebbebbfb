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
	"sync"
	"time"
)

// workQueue is a serialized execution context: an unbounded FIFO of
// functions drained by a single goroutine. Each Connection has one, and the
// Container has one; everything that touches a connection's state is run
// through its queue, so that state needs no locks.
//
// Add is safe from any goroutine - this is the cross-context handoff
// mechanism (post, don't call). close discards every task that has not yet
// started, stops all pending timers, and guarantees that no task runs after
// it returns when called from the executor goroutine itself.
type workQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []func()
	timers map[*time.Timer]struct{}
	closed bool
	done   chan struct{}
}

func newWorkQueue() *workQueue {
	q := &workQueue{
		timers: make(map[*time.Timer]struct{}),
		done:   make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// Add enqueues f for execution. Returns false if the queue is closed, in
// which case f will never run.
func (q *workQueue) Add(f func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, f)
	q.cond.Signal()
	return true
}

// Schedule enqueues f for execution no earlier than delay from now.
// A non-positive delay is an immediate Add. Returns false if the queue is
// already closed; a pending timer whose queue closes before it fires is
// discarded silently.
func (q *workQueue) Schedule(delay time.Duration, f func()) bool {
	if delay <= 0 {
		return q.Add(f)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, t)
		q.mu.Unlock()
		q.Add(f)
	})
	q.timers[t] = struct{}{}
	return true
}

// close shuts the queue down. Queued tasks are discarded, not delivered late.
func (q *workQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for t := range q.timers {
		t.Stop()
	}
	q.timers = nil
	q.items = nil
	q.cond.Signal()
}

// Done is closed when the executor goroutine has exited.
func (q *workQueue) Done() <-chan struct{} { return q.done }

func (q *workQueue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			return
		}
		f := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()
		f()
	}
}
