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
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/apache/qpid-muon/amqp"
)

// Container is the top-level scope for connections and listeners. Its
// identity is sent to every peer in the open handshake.
//
// A container tracks outstanding work: Run returns once every connection
// and listener it created has finished and no scheduled tasks remain, or
// once Stop has been called and everything has shut down.
type Container interface {
	// Id of the container, unique among communicating containers.
	Id() string

	// Connect opens an outbound connection to an amqp:// or amqps:// URL.
	// The connection proceeds asynchronously; progress is reported to the
	// handler. Safe from any goroutine.
	Connect(address string, opts ...ConnectionOption) (Connection, error)

	// Listen accepts inbound connections on a network address. Each
	// accepted connection is reported to the handler as its own
	// Connection. Safe from any goroutine.
	Listen(addr string, opts ...ConnectionOption) (Listener, error)

	// Schedule runs f on the container's serialized context after delay.
	// The container stays alive until the task has run. Safe from any
	// goroutine. Returns false if the container is stopped.
	Schedule(delay time.Duration, f func()) bool

	// Run fires OnContainerStart and blocks until the container has no
	// remaining work. It returns the accumulated shutdown errors, or nil.
	Run() error

	// Stop closes every listener and force-closes every connection, then
	// lets Run return. Connections receive only OnTransportClose; no close
	// handshake is attempted. Safe from any goroutine.
	Stop(err error)

	String() string
}

// ContainerOption configures a container at creation.
type ContainerOption func(*container)

// ContainerLogger sets the logger for the container and everything it
// creates. The default logs nothing.
func ContainerLogger(l hclog.Logger) ContainerOption {
	return func(c *container) { c.log = l }
}

type container struct {
	id      string
	handler Handler
	log     hclog.Logger
	queue   *workQueue

	tagCount  uint64
	linkCount uint64

	mu        sync.Mutex
	conns     map[*connection]struct{}
	listeners map[*listener]struct{}
	tasks     int
	stopped   bool
	errs      *multierror.Error

	runDone  chan struct{}
	doneOnce sync.Once
}

// NewContainer creates a container. An empty id gets a generated unique id.
func NewContainer(id string, handler Handler, opts ...ContainerOption) Container {
	if id == "" {
		id = uuid.NewString()
	}
	if handler == nil {
		handler = NopHandler{}
	}
	c := &container{
		id:        id,
		handler:   handler,
		queue:     newWorkQueue(),
		conns:     make(map[*connection]struct{}),
		listeners: make(map[*listener]struct{}),
		runDone:   make(chan struct{}),
	}
	for _, set := range opts {
		set(c)
	}
	if c.log == nil {
		c.log = hclog.NewNullLogger()
	}
	c.log = c.log.With("container", c.id)
	return c
}

func (c *container) Id() string     { return c.id }
func (c *container) String() string { return "container(" + c.id + ")" }

// nextTag returns a delivery tag unique within the container.
func (c *container) nextTag() string {
	return strconv.FormatUint(atomic.AddUint64(&c.tagCount, 1), 32)
}

// nextLinkName returns a link name unique among communicating containers.
func (c *container) nextLinkName() string {
	return c.id + "@" + strconv.FormatUint(atomic.AddUint64(&c.linkCount, 1), 32)
}

func (c *container) Connect(address string, opts ...ConnectionOption) (Connection, error) {
	u, err := amqp.ParseURL(address)
	if err != nil {
		return nil, err
	}
	cn := newConnection(c, u, opts...)

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil, fmt.Errorf("connect %s: container %s is stopped", address, c.id)
	}
	c.conns[cn] = struct{}{}
	c.mu.Unlock()

	cn.queue.Add(cn.start)
	return cn, nil
}

func (c *container) Schedule(delay time.Duration, f func()) bool {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return false
	}
	c.tasks++
	c.mu.Unlock()

	ok := c.queue.Schedule(delay, func() {
		f()
		c.taskDone()
	})
	if !ok {
		c.taskDone()
	}
	return ok
}

func (c *container) Run() error {
	c.mu.Lock()
	c.tasks++
	c.mu.Unlock()
	c.queue.Add(func() {
		c.handler.OnContainerStart(c)
		c.taskDone()
	})

	<-c.runDone
	c.queue.close()

	c.mu.Lock()
	err := c.errs.ErrorOrNil()
	c.mu.Unlock()
	return err
}

func (c *container) Stop(err error) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	if err != nil {
		c.errs = multierror.Append(c.errs, err)
	}
	listeners := make([]*listener, 0, len(c.listeners))
	for l := range c.listeners {
		listeners = append(listeners, l)
	}
	conns := make([]*connection, 0, len(c.conns))
	for cn := range c.conns {
		conns = append(conns, cn)
	}
	c.mu.Unlock()

	c.log.Debug("container stopping", "error", err)
	stopErr := err
	if stopErr == nil {
		stopErr = Closed
	}
	for _, l := range listeners {
		l.Close()
	}
	for _, cn := range conns {
		cn := cn
		cn.queue.Add(func() { cn.forceClose(stopErr) })
	}
	c.maybeDone()
}

// adopt registers a connection created outside Connect (listener side).
func (c *container) adopt(cn *connection) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return false
	}
	c.conns[cn] = struct{}{}
	return true
}

func (c *container) addListener(l *listener) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return false
	}
	c.listeners[l] = struct{}{}
	return true
}

func (c *container) removeConnection(cn *connection) {
	c.mu.Lock()
	delete(c.conns, cn)
	c.mu.Unlock()
	c.maybeDone()
}

func (c *container) removeListener(l *listener, err error) {
	c.mu.Lock()
	delete(c.listeners, l)
	if err != nil {
		c.errs = multierror.Append(c.errs, err)
	}
	c.mu.Unlock()
	c.maybeDone()
}

func (c *container) taskDone() {
	c.mu.Lock()
	c.tasks--
	c.mu.Unlock()
	c.maybeDone()
}

// maybeDone lets Run return once nothing is outstanding. A container with
// pending tasks stays alive even with no connections, so OnContainerStart
// can create its first connection without a race.
func (c *container) maybeDone() {
	c.mu.Lock()
	done := (c.stopped || c.tasks == 0) && len(c.conns) == 0 && len(c.listeners) == 0
	c.mu.Unlock()
	if done {
		c.doneOnce.Do(func() { close(c.runDone) })
	}
}
