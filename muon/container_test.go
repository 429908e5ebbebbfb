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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestContainerIds(t *testing.T) {
	a := NewContainer("", nil)
	b := NewContainer("", nil)
	assert.NotEmpty(t, a.Id())
	assert.NotEqual(t, a.Id(), b.Id())
	assert.Equal(t, "fixed", NewContainer("fixed", nil).Id())
}

// An idle container runs OnContainerStart and returns.
func TestContainerRunIdle(t *testing.T) {
	started := false
	c := NewContainer("idle", &startFunc{f: func(Container) { started = true }})
	fatalIf(t, c.Run())
	if !started {
		t.Error("OnContainerStart never ran")
	}
}

// A scheduled task keeps the container alive until it has run.
func TestContainerSchedule(t *testing.T) {
	c := NewContainer("sched", nil)
	ran := make(chan struct{})
	if !c.Schedule(time.Millisecond, func() { close(ran) }) {
		t.Fatal("schedule refused")
	}
	fatalIf(t, c.Run())
	wait(t, ran, "scheduled task")
}

func TestContainerStoppedRefusesWork(t *testing.T) {
	c := NewContainer("stopped", nil)
	c.Stop(nil)
	fatalIf(t, c.Run())

	_, err := c.Connect("amqp://nowhere")
	assert.Error(t, err)
	_, err = c.Listen("127.0.0.1:0")
	assert.Error(t, err)
	assert.False(t, c.Schedule(time.Millisecond, func() {}))
}

// The error given to Stop comes back out of Run.
func TestContainerStopError(t *testing.T) {
	c := NewContainer("stop-err", nil)
	boom := errors.New("boom")
	c.Stop(boom)
	err := c.Run()
	assert.ErrorContains(t, err, "boom")
}

// A listener keeps the container alive; closing it lets Run return.
func TestContainerListenerLifecycle(t *testing.T) {
	opened := make(chan struct{})
	h := &listenerFunc{f: func(Listener) { close(opened) }}
	c := NewContainer("lst", h)
	l, err := c.Listen("127.0.0.1:0")
	fatalIf(t, err)
	done := runContainer(c)
	wait(t, opened, "listener open")

	select {
	case err := <-done:
		t.Fatalf("Run returned with a live listener: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	l.Close()
	fatalIf(t, <-done)
}

type startFunc struct {
	NopHandler
	f func(Container)
}

func (h *startFunc) OnContainerStart(c Container) { h.f(c) }

type listenerFunc struct {
	NopHandler
	f func(Listener)
}

func (h *listenerFunc) OnListenerOpen(l Listener) { h.f(l) }
