// Copyright 2021 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dma

import (
	"sync"
	"time"

	"github.com/jmhodges/clock"
)

const (
	// WaitForever blocks until the flag is set.
	WaitForever time.Duration = -1
	// NoWait polls the flag once.
	NoWait time.Duration = 0
)

// eventFlags is an event group: waiters block until any of the requested
// bits is set and consume the bits they saw.
type eventFlags struct {
	mu   sync.Mutex
	bits Event
	ch   chan struct{}
}

func newEventFlags() *eventFlags {
	return &eventFlags{ch: make(chan struct{})}
}

func (f *eventFlags) set(e Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bits |= e
	close(f.ch)
	f.ch = make(chan struct{})
}

func (f *eventFlags) clear(e Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bits &^= e
}

func (f *eventFlags) peek() Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bits
}

// wait returns the subset of mask that was set, clearing it.
func (f *eventFlags) wait(clk clock.Clock, mask Event, timeout time.Duration) (Event, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		t := clk.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	for {
		f.mu.Lock()
		if got := f.bits & mask; got != 0 {
			f.bits &^= got
			f.mu.Unlock()
			return got, nil
		}
		ch := f.ch
		f.mu.Unlock()
		if timeout == NoWait {
			return 0, ErrTimeout
		}
		select {
		case <-ch:
		case <-deadline:
			return 0, ErrTimeout
		}
	}
}
