// Copyright 2021 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dma

import (
	"context"

	"go.uber.org/atomic"
)

// Message is one socket interrupt on its way to the dispatch goroutine.
type Message struct {
	Socket  SocketID
	Channel *Channel
	Status  Status
	// Descriptor the interrupt refers to.
	Dscr uint16

	gen   uint32
	kick  bool
	flush chan struct{}
}

// Dispatcher serializes interrupt handling onto a single goroutine.
type Dispatcher struct {
	q       chan Message
	tap     func(Message)
	handled atomic.Uint64
	dropped atomic.Uint64
}

func newDispatcher(depth int, tap func(Message)) *Dispatcher {
	return &Dispatcher{q: make(chan Message, depth), tap: tap}
}

// Post queues m, blocking while the queue is full.
func (d *Dispatcher) Post(ctx context.Context, m Message) error {
	select {
	case d.q <- m:
		return nil
	case <-ctx.Done():
		d.dropped.Inc()
		return ctx.Err()
	}
}

// TryPost queues m unless the queue is full.
func (d *Dispatcher) TryPost(m Message) bool {
	select {
	case d.q <- m:
		return true
	default:
		return false
	}
}

// Handled returns the number of interrupt messages processed.
func (d *Dispatcher) Handled() uint64 {
	return d.handled.Load()
}

// Dropped returns the number of messages that could not be queued.
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

// Flush waits until every message queued before it has been handled and
// its notifications delivered. It must not be called from a callback.
func (d *Dispatcher) Flush(ctx context.Context) error {
	done := make(chan struct{})
	if err := d.Post(ctx, Message{flush: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-d.q:
			d.process(m)
		}
	}
}

func (d *Dispatcher) process(m Message) {
	if m.flush != nil {
		close(m.flush)
		return
	}
	if m.Channel == nil {
		return
	}
	if !m.kick {
		d.handled.Inc()
		if d.tap != nil {
			d.tap(m)
		}
		for _, s := range m.Status.bits() {
			interruptCount.WithLabelValues(s.String()).Inc()
		}
		m.Channel.handle(m)
	}
	m.Channel.deliver()
}

// kick asks the dispatch goroutine to deliver notifications queued by an
// API call. If the queue is full they go out with the next interrupt.
func (d *Dispatcher) kick(c *Channel) {
	if !d.TryPost(Message{Channel: c, kick: true}) {
		d.dropped.Inc()
	}
}
