// Copyright 2021 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dma

import (
	"context"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/multierr"
)

// ChannelStatus is a snapshot of a channel.
type ChannelStatus struct {
	State State
	// Buffers produced and consumed in the current transfer.
	ProdCount uint32
	ConsCount uint32
	XferSize  uint32
}

func stateErr(c *Channel) error {
	switch c.state {
	case StateError:
		return fmt.Errorf("%s: %w", c, ErrChannelError)
	case StateAborted:
		return fmt.Errorf("%s: %w", c, ErrAborted)
	case StateNotConfigured:
		return fmt.Errorf("%s: %w", c, ErrNotConfigured)
	}
	return nil
}

// idle returns nil if c may start a transfer or an override.
func (c *Channel) idle() error {
	if err := stateErr(c); err != nil {
		return err
	}
	if c.state != StateConfigured {
		return fmt.Errorf("%s is %s: %w", c, c.state, ErrAlreadyStarted)
	}
	return nil
}

// running returns nil while a transfer is in progress.
func (c *Channel) running(inCompletion bool) error {
	if err := stateErr(c); err != nil {
		return err
	}
	if c.state == StateActive || (inCompletion && c.state == StateInCompletion) {
		return nil
	}
	return fmt.Errorf("%s is %s: %w", c, c.state, ErrInvalidSequence)
}

func share(total uint32, n, i int) uint32 {
	if total == 0 {
		return 0
	}
	s := total / uint32(n)
	if uint32(i) < total%uint32(n) {
		s++
	}
	return s
}

func (c *Channel) intrMask(dir Direction) Status {
	mask := StatusTransDone | StatusError | StatusSuspend | StatusPartialBuf
	switch dir {
	case DirProducer:
		if c.typ.Manual() || c.typ == TypeAutoSignal || c.notify&EventProduce != 0 {
			mask |= StatusProduce
		}
	case DirConsumer:
		if c.typ.Manual() || c.notify&EventConsume != 0 {
			mask |= StatusConsume
		}
	}
	return mask
}

// consumerFor returns the consumer reading descriptor j of slot k.
func (c *Channel) consumerFor(k, j int) *side {
	if c.multicast() {
		return c.cons[j]
	}
	return c.cons[k%len(c.cons)]
}

// SetXfer starts a transfer of count buffers, or an endless one for 0.
// Sockets of a fan-in or fan-out channel each move their share.
func (c *Channel) SetXfer(count uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.idle(); err != nil {
		return err
	}
	c.gen.Inc()
	c.flags.clear(completionEvents | flagBuffer)
	c.xferSize = count
	c.prodCount, c.consCount = 0, 0

	var err error
	for j, q := range c.cons {
		q.done = false
		if !q.hw() {
			continue
		}
		n := share(count, len(c.cons), j)
		if c.multicast() {
			n = count
		}
		err = multierr.Append(err, c.eng.reg.Enable(q.id, SocketConfig{
			Dscr:     q.ring[q.active],
			XferSize: n,
			IntrMask: c.intrMask(DirConsumer),
			Suspend:  q.suspend,
		}))
	}
	for i, p := range c.prod {
		p.done = false
		if !p.hw() {
			continue
		}
		err = multierr.Append(err, c.eng.reg.Enable(p.id, SocketConfig{
			Dscr:     p.ring[p.active],
			XferSize: share(count, len(c.prod), i),
			IntrMask: c.intrMask(DirProducer),
			Suspend:  p.suspend,
		}))
	}
	if err != nil {
		if derr := c.disableAll(); derr != nil {
			log.Warnf("%s: disabling sockets after failed start: %v", c, derr)
		}
		return err
	}
	c.state = StateActive
	log.Debugf("%s: transfer of %d buffers started", c, count)
	return nil
}

// GetBuffer returns the next buffer firmware owns. For channels fed by
// hardware it holds produced data; for MANUAL_OUT it is an empty buffer to
// fill, with Buffer spanning the full size.
func (c *Channel) GetBuffer(timeout time.Duration) (BufferInfo, error) {
	if !c.typ.Manual() {
		return BufferInfo{}, fmt.Errorf("%s: GetBuffer: %w", c, ErrNotSupported)
	}
	clk := c.eng.clk
	start := clk.Now()
	defer func() { waitLatency.WithLabelValues("get_buffer").Observe(clk.Since(start).Seconds()) }()
	for {
		c.mu.Lock()
		info, ok, err := c.peek()
		c.mu.Unlock()
		if err != nil || ok {
			return info, err
		}
		left := timeout
		if timeout > 0 {
			if left = timeout - clk.Since(start); left <= 0 {
				return BufferInfo{}, ErrTimeout
			}
		}
		if _, err := c.flags.wait(clk, flagBuffer, left); err != nil {
			return BufferInfo{}, err
		}
	}
}

func (c *Channel) peek() (BufferInfo, bool, error) {
	if err := c.running(true); err != nil {
		return BufferInfo{}, false, err
	}
	sl := c.slots[c.cpu]
	if sl.committed {
		return BufferInfo{}, false, nil
	}
	if c.prod[0].hw() {
		if !c.eng.store.Get(sl.pd).Occupied {
			return BufferInfo{}, false, nil
		}
		return c.info(sl.pd, c.prod[c.cpu%len(c.prod)].id, false), true, nil
	}
	if c.eng.store.Get(sl.cd[0]).Occupied {
		return BufferInfo{}, false, nil
	}
	return BufferInfo{
		Buffer: sl.buf.Bytes(),
		Addr:   sl.buf.Addr,
		Size:   sl.buf.Size,
		Dscr:   sl.cd[0],
		Socket: CPUSocket,
	}, true, nil
}

// CommitBuffer hands the buffer returned by GetBuffer to the consumer with
// count valid bytes.
func (c *Channel) CommitBuffer(count int, eop bool) error {
	if !c.typ.Manual() || !c.cons[0].hw() {
		return fmt.Errorf("%s: CommitBuffer: %w", c, ErrNotSupported)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.running(false); err != nil {
		return err
	}
	if count < 0 || count > c.size {
		return fmt.Errorf("%s: commit of %d bytes into %d byte buffer: %w", c, count, c.size, ErrBadArgument)
	}
	k := c.cpu
	sl := &c.slots[k]
	if !c.firmwareOwns(sl) {
		return fmt.Errorf("%s: %w", c, ErrNoBufferPending)
	}
	if c.eng.opts.CacheEnabled {
		c.eng.cache.FlushRegion(sl.buf.Addr, count)
	}
	for _, d := range sl.cd {
		c.eng.store.Update(d, func(d *Descriptor) {
			d.Count = uint32(count)
			d.EOP = eop
			d.Marker = false
			d.Occupied = true
		})
	}
	c.eng.fence.Barrier()
	sl.committed = true
	var err error
	for j, d := range sl.cd {
		err = multierr.Append(err, c.eng.reg.SendEvent(c.consumerFor(k, j).id, d, true))
	}
	c.cpu = (k + 1) % len(c.slots)
	bufferCount.WithLabelValues("commit").Inc()
	return err
}

// firmwareOwns reports whether firmware may hand slot sl on.
func (c *Channel) firmwareOwns(sl *slot) bool {
	if sl.committed {
		return false
	}
	if c.prod[0].hw() {
		return c.eng.store.Get(sl.pd).Occupied
	}
	return !c.eng.store.Get(sl.cd[0]).Occupied
}

// DiscardBuffer drops the buffer returned by GetBuffer. With a CPU consumer
// this is how firmware consumes data; otherwise the consumer skips the
// buffer through the stall path.
func (c *Channel) DiscardBuffer() error {
	if !c.typ.Manual() || !c.prod[0].hw() {
		return fmt.Errorf("%s: DiscardBuffer: %w", c, ErrNotSupported)
	}
	c.mu.Lock()
	if err := c.running(true); err != nil {
		c.mu.Unlock()
		return err
	}
	k := c.cpu
	sl := &c.slots[k]
	if !c.firmwareOwns(sl) {
		c.mu.Unlock()
		return fmt.Errorf("%s: %w", c, ErrNoBufferPending)
	}
	if c.eng.opts.CacheEnabled {
		c.eng.cache.FlushRegion(sl.buf.Addr, c.size)
	}
	var err error
	if c.cons[0].hw() {
		for j, d := range sl.cd {
			c.eng.store.Update(d, func(d *Descriptor) {
				d.Count = 0
				d.EOP = false
				d.Marker = true
				d.Occupied = true
			})
			err = multierr.Append(err, c.eng.reg.ArmDiscard(c.consumerFor(k, j).id, 1))
		}
		c.eng.fence.Barrier()
		sl.committed = true
		for j, d := range sl.cd {
			err = multierr.Append(err, c.eng.reg.SendEvent(c.consumerFor(k, j).id, d, true))
		}
	} else {
		c.consCount++
		c.releaseSlot(k)
	}
	c.cpu = (k + 1) % len(c.slots)
	bufferCount.WithLabelValues("discard").Inc()
	finished := false
	if c.state == StateInCompletion && !c.cons[0].hw() && c.drained() {
		c.complete()
		finished = true
	}
	c.mu.Unlock()
	if finished {
		c.eng.disp.kick(c)
	}
	return err
}

// DiscardInFlight drops the next n buffers already committed to the
// consumer before it reads them.
func (c *Channel) DiscardInFlight(n int) error {
	if !c.typ.Manual() || !c.prod[0].hw() || !c.cons[0].hw() || len(c.cons) != 1 {
		return fmt.Errorf("%s: DiscardInFlight: %w", c, ErrNotSupported)
	}
	if n <= 0 {
		return fmt.Errorf("%s: discard %d buffers: %w", c, n, ErrBadArgument)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.running(false); err != nil {
		return err
	}
	q := c.cons[0]
	marked := 0
	for i := 0; i < len(q.ring) && marked < n; i++ {
		d := q.ring[(q.active+i)%len(q.ring)]
		if !c.eng.store.Get(d).Occupied {
			break
		}
		c.eng.store.Update(d, func(d *Descriptor) { d.Marker = true })
		marked++
	}
	if marked == 0 {
		return fmt.Errorf("%s: %w", c, ErrNoBufferPending)
	}
	c.eng.fence.Barrier()
	return c.eng.reg.ArmDiscard(q.id, marked)
}

// SetupSendBuffer sends count bytes of buf to the hardware consumer outside
// the ring. The channel must be idle and returns to idle once sent.
func (c *Channel) SetupSendBuffer(buf Buffer, count int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.idle(); err != nil {
		return err
	}
	if err := c.checkBuffer(buf); err != nil {
		return err
	}
	if count < 0 || count > buf.Size {
		return fmt.Errorf("%s: send of %d bytes from %d byte buffer: %w", c, count, buf.Size, ErrBadArgument)
	}
	return c.enterOverride(true, buf, count)
}

// SetupRecvBuffer receives one buffer from the hardware producer into buf
// outside the ring.
func (c *Channel) SetupRecvBuffer(buf Buffer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.idle(); err != nil {
		return err
	}
	if err := c.checkBuffer(buf); err != nil {
		return err
	}
	return c.enterOverride(false, buf, 0)
}

func (c *Channel) checkBuffer(buf Buffer) error {
	if buf.IsZero() {
		return fmt.Errorf("%s: %w", c, ErrNullPointer)
	}
	if buf.arena != c.eng.arena {
		return fmt.Errorf("%s: buffer %#x is not DMA memory: %w", c, buf.Addr, ErrBadArgument)
	}
	return nil
}

// WaitForCompletion blocks until the transfer or override in progress
// finishes. It returns at once if nothing is in flight.
func (c *Channel) WaitForCompletion(timeout time.Duration) error {
	clk := c.eng.clk
	start := clk.Now()
	defer func() { waitLatency.WithLabelValues("completion").Observe(clk.Since(start).Seconds()) }()

	c.mu.Lock()
	err := stateErr(c)
	st := c.state
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if st == StateConfigured && c.flags.peek()&completionEvents == 0 {
		return nil
	}
	got, err := c.flags.wait(clk, completionEvents, timeout)
	if err != nil {
		return err
	}
	switch {
	case got&EventError != 0:
		return fmt.Errorf("%s: %w", c, ErrChannelError)
	case got&EventAbort != 0:
		return fmt.Errorf("%s: %w", c, ErrAborted)
	}
	return nil
}

// WaitForRecvBuffer waits for the receive set up by SetupRecvBuffer and
// returns what landed in the buffer.
func (c *Channel) WaitForRecvBuffer(timeout time.Duration) (BufferInfo, error) {
	c.mu.Lock()
	err := stateErr(c)
	st := c.state
	c.mu.Unlock()
	if err != nil {
		return BufferInfo{}, err
	}
	if st != StateConsOverride && c.flags.peek()&EventRecvComplete == 0 {
		return BufferInfo{}, fmt.Errorf("%s: no receive pending: %w", c, ErrInvalidSequence)
	}
	got, err := c.flags.wait(c.eng.clk, EventRecvComplete|EventError|EventAbort, timeout)
	if err != nil {
		return BufferInfo{}, err
	}
	switch {
	case got&EventError != 0:
		return BufferInfo{}, fmt.Errorf("%s: %w", c, ErrChannelError)
	case got&EventAbort != 0:
		return BufferInfo{}, fmt.Errorf("%s: %w", c, ErrAborted)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ovr.result, nil
}

// Abort stops the channel immediately. Data in flight is lost and pending
// notifications are dropped; Reset makes the channel usable again.
func (c *Channel) Abort() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateNotConfigured {
		return fmt.Errorf("%s: %w", c, ErrNotConfigured)
	}
	err := c.disableAll()
	c.gen.Inc()
	c.clearOverride()
	c.state = StateAborted
	c.pending = nil
	c.flags.clear(^Event(0))
	c.flags.set(EventAbort | flagBuffer)
	log.Debugf("%s: aborted", c)
	return err
}

// Reset stops the channel and rewinds every socket to the start of its
// ring. Descriptors and buffers are kept.
func (c *Channel) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateNotConfigured {
		return fmt.Errorf("%s: %w", c, ErrNotConfigured)
	}
	err := c.disableAll()
	c.gen.Inc()
	c.clearOverride()
	err = multierr.Append(err, c.resync())
	c.state = StateConfigured
	c.pending = nil
	c.flags.clear(^Event(0))
	log.Debugf("%s: reset", c)
	return err
}

func (c *Channel) clearOverride() {
	if c.ovr.active {
		c.eng.reg.update(c.ovr.sck, func(scb *SocketControlBlock) { scb.Override = NoDescriptor })
	}
	c.ovr = override{}
}

// Destroy stops the channel, unbinds its sockets and frees its memory.
func (c *Channel) Destroy() error {
	c.eng.createMu.Lock()
	defer c.eng.createMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateNotConfigured {
		return fmt.Errorf("%s: %w", c, ErrNotConfigured)
	}
	err := c.disableAll()
	c.gen.Inc()
	c.clearOverride()
	for _, sd := range c.sockets() {
		c.eng.reg.Unbind(sd.id)
	}
	c.release()
	c.state = StateNotConfigured
	c.pending = nil
	c.flags.clear(^Event(0))
	c.flags.set(EventAbort | flagBuffer)
	c.eng.forget(c)
	log.Debugf("%s: destroyed", c)
	return err
}

// SetWrapUp makes every producer commit its partially filled buffer.
func (c *Channel) SetWrapUp() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.running(false); err != nil {
		return err
	}
	var err error
	for _, p := range c.prod {
		if !p.hw() {
			return fmt.Errorf("%s: wrap up of CPU producer: %w", c, ErrNotSupported)
		}
		err = multierr.Append(err, c.eng.reg.WrapUp(p.id))
	}
	return err
}

// SetSuspend selects when producer and consumer sockets suspend.
func (c *Channel) SetSuspend(prod, cons SuspendOption) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := stateErr(c); err != nil {
		return err
	}
	var err error
	set := func(sides []*side, opt SuspendOption) {
		for _, sd := range sides {
			sd.suspend = opt
			err = multierr.Append(err, c.eng.reg.Modify(sd.id, func(cfg *SocketConfig) { cfg.Suspend = opt }))
		}
	}
	set(c.prod, prod)
	set(c.cons, cons)
	return err
}

// Resume restarts suspended producer or consumer sockets.
func (c *Channel) Resume(prod, cons bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.running(true); err != nil {
		return err
	}
	var err error
	resume := func(sides []*side) {
		for _, sd := range sides {
			if !sd.hw() {
				continue
			}
			cfg, cerr := c.eng.reg.Config(sd.id)
			if cerr != nil {
				err = multierr.Append(err, cerr)
				continue
			}
			if cfg.Suspended {
				err = multierr.Append(err, c.eng.reg.Enable(sd.id, cfg))
			}
		}
	}
	if prod {
		resume(c.prod)
	}
	if cons {
		resume(c.cons)
	}
	return err
}

// WaitIdle polls until no socket of the channel touches memory anymore.
// Call it after Abort before reusing buffers.
func (c *Channel) WaitIdle(ctx context.Context) error {
	b := &backoff.Backoff{Min: 50 * time.Microsecond, Max: 10 * time.Millisecond, Factor: 2}
	for {
		busy := false
		for _, sd := range c.sockets() {
			if c.eng.reg.Active(sd.id) {
				busy = true
				break
			}
		}
		if !busy {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.eng.clk.After(b.Duration()):
		}
	}
}

// Status returns the channel state and the counts of the current transfer.
func (c *Channel) Status() ChannelStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ChannelStatus{
		State:     c.state,
		ProdCount: c.prodCount,
		ConsCount: c.consCount,
		XferSize:  c.xferSize,
	}
}

// State returns the channel state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetNotification replaces the set of events delivered to the callback.
func (c *Channel) SetNotification(mask Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = mask &^ flagBuffer
}
