// Copyright 2021 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dma

import (
	"fmt"
)

// override is a one-shot transfer through a single descriptor that bypasses
// the ring. Firmware stands in for one side of the channel: it produces the
// data on a send and consumes it on a receive.
type override struct {
	active bool
	// The hardware socket on the other end.
	sck    SocketID
	saved  SocketConfig
	result BufferInfo
}

func (c *Channel) overrideSide(dir Direction) (*side, error) {
	sides := c.cons
	if dir == DirProducer {
		sides = c.prod
	}
	if len(sides) != 1 {
		return nil, fmt.Errorf("%s with several %ss: %w", c, dir, ErrNotSupported)
	}
	if !sides[0].hw() {
		return nil, fmt.Errorf("%s has no hardware %s: %w", c, dir, ErrNotSupported)
	}
	return sides[0], nil
}

// enterOverride starts a send (firmware produces for the hardware consumer)
// or a receive (hardware producer fills a firmware buffer).
func (c *Channel) enterOverride(send bool, buf Buffer, count int) error {
	dir := DirConsumer
	state := StateProdOverride
	status := StatusConsume | StatusTransDone | StatusError
	if !send {
		dir = DirProducer
		state = StateConsOverride
		status = StatusProduce | StatusTransDone | StatusError
	}
	sd, err := c.overrideSide(dir)
	if err != nil {
		return err
	}
	saved, err := c.eng.reg.Config(sd.id)
	if err != nil {
		return err
	}

	desc := Descriptor{
		Buffer: buf.Addr,
		Size:   uint32(buf.Size),
		WrNext: c.ovrDscr,
		RdNext: c.ovrDscr,
	}
	if send {
		desc.Count = uint32(count)
		desc.Occupied = true
		desc.Sync = Sync{ProdSocket: CPUSocket, ProdEvent: true, ConsSocket: sd.id, ConsEvent: true, ConsIntr: true}
		if c.eng.opts.CacheEnabled {
			c.eng.cache.FlushRegion(buf.Addr, count)
		}
	} else {
		desc.Sync = Sync{ProdSocket: sd.id, ProdEvent: true, ProdIntr: true, ConsSocket: CPUSocket, ConsEvent: true}
		if c.eng.opts.CacheEnabled {
			// Drop stale lines so a later eviction cannot clobber the data.
			c.eng.cache.InvalidateRegion(buf.Addr, buf.Size)
		}
	}
	c.eng.store.Set(c.ovrDscr, desc)
	c.eng.fence.Barrier()

	c.gen.Inc()
	c.flags.clear(completionEvents | flagBuffer)
	c.ovr = override{active: true, sck: sd.id, saved: saved}
	c.state = state
	c.eng.reg.update(sd.id, func(scb *SocketControlBlock) { scb.Override = c.ovrDscr })

	cfg := SocketConfig{Dscr: c.ovrDscr, XferSize: 1, IntrMask: status}
	if err := c.eng.reg.Enable(sd.id, cfg); err != nil {
		c.exitOverride()
		return err
	}
	if send {
		if err := c.eng.reg.SendEvent(sd.id, c.ovrDscr, true); err != nil {
			c.exitOverride()
			return err
		}
		overrideCount.WithLabelValues("send").Inc()
	} else {
		overrideCount.WithLabelValues("recv").Inc()
	}
	return nil
}

// exitOverride puts the socket back on the ring where it left off.
func (c *Channel) exitOverride() {
	o := c.ovr
	c.ovr = override{}
	c.state = StateConfigured
	if err := c.eng.reg.Disable(o.sck); err != nil {
		log.Warnf("%s: disabling %s after override: %v", c, o.sck, err)
	}
	saved := o.saved
	saved.Enabled = false
	if err := c.eng.reg.Configure(o.sck, saved); err != nil {
		log.Warnf("%s: restoring %s after override: %v", c, o.sck, err)
	}
	c.eng.reg.update(o.sck, func(scb *SocketControlBlock) { scb.Override = NoDescriptor })
}

// interceptOverride handles m while an override is in flight. Every message
// is swallowed: the ring is idle until the override completes.
func (c *Channel) interceptOverride(m Message) {
	if m.Socket != c.ovr.sck {
		return
	}
	switch c.state {
	case StateProdOverride:
		if m.Status&(StatusConsume|StatusTransDone) == 0 {
			return
		}
		c.exitOverride()
		c.flags.set(EventSendComplete)
		c.emit(EventSendComplete, nil)
	case StateConsOverride:
		if m.Status&(StatusProduce|StatusTransDone) == 0 {
			return
		}
		info := c.info(c.ovrDscr, m.Socket, true)
		c.exitOverride()
		c.ovr.result = info
		c.flags.set(EventRecvComplete)
		c.emit(EventRecvComplete, &info)
	}
}
