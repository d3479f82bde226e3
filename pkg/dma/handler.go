// Copyright 2021 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dma

// handler reacts to socket interrupts for one family of channel types.
// All methods run on the dispatch goroutine with the channel locked.
type handler interface {
	produce(c *Channel, i int, m Message)
	consume(c *Channel, j int, m Message)
	prodDone(c *Channel, i int)
	consDone(c *Channel, j int)
}

func handlerFor(typ ChannelType) handler {
	switch typ {
	case TypeAuto, TypeAutoSignal, TypeAutoManyToOne, TypeAutoOneToMany:
		return autoHandler{}
	case TypeMulticast:
		return nil
	}
	return manualHandler{}
}

// handle applies one interrupt message to c.
func (c *Channel) handle(m Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m.gen != c.gen.Load() {
		return
	}
	switch c.state {
	case StateActive, StateInCompletion, StateProdOverride, StateConsOverride:
	default:
		return
	}
	dir, idx, ok := c.locate(m.Socket)
	if !ok {
		log.Debugf("%s: interrupt from foreign socket %s", c, m.Socket)
		return
	}
	c.eng.reg.update(m.Socket, func(scb *SocketControlBlock) { scb.Active = m.Dscr })

	if m.Status&StatusError != 0 {
		c.fail(m.Socket)
		return
	}
	if c.state == StateProdOverride || c.state == StateConsOverride {
		c.interceptOverride(m)
		return
	}

	if dir == DirProducer {
		if m.Status&StatusProduce != 0 {
			c.handler.produce(c, idx, m)
		}
		if m.Status&StatusPartialBuf != 0 {
			log.Debugf("%s: %s committed a partial buffer", c, m.Socket)
		}
		if m.Status&StatusSuspend != 0 {
			c.emit(EventProducerSuspended, nil)
		}
		if m.Status&StatusTransDone != 0 {
			c.prod[idx].done = true
			c.handler.prodDone(c, idx)
		}
		return
	}

	if m.Status&StatusStall != 0 {
		c.discardStalled(idx, m)
	}
	if m.Status&StatusConsume != 0 {
		c.handler.consume(c, idx, m)
	}
	if m.Status&StatusSuspend != 0 {
		c.emit(EventConsumerSuspended, nil)
	}
	if m.Status&StatusTransDone != 0 {
		c.cons[idx].done = true
		c.handler.consDone(c, idx)
	}
}

// fail puts c into the error state. Only Reset or Destroy leave it.
func (c *Channel) fail(sck SocketID) {
	log.Errorf("%s: socket %s reported an error", c, sck)
	if err := c.disableAll(); err != nil {
		log.Errorf("%s: disabling sockets: %v", c, err)
	}
	c.clearOverride()
	c.state = StateError
	c.flags.clear(^Event(0))
	c.flags.set(EventError | flagBuffer)
	c.emit(EventError, nil)
	channelErrors.Inc()
}

// complete finishes the current transfer.
func (c *Channel) complete() {
	if c.state != StateActive && c.state != StateInCompletion {
		return
	}
	c.state = StateConfigured
	if err := c.disableAll(); err != nil {
		log.Warnf("%s: disabling sockets after transfer: %v", c, err)
	}
	c.flags.set(EventXferComplete | flagBuffer)
	c.emit(EventXferComplete, nil)
	log.Debugf("%s: transfer complete, %d produced, %d consumed", c, c.prodCount, c.consCount)
}

// tryFinish completes the transfer once every consumer is done and no
// buffer is left for the hardware to drain.
func (c *Channel) tryFinish() {
	for _, q := range c.cons {
		if !q.done {
			return
		}
	}
	if len(c.cons) > 1 && c.occupied() {
		c.state = StateInCompletion
		return
	}
	c.complete()
}

// occupied reports whether a consumer descriptor still holds data.
func (c *Channel) occupied() bool {
	for _, sl := range c.slots {
		for _, d := range sl.cd {
			if c.eng.store.Get(d).Occupied {
				return true
			}
		}
	}
	return false
}

// drained reports whether firmware has given back every produced buffer.
func (c *Channel) drained() bool {
	for _, sl := range c.slots {
		if sl.pd != NoDescriptor && c.eng.store.Get(sl.pd).Occupied {
			return false
		}
	}
	return true
}

func (c *Channel) notifyProduced(i int, m Message) {
	p := c.prod[i]
	p.advance(m.Dscr, func(pos int, d uint16) {
		info := c.info(d, p.id, true)
		c.prodCount++
		bufferCount.WithLabelValues("produce").Inc()
		c.emit(EventProduce, &info)
	})
}

func (c *Channel) notifyConsumed(j int, m Message, f func(k int)) {
	q := c.cons[j]
	q.advance(m.Dscr, func(pos int, d uint16) {
		info := c.info(d, q.id, false)
		c.consCount++
		bufferCount.WithLabelValues("consume").Inc()
		c.emit(EventConsume, &info)
		if f != nil {
			f(c.consSlot(j, pos))
		}
	})
}

// releaseSlot hands slot k back to its producer.
func (c *Channel) releaseSlot(k int) {
	sl := &c.slots[k]
	sl.committed = false
	sl.consumed = 0
	if sl.pd == NoDescriptor {
		return
	}
	c.eng.store.Update(sl.pd, func(d *Descriptor) {
		d.Occupied = false
		d.Count = 0
		d.EOP = false
	})
	c.eng.fence.Barrier()
	p := c.prod[k%len(c.prod)]
	if err := c.eng.reg.SendEvent(p.id, sl.pd, false); err != nil {
		log.Warnf("%s: releasing descriptor %d to %s: %v", c, sl.pd, p.id, err)
	}
}

// discardStalled drops the buffer the consumer stalled on and moves it
// to the next descriptor.
func (c *Channel) discardStalled(j int, m Message) {
	q := c.cons[j]
	pos, ok := q.pos[m.Dscr]
	if !ok {
		return
	}
	k := c.consSlot(j, pos)
	sl := &c.slots[k]
	c.eng.store.Update(m.Dscr, func(d *Descriptor) {
		d.Occupied = false
		d.Marker = false
		d.Count = 0
	})
	if c.eng.opts.CacheEnabled {
		c.eng.cache.FlushRegion(sl.buf.Addr, c.size)
	}
	if c.multicast() {
		sl.consumed |= 1 << uint(j)
		if sl.consumed == c.allConsumers() {
			c.releaseSlot(k)
		}
	} else {
		c.releaseSlot(k)
	}
	q.active = (pos + 1) % len(q.ring)
	left := c.eng.reg.decDiscard(q.id)
	discardCount.Inc()
	if err := c.eng.reg.ReenableAfterDiscard(q.id, q.ring[q.active], left > 0); err != nil {
		log.Errorf("%s: re-enabling %s after discard: %v", c, q.id, err)
	}
}

func (c *Channel) allConsumers() uint32 {
	return 1<<uint(len(c.cons)) - 1
}

// autoHandler serves channels where hardware hands buffers over by itself.
// Firmware only observes.
type autoHandler struct{}

func (autoHandler) produce(c *Channel, i int, m Message) {
	c.notifyProduced(i, m)
}

func (autoHandler) consume(c *Channel, j int, m Message) {
	c.notifyConsumed(j, m, nil)
}

func (autoHandler) prodDone(*Channel, int) {}

func (autoHandler) consDone(c *Channel, _ int) {
	c.tryFinish()
}

// manualHandler serves channels where firmware moves every buffer from
// producer to consumer.
type manualHandler struct{}

func (manualHandler) produce(c *Channel, i int, m Message) {
	c.notifyProduced(i, m)
	c.flags.set(flagBuffer)
}

func (manualHandler) consume(c *Channel, j int, m Message) {
	c.notifyConsumed(j, m, c.releaseSlot)
	if !c.prod[0].hw() {
		c.flags.set(flagBuffer)
	}
	if c.state == StateInCompletion {
		c.tryFinish()
	}
}

func (manualHandler) prodDone(c *Channel, _ int) {
	if c.cons[0].hw() {
		return
	}
	if c.drained() {
		c.complete()
		return
	}
	c.state = StateInCompletion
}

func (manualHandler) consDone(c *Channel, _ int) {
	c.tryFinish()
}

// multicastHandler serves channels where every consumer reads every
// buffer. A slot goes back to the producer once all consumers drained it.
type multicastHandler struct{}

func (multicastHandler) produce(c *Channel, i int, m Message) {
	c.notifyProduced(i, m)
	c.flags.set(flagBuffer)
}

func (multicastHandler) consume(c *Channel, j int, m Message) {
	q := c.cons[j]
	all := c.allConsumers()
	q.advance(m.Dscr, func(pos int, d uint16) {
		sl := &c.slots[pos]
		sl.consumed |= 1 << uint(j)
		if sl.consumed != all {
			return
		}
		info := c.info(d, q.id, false)
		c.consCount++
		bufferCount.WithLabelValues("consume").Inc()
		c.emit(EventConsume, &info)
		c.releaseSlot(pos)
	})
	if c.state == StateInCompletion {
		c.tryFinish()
	}
}

func (multicastHandler) prodDone(*Channel, int) {}

func (multicastHandler) consDone(c *Channel, _ int) {
	c.tryFinish()
}
