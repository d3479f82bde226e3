// Copyright 2021 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dma

import (
	"fmt"

	"go.uber.org/multierr"
)

// validate checks the socket topology against the channel type.
func validate(typ ChannelType, cfg *MultiConfig) error {
	if cfg.Size <= 0 || cfg.Size > MaxBufferSize {
		return fmt.Errorf("buffer size %d: %w", cfg.Size, ErrBadArgument)
	}
	if cfg.Count <= 0 {
		return fmt.Errorf("buffer count %d: %w", cfg.Count, ErrBadArgument)
	}
	n, m := len(cfg.ProdSockets), len(cfg.ConsSockets)
	switch typ {
	case TypeAuto, TypeAutoSignal, TypeManual, TypeManualIn, TypeManualOut:
		if n != 1 || m != 1 {
			return fmt.Errorf("%s needs one producer and one consumer: %w", typ, ErrBadArgument)
		}
	case TypeAutoManyToOne, TypeManualManyToOne:
		if n < 2 || n > MaxMultiSockets || m != 1 {
			return fmt.Errorf("%s needs 2 to %d producers and one consumer: %w", typ, MaxMultiSockets, ErrBadArgument)
		}
	case TypeAutoOneToMany, TypeManualOneToMany, TypeMulticast:
		if n != 1 || m < 2 || m > MaxMultiSockets {
			return fmt.Errorf("%s needs one producer and 2 to %d consumers: %w", typ, MaxMultiSockets, ErrBadArgument)
		}
	default:
		return fmt.Errorf("channel type %d: %w", typ, ErrBadArgument)
	}

	seen := make(map[SocketID]bool)
	check := func(id SocketID, cpu bool) error {
		if !id.Valid() {
			return fmt.Errorf("socket %s: %w", id, ErrBadArgument)
		}
		if id.IsCPU() != cpu {
			if cpu {
				return fmt.Errorf("%s needs the CPU socket, got %s: %w", typ, id, ErrBadArgument)
			}
			return fmt.Errorf("%s cannot use the CPU socket: %w", typ, ErrBadArgument)
		}
		if !cpu && seen[id] {
			return fmt.Errorf("socket %s used twice: %w", id, ErrBadArgument)
		}
		seen[id] = true
		return nil
	}
	for _, id := range cfg.ProdSockets {
		if err := check(id, typ == TypeManualOut); err != nil {
			return err
		}
	}
	for _, id := range cfg.ConsSockets {
		if err := check(id, typ == TypeManualIn); err != nil {
			return err
		}
	}
	return nil
}

// slotCount is the number of buffers backing the channel.
func slotCount(typ ChannelType, count, n, m int) int {
	if typ == TypeMulticast {
		return count
	}
	if n > m {
		return count * n
	}
	return count * m
}

// build allocates descriptors and buffers for c and links the rings.
func (c *Channel) build() error {
	e := c.eng
	n, m := len(c.prod), len(c.cons)
	s := slotCount(c.typ, c.count, n, m)

	needPD := c.prod[0].hw()
	needCD := c.typ.Manual() && c.cons[0].hw()
	perSlot := 0
	if needPD {
		perSlot++
	}
	if needCD {
		if c.multicast() {
			perSlot += m
		} else {
			perSlot++
		}
	}
	dscrs, err := e.store.Allocate(s*perSlot + 1)
	if err != nil {
		return err
	}
	c.dscrs = dscrs
	c.ovrDscr = dscrs[len(dscrs)-1]

	c.slots = make([]slot, s)
	next := 0
	for k := range c.slots {
		buf, err := e.arena.Alloc(c.size)
		if err != nil {
			c.release()
			return err
		}
		sl := &c.slots[k]
		sl.buf = buf
		if needPD {
			sl.pd = dscrs[next]
			next++
		}
		switch {
		case !c.typ.Manual():
			sl.cd = []uint16{sl.pd}
		case needCD && c.multicast():
			sl.cd = make([]uint16, m)
			for j := range sl.cd {
				sl.cd[j] = dscrs[next]
				next++
			}
		case needCD:
			sl.cd = []uint16{dscrs[next]}
			next++
		}
	}

	for i, p := range c.prod {
		if !p.hw() {
			continue
		}
		p.ring = make([]uint16, s/n)
		for pos := range p.ring {
			p.ring[pos] = c.slots[c.prodSlot(i, pos)].pd
		}
		p.pos = ringIndex(p.ring)
	}
	for j, q := range c.cons {
		if !q.hw() {
			continue
		}
		ln := s / m
		if c.multicast() {
			ln = s
		}
		q.ring = make([]uint16, ln)
		for pos := range q.ring {
			sl := c.slots[c.consSlot(j, pos)]
			if c.multicast() {
				q.ring[pos] = sl.cd[j]
			} else {
				q.ring[pos] = sl.cd[0]
			}
		}
		q.pos = ringIndex(q.ring)
	}
	c.writeDescriptors()
	return nil
}

func ringIndex(ring []uint16) map[uint16]int {
	idx := make(map[uint16]int, len(ring))
	for pos, d := range ring {
		idx[d] = pos
	}
	return idx
}

func successor(ring []uint16, pos int) uint16 {
	return ring[(pos+1)%len(ring)]
}

// writeDescriptors initializes every ring descriptor to the empty state.
func (c *Channel) writeDescriptors() {
	st := c.eng.store
	s := len(c.slots)
	prodIntr := c.typ.Manual() || c.typ == TypeAutoSignal || c.notify&EventProduce != 0
	consIntr := c.typ.Manual() || c.notify&EventConsume != 0

	for i, p := range c.prod {
		for pos, d := range p.ring {
			k := c.prodSlot(i, pos)
			sl := c.slots[k]
			desc := Descriptor{
				Buffer: sl.buf.Addr,
				Size:   uint32(c.size),
				WrNext: successor(p.ring, pos),
				Sync: Sync{
					ProdSocket: p.id,
					ProdEvent:  true,
					ProdIntr:   prodIntr,
					ConsSocket: CPUSocket,
					ConsEvent:  true,
				},
			}
			if c.typ.Manual() {
				desc.RdNext = c.slots[(k+1)%s].pd
			} else {
				j := k % len(c.cons)
				q := c.cons[j]
				qpos := q.pos[d]
				desc.RdNext = successor(q.ring, qpos)
				desc.Sync.ConsSocket = q.id
				desc.Sync.ConsIntr = consIntr
			}
			st.Set(d, desc)
		}
	}
	if !c.typ.Manual() {
		return
	}
	for j, q := range c.cons {
		for pos, d := range q.ring {
			k := c.consSlot(j, pos)
			sl := c.slots[k]
			nextCPU := c.slots[(k+1)%s].cd
			desc := Descriptor{
				Buffer: sl.buf.Addr,
				Size:   uint32(c.size),
				RdNext: successor(q.ring, pos),
				Sync: Sync{
					ProdSocket: CPUSocket,
					ProdEvent:  true,
					ConsSocket: q.id,
					ConsEvent:  true,
					ConsIntr:   consIntr,
				},
			}
			if c.multicast() {
				desc.WrNext = nextCPU[j]
			} else {
				desc.WrNext = nextCPU[0]
			}
			st.Set(d, desc)
		}
	}
}

// release returns descriptors and buffers of c to the engine.
func (c *Channel) release() {
	for _, sl := range c.slots {
		if !sl.buf.IsZero() {
			c.eng.arena.Free(sl.buf)
		}
	}
	c.slots = nil
	if c.dscrs != nil {
		c.eng.store.Release(c.dscrs)
		c.dscrs = nil
	}
}

// resync rewinds all cursors to the start of the rings and reprograms the
// sockets there, leaving them disabled.
func (c *Channel) resync() error {
	c.writeDescriptors()
	for k := range c.slots {
		c.slots[k].committed = false
		c.slots[k].consumed = 0
	}
	c.cpu = 0
	c.prodCount, c.consCount = 0, 0
	var err error
	for _, sd := range c.sockets() {
		sd.active = 0
		sd.done = false
		if !sd.hw() {
			continue
		}
		c.eng.reg.SetDiscard(sd.id, 0)
		err = multierr.Append(err, c.eng.reg.Configure(sd.id, SocketConfig{Dscr: sd.ring[0], Suspend: sd.suspend}))
	}
	return err
}

// disableAll stops every hardware socket of c.
func (c *Channel) disableAll() error {
	var err error
	for _, sd := range c.sockets() {
		err = multierr.Append(err, c.eng.reg.Disable(sd.id))
	}
	return err
}
