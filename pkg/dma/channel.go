// Copyright 2021 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dma

import (
	"fmt"
	"sync"

	"go.uber.org/atomic"
)

// ChannelType selects the topology of a channel and with it the interrupt
// handler and the API calls it accepts.
type ChannelType uint8

const (
	TypeAuto ChannelType = iota
	TypeAutoSignal
	TypeManual
	TypeManualIn
	TypeManualOut
	TypeAutoManyToOne
	TypeManualManyToOne
	TypeAutoOneToMany
	TypeManualOneToMany
	TypeMulticast
)

var channelTypeNames = map[ChannelType]string{
	TypeAuto:            "auto",
	TypeAutoSignal:      "auto-signal",
	TypeManual:          "manual",
	TypeManualIn:        "manual-in",
	TypeManualOut:       "manual-out",
	TypeAutoManyToOne:   "auto-many-to-one",
	TypeManualManyToOne: "manual-many-to-one",
	TypeAutoOneToMany:   "auto-one-to-many",
	TypeManualOneToMany: "manual-one-to-many",
	TypeMulticast:       "multicast",
}

func (t ChannelType) String() string {
	if n, ok := channelTypeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// Manual reports whether firmware sits between producer and consumer.
func (t ChannelType) Manual() bool {
	switch t {
	case TypeAuto, TypeAutoSignal, TypeAutoManyToOne, TypeAutoOneToMany:
		return false
	}
	return true
}

// State of a channel.
type State uint8

const (
	StateNotConfigured State = iota
	StateConfigured
	StateActive
	StateProdOverride
	StateConsOverride
	StateInCompletion
	StateError
	StateAborted
)

var stateNames = []string{"not-configured", "configured", "active", "prod-override", "cons-override", "in-completion", "error", "aborted"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Event is a notification kind. Channels only deliver the events in their
// notification mask to the callback.
type Event uint32

const (
	EventProduce Event = 1 << iota
	EventConsume
	EventXferComplete
	EventSendComplete
	EventRecvComplete
	EventProducerSuspended
	EventConsumerSuspended
	EventError
	EventAbort

	// Wakes GetBuffer waiters; never delivered to callbacks.
	flagBuffer Event = 1 << 16

	completionEvents = EventXferComplete | EventSendComplete | EventRecvComplete | EventError | EventAbort
)

var eventNames = []string{"produce", "consume", "xfer-complete", "send-complete", "recv-complete", "prod-suspended", "cons-suspended", "error", "abort"}

func (e Event) String() string {
	str := ""
	for i, n := range eventNames {
		if e&(1<<uint(i)) == 0 {
			continue
		}
		if str != "" {
			str += "|"
		}
		str += n
	}
	if str == "" {
		return "none"
	}
	return str
}

// BufferInfo describes a buffer handed to a callback or returned by
// GetBuffer. Buffer aliases DMA memory: len is the byte count, cap the size.
type BufferInfo struct {
	Buffer []byte
	Addr   Addr
	Count  int
	Size   int
	EOP    bool
	Marker bool
	Dscr   uint16
	Socket SocketID
}

// Callback receives channel notifications on the dispatch goroutine.
// Callbacks of one engine never run concurrently. They may call the
// channel API but must not block.
type Callback func(ch *Channel, e Event, info *BufferInfo)

// Config describes a channel with one producer and one consumer.
type Config struct {
	// Buffer size in bytes.
	Size int
	// Number of buffers in the ring.
	Count        int
	ProdSocket   SocketID
	ConsSocket   SocketID
	Notification Event
	Callback     Callback
}

// MultiConfig describes a channel with several producers or consumers.
// Count is the ring size per socket.
type MultiConfig struct {
	Size         int
	Count        int
	ProdSockets  []SocketID
	ConsSockets  []SocketID
	Notification Event
	Callback     Callback
}

// MaxMultiSockets bounds the fan-in and fan-out width.
const MaxMultiSockets = 4

// side is one socket of a channel together with the descriptors it walks.
type side struct {
	id   SocketID
	ring []uint16
	pos  map[uint16]int
	// Ring position of the next descriptor firmware expects the socket
	// to report.
	active  int
	done    bool
	suspend SuspendOption
}

func (s *side) hw() bool {
	return !s.id.IsCPU()
}

// advance walks s from its expected position up to and including the ring
// position of dscr. The walk never exceeds one ring traversal.
func (s *side) advance(dscr uint16, f func(pos int, d uint16)) int {
	target, ok := s.pos[dscr]
	if !ok || len(s.ring) == 0 {
		return 0
	}
	n := 0
	for n < len(s.ring) {
		p := s.active
		f(p, s.ring[p])
		s.active = (p + 1) % len(s.ring)
		n++
		if p == target {
			break
		}
	}
	return n
}

// slot is one buffer of the channel and the descriptors referencing it.
type slot struct {
	buf Buffer
	// Producer side descriptor; for AUTO channels the shared one.
	pd uint16
	// Consumer side descriptors, one per consumer for multicast.
	cd []uint16
	// Handed to the consumer by firmware and not yet released.
	committed bool
	// Multicast consumers that have drained this slot.
	consumed uint32
}

type notification struct {
	e    Event
	info *BufferInfo
}

// Channel binds producer sockets to consumer sockets through a ring of
// descriptors.
type Channel struct {
	id  uint32
	eng *Engine
	typ ChannelType

	mu    sync.Mutex
	state State
	prod  []*side
	cons  []*side
	size  int
	count int
	slots []slot
	// Next slot firmware hands out through GetBuffer.
	cpu       int
	xferSize  uint32
	prodCount uint32
	consCount uint32
	ovr       override
	ovrDscr   uint16
	dscrs     []uint16
	notify    Event
	cb        Callback
	handler   handler
	pending   []notification

	// Bumped whenever queued interrupts must no longer be applied.
	gen   atomic.Uint32
	flags *eventFlags
}

func (c *Channel) ID() uint32 {
	return c.id
}

func (c *Channel) Type() ChannelType {
	return c.typ
}

func (c *Channel) String() string {
	return fmt.Sprintf("channel %d (%s)", c.id, c.typ)
}

// ProdSockets returns the producer sockets of the channel.
func (c *Channel) ProdSockets() []SocketID {
	out := make([]SocketID, len(c.prod))
	for i, s := range c.prod {
		out[i] = s.id
	}
	return out
}

// ConsSockets returns the consumer sockets of the channel.
func (c *Channel) ConsSockets() []SocketID {
	out := make([]SocketID, len(c.cons))
	for i, s := range c.cons {
		out[i] = s.id
	}
	return out
}

func (c *Channel) multicast() bool {
	return c.typ == TypeMulticast
}

// prodSlot maps a producer ring position to its slot.
func (c *Channel) prodSlot(i, pos int) int {
	if c.multicast() {
		return pos
	}
	return pos*len(c.prod) + i
}

// consSlot maps a consumer ring position to its slot.
func (c *Channel) consSlot(j, pos int) int {
	if c.multicast() {
		return pos
	}
	return pos*len(c.cons) + j
}

func (c *Channel) locate(id SocketID) (Direction, int, bool) {
	for i, s := range c.prod {
		if s.id == id && s.hw() {
			return DirProducer, i, true
		}
	}
	for j, s := range c.cons {
		if s.id == id && s.hw() {
			return DirConsumer, j, true
		}
	}
	return 0, 0, false
}

func (c *Channel) sockets() []*side {
	out := make([]*side, 0, len(c.prod)+len(c.cons))
	out = append(out, c.cons...)
	return append(out, c.prod...)
}

// emit queues e for the callback if the owner asked for it.
func (c *Channel) emit(e Event, info *BufferInfo) {
	if c.cb == nil || c.notify&e == 0 {
		return
	}
	c.pending = append(c.pending, notification{e, info})
}

// info reads descriptor d. Data written by hardware is invalidated in the
// cache before anyone looks at it.
func (c *Channel) info(d uint16, sck SocketID, hwProduced bool) BufferInfo {
	desc := c.eng.store.Get(d)
	if hwProduced && c.eng.opts.CacheEnabled {
		c.eng.cache.InvalidateRegion(desc.Buffer, int(desc.Count))
	}
	count := int(desc.Count)
	if count > int(desc.Size) {
		count = int(desc.Size)
	}
	var b []byte
	if desc.Buffer != 0 {
		b = c.eng.arena.Bytes(desc.Buffer, int(desc.Size))[:count]
	}
	return BufferInfo{
		Buffer: b,
		Addr:   desc.Buffer,
		Count:  count,
		Size:   int(desc.Size),
		EOP:    desc.EOP,
		Marker: desc.Marker,
		Dscr:   d,
		Socket: sck,
	}
}

// deliver hands queued notifications to the callback. Only the dispatch
// goroutine calls it. Notifications queued before an abort, reset or
// destroy are dropped.
func (c *Channel) deliver() {
	c.mu.Lock()
	pend := c.pending
	c.pending = nil
	cb := c.cb
	gen := c.gen.Load()
	c.mu.Unlock()
	for _, n := range pend {
		if c.gen.Load() != gen {
			return
		}
		cb(c, n.e, n.info)
	}
}
