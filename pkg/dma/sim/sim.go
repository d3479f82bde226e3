// Copyright 2021 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sim emulates the socket hardware so channels can run without a
// device. Producers are driven by Produce and Feed, consumers drain
// committed descriptors on their own, and interrupts reach the engine from
// a separate goroutine the way they would from an interrupt line.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"github.com/u-root/u-dma/pkg/dma"
	"github.com/u-root/u-dma/pkg/logger"
)

var log = logger.LogContainer.GetSimpleLogger()

var (
	ErrBufferFull  = errors.New("sim: producer has no free buffer")
	ErrDisabled    = errors.New("sim: socket is disabled")
	ErrNotAttached = errors.New("sim: no engine attached")
)

// Sink is the engine side the hardware talks to.
type Sink interface {
	Interrupt(sck dma.SocketID, status dma.Status, dscr uint16)
	Flush(ctx context.Context) error
	Store() *dma.Store
	Arena() *dma.Arena
}

type irq struct {
	sck    dma.SocketID
	status dma.Status
	dscr   uint16
}

type socket struct {
	cfg     dma.SocketConfig
	xferred uint32
	// Bytes fed to a producer that do not fill a buffer yet.
	fill []byte
	// Buffers waiting for a free descriptor on a producer.
	inbox []packet
	link  *dma.SocketID
	// Keep what a consumer reads.
	capture  bool
	captured [][]byte
	// Polls SocketActive answers true after the socket was disabled.
	linger int
	// Consumer held back as if the far end were not reading.
	hold bool
}

type packet struct {
	data []byte
	eop  bool
}

// Hardware implements dma.SocketDriver.
type Hardware struct {
	mu      sync.Mutex
	sockets map[dma.SocketID]*socket
	sink    Sink
	queue   []irq
	wake    chan struct{}
	busy    bool
	drain   int

	// Held while an interrupt is being delivered.
	deliverMu sync.Mutex
}

func New() *Hardware {
	return &Hardware{
		sockets: make(map[dma.SocketID]*socket),
		wake:    make(chan struct{}, 1),
	}
}

// Attach connects the hardware to the engine that handles its interrupts.
func (h *Hardware) Attach(s Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sink = s
}

// SetDrainPolls makes SocketActive report a disabled socket as active for
// n more polls, as if a burst were still in flight.
func (h *Hardware) SetDrainPolls(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drain = n
}

// Run delivers interrupts until ctx is done.
func (h *Hardware) Run(ctx context.Context) error {
	for {
		h.mu.Lock()
		empty := len(h.queue) == 0
		h.mu.Unlock()
		if empty {
			select {
			case <-ctx.Done():
				return nil
			case <-h.wake:
			}
			continue
		}
		h.deliverMu.Lock()
		h.mu.Lock()
		if len(h.queue) == 0 {
			h.mu.Unlock()
			h.deliverMu.Unlock()
			continue
		}
		it := h.queue[0]
		h.queue = h.queue[1:]
		h.busy = true
		sink := h.sink
		h.mu.Unlock()
		sink.Interrupt(it.sck, it.status, it.dscr)
		h.mu.Lock()
		h.busy = false
		h.mu.Unlock()
		h.deliverMu.Unlock()
	}
}

// Settle waits until the hardware has no interrupt left to deliver and the
// engine has handled everything delivered.
func (h *Hardware) Settle(ctx context.Context) error {
	b := &backoff.Backoff{Min: 20 * time.Microsecond, Max: 2 * time.Millisecond, Factor: 2}
	for {
		h.mu.Lock()
		quiet := len(h.queue) == 0 && !h.busy
		sink := h.sink
		h.mu.Unlock()
		if quiet {
			if sink == nil {
				return ErrNotAttached
			}
			if err := sink.Flush(ctx); err != nil {
				return err
			}
			h.mu.Lock()
			quiet = len(h.queue) == 0 && !h.busy
			h.mu.Unlock()
			if quiet {
				return nil
			}
			b.Reset()
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.Duration()):
		}
	}
}

func (h *Hardware) socketLocked(id dma.SocketID) *socket {
	s, ok := h.sockets[id]
	if !ok {
		s = &socket{}
		h.sockets[id] = s
	}
	return s
}

func (h *Hardware) raiseLocked(id dma.SocketID, s *socket, status dma.Status, dscr uint16) {
	if status != dma.StatusError {
		status &= s.cfg.IntrMask
	}
	if status == 0 {
		return
	}
	h.queue = append(h.queue, irq{id, status, dscr})
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

func (h *Hardware) DisableSocket(id dma.SocketID) error {
	h.mu.Lock()
	s := h.socketLocked(id)
	if s.cfg.Enabled {
		s.linger = h.drain
	}
	s.cfg.Enabled = false
	q := h.queue[:0]
	for _, it := range h.queue {
		if it.sck != id {
			q = append(q, it)
		}
	}
	h.queue = q
	h.mu.Unlock()
	// Wait out a delivery that already left the queue.
	h.deliverMu.Lock()
	h.deliverMu.Unlock()
	return nil
}

func (h *Hardware) EnableSocket(id dma.SocketID, cfg dma.SocketConfig) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sink == nil {
		return ErrNotAttached
	}
	s := h.socketLocked(id)
	s.cfg = cfg
	s.cfg.Enabled = true
	s.xferred = 0
	h.kickLocked(id)
	return nil
}

func (h *Hardware) SocketConfig(id dma.SocketID) (dma.SocketConfig, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.socketLocked(id).cfg, nil
}

func (h *Hardware) SetSocketConfig(id dma.SocketID, cfg dma.SocketConfig) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.socketLocked(id).cfg = cfg
	if h.sink != nil {
		h.kickLocked(id)
	}
	return nil
}

func (h *Hardware) ModifySocket(id dma.SocketID, f func(cfg *dma.SocketConfig)) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	f(&h.socketLocked(id).cfg)
	if h.sink != nil {
		h.kickLocked(id)
	}
	return nil
}

func (h *Hardware) SendEvent(id dma.SocketID, dscr uint16, occupied bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sink == nil {
		return ErrNotAttached
	}
	h.kickLocked(id)
	return nil
}

func (h *Hardware) WrapUp(id dma.SocketID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.socketLocked(id)
	if len(s.fill) == 0 {
		return nil
	}
	data := s.fill
	s.fill = nil
	if err := h.produceLocked(id, data, false); err != nil {
		s.fill = data
		return err
	}
	return nil
}

func (h *Hardware) SocketActive(id dma.SocketID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.socketLocked(id)
	if s.cfg.Enabled && !s.cfg.Suspended {
		return true
	}
	if s.linger > 0 {
		s.linger--
		return true
	}
	return false
}

// Fail makes the socket raise an error interrupt and stop.
func (h *Hardware) Fail(id dma.SocketID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.socketLocked(id)
	s.cfg.Enabled = false
	h.raiseLocked(id, s, dma.StatusError, s.cfg.Dscr)
}

// Link makes every buffer consumer cons reads arrive at producer prod.
func (h *Hardware) Link(cons, prod dma.SocketID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := prod
	h.socketLocked(cons).link = &p
}

// Capture records what consumer cons reads.
func (h *Hardware) Capture(cons dma.SocketID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.socketLocked(cons).capture = true
}

// Captured returns the buffers consumer cons has read so far.
func (h *Hardware) Captured(cons dma.SocketID) [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.socketLocked(cons)
	out := make([][]byte, len(s.captured))
	copy(out, s.captured)
	return out
}

// Hold stops consumer id from reading until Release.
func (h *Hardware) Hold(id dma.SocketID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.socketLocked(id).hold = true
}

// Release lets a held consumer catch up.
func (h *Hardware) Release(id dma.SocketID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.socketLocked(id).hold = false
	if h.sink != nil {
		h.kickLocked(id)
	}
}

// Produce fills the next buffer of producer id with data.
func (h *Hardware) Produce(id dma.SocketID, data []byte, eop bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sink == nil {
		return ErrNotAttached
	}
	return h.produceLocked(id, data, eop)
}

// Feed streams data into producer id, committing a buffer every time one
// fills up. Bytes that do not fit wait for the next free buffer or WrapUp.
func (h *Hardware) Feed(id dma.SocketID, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sink == nil {
		return ErrNotAttached
	}
	s := h.socketLocked(id)
	s.fill = append(s.fill, data...)
	h.flushFillLocked(id, s)
	return nil
}

func (h *Hardware) flushFillLocked(id dma.SocketID, s *socket) {
	for s.cfg.Enabled && s.cfg.Dscr != dma.NoDescriptor {
		size := int(h.sink.Store().Get(s.cfg.Dscr).Size)
		if size == 0 || len(s.fill) < size {
			return
		}
		chunk := s.fill[:size]
		if err := h.produceLocked(id, chunk, false); err != nil {
			return
		}
		s.fill = s.fill[size:]
	}
}

func (h *Hardware) produceLocked(id dma.SocketID, data []byte, eop bool) error {
	s := h.socketLocked(id)
	if !s.cfg.Enabled || s.cfg.Suspended || s.cfg.Dscr == dma.NoDescriptor {
		return fmt.Errorf("producer %s: %w", id, ErrDisabled)
	}
	st := h.sink.Store()
	cur := s.cfg.Dscr
	d := st.Get(cur)
	if d.Occupied {
		return fmt.Errorf("producer %s descriptor %d: %w", id, cur, ErrBufferFull)
	}
	if len(data) > int(d.Size) {
		return fmt.Errorf("producer %s: %d bytes into %d byte buffer: %w", id, len(data), d.Size, dma.ErrBadArgument)
	}
	copy(h.sink.Arena().Bytes(d.Buffer, int(d.Size)), data)
	st.Update(cur, func(d *dma.Descriptor) {
		d.Count = uint32(len(data))
		d.EOP = eop
		d.Marker = false
		d.Occupied = true
	})
	partial := len(data) < int(d.Size)
	s.cfg.Dscr = d.WrNext
	status := dma.StatusProduce | h.advanceLocked(s, eop, partial)
	if partial {
		status |= dma.StatusPartialBuf
	}
	h.raiseLocked(id, s, status, cur)
	if !d.Sync.ConsSocket.IsCPU() {
		h.pumpLocked(d.Sync.ConsSocket)
	}
	return nil
}

// advanceLocked counts one buffer on s and applies the transfer size and
// suspend options.
func (h *Hardware) advanceLocked(s *socket, eop, partial bool) dma.Status {
	s.xferred++
	if s.cfg.XferSize != 0 && s.xferred >= s.cfg.XferSize {
		s.cfg.Enabled = false
		return dma.StatusTransDone
	}
	switch {
	case s.cfg.Suspend == dma.SuspendCurrentBuffer,
		s.cfg.Suspend == dma.SuspendOnEOP && eop,
		s.cfg.Suspend == dma.SuspendOnPartial && partial:
		s.cfg.Suspended = true
		return dma.StatusSuspend
	}
	return 0
}

// kickLocked lets socket id make whatever progress its descriptors allow.
func (h *Hardware) kickLocked(id dma.SocketID) {
	s := h.socketLocked(id)
	if !s.cfg.Enabled || s.cfg.Dscr == dma.NoDescriptor {
		return
	}
	d := h.sink.Store().Get(s.cfg.Dscr)
	if d.Sync.ConsSocket == id {
		h.pumpLocked(id)
		return
	}
	h.refillLocked(id, s)
}

// refillLocked hands producer id the data waiting for a free buffer.
func (h *Hardware) refillLocked(id dma.SocketID, s *socket) {
	for len(s.inbox) > 0 {
		p := s.inbox[0]
		if h.produceLocked(id, p.data, p.eop) != nil {
			break
		}
		s.inbox = s.inbox[1:]
	}
	h.flushFillLocked(id, s)
}

// pumpLocked makes consumer id read every occupied descriptor it reaches.
func (h *Hardware) pumpLocked(id dma.SocketID) {
	st := h.sink.Store()
	for {
		s := h.socketLocked(id)
		if !s.cfg.Enabled || s.cfg.Suspended || s.hold || s.cfg.Dscr == dma.NoDescriptor {
			return
		}
		cur := s.cfg.Dscr
		d := st.Get(cur)
		if !d.Occupied || d.Sync.ConsSocket != id {
			return
		}
		if d.Marker && s.cfg.IntrMask&dma.StatusStall != 0 {
			s.cfg.Enabled = false
			h.raiseLocked(id, s, dma.StatusStall, cur)
			return
		}
		n := int(d.Count)
		if n > int(d.Size) {
			n = int(d.Size)
		}
		data := make([]byte, n)
		if n > 0 {
			copy(data, h.sink.Arena().Bytes(d.Buffer, n))
		}
		st.Update(cur, func(d *dma.Descriptor) { d.Occupied = false })
		s.cfg.Dscr = d.RdNext
		if s.capture {
			s.captured = append(s.captured, data)
		}
		status := dma.StatusConsume | h.advanceLocked(s, d.EOP, n < int(d.Size))
		h.raiseLocked(id, s, status, cur)
		if s.link != nil {
			h.forwardLocked(*s.link, packet{data, d.EOP})
		}
		if p := d.Sync.ProdSocket; !p.IsCPU() {
			h.refillLocked(p, h.socketLocked(p))
		}
	}
}

func (h *Hardware) forwardLocked(prod dma.SocketID, p packet) {
	s := h.socketLocked(prod)
	if len(s.inbox) == 0 && h.produceLocked(prod, p.data, p.eop) == nil {
		return
	}
	s.inbox = append(s.inbox, p)
	log.Debugf("sim: %s holds %d linked buffers", prod, len(s.inbox))
}
