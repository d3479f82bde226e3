// Copyright 2021 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dma

import (
	"fmt"
	"sync"
)

// Direction is the role a socket plays in its channel.
type Direction uint8

const (
	DirProducer Direction = iota
	DirConsumer
)

func (d Direction) String() string {
	if d == DirProducer {
		return "producer"
	}
	return "consumer"
}

// SocketControlBlock is the firmware side bookkeeping for one socket.
type SocketControlBlock struct {
	Owner     *Channel
	Direction Direction
	// Descriptor the hardware is working on, as last reported.
	Active uint16
	// Descriptor firmware last committed to the socket.
	Commit uint16
	// Descriptor in use while the channel is in an override mode.
	Override uint16
	// Buffers left to discard through the stall path.
	Discard int
}

// Registry maps every hardware socket to its control block. One array of
// control blocks is kept per IP block.
type Registry struct {
	mu     sync.Mutex
	drv    SocketDriver
	blocks map[IPBlock][]SocketControlBlock
}

func NewRegistry(drv SocketDriver) *Registry {
	r := &Registry{drv: drv}
	r.Init()
	return r
}

// Init zeroes all control blocks.
func (r *Registry) Init() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocks = make(map[IPBlock][]SocketControlBlock, len(socketCounts))
	for ip, n := range socketCounts {
		r.blocks[ip] = make([]SocketControlBlock, n)
	}
}

// Deinit disables every bound socket and clears the registry.
func (r *Registry) Deinit() {
	r.mu.Lock()
	var bound []SocketID
	for ip, scbs := range r.blocks {
		for n := range scbs {
			if scbs[n].Owner != nil {
				bound = append(bound, NewSocketID(ip, uint8(n)))
			}
		}
	}
	r.blocks = nil
	r.mu.Unlock()
	for _, id := range bound {
		if err := r.drv.DisableSocket(id); err != nil {
			log.Warnf("Disabling socket %s on deinit: %v", id, err)
		}
	}
}

func (r *Registry) scbLocked(id SocketID) (*SocketControlBlock, error) {
	if !id.Valid() || id.IsCPU() {
		return nil, fmt.Errorf("socket %s: %w", id, ErrBadArgument)
	}
	if r.blocks == nil {
		return nil, fmt.Errorf("socket %s: registry: %w", id, ErrNotStarted)
	}
	return &r.blocks[id.IP()][id.Number()], nil
}

// Bind records ch as the owner of id. Binding the CPU socket always succeeds.
func (r *Registry) Bind(id SocketID, ch *Channel, dir Direction) error {
	if id == CPUSocket {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	scb, err := r.scbLocked(id)
	if err != nil {
		return err
	}
	if scb.Owner != nil {
		return fmt.Errorf("socket %s: %w", id, ErrAlreadyBound)
	}
	*scb = SocketControlBlock{Owner: ch, Direction: dir}
	return nil
}

// Unbind clears the control block of id.
func (r *Registry) Unbind(id SocketID) {
	if id.IsCPU() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if scb, err := r.scbLocked(id); err == nil {
		*scb = SocketControlBlock{}
	}
}

// Lookup returns a copy of the control block of id.
func (r *Registry) Lookup(id SocketID) (SocketControlBlock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	scb, err := r.scbLocked(id)
	if err != nil {
		return SocketControlBlock{}, err
	}
	return *scb, nil
}

// Owner returns the channel bound to id, or nil.
func (r *Registry) Owner(id SocketID) *Channel {
	scb, err := r.Lookup(id)
	if err != nil {
		return nil
	}
	return scb.Owner
}

func (r *Registry) update(id SocketID, f func(scb *SocketControlBlock)) {
	if id.IsCPU() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if scb, err := r.scbLocked(id); err == nil {
		f(scb)
	}
}

// Disable stops the socket from advancing.
func (r *Registry) Disable(id SocketID) error {
	if id.IsCPU() {
		return nil
	}
	return r.drv.DisableSocket(id)
}

// Enable programs the socket and lets it run.
func (r *Registry) Enable(id SocketID, cfg SocketConfig) error {
	if id.IsCPU() {
		return nil
	}
	cfg.Enabled = true
	cfg.Suspended = false
	r.update(id, func(scb *SocketControlBlock) { scb.Active = cfg.Dscr })
	return r.drv.EnableSocket(id, cfg)
}

// Configure programs the socket without touching its enable state.
func (r *Registry) Configure(id SocketID, cfg SocketConfig) error {
	if id.IsCPU() {
		return nil
	}
	r.update(id, func(scb *SocketControlBlock) { scb.Active = cfg.Dscr })
	return r.drv.SetSocketConfig(id, cfg)
}

// Modify changes fields of the live socket configuration.
func (r *Registry) Modify(id SocketID, f func(cfg *SocketConfig)) error {
	if id.IsCPU() {
		return nil
	}
	return r.drv.ModifySocket(id, f)
}

// ArmDiscard adds n buffers to discard on id and arms its stall interrupt.
func (r *Registry) ArmDiscard(id SocketID, n int) error {
	r.update(id, func(scb *SocketControlBlock) { scb.Discard += n })
	return r.Modify(id, func(cfg *SocketConfig) { cfg.IntrMask |= StatusStall })
}

// Config reads back the socket configuration.
func (r *Registry) Config(id SocketID) (SocketConfig, error) {
	if id.IsCPU() {
		return SocketConfig{}, nil
	}
	return r.drv.SocketConfig(id)
}

// SendEvent fires a software produce (occupied) or consume event at id.
func (r *Registry) SendEvent(id SocketID, dscr uint16, occupied bool) error {
	if id.IsCPU() {
		return nil
	}
	if occupied {
		r.update(id, func(scb *SocketControlBlock) { scb.Commit = dscr })
	}
	return r.drv.SendEvent(id, dscr, occupied)
}

// ReenableAfterDiscard resumes a consumer socket stalled on a discarded
// buffer at descriptor next. While more buffers remain to be discarded the
// stall interrupt stays armed.
func (r *Registry) ReenableAfterDiscard(id SocketID, next uint16, more bool) error {
	cfg, err := r.drv.SocketConfig(id)
	if err != nil {
		return err
	}
	cfg.Dscr = next
	if !more {
		cfg.IntrMask &^= StatusStall
	}
	return r.Enable(id, cfg)
}

// SetDiscard sets the number of buffers left to discard on id.
func (r *Registry) SetDiscard(id SocketID, n int) {
	r.update(id, func(scb *SocketControlBlock) { scb.Discard = n })
}

// decDiscard counts one discarded buffer and returns how many remain.
func (r *Registry) decDiscard(id SocketID) int {
	left := 0
	r.update(id, func(scb *SocketControlBlock) {
		if scb.Discard > 0 {
			scb.Discard--
		}
		left = scb.Discard
	})
	return left
}

// WrapUp forces the producer socket id to commit its partial buffer.
func (r *Registry) WrapUp(id SocketID) error {
	if id.IsCPU() {
		return ErrNotSupported
	}
	return r.drv.WrapUp(id)
}

// Active reports whether the hardware may still be moving data on id.
func (r *Registry) Active(id SocketID) bool {
	if id.IsCPU() {
		return false
	}
	return r.drv.SocketActive(id)
}
