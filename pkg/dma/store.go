// Copyright 2021 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dma

import (
	"fmt"
	"sync"
)

// memProvider is the register-level view of the memory the socket hardware
// fetches descriptors from.
type memProvider interface {
	MustRead32(uintptr) uint32
	MustWrite32(uintptr, uint32)
}

// NoDescriptor is the sentinel index terminating a chain.
const NoDescriptor uint16 = 0

// Store is the pool of descriptors shared by all channels.
//
// Allocation and release happen under the engine's creation mutex; the
// internal lock only orders descriptor reads and writes between the
// dispatch goroutine, API callers and the socket hardware.
type Store struct {
	mu   sync.Mutex
	dscr []Descriptor
	used []bool
	free []uint16

	mem  memProvider
	base uintptr
}

// NewStore creates a store with n usable descriptors. Index 0 is reserved.
func NewStore(n int) (*Store, error) {
	if n <= 0 || n >= 0xffff {
		return nil, fmt.Errorf("descriptor count %d: %w", n, ErrBadArgument)
	}
	s := &Store{
		dscr: make([]Descriptor, n+1),
		used: make([]bool, n+1),
		free: make([]uint16, 0, n),
	}
	for i := n; i > 0; i-- {
		s.free = append(s.free, uint16(i))
	}
	return s, nil
}

// Mirror makes every descriptor write also land in hardware memory at
// base + index*16.
func (s *Store) Mirror(mem memProvider, base uintptr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mem = mem
	s.base = base
}

// Allocate hands out n descriptors. It either returns all of them or none.
func (s *Store) Allocate(n int) ([]uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 {
		return nil, ErrBadArgument
	}
	if n > len(s.free) {
		return nil, fmt.Errorf("need %d descriptors, %d free: %w", n, len(s.free), ErrOutOfMemory)
	}
	out := make([]uint16, n)
	for i := range out {
		idx := s.free[len(s.free)-1]
		s.free = s.free[:len(s.free)-1]
		if s.used[idx] {
			panic(fmt.Sprintf("dma: free list descriptor %d is in use", idx))
		}
		s.used[idx] = true
		s.dscr[idx] = Descriptor{}
		out[i] = idx
	}
	return out, nil
}

// Release returns descriptors to the free list.
func (s *Store) Release(idx []uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, i := range idx {
		if i == NoDescriptor || int(i) >= len(s.dscr) || !s.used[i] {
			panic(fmt.Sprintf("dma: releasing descriptor %d which is not allocated", i))
		}
		s.used[i] = false
		s.dscr[i] = Descriptor{}
		s.writeLocked(i)
		s.free = append(s.free, i)
	}
}

// Free returns the number of unallocated descriptors.
func (s *Store) Free() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.free)
}

// Len returns the number of usable descriptors.
func (s *Store) Len() int {
	return len(s.dscr) - 1
}

func (s *Store) check(i uint16) {
	if i == NoDescriptor || int(i) >= len(s.dscr) {
		panic(fmt.Sprintf("dma: descriptor index %d out of range", i))
	}
}

// Get returns a copy of descriptor i.
func (s *Store) Get(i uint16) Descriptor {
	s.check(i)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dscr[i]
}

// Set overwrites descriptor i.
func (s *Store) Set(i uint16, d Descriptor) {
	s.check(i)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dscr[i] = d
	s.writeLocked(i)
}

// Update applies f to descriptor i atomically and returns the result.
func (s *Store) Update(i uint16, f func(d *Descriptor)) Descriptor {
	s.check(i)
	s.mu.Lock()
	defer s.mu.Unlock()
	f(&s.dscr[i])
	s.writeLocked(i)
	return s.dscr[i]
}

func (s *Store) writeLocked(i uint16) {
	if s.mem == nil {
		return
	}
	w := s.dscr[i].Encode()
	a := s.base + uintptr(i)*DescriptorWords*4
	for n, v := range w {
		s.mem.MustWrite32(a+uintptr(n)*4, v)
	}
}

// Fetch reads descriptor i back from hardware memory. Only valid when the
// store mirrors into memory.
func (s *Store) Fetch(i uint16) (Descriptor, error) {
	s.check(i)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mem == nil {
		return Descriptor{}, fmt.Errorf("descriptor %d: store is not mirrored: %w", i, ErrNotConfigured)
	}
	var w [DescriptorWords]uint32
	a := s.base + uintptr(i)*DescriptorWords*4
	for n := range w {
		w[n] = s.mem.MustRead32(a + uintptr(n)*4)
	}
	return DecodeDescriptor(w), nil
}
