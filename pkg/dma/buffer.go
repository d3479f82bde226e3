// Copyright 2021 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dma

import (
	"fmt"
	"sort"
	"sync"
)

// Buffer is a block of DMA visible memory handed out by an Arena.
type Buffer struct {
	Addr  Addr
	Size  int
	arena *Arena
}

// Bytes returns the full buffer. The slice aliases arena memory.
func (b Buffer) Bytes() []byte {
	if b.arena == nil {
		return nil
	}
	return b.arena.Bytes(b.Addr, b.Size)
}

// IsZero reports whether b was never allocated.
func (b Buffer) IsZero() bool {
	return b.arena == nil
}

type run struct {
	start, size int
}

// Arena is a fixed region of memory split into blocks aligned to the DMA
// granularity. Address 0 is never handed out so it can mean "no buffer".
type Arena struct {
	mu    sync.Mutex
	mem   []byte
	align int
	free  []run
	used  map[Addr]int
	unmap func() error
}

// NewArena maps size bytes and prepares them for allocation. align must be
// a power of two.
func NewArena(size, align int) (*Arena, error) {
	if align <= 0 || align&(align-1) != 0 {
		return nil, fmt.Errorf("arena alignment %d: %w", align, ErrBadArgument)
	}
	if size <= align {
		return nil, fmt.Errorf("arena size %d: %w", size, ErrBadArgument)
	}
	size = roundUp(size, align)
	mem, unmap, err := mapRegion(size)
	if err != nil {
		return nil, fmt.Errorf("dma: cannot map arena: %v", err)
	}
	return &Arena{
		mem:   mem,
		align: align,
		free:  []run{{start: align, size: size - align}},
		used:  make(map[Addr]int),
		unmap: unmap,
	}, nil
}

func roundUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

// Alloc returns a buffer of at least size bytes, rounded to the alignment.
func (a *Arena) Alloc(size int) (Buffer, error) {
	if size <= 0 || size > MaxBufferSize {
		return Buffer{}, fmt.Errorf("buffer size %d: %w", size, ErrBadArgument)
	}
	n := roundUp(size, a.align)
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, r := range a.free {
		if r.size < n {
			continue
		}
		addr := Addr(r.start)
		if r.size == n {
			a.free = append(a.free[:i], a.free[i+1:]...)
		} else {
			a.free[i] = run{start: r.start + n, size: r.size - n}
		}
		a.used[addr] = n
		return Buffer{Addr: addr, Size: size, arena: a}, nil
	}
	return Buffer{}, fmt.Errorf("buffer of %d bytes: %w", size, ErrOutOfMemory)
}

// Free returns b to the arena.
func (a *Arena) Free(b Buffer) {
	if b.arena != a {
		panic(fmt.Sprintf("dma: freeing buffer %#x that belongs to another arena", b.Addr))
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	n, ok := a.used[b.Addr]
	if !ok {
		panic(fmt.Sprintf("dma: freeing buffer %#x which is not allocated", b.Addr))
	}
	delete(a.used, b.Addr)
	a.free = append(a.free, run{start: int(b.Addr), size: n})
	sort.Slice(a.free, func(i, j int) bool { return a.free[i].start < a.free[j].start })
	merged := a.free[:1]
	for _, r := range a.free[1:] {
		last := &merged[len(merged)-1]
		if last.start+last.size == r.start {
			last.size += r.size
			continue
		}
		merged = append(merged, r)
	}
	a.free = merged
}

// Bytes returns n bytes of arena memory starting at addr.
func (a *Arena) Bytes(addr Addr, n int) []byte {
	if addr == 0 || int(addr)+n > len(a.mem) {
		panic(fmt.Sprintf("dma: address %#x+%d outside arena of %d bytes", addr, n, len(a.mem)))
	}
	return a.mem[addr : int(addr)+n : int(addr)+n]
}

// InUse returns the number of bytes currently allocated.
func (a *Arena) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	t := 0
	for _, n := range a.used {
		t += n
	}
	return t
}

// Close unmaps the arena. Buffers must not be used afterwards.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.unmap == nil {
		return nil
	}
	err := a.unmap()
	a.unmap = nil
	a.mem = nil
	return err
}
