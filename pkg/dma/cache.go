// Copyright 2021 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dma

// CacheController maintains the data cache over DMA buffers.
type CacheController interface {
	// FlushRegion writes back dirty lines so hardware sees firmware data.
	FlushRegion(addr Addr, n int)
	// InvalidateRegion drops lines so firmware sees hardware data.
	InvalidateRegion(addr Addr, n int)
}

// MemoryFence orders descriptor writes against socket events.
type MemoryFence interface {
	Barrier()
}

type nopCache struct{}

func (nopCache) FlushRegion(Addr, int)      {}
func (nopCache) InvalidateRegion(Addr, int) {}

type nopFence struct{}

func (nopFence) Barrier() {}
