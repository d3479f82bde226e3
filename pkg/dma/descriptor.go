// Copyright 2021 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dma

import "fmt"

// Addr is the bus address of a buffer inside the DMA arena.
type Addr uint32

// Sync names the two sockets a descriptor moves data between and whether
// each side raises events/interrupts for it.
type Sync struct {
	ProdSocket SocketID
	ConsSocket SocketID
	ProdEvent  bool
	ConsEvent  bool
	ProdIntr   bool
	ConsIntr   bool
}

// Descriptor is one entry of a channel's descriptor chain.
//
// Occupied is the ownership bit: set, the buffer belongs to the consumer
// side; clear, to the producer side.
type Descriptor struct {
	Buffer   Addr
	Size     uint32
	Count    uint32
	Occupied bool
	Marker   bool
	EOP      bool
	Error    bool
	Sync     Sync
	WrNext   uint16
	RdNext   uint16
}

// MaxBufferSize is the largest buffer a descriptor can describe.
const MaxBufferSize = 0xfff0

// DescriptorWords is the size of the hardware representation in 32 bit words.
const DescriptorWords = 4

const (
	sizeOccupied = 1 << 0
	sizeError    = 1 << 1
	sizeMarker   = 1 << 2
	sizeEOP      = 1 << 3
	sizeShift    = 4
	sizeMask     = 0xfff
	countShift   = 16

	syncEvent = 1 << 14
	syncIntr  = 1 << 15
	syncSck   = 0x3fff
)

func (d *Descriptor) String() string {
	return fmt.Sprintf("{buf %#x size %d count %d occ %v eop %v %s->%s wr %d rd %d}",
		d.Buffer, d.Size, d.Count, d.Occupied, d.EOP, d.Sync.ProdSocket, d.Sync.ConsSocket, d.WrNext, d.RdNext)
}

func encodeSyncHalf(s SocketID, event, intr bool) uint32 {
	v := uint32(s) & syncSck
	if event {
		v |= syncEvent
	}
	if intr {
		v |= syncIntr
	}
	return v
}

// Encode packs the descriptor into the layout the socket hardware reads.
func (d *Descriptor) Encode() [DescriptorWords]uint32 {
	var w [DescriptorWords]uint32
	w[0] = uint32(d.Buffer)
	w[1] = encodeSyncHalf(d.Sync.ProdSocket, d.Sync.ProdEvent, d.Sync.ProdIntr) |
		encodeSyncHalf(d.Sync.ConsSocket, d.Sync.ConsEvent, d.Sync.ConsIntr)<<16
	w[2] = uint32(d.WrNext) | uint32(d.RdNext)<<16
	size := d.Size / 16
	if d.Size%16 != 0 {
		size++
	}
	w[3] = (size&sizeMask)<<sizeShift | (d.Count&0xffff)<<countShift
	if d.Occupied {
		w[3] |= sizeOccupied
	}
	if d.Error {
		w[3] |= sizeError
	}
	if d.Marker {
		w[3] |= sizeMarker
	}
	if d.EOP {
		w[3] |= sizeEOP
	}
	return w
}

// DecodeDescriptor is the inverse of Encode. Sizes come back rounded up
// to the 16 byte hardware granularity.
func DecodeDescriptor(w [DescriptorWords]uint32) Descriptor {
	prod := w[1] & 0xffff
	cons := w[1] >> 16
	return Descriptor{
		Buffer:   Addr(w[0]),
		Size:     (w[3] >> sizeShift & sizeMask) * 16,
		Count:    w[3] >> countShift,
		Occupied: w[3]&sizeOccupied != 0,
		Error:    w[3]&sizeError != 0,
		Marker:   w[3]&sizeMarker != 0,
		EOP:      w[3]&sizeEOP != 0,
		Sync: Sync{
			ProdSocket: SocketID(prod & syncSck),
			ConsSocket: SocketID(cons & syncSck),
			ProdEvent:  prod&syncEvent != 0,
			ProdIntr:   prod&syncIntr != 0,
			ConsEvent:  cons&syncEvent != 0,
			ConsIntr:   cons&syncIntr != 0,
		},
		WrNext: uint16(w[2]),
		RdNext: uint16(w[2] >> 16),
	}
}
