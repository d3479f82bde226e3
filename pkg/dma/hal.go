// Copyright 2021 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dma

// SuspendOption selects when a socket suspends itself.
type SuspendOption uint8

const (
	SuspendNone SuspendOption = iota
	// Suspend after a buffer carrying an end of packet marker.
	SuspendOnEOP
	// Suspend after the buffer currently in progress.
	SuspendCurrentBuffer
	// Suspend after a buffer that was committed before it was full.
	SuspendOnPartial
)

// SocketConfig is the per-socket state the hardware keeps.
type SocketConfig struct {
	// Descriptor the socket processes next.
	Dscr uint16
	// Buffers to transfer before raising trans-done, 0 for no limit.
	XferSize uint32
	// Interrupts the socket reports.
	IntrMask  Status
	Enabled   bool
	Suspended bool
	Suspend   SuspendOption
}

// SocketDriver is the register level interface to the socket hardware.
// CPU sockets never reach the driver.
type SocketDriver interface {
	DisableSocket(id SocketID) error
	EnableSocket(id SocketID, cfg SocketConfig) error
	SocketConfig(id SocketID) (SocketConfig, error)
	SetSocketConfig(id SocketID, cfg SocketConfig) error
	// ModifySocket applies f to the live configuration atomically with
	// respect to the hardware advancing the socket.
	ModifySocket(id SocketID, f func(cfg *SocketConfig)) error
	// SendEvent tells the socket that firmware produced (occupied) or
	// consumed (!occupied) descriptor dscr.
	SendEvent(id SocketID, dscr uint16, occupied bool) error
	// WrapUp commits a partially filled producer buffer.
	WrapUp(id SocketID) error
	// SocketActive reports whether the socket may still touch memory.
	SocketActive(id SocketID) bool
}
