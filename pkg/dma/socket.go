// Copyright 2021 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dma

import (
	"fmt"
	"strconv"
	"strings"
)

// IPBlock identifies the IP block a socket lives on.
type IPBlock uint8

const (
	IPLPP        IPBlock = 0x00
	IPPIB        IPBlock = 0x01
	IPSIB        IPBlock = 0x02
	IPUSBIngress IPBlock = 0x03
	IPUSBEgress  IPBlock = 0x04

	// IPCPU is the virtual block used when firmware is the producer or
	// consumer of a channel.
	IPCPU IPBlock = 0x3F
)

var ipBlockNames = map[IPBlock]string{
	IPLPP:        "lpp",
	IPPIB:        "pib",
	IPSIB:        "sib",
	IPUSBIngress: "usb-in",
	IPUSBEgress:  "usb-out",
	IPCPU:        "cpu",
}

// Number of sockets per hardware block.
var socketCounts = map[IPBlock]int{
	IPLPP:        8,
	IPPIB:        32,
	IPSIB:        6,
	IPUSBIngress: 16,
	IPUSBEgress:  16,
}

func (b IPBlock) String() string {
	if n, ok := ipBlockNames[b]; ok {
		return n
	}
	return fmt.Sprintf("ip%02x", uint8(b))
}

// SocketCount returns how many sockets the block provides. The CPU block
// has a single virtual socket.
func (b IPBlock) SocketCount() int {
	if b == IPCPU {
		return 1
	}
	return socketCounts[b]
}

// SocketID addresses a socket as (ip block, socket number).
type SocketID uint16

// CPUSocket is the virtual socket standing for firmware.
const CPUSocket = SocketID(uint16(IPCPU) << 8)

func NewSocketID(ip IPBlock, num uint8) SocketID {
	return SocketID(uint16(ip)<<8 | uint16(num))
}

func (s SocketID) IP() IPBlock {
	return IPBlock(s >> 8)
}

func (s SocketID) Number() uint8 {
	return uint8(s)
}

func (s SocketID) IsCPU() bool {
	return s.IP() == IPCPU
}

// Valid reports whether the socket exists on its block.
func (s SocketID) Valid() bool {
	if s.IsCPU() {
		return s.Number() == 0
	}
	n, ok := socketCounts[s.IP()]
	return ok && int(s.Number()) < n
}

func (s SocketID) String() string {
	if s.IsCPU() {
		return "cpu"
	}
	return fmt.Sprintf("%s:%d", s.IP(), s.Number())
}

// Status carries the interrupt status bits a socket raises.
type Status uint32

const (
	StatusProduce Status = 1 << iota
	StatusConsume
	StatusTransDone
	StatusStall
	StatusSuspend
	StatusPartialBuf
	StatusError
)

var statusNames = []string{"produce", "consume", "trans-done", "stall", "suspend", "partial", "error"}

func (s Status) String() string {
	if s == 0 {
		return "none"
	}
	str := ""
	for i, n := range statusNames {
		if s&(1<<uint(i)) == 0 {
			continue
		}
		if str != "" {
			str += "|"
		}
		str += n
	}
	return str
}

// bits splits s into its single-bit components.
func (s Status) bits() []Status {
	var out []Status
	for i := range statusNames {
		if b := Status(1) << uint(i); s&b != 0 {
			out = append(out, b)
		}
	}
	return out
}

// ParseSocketID parses the form printed by SocketID.String, such as
// "pib:3" or "cpu".
func ParseSocketID(s string) (SocketID, error) {
	if s == "cpu" {
		return CPUSocket, nil
	}
	name, num, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("socket %q: %w", s, ErrBadArgument)
	}
	n, err := strconv.ParseUint(num, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("socket %q: %w", s, ErrBadArgument)
	}
	for ip, ipName := range ipBlockNames {
		if ipName != name || ip == IPCPU {
			continue
		}
		id := NewSocketID(ip, uint8(n))
		if !id.Valid() {
			return 0, fmt.Errorf("socket %q does not exist: %w", s, ErrBadArgument)
		}
		return id, nil
	}
	return 0, fmt.Errorf("socket %q: unknown block: %w", s, ErrBadArgument)
}
