// Copyright 2021 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dmawatcher

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/u-root/u-dma/pkg/dma"
)

// TextLog prints records one per line and flags descriptors a socket
// reported out of ring order.
type TextLog struct {
	w      io.Writer
	ignore map[dma.SocketID]bool
	last   map[dma.SocketID]uint16
	seen   map[dma.SocketID]int
}

// NewTextLog writes to w. ignore is a comma separated list of sockets not
// to print, as in "pib:0,usb-out:3".
func NewTextLog(w io.Writer, ignore string) (*TextLog, error) {
	l := &TextLog{
		w:      w,
		ignore: make(map[dma.SocketID]bool),
		last:   make(map[dma.SocketID]uint16),
		seen:   make(map[dma.SocketID]int),
	}
	for _, part := range strings.Split(ignore, ",") {
		if part = strings.TrimSpace(part); part == "" {
			continue
		}
		id, err := dma.ParseSocketID(part)
		if err != nil {
			return nil, err
		}
		l.ignore[id] = true
	}
	return l, nil
}

func (l *TextLog) Log(rec Record) {
	l.seen[rec.Socket]++
	last, ok := l.last[rec.Socket]
	l.last[rec.Socket] = rec.Dscr
	if l.ignore[rec.Socket] {
		return
	}
	note := ""
	switch {
	case rec.Status&dma.StatusError != 0:
		note = "  <- error"
	case ok && rec.Dscr == last && rec.Status&(dma.StatusProduce|dma.StatusConsume) != 0:
		note = "  <- same descriptor again"
	}
	ts := time.Unix(0, rec.Time).UTC().Format("15:04:05.000000")
	fmt.Fprintf(l.w, "%s ch%-3d %-12s %-28s dscr %4d%s\n", ts, rec.Channel, rec.Socket, rec.Status, rec.Dscr, note)
}

// Summary prints how many records each socket produced.
func (l *TextLog) Summary() {
	for id, n := range l.seen {
		fmt.Fprintf(l.w, "%-12s %d interrupts\n", id, n)
	}
}
