// Copyright 2021 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"

	"github.com/u-root/u-dma/pkg/dma"
	"github.com/u-root/u-dma/pkg/dma/sim"
)

type scenarioFunc func(ctx context.Context, e *dma.Engine, hw *sim.Hardware, n int) error

var scenarios = map[string]scenarioFunc{
	"loopback": loopback,
	"ring":     ring,
	"fanin":    fanIn,
}

const completionTimeout = 5 * time.Second

func pattern(seq, size int) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = byte(seq + i)
	}
	return b
}

// produce retries while every buffer of the producer is still occupied.
func produce(ctx context.Context, hw *sim.Hardware, id dma.SocketID, data []byte) error {
	bo := &backoff.Backoff{Min: time.Millisecond, Max: 50 * time.Millisecond, Factor: 2}
	for {
		err := hw.Produce(id, data, false)
		if !errors.Is(err, sim.ErrBufferFull) {
			return err
		}
		if err := hw.Settle(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(bo.Duration()):
		}
	}
}

func checkCaptured(hw *sim.Hardware, cons dma.SocketID, want [][]byte) error {
	got := hw.Captured(cons)
	if len(got) != len(want) {
		return fmt.Errorf("%s read %d buffers, expected %d", cons, len(got), len(want))
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			return fmt.Errorf("%s buffer %d corrupted", cons, i)
		}
	}
	return nil
}

// loopback sends buffers from the CPU through a linked socket pair and reads
// them back.
func loopback(ctx context.Context, e *dma.Engine, hw *sim.Hardware, n int) error {
	tx := dma.NewSocketID(dma.IPUSBEgress, 0)
	rx := dma.NewSocketID(dma.IPPIB, 0)
	hw.Link(tx, rx)

	out, err := e.CreateChannel(dma.TypeManualOut, dma.Config{Size: 512, Count: 4, ProdSocket: dma.CPUSocket, ConsSocket: tx})
	if err != nil {
		return err
	}
	defer out.Destroy()
	in, err := e.CreateChannel(dma.TypeManualIn, dma.Config{Size: 512, Count: 4, ProdSocket: rx, ConsSocket: dma.CPUSocket})
	if err != nil {
		return err
	}
	defer in.Destroy()
	for _, c := range []*dma.Channel{out, in} {
		if err := c.SetXfer(uint32(n)); err != nil {
			return err
		}
	}

	for i := 0; i < n; i++ {
		buf, err := out.GetBuffer(completionTimeout)
		if err != nil {
			return fmt.Errorf("send buffer %d: %w", i, err)
		}
		want := pattern(i, 1+i%buf.Size)
		copy(buf.Buffer, want)
		if err := out.CommitBuffer(len(want), false); err != nil {
			return err
		}
		got, err := in.GetBuffer(completionTimeout)
		if err != nil {
			return fmt.Errorf("receive buffer %d: %w", i, err)
		}
		if !bytes.Equal(got.Buffer, want) {
			return fmt.Errorf("buffer %d came back as %d bytes, sent %d", i, got.Count, len(want))
		}
		if err := in.DiscardBuffer(); err != nil {
			return err
		}
	}
	if err := out.WaitForCompletion(completionTimeout); err != nil {
		return err
	}
	return in.WaitForCompletion(completionTimeout)
}

// ring streams buffers through an AUTO channel so the descriptors wrap
// several times.
func ring(ctx context.Context, e *dma.Engine, hw *sim.Hardware, n int) error {
	prod := dma.NewSocketID(dma.IPPIB, 1)
	cons := dma.NewSocketID(dma.IPUSBEgress, 1)
	hw.Capture(cons)
	ch, err := e.CreateChannel(dma.TypeAuto, dma.Config{Size: 1024, Count: 4, ProdSocket: prod, ConsSocket: cons})
	if err != nil {
		return err
	}
	defer ch.Destroy()
	if err := ch.SetXfer(uint32(n)); err != nil {
		return err
	}
	var want [][]byte
	for i := 0; i < n; i++ {
		b := pattern(i, 1024)
		want = append(want, b)
		if err := produce(ctx, hw, prod, b); err != nil {
			return err
		}
	}
	if err := ch.WaitForCompletion(completionTimeout); err != nil {
		return err
	}
	return checkCaptured(hw, cons, want)
}

// fanIn interleaves two producers into one consumer.
func fanIn(ctx context.Context, e *dma.Engine, hw *sim.Hardware, n int) error {
	prods := []dma.SocketID{dma.NewSocketID(dma.IPPIB, 2), dma.NewSocketID(dma.IPPIB, 3)}
	cons := dma.NewSocketID(dma.IPUSBEgress, 2)
	hw.Capture(cons)
	ch, err := e.CreateMultiChannel(dma.TypeAutoManyToOne, dma.MultiConfig{
		Size:        256,
		Count:       2,
		ProdSockets: prods,
		ConsSockets: []dma.SocketID{cons},
	})
	if err != nil {
		return err
	}
	defer ch.Destroy()
	if err := ch.SetXfer(uint32(n)); err != nil {
		return err
	}
	var want [][]byte
	for i := 0; i < n; i++ {
		b := pattern(i, 256)
		want = append(want, b)
		if err := produce(ctx, hw, prods[i%len(prods)], b); err != nil {
			return err
		}
	}
	if err := ch.WaitForCompletion(completionTimeout); err != nil {
		return err
	}
	return checkCaptured(hw, cons, want)
}
