// Copyright 2021 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dma_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/u-root/u-dma/pkg/dma"
	"github.com/u-root/u-dma/pkg/dma/sim"
)

func pib(n uint8) dma.SocketID {
	return dma.NewSocketID(dma.IPPIB, n)
}

func egress(n uint8) dma.SocketID {
	return dma.NewSocketID(dma.IPUSBEgress, n)
}

func newEngine(t *testing.T, opts dma.Options, fns ...dma.Option) (*dma.Engine, *sim.Hardware) {
	t.Helper()
	hw := sim.New()
	return newEngineWith(t, opts, hw, hw, fns...), hw
}

// newEngineWith runs an engine whose socket calls go through drv, which
// must end up at hw.
func newEngineWith(t *testing.T, opts dma.Options, hw *sim.Hardware, drv dma.SocketDriver, fns ...dma.Option) *dma.Engine {
	t.Helper()
	e, err := dma.New(opts, drv, fns...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	hw.Attach(e)
	ctx, cancel := context.WithCancel(context.Background())
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	go hw.Run(ctx)
	t.Cleanup(func() {
		if err := e.Deinit(); err != nil {
			t.Errorf("Deinit: %v", err)
		}
		cancel()
	})
	return e
}

func settle(t *testing.T, hw *sim.Hardware) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := hw.Settle(ctx); err != nil {
		t.Fatalf("Settle: %v", err)
	}
}

// produce pushes data into producer id, waiting for the engine to hand a
// buffer back when the ring is full.
func produce(t *testing.T, hw *sim.Hardware, id dma.SocketID, data []byte) {
	t.Helper()
	for i := 0; i < 100; i++ {
		err := hw.Produce(id, data, false)
		if err == nil {
			return
		}
		if !errors.Is(err, sim.ErrBufferFull) {
			t.Fatalf("Produce(%s): %v", id, err)
		}
		settle(t, hw)
	}
	t.Fatalf("producer %s never got a free buffer", id)
}

// recorder collects callback notifications.
type recorder struct {
	mu     sync.Mutex
	events []dma.Event
	dscrs  []uint16
	data   [][]byte
}

func (r *recorder) add(e dma.Event, info *dma.BufferInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	if info != nil {
		r.dscrs = append(r.dscrs, info.Dscr)
		r.data = append(r.data, append([]byte(nil), info.Buffer...))
	}
}

func (r *recorder) count(e dma.Event) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, got := range r.events {
		if got == e {
			n++
		}
	}
	return n
}

func payload(b byte, n int) []byte {
	return bytes.Repeat([]byte{b}, n)
}

func TestRingWrap(t *testing.T) {
	e, hw := newEngine(t, dma.DefaultOptions)
	var rec recorder
	ch, err := e.CreateChannel(dma.TypeManual, dma.Config{
		Size:         512,
		Count:        4,
		ProdSocket:   pib(0),
		ConsSocket:   egress(0),
		Notification: dma.EventProduce | dma.EventXferComplete,
		Callback: func(ch *dma.Channel, ev dma.Event, info *dma.BufferInfo) {
			rec.add(ev, info)
			if ev == dma.EventProduce {
				if err := ch.CommitBuffer(info.Count, info.EOP); err != nil {
					t.Errorf("CommitBuffer: %v", err)
				}
			}
		},
	})
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	hw.Capture(egress(0))
	if err := ch.SetXfer(6); err != nil {
		t.Fatalf("SetXfer: %v", err)
	}
	var want [][]byte
	for i := 0; i < 6; i++ {
		p := payload(byte('a'+i), 512)
		want = append(want, p)
		produce(t, hw, pib(0), p)
	}
	settle(t, hw)
	if err := ch.WaitForCompletion(time.Second); err != nil {
		t.Fatalf("WaitForCompletion: %v", err)
	}

	if diff := cmp.Diff(want, hw.Captured(egress(0))); diff != "" {
		t.Errorf("consumer data mismatch (-want +got):\n%s", diff)
	}
	rec.mu.Lock()
	d := rec.dscrs
	rec.mu.Unlock()
	if len(d) != 6 {
		t.Fatalf("got %d produce notifications, want 6", len(d))
	}
	if d[4] != d[0] || d[5] != d[1] {
		t.Errorf("ring did not wrap: descriptors %v", d)
	}
	seen := map[uint16]bool{}
	for _, x := range d[:4] {
		seen[x] = true
	}
	if len(seen) != 4 {
		t.Errorf("first lap reused a descriptor: %v", d)
	}
	if n := rec.count(dma.EventXferComplete); n != 1 {
		t.Errorf("got %d transfer complete notifications, want 1", n)
	}
	if st := ch.Status(); st.State != dma.StateConfigured || st.ProdCount != 6 || st.ConsCount != 6 {
		t.Errorf("Status() = %+v", st)
	}
}

func TestManualInFIFO(t *testing.T) {
	e, hw := newEngine(t, dma.DefaultOptions)
	ch, err := e.CreateChannel(dma.TypeManualIn, dma.Config{
		Size:       64,
		Count:      3,
		ProdSocket: pib(1),
		ConsSocket: dma.CPUSocket,
	})
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	if err := ch.DiscardBuffer(); !errors.Is(err, dma.ErrInvalidSequence) {
		t.Errorf("DiscardBuffer before SetXfer = %v, want ErrInvalidSequence", err)
	}
	if err := ch.SetXfer(4); err != nil {
		t.Fatalf("SetXfer: %v", err)
	}
	if err := ch.DiscardBuffer(); !errors.Is(err, dma.ErrNoBufferPending) {
		t.Errorf("DiscardBuffer with nothing produced = %v, want ErrNoBufferPending", err)
	}
	for _, s := range []string{"a", "b", "c"} {
		if err := hw.Produce(pib(1), []byte(s), false); err != nil {
			t.Fatalf("Produce(%q): %v", s, err)
		}
	}
	if err := hw.Produce(pib(1), []byte("d"), false); !errors.Is(err, sim.ErrBufferFull) {
		t.Fatalf("Produce into full ring = %v, want ErrBufferFull", err)
	}
	settle(t, hw)

	next := func(want string) {
		t.Helper()
		info, err := ch.GetBuffer(time.Second)
		if err != nil {
			t.Fatalf("GetBuffer: %v", err)
		}
		if string(info.Buffer) != want || info.Count != len(want) {
			t.Fatalf("GetBuffer = %q (%d bytes), want %q", info.Buffer, info.Count, want)
		}
		if err := ch.DiscardBuffer(); err != nil {
			t.Fatalf("DiscardBuffer: %v", err)
		}
	}
	next("a")
	if err := hw.Produce(pib(1), []byte("d"), false); err != nil {
		t.Fatalf("Produce after discard: %v", err)
	}
	settle(t, hw)
	if st := ch.State(); st != dma.StateInCompletion {
		t.Fatalf("state after last buffer produced = %s, want in-completion", st)
	}
	next("b")
	next("c")
	next("d")
	if st := ch.State(); st != dma.StateConfigured {
		t.Errorf("state after draining = %s, want configured", st)
	}
	if err := ch.WaitForCompletion(time.Second); err != nil {
		t.Errorf("WaitForCompletion: %v", err)
	}
	if err := ch.CommitBuffer(1, false); !errors.Is(err, dma.ErrNotSupported) {
		t.Errorf("CommitBuffer on %s = %v, want ErrNotSupported", ch.Type(), err)
	}
}

func TestManualOut(t *testing.T) {
	e, hw := newEngine(t, dma.DefaultOptions)
	ch, err := e.CreateChannel(dma.TypeManualOut, dma.Config{
		Size:       32,
		Count:      2,
		ProdSocket: dma.CPUSocket,
		ConsSocket: egress(1),
	})
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	hw.Capture(egress(1))
	if err := ch.SetXfer(3); err != nil {
		t.Fatalf("SetXfer: %v", err)
	}
	var want [][]byte
	for i := 0; i < 3; i++ {
		info, err := ch.GetBuffer(time.Second)
		if err != nil {
			t.Fatalf("GetBuffer %d: %v", i, err)
		}
		if len(info.Buffer) != 32 {
			t.Fatalf("GetBuffer returned %d bytes to fill, want 32", len(info.Buffer))
		}
		p := payload(byte('x'+i), 10+i)
		copy(info.Buffer, p)
		want = append(want, p)
		if err := ch.CommitBuffer(len(p), false); err != nil {
			t.Fatalf("CommitBuffer %d: %v", i, err)
		}
	}
	if err := ch.WaitForCompletion(time.Second); err != nil {
		t.Fatalf("WaitForCompletion: %v", err)
	}
	if diff := cmp.Diff(want, hw.Captured(egress(1))); diff != "" {
		t.Errorf("consumer data mismatch (-want +got):\n%s", diff)
	}
	if err := ch.DiscardBuffer(); !errors.Is(err, dma.ErrNotSupported) {
		t.Errorf("DiscardBuffer on %s = %v, want ErrNotSupported", ch.Type(), err)
	}
}

func TestFanInCompletion(t *testing.T) {
	e, hw := newEngine(t, dma.DefaultOptions)
	var rec recorder
	ch, err := e.CreateMultiChannel(dma.TypeAutoManyToOne, dma.MultiConfig{
		Size:         64,
		Count:        2,
		ProdSockets:  []dma.SocketID{pib(2), pib(3)},
		ConsSockets:  []dma.SocketID{egress(2)},
		Notification: dma.EventConsume | dma.EventXferComplete,
		Callback: func(_ *dma.Channel, ev dma.Event, info *dma.BufferInfo) {
			rec.add(ev, info)
		},
	})
	if err != nil {
		t.Fatalf("CreateMultiChannel: %v", err)
	}
	hw.Capture(egress(2))
	if err := ch.SetXfer(4); err != nil {
		t.Fatalf("SetXfer: %v", err)
	}
	// The consumer alternates between producers.
	order := []dma.SocketID{pib(2), pib(3), pib(2)}
	for i, p := range order {
		produce(t, hw, p, payload(byte('0'+i), 64))
	}
	settle(t, hw)
	if st := ch.State(); st != dma.StateActive {
		t.Fatalf("state after 3 of 4 buffers = %s, want active", st)
	}
	produce(t, hw, pib(3), payload('3', 64))
	settle(t, hw)
	if err := ch.WaitForCompletion(time.Second); err != nil {
		t.Fatalf("WaitForCompletion: %v", err)
	}
	if n := rec.count(dma.EventXferComplete); n != 1 {
		t.Errorf("got %d transfer complete notifications, want 1", n)
	}
	if n := rec.count(dma.EventConsume); n != 4 {
		t.Errorf("got %d consume notifications, want 4", n)
	}
	if got := len(hw.Captured(egress(2))); got != 4 {
		t.Errorf("consumer read %d buffers, want 4", got)
	}
	if _, err := ch.GetBuffer(dma.NoWait); !errors.Is(err, dma.ErrNotSupported) {
		t.Errorf("GetBuffer on %s = %v, want ErrNotSupported", ch.Type(), err)
	}
}

func TestAutoChannel(t *testing.T) {
	e, hw := newEngine(t, dma.DefaultOptions)
	var rec recorder
	ch, err := e.CreateChannel(dma.TypeAuto, dma.Config{
		Size:         64,
		Count:        2,
		ProdSocket:   pib(6),
		ConsSocket:   egress(7),
		Notification: dma.EventConsume | dma.EventXferComplete,
		Callback: func(_ *dma.Channel, ev dma.Event, info *dma.BufferInfo) {
			rec.add(ev, info)
		},
	})
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	hw.Capture(egress(7))
	if err := ch.SetXfer(3); err != nil {
		t.Fatalf("SetXfer: %v", err)
	}
	want := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for _, p := range want {
		produce(t, hw, pib(6), p)
	}
	settle(t, hw)
	if err := ch.WaitForCompletion(time.Second); err != nil {
		t.Fatalf("WaitForCompletion: %v", err)
	}
	if diff := cmp.Diff(want, hw.Captured(egress(7))); diff != "" {
		t.Errorf("consumer data mismatch (-want +got):\n%s", diff)
	}
	if n := rec.count(dma.EventConsume); n != 3 {
		t.Errorf("got %d consume notifications, want 3", n)
	}
	if n := rec.count(dma.EventXferComplete); n != 1 {
		t.Errorf("got %d transfer complete notifications, want 1", n)
	}
}

func TestMulticast(t *testing.T) {
	e, hw := newEngine(t, dma.DefaultOptions)
	var rec recorder
	cfg := dma.MultiConfig{
		Size:         128,
		Count:        2,
		ProdSockets:  []dma.SocketID{pib(5)},
		ConsSockets:  []dma.SocketID{egress(5), egress(6)},
		Notification: dma.EventProduce | dma.EventConsume | dma.EventXferComplete,
		Callback: func(ch *dma.Channel, ev dma.Event, info *dma.BufferInfo) {
			rec.add(ev, info)
			if ev == dma.EventProduce {
				if err := ch.CommitBuffer(info.Count, info.EOP); err != nil {
					t.Errorf("CommitBuffer: %v", err)
				}
			}
		},
	}
	if _, err := e.CreateMultiChannel(dma.TypeMulticast, cfg); !errors.Is(err, dma.ErrNotSupported) {
		t.Fatalf("multicast without EnableMulticast = %v, want ErrNotSupported", err)
	}
	if e.Registry().Owner(egress(5)) != nil {
		t.Errorf("failed create left %s bound", egress(5))
	}
	e.EnableMulticast()
	ch, err := e.CreateMultiChannel(dma.TypeMulticast, cfg)
	if err != nil {
		t.Fatalf("CreateMultiChannel: %v", err)
	}
	hw.Capture(egress(5))
	hw.Capture(egress(6))
	if err := ch.SetXfer(3); err != nil {
		t.Fatalf("SetXfer: %v", err)
	}
	want := [][]byte{[]byte("red"), []byte("green"), []byte("blue")}
	for _, p := range want {
		produce(t, hw, pib(5), p)
	}
	settle(t, hw)
	if err := ch.WaitForCompletion(time.Second); err != nil {
		t.Fatalf("WaitForCompletion: %v", err)
	}
	for _, c := range []dma.SocketID{egress(5), egress(6)} {
		if diff := cmp.Diff(want, hw.Captured(c)); diff != "" {
			t.Errorf("%s data mismatch (-want +got):\n%s", c, diff)
		}
	}
	if n := rec.count(dma.EventConsume); n != 3 {
		t.Errorf("got %d consume notifications, want one per buffer", n)
	}
	if n := rec.count(dma.EventXferComplete); n != 1 {
		t.Errorf("got %d transfer complete notifications, want 1", n)
	}
}

func TestErrorIsSticky(t *testing.T) {
	e, hw := newEngine(t, dma.DefaultOptions)
	var rec recorder
	ch, err := e.CreateChannel(dma.TypeManual, dma.Config{
		Size:         64,
		Count:        2,
		ProdSocket:   pib(9),
		ConsSocket:   egress(9),
		Notification: dma.EventError,
		Callback: func(_ *dma.Channel, ev dma.Event, info *dma.BufferInfo) {
			rec.add(ev, info)
		},
	})
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	if err := ch.SetXfer(0); err != nil {
		t.Fatalf("SetXfer: %v", err)
	}
	hw.Fail(pib(9))
	settle(t, hw)
	if st := ch.State(); st != dma.StateError {
		t.Fatalf("state after socket error = %s, want error", st)
	}
	buf, err := e.Arena().Alloc(64)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer e.Arena().Free(buf)

	for name, f := range map[string]func() error{
		"WaitForCompletion": func() error { return ch.WaitForCompletion(dma.NoWait) },
		"SetupSendBuffer":   func() error { return ch.SetupSendBuffer(buf, 8) },
		"SetupRecvBuffer":   func() error { return ch.SetupRecvBuffer(buf) },
		"SetXfer":           func() error { return ch.SetXfer(1) },
	} {
		if err := f(); !errors.Is(err, dma.ErrChannelError) {
			t.Errorf("%s in error state = %v, want ErrChannelError", name, err)
		}
	}
	hw.Fail(egress(9))
	settle(t, hw)
	if n := rec.count(dma.EventError); n != 1 {
		t.Errorf("got %d error notifications, want 1", n)
	}

	if err := ch.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if st := ch.State(); st != dma.StateConfigured {
		t.Errorf("state after Reset = %s, want configured", st)
	}
	if err := ch.SetXfer(0); err != nil {
		t.Errorf("SetXfer after Reset: %v", err)
	}
}

func TestAbortDropsQueuedNotifications(t *testing.T) {
	e, hw := newEngine(t, dma.DefaultOptions)
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	var rec recorder
	ch, err := e.CreateChannel(dma.TypeManualIn, dma.Config{
		Size:         64,
		Count:        4,
		ProdSocket:   pib(10),
		ConsSocket:   dma.CPUSocket,
		Notification: dma.EventProduce,
		Callback: func(_ *dma.Channel, ev dma.Event, info *dma.BufferInfo) {
			rec.add(ev, info)
			select {
			case started <- struct{}{}:
				<-release
			default:
			}
		},
	})
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	if err := ch.SetXfer(0); err != nil {
		t.Fatalf("SetXfer: %v", err)
	}
	if err := hw.Produce(pib(10), []byte("first"), false); err != nil {
		t.Fatalf("Produce: %v", err)
	}
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("callback never ran")
	}
	for _, s := range []string{"second", "third"} {
		if err := hw.Produce(pib(10), []byte(s), false); err != nil {
			t.Fatalf("Produce(%q): %v", s, err)
		}
	}
	hw.SetDrainPolls(3)
	if err := ch.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	close(release)
	settle(t, hw)

	if n := rec.count(dma.EventProduce); n != 1 {
		t.Errorf("got %d produce notifications, want only the one in flight at abort", n)
	}
	if st := ch.State(); st != dma.StateAborted {
		t.Errorf("state = %s, want aborted", st)
	}
	if err := ch.WaitForCompletion(dma.NoWait); !errors.Is(err, dma.ErrAborted) {
		t.Errorf("WaitForCompletion after Abort = %v, want ErrAborted", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ch.WaitIdle(ctx); err != nil {
		t.Errorf("WaitIdle: %v", err)
	}
	if err := ch.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if err := ch.SetXfer(0); err != nil {
		t.Errorf("SetXfer after Reset: %v", err)
	}
}

func TestOverrideLoopback(t *testing.T) {
	e, hw := newEngine(t, dma.DefaultOptions)
	out, err := e.CreateChannel(dma.TypeManualOut, dma.Config{
		Size:       256,
		Count:      2,
		ProdSocket: dma.CPUSocket,
		ConsSocket: egress(3),
	})
	if err != nil {
		t.Fatalf("CreateChannel(out): %v", err)
	}
	in, err := e.CreateChannel(dma.TypeManualIn, dma.Config{
		Size:       256,
		Count:      2,
		ProdSocket: pib(4),
		ConsSocket: dma.CPUSocket,
	})
	if err != nil {
		t.Fatalf("CreateChannel(in): %v", err)
	}
	hw.Link(egress(3), pib(4))

	recv, err := e.Arena().Alloc(256)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	send, err := e.Arena().Alloc(256)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if _, err := in.WaitForRecvBuffer(dma.NoWait); !errors.Is(err, dma.ErrInvalidSequence) {
		t.Errorf("WaitForRecvBuffer without receive = %v, want ErrInvalidSequence", err)
	}
	if err := in.SetupRecvBuffer(recv); err != nil {
		t.Fatalf("SetupRecvBuffer: %v", err)
	}
	if st := in.State(); st != dma.StateConsOverride {
		t.Errorf("receiving channel is %s, want cons-override", st)
	}
	if err := in.SetXfer(0); !errors.Is(err, dma.ErrAlreadyStarted) {
		t.Errorf("SetXfer during override = %v, want ErrAlreadyStarted", err)
	}

	want := payload(0x5a, 200)
	copy(send.Bytes(), want)
	if err := out.SetupSendBuffer(send, len(want)); err != nil {
		t.Fatalf("SetupSendBuffer: %v", err)
	}
	if err := out.WaitForCompletion(time.Second); err != nil {
		t.Fatalf("WaitForCompletion(send): %v", err)
	}
	info, err := in.WaitForRecvBuffer(time.Second)
	if err != nil {
		t.Fatalf("WaitForRecvBuffer: %v", err)
	}
	if info.Count != len(want) || !bytes.Equal(info.Buffer, want) {
		t.Errorf("received %d bytes, want %d bytes of %#x", info.Count, len(want), want[0])
	}
	if info.Addr != recv.Addr {
		t.Errorf("received into %#x, want %#x", info.Addr, recv.Addr)
	}
	for _, ch := range []*dma.Channel{out, in} {
		if st := ch.State(); st != dma.StateConfigured {
			t.Errorf("%s is %s after override, want configured", ch, st)
		}
	}

	var foreign dma.Buffer
	if err := out.SetupSendBuffer(foreign, 0); !errors.Is(err, dma.ErrNullPointer) {
		t.Errorf("SetupSendBuffer(zero buffer) = %v, want ErrNullPointer", err)
	}
}

func TestDiscardInFlight(t *testing.T) {
	e, hw := newEngine(t, dma.DefaultOptions)
	ch, err := e.CreateChannel(dma.TypeManual, dma.Config{
		Size:         64,
		Count:        4,
		ProdSocket:   pib(7),
		ConsSocket:   egress(8),
		Notification: dma.EventProduce,
		Callback: func(ch *dma.Channel, ev dma.Event, info *dma.BufferInfo) {
			if err := ch.CommitBuffer(info.Count, info.EOP); err != nil {
				t.Errorf("CommitBuffer: %v", err)
			}
		},
	})
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	hw.Capture(egress(8))
	hw.Hold(egress(8))
	if err := ch.SetXfer(0); err != nil {
		t.Fatalf("SetXfer: %v", err)
	}
	for _, s := range []string{"a", "b", "c"} {
		produce(t, hw, pib(7), []byte(s))
	}
	settle(t, hw)
	if err := ch.DiscardInFlight(2); err != nil {
		t.Fatalf("DiscardInFlight: %v", err)
	}
	hw.Release(egress(8))
	settle(t, hw)
	if diff := cmp.Diff([][]byte{[]byte("c")}, hw.Captured(egress(8))); diff != "" {
		t.Errorf("consumer data mismatch (-want +got):\n%s", diff)
	}
	if scb, _ := e.Registry().Lookup(egress(8)); scb.Discard != 0 {
		t.Errorf("%d discards still pending", scb.Discard)
	}
	if err := ch.DiscardInFlight(1); !errors.Is(err, dma.ErrNoBufferPending) {
		t.Errorf("DiscardInFlight with nothing committed = %v, want ErrNoBufferPending", err)
	}
}

func TestDiscardBufferSkipsConsumer(t *testing.T) {
	e, hw := newEngine(t, dma.DefaultOptions)
	ch, err := e.CreateChannel(dma.TypeManual, dma.Config{
		Size:       64,
		Count:      2,
		ProdSocket: pib(8),
		ConsSocket: egress(10),
	})
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	hw.Capture(egress(10))
	if err := ch.SetXfer(0); err != nil {
		t.Fatalf("SetXfer: %v", err)
	}
	for _, s := range []string{"drop", "keep"} {
		produce(t, hw, pib(8), []byte(s))
	}
	info, err := ch.GetBuffer(time.Second)
	if err != nil || string(info.Buffer) != "drop" {
		t.Fatalf("GetBuffer = %q, %v", info.Buffer, err)
	}
	if err := ch.DiscardBuffer(); err != nil {
		t.Fatalf("DiscardBuffer: %v", err)
	}
	info, err = ch.GetBuffer(time.Second)
	if err != nil || string(info.Buffer) != "keep" {
		t.Fatalf("GetBuffer = %q, %v", info.Buffer, err)
	}
	if err := ch.CommitBuffer(info.Count, false); err != nil {
		t.Fatalf("CommitBuffer: %v", err)
	}
	if err := ch.CommitBuffer(0, false); !errors.Is(err, dma.ErrNoBufferPending) {
		t.Errorf("second CommitBuffer = %v, want ErrNoBufferPending", err)
	}
	settle(t, hw)
	if diff := cmp.Diff([][]byte{[]byte("keep")}, hw.Captured(egress(10))); diff != "" {
		t.Errorf("consumer data mismatch (-want +got):\n%s", diff)
	}
	// Both buffers went back to the producer.
	for _, s := range []string{"x", "y"} {
		if err := hw.Produce(pib(8), []byte(s), false); err != nil {
			t.Errorf("Produce(%q): %v", s, err)
		}
	}
}

func TestCreateValidation(t *testing.T) {
	opts := dma.DefaultOptions
	opts.DescriptorCount = 8
	e, _ := newEngine(t, opts)

	for _, tc := range []struct {
		name string
		typ  dma.ChannelType
		cfg  dma.MultiConfig
	}{
		{"zero size", dma.TypeManual, dma.MultiConfig{Size: 0, Count: 1, ProdSockets: []dma.SocketID{pib(0)}, ConsSockets: []dma.SocketID{egress(0)}}},
		{"oversize", dma.TypeManual, dma.MultiConfig{Size: dma.MaxBufferSize + 1, Count: 1, ProdSockets: []dma.SocketID{pib(0)}, ConsSockets: []dma.SocketID{egress(0)}}},
		{"zero count", dma.TypeManual, dma.MultiConfig{Size: 16, Count: 0, ProdSockets: []dma.SocketID{pib(0)}, ConsSockets: []dma.SocketID{egress(0)}}},
		{"manual-out without cpu", dma.TypeManualOut, dma.MultiConfig{Size: 16, Count: 1, ProdSockets: []dma.SocketID{pib(0)}, ConsSockets: []dma.SocketID{egress(0)}}},
		{"auto with cpu", dma.TypeAuto, dma.MultiConfig{Size: 16, Count: 1, ProdSockets: []dma.SocketID{dma.CPUSocket}, ConsSockets: []dma.SocketID{egress(0)}}},
		{"fan-in of one", dma.TypeAutoManyToOne, dma.MultiConfig{Size: 16, Count: 1, ProdSockets: []dma.SocketID{pib(0)}, ConsSockets: []dma.SocketID{egress(0)}}},
		{"fan-out too wide", dma.TypeManualOneToMany, dma.MultiConfig{Size: 16, Count: 1, ProdSockets: []dma.SocketID{pib(0)},
			ConsSockets: []dma.SocketID{egress(0), egress(1), egress(2), egress(3), egress(4)}}},
		{"socket twice", dma.TypeAutoOneToMany, dma.MultiConfig{Size: 16, Count: 1, ProdSockets: []dma.SocketID{pib(0)}, ConsSockets: []dma.SocketID{egress(0), egress(0)}}},
		{"missing socket", dma.TypeAuto, dma.MultiConfig{Size: 16, Count: 1, ProdSockets: []dma.SocketID{pib(40)}, ConsSockets: []dma.SocketID{egress(0)}}},
		{"unknown type", dma.ChannelType(42), dma.MultiConfig{Size: 16, Count: 1, ProdSockets: []dma.SocketID{pib(0)}, ConsSockets: []dma.SocketID{egress(0)}}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := e.CreateMultiChannel(tc.typ, tc.cfg); !errors.Is(err, dma.ErrBadArgument) {
				t.Errorf("CreateMultiChannel = %v, want ErrBadArgument", err)
			}
		})
	}

	// Four buffers need nine descriptors counting the override one.
	if _, err := e.CreateChannel(dma.TypeManual, dma.Config{Size: 16, Count: 4, ProdSocket: pib(0), ConsSocket: egress(0)}); !errors.Is(err, dma.ErrOutOfMemory) {
		t.Errorf("CreateChannel beyond the store = %v, want ErrOutOfMemory", err)
	}
	for _, id := range []dma.SocketID{pib(0), egress(0)} {
		if e.Registry().Owner(id) != nil {
			t.Errorf("failed create left %s bound", id)
		}
	}
	ch, err := e.CreateChannel(dma.TypeManual, dma.Config{Size: 16, Count: 3, ProdSocket: pib(0), ConsSocket: egress(0)})
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	if _, err := e.CreateChannel(dma.TypeAuto, dma.Config{Size: 16, Count: 1, ProdSocket: pib(0), ConsSocket: egress(1)}); !errors.Is(err, dma.ErrAlreadyBound) {
		t.Errorf("CreateChannel on a bound socket = %v, want ErrAlreadyBound", err)
	}
	if e.Registry().Owner(egress(1)) != nil {
		t.Errorf("failed create left %s bound", egress(1))
	}
	if err := ch.SetXfer(0); err != nil {
		t.Fatalf("SetXfer: %v", err)
	}
	if err := ch.SetXfer(0); !errors.Is(err, dma.ErrAlreadyStarted) {
		t.Errorf("second SetXfer = %v, want ErrAlreadyStarted", err)
	}
	if err := ch.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if err := ch.Destroy(); !errors.Is(err, dma.ErrNotConfigured) {
		t.Errorf("second Destroy = %v, want ErrNotConfigured", err)
	}
	if free := e.Store().Free(); free != 8 {
		t.Errorf("%d descriptors free after Destroy, want 8", free)
	}
	if e.Channels() != 0 {
		t.Errorf("%d channels left after Destroy", e.Channels())
	}
}

func TestSuspendResume(t *testing.T) {
	e, hw := newEngine(t, dma.DefaultOptions)
	var rec recorder
	ch, err := e.CreateChannel(dma.TypeAuto, dma.Config{
		Size:         64,
		Count:        4,
		ProdSocket:   pib(12),
		ConsSocket:   egress(12),
		Notification: dma.EventProducerSuspended,
		Callback: func(_ *dma.Channel, ev dma.Event, info *dma.BufferInfo) {
			rec.add(ev, info)
		},
	})
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	if err := ch.SetSuspend(dma.SuspendCurrentBuffer, dma.SuspendNone); err != nil {
		t.Fatalf("SetSuspend: %v", err)
	}
	if err := ch.SetXfer(0); err != nil {
		t.Fatalf("SetXfer: %v", err)
	}
	if err := hw.Produce(pib(12), []byte("1"), false); err != nil {
		t.Fatalf("Produce: %v", err)
	}
	if err := hw.Produce(pib(12), []byte("2"), false); !errors.Is(err, sim.ErrDisabled) {
		t.Errorf("Produce into suspended socket = %v, want ErrDisabled", err)
	}
	settle(t, hw)
	if n := rec.count(dma.EventProducerSuspended); n != 1 {
		t.Errorf("got %d suspend notifications, want 1", n)
	}
	if err := ch.Resume(true, false); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := hw.Produce(pib(12), []byte("2"), false); err != nil {
		t.Errorf("Produce after Resume: %v", err)
	}
	settle(t, hw)
	if n := rec.count(dma.EventProducerSuspended); n != 2 {
		t.Errorf("got %d suspend notifications, want 2", n)
	}
}

func TestWrapUp(t *testing.T) {
	e, hw := newEngine(t, dma.DefaultOptions)
	ch, err := e.CreateChannel(dma.TypeManualIn, dma.Config{
		Size:       64,
		Count:      4,
		ProdSocket: pib(13),
		ConsSocket: dma.CPUSocket,
	})
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	if err := ch.SetWrapUp(); !errors.Is(err, dma.ErrInvalidSequence) {
		t.Errorf("SetWrapUp on idle channel = %v, want ErrInvalidSequence", err)
	}
	if err := ch.SetXfer(0); err != nil {
		t.Fatalf("SetXfer: %v", err)
	}
	if err := hw.Feed(pib(13), payload('w', 100)); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if err := ch.SetWrapUp(); err != nil {
		t.Fatalf("SetWrapUp: %v", err)
	}
	for _, want := range []int{64, 36} {
		info, err := ch.GetBuffer(time.Second)
		if err != nil {
			t.Fatalf("GetBuffer: %v", err)
		}
		if info.Count != want {
			t.Errorf("buffer holds %d bytes, want %d", info.Count, want)
		}
		if err := ch.DiscardBuffer(); err != nil {
			t.Fatalf("DiscardBuffer: %v", err)
		}
	}
}

func TestResetRewinds(t *testing.T) {
	e, hw := newEngine(t, dma.DefaultOptions)
	ch, err := e.CreateChannel(dma.TypeManualIn, dma.Config{
		Size:       64,
		Count:      2,
		ProdSocket: pib(14),
		ConsSocket: dma.CPUSocket,
	})
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	if err := ch.SetXfer(0); err != nil {
		t.Fatalf("SetXfer: %v", err)
	}
	if err := hw.Produce(pib(14), []byte("old"), false); err != nil {
		t.Fatalf("Produce: %v", err)
	}
	first, err := ch.GetBuffer(time.Second)
	if err != nil {
		t.Fatalf("GetBuffer: %v", err)
	}
	if err := ch.DiscardBuffer(); err != nil {
		t.Fatalf("DiscardBuffer: %v", err)
	}
	if err := hw.Produce(pib(14), []byte("stale"), false); err != nil {
		t.Fatalf("Produce: %v", err)
	}
	settle(t, hw)

	if err := ch.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if st := ch.Status(); st.State != dma.StateConfigured || st.ProdCount != 0 {
		t.Errorf("Status() after Reset = %+v", st)
	}
	if err := ch.SetXfer(0); err != nil {
		t.Fatalf("SetXfer: %v", err)
	}
	if err := hw.Produce(pib(14), []byte("new"), false); err != nil {
		t.Fatalf("Produce: %v", err)
	}
	got, err := ch.GetBuffer(time.Second)
	if err != nil {
		t.Fatalf("GetBuffer: %v", err)
	}
	if got.Dscr != first.Dscr || string(got.Buffer) != "new" {
		t.Errorf("after Reset got %q in descriptor %d, want %q in %d", got.Buffer, got.Dscr, "new", first.Dscr)
	}
}

func TestInterruptBeforeStart(t *testing.T) {
	hw := sim.New()
	e, err := dma.New(dma.DefaultOptions, hw)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.Deinit()
	e.Interrupt(pib(0), dma.StatusProduce, 1)
	if err := e.Flush(context.Background()); !errors.Is(err, dma.ErrNotStarted) {
		t.Errorf("Flush before Start = %v, want ErrNotStarted", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.Start(ctx); !errors.Is(err, dma.ErrAlreadyStarted) {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}
	if _, err := dma.New(dma.DefaultOptions, nil); !errors.Is(err, dma.ErrNullPointer) {
		t.Errorf("New without driver = %v, want ErrNullPointer", err)
	}
}

// cacheLog records cache maintenance and barriers in call order.
type cacheLog struct {
	mu  sync.Mutex
	ops []string
}

func (l *cacheLog) add(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ops = append(l.ops, fmt.Sprintf(format, args...))
}

func (l *cacheLog) take() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	ops := l.ops
	l.ops = nil
	return ops
}

func (l *cacheLog) FlushRegion(a dma.Addr, n int)      { l.add("flush %#x %d", a, n) }
func (l *cacheLog) InvalidateRegion(a dma.Addr, n int) { l.add("invalidate %#x %d", a, n) }
func (l *cacheLog) Barrier()                           { l.add("barrier") }

func TestCacheMaintenance(t *testing.T) {
	opts := dma.DefaultOptions
	opts.CacheEnabled = true
	cl := &cacheLog{}
	e, hw := newEngine(t, opts, dma.WithCache(cl), dma.WithFence(cl))

	out, err := e.CreateChannel(dma.TypeManualOut, dma.Config{Size: 64, Count: 2, ProdSocket: dma.CPUSocket, ConsSocket: egress(10)})
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	hw.Capture(egress(10))
	if err := out.SetXfer(0); err != nil {
		t.Fatalf("SetXfer: %v", err)
	}
	buf, err := out.GetBuffer(time.Second)
	if err != nil {
		t.Fatalf("GetBuffer: %v", err)
	}
	copy(buf.Buffer, "0123456789")
	if err := out.CommitBuffer(10, false); err != nil {
		t.Fatalf("CommitBuffer: %v", err)
	}
	settle(t, hw)
	// Firmware data is written back before the consumer hears about it.
	want := []string{fmt.Sprintf("flush %#x 10", buf.Addr), "barrier"}
	if diff := cmp.Diff(want, cl.take()); diff != "" {
		t.Errorf("commit cache ops mismatch (-want +got):\n%s", diff)
	}

	in, err := e.CreateChannel(dma.TypeManualIn, dma.Config{Size: 64, Count: 2, ProdSocket: pib(10), ConsSocket: dma.CPUSocket})
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	if err := in.SetXfer(0); err != nil {
		t.Fatalf("SetXfer: %v", err)
	}
	produce(t, hw, pib(10), payload('x', 20))
	settle(t, hw)
	got, err := in.GetBuffer(time.Second)
	if err != nil {
		t.Fatalf("GetBuffer: %v", err)
	}
	if err := in.DiscardBuffer(); err != nil {
		t.Fatalf("DiscardBuffer: %v", err)
	}
	// Hardware data is invalidated before firmware reads it, and the
	// returned buffer is cleaned before the producer may reuse it.
	want = []string{
		fmt.Sprintf("invalidate %#x 20", got.Addr),
		fmt.Sprintf("flush %#x 64", got.Addr),
		"barrier",
	}
	if diff := cmp.Diff(want, cl.take()); diff != "" {
		t.Errorf("receive cache ops mismatch (-want +got):\n%s", diff)
	}
}

func TestErrorDuringOverride(t *testing.T) {
	e, hw := newEngine(t, dma.DefaultOptions)
	var rec recorder
	ch, err := e.CreateChannel(dma.TypeManualIn, dma.Config{
		Size:         128,
		Count:        2,
		ProdSocket:   pib(11),
		ConsSocket:   dma.CPUSocket,
		Notification: dma.EventError,
		Callback: func(_ *dma.Channel, ev dma.Event, info *dma.BufferInfo) {
			rec.add(ev, info)
		},
	})
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	buf, err := e.Arena().Alloc(128)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := ch.SetupRecvBuffer(buf); err != nil {
		t.Fatalf("SetupRecvBuffer: %v", err)
	}
	scb, err := e.Registry().Lookup(pib(11))
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if scb.Override == dma.NoDescriptor {
		t.Fatalf("socket has no override descriptor while receiving")
	}

	hw.Fail(pib(11))
	settle(t, hw)
	if st := ch.State(); st != dma.StateError {
		t.Fatalf("state after error = %s, want error", st)
	}
	if n := rec.count(dma.EventError); n != 1 {
		t.Errorf("got %d error notifications, want 1", n)
	}
	if scb, _ := e.Registry().Lookup(pib(11)); scb.Override != dma.NoDescriptor {
		t.Errorf("override descriptor %d left on the socket after the error", scb.Override)
	}

	if err := ch.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if err := ch.SetupRecvBuffer(buf); err != nil {
		t.Errorf("SetupRecvBuffer after Reset: %v", err)
	}
}

func TestAutoOneToMany(t *testing.T) {
	e, hw := newEngine(t, dma.DefaultOptions)
	var rec recorder
	ch, err := e.CreateMultiChannel(dma.TypeAutoOneToMany, dma.MultiConfig{
		Size:         64,
		Count:        2,
		ProdSockets:  []dma.SocketID{pib(13)},
		ConsSockets:  []dma.SocketID{egress(13), egress(14)},
		Notification: dma.EventConsume | dma.EventXferComplete,
		Callback: func(_ *dma.Channel, ev dma.Event, info *dma.BufferInfo) {
			rec.add(ev, info)
		},
	})
	if err != nil {
		t.Fatalf("CreateMultiChannel: %v", err)
	}
	hw.Capture(egress(13))
	hw.Capture(egress(14))
	if err := ch.SetXfer(4); err != nil {
		t.Fatalf("SetXfer: %v", err)
	}
	for _, p := range []string{"a", "b", "c", "d"} {
		produce(t, hw, pib(13), []byte(p))
		settle(t, hw)
	}
	if err := ch.WaitForCompletion(time.Second); err != nil {
		t.Fatalf("WaitForCompletion: %v", err)
	}
	// Buffers go to the consumers in turn.
	want := map[dma.SocketID][][]byte{
		egress(13): {[]byte("a"), []byte("c")},
		egress(14): {[]byte("b"), []byte("d")},
	}
	for c, w := range want {
		if diff := cmp.Diff(w, hw.Captured(c)); diff != "" {
			t.Errorf("%s data mismatch (-want +got):\n%s", c, diff)
		}
	}
	if n := rec.count(dma.EventConsume); n != 4 {
		t.Errorf("got %d consume notifications, want 4", n)
	}
	if n := rec.count(dma.EventXferComplete); n != 1 {
		t.Errorf("got %d transfer complete notifications, want 1", n)
	}
	if st := ch.State(); st != dma.StateConfigured {
		t.Errorf("state after transfer = %s, want configured", st)
	}
}

func TestManualManyToOne(t *testing.T) {
	e, hw := newEngine(t, dma.DefaultOptions)
	var rec recorder
	prods := []dma.SocketID{pib(14), pib(15)}
	ch, err := e.CreateMultiChannel(dma.TypeManualManyToOne, dma.MultiConfig{
		Size:         64,
		Count:        2,
		ProdSockets:  prods,
		ConsSockets:  []dma.SocketID{egress(15)},
		Notification: dma.EventXferComplete,
		Callback: func(_ *dma.Channel, ev dma.Event, info *dma.BufferInfo) {
			rec.add(ev, info)
		},
	})
	if err != nil {
		t.Fatalf("CreateMultiChannel: %v", err)
	}
	hw.Capture(egress(15))
	if err := ch.SetXfer(4); err != nil {
		t.Fatalf("SetXfer: %v", err)
	}
	for i, p := range []string{"a", "b", "c", "d"} {
		src := prods[i%len(prods)]
		produce(t, hw, src, []byte(p))
		settle(t, hw)
		info, err := ch.GetBuffer(time.Second)
		if err != nil {
			t.Fatalf("GetBuffer %d: %v", i, err)
		}
		if info.Socket != src || string(info.Buffer) != p {
			t.Errorf("buffer %d is %q from %s, want %q from %s", i, info.Buffer, info.Socket, p, src)
		}
		if err := ch.CommitBuffer(info.Count, false); err != nil {
			t.Fatalf("CommitBuffer %d: %v", i, err)
		}
		settle(t, hw)
	}
	if err := ch.WaitForCompletion(time.Second); err != nil {
		t.Fatalf("WaitForCompletion: %v", err)
	}
	var got []byte
	for _, b := range hw.Captured(egress(15)) {
		got = append(got, b...)
	}
	if string(got) != "abcd" {
		t.Errorf("consumer read %q, want %q", got, "abcd")
	}
	if n := rec.count(dma.EventXferComplete); n != 1 {
		t.Errorf("got %d transfer complete notifications, want 1", n)
	}
}

func TestManualOneToMany(t *testing.T) {
	e, hw := newEngine(t, dma.DefaultOptions)
	var rec recorder
	var (
		mu   sync.Mutex
		from []dma.SocketID
	)
	ch, err := e.CreateMultiChannel(dma.TypeManualOneToMany, dma.MultiConfig{
		Size:         64,
		Count:        2,
		ProdSockets:  []dma.SocketID{pib(16)},
		ConsSockets:  []dma.SocketID{egress(16), egress(17)},
		Notification: dma.EventProduce | dma.EventConsume | dma.EventXferComplete,
		Callback: func(ch *dma.Channel, ev dma.Event, info *dma.BufferInfo) {
			rec.add(ev, info)
			switch ev {
			case dma.EventProduce:
				if err := ch.CommitBuffer(info.Count, info.EOP); err != nil {
					t.Errorf("CommitBuffer: %v", err)
				}
			case dma.EventConsume:
				mu.Lock()
				from = append(from, info.Socket)
				mu.Unlock()
			}
		},
	})
	if err != nil {
		t.Fatalf("CreateMultiChannel: %v", err)
	}
	hw.Capture(egress(16))
	hw.Capture(egress(17))
	if err := ch.SetXfer(4); err != nil {
		t.Fatalf("SetXfer: %v", err)
	}
	for _, p := range []string{"a", "b", "c", "d"} {
		produce(t, hw, pib(16), []byte(p))
	}
	settle(t, hw)
	if err := ch.WaitForCompletion(time.Second); err != nil {
		t.Fatalf("WaitForCompletion: %v", err)
	}
	want := map[dma.SocketID][][]byte{
		egress(16): {[]byte("a"), []byte("c")},
		egress(17): {[]byte("b"), []byte("d")},
	}
	for c, w := range want {
		if diff := cmp.Diff(w, hw.Captured(c)); diff != "" {
			t.Errorf("%s data mismatch (-want +got):\n%s", c, diff)
		}
	}
	mu.Lock()
	wantFrom := []dma.SocketID{egress(16), egress(17), egress(16), egress(17)}
	if diff := cmp.Diff(wantFrom, from); diff != "" {
		t.Errorf("consumer order mismatch (-want +got):\n%s", diff)
	}
	mu.Unlock()
	if n := rec.count(dma.EventProduce); n != 4 {
		t.Errorf("got %d produce notifications, want 4", n)
	}
	if n := rec.count(dma.EventXferComplete); n != 1 {
		t.Errorf("got %d transfer complete notifications, want 1", n)
	}
}

func TestAutoSignal(t *testing.T) {
	e, hw := newEngine(t, dma.DefaultOptions)
	var rec recorder
	ch, err := e.CreateChannel(dma.TypeAutoSignal, dma.Config{
		Size:         64,
		Count:        2,
		ProdSocket:   pib(17),
		ConsSocket:   egress(18),
		Notification: dma.EventProduce | dma.EventXferComplete,
		Callback: func(_ *dma.Channel, ev dma.Event, info *dma.BufferInfo) {
			rec.add(ev, info)
		},
	})
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	hw.Capture(egress(18))
	if err := ch.SetXfer(3); err != nil {
		t.Fatalf("SetXfer: %v", err)
	}
	want := [][]byte{[]byte("x"), []byte("yy"), []byte("zzz")}
	for _, p := range want {
		produce(t, hw, pib(17), p)
		settle(t, hw)
	}
	if err := ch.WaitForCompletion(time.Second); err != nil {
		t.Fatalf("WaitForCompletion: %v", err)
	}
	if diff := cmp.Diff(want, hw.Captured(egress(18))); diff != "" {
		t.Errorf("consumer data mismatch (-want +got):\n%s", diff)
	}
	// Firmware sees every buffer as it is produced but never touches it.
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if diff := cmp.Diff(want, rec.data); diff != "" {
		t.Errorf("produce notifications mismatch (-want +got):\n%s", diff)
	}
	wantEvents := []dma.Event{dma.EventProduce, dma.EventProduce, dma.EventProduce, dma.EventXferComplete}
	if diff := cmp.Diff(wantEvents, rec.events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
	for _, d := range rec.dscrs {
		if !e.Store().Get(d).Sync.ProdIntr {
			t.Errorf("descriptor %d does not interrupt on produce", d)
		}
	}
}
