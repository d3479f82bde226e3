// Copyright 2021 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package uartbridge moves serial port traffic through DMA channels. Bytes
// read from the port are committed to a consumer socket and buffers from a
// producer socket are written to the port.
package uartbridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jmhodges/clock"
	"github.com/jpillora/backoff"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/u-root/u-dma/pkg/dma"
	"github.com/u-root/u-dma/pkg/logger"
	"github.com/u-root/u-dma/pkg/metric"
)

var log = logger.LogContainer.GetSimpleLogger()

var byteCount = metric.Counter(metric.MetricOpts{
	Namespace: "udma",
	Subsystem: "bridge",
	Name:      "bytes_total",
	Help:      "Bytes moved between the serial port and DMA, by direction.",
}, []string{"dir"})

type Config struct {
	// Consumer socket receiving what is read from the port.
	TxSocket dma.SocketID
	// Producer socket whose buffers are written to the port.
	RxSocket    dma.SocketID
	BufferSize  int
	BufferCount int
	// How often a partially filled receive buffer is forced out. Zero
	// disables wrap up.
	WrapUp time.Duration
}

type Bridge struct {
	port   io.ReadWriter
	tx     *dma.Channel
	rx     *dma.Channel
	wrapUp time.Duration
	clk    clock.Clock
}

// New creates both channels on e. The bridge owns them until Close.
func New(e *dma.Engine, port io.ReadWriter, cfg Config) (*Bridge, error) {
	tx, err := e.CreateChannel(dma.TypeManualOut, dma.Config{
		Size:       cfg.BufferSize,
		Count:      cfg.BufferCount,
		ProdSocket: dma.CPUSocket,
		ConsSocket: cfg.TxSocket,
	})
	if err != nil {
		return nil, fmt.Errorf("tx channel: %w", err)
	}
	rx, err := e.CreateChannel(dma.TypeManualIn, dma.Config{
		Size:       cfg.BufferSize,
		Count:      cfg.BufferCount,
		ProdSocket: cfg.RxSocket,
		ConsSocket: dma.CPUSocket,
	})
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("rx channel: %w", err), tx.Destroy())
	}
	return &Bridge{port: port, tx: tx, rx: rx, wrapUp: cfg.WrapUp, clk: e.Clock()}, nil
}

// Run moves data until ctx is done. It returns once the port reader gives
// up, so the caller should close the port after cancelling ctx.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.tx.SetXfer(0); err != nil {
		return err
	}
	if err := b.rx.SetXfer(0); err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		// Wakes up goroutines blocked in GetBuffer.
		return multierr.Append(b.tx.Abort(), b.rx.Abort())
	})
	g.Go(func() error { return b.toSocket(ctx) })
	g.Go(func() error { return b.toPort(ctx) })
	if b.wrapUp > 0 {
		g.Go(func() error { return b.wrapUpLoop(ctx) })
	}
	return g.Wait()
}

func stopped(ctx context.Context, err error) bool {
	return ctx.Err() != nil && errors.Is(err, dma.ErrAborted)
}

// toSocket reads the port straight into tx buffers.
func (b *Bridge) toSocket(ctx context.Context) error {
	bo := &backoff.Backoff{Min: time.Millisecond, Max: 100 * time.Millisecond, Factor: 2}
	for {
		info, err := b.tx.GetBuffer(dma.WaitForever)
		if stopped(ctx, err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("tx buffer: %w", err)
		}
		var n int
		for n == 0 {
			n, err = b.port.Read(info.Buffer)
			if err == io.EOF {
				log.Infof("UART closed, stopping transmit")
				return nil
			}
			if err != nil {
				return fmt.Errorf("UART read: %v", err)
			}
			if n == 0 {
				// Read timed out with nothing to send.
				select {
				case <-ctx.Done():
					return nil
				case <-b.clk.After(bo.Duration()):
				}
			}
		}
		bo.Reset()
		if err := b.tx.CommitBuffer(n, false); err != nil {
			if stopped(ctx, err) {
				return nil
			}
			return fmt.Errorf("tx commit: %w", err)
		}
		byteCount.WithLabelValues("tx").Add(float64(n))
	}
}

// toPort writes every rx buffer to the port and hands it back.
func (b *Bridge) toPort(ctx context.Context) error {
	for {
		info, err := b.rx.GetBuffer(dma.WaitForever)
		if stopped(ctx, err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("rx buffer: %w", err)
		}
		if _, err := b.port.Write(info.Buffer); err != nil {
			return fmt.Errorf("UART write: %v", err)
		}
		byteCount.WithLabelValues("rx").Add(float64(info.Count))
		if err := b.rx.DiscardBuffer(); err != nil {
			if stopped(ctx, err) {
				return nil
			}
			return fmt.Errorf("rx release: %w", err)
		}
	}
}

func (b *Bridge) wrapUpLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.clk.After(b.wrapUp):
		}
		if err := b.rx.SetWrapUp(); err != nil && ctx.Err() == nil {
			log.Warnf("UART bridge wrap up: %v", err)
		}
	}
}

// Close destroys both channels.
func (b *Bridge) Close() error {
	return multierr.Append(b.tx.Destroy(), b.rx.Destroy())
}
