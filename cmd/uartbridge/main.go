// Copyright 2021 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// uartbridge echoes a serial port through a simulated DMA loopback: every
// byte typed is committed to a consumer socket, looped to a producer socket
// and written back.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/afero"
	"github.com/tarm/serial"
	"go.uber.org/multierr"

	"github.com/u-root/u-dma/config"
	"github.com/u-root/u-dma/pkg/dma"
	"github.com/u-root/u-dma/pkg/dma/sim"
	"github.com/u-root/u-dma/pkg/logger"
	"github.com/u-root/u-dma/pkg/uartbridge"
)

var (
	configFile = flag.String("config", "", "YAML configuration to load on top of the defaults")
	device     = flag.String("device", "", "Serial device, overrides bridge.device")
)

var log = logger.LogContainer.GetSimpleLogger()

var (
	txSocket = dma.NewSocketID(dma.IPUSBEgress, 0)
	rxSocket = dma.NewSocketID(dma.IPPIB, 0)
)

func run(ctx context.Context, cfg *config.Config) (err error) {
	c := &serial.Config{Name: cfg.Bridge.Device, Baud: cfg.Bridge.Baud, ReadTimeout: cfg.Bridge.WrapUp}
	port, err := serial.OpenPort(c)
	if err != nil {
		return fmt.Errorf("serial.OpenPort: %v", err)
	}
	defer func() { err = multierr.Append(err, port.Close()) }()

	hw := sim.New()
	e, err := dma.New(cfg.Engine.Options, hw)
	if err != nil {
		return err
	}
	hw.Attach(e)
	hw.Link(txSocket, rxSocket)
	if err := e.Start(ctx); err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, e.Deinit()) }()
	go hw.Run(ctx)

	b, err := uartbridge.New(e, port, uartbridge.Config{
		TxSocket:    txSocket,
		RxSocket:    rxSocket,
		BufferSize:  cfg.Bridge.BufferSize,
		BufferCount: cfg.Bridge.BufferCount,
		WrapUp:      cfg.Bridge.WrapUp,
	})
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, b.Close()) }()
	log.Infof("Bridging %s at %d baud", cfg.Bridge.Device, cfg.Bridge.Baud)
	return b.Run(ctx)
}

func main() {
	flag.Parse()

	def := *config.DefaultConfig
	cfg := &def
	if *configFile != "" {
		var err error
		if cfg, err = config.Load(afero.NewOsFs(), *configFile); err != nil {
			fmt.Fprintf(os.Stderr, "uartbridge: %v\n", err)
			os.Exit(1)
		}
	}
	if *device != "" {
		cfg.Bridge.Device = *device
	}
	if err := logger.Configure(cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "uartbridge: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if err := run(ctx, cfg); err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
}
