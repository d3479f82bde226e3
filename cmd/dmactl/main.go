// Copyright 2021 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// dmactl drives the DMA engine against the simulated sockets and reports
// what moved. It is meant for exercising channel setups and recording
// interrupt traces for dmawatcher.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"

	"github.com/jmhodges/clock"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/u-root/u-dma/config"
	"github.com/u-root/u-dma/pkg/dma"
	"github.com/u-root/u-dma/pkg/dma/sim"
	"github.com/u-root/u-dma/pkg/dmawatcher"
	"github.com/u-root/u-dma/pkg/logger"
	"github.com/u-root/u-dma/pkg/metric"
)

var (
	configFile = flag.String("config", "", "YAML configuration to load on top of the defaults")
	scenario   = flag.String("scenario", "loopback", "What to run: "+strings.Join(scenarioNames(), ", "))
	buffers    = flag.Int("buffers", 16, "Buffers to move")
	record     = flag.String("record", "", "Record every interrupt to this trace file")
	serve      = flag.Bool("serve", false, "Keep serving metrics after the scenario finished")
)

var log = logger.LogContainer.GetSimpleLogger()

func scenarioNames() []string {
	var n []string
	for k := range scenarios {
		n = append(n, k)
	}
	sort.Strings(n)
	return n
}

func loadConfig(fs afero.Fs) (*config.Config, error) {
	if *configFile == "" {
		c := *config.DefaultConfig
		return &c, nil
	}
	return config.Load(fs, *configFile)
}

func run(ctx context.Context, fs afero.Fs, cfg *config.Config) (err error) {
	f, ok := scenarios[*scenario]
	if !ok {
		return fmt.Errorf("unknown scenario %q", *scenario)
	}

	var opts []dma.Option
	if *record != "" {
		r, rerr := dmawatcher.NewRecorder(fs, *record, clock.New())
		if rerr != nil {
			return rerr
		}
		defer func() {
			err = multierr.Append(err, r.Close())
			log.Infof("Recorded %d interrupts to %s", r.Count(), *record)
		}()
		opts = append(opts, dma.WithTap(r.Tap))
	}

	hw := sim.New()
	e, err := dma.New(cfg.Engine.Options, hw, opts...)
	if err != nil {
		return err
	}
	hw.Attach(e)
	if cfg.Engine.Multicast {
		e.EnableMulticast()
	}

	g, ctx := errgroup.WithContext(ctx)
	if err := e.Start(ctx); err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, e.Deinit()) }()
	g.Go(func() error { return hw.Run(ctx) })

	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		metric.StartMetrics(mux)
		srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
		g.Go(func() error {
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return srv.Close()
		})
	}

	g.Go(func() error {
		if err := f(ctx, e, hw, *buffers); err != nil {
			return fmt.Errorf("scenario %s: %w", *scenario, err)
		}
		log.Infof("Scenario %s moved %d buffers", *scenario, *buffers)
		if *serve && cfg.Metrics.Listen != "" {
			log.Infof("Serving metrics on %s", cfg.Metrics.Listen)
			<-ctx.Done()
			return nil
		}
		return errDone
	})
	if err := g.Wait(); !errors.Is(err, errDone) {
		return err
	}
	return nil
}

// errDone stops the other goroutines once the scenario finished.
var errDone = errors.New("scenario done")

func main() {
	flag.Parse()

	fs := afero.NewOsFs()
	cfg, err := loadConfig(fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dmactl: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Configure(cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "dmactl: %v\n", err)
		os.Exit(1)
	}
	log.Infof("dmactl %s (%s)", cfg.Version.Version, cfg.Version.GitHash)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if err := run(ctx, fs, cfg); err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
}
