// Copyright 2021 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// dmawatcher prints an interrupt trace recorded by dmactl -record.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"

	"github.com/spf13/afero"

	"github.com/u-root/u-dma/pkg/dmawatcher"
)

var (
	trace   = flag.String("trace", "dma.trace", "Trace file to play back")
	ignore  = flag.String("ignore", "", "Comma separated sockets to leave out, e.g. pib:0,usb-out:3")
	speed   = flag.Float64("speed", 0, "Replay at this multiple of the recorded pace, 0 for as fast as possible")
	summary = flag.Bool("summary", true, "Print per socket interrupt counts at the end")
)

func main() {
	flag.Parse()
	log.SetOutput(os.Stderr)

	l, err := dmawatcher.NewTextLog(os.Stdout, *ignore)
	if err != nil {
		log.Fatalf("-ignore: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if err := dmawatcher.Dmawatcher(ctx, afero.NewOsFs(), *trace, l, *speed); err != nil {
		log.Fatalf("%s: %v", *trace, err)
	}
	if *summary {
		l.Summary()
	}
}
