// Copyright 2021 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dmawatcher records the interrupts an engine dispatches and plays
// them back for inspection.
package dmawatcher

import (
	"context"
	"fmt"

	"github.com/jmhodges/clock"
	"github.com/spf13/afero"

	"github.com/u-root/u-dma/pkg/logger"
)

var log = logger.LogContainer.GetSimpleLogger()

// Dmawatcher prints the trace at path. With speed > 0 output is paced like
// the original run.
func Dmawatcher(ctx context.Context, fs afero.Fs, path string, l *TextLog, speed float64) error {
	f, err := fs.Open(path)
	if err != nil {
		return fmt.Errorf("opening trace: %v", err)
	}
	defer f.Close()

	n, err := Replay(ctx, NewPlayback(f), clock.New(), speed, l.Log)
	if err != nil {
		return fmt.Errorf("after %d records: %w", n, err)
	}
	log.Infof("Played back %d records from %s", n, path)
	return nil
}
