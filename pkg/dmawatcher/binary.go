// Copyright 2021 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dmawatcher

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/jmhodges/clock"
	"github.com/spf13/afero"
	"go.uber.org/multierr"

	"github.com/u-root/u-dma/pkg/dma"
)

// Record is one interrupt as stored in a trace. Records are written back to
// back, little endian, without padding.
type Record struct {
	// Unix time in nanoseconds.
	Time    int64
	Channel uint32
	Socket  dma.SocketID
	Status  dma.Status
	Dscr    uint16
}

// Recorder writes every interrupt message it is tapped with to a file.
type Recorder struct {
	mu  sync.Mutex
	f   afero.File
	w   *bufio.Writer
	clk clock.Clock
	n   int
	err error
}

// NewRecorder creates (or truncates) path on fs.
func NewRecorder(fs afero.Fs, path string, clk clock.Clock) (*Recorder, error) {
	f, err := fs.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating trace: %v", err)
	}
	return &Recorder{f: f, w: bufio.NewWriter(f), clk: clk}, nil
}

// Tap records m. It has the signature dma.WithTap expects.
func (r *Recorder) Tap(m dma.Message) {
	rec := Record{
		Time:   r.clk.Now().UnixNano(),
		Socket: m.Socket,
		Status: m.Status,
		Dscr:   m.Dscr,
	}
	if m.Channel != nil {
		rec.Channel = m.Channel.ID()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return
	}
	if err := binary.Write(r.w, binary.LittleEndian, &rec); err != nil {
		r.err = err
		log.Errorf("Trace write failed, recording stopped: %v", err)
		return
	}
	r.n++
}

// Count returns the number of records written so far.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

// Close flushes the trace and reports the first write error, if any.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.err
	if err == nil {
		err = r.w.Flush()
	}
	return multierr.Append(err, r.f.Close())
}
