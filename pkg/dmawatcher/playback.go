// Copyright 2021 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dmawatcher

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jmhodges/clock"
)

type Playback struct {
	r io.Reader
}

func NewPlayback(r io.Reader) *Playback {
	return &Playback{bufio.NewReader(r)}
}

// Next returns the next record, or io.EOF at the end of the trace.
func (p *Playback) Next() (Record, error) {
	var rec Record
	err := binary.Read(p.r, binary.LittleEndian, &rec)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return Record{}, fmt.Errorf("truncated trace: %w", err)
	}
	return rec, err
}

// Replay hands every record to f. With speed > 0 the gaps between records
// are reproduced, scaled down by speed.
func Replay(ctx context.Context, p *Playback, clk clock.Clock, speed float64, f func(Record)) (int, error) {
	n := 0
	var prev int64
	for {
		rec, err := p.Next()
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		if speed > 0 && n > 0 && rec.Time > prev {
			gap := time.Duration(float64(rec.Time-prev) / speed)
			select {
			case <-ctx.Done():
				return n, ctx.Err()
			case <-clk.After(gap):
			}
		}
		prev = rec.Time
		f(rec)
		n++
	}
}
