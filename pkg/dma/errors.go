// Copyright 2021 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dma

import "errors"

var (
	ErrBadArgument      = errors.New("dma: bad argument")
	ErrAlreadyStarted   = errors.New("dma: already started")
	ErrNotStarted       = errors.New("dma: not started")
	ErrNotConfigured    = errors.New("dma: channel not configured")
	ErrNullPointer      = errors.New("dma: null pointer")
	ErrOutOfMemory      = errors.New("dma: out of memory")
	ErrTimeout          = errors.New("dma: timeout")
	ErrAborted          = errors.New("dma: channel aborted")
	ErrNotSupported     = errors.New("dma: not supported for this channel type")
	ErrInvalidSequence  = errors.New("dma: invalid call sequence")
	ErrAlreadyBound     = errors.New("dma: socket already bound")
	ErrChannelError     = errors.New("dma: channel in error state")
	ErrNoBufferPending  = errors.New("dma: no buffer available")
	ErrDescriptorsInUse = errors.New("dma: descriptors still in use")
)
