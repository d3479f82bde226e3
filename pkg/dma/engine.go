// Copyright 2021 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dma

import (
	"context"
	"fmt"
	"sync"

	"github.com/jmhodges/clock"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/u-root/u-dma/pkg/logger"
)

var log = logger.LogContainer.GetSimpleLogger()

// Options sizes the engine.
//
// DescriptorCount sizes the shared store, QueueDepth the interrupt message
// queue and ArenaSize the DMA memory for channel buffers. With CacheEnabled
// buffers are flushed and invalidated around hardware access.
type Options struct {
	DescriptorCount int  `yaml:"descriptors"`
	QueueDepth      int  `yaml:"queue_depth"`
	ArenaSize       int  `yaml:"arena_size"`
	BufferAlign     int  `yaml:"buffer_align"`
	CacheEnabled    bool `yaml:"cache"`
}

var DefaultOptions = Options{
	DescriptorCount: 512,
	QueueDepth:      64,
	ArenaSize:       1 << 20,
	BufferAlign:     16,
}

// Option customizes an Engine.
type Option func(*Engine)

// WithCache installs the data cache maintenance hooks.
func WithCache(cc CacheController) Option {
	return func(e *Engine) { e.cache = cc }
}

// WithFence installs the barrier issued before socket events.
func WithFence(f MemoryFence) Option {
	return func(e *Engine) { e.fence = f }
}

// WithClock replaces the clock used for timeouts.
func WithClock(clk clock.Clock) Option {
	return func(e *Engine) { e.clk = clk }
}

// WithTap observes every interrupt message before it is handled.
func WithTap(f func(Message)) Option {
	return func(e *Engine) { e.tap = f }
}

// WithDescriptorMemory mirrors the descriptor store into hardware memory.
func WithDescriptorMemory(mem memProvider, base uintptr) Option {
	return func(e *Engine) {
		e.mem = mem
		e.memBase = base
	}
}

// Engine owns the descriptor store, the buffer arena, the socket registry
// and the dispatch goroutine.
type Engine struct {
	opts  Options
	store *Store
	arena *Arena
	reg   *Registry
	disp  *Dispatcher
	cache CacheController
	fence MemoryFence
	clk   clock.Clock
	tap   func(Message)

	mem     memProvider
	memBase uintptr

	// Serializes channel creation and destruction.
	createMu  sync.Mutex
	channels  map[uint32]*Channel
	nextID    uint32
	multicast handler

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	g       *errgroup.Group
}

// New sets up the engine on top of drv. Start must be called before
// interrupts are handled.
func New(opts Options, drv SocketDriver, fns ...Option) (*Engine, error) {
	if drv == nil {
		return nil, fmt.Errorf("socket driver: %w", ErrNullPointer)
	}
	if opts.QueueDepth <= 0 {
		return nil, fmt.Errorf("queue depth %d: %w", opts.QueueDepth, ErrBadArgument)
	}
	e := &Engine{
		opts:     opts,
		cache:    nopCache{},
		fence:    nopFence{},
		clk:      clock.New(),
		channels: make(map[uint32]*Channel),
	}
	for _, f := range fns {
		f(e)
	}
	var err error
	if e.store, err = NewStore(opts.DescriptorCount); err != nil {
		return nil, err
	}
	if e.mem != nil {
		e.store.Mirror(e.mem, e.memBase)
	}
	if e.arena, err = NewArena(opts.ArenaSize, opts.BufferAlign); err != nil {
		return nil, err
	}
	e.reg = NewRegistry(drv)
	e.disp = newDispatcher(opts.QueueDepth, e.tap)
	return e, nil
}

// Start runs the dispatch goroutine until ctx is done or Deinit is called.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return ErrAlreadyStarted
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.g, e.ctx = errgroup.WithContext(e.ctx)
	e.g.Go(func() error {
		return e.disp.run(e.ctx)
	})
	e.started = true
	log.Infof("DMA engine started: %d descriptors, %d byte arena", e.store.Len(), e.opts.ArenaSize)
	return nil
}

// Deinit destroys every channel, stops dispatching and releases memory.
func (e *Engine) Deinit() error {
	e.createMu.Lock()
	chs := make([]*Channel, 0, len(e.channels))
	for _, c := range e.channels {
		chs = append(chs, c)
	}
	e.createMu.Unlock()

	var err error
	for _, c := range chs {
		err = multierr.Append(err, c.Destroy())
	}

	e.mu.Lock()
	if e.started {
		e.cancel()
		err = multierr.Append(err, e.g.Wait())
		e.started = false
	}
	e.mu.Unlock()

	e.reg.Deinit()
	return multierr.Append(err, e.arena.Close())
}

func (e *Engine) running() (context.Context, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ctx, e.started
}

// Interrupt is the entry point for the socket hardware. It looks up the
// owning channel and queues the event for the dispatch goroutine.
func (e *Engine) Interrupt(sck SocketID, status Status, dscr uint16) {
	ctx, ok := e.running()
	if !ok {
		log.Warnf("Interrupt %s from %s before the engine started", status, sck)
		return
	}
	c := e.reg.Owner(sck)
	if c == nil {
		log.Debugf("Interrupt %s from unbound socket %s", status, sck)
		return
	}
	m := Message{Socket: sck, Channel: c, Status: status, Dscr: dscr, gen: c.gen.Load()}
	if err := e.disp.Post(ctx, m); err != nil {
		log.Warnf("Dropping interrupt %s from %s: %v", status, sck, err)
	}
}

// Flush waits until every interrupt queued so far has been handled.
func (e *Engine) Flush(ctx context.Context) error {
	if _, ok := e.running(); !ok {
		return ErrNotStarted
	}
	return e.disp.Flush(ctx)
}

// EnableMulticast installs the multicast interrupt handler. Multicast
// channels cannot be created without it.
func (e *Engine) EnableMulticast() {
	e.createMu.Lock()
	defer e.createMu.Unlock()
	e.multicast = multicastHandler{}
}

func (e *Engine) Store() *Store {
	return e.store
}

func (e *Engine) Arena() *Arena {
	return e.arena
}

func (e *Engine) Registry() *Registry {
	return e.reg
}

func (e *Engine) Dispatcher() *Dispatcher {
	return e.disp
}

func (e *Engine) Clock() clock.Clock {
	return e.clk
}

// Channels returns the number of live channels.
func (e *Engine) Channels() int {
	e.createMu.Lock()
	defer e.createMu.Unlock()
	return len(e.channels)
}

// CreateChannel creates a channel with one producer and one consumer.
func (e *Engine) CreateChannel(typ ChannelType, cfg Config) (*Channel, error) {
	return e.CreateMultiChannel(typ, MultiConfig{
		Size:         cfg.Size,
		Count:        cfg.Count,
		ProdSockets:  []SocketID{cfg.ProdSocket},
		ConsSockets:  []SocketID{cfg.ConsSocket},
		Notification: cfg.Notification,
		Callback:     cfg.Callback,
	})
}

// CreateMultiChannel creates a channel of any type. The sockets are bound
// to the channel and programmed at the start of their rings, disabled.
func (e *Engine) CreateMultiChannel(typ ChannelType, cfg MultiConfig) (*Channel, error) {
	if err := validate(typ, &cfg); err != nil {
		return nil, err
	}
	e.createMu.Lock()
	defer e.createMu.Unlock()

	h := handlerFor(typ)
	if typ == TypeMulticast {
		if e.multicast == nil {
			return nil, fmt.Errorf("%s: multicast is not enabled: %w", typ, ErrNotSupported)
		}
		h = e.multicast
	}
	e.nextID++
	c := &Channel{
		id:      e.nextID,
		eng:     e,
		typ:     typ,
		size:    cfg.Size,
		count:   cfg.Count,
		notify:  cfg.Notification,
		cb:      cfg.Callback,
		handler: h,
		flags:   newEventFlags(),
	}
	for _, id := range cfg.ProdSockets {
		c.prod = append(c.prod, &side{id: id})
	}
	for _, id := range cfg.ConsSockets {
		c.cons = append(c.cons, &side{id: id})
	}

	var bound []SocketID
	unbind := func() {
		for _, id := range bound {
			e.reg.Unbind(id)
		}
	}
	for _, sd := range c.sockets() {
		dir := DirConsumer
		for _, p := range c.prod {
			if p == sd {
				dir = DirProducer
			}
		}
		if err := e.reg.Bind(sd.id, c, dir); err != nil {
			unbind()
			return nil, err
		}
		bound = append(bound, sd.id)
	}
	if err := c.build(); err != nil {
		unbind()
		return nil, err
	}
	if err := c.resync(); err != nil {
		unbind()
		c.release()
		return nil, err
	}
	c.state = StateConfigured
	e.channels[c.id] = c
	activeChannels.Inc()
	descriptorsInUse.Set(float64(e.store.Len() - e.store.Free()))
	log.Debugf("Created %s: %d buffers of %d bytes, producers %v, consumers %v",
		c, len(c.slots), c.size, c.ProdSockets(), c.ConsSockets())
	return c, nil
}

func (e *Engine) forget(c *Channel) {
	delete(e.channels, c.id)
	activeChannels.Dec()
	descriptorsInUse.Set(float64(e.store.Len() - e.store.Free()))
}
