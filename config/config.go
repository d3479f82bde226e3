// Copyright 2021 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/u-root/u-dma/pkg/dma"
	"github.com/u-root/u-dma/pkg/logger"
)

// Set at link time.
var (
	gitVersion = "dev"
	gitHash    = "unknown"
)

type Version struct {
	Version string
	GitHash string
}

type Engine struct {
	dma.Options `yaml:",inline"`
	// Multicast channels need their handler installed at start.
	Multicast bool `yaml:"multicast"`
}

type Metrics struct {
	// Address to serve /metrics on, empty to disable.
	Listen string `yaml:"listen"`
}

type Bridge struct {
	Device      string        `yaml:"device"`
	Baud        int           `yaml:"baud"`
	BufferSize  int           `yaml:"buffer_size"`
	BufferCount int           `yaml:"buffer_count"`
	WrapUp      time.Duration `yaml:"wrap_up"`
}

type Config struct {
	Engine  Engine          `yaml:"engine"`
	Log     logger.Settings `yaml:"log"`
	Metrics Metrics         `yaml:"metrics"`
	Bridge  Bridge          `yaml:"bridge"`
	Version Version         `yaml:"-"`
}

var DefaultConfig = &Config{
	Engine: Engine{
		Options:   dma.DefaultOptions,
		Multicast: true,
	},

	Log: logger.Settings{
		Level: "info",
	},

	Metrics: Metrics{
		Listen: ":9091",
	},

	// The bridge hands the UART a buffer at a time, so keep buffers small
	// and flush partial ones often enough for interactive use.
	Bridge: Bridge{
		Device:      "/dev/ttyS0",
		Baud:        115200,
		BufferSize:  256,
		BufferCount: 4,
		WrapUp:      20 * time.Millisecond,
	},

	Version: Version{
		Version: gitVersion,
		GitHash: gitHash,
	},
}

// Load reads the YAML file at path from fs and overlays it on a copy of
// DefaultConfig. Keys missing from the file keep their default.
func Load(fs afero.Fs, path string) (*Config, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %v", err)
	}
	c := *DefaultConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config %s: %v", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &c, nil
}

// Validate checks that the values can be used to start the engine and the
// bridge.
func (c *Config) Validate() error {
	e := c.Engine
	switch {
	case e.DescriptorCount <= 0 || e.DescriptorCount >= 0xffff:
		return fmt.Errorf("engine.descriptors %d out of range: %w", e.DescriptorCount, dma.ErrBadArgument)
	case e.QueueDepth <= 0:
		return fmt.Errorf("engine.queue_depth %d: %w", e.QueueDepth, dma.ErrBadArgument)
	case e.BufferAlign <= 0 || e.BufferAlign&(e.BufferAlign-1) != 0:
		return fmt.Errorf("engine.buffer_align %d is not a power of two: %w", e.BufferAlign, dma.ErrBadArgument)
	case e.ArenaSize <= e.BufferAlign:
		return fmt.Errorf("engine.arena_size %d: %w", e.ArenaSize, dma.ErrBadArgument)
	}
	b := c.Bridge
	switch {
	case b.Baud <= 0:
		return fmt.Errorf("bridge.baud %d: %w", b.Baud, dma.ErrBadArgument)
	case b.BufferSize <= 0 || b.BufferSize > dma.MaxBufferSize:
		return fmt.Errorf("bridge.buffer_size %d: %w", b.BufferSize, dma.ErrBadArgument)
	case b.BufferCount <= 0:
		return fmt.Errorf("bridge.buffer_count %d: %w", b.BufferCount, dma.ErrBadArgument)
	case b.WrapUp < 0:
		return fmt.Errorf("bridge.wrap_up %s: %w", b.WrapUp, dma.ErrBadArgument)
	}
	return nil
}
