// Copyright 2021 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dma

import (
	"github.com/u-root/u-dma/pkg/metric"
)

const namespace = "udma"

var (
	interruptCount = metric.Counter(metric.MetricOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "interrupts_total",
		Help:      "Socket interrupts handled, by status bit.",
	}, []string{"status"})
	bufferCount = metric.Counter(metric.MetricOpts{
		Namespace: namespace,
		Subsystem: "channel",
		Name:      "buffers_total",
		Help:      "Buffers moved through channels, by operation.",
	}, []string{"op"})
	overrideCount = metric.Counter(metric.MetricOpts{
		Namespace: namespace,
		Subsystem: "channel",
		Name:      "overrides_total",
		Help:      "Override transfers started.",
	}, []string{"kind"})
	channelErrorVec = metric.Counter(metric.MetricOpts{
		Namespace: namespace,
		Subsystem: "channel",
		Name:      "errors_total",
	}, nil)
	discardVec = metric.Counter(metric.MetricOpts{
		Namespace: namespace,
		Subsystem: "channel",
		Name:      "discards_total",
	}, nil)
	activeChannelVec = metric.Gauge(metric.MetricOpts{
		Namespace: namespace,
		Name:      "channels",
		Help:      "Channels currently created.",
	}, nil)
	descriptorVec = metric.Gauge(metric.MetricOpts{
		Namespace: namespace,
		Name:      "descriptors_in_use",
	}, nil)
	waitLatency = metric.Histogram(metric.MetricOpts{
		Namespace: namespace,
		Subsystem: "channel",
		Name:      "wait_seconds",
		Help:      "Time spent blocked in channel waits.",
	}, []string{"op"}, 0.0001)

	channelErrors    = channelErrorVec.WithLabelValues()
	discardCount     = discardVec.WithLabelValues()
	activeChannels   = activeChannelVec.WithLabelValues()
	descriptorsInUse = descriptorVec.WithLabelValues()
)
