// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

// Package metrics instruments resets, port bring-up, buffers and queue pairs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "reconic"

type Metrics struct {
	Resets        *prometheus.CounterVec
	ResetPolls    *prometheus.HistogramVec
	LanePolls     *prometheus.HistogramVec
	Escalations   *prometheus.CounterVec
	PortState     *prometheus.GaugeVec
	Buffers       *prometheus.GaugeVec
	Posts         *prometheus.CounterVec
	TransferBytes *prometheus.CounterVec
}

// New creates the collectors and registers them with reg unless it is nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Resets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reset",
			Name:      "total",
			Help:      "Domain resets by outcome.",
		}, []string{"domain", "outcome"}),
		ResetPolls: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reset",
			Name:      "polls",
			Help:      "Status reads until the reset register self-cleared.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}, []string{"domain"}),
		LanePolls: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cmac",
			Name:      "lane_polls",
			Help:      "RX status polls until lane alignment.",
			Buckets:   prometheus.LinearBuckets(1, 4, 9),
		}, []string{"port"}),
		Escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cmac",
			Name:      "escalations_total",
			Help:      "Composite CMAC resets issued during lane alignment.",
		}, []string{"port"}),
		PortState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cmac",
			Name:      "state",
			Help:      "Bring-up state of each CMAC port.",
		}, []string{"port"}),
		Buffers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dma",
			Name:      "buffer_bytes",
			Help:      "Bytes of DMA buffers held by location.",
		}, []string{"location"}),
		Posts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rdma",
			Name:      "post_send_total",
			Help:      "Send queue doorbells by outcome.",
		}, []string{"qp", "outcome"}),
		TransferBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dma",
			Name:      "transfer_bytes_total",
			Help:      "Bytes moved by the DMA transport.",
		}, []string{"direction"}),
	}
	if reg != nil {
		reg.MustRegister(m.Resets, m.ResetPolls, m.LanePolls,
			m.Escalations, m.PortState, m.Buffers, m.Posts,
			m.TransferBytes)
	}
	return m
}

var discard = New(nil)

// Or returns m, or an unregistered set if m is nil.
func Or(m *Metrics) *Metrics {
	if m == nil {
		return discard
	}
	return m
}
