// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package layer

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("platerecon.layer")

var (
	graphEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "platerecon",
			Subsystem: "graph",
			Name:      "events_total",
			Help:      "Reconstruct graph events by kind",
		},
		[]string{"kind"},
	)

	graphConnections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "platerecon",
			Subsystem: "graph",
			Name:      "connections_total",
			Help:      "Input connections added and removed",
		},
		[]string{"op"},
	)

	graphRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "platerecon",
			Subsystem: "graph",
			Name:      "connections_rejected_total",
			Help:      "Input connections rejected by reason",
		},
		[]string{"reason"},
	)

	layerProcessDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "platerecon",
			Subsystem: "layer",
			Name:      "process_duration_seconds",
			Help:      "Time spent in LayerTask.Process",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		},
		[]string{"type", "output"},
	)
)

func recordEvent(kind EventKind) {
	graphEvents.WithLabelValues(kind.String()).Inc()
}

func recordConnection(op string) {
	graphConnections.WithLabelValues(op).Inc()
}

func recordRejection(err error) {
	reason := "other"
	switch {
	case errors.Is(err, ErrCycleDetected):
		reason = "cycle"
	case errors.Is(err, ErrUnknownInputChannel):
		reason = "unknown_channel"
	case errors.Is(err, ErrIncompatibleInput):
		reason = "incompatible_input"
	case errors.Is(err, ErrChannelArityExceeded):
		reason = "arity"
	}
	graphRejections.WithLabelValues(reason).Inc()
}

func recordProcess(t LayerTaskType, output bool, d time.Duration) {
	layerProcessDuration.WithLabelValues(t.String(), strconv.FormatBool(output)).Observe(d.Seconds())
}
