// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package proxy

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("platerecon.proxy")

// Invalidation reasons used as metric labels.
const (
	reasonFeatureCollectionAdded    = "feature_collection_added"
	reasonFeatureCollectionRemoved  = "feature_collection_removed"
	reasonFeatureCollectionModified = "feature_collection_modified"
	reasonInputChanged              = "input_changed"
	reasonInputAdded                = "input_added"
	reasonInputRemoved              = "input_removed"
	reasonConfigurationChanged      = "configuration_changed"
	reasonOutputRebuilt             = "output_rebuilt"
)

var (
	proxyInvalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "platerecon",
			Subsystem: "proxy",
			Name:      "invalidations_total",
			Help:      "Subject token invalidations by proxy kind and reason",
		},
		[]string{"kind", "reason"},
	)

	proxyCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "platerecon",
			Subsystem: "proxy",
			Name:      "cache_lookups_total",
			Help:      "Proxy output cache lookups by kind and result",
		},
		[]string{"kind", "result"},
	)

	proxyRecomputeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "platerecon",
			Subsystem: "proxy",
			Name:      "recompute_duration_seconds",
			Help:      "Time spent recomputing a proxy output",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		},
		[]string{"kind"},
	)
)

func recordInvalidation(kind Kind, reason string) {
	proxyInvalidations.WithLabelValues(kind.String(), reason).Inc()
}

func recordLookup(kind Kind, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	proxyCacheLookups.WithLabelValues(kind.String(), result).Inc()
}

func recordRecompute(kind Kind, d time.Duration) {
	proxyRecomputeDuration.WithLabelValues(kind.String()).Observe(d.Seconds())
}

// startRecomputeSpan creates a span around an output rebuild.
func startRecomputeSpan(ctx context.Context, kind Kind, t float64) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	return tracer.Start(ctx, "LayerProxy.Recompute",
		trace.WithAttributes(
			attribute.String("proxy.kind", kind.String()),
			attribute.Float64("recon.time", t),
		),
	)
}
