// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rotation

import (
	"context"
	"sync"
	"time"

	"github.com/AleutianAI/platerecon/services/recon/model"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for tree cache operations.
var (
	tracer = otel.Tracer("platerecon.rotation")
	meter  = otel.Meter("platerecon.rotation")
)

// Metrics for tree cache operations.
var (
	cacheHits       metric.Int64Counter
	cacheMisses     metric.Int64Counter
	cacheEvictions  metric.Int64Counter
	cacheGetLatency metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		cacheHits, err = meter.Int64Counter(
			"tree_cache_hits_total",
			metric.WithDescription("Total number of reconstruction tree cache hits"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheMisses, err = meter.Int64Counter(
			"tree_cache_misses_total",
			metric.WithDescription("Total number of reconstruction tree cache misses"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheEvictions, err = meter.Int64Counter(
			"tree_cache_evictions_total",
			metric.WithDescription("Total number of reconstruction trees evicted"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheGetLatency, err = meter.Float64Histogram(
			"tree_cache_get_duration_seconds",
			metric.WithDescription("Duration of reconstruction tree lookups including builds"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordCacheHit(ctx context.Context, name string) {
	if err := initMetrics(); err != nil {
		return
	}
	cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("cache", name)))
}

func recordCacheMiss(ctx context.Context, name string) {
	if err := initMetrics(); err != nil {
		return
	}
	cacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("cache", name)))
}

func recordCacheEviction(ctx context.Context, name string) {
	if err := initMetrics(); err != nil {
		return
	}
	cacheEvictions.Add(ctx, 1, metric.WithAttributes(attribute.String("cache", name)))
}

func recordCacheGetLatency(ctx context.Context, name string, d time.Duration, hit bool) {
	if err := initMetrics(); err != nil {
		return
	}
	cacheGetLatency.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("cache", name), attribute.Bool("hit", hit)),
	)
}

// startCacheSpan creates a span for a tree lookup.
func startCacheSpan(ctx context.Context, name string, t float64, anchor model.PlateID) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	return tracer.Start(ctx, "TreeCache.Get",
		trace.WithAttributes(
			attribute.String("cache.name", name),
			attribute.Float64("recon.time", t),
			attribute.Int64("recon.anchor", int64(anchor)),
		),
	)
}

// setCacheSpanResult sets the result attributes on a cache span.
func setCacheSpanResult(span trace.Span, hit bool) {
	span.SetAttributes(attribute.Bool("cache.hit", hit))
}
