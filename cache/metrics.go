//
// Tencent is pleased to support the open source community by making trpc-methodcache-go available.
//
// Copyright (C) 2025 Tencent.
// All rights reserved.
//
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the  Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.
//
//

package cache

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"trpc.group/trpc-go/trpc-methodcache-go/log"
	"trpc.group/trpc-go/trpc-methodcache-go/metric"
)

// Call results reported on the calls counter.
const (
	resultHit   = "hit"
	resultMiss  = "miss"
	resultError = "error"
)

// callMetrics owns the engine's instruments: a call counter partitioned by
// method and result, and a latency histogram per method.
type callMetrics struct {
	calls   otelmetric.Int64Counter
	latency otelmetric.Float64Histogram
}

func newCallMetrics() *callMetrics {
	m := &callMetrics{}
	var err error
	if m.calls, err = metric.Meter.Int64Counter(
		"methodcache.calls",
		otelmetric.WithDescription("Cache calls by method and result"),
	); err != nil {
		log.Warnf("cache: create calls counter: %v", err)
	}
	if m.latency, err = metric.Meter.Float64Histogram(
		"methodcache.call.duration",
		otelmetric.WithDescription("Cache call duration"),
		otelmetric.WithUnit("ms"),
	); err != nil {
		log.Warnf("cache: create latency histogram: %v", err)
	}
	return m
}

func (m *callMetrics) record(ctx context.Context, methodID, result string, elapsed time.Duration) {
	attrs := otelmetric.WithAttributes(
		attribute.String("method", methodID),
		attribute.String("result", result),
	)
	if m.calls != nil {
		m.calls.Add(ctx, 1, attrs)
	}
	if m.latency != nil {
		m.latency.Record(ctx, float64(elapsed)/float64(time.Millisecond),
			otelmetric.WithAttributes(attribute.String("method", methodID)))
	}
}
