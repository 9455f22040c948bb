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

package memory

import (
	"encoding/json"
	"math/rand/v2"
	"sync/atomic"
)

// EstimatorMode selects how entry sizes are accounted.
type EstimatorMode int

const (
	// EstimatorFast charges a fixed overhead plus key and value lengths.
	// It never serializes and is the default.
	EstimatorFast EstimatorMode = iota
	// EstimatorSampling measures a random sample every N operations and
	// extrapolates.
	EstimatorSampling
	// EstimatorAccurate serializes and measures, throttled to every M
	// operations.
	EstimatorAccurate
	// EstimatorDisabled reports zero for every entry.
	EstimatorDisabled
)

const (
	// entryOverhead approximates the fixed in-memory footprint of an
	// entry's bookkeeping fields.
	entryOverhead = 160

	samplingInterval = 64
	accurateInterval = 16
)

// estimator turns (key, value, tags) into a byte estimate. The estimate is
// monotonic and approximate, never exact.
type estimator struct {
	mode EstimatorMode
	ops  atomic.Uint64
	// lastRatio holds the sampled bytes-per-fast-estimate ratio times
	// 1024, seeded at 1024 (ratio 1.0).
	lastRatio atomic.Int64
}

func newEstimator(mode EstimatorMode) *estimator {
	e := &estimator{mode: mode}
	e.lastRatio.Store(1024)
	return e
}

func (e *estimator) estimate(key string, value []byte, tags []string) int64 {
	fast := fastEstimate(key, value, tags)
	switch e.mode {
	case EstimatorDisabled:
		return 0
	case EstimatorFast:
		return fast
	case EstimatorSampling:
		n := e.ops.Add(1)
		if n%samplingInterval == 0 || rand.Uint64N(samplingInterval) == 0 {
			measured := measure(key, value, tags)
			if fast > 0 {
				e.lastRatio.Store(measured * 1024 / fast)
			}
			return measured
		}
		return fast * e.lastRatio.Load() / 1024
	case EstimatorAccurate:
		n := e.ops.Add(1)
		if n%accurateInterval == 0 {
			return measure(key, value, tags)
		}
		return fast
	default:
		return fast
	}
}

func fastEstimate(key string, value []byte, tags []string) int64 {
	size := int64(entryOverhead + len(key) + len(value))
	for _, t := range tags {
		size += int64(len(t)) + 16
	}
	return size
}

// measure serializes the full entry shape and reports the encoded size
// plus overhead. Used only by the sampling and accurate modes.
func measure(key string, value []byte, tags []string) int64 {
	payload := struct {
		Key   string   `json:"key"`
		Value []byte   `json:"value"`
		Tags  []string `json:"tags"`
	}{Key: key, Value: value, Tags: tags}
	data, err := json.Marshal(payload)
	if err != nil {
		return fastEstimate(key, value, tags)
	}
	return int64(len(data)) + entryOverhead
}
