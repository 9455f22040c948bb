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
	"errors"
	"fmt"
)

// Sentinel errors surfaced to callers. Layer and configuration failures
// never reach the caller path: reads miss instead, invalidations succeed
// locally, configuration errors keep the previous snapshot.
var (
	// ErrNotIdempotent reports a call site that did not assert idempotency
	// for a method whose policy requires it. Never retried.
	ErrNotIdempotent = errors.New("cache: call site did not assert idempotency")
	// ErrClosed reports an operation on a closed cache.
	ErrClosed = errors.New("cache: closed")
)

// FactoryError wraps a user-supplied factory failure. It is propagated to
// every caller awaiting the same single-flight attempt and is never
// cached.
type FactoryError struct {
	MethodID string
	Err      error
}

// Error implements error.
func (e *FactoryError) Error() string {
	return fmt.Sprintf("cache: factory for %s failed: %v", e.MethodID, e.Err)
}

// Unwrap returns the inner factory error.
func (e *FactoryError) Unwrap() error { return e.Err }

// Layer failures never surface here: the coordinator degrades them to
// misses and skipped writes, and reports them as layer.Error through
// Health. Configuration failures surface as policy.ConfigError in source
// logs only.
