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

package policy

import "fmt"

// ConfigError reports a source that produced unparsable content. The
// source is ignored for that snapshot; the previous snapshot is retained
// and the caller path never fails.
type ConfigError struct {
	Source string
	Detail string
	Err    error
}

// Error implements error.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("policy: configuration from %s invalid: %s", e.Source, e.Detail)
}

// Unwrap returns the inner parse error.
func (e *ConfigError) Unwrap() error { return e.Err }

// Well-known source priorities. Higher priority wins on field-level merge.
const (
	PriorityDescriptor   = 10
	PriorityFile         = 20
	PriorityProgrammatic = 30
	PriorityOverride     = 40
)

// Change describes a policy mutation emitted by a source. A Change with
// All set invalidates every resolved policy; otherwise only MethodID is
// invalidated.
type Change struct {
	MethodID string
	All      bool
}

// Source produces per-method policy fragments plus a change stream.
//
// Contract:
//   - Snapshot returns the full method-identity to fragment mapping. The
//     returned map must not be mutated by the source afterwards.
//   - Watch returns a channel that delivers a Change whenever the source's
//     contribution for a method changes. Sources that never change may
//     return nil.
//   - Implementations must be safe for concurrent use.
type Source interface {
	// Name identifies the source in logs and configuration errors.
	Name() string
	// Priority orders the source in the merge. Higher wins.
	Priority() int
	// Snapshot returns the current contribution of this source.
	Snapshot() (map[string]Fragment, error)
	// Watch returns the change stream, or nil for static sources.
	Watch() <-chan Change
}
