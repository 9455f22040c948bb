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

package tagindex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssociateAndRemoveByTag(t *testing.T) {
	idx := New()
	idx.Associate("u:1", []string{"users", "u:1"})
	idx.Associate("u:2", []string{"users", "u:2"})
	idx.Associate("p:1", []string{"products"})

	removed := idx.RemoveByTag("users")
	assert.Equal(t, []string{"u:1", "u:2"}, removed)

	assert.Empty(t, idx.Keys("users"))
	assert.Empty(t, idx.Tags("u:1"), "removed keys are fully dissociated")
	assert.Equal(t, []string{"p:1"}, idx.Keys("products"))
}

func TestRemoveByTag_SnapshotSemantics(t *testing.T) {
	idx := New()
	idx.Associate("a", []string{"t"})
	removed := idx.RemoveByTag("t")
	assert.Equal(t, []string{"a"}, removed)

	// Entries associated after the removal are unaffected.
	idx.Associate("b", []string{"t"})
	assert.Equal(t, []string{"b"}, idx.Keys("t"))
}

func TestRemoveByTag_Empty(t *testing.T) {
	idx := New()
	assert.Empty(t, idx.RemoveByTag("missing"))
}

func TestDissociate(t *testing.T) {
	idx := New()
	idx.Associate("k", []string{"a", "b"})
	idx.Dissociate("k")
	assert.Empty(t, idx.Keys("a"))
	assert.Empty(t, idx.Keys("b"))
	assert.Zero(t, idx.Len())
}

func TestAssociate_Idempotent(t *testing.T) {
	idx := New()
	idx.Associate("k", []string{"t"})
	idx.Associate("k", []string{"t"})
	assert.Equal(t, []string{"k"}, idx.Keys("t"))
	assert.Equal(t, 1, idx.Len())
}

func TestRemoveByPattern(t *testing.T) {
	idx := New()
	idx.Associate("u:1", []string{"user:1"})
	idx.Associate("u:2", []string{"user:2"})
	idx.Associate("o:9", []string{"order:9"})

	tests := []struct {
		name    string
		pattern string
		want    []string
	}{
		{"prefix star", "user:*", []string{"u:1", "u:2"}},
		{"question mark", "order:?", []string{"o:9"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx := New()
			idx.Associate("u:1", []string{"user:1"})
			idx.Associate("u:2", []string{"user:2"})
			idx.Associate("o:9", []string{"order:9"})

			got, err := idx.RemoveByPattern(tt.pattern)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRemoveByPattern_StarMatchesEveryTag(t *testing.T) {
	idx := New()
	idx.Associate("a", []string{"x"})
	idx.Associate("b", []string{"y"})
	idx.Associate("c", nil)

	got, err := idx.RemoveByPattern("*")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got, "untagged keys are untouched")
	assert.Zero(t, idx.Len())
}

func TestRemoveByPattern_Invalid(t *testing.T) {
	idx := New()
	_, err := idx.RemoveByPattern("[")
	require.Error(t, err)
	// The verdict is cached; a second call fails the same way.
	_, err = idx.RemoveByPattern("[")
	require.Error(t, err)
}
