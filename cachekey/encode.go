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

package cachekey

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
)

// Canonical produces a deterministic byte encoding of the value. Maps are
// emitted with sorted keys so that equal values always encode to equal
// bytes regardless of iteration order. Structs and every other JSON-able
// type go through encoding/json, which already emits struct fields in
// declaration order.
func Canonical(v any) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	switch val := v.(type) {
	case map[string]any:
		return canonicalMap(val)
	case []any:
		return canonicalSlice(val)
	}
	// Non-string-keyed maps have no defined json order; normalize them.
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Map {
		return canonicalReflectMap(rv)
	}
	return json.Marshal(v)
}

// CanonicalArgs encodes an ordered argument tuple as a canonical JSON
// array.
func CanonicalArgs(args []any) ([]byte, error) {
	return canonicalSlice(args)
}

func canonicalMap(m map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := []byte{'{'}
	for i, k := range keys {
		if i > 0 {
			out = append(out, ',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		out = append(out, kb...)
		out = append(out, ':')
		vb, err := Canonical(m[k])
		if err != nil {
			return nil, err
		}
		out = append(out, vb...)
	}
	return append(out, '}'), nil
}

func canonicalSlice(s []any) ([]byte, error) {
	out := []byte{'['}
	for i, v := range s {
		if i > 0 {
			out = append(out, ',')
		}
		vb, err := Canonical(v)
		if err != nil {
			return nil, err
		}
		out = append(out, vb...)
	}
	return append(out, ']'), nil
}

func canonicalReflectMap(rv reflect.Value) ([]byte, error) {
	type pair struct {
		key string
		val any
	}
	pairs := make([]pair, 0, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		kb, err := json.Marshal(iter.Key().Interface())
		if err != nil {
			return nil, fmt.Errorf("cachekey: encode map key: %w", err)
		}
		pairs = append(pairs, pair{key: string(kb), val: iter.Value().Interface()})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].key < pairs[j].key })

	out := []byte{'{'}
	for i, p := range pairs {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, p.key...)
		out = append(out, ':')
		vb, err := Canonical(p.val)
		if err != nil {
			return nil, err
		}
		out = append(out, vb...)
	}
	return append(out, '}'), nil
}
