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

// Package cachekey derives deterministic, collision-resistant cache keys
// from a method identity and an argument tuple.
package cachekey

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// MaxKeyLength bounds the length of generated keys. The readable generator
// falls back to hashing beyond this limit.
const MaxKeyLength = 512

// Well-known generator names.
const (
	GeneratorFastHash = "fasthash"
	GeneratorReadable = "readable"
)

// Sentinel errors for key generation.
var (
	ErrUnknownGenerator = errors.New("cachekey: unknown generator")
	ErrRawKeyArg        = errors.New("cachekey: raw key argument out of range")
)

// Generator derives a cache key for one call.
//
// Contract:
//   - Determinism: equal inputs produce equal keys within a process
//     lifetime and across restarts.
//   - Totality: every supported input produces a key without panicking;
//     unsupported types fall through to a typed fallback.
//   - Concurrency: implementations must be safe for concurrent use.
type Generator interface {
	// Generate derives the key for methodID called with args. A version
	// greater than zero is appended as a "_v{n}" suffix, which makes
	// entries written under earlier versions unreachable.
	Generate(methodID string, args []any, version int) (string, error)
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Generator{
		GeneratorFastHash: &FastHash{},
		GeneratorReadable: &Readable{},
	}
)

// Register installs a named generator. Registering an existing name
// replaces it.
func Register(name string, g Generator) {
	registryMu.Lock()
	registry[name] = g
	registryMu.Unlock()
}

// Lookup returns the generator registered under name.
func Lookup(name string) (Generator, error) {
	registryMu.RLock()
	g, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGenerator, name)
	}
	return g, nil
}

// FastHash serializes the argument tuple through the canonical encoding and
// hashes it to 128 bits. Keys look like "{method}:{32 hex}[_v{n}]".
type FastHash struct{}

// Generate implements Generator.
func (g *FastHash) Generate(methodID string, args []any, version int) (string, error) {
	data, err := CanonicalArgs(args)
	if err != nil {
		// Unsupported values degrade to the typed fallback encoding
		// rather than failing the call.
		data = fallbackBytes(args)
	}
	var b strings.Builder
	b.WriteString(methodID)
	b.WriteByte(':')
	b.WriteString(hash128(data))
	appendVersion(&b, version)
	return b.String(), nil
}

// Readable formats every argument through the canonical stringifier and
// joins them with ':'. Keys that would exceed MaxKeyLength fall back to
// the fast-hash form.
type Readable struct{}

// Generate implements Generator.
func (g *Readable) Generate(methodID string, args []any, version int) (string, error) {
	var b strings.Builder
	b.WriteString(methodID)
	for _, arg := range args {
		b.WriteByte(':')
		if _, ok := arg.(time.Time); ok {
			// Times keep their plain ISO-8601 form.
			b.WriteString(Stringify(arg))
			continue
		}
		b.WriteString(escape(Stringify(arg)))
	}
	appendVersion(&b, version)
	if b.Len() <= MaxKeyLength {
		return b.String(), nil
	}
	return (&FastHash{}).Generate(methodID, args, version)
}

// RawKey passes the string value of one argument position through
// unchanged.
type RawKey struct {
	// Arg is the zero-based argument position holding the key.
	Arg int
}

// NewRawKey creates a passthrough generator for the given argument
// position.
func NewRawKey(arg int) *RawKey {
	return &RawKey{Arg: arg}
}

// Generate implements Generator.
func (g *RawKey) Generate(_ string, args []any, _ int) (string, error) {
	if g.Arg < 0 || g.Arg >= len(args) {
		return "", fmt.Errorf("%w: position %d of %d args", ErrRawKeyArg, g.Arg, len(args))
	}
	if s, ok := args[g.Arg].(string); ok {
		return s, nil
	}
	return Stringify(args[g.Arg]), nil
}

// Stringify formats a single argument canonically: base-10 numbers,
// true/false booleans, ISO-8601 UTC times, "Type.Name" for Stringer-backed
// enums and the raw text of strings.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.FormatInt(int64(val), 10)
	case int8:
		return strconv.FormatInt(int64(val), 10)
	case int16:
		return strconv.FormatInt(int64(val), 10)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case int64:
		return strconv.FormatInt(val, 10)
	case uint:
		return strconv.FormatUint(uint64(val), 10)
	case uint8:
		return strconv.FormatUint(uint64(val), 10)
	case uint16:
		return strconv.FormatUint(uint64(val), 10)
	case uint32:
		return strconv.FormatUint(uint64(val), 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	case float32:
		return strconv.FormatFloat(float64(val), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case time.Duration:
		return val.String()
	case fmt.Stringer:
		return fmt.Sprintf("%T.%s", val, val.String())
	default:
		// Typed fallback: class name plus the hash of the canonical form.
		data, err := Canonical(v)
		if err != nil {
			data = []byte(fmt.Sprintf("%#v", v))
		}
		return fmt.Sprintf("%T#%s", v, hash128(data))
	}
}

// escape protects the ':' delimiter inside readable key segments. Time
// arguments are written without it.
func escape(s string) string {
	if !strings.ContainsAny(s, ":\\") {
		return s
	}
	s = strings.ReplaceAll(s, "\\", "\\\\")
	return strings.ReplaceAll(s, ":", "\\:")
}

// hash128 produces a 128-bit hex digest from two seeded xxhash64 passes.
func hash128(data []byte) string {
	d1 := xxhash.New()
	d1.Write(data)
	lo := d1.Sum64()

	d2 := xxhash.New()
	d2.Write([]byte{0x5a})
	d2.Write(data)
	hi := d2.Sum64()

	return fmt.Sprintf("%016x%016x", hi, lo)
}

func fallbackBytes(args []any) []byte {
	var b strings.Builder
	for i, a := range args {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%T=%v", a, a)
	}
	return []byte(b.String())
}

func appendVersion(b *strings.Builder, version int) {
	if version > 0 {
		b.WriteString("_v")
		b.WriteString(strconv.Itoa(version))
	}
}

// Validate reports whether the key is usable by the storage layers:
// non-empty, printable and bounded.
func Validate(key string) error {
	if key == "" || strings.TrimSpace(key) == "" {
		return errors.New("cachekey: key is empty")
	}
	if len(key) > MaxKeyLength {
		return errors.New("cachekey: key exceeds max length")
	}
	if strings.ContainsAny(key, "\n\r") {
		return errors.New("cachekey: key contains line breaks")
	}
	return nil
}
