// Copyright 2025 PulseCache Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pulsecache

import (
	"encoding/json"
	"fmt"

	"pulsecache/internal/memcache"
)

// typeTag returns the tag recorded alongside cached values of type T.
// Tags compare concrete types, so Fetch[User] and Fetch[*User] against the
// same key fail loudly instead of aliasing each other. T should be a
// concrete type; an interface type tags as its nil representation.
func typeTag[T any]() string {
	var zero T
	return fmt.Sprintf("%T", zero)
}

// decodeValue decodes a persisted payload into T.
func decodeValue[T any](data []byte) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, err
	}
	return v, nil
}

// entryValue extracts a typed value from a memory entry, checking the type
// tag first. Entries warmed from disk are decoded on this first typed read
// and written back; the write-back carries the same CachedAt, which the
// store accepts (equal is not a regression), so a concurrent refresh
// cannot be clobbered by it.
func entryValue[T any](m *Manager, key string, e *memcache.Entry, tag string) (T, error) {
	var zero T
	if e.Tag != tag {
		return zero, fmt.Errorf("%w: key %q holds %s, requested %s", ErrTypeMismatch, key, e.Tag, tag)
	}
	if !e.Decoded() {
		v, err := decodeValue[T](e.Body)
		if err != nil {
			return zero, err
		}
		m.mem.Set(key, &memcache.Entry{Value: v, Tag: e.Tag, CachedAt: e.CachedAt, Cost: e.Cost})
		return v, nil
	}
	v, ok := e.Value.(T)
	if !ok {
		return zero, fmt.Errorf("%w: key %q holds %T, requested %s", ErrTypeMismatch, key, e.Value, tag)
	}
	return v, nil
}
