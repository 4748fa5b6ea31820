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

// Package memcache provides the in-memory tier of the cache.
//
// Design principles:
//  1. No I/O and no TTL bookkeeping - freshness is evaluated by the caller
//     against the entry's CachedAt, so one entry can serve call sites with
//     different tolerances.
//  2. Bounded in two dimensions - entry count and aggregate cost - with
//     synchronous LRU eviction on insert.
package memcache

import "os"

// Disabled controls whether the in-memory tier is bypassed.
// Set via PULSECACHE_CACHE=0 environment variable.
// When true:
// - Store.Get() and Store.Peek() always miss
// - Store.Set() is a no-op
//
// Useful for isolating cache-related bugs: every fetch falls through to
// the coordinator and the underlying operation.
var Disabled = os.Getenv("PULSECACHE_CACHE") == "0"
