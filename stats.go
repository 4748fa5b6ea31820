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

import "sync/atomic"

// Stats is a point-in-time snapshot of cache activity.
//
// The three counters meter different things: HitCount counts fetches
// served from cache (memory or a disk promote) without running the
// operation; MissCount counts operation invocations; DedupedCount counts
// fetches that merged into another call's in-flight operation.
type Stats struct {
	HitCount         uint64
	MissCount        uint64
	DedupedCount     uint64
	DiskEntryCount   int64
	MemoryEntryCount int
}

// counters is the Manager's live tally. Atomics, not a mutex: the hit
// fast path must not serialize concurrent fetches of unrelated keys.
type counters struct {
	hits    atomic.Uint64
	misses  atomic.Uint64
	deduped atomic.Uint64
}

func (c *counters) snapshot() (hits, misses, deduped uint64) {
	return c.hits.Load(), c.misses.Load(), c.deduped.Load()
}
