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
	"errors"

	"pulsecache/internal/common"
)

var (
	// ErrClosed reports use of a Manager after Close.
	ErrClosed = errors.New("pulsecache: manager closed")

	// ErrTypeMismatch reports a typed read whose requested type does not
	// match the cached entry's type tag. This is the one cache-internal
	// condition surfaced to callers: silently handing back a blind-cast
	// value would hide a programming error at the call site.
	ErrTypeMismatch = errors.New("pulsecache: cached value type mismatch")

	// ErrInvalidKey reports a malformed cache key.
	ErrInvalidKey = common.ErrInvalidKey
)
