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
	"fmt"
	"strings"
	"unicode"
)

// Cache keys are structured strings "namespace:qualifier[:params]", for
// example "activities:strava:7d". Equality is byte-exact; nothing is
// normalized. Keys must stay stable across app versions: when a resource's
// semantics change, change the namespace, not the schema version.

// Join builds a cache key from a namespace and qualifier segments.
func Join(namespace string, qualifiers ...string) string {
	if len(qualifiers) == 0 {
		return namespace
	}
	return namespace + ":" + strings.Join(qualifiers, ":")
}

// Namespace returns the key's first segment.
func Namespace(key string) string {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i]
	}
	return key
}

// ValidateKey rejects empty keys and keys containing empty, whitespace, or
// control-character segments.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	for _, seg := range strings.Split(key, ":") {
		if seg == "" {
			return fmt.Errorf("%w: empty segment in %q", ErrInvalidKey, key)
		}
		for _, r := range seg {
			if unicode.IsSpace(r) || unicode.IsControl(r) {
				return fmt.Errorf("%w: segment %q contains whitespace or control characters", ErrInvalidKey, seg)
			}
		}
	}
	return nil
}
