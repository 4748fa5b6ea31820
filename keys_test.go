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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJoin(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "activities", Join("activities"))
	assert.Equal(t, "activities:strava", Join("activities", "strava"))
	assert.Equal(t, "activities:strava:7d", Join("activities", "strava", "7d"))
}

func TestNamespace(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "activities", Namespace("activities:strava:7d"))
	assert.Equal(t, "sleep", Namespace("sleep"))
	assert.Equal(t, "", Namespace(":odd"))
}

func TestValidateKey(t *testing.T) {
	t.Parallel()

	for _, key := range []string{
		"sleep",
		"activities:strava:7d",
		"metrics:resting_hr",
		"trends:recovery:2025-06-14",
	} {
		assert.NoError(t, ValidateKey(key), "key %q", key)
	}

	for _, key := range []string{
		"",
		":lead",
		"trail:",
		"a::b",
		"has space:x",
		"x:has space",
		"tab\tkey",
		"new\nline",
	} {
		assert.ErrorIs(t, ValidateKey(key), ErrInvalidKey, "key %q", key)
	}
}
