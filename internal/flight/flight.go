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

// Package flight coalesces concurrent operations on the same key.
//
// At most one execution is in flight per key; callers arriving while one
// is running attach to it and receive the same result. Unlike
// singleflight, the operation runs under its own context: a caller that
// stops waiting detaches, and when the last waiter detaches the
// operation itself is cancelled, so an abandoned refresh does not keep a
// network call alive.
package flight

import (
	"context"
	"fmt"
	"sync"
)

type call struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// waiters is guarded by Group.mu.
	waiters int

	// val and err are written once before done is closed.
	val any
	err error
}

// Group tracks in-flight calls by key. The zero value is not usable;
// construct with New.
type Group struct {
	mu    sync.Mutex
	calls map[string]*call
}

// New creates an empty Group.
func New() *Group {
	return &Group{calls: make(map[string]*call)}
}

// Do executes fn for key, coalescing with any execution already in
// flight for the same key. All waiters receive the identical result.
// shared reports whether this caller attached to an execution it did not
// start. Results are never retained: once fn returns, the next Do for
// the key starts fresh, so failures are not cached.
//
// fn runs under a context detached from any single caller. If ctx ends
// while waiting, Do returns ctx.Err() immediately; if that caller was
// the last waiter, fn's context is cancelled as well.
func (g *Group) Do(ctx context.Context, key string, fn func(context.Context) (any, error)) (v any, shared bool, err error) {
	g.mu.Lock()
	if c, ok := g.calls[key]; ok {
		c.waiters++
		g.mu.Unlock()
		return g.wait(ctx, key, c, true)
	}

	opCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &call{ctx: opCtx, cancel: cancel, done: make(chan struct{}), waiters: 1}
	g.calls[key] = c
	g.mu.Unlock()

	go g.run(key, c, fn)
	return g.wait(ctx, key, c, false)
}

// Inflight returns the number of keys with an execution in flight.
func (g *Group) Inflight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func (g *Group) run(key string, c *call, fn func(context.Context) (any, error)) {
	defer func() {
		if r := recover(); r != nil {
			// A hung waiter is worse than a wrapped panic.
			c.err = fmt.Errorf("operation panicked: %v", r)
		}
		c.cancel()
		g.mu.Lock()
		if g.calls[key] == c {
			delete(g.calls, key)
		}
		g.mu.Unlock()
		close(c.done)
	}()
	c.val, c.err = fn(c.ctx)
}

func (g *Group) wait(ctx context.Context, key string, c *call, shared bool) (any, bool, error) {
	select {
	case <-c.done:
		return c.val, shared, c.err
	case <-ctx.Done():
		g.detach(key, c)
		return nil, shared, ctx.Err()
	}
}

func (g *Group) detach(key string, c *call) {
	g.mu.Lock()
	c.waiters--
	last := c.waiters == 0
	if last && g.calls[key] == c {
		delete(g.calls, key)
	}
	g.mu.Unlock()
	if last {
		c.cancel()
	}
}
