package flight

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoCoalesces(t *testing.T) {
	t.Parallel()

	g := New()
	var executions atomic.Int32
	release := make(chan struct{})

	const callers = 5
	var wg sync.WaitGroup
	vals := make([]any, callers)
	shared := make([]bool, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			vals[i], shared[i], errs[i] = g.Do(context.Background(), "activities:strava:7d", func(context.Context) (any, error) {
				executions.Add(1)
				<-release
				return "payload", nil
			})
		}(i)
	}

	// Let every caller attach before the operation finishes.
	require.Eventually(t, func() bool {
		g.mu.Lock()
		defer g.mu.Unlock()
		c, ok := g.calls["activities:strava:7d"]
		return ok && c.waiters == callers
	}, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), executions.Load(), "only one execution for concurrent callers")
	sharedCount := 0
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "payload", vals[i])
		if shared[i] {
			sharedCount++
		}
	}
	assert.Equal(t, callers-1, sharedCount, "every caller but the initiator is shared")
	assert.Equal(t, 0, g.Inflight())
}

func TestDoFailureReachesAllAndIsNotCached(t *testing.T) {
	t.Parallel()

	g := New()
	boom := errors.New("upstream 503")
	var executions atomic.Int32
	release := make(chan struct{})

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = g.Do(context.Background(), "k", func(context.Context) (any, error) {
				executions.Add(1)
				<-release
				return nil, boom
			})
		}(i)
	}
	require.Eventually(t, func() bool {
		g.mu.Lock()
		defer g.mu.Unlock()
		c, ok := g.calls["k"]
		return ok && c.waiters == 3
	}, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	for i := range errs {
		assert.ErrorIs(t, errs[i], boom, "caller %d", i)
	}
	assert.Equal(t, int32(1), executions.Load())

	// The failure must not stick: the next call executes again.
	v, _, err := g.Do(context.Background(), "k", func(context.Context) (any, error) {
		return "recovered", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "recovered", v)
	assert.Equal(t, int32(1), executions.Load(), "recovered call uses a fresh fn")
}

func TestDoSequentialCallsExecuteEachTime(t *testing.T) {
	t.Parallel()

	g := New()
	var executions atomic.Int32

	for i := 0; i < 3; i++ {
		_, shared, err := g.Do(context.Background(), "k", func(context.Context) (any, error) {
			executions.Add(1)
			return i, nil
		})
		require.NoError(t, err)
		assert.False(t, shared)
	}
	assert.Equal(t, int32(3), executions.Load())
}

func TestDoSoleWaiterCancelCancelsOperation(t *testing.T) {
	t.Parallel()

	g := New()
	opCancelled := make(chan struct{})
	started := make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, _, err := g.Do(ctx, "k", func(opCtx context.Context) (any, error) {
			close(started)
			<-opCtx.Done()
			close(opCancelled)
			return nil, opCtx.Err()
		})
		errCh <- err
	}()

	<-started
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled, "caller returns its own ctx error")
	case <-time.After(time.Second):
		t.Fatal("caller did not return after cancellation")
	}

	select {
	case <-opCancelled:
	case <-time.After(time.Second):
		t.Fatal("underlying operation context was not cancelled")
	}

	require.Eventually(t, func() bool { return g.Inflight() == 0 }, time.Second, time.Millisecond)
}

func TestDoSurvivingWaiterKeepsOperationAlive(t *testing.T) {
	t.Parallel()

	g := New()
	started := make(chan struct{})
	release := make(chan struct{})

	survivorCh := make(chan any, 1)
	go func() {
		v, _, _ := g.Do(context.Background(), "k", func(opCtx context.Context) (any, error) {
			close(started)
			select {
			case <-release:
				return "done", nil
			case <-opCtx.Done():
				return nil, opCtx.Err()
			}
		})
		survivorCh <- v
	}()
	<-started

	// Second caller joins, then abandons.
	ctx, cancel := context.WithCancel(context.Background())
	quitterCh := make(chan error, 1)
	go func() {
		_, _, err := g.Do(ctx, "k", func(context.Context) (any, error) {
			t.Error("joiner must not start a second execution")
			return nil, nil
		})
		quitterCh <- err
	}()

	// Wait until the joiner is attached before cancelling it.
	require.Eventually(t, func() bool {
		g.mu.Lock()
		defer g.mu.Unlock()
		c, ok := g.calls["k"]
		return ok && c.waiters == 2
	}, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-quitterCh, context.Canceled)

	// The survivor still gets a real result.
	close(release)
	select {
	case v := <-survivorCh:
		assert.Equal(t, "done", v)
	case <-time.After(time.Second):
		t.Fatal("surviving waiter never completed")
	}
}

func TestDoKeysAreIndependent(t *testing.T) {
	t.Parallel()

	g := New()
	aStarted := make(chan struct{})
	bStarted := make(chan struct{})
	release := make(chan struct{})

	var wg sync.WaitGroup
	for _, k := range []string{"a", "b"} {
		wg.Add(1)
		started := aStarted
		if k == "b" {
			started = bStarted
		}
		go func(key string, started chan struct{}) {
			defer wg.Done()
			_, _, _ = g.Do(context.Background(), key, func(context.Context) (any, error) {
				close(started)
				<-release
				return key, nil
			})
		}(k, started)
	}

	// Both operations run at once; neither waits for the other.
	select {
	case <-aStarted:
	case <-time.After(time.Second):
		t.Fatal("operation for key a never started")
	}
	select {
	case <-bStarted:
	case <-time.After(time.Second):
		t.Fatal("operation for key b never started")
	}
	close(release)
	wg.Wait()
}

func TestDoRecoversPanics(t *testing.T) {
	t.Parallel()

	g := New()
	_, _, err := g.Do(context.Background(), "k", func(context.Context) (any, error) {
		panic("bad loader")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad loader")
}
