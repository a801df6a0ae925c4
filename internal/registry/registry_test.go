package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	accountID string
}

func TestConnectBuildsOnceAndCaches(t *testing.T) {
	r := New[*fakeConn]()
	var builds int32

	build := func(ctx context.Context) (*fakeConn, error) {
		atomic.AddInt32(&builds, 1)
		return &fakeConn{accountID: "acc-1"}, nil
	}

	first, err := r.Connect(context.Background(), "acc-1", build)
	require.NoError(t, err)

	second, err := r.Connect(context.Background(), "acc-1", build)
	require.NoError(t, err)

	require.Same(t, first, second)
	require.EqualValues(t, 1, atomic.LoadInt32(&builds))
}

// TestConnectConcurrentCallersShareOneBuild reproduces S6: many goroutines
// calling Connect for the same account id concurrently must observe the
// same Connection instance, and the builder (which stands in for
// initialize+subscribe) must run exactly once.
func TestConnectConcurrentCallersShareOneBuild(t *testing.T) {
	r := New[*fakeConn]()
	var builds int32

	build := func(ctx context.Context) (*fakeConn, error) {
		atomic.AddInt32(&builds, 1)
		return &fakeConn{accountID: "acc-1"}, nil
	}

	const n = 50
	results := make([]*fakeConn, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			conn, err := r.Connect(context.Background(), "acc-1", build)
			require.NoError(t, err)
			results[i] = conn
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		require.Same(t, results[0], results[i])
	}
	require.EqualValues(t, 1, atomic.LoadInt32(&builds))
}

func TestConnectDistinctAccountsBuildIndependently(t *testing.T) {
	r := New[*fakeConn]()

	a, err := r.Connect(context.Background(), "acc-1", func(ctx context.Context) (*fakeConn, error) {
		return &fakeConn{accountID: "acc-1"}, nil
	})
	require.NoError(t, err)

	b, err := r.Connect(context.Background(), "acc-2", func(ctx context.Context) (*fakeConn, error) {
		return &fakeConn{accountID: "acc-2"}, nil
	})
	require.NoError(t, err)

	require.NotSame(t, a, b)
	require.Equal(t, 2, r.Len())
}

func TestRemoveAllowsRebuild(t *testing.T) {
	r := New[*fakeConn]()
	var builds int32
	build := func(ctx context.Context) (*fakeConn, error) {
		atomic.AddInt32(&builds, 1)
		return &fakeConn{accountID: "acc-1"}, nil
	}

	first, err := r.Connect(context.Background(), "acc-1", build)
	require.NoError(t, err)

	r.Remove("acc-1")
	_, ok := r.Get("acc-1")
	require.False(t, ok)

	second, err := r.Connect(context.Background(), "acc-1", build)
	require.NoError(t, err)

	require.NotSame(t, first, second)
	require.EqualValues(t, 2, atomic.LoadInt32(&builds))
}

func TestConnectPropagatesBuildError(t *testing.T) {
	r := New[*fakeConn]()
	_, err := r.Connect(context.Background(), "acc-1", func(ctx context.Context) (*fakeConn, error) {
		return nil, context.DeadlineExceeded
	})
	require.Error(t, err)
	_, ok := r.Get("acc-1")
	require.False(t, ok)
}
