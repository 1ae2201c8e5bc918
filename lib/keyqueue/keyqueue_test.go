package keyqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSameKeySpacing(t *testing.T) {
	interval := 200 * time.Millisecond
	q := New[int](interval)
	ctx := context.Background()

	var mu sync.Mutex
	var starts []time.Time
	record := func(ctx context.Context) (int, error) {
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
		return 0, nil
	}

	a := q.Schedule(ctx, "app-1", record)
	b := q.Schedule(ctx, "app-1", record)
	<-a
	<-b

	require.Len(t, starts, 2)
	require.GreaterOrEqual(t, starts[1].Sub(starts[0]), interval)
}

func TestIndependentKeysRunConcurrently(t *testing.T) {
	q := New[int](500 * time.Millisecond)
	ctx := context.Background()

	var mu sync.Mutex
	starts := map[string]time.Time{}
	record := func(key string) func(ctx context.Context) (int, error) {
		return func(ctx context.Context) (int, error) {
			mu.Lock()
			starts[key] = time.Now()
			mu.Unlock()
			time.Sleep(50 * time.Millisecond)
			return 0, nil
		}
	}

	a := q.Schedule(ctx, "app-1", record("app-1"))
	b := q.Schedule(ctx, "app-2", record("app-2"))
	<-a
	<-b

	gap := starts["app-2"].Sub(starts["app-1"])
	if gap < 0 {
		gap = -gap
	}
	require.Less(t, gap, 100*time.Millisecond)
}

func TestFIFOWithinKey(t *testing.T) {
	q := New[int](time.Millisecond)
	ctx := context.Background()

	var outs []<-chan Result[int]
	for i := 0; i < 10; i++ {
		i := i
		outs = append(outs, q.Schedule(ctx, "app-1", func(ctx context.Context) (int, error) {
			return i, nil
		}))
	}

	var got []int
	for _, out := range outs {
		res := <-out
		require.NoError(t, res.Err)
		got = append(got, res.Value)
	}
	require.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
}

func TestCancelledBeforeStart(t *testing.T) {
	q := New[int](50 * time.Millisecond)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	// occupy the key so the cancelled job waits in the queue
	q.Schedule(context.Background(), "app-1", func(ctx context.Context) (int, error) {
		return 0, nil
	})
	res := <-q.Schedule(cancelled, "app-1", func(ctx context.Context) (int, error) {
		t.Fatal("job ran despite cancelled context")
		return 0, nil
	})

	require.ErrorIs(t, res.Err, context.Canceled)
}
