package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pvbench/internal/apperr"
	"pvbench/pkg/config"
)

func itemName(i int) string { return fmt.Sprintf("unit-%d", i) }

func items(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// concurrency tracks the peak number of simultaneously running units
type concurrency struct {
	cur, peak int64
}

func (c *concurrency) enter() {
	n := atomic.AddInt64(&c.cur, 1)
	for {
		p := atomic.LoadInt64(&c.peak)
		if n <= p || atomic.CompareAndSwapInt64(&c.peak, p, n) {
			return
		}
	}
}

func (c *concurrency) leave() { atomic.AddInt64(&c.cur, -1) }

func TestSequentialPreservesOrder(t *testing.T) {
	e := NewEngine(4, zap.NewNop())
	var order []int
	s := Run(context.Background(), e, "seq", config.StageProfile{MaxParallel: 1, ThreadsPerUnit: 1},
		items(5), itemName, func(_ context.Context, i int) error {
			order = append(order, i)
			return nil
		})

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
	assert.Equal(t, 5, s.Succeeded)
	assert.NoError(t, s.Err())
}

func TestParallelRespectsMaxParallel(t *testing.T) {
	e := NewEngine(16, zap.NewNop())
	var c concurrency
	s := Run(context.Background(), e, "par", config.StageProfile{MaxParallel: 3, ThreadsPerUnit: 1},
		items(12), itemName, func(_ context.Context, _ int) error {
			c.enter()
			defer c.leave()
			time.Sleep(5 * time.Millisecond)
			return nil
		})

	assert.Equal(t, 12, s.Succeeded)
	assert.LessOrEqual(t, c.peak, int64(3))
}

func TestBudgetBoundsThreads(t *testing.T) {
	// four workers of four threads each on a budget of eight: two at a time
	e := NewEngine(8, zap.NewNop())
	var c concurrency
	Run(context.Background(), e, "heavy", config.StageProfile{MaxParallel: 4, ThreadsPerUnit: 4},
		items(8), itemName, func(_ context.Context, _ int) error {
			c.enter()
			defer c.leave()
			time.Sleep(5 * time.Millisecond)
			return nil
		})
	assert.LessOrEqual(t, c.peak, int64(2))
}

func TestOversizedUnitIsClamped(t *testing.T) {
	e := NewEngine(2, zap.NewNop())
	s := Run(context.Background(), e, "wide", config.StageProfile{MaxParallel: 2, ThreadsPerUnit: 16},
		items(3), itemName, func(context.Context, int) error { return nil })
	assert.Equal(t, 3, s.Succeeded)
}

func TestFailuresAreIsolated(t *testing.T) {
	e := NewEngine(4, zap.NewNop())
	boom := errors.New("boom")
	s := Run(context.Background(), e, "iso", config.StageProfile{MaxParallel: 4, ThreadsPerUnit: 1},
		items(6), itemName, func(_ context.Context, i int) error {
			if i == 2 || i == 4 {
				return boom
			}
			return nil
		})

	assert.Equal(t, 4, s.Succeeded)
	require.Len(t, s.Failed, 2)
	assert.Equal(t, "unit-2", s.Failed[0].Unit)
	assert.Equal(t, "unit-4", s.Failed[1].Unit)
	assert.ErrorIs(t, s.Err(), boom)
}

func TestTransientFailuresAreRetried(t *testing.T) {
	e := NewEngine(1, zap.NewNop())
	var calls int32
	s := Run(context.Background(), e, "retry", config.StageProfile{MaxParallel: 1, ThreadsPerUnit: 1, Retries: 2},
		items(1), itemName, func(context.Context, int) error {
			if atomic.AddInt32(&calls, 1) < 3 {
				return &apperr.Error{Code: apperr.CodeToolExecution, Message: "flaky", Transient: true}
			}
			return nil
		})

	assert.Equal(t, int32(3), calls)
	assert.Equal(t, 1, s.Succeeded)
}

func TestPermanentFailuresAreNotRetried(t *testing.T) {
	e := NewEngine(1, zap.NewNop())
	var calls int32
	s := Run(context.Background(), e, "noretry", config.StageProfile{MaxParallel: 1, ThreadsPerUnit: 1, Retries: 3},
		items(1), itemName, func(context.Context, int) error {
			atomic.AddInt32(&calls, 1)
			return apperr.MissingInput("/nowhere")
		})

	assert.Equal(t, int32(1), calls)
	require.Len(t, s.Failed, 1)
	assert.Equal(t, 1, s.Failed[0].Attempts)
	assert.True(t, apperr.Is(s.Failed[0].Err, apperr.CodeMissingInput))
}

func TestTimeoutIsTransient(t *testing.T) {
	e := NewEngine(1, zap.NewNop())
	var calls int32
	s := Run(context.Background(), e, "slow",
		config.StageProfile{MaxParallel: 1, ThreadsPerUnit: 1, Timeout: 10 * time.Millisecond, Retries: 1},
		items(1), itemName, func(ctx context.Context, _ int) error {
			atomic.AddInt32(&calls, 1)
			<-ctx.Done()
			return ctx.Err()
		})

	assert.Equal(t, int32(2), calls)
	require.Len(t, s.Failed, 1)
	assert.True(t, apperr.IsTransient(s.Failed[0].Err))
	assert.ErrorIs(t, s.Failed[0].Err, context.DeadlineExceeded)
}

func TestCancellationStopsDispatch(t *testing.T) {
	e := NewEngine(1, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var ran []int
	s := Run(ctx, e, "cancel", config.StageProfile{MaxParallel: 1, ThreadsPerUnit: 1},
		items(5), itemName, func(_ context.Context, i int) error {
			mu.Lock()
			ran = append(ran, i)
			mu.Unlock()
			if i == 1 {
				cancel()
			}
			return nil
		})

	assert.Equal(t, []int{0, 1}, ran)
	assert.Equal(t, 2, s.Succeeded)
	assert.Equal(t, 3, s.Skipped)
	assert.NoError(t, s.Err())
}

func TestEmptyStage(t *testing.T) {
	e := NewEngine(1, zap.NewNop())
	s := Run(context.Background(), e, "empty", config.StageProfile{MaxParallel: 4, ThreadsPerUnit: 1},
		nil, itemName, func(context.Context, int) error { return nil })
	assert.Equal(t, 0, s.Total)
	assert.NoError(t, s.Err())
}
