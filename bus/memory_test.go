package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siteworks/siteflow/logging"
	"github.com/siteworks/siteflow/task"
)

// deliverySpy counts delivery outcomes through the optional logger hook.
type deliverySpy struct {
	logging.NoOpLogger

	mu     sync.Mutex
	acked  int
	nacked int
}

func (s *deliverySpy) LogDelivery(queue, taskID string, attempt int, acked bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if acked {
		s.acked++
	} else {
		s.nacked++
	}
}

func (s *deliverySpy) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acked, s.nacked
}

var _ Backend = (*MemoryBus)(nil)

func fastBus(optFns ...func(o *Options)) *MemoryBus {
	return NewMemoryBus(append([]func(o *Options){func(o *Options) {
		o.PollInterval = 2 * time.Millisecond
	}}, optFns...)...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestPublishOrdersByPriority(t *testing.T) {
	b := fastBus()

	low := task.New(task.KindExtraction, 3, map[string]any{"n": 1}, nil)
	high := task.New(task.KindExtraction, 9, map[string]any{"n": 2}, nil)
	mid := task.New(task.KindExtraction, 5, map[string]any{"n": 3}, nil)

	require.NoError(t, b.Publish("q", low, 3))
	require.NoError(t, b.Publish("q", high, 9))
	require.NoError(t, b.Publish("q", mid, 5))

	head, ok := b.Peek("q")
	require.True(t, ok)
	assert.Equal(t, high.ID, head.Task.ID)
	assert.Equal(t, 3, b.QueueSize("q"))
}

func TestEqualPriorityKeepsPublishOrder(t *testing.T) {
	b := fastBus()

	first := task.New(task.KindQuery, 5, nil, nil)
	second := task.New(task.KindQuery, 5, nil, nil)
	require.NoError(t, b.Publish("q", first, 5))
	require.NoError(t, b.Publish("q", second, 5))

	head, ok := b.Peek("q")
	require.True(t, ok)
	assert.Equal(t, first.ID, head.Task.ID)
}

func TestResortBreaksTiesBySequence(t *testing.T) {
	mk := func(priority int, seq uint64) entry {
		return entry{msg: task.Message{Task: task.New(task.KindQuery, priority, nil, nil)}, seq: seq}
	}
	q := &memQueue{entries: []entry{mk(5, 9), mk(7, 4), mk(5, 2), mk(7, 1)}}
	q.resort()

	got := make([][2]uint64, 0, len(q.entries))
	for _, e := range q.entries {
		got = append(got, [2]uint64{uint64(e.msg.Task.Priority), e.seq})
	}
	assert.Equal(t, [][2]uint64{{7, 1}, {7, 4}, {5, 2}, {5, 9}}, got)
}

func TestDeliveryOutcomesReachLogger(t *testing.T) {
	spy := &deliverySpy{}
	b := fastBus(func(o *Options) {
		o.MaxDeliveries = 2
		o.Logger = spy
	})
	defer b.Stop()

	var calls atomic.Int32
	b.Subscribe("q", "worker", func(ctx context.Context, msg task.Message) error {
		if calls.Add(1) == 1 {
			return errors.New("transient")
		}
		return nil
	})
	b.Start()

	require.NoError(t, b.Publish("q", task.New(task.KindExtraction, 5, nil, nil), 5))

	waitFor(t, func() bool {
		acked, nacked := spy.counts()
		return acked == 1 && nacked == 1
	})
}

func TestPublishRejectsDuplicatePendingID(t *testing.T) {
	b := fastBus()

	tk := task.New(task.KindExtraction, 5, nil, nil)
	require.NoError(t, b.Publish("q", tk, 5))

	err := b.Publish("q", tk, 5)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateTask)

	var busErr *Error
	require.ErrorAs(t, err, &busErr)
	assert.Equal(t, "q", busErr.Queue)
}

func TestPublishClampsPriority(t *testing.T) {
	b := fastBus()

	tk := task.New(task.KindExtraction, 5, nil, nil)
	require.NoError(t, b.Publish("q", tk, 99))

	head, ok := b.Peek("q")
	require.True(t, ok)
	assert.Equal(t, task.MaxPriority, head.Task.Priority)
}

func TestSubscribeDelivers(t *testing.T) {
	b := fastBus()
	defer b.Stop()

	var got atomic.Int32
	b.Subscribe("q", "worker", func(ctx context.Context, msg task.Message) error {
		got.Add(1)
		return nil
	})
	b.Start()

	require.NoError(t, b.Publish("q", task.New(task.KindQuery, 5, nil, nil), 5))

	waitFor(t, func() bool { return got.Load() == 1 })
	waitFor(t, func() bool { return b.QueueSize("q") == 0 })
}

func TestSubscribeIdempotentPerName(t *testing.T) {
	b := fastBus()
	defer b.Stop()

	var calls atomic.Int32
	h := func(ctx context.Context, msg task.Message) error {
		calls.Add(1)
		return nil
	}
	b.Subscribe("q", "worker", h)
	b.Subscribe("q", "worker", h)
	b.Start()

	require.NoError(t, b.Publish("q", task.New(task.KindQuery, 5, nil, nil), 5))

	waitFor(t, func() bool { return b.QueueSize("q") == 0 })
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFanOutDeliversToAllSubscribers(t *testing.T) {
	b := fastBus()
	defer b.Stop()

	var mu sync.Mutex
	seen := map[string]int{}
	sub := func(name string) {
		b.Subscribe("q", name, func(ctx context.Context, msg task.Message) error {
			mu.Lock()
			seen[name]++
			mu.Unlock()
			return nil
		})
	}
	sub("a")
	sub("b")
	b.Start()

	require.NoError(t, b.Publish("q", task.New(task.KindQuery, 5, nil, nil), 5))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen["a"] == 1 && seen["b"] == 1
	})
}

func TestFailedDeliveryRedeliversUpToLimit(t *testing.T) {
	b := fastBus(func(o *Options) {
		o.MaxDeliveries = 3
	})
	defer b.Stop()

	var attempts []int
	var mu sync.Mutex
	b.Subscribe("q", "worker", func(ctx context.Context, msg task.Message) error {
		mu.Lock()
		attempts = append(attempts, msg.Attempt)
		mu.Unlock()
		return errors.New("boom")
	})
	b.Start()

	require.NoError(t, b.Publish("q", task.New(task.KindExtraction, 5, nil, nil), 5))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(attempts) == 3
	})
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, attempts)
	assert.Equal(t, 0, b.QueueSize("q"))
}

func TestRedeliveryStopsOnSuccess(t *testing.T) {
	b := fastBus(func(o *Options) {
		o.MaxDeliveries = 5
	})
	defer b.Stop()

	var calls atomic.Int32
	b.Subscribe("q", "worker", func(ctx context.Context, msg task.Message) error {
		if calls.Add(1) < 2 {
			return errors.New("transient")
		}
		return nil
	})
	b.Start()

	require.NoError(t, b.Publish("q", task.New(task.KindExtraction, 5, nil, nil), 5))

	waitFor(t, func() bool { return b.QueueSize("q") == 0 && calls.Load() == 2 })
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
}

func TestHandlerPanicCountsAsFailure(t *testing.T) {
	b := fastBus(func(o *Options) {
		o.MaxDeliveries = 1
	})
	defer b.Stop()

	var calls atomic.Int32
	b.Subscribe("q", "worker", func(ctx context.Context, msg task.Message) error {
		calls.Add(1)
		panic("handler bug")
	})
	b.Start()

	require.NoError(t, b.Publish("q", task.New(task.KindExtraction, 5, nil, nil), 5))

	waitFor(t, func() bool { return calls.Load() == 1 })
	waitFor(t, func() bool { return b.QueueSize("q") == 0 })
}

func TestStartStopIdempotent(t *testing.T) {
	b := fastBus()
	b.Start()
	b.Start()
	b.Stop()
	b.Stop()
}

func TestStopRetainsPendingTasks(t *testing.T) {
	b := fastBus()
	require.NoError(t, b.Publish("q", task.New(task.KindQuery, 5, nil, nil), 5))

	b.Start()
	b.Stop()

	assert.Equal(t, 1, b.QueueSize("q"))
}

func TestUnsubscribeKeepsTasks(t *testing.T) {
	b := fastBus()
	defer b.Stop()

	b.Subscribe("q", "worker", func(ctx context.Context, msg task.Message) error { return nil })
	b.Unsubscribe("q", "worker")
	b.Start()

	require.NoError(t, b.Publish("q", task.New(task.KindQuery, 5, nil, nil), 5))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, b.QueueSize("q"))
}

func TestQueuesSnapshot(t *testing.T) {
	b := fastBus()
	require.NoError(t, b.Publish("a", task.New(task.KindQuery, 5, nil, nil), 5))
	require.NoError(t, b.Publish("a", task.New(task.KindQuery, 6, nil, nil), 6))
	require.NoError(t, b.Publish("b", task.New(task.KindQuery, 5, nil, nil), 5))

	sizes := b.Queues()
	assert.Equal(t, 2, sizes["a"])
	assert.Equal(t, 1, sizes["b"])

	b.Clear("a")
	assert.Equal(t, 0, b.QueueSize("a"))
	assert.Equal(t, 1, b.QueueSize("b"))
}
