package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingTask records how often it ran and how many tasks ran at once.
type countingTask struct {
	name    string
	runs    int64
	active  *int64
	maxSeen *int64
	sleep   time.Duration
}

func (c *countingTask) Name() string { return c.name }

func (c *countingTask) Loop() {
	n := atomic.AddInt64(c.active, 1)
	for {
		seen := atomic.LoadInt64(c.maxSeen)
		if n <= seen || atomic.CompareAndSwapInt64(c.maxSeen, seen, n) {
			break
		}
	}
	time.Sleep(c.sleep)
	atomic.AddInt64(&c.runs, 1)
	atomic.AddInt64(c.active, -1)
}

// fakeClock advances by step on every call.
type fakeClock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(c.step)
	return c.t
}

func newTestScheduler(t testing.TB, tick time.Duration) *LoopScheduler {
	return NewLoopScheduler(&SchedulerConfig{TickInterval: tick}, zerolog.New(zerolog.NewTestWriter(t)))
}

func TestDefaultSchedulerConfig(t *testing.T) {
	config := DefaultSchedulerConfig()
	assert.Equal(t, 10*time.Millisecond, config.TickInterval)

	s := NewLoopScheduler(&SchedulerConfig{}, zerolog.Nop())
	assert.Equal(t, 10*time.Millisecond, s.tickInterval)
}

func TestRegister(t *testing.T) {
	s := newTestScheduler(t, time.Millisecond)

	require.NoError(t, s.Register(Func("battery", func() {})))
	require.NoError(t, s.Register(Func("vedirect", func() {})))
	assert.Error(t, s.Register(Func("battery", func() {})), "names are unique")

	var names []string
	for _, m := range s.Tasks() {
		names = append(names, m.Name)
	}
	assert.Equal(t, []string{"battery", "vedirect"}, names)

	assert.True(t, s.Unregister("battery"))
	assert.False(t, s.Unregister("battery"))
	assert.Len(t, s.Tasks(), 1)
}

func TestRunOnceKeepsOrder(t *testing.T) {
	s := newTestScheduler(t, time.Millisecond)

	var order []string
	for _, name := range []string{"a", "b", "c"} {
		name := name
		require.NoError(t, s.Register(Func(name, func() { order = append(order, name) })))
	}

	s.RunOnce()
	s.RunOnce()
	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, order)

	metrics := s.GetMetrics()
	assert.Equal(t, int64(2), metrics["loops_executed"].(int64))
	assert.Equal(t, 3, metrics["registered_tasks"].(int))
	for _, m := range s.Tasks() {
		assert.Equal(t, int64(2), m.Runs)
	}
}

func TestOverrunsAndDurations(t *testing.T) {
	s := newTestScheduler(t, 10*time.Millisecond)
	clock := &fakeClock{t: time.Unix(0, 0), step: 4 * time.Millisecond}
	s.now = clock.now

	require.NoError(t, s.Register(Func("slow", func() {})))
	require.NoError(t, s.Register(Func("fast", func() {})))

	// every task reads the clock twice, so each measures 4ms and the
	// pass measures 20ms
	s.RunOnce()

	metrics := s.GetMetrics()
	assert.Equal(t, int64(1), metrics["overruns"].(int64))
	assert.Equal(t, int64(20*time.Millisecond), metrics["last_loop_ns"].(int64))

	last := metrics["task_last_runtime"].(map[string]int64)
	assert.Equal(t, int64(4*time.Millisecond), last["slow"])
	assert.Equal(t, int64(4*time.Millisecond), last["fast"])
}

func TestEvery(t *testing.T) {
	now := time.Unix(100, 0)
	runs := 0
	task := Every("publish", time.Second, func() time.Time { return now }, func() { runs++ })
	assert.Equal(t, "publish", task.Name())

	task.Loop()
	task.Loop()
	assert.Equal(t, 1, runs)

	now = now.Add(999 * time.Millisecond)
	task.Loop()
	assert.Equal(t, 1, runs)

	now = now.Add(time.Millisecond)
	task.Loop()
	assert.Equal(t, 2, runs)
}

func TestPanickingTaskDoesNotStopOthers(t *testing.T) {
	s := newTestScheduler(t, time.Millisecond)

	ran := false
	require.NoError(t, s.Register(Func("broken", func() { panic("decoder bug") })))
	require.NoError(t, s.Register(Func("healthy", func() { ran = true })))

	assert.NotPanics(t, s.RunOnce)
	assert.True(t, ran)

	tasks := s.Tasks()
	assert.Equal(t, int64(1), tasks[0].Panics)
	assert.Equal(t, int64(1), tasks[0].Runs)
	assert.Zero(t, tasks[1].Panics)
}

func TestTasksNeverOverlap(t *testing.T) {
	s := newTestScheduler(t, time.Millisecond)

	var active, maxSeen int64
	a := &countingTask{name: "pylontech", active: &active, maxSeen: &maxSeen, sleep: 2 * time.Millisecond}
	b := &countingTask{name: "vedirect", active: &active, maxSeen: &maxSeen, sleep: time.Millisecond}
	require.NoError(t, s.Register(a))
	require.NoError(t, s.Register(b))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))

	// manual passes race with the ticker but must still be serialized
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.RunOnce()
		}()
	}
	wg.Wait()

	assert.Eventually(t, func() bool { return atomic.LoadInt64(&a.runs) >= 10 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop())

	assert.Equal(t, int64(1), atomic.LoadInt64(&maxSeen))
	assert.Positive(t, s.GetMetrics()["overruns"].(int64))
}

func TestSchedulerLifecycle(t *testing.T) {
	s := newTestScheduler(t, 5*time.Millisecond)

	var runs int64
	require.NoError(t, s.Register(Func("tick", func() { atomic.AddInt64(&runs, 1) })))

	assert.False(t, s.IsRunning())
	assert.False(t, s.GetMetrics()["is_running"].(bool))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Start(ctx))
	assert.True(t, s.IsRunning())
	assert.Error(t, s.Start(ctx), "cannot start twice")

	assert.Eventually(t, func() bool { return atomic.LoadInt64(&runs) >= 3 }, time.Second, time.Millisecond)

	require.NoError(t, s.Stop())
	assert.False(t, s.IsRunning())
	assert.Error(t, s.Stop(), "cannot stop twice")

	stopped := atomic.LoadInt64(&runs)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, stopped, atomic.LoadInt64(&runs))

	// restart after stop
	require.NoError(t, s.Start(ctx))
	assert.Eventually(t, func() bool { return atomic.LoadInt64(&runs) > stopped }, time.Second, time.Millisecond)
	require.NoError(t, s.Stop())
}

func TestContextCancelEndsLoop(t *testing.T) {
	s := newTestScheduler(t, time.Millisecond)
	var runs int64
	require.NoError(t, s.Register(Func("tick", func() { atomic.AddInt64(&runs, 1) })))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	assert.Eventually(t, func() bool { return atomic.LoadInt64(&runs) > 0 }, time.Second, time.Millisecond)

	cancel()
	time.Sleep(10 * time.Millisecond)
	after := atomic.LoadInt64(&runs)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, after, atomic.LoadInt64(&runs))
	assert.NoError(t, s.Stop())
}

func BenchmarkRunOnce(b *testing.B) {
	s := newTestScheduler(b, time.Millisecond)
	for _, name := range []string{"battery", "vedirect", "metrics", "publish"} {
		if err := s.Register(Func(name, func() {})); err != nil {
			b.Fatal(err)
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.RunOnce()
	}
}
