// Package scheduler runs the polling loops of all controllers from a single
// goroutine, so no two controllers ever drive a transport at the same time.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Task is one cooperative polling loop. Loop must not block.
type Task interface {
	Name() string
	Loop()
}

// funcTask adapts a function to Task.
type funcTask struct {
	name string
	fn   func()
}

func (t funcTask) Name() string { return t.name }
func (t funcTask) Loop()        { t.fn() }

// Func wraps fn as a task.
func Func(name string, fn func()) Task {
	return funcTask{name: name, fn: fn}
}

// Every wraps fn as a task that runs at most once per interval. The first
// tick always runs it.
func Every(name string, interval time.Duration, now func() time.Time, fn func()) Task {
	if now == nil {
		now = time.Now
	}
	var last time.Time
	return funcTask{name: name, fn: func() {
		t := now()
		if !last.IsZero() && t.Sub(last) < interval {
			return
		}
		last = t
		fn()
	}}
}

// taskEntry is a registered task with its timing.
type taskEntry struct {
	task         Task
	runs         int64
	panics       int64
	lastDuration time.Duration
	maxDuration  time.Duration
}

// TaskMetrics describes one task.
type TaskMetrics struct {
	Name         string        `json:"name"`
	Runs         int64         `json:"runs"`
	Panics       int64         `json:"panics"`
	LastDuration time.Duration `json:"last_duration_ns"`
	MaxDuration  time.Duration `json:"max_duration_ns"`
}

// SchedulerConfig holds configuration for the loop scheduler.
type SchedulerConfig struct {
	TickInterval time.Duration
}

// DefaultSchedulerConfig returns a default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{TickInterval: 10 * time.Millisecond}
}

// LoopScheduler ticks every registered task in registration order.
type LoopScheduler struct {
	tasks     []*taskEntry
	logger    zerolog.Logger
	ticker    *time.Ticker
	stopChan  chan struct{}
	wg        sync.WaitGroup
	isRunning bool
	mutex     sync.RWMutex

	// runMutex serializes loop passes between the ticker and RunOnce.
	runMutex sync.Mutex

	tickInterval time.Duration
	now          func() time.Time

	// Metrics
	loopsExecuted int64
	overruns      int64
	lastLoop      int64
}

// NewLoopScheduler creates a scheduler without tasks.
func NewLoopScheduler(config *SchedulerConfig, logger zerolog.Logger) *LoopScheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	if config.TickInterval <= 0 {
		config.TickInterval = DefaultSchedulerConfig().TickInterval
	}
	return &LoopScheduler{
		logger:       logger.With().Str("component", "scheduler").Logger(),
		stopChan:     make(chan struct{}),
		tickInterval: config.TickInterval,
		now:          time.Now,
	}
}

// Register appends a task. Names must be unique.
func (s *LoopScheduler) Register(task Task) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for _, e := range s.tasks {
		if e.task.Name() == task.Name() {
			return fmt.Errorf("task %q is already registered", task.Name())
		}
	}
	s.tasks = append(s.tasks, &taskEntry{task: task})
	s.logger.Debug().Str("task", task.Name()).Msg("Task registered")
	return nil
}

// Unregister removes the task called name.
func (s *LoopScheduler) Unregister(name string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for i, e := range s.tasks {
		if e.task.Name() == name {
			s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
			return true
		}
	}
	return false
}

// Start begins ticking the tasks.
func (s *LoopScheduler) Start(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.isRunning {
		return fmt.Errorf("scheduler is already running")
	}

	s.ticker = time.NewTicker(s.tickInterval)
	s.stopChan = make(chan struct{})
	s.isRunning = true

	s.wg.Add(1)
	go s.executionLoop(ctx, s.ticker, s.stopChan)

	s.logger.Info().
		Dur("tick_interval", s.tickInterval).
		Int("tasks", len(s.tasks)).
		Msg("Loop scheduler started")

	return nil
}

// Stop halts the ticker and waits for the running pass to finish.
func (s *LoopScheduler) Stop() error {
	s.mutex.Lock()
	if !s.isRunning {
		s.mutex.Unlock()
		return fmt.Errorf("scheduler is not running")
	}
	close(s.stopChan)
	s.ticker.Stop()
	s.isRunning = false
	s.mutex.Unlock()

	s.wg.Wait()
	s.logger.Info().Msg("Loop scheduler stopped")
	return nil
}

// IsRunning reports whether Start was called without a matching Stop.
func (s *LoopScheduler) IsRunning() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.isRunning
}

func (s *LoopScheduler) executionLoop(ctx context.Context, ticker *time.Ticker, stop chan struct{}) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			s.RunOnce()
		}
	}
}

// RunOnce executes one pass over every task.
func (s *LoopScheduler) RunOnce() {
	s.runMutex.Lock()
	defer s.runMutex.Unlock()

	s.mutex.RLock()
	tasks := make([]*taskEntry, len(s.tasks))
	copy(tasks, s.tasks)
	s.mutex.RUnlock()

	start := s.now()
	for _, e := range tasks {
		s.runTask(e)
	}
	elapsed := s.now().Sub(start)

	atomic.AddInt64(&s.loopsExecuted, 1)
	atomic.StoreInt64(&s.lastLoop, int64(elapsed))
	if elapsed > s.tickInterval {
		atomic.AddInt64(&s.overruns, 1)
		s.logger.Debug().Dur("elapsed", elapsed).Dur("tick_interval", s.tickInterval).Msg("Loop overran its tick")
	}
}

func (s *LoopScheduler) runTask(e *taskEntry) {
	start := s.now()
	defer func() {
		d := s.now().Sub(start)
		s.mutex.Lock()
		e.runs++
		e.lastDuration = d
		if d > e.maxDuration {
			e.maxDuration = d
		}
		if r := recover(); r != nil {
			e.panics++
			s.logger.Error().Str("task", e.task.Name()).Interface("panic", r).Msg("Task panicked")
		}
		s.mutex.Unlock()
	}()
	e.task.Loop()
}

// Tasks returns the metrics of every task in registration order.
func (s *LoopScheduler) Tasks() []TaskMetrics {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	out := make([]TaskMetrics, len(s.tasks))
	for i, e := range s.tasks {
		out[i] = TaskMetrics{
			Name:         e.task.Name(),
			Runs:         e.runs,
			Panics:       e.panics,
			LastDuration: e.lastDuration,
			MaxDuration:  e.maxDuration,
		}
	}
	return out
}

// GetMetrics returns current scheduler metrics.
func (s *LoopScheduler) GetMetrics() map[string]interface{} {
	tasks := s.Tasks()

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return map[string]interface{}{
		"is_running":        s.isRunning,
		"tick_interval_ms":  s.tickInterval.Milliseconds(),
		"loops_executed":    atomic.LoadInt64(&s.loopsExecuted),
		"overruns":          atomic.LoadInt64(&s.overruns),
		"last_loop_ns":      atomic.LoadInt64(&s.lastLoop),
		"registered_tasks":  len(tasks),
		"task_last_runtime": lastDurations(tasks),
		"tasks":             tasks,
	}
}

func lastDurations(tasks []TaskMetrics) map[string]int64 {
	out := make(map[string]int64, len(tasks))
	for _, t := range tasks {
		out[t.Name] = int64(t.LastDuration)
	}
	return out
}
