package conns

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Scheduler drives the repeating background work of the stack (pool sweeps,
// heartbeat ticks). There is deliberately no process-wide default instance: a
// component either receives a scheduler in its config or creates one of its
// own and stops it when the owning factory closes.
type Scheduler struct {
	logger *zap.Logger

	mu      sync.Mutex
	tasks   map[*ScheduledTask]struct{}
	stopped bool
	wg      sync.WaitGroup
}

// ScheduledTask is one repeating task owned by a Scheduler. Stop is
// idempotent and safe to call concurrently with a running tick; the tick in
// progress finishes, no further tick starts.
type ScheduledTask struct {
	name     string
	interval time.Duration
	fn       func()

	stop     chan struct{}
	stopOnce sync.Once
}

// NewScheduler creates a stopped-on-demand scheduler. A nil logger is
// replaced with a no-op logger.
func NewScheduler(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		logger: logger.With(zap.String("component", "scheduler")),
		tasks:  make(map[*ScheduledTask]struct{}),
	}
}

// Schedule starts fn running every interval on its own goroutine. The first
// tick fires one interval after Schedule returns.
func (s *Scheduler) Schedule(name string, interval time.Duration, fn func()) *ScheduledTask {
	task := &ScheduledTask{
		name:     name,
		interval: interval,
		fn:       fn,
		stop:     make(chan struct{}),
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		close(task.stop)
		return task
	}
	s.tasks[task] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(task)
	return task
}

func (s *Scheduler) run(task *ScheduledTask) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.tasks, task)
		s.mu.Unlock()
	}()

	ticker := time.NewTicker(task.interval)
	defer ticker.Stop()

	s.logger.Debug("task scheduled",
		zap.String("task", task.name),
		zap.Duration("interval", task.interval))

	for {
		select {
		case <-task.stop:
			s.logger.Debug("task stopped", zap.String("task", task.name))
			return
		case <-ticker.C:
			task.fn()
		}
	}
}

// Stop stops fn from being invoked again. It does not wait for a tick that is
// already running.
func (t *ScheduledTask) Stop() {
	t.stopOnce.Do(func() {
		close(t.stop)
	})
}

// Stop stops every task and waits for their goroutines to exit. Further
// Schedule calls return an already-stopped task.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.stopped = true
	tasks := make([]*ScheduledTask, 0, len(s.tasks))
	for task := range s.tasks {
		tasks = append(tasks, task)
	}
	s.mu.Unlock()

	for _, task := range tasks {
		task.Stop()
	}
	s.wg.Wait()
}
