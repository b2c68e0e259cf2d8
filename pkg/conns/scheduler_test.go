package conns_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"

	"github.com/torvane/ldapconns/pkg/conns"
)

func TestSchedulerRunsTaskAtInterval(t *testing.T) {
	defer leaktest.CheckTimeout(t, time.Second)()

	scheduler := conns.NewScheduler(nil)
	defer scheduler.Stop()

	var ticks int32
	scheduler.Schedule("counter", 5*time.Millisecond, func() {
		atomic.AddInt32(&ticks, 1)
	})

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&ticks) >= 3
	}, time.Second, 5*time.Millisecond)
}

func TestScheduledTaskStopIsIdempotent(t *testing.T) {
	scheduler := conns.NewScheduler(nil)
	defer scheduler.Stop()

	var ticks int32
	task := scheduler.Schedule("stoppable", 5*time.Millisecond, func() {
		atomic.AddInt32(&ticks, 1)
	})

	time.Sleep(20 * time.Millisecond)
	task.Stop()
	task.Stop()

	// A tick already in flight may still land; let it drain before sampling.
	time.Sleep(10 * time.Millisecond)
	settled := atomic.LoadInt32(&ticks)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, settled, atomic.LoadInt32(&ticks))
}

func TestSchedulerStopHaltsEverythingAndRejectsNewWork(t *testing.T) {
	defer leaktest.CheckTimeout(t, time.Second)()

	scheduler := conns.NewScheduler(nil)

	var ticks int32
	scheduler.Schedule("first", 5*time.Millisecond, func() {
		atomic.AddInt32(&ticks, 1)
	})
	scheduler.Schedule("second", 5*time.Millisecond, func() {
		atomic.AddInt32(&ticks, 1)
	})

	time.Sleep(20 * time.Millisecond)
	scheduler.Stop()

	settled := atomic.LoadInt32(&ticks)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, settled, atomic.LoadInt32(&ticks))

	// Scheduling after Stop yields an inert task, not a panic.
	var late int32
	task := scheduler.Schedule("late", time.Millisecond, func() {
		atomic.AddInt32(&late, 1)
	})
	time.Sleep(10 * time.Millisecond)
	assert.EqualValues(t, 0, atomic.LoadInt32(&late))
	task.Stop()
}
