package sched

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// withFreshRegistry runs fn with an empty CPU registry and restores
// whatever was registered before it returns, so tests don't see each
// other's CPUs.
func withFreshRegistry(t *testing.T, fn func()) {
	t.Helper()
	registryLock.Acquire()
	savedCPUs, savedCurrent := cpus, current
	cpus, current = nil, nil
	registryLock.Release()

	defer func() {
		registryLock.Acquire()
		cpus, current = savedCPUs, savedCurrent
		registryLock.Release()
	}()

	fn()
}

func TestNewTaskStartsReady(t *testing.T) {
	task := NewTask(nil, 0x1000)
	require.Equal(t, Ready, task.State())
}

func TestRunQueueIsFIFO(t *testing.T) {
	var q runQueue
	a, b, c := NewTask(nil, 0), NewTask(nil, 0), NewTask(nil, 0)

	q.pushBack(a)
	q.pushBack(b)
	q.pushBack(c)
	require.Equal(t, 3, q.length())

	require.Same(t, a, q.popFront())
	require.Same(t, b, q.popFront())
	require.Same(t, c, q.popFront())
	require.Nil(t, q.popFront())
	require.Equal(t, 0, q.length())
}

func TestRegisterCPUStartsOnIdleTask(t *testing.T) {
	withFreshRegistry(t, func() {
		cpu := RegisterCPU(0, nil)
		require.Same(t, cpu.Scheduler.idleTask, cpu.Scheduler.Current())
	})
}

func TestAddTaskThenRescheduleSwitchesToIt(t *testing.T) {
	withFreshRegistry(t, func() {
		cpu := RegisterCPU(0, nil)
		task := NewTask(nil, 0x2000)

		cpu.Scheduler.AddTask(task)
		cpu.Scheduler.Reschedule()

		require.Same(t, task, cpu.Scheduler.Current())
		require.Equal(t, Running, task.State())
		require.Equal(t, uintptr(0x2000), cpu.CurrentKernelStack)
	})
}

func TestRescheduleReenqueuesCurrentTask(t *testing.T) {
	withFreshRegistry(t, func() {
		cpu := RegisterCPU(0, nil)
		first := NewTask(nil, 0x1000)
		second := NewTask(nil, 0x2000)

		cpu.Scheduler.AddTask(first)
		cpu.Scheduler.Reschedule()
		require.Same(t, first, cpu.Scheduler.Current())

		cpu.Scheduler.AddTask(second)
		cpu.Scheduler.Reschedule()
		require.Same(t, second, cpu.Scheduler.Current())
		require.Equal(t, Ready, first.State())

		// first was re-enqueued behind second; a third reschedule with no
		// new arrivals returns to it.
		cpu.Scheduler.Reschedule()
		require.Same(t, first, cpu.Scheduler.Current())
	})
}

func TestDoYieldDoesNotReenqueueCurrentTask(t *testing.T) {
	withFreshRegistry(t, func() {
		cpu := RegisterCPU(0, nil)
		task := NewTask(nil, 0x1000)

		cpu.Scheduler.AddTask(task)
		cpu.Scheduler.Reschedule()
		require.Same(t, task, cpu.Scheduler.Current())

		cpu.Scheduler.DoYield()
		require.Same(t, cpu.Scheduler.idleTask, cpu.Scheduler.Current())
		require.Equal(t, 0, cpu.Scheduler.runQueue.length())
	})
}

func TestKillCurrentMarksTaskDeadAndSwitchesAway(t *testing.T) {
	withFreshRegistry(t, func() {
		cpu := RegisterCPU(0, nil)
		task := NewTask(nil, 0x1000)

		cpu.Scheduler.AddTask(task)
		cpu.Scheduler.Reschedule()

		require.Panics(t, func() { cpu.Scheduler.KillCurrent() })
		require.Equal(t, Dead, task.State())
		require.Same(t, cpu.Scheduler.idleTask, cpu.Scheduler.Current())
	})
}

func TestAddTaskToBestCPUPicksShortestQueue(t *testing.T) {
	withFreshRegistry(t, func() {
		a := RegisterCPU(0, nil)
		b := RegisterCPU(1, nil)

		a.Scheduler.AddTask(NewTask(nil, 0))
		a.Scheduler.AddTask(NewTask(nil, 0))

		task := NewTask(nil, 0)
		AddTaskToBestCPU(task)

		require.Equal(t, 2, a.Scheduler.runQueue.length())
		require.Equal(t, 1, b.Scheduler.runQueue.length())
	})
}

func TestAddTaskToBestCPUBreaksTiesByRegistrationOrder(t *testing.T) {
	withFreshRegistry(t, func() {
		a := RegisterCPU(0, nil)
		_ = RegisterCPU(1, nil)

		task := NewTask(nil, 0)
		AddTaskToBestCPU(task)

		require.Equal(t, 1, a.Scheduler.runQueue.length())
	})
}

func TestExitCriticalWithoutEnterPanics(t *testing.T) {
	var s Scheduler
	require.Panics(t, func() { s.ExitCritical() })
}

func TestEnterExitCriticalTracksDepth(t *testing.T) {
	var s Scheduler
	require.True(t, s.Preemptible())

	s.EnterCritical()
	require.False(t, s.Preemptible())

	s.EnterCritical()
	s.ExitCritical()
	require.False(t, s.Preemptible())

	s.ExitCritical()
	require.True(t, s.Preemptible())
}

func TestCurrentPanicsBeforeRegisterCPU(t *testing.T) {
	withFreshRegistry(t, func() {
		require.Panics(t, func() { Current() })
	})
}
