package sched

// Scheduler is the state of one CPU's independent, single-threaded
// scheduling loop: its run queue, its current and idle tasks, and its
// preemption depth. Invariant: a task is current on at most one CPU at a
// time; a task not current is either on exactly one run queue, blocked as
// Waiting, or Dead.
type Scheduler struct {
	owner *CPUData

	runQueue runQueue

	current  *Task
	idleTask *Task

	preemptLevel int32
}

// Current returns the task currently running on this Scheduler's CPU.
func (s *Scheduler) Current() *Task {
	return s.current
}

// AddTask enqueues t on this CPU's run queue.
func (s *Scheduler) AddTask(t *Task) {
	t.setState(Ready)
	s.runQueue.pushBack(t)
}

// AddTaskToBestCPU enqueues t on whichever registered CPU currently has the
// shortest run queue, breaking ties by picking the first CPU encountered in
// registration order. It is used for newly created processes and tasks;
// the scheduler never migrates a task once it has started running.
func AddTaskToBestCPU(t *Task) {
	all := CPUs()
	if len(all) == 0 {
		panic("sched: AddTaskToBestCPU called before any CPU was registered")
	}

	best := all[0]
	bestLen := best.Scheduler.runQueue.length()
	for _, cpu := range all[1:] {
		if n := cpu.Scheduler.runQueue.length(); n < bestLen {
			best, bestLen = cpu, n
		}
	}
	best.Scheduler.AddTask(t)
}

// Reschedule masks interrupts, re-enqueues the current task (unless it is
// the idle task) at the tail of the run queue, and switches to whatever
// task the core routine picks next. It returns once this task is current
// again. While the preemption depth is above zero it returns at once.
func (s *Scheduler) Reschedule() {
	if !s.Preemptible() {
		return
	}
	withIRQsMasked(func() {
		if s.current != s.idleTask {
			s.current.setState(Ready)
			s.runQueue.pushBack(s.current)
		}
		s.switchToNext()
	})
}

// DoYield is Reschedule without re-enqueuing the current task: it is used
// when a task is leaving Ready state entirely, for Waiting or Dead.
func (s *Scheduler) DoYield() {
	withIRQsMasked(func() {
		s.switchToNext()
	})
}

// KillCurrent marks the current task Dead and yields the CPU. It never
// returns.
func (s *Scheduler) KillCurrent() {
	s.current.setState(Dead)
	s.DoYield()
	panic("sched: KillCurrent resumed a dead task")
}

// switchToNext implements the scheduler's core routine: pop the next Ready
// task (or the idle task if none is queued), and if it differs from
// current, install it as current, activate its address space, update the
// per-CPU stack bookkeeping, and perform the architecture register swap.
// Callers hold IRQs masked.
func (s *Scheduler) switchToNext() {
	next := s.runQueue.popFront()
	if next == nil {
		next = s.idleTask
	}

	if next == s.current {
		return
	}

	next.setState(Running)

	old := s.current
	s.current = next

	if s.owner != nil {
		s.owner.CurrentKernelStack = next.KernelStack
		s.owner.CurrentUserStack = next.UserStack
	}

	if next.Process != nil {
		archActivateAddressSpace(next.Process.AddressSpace())
	}

	archSwitchContext(old, next)
}

// EnterCritical increments the preemption depth, blocking Reschedule from
// switching away from the current task until a matching ExitCritical call
// returns the depth to zero. Use it around code that reads or writes
// per-CPU state and cannot tolerate being moved to a different CPU.
func (s *Scheduler) EnterCritical() {
	s.preemptLevel++
}

// ExitCritical decrements the preemption depth.
func (s *Scheduler) ExitCritical() {
	if s.preemptLevel == 0 {
		panic("sched: ExitCritical without a matching EnterCritical")
	}
	s.preemptLevel--
}

// Preemptible reports whether this CPU's preemption depth has returned to
// zero, meaning a timer IPI may call Reschedule.
func (s *Scheduler) Preemptible() bool {
	return s.preemptLevel == 0
}

// withIRQsMasked disables interrupt delivery on the current CPU for the
// duration of fn and restores the previous state afterwards.
func withIRQsMasked(fn func()) {
	prev := archSetIRQState(false)
	fn()
	archSetIRQState(prev)
}
