package sync

// Mutex is a blocking mutual-exclusion lock. Lock spins on the internal
// Spinlock rather than parking the caller on a wait queue, so a contended
// Lock busy-waits exactly as a Spinlock does.
type Mutex struct {
	spin Spinlock
}

// Lock blocks until the mutex can be acquired.
func (m *Mutex) Lock() {
	m.spin.Acquire()
}

// TryLock attempts to acquire the mutex without blocking.
func (m *Mutex) TryLock() bool {
	return m.spin.TryToAcquire()
}

// Unlock releases a held mutex.
func (m *Mutex) Unlock() {
	m.spin.Release()
}

// irqDepth tracks how many nested IrqMutex sections are active on the
// current CPU. Interrupts are disabled on the first Lock and re-enabled
// only when the matching Unlock brings the depth back to zero, so a
// function that takes an IrqMutex while already holding one does not
// re-enable interrupts out from under its caller.
var irqDepth uint32

// IrqMutex is a Mutex safe to take from a context where interrupts must
// stay disabled for the duration of the critical section: acquiring it
// disables interrupts on the current CPU and releasing it restores them
// once the nesting depth returns to zero.
type IrqMutex struct {
	spin Spinlock
}

// Lock disables interrupts on the current CPU and blocks until the mutex
// can be acquired.
func (m *IrqMutex) Lock() {
	archSetIRQState(false)
	irqDepth++
	m.spin.Acquire()
}

// Unlock releases the mutex and re-enables interrupts once every nested
// IrqMutex section on this CPU has been released.
func (m *IrqMutex) Unlock() {
	m.spin.Release()
	irqDepth--
	if irqDepth == 0 {
		archSetIRQState(true)
	}
}

// archSetIRQState enables or disables interrupt delivery on the current
// CPU and returns the previous state.
func archSetIRQState(enabled bool) (prev bool)
