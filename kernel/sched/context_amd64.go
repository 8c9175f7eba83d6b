package sched

var (
	// archSwitchContext transfers control from old to next: it saves the
	// current machine registers into old.Ctx, loads next.Ctx, and switches
	// the stack. The real implementation never returns into its caller on
	// the first switch into a task — execution resumes here only when some
	// other task switches back to old. The default here, which the tests
	// run with, is a no-op.
	archSwitchContext = func(old, next *Task) {}

	// archActivateAddressSpace installs the page table for the given
	// address space handle as the current one, or does nothing if
	// addressSpace is 0 (meaning "stay in whatever is active").
	archActivateAddressSpace = func(addressSpace uintptr) {}

	// archSetIRQState enables or disables interrupt delivery on the current
	// CPU and returns the previous state.
	archSetIRQState = func(enabled bool) (prev bool) { return true }
)
