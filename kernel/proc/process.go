// Package proc implements processes: groups of tasks sharing an address
// space and an identity, with a file descriptor table and parent/child
// bookkeeping.
package proc

import (
	"sync/atomic"

	"menix/kernel"
	"menix/kernel/mem/vm"
	"menix/kernel/sched"
	gosync "menix/kernel/sync"
)

// Status is a process's coarse lifecycle state.
type Status uint8

const (
	// Running means the process has at least one task that has not exited.
	Running Status = iota
	// Exited means Exit has been called; ExitCode holds the recorded code.
	Exited
)

// FileDescription is whatever a file descriptor table entry points at.
// This package has no filesystem of its own; callers that do (a VFS layer)
// implement this to make their open files reachable through a Process's fd
// table.
type FileDescription interface {
	Close() *kernel.Error
}

var ErrNoFreeFD = &kernel.Error{Module: "proc", Message: "no free file descriptor"}
var ErrBadFD = &kernel.Error{Module: "proc", Message: "file descriptor not open"}

// defaultMmapHead is the first address handed out for anonymous mappings
// that don't request a fixed address, matching the original kernel's
// reserved low userspace region.
const defaultMmapHead = uintptr(0x1000_0000)

// Process is a group of tasks that share an AddressSpace and an Identity.
// Invariant: every Task in tasks has this Process as its ProcessHandle;
// Exit sets status and reaps tasks and file descriptors exactly once.
type Process struct {
	mu gosync.Mutex

	id     uint64
	name   string
	parent *Process

	children []*Process
	tasks    []*sched.Task

	space *vm.AddressSpace

	identity  Identity
	openFiles map[int]FileDescription
	mmapHead  uintptr

	status   Status
	exitCode uint8
}

var nextPID atomic.Uint64

// NewProcess creates a process named name, owning space, and parented to
// parent. A nil parent makes it a root process (such as the kernel
// process) that inherits KernelIdentity instead of a parent's credentials.
func NewProcess(name string, parent *Process, space *vm.AddressSpace) *Process {
	identity := KernelIdentity()
	if parent != nil {
		parent.mu.Lock()
		identity = parent.identity.Clone()
		parent.mu.Unlock()
	}

	p := &Process{
		id:        nextPID.Add(1),
		name:      name,
		parent:    parent,
		space:     space,
		identity:  identity,
		openFiles: make(map[int]FileDescription),
		mmapHead:  defaultMmapHead,
	}

	if parent != nil {
		parent.mu.Lock()
		parent.children = append(parent.children, p)
		parent.mu.Unlock()
	}

	return p
}

// ID returns the process's unique identifier.
func (p *Process) ID() uint64 { return p.id }

// Name returns the process's display name.
func (p *Process) Name() string { return p.name }

// Parent returns the process's parent, or nil for a root process.
func (p *Process) Parent() *Process { return p.parent }

// AddressSpace implements sched.ProcessHandle, returning the physical
// address of this process's root page table, or 0 for a process with no
// address space of its own (none is expected in normal operation).
func (p *Process) AddressSpace() uintptr {
	if p.space == nil {
		return 0
	}
	return p.space.Table().GetHeadAddr()
}

// Space returns the process's AddressSpace, for mapping or fault handling.
func (p *Process) Space() *vm.AddressSpace { return p.space }

// Identity returns a copy of the process's current credentials.
func (p *Process) Identity() Identity {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.identity
}

// Status reports whether the process is still running and, if not, its
// exit code.
func (p *Process) Status() (Status, uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status, p.exitCode
}

// AddTask registers t as one of this process's tasks.
func (p *Process) AddTask(t *sched.Task) {
	p.mu.Lock()
	p.tasks = append(p.tasks, t)
	p.mu.Unlock()
}

// Tasks returns a snapshot of the process's current task list.
func (p *Process) Tasks() []*sched.Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*sched.Task(nil), p.tasks...)
}

// Children returns a snapshot of the process's child list.
func (p *Process) Children() []*Process {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Process(nil), p.children...)
}

// OpenFile installs file at the lowest unused descriptor number and returns
// it.
func (p *Process) OpenFile(file FileDescription) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	fd := 0
	for {
		if _, used := p.openFiles[fd]; !used {
			break
		}
		fd++
	}
	p.openFiles[fd] = file
	return fd
}

// GetFD returns the file description installed at fd, if any.
func (p *Process) GetFD(fd int) (FileDescription, *kernel.Error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	f, ok := p.openFiles[fd]
	if !ok {
		return nil, ErrBadFD
	}
	return f, nil
}

// CloseFD closes and removes the file descriptor fd.
func (p *Process) CloseFD(fd int) *kernel.Error {
	p.mu.Lock()
	f, ok := p.openFiles[fd]
	if ok {
		delete(p.openFiles, fd)
	}
	p.mu.Unlock()

	if !ok {
		return ErrBadFD
	}
	return f.Close()
}

// NextMmapHint returns the process's current hint for the next anonymous
// mapping and advances it past length bytes.
func (p *Process) NextMmapHint(length uintptr) uintptr {
	p.mu.Lock()
	defer p.mu.Unlock()

	hint := p.mmapHead
	p.mmapHead += length
	return hint
}

// Fork creates a child process sharing this process's identity and a
// copy-on-write fork of its address space, per vm.AddressSpace.Fork. The
// caller is responsible for creating and scheduling the child's first
// task — duplicating the calling task's register state is architecture
// work this package does not do.
func (p *Process) Fork() (*Process, *kernel.Error) {
	p.mu.Lock()
	space := p.space
	p.mu.Unlock()

	var childSpace *vm.AddressSpace
	if space != nil {
		var err *kernel.Error
		childSpace, err = space.Fork()
		if err != nil {
			return nil, err
		}
	}

	return NewProcess(p.name, p, childSpace), nil
}

// Exit records code as the process's exit status and reaps its file
// descriptors. It is idempotent: calling Exit on an already-exited process
// has no further effect. Tasks are expected to already be Dead by the time
// Exit runs (each task reaches Dead by calling its own scheduler's
// KillCurrent); Exit does not itself kill running tasks.
func (p *Process) Exit(code uint8) {
	p.mu.Lock()
	if p.status == Exited {
		p.mu.Unlock()
		return
	}
	p.status = Exited
	p.exitCode = code
	files := p.openFiles
	p.openFiles = make(map[int]FileDescription)
	p.tasks = nil
	p.mu.Unlock()

	for _, f := range files {
		_ = f.Close()
	}
}
