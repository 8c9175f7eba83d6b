package nvme

import "menix/kernel/device/mmio"

const (
	sqeSizeBytes = 0x40
	cqeSizeBytes = 0x10

	// Completion queue entry field offsets (NVMe Base Specification §4.6.1).
	cqeDW2 = 0x08
	cqeDW3 = 0x0C
)

// SubmissionQueue is one NVMe submission queue: a ring of fixed-size
// command slots the driver writes into and advances the tail doorbell
// for.
type SubmissionQueue struct {
	id       uint16
	view     mmio.View
	doorbell mmio.View
	depth    uint16
	tail     uint16
}

// NewSubmissionQueue wraps an already-allocated, zeroed region of
// depth*64 bytes as queue id's submission ring.
func NewSubmissionQueue(ctrl *Controller, id uint16, depth uint16, view mmio.View) *SubmissionQueue {
	return &SubmissionQueue{
		id:       id,
		view:     view,
		doorbell: ctrl.regs.Sub(ctrl.sqDoorbell(id)),
		depth:    depth,
	}
}

func (q *SubmissionQueue) ID() uint16    { return q.id }
func (q *SubmissionQueue) Depth() uint16 { return q.depth }
func (q *SubmissionQueue) Address() uintptr { return q.view.Base }

// Submit writes cmd into the next slot with the given command identifier
// and rings the tail doorbell, returning the slot index used.
func (q *SubmissionQueue) Submit(cmd Command, cid uint16) uint16 {
	used := q.tail
	slot := q.view.Sub(uintptr(used) * sqeSizeBytes)
	cmd.WriteTo(slot)
	mmio.Write16(slot, 2, cid) // CDW0 bits 16..31

	q.tail = (q.tail + 1) % q.depth
	mmio.Write32(q.doorbell, 0, uint32(q.tail))
	return used
}

// CompletionQueue is one NVMe completion queue: a ring of fixed-size
// entries the controller writes into, distinguished from stale entries
// by a phase tag bit that flips every time the ring wraps.
type CompletionQueue struct {
	id       uint16
	view     mmio.View
	doorbell mmio.View
	depth    uint16
	head     uint16
	phase    bool
}

// NewCompletionQueue wraps an already-allocated, zeroed region of
// depth*16 bytes as queue id's completion ring. The phase tag starts
// true, matching every freshly zeroed completion queue (an entry whose
// phase bit reads 0 has not yet been written by the controller).
func NewCompletionQueue(ctrl *Controller, id uint16, depth uint16, view mmio.View) *CompletionQueue {
	return &CompletionQueue{
		id:       id,
		view:     view,
		doorbell: ctrl.regs.Sub(ctrl.cqDoorbell(id)),
		depth:    depth,
		phase:    true,
	}
}

func (q *CompletionQueue) ID() uint16       { return q.id }
func (q *CompletionQueue) Depth() uint16    { return q.depth }
func (q *CompletionQueue) Address() uintptr { return q.view.Base }

// Entry is a decoded completion queue entry.
type Entry struct {
	Result   uint32
	SQHead   uint16
	SQID     uint16
	CmdID    uint16
	PhaseTag bool
	Status   uint16
}

func (q *CompletionQueue) entrySlot(index uint16) mmio.View {
	return q.view.Sub(uintptr(index) * cqeSizeBytes)
}

// Poll returns the next completion entry if the controller has produced
// one (its phase tag matches the queue's current expected phase),
// advancing the head and ringing the head doorbell. ok is false if
// nothing new is available.
func (q *CompletionQueue) Poll() (entry Entry, ok bool) {
	slot := q.entrySlot(q.head)
	dw3 := mmio.Read32(slot, cqeDW3)
	phaseTag := dw3&(1<<16) != 0
	if phaseTag != q.phase {
		return Entry{}, false
	}

	dw2 := mmio.Read32(slot, cqeDW2)
	entry = Entry{
		Result:   mmio.Read32(slot, 0),
		SQHead:   uint16(dw2),
		SQID:     uint16(dw2 >> 16),
		CmdID:    uint16(dw3),
		PhaseTag: phaseTag,
		Status:   uint16(dw3 >> 17),
	}

	q.head++
	if q.head == q.depth {
		q.head = 0
		q.phase = !q.phase
	}
	mmio.Write32(q.doorbell, 0, uint32(q.head))
	return entry, true
}
