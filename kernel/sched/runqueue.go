package sched

import gosync "menix/kernel/sync"

// runQueue is a FIFO list of Ready tasks, linked through Task.next so no
// allocation is needed to enqueue or dequeue once a Task exists.
type runQueue struct {
	lock gosync.Spinlock
	head *Task
	tail *Task
	len  int
}

// pushBack enqueues t at the tail of the queue. Callers must not hold lock.
func (q *runQueue) pushBack(t *Task) {
	q.lock.Acquire()
	t.next = nil
	if q.tail == nil {
		q.head, q.tail = t, t
	} else {
		q.tail.next = t
		q.tail = t
	}
	q.len++
	q.lock.Release()
}

// popFront dequeues and returns the head of the queue, or nil if it is
// empty.
func (q *runQueue) popFront() *Task {
	q.lock.Acquire()
	t := q.head
	if t != nil {
		q.head = t.next
		if q.head == nil {
			q.tail = nil
		}
		t.next = nil
		q.len--
	}
	q.lock.Release()
	return t
}

// length returns the number of tasks currently queued.
func (q *runQueue) length() int {
	q.lock.Acquire()
	n := q.len
	q.lock.Release()
	return n
}
