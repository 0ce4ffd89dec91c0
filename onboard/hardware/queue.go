package hardware

import (
	"sync"
)

// commandQueue is an unbounded FIFO. Push never blocks, Pop blocks until a command is queued or the queue is closed
// and drained.
type commandQueue struct {
	lock   sync.Mutex
	ready  *sync.Cond
	items  []Command
	closed bool
}

func newCommandQueue() *commandQueue {
	q := new(commandQueue)
	q.ready = sync.NewCond(&q.lock)
	return q
}

// Push returns false once the queue has been closed.
func (q *commandQueue) Push(cmd Command) bool {
	q.lock.Lock()
	defer q.lock.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, cmd)
	q.ready.Signal()
	return true
}

func (q *commandQueue) Pop() (cmd Command, ok bool) {
	q.lock.Lock()
	defer q.lock.Unlock()

	for len(q.items) == 0 && !q.closed {
		q.ready.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}

	cmd = q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return cmd, true
}

func (q *commandQueue) Len() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.items)
}

func (q *commandQueue) Close() {
	q.lock.Lock()
	q.closed = true
	q.lock.Unlock()
	q.ready.Broadcast()
}
