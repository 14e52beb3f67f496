package relaypool

import (
	"sync"

	"github.com/nbd-wtf/go-nostr"
)

// Frame is one deduplicated event together with the relay it arrived from.
type Frame struct {
	Relay string
	Event *nostr.Event
}

// dropPriority orders kinds for overflow eviction: zap receipts go first,
// then text notes, and contact lists last.
func dropPriority(kind int) int {
	switch kind {
	case nostr.KindZap:
		return 0
	case nostr.KindTextNote:
		return 1
	case nostr.KindFollowList:
		return 2
	default:
		return 1
	}
}

// frameQueue is a bounded FIFO between the relay readers and the router.
// Push never blocks: when the queue is full the oldest frame of the lowest
// priority class present is evicted and counted as a drop.
type frameQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []Frame
	max    int
	closed bool
	drops  map[int]uint64 // kind → dropped frames
}

func newFrameQueue(max int) *frameQueue {
	q := &frameQueue{max: max, drops: make(map[int]uint64)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push enqueues f, evicting on overflow.
func (q *frameQueue) Push(f Frame) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}

	if len(q.items) >= q.max {
		q.evictLocked()
	}
	q.items = append(q.items, f)
	q.cond.Signal()
}

// evictLocked removes the oldest frame of the lowest-priority kind present.
func (q *frameQueue) evictLocked() {
	victim := -1
	victimPrio := int(^uint(0) >> 1)
	for i, f := range q.items {
		if p := dropPriority(f.Event.Kind); p < victimPrio {
			victim, victimPrio = i, p
			if p == 0 {
				break
			}
		}
	}
	if victim < 0 {
		victim = 0
	}
	q.drops[q.items[victim].Event.Kind]++
	q.items = append(q.items[:victim], q.items[victim+1:]...)
}

// Pop blocks until a frame is available or the queue is closed.
func (q *frameQueue) Pop() (Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return Frame{}, false
	}
	f := q.items[0]
	q.items = q.items[1:]
	return f, true
}

// Close wakes all waiters; pending frames are still drained by Pop.
func (q *frameQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Drops returns a copy of the per-kind drop counters.
func (q *frameQueue) Drops() map[int]uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[int]uint64, len(q.drops))
	for k, v := range q.drops {
		out[k] = v
	}
	return out
}
