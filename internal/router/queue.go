package router

import (
	"sort"
	"time"
)

// receiverQueue is a bounded priority queue for one receiver. Ordering is
// priority-descending, insertion-order stable within a priority. Not
// goroutine-safe; the router serializes access.
type receiverQueue struct {
	items    []*Message
	capacity int
}

func newReceiverQueue(capacity int) *receiverQueue {
	return &receiverQueue{capacity: capacity}
}

// push inserts the message in priority order. When the queue is full the
// oldest message of the lowest priority class is dropped to make room;
// the dropped message is returned so the caller can account for it.
func (q *receiverQueue) push(msg *Message) (dropped *Message) {
	// First index whose priority is strictly lower: equal priorities keep
	// insertion order.
	idx := sort.Search(len(q.items), func(i int) bool {
		return q.items[i].Priority < msg.Priority
	})

	q.items = append(q.items, nil)
	copy(q.items[idx+1:], q.items[idx:])
	q.items[idx] = msg

	if len(q.items) <= q.capacity {
		return nil
	}

	// Lowest priority class sits at the tail; its oldest member is the
	// first element of that block.
	lowest := q.items[len(q.items)-1].Priority
	block := len(q.items) - 1
	for block > 0 && q.items[block-1].Priority == lowest {
		block--
	}
	dropped = q.items[block]
	q.items = append(q.items[:block], q.items[block+1:]...)
	return dropped
}

// pop removes and returns the head message, skipping and discarding
// expired entries. Returns nil when the queue is drained.
func (q *receiverQueue) pop(now time.Time) (*Message, []*Message) {
	var expired []*Message
	for len(q.items) > 0 {
		head := q.items[0]
		q.items = q.items[1:]
		if head.ExpiredAt(now) {
			expired = append(expired, head)
			continue
		}
		return head, expired
	}
	return nil, expired
}

func (q *receiverQueue) len() int {
	return len(q.items)
}
