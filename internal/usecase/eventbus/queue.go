package eventbus

import (
	"container/heap"

	"github.com/moe-serifu-circle/moe-serifu-agent/internal/domain"
)

type queued struct {
	event *domain.Event
	seq   uint64
}

// eventQueue is a max-heap on priority; equal priorities pop in fire order.
type eventQueue []queued

var _ heap.Interface = (*eventQueue)(nil)

func (q eventQueue) Len() int { return len(q) }

func (q eventQueue) Less(i, j int) bool {
	if q[i].event.Priority != q[j].event.Priority {
		return q[i].event.Priority > q[j].event.Priority
	}
	return q[i].seq < q[j].seq
}

func (q eventQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *eventQueue) Push(x any) { *q = append(*q, x.(queued)) }

func (q *eventQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = queued{}
	*q = old[:n-1]
	return item
}
