package engine

import (
	"container/heap"
	"strings"
)

// Queue names, highest rank first.
const (
	QueueHigh           = "high"
	QueueDefault        = "default"
	QueueReports        = "reports"
	QueueMonitoring     = "monitoring"
	QueueDataProcessing = "data-processing"
)

// Queues lists every queue in rank order.
var Queues = []string{QueueHigh, QueueDefault, QueueReports, QueueMonitoring, QueueDataProcessing}

// QueueRank returns the position of name in Queues.
func QueueRank(name string) (int, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, q := range Queues {
		if q == name {
			return i, true
		}
	}
	return 0, false
}

// unitHeap orders units by priority, highest first, then by arrival.
type unitHeap []*unit

func (h unitHeap) Len() int { return len(h) }

func (h unitHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h unitHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *unitHeap) Push(x any) { *h = append(*h, x.(*unit)) }

func (h *unitHeap) Pop() any {
	old := *h
	n := len(old)
	u := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return u
}

// queueSet holds one heap per queue.
type queueSet struct {
	heaps []unitHeap
}

func newQueueSet() *queueSet {
	return &queueSet{heaps: make([]unitHeap, len(Queues))}
}

func (s *queueSet) push(rank int, u *unit) {
	heap.Push(&s.heaps[rank], u)
}

// pop takes the best unit from queues ranked at or above maxRank.
func (s *queueSet) pop(maxRank int) (*unit, bool) {
	for rank := 0; rank <= maxRank && rank < len(s.heaps); rank++ {
		if s.heaps[rank].Len() > 0 {
			return heap.Pop(&s.heaps[rank]).(*unit), true
		}
	}
	return nil, false
}

func (s *queueSet) depth() map[string]int {
	out := make(map[string]int, len(Queues))
	for rank, h := range s.heaps {
		out[Queues[rank]] = h.Len()
	}
	return out
}
