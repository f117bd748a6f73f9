package session

import "container/heap"

// Outbound message priority classes. Lower values are served first by the
// shaper: Goodbye must win a race against anything already queued,
// Hello/Cancel/Credit/Close/Reset are control signals that should not queue
// behind a backlog of Data, and Request/Response/Data share the data class.
const (
	prioGoodbye = 0
	prioControl = 1
	prioData    = 2
)

// outboundReq is one queued write: the value plus a channel the submitter
// blocks on for the write's outcome.
type outboundReq struct {
	priority int
	seq      uint64
	result   chan error

	send func() error // the actual write, bound to one adapter.Send(msg) call
}

// outboundHeap is a container/heap.Interface ordering by (priority, seq):
// control classes first, FIFO within a class.
type outboundHeap []outboundReq

func (h outboundHeap) Len() int { return len(h) }
func (h outboundHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h outboundHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *outboundHeap) Push(x any)   { *h = append(*h, x.(outboundReq)) }
func (h *outboundHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

var _ = heap.Interface(&outboundHeap{})
