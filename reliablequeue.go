package tempest

import "container/heap"

// reliableItem is a single buffered (messageId, payload) pair waiting
// for its turn in the reorder buffer's heap.
type reliableItem struct {
	id   uint32
	args any
}

type reliableHeap []reliableItem

func (h reliableHeap) Len() int            { return len(h) }
func (h reliableHeap) Less(i, j int) bool  { return h[i].id < h[j].id }
func (h reliableHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *reliableHeap) Push(x interface{}) { *h = append(*h, x.(reliableItem)) }
func (h *reliableHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// ReliableQueue implements C4: a per-connection reorder buffer that
// releases the longest contiguous prefix of enqueued ids starting at
// lastDelivered+1 (spec.md §4.4). It is grounded on the same
// min-heap-plus-watermark bookkeeping the pack's UDP reliability
// handler uses for resend/reorder tracking, adapted here to use
// container/heap rather than a hand-rolled bitset since Tempest's ids
// are not assumed to fit in a bounded sliding window.
type ReliableQueue struct {
	lastDelivered uint32
	hasDelivered  bool
	pending       reliableHeap
	seen          map[uint32]struct{}
}

// NewReliableQueue creates an empty reorder buffer.
func NewReliableQueue() *ReliableQueue {
	q := &ReliableQueue{seen: make(map[uint32]struct{})}
	heap.Init(&q.pending)
	return q
}

// Enqueue records (id, args) and returns, in increasing id order, the
// longest run of now-deliverable entries. Duplicates (id already
// delivered, or already buffered) are silently dropped, matching
// spec.md's "duplicates (id ≤ lastDelivered) are dropped" plus the
// stronger guarantee that no id is ever delivered twice even if it
// arrives more than once while still buffered.
func (q *ReliableQueue) Enqueue(id uint32, args any) []any {
	if q.hasDelivered && id <= q.lastDelivered {
		return nil
	}
	if _, dup := q.seen[id]; dup {
		return nil
	}
	q.seen[id] = struct{}{}
	heap.Push(&q.pending, reliableItem{id: id, args: args})

	var ready []any
	for q.pending.Len() > 0 {
		next := q.pending[0]
		want := uint32(1)
		if q.hasDelivered {
			want = q.lastDelivered + 1
		}
		if next.id != want {
			break
		}
		heap.Pop(&q.pending)
		delete(q.seen, next.id)
		q.lastDelivered = next.id
		q.hasDelivered = true
		ready = append(ready, next.args)
	}
	return ready
}

// Clear discards all buffered state, used on disconnect (spec.md
// §4.4). The delivery watermark is also reset since the connection is
// going away.
func (q *ReliableQueue) Clear() {
	q.pending = q.pending[:0]
	q.seen = make(map[uint32]struct{})
	q.lastDelivered = 0
	q.hasDelivered = false
}

// Len reports the number of buffered, not-yet-deliverable entries.
func (q *ReliableQueue) Len() int { return q.pending.Len() }
