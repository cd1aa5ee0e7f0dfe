package batch

import "container/heap"

type queued struct {
	b     *Batch
	seq   uint64
	index int
}

type batchHeap []*queued

func (h batchHeap) Len() int { return len(h) }

func (h batchHeap) Less(i, j int) bool {
	if ri, rj := h[i].b.Priority.rank(), h[j].b.Priority.rank(); ri != rj {
		return ri < rj
	}
	return h[i].seq < h[j].seq
}

func (h batchHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *batchHeap) Push(x any) {
	q := x.(*queued)
	q.index = len(*h)
	*h = append(*h, q)
}

func (h *batchHeap) Pop() any {
	old := *h
	n := len(old)
	q := old[n-1]
	old[n-1] = nil
	q.index = -1
	*h = old[:n-1]
	return q
}

// queue orders pending batches: high before normal before low, FIFO within
// a priority. Not safe for concurrent use; the processor serializes access.
type queue struct {
	h    batchHeap
	byID map[string]*queued
	seq  uint64
}

func newQueue() *queue {
	return &queue{byID: make(map[string]*queued)}
}

func (q *queue) push(b *Batch) {
	q.seq++
	item := &queued{b: b, seq: q.seq}
	heap.Push(&q.h, item)
	q.byID[b.ID] = item
}

// pop removes and returns the highest-priority batch, or nil when empty.
func (q *queue) pop() *Batch {
	if q.h.Len() == 0 {
		return nil
	}
	item := heap.Pop(&q.h).(*queued)
	delete(q.byID, item.b.ID)
	return item.b
}

// remove takes the batch out of the queue. Reports false when the batch is
// not queued (already picked up or never enqueued).
func (q *queue) remove(id string) bool {
	item, ok := q.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&q.h, item.index)
	delete(q.byID, id)
	return true
}

func (q *queue) len() int { return q.h.Len() }
