package broker

import (
	"container/heap"

	"github.com/canopy-search/canopy/internal/model"
)

// mergeHead is one cursor into a pre-sorted shard result list.
type mergeHead struct {
	doc  *model.Document
	list int
	pos  int
}

type mergeHeap struct {
	specs []model.SortField
	heads []mergeHead
}

func (h *mergeHeap) Len() int { return len(h.heads) }

func (h *mergeHeap) Less(i, j int) bool {
	return model.CompareDocs(h.specs, h.heads[i].doc, h.heads[j].doc) < 0
}

func (h *mergeHeap) Swap(i, j int) { h.heads[i], h.heads[j] = h.heads[j], h.heads[i] }

func (h *mergeHeap) Push(x any) { h.heads = append(h.heads, x.(mergeHead)) }

func (h *mergeHeap) Pop() any {
	old := h.heads
	n := len(old)
	item := old[n-1]
	h.heads = old[:n-1]
	return item
}

// kWayMerge merges per-shard lists that are each already ordered by the
// phased sort key. The heap orders on (sortKey, shardId, globalDocId), a
// total order, so output is deterministic. It yields at most k documents or
// until every list drains.
func kWayMerge(lists [][]*model.Document, specs []model.SortField, k int) []*model.Document {
	h := &mergeHeap{specs: specs}
	for i, list := range lists {
		if len(list) > 0 {
			h.heads = append(h.heads, mergeHead{doc: list[0], list: i, pos: 0})
		}
	}
	heap.Init(h)

	var out []*model.Document
	for h.Len() > 0 && (k <= 0 || len(out) < k) {
		head := heap.Pop(h).(mergeHead)
		out = append(out, head.doc)
		next := head.pos + 1
		if next < len(lists[head.list]) {
			heap.Push(h, mergeHead{doc: lists[head.list][next], list: head.list, pos: next})
		}
	}
	return out
}
