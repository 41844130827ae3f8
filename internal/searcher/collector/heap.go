package collector

import (
	"container/heap"

	"github.com/canopy-search/canopy/internal/model"
)

// topK is a bounded heap keeping the best size documents under the phased
// sort order. The heap top is the worst admitted document, so admission
// checks and eviction are O(log n).
type topK struct {
	specs []model.SortField
	docs  []*model.Document
	size  int
}

func newTopK(specs []model.SortField, size int) *topK {
	return &topK{specs: specs, size: size}
}

func (t *topK) Len() int { return len(t.docs) }

func (t *topK) Less(i, j int) bool {
	// Worst first: the heap root is the eviction candidate.
	return model.CompareDocs(t.specs, t.docs[i], t.docs[j]) > 0
}

func (t *topK) Swap(i, j int) { t.docs[i], t.docs[j] = t.docs[j], t.docs[i] }

func (t *topK) Push(x any) { t.docs = append(t.docs, x.(*model.Document)) }

func (t *topK) Pop() any {
	old := t.docs
	n := len(old)
	item := old[n-1]
	t.docs = old[:n-1]
	return item
}

// Full reports whether the heap has reached its bound.
func (t *topK) Full() bool { return len(t.docs) >= t.size }

// Worst returns the current eviction candidate, or nil when the heap is
// empty.
func (t *topK) Worst() *model.Document {
	if len(t.docs) == 0 {
		return nil
	}
	return t.docs[0]
}

// Offer admits the document, evicting the worst when over the bound.
func (t *topK) Offer(doc *model.Document) {
	if t.size <= 0 {
		return
	}
	heap.Push(t, doc)
	if len(t.docs) > t.size {
		heap.Pop(t)
	}
}

// Drain empties the heap returning documents best-first.
func (t *topK) Drain() []*model.Document {
	out := make([]*model.Document, len(t.docs))
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(t).(*model.Document)
	}
	return out
}
