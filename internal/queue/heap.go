package queue

import (
	"fmt"

	"github.com/snehjoshi/storyq/internal/types"
)

// entry is the registry record for one story. A story lives in exactly one
// place in its user's heap (idx >= 0) until it is delivered, cleared or pruned.
type entry struct {
	story *types.QueuedStory

	// idx is the entry's position in its user's heap, or -1 when the entry is
	// no longer live.
	idx int

	// cleared marks stories retired by ClearUserQueue rather than delivered.
	cleared bool
}

// storyHeap is an array-backed binary min-heap ordered by
// (Priority, EarliestTime). Every element carries its own index so that a
// delivered story can be removed in O(log n).
type storyHeap struct {
	items []*entry
}

// less is the two-key comparator. Ties beyond these keys are left to the heap.
func less(a, b *entry) bool {
	if a.story.Priority != b.story.Priority {
		return a.story.Priority < b.story.Priority
	}
	return a.story.EarliestTime.Before(b.story.EarliestTime)
}

func (h *storyHeap) len() int { return len(h.items) }

// peek returns the minimum element without removing it.
func (h *storyHeap) peek() *entry {
	if len(h.items) == 0 {
		return nil
	}
	return h.items[0]
}

func (h *storyHeap) push(e *entry) {
	e.idx = len(h.items)
	h.items = append(h.items, e)
	h.up(e.idx)
}

// remove takes e out of the heap. e must currently be a member.
func (h *storyHeap) remove(e *entry) {
	i := e.idx
	if i < 0 || i >= len(h.items) || h.items[i] != e {
		panic(fmt.Sprintf("queue: heap corrupted: story %s claims index %d of %d", e.story.ID, i, len(h.items)))
	}
	last := len(h.items) - 1
	if i != last {
		h.swap(i, last)
	}
	h.items[last] = nil
	h.items = h.items[:last]
	e.idx = -1
	if i != last {
		if !h.down(i) {
			h.up(i)
		}
	}
}

// filter keeps only the entries for which keep returns true and restores the
// heap property with a single heapify pass. Dropped entries get idx -1.
// It returns the dropped entries.
func (h *storyHeap) filter(keep func(*entry) bool) []*entry {
	var dropped []*entry
	n := 0
	for _, e := range h.items {
		if keep(e) {
			h.items[n] = e
			e.idx = n
			n++
			continue
		}
		e.idx = -1
		dropped = append(dropped, e)
	}
	if len(dropped) == 0 {
		return nil
	}
	clear(h.items[n:])
	h.items = h.items[:n]
	h.heapify()
	return dropped
}

// drain empties the heap and returns what it held, in heap order.
func (h *storyHeap) drain() []*entry {
	out := h.items
	for _, e := range out {
		e.idx = -1
	}
	h.items = nil
	return out
}

func (h *storyHeap) heapify() {
	for i := len(h.items)/2 - 1; i >= 0; i-- {
		h.down(i)
	}
}

func (h *storyHeap) swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].idx = i
	h.items[j].idx = j
}

func (h *storyHeap) up(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !less(h.items[i], h.items[parent]) {
			return
		}
		h.swap(i, parent)
		i = parent
	}
}

// down sifts i toward the leaves and reports whether it moved.
func (h *storyHeap) down(i int) bool {
	start := i
	n := len(h.items)
	for {
		l := 2*i + 1
		if l >= n {
			break
		}
		m := l
		if r := l + 1; r < n && less(h.items[r], h.items[l]) {
			m = r
		}
		if !less(h.items[m], h.items[i]) {
			break
		}
		h.swap(i, m)
		i = m
	}
	return i > start
}

// verify panics if the heap property or an index is broken. Used by tests.
func (h *storyHeap) verify() {
	for i, e := range h.items {
		if e.idx != i {
			panic(fmt.Sprintf("queue: heap corrupted: index %d holds entry claiming %d", i, e.idx))
		}
		if i > 0 && less(e, h.items[(i-1)/2]) {
			panic(fmt.Sprintf("queue: heap corrupted: element %d sorts before its parent", i))
		}
	}
}
