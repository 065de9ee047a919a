package frontier

import "sort"

// entryHeap implements heap.Interface over entry items. Comparison reaches
// back into the frontier for the live per-host fetch counts, so items must
// only move while the frontier lock is held.
type entryHeap struct {
	items []*entryItem
	f     *Frontier
}

func (h *entryHeap) Len() int { return len(h.items) }

func (h *entryHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if a.entry.Effective != b.entry.Effective {
		return a.entry.Effective > b.entry.Effective
	}
	fetchesA := h.f.hostRecent[a.entry.Host]
	fetchesB := h.f.hostRecent[b.entry.Host]
	if fetchesA != fetchesB {
		return fetchesA < fetchesB
	}
	return a.entry.Seq < b.entry.Seq
}

func (h *entryHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *entryHeap) Push(x interface{}) {
	item := x.(*entryItem)
	item.index = len(h.items)
	h.items = append(h.items, item)
}

func (h *entryHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	h.items = old[:n-1]
	item.index = -1
	return item
}

func sortInt64s(values []int64) {
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
}
