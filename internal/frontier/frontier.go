package frontier

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/nuntius/internal/common"
	"github.com/ternarybob/nuntius/internal/models"
)

// EventSink receives one queue event per frontier mutation. The crawl loop
// wires it to the worker's QUEUE output lines.
type EventSink func(event models.QueueEvent)

// Entry is one queued URL with its scoring state
type Entry struct {
	URL             string
	NormalizedURL   string
	Host            string
	Depth           int
	Priority        float64 // base priority as proposed
	Effective       float64 // base adjusted for cost bonus and host penalty
	Source          models.CandidateSource
	EstimatedCostMS int64
	Seq             uint64 // insertion order, final tiebreak
}

// Frontier is the per-crawl URL priority queue. Ordering is effective
// priority descending, then fewest recent fetches for the entry's host, then
// insertion order. A normalized URL enters at most once per crawl, whether
// or not it has already been dequeued.
type Frontier struct {
	mu sync.Mutex

	heap      *entryHeap
	seen      map[string]bool       // normalized URL, for the life of the crawl
	byNorm    map[string]*entryItem // queued entries only
	hostItems map[string]map[string]*entryItem

	hostFetch  map[string][]time.Time // dequeue timestamps inside the window
	hostRecent map[string]int         // len(hostFetch[host]) after pruning

	durations []int64 // rolling fetch durations for the p95 estimate

	nextSeq  uint64
	dequeued int

	costAware    bool
	costBonusCap float64
	costWindow   int
	hostWindow   time.Duration
	hostBurst    int
	hostPenalty  float64
	maxSize      int

	sink EventSink
}

type entryItem struct {
	entry Entry
	index int
}

// New creates a frontier. costAware enables the cost-bonus term of effective
// priority; off, entries score on base priority and host fairness alone.
func New(config *common.FrontierConfig, costAware bool, sink EventSink) *Frontier {
	f := &Frontier{
		seen:         make(map[string]bool),
		byNorm:       make(map[string]*entryItem),
		hostItems:    make(map[string]map[string]*entryItem),
		hostFetch:    make(map[string][]time.Time),
		hostRecent:   make(map[string]int),
		costAware:    costAware,
		costBonusCap: 0.3,
		costWindow:   200,
		hostWindow:   60 * time.Second,
		hostBurst:    4,
		hostPenalty:  10,
		maxSize:      50000,
		sink:         sink,
	}
	if config != nil {
		if config.CostBonusCap > 0 {
			f.costBonusCap = config.CostBonusCap
		}
		if config.CostWindow > 0 {
			f.costWindow = config.CostWindow
		}
		if config.HostWindow > 0 {
			f.hostWindow = config.HostWindow
		}
		if config.HostBurst > 0 {
			f.hostBurst = config.HostBurst
		}
		if config.HostPenalty > 0 {
			f.hostPenalty = config.HostPenalty
		}
		if config.MaxSize > 0 {
			f.maxSize = config.MaxSize
		}
	}
	f.heap = &entryHeap{f: f}
	heap.Init(f.heap)
	return f
}

// Enqueue admits a candidate. Returns true when the frontier changed: a new
// entry was added, or an existing one was raised to a higher base priority.
// A duplicate at equal or lower priority is skipped; priorities never drop.
func (f *Frontier) Enqueue(c models.Candidate) (bool, error) {
	normalized, err := models.NormalizeURL(c.URL)
	if err != nil {
		return false, fmt.Errorf("cannot enqueue: %w", err)
	}
	host := models.HostOf(c.URL)

	f.mu.Lock()
	defer f.mu.Unlock()

	if item, queued := f.byNorm[normalized]; queued {
		if c.Priority > item.entry.Priority {
			item.entry.Priority = c.Priority
			item.entry.Effective = f.effective(item.entry.Priority, item.entry.EstimatedCostMS, item.entry.Host)
			heap.Fix(f.heap, item.index)
			f.emit(models.QueueActionReprioritized, item.entry.URL, host, c.Depth, "")
			return true, nil
		}
		f.emit(models.QueueActionSkipped, c.URL, host, c.Depth, "already queued")
		return false, nil
	}
	if f.seen[normalized] {
		f.emit(models.QueueActionSkipped, c.URL, host, c.Depth, "already seen")
		return false, nil
	}

	f.pruneHost(host, time.Now())
	entry := Entry{
		URL:             c.URL,
		NormalizedURL:   normalized,
		Host:            host,
		Depth:           c.Depth,
		Priority:        c.Priority,
		Source:          c.Source,
		EstimatedCostMS: c.EstimatedCostMS,
		Seq:             f.nextSeq,
	}
	entry.Effective = f.effective(entry.Priority, entry.EstimatedCostMS, host)

	if f.heap.Len() >= f.maxSize {
		worst := f.worstItem()
		if worst == nil || entry.Effective <= worst.entry.Effective {
			f.emit(models.QueueActionRejected, c.URL, host, c.Depth, "frontier full")
			return false, nil
		}
		f.removeItem(worst)
		f.emit(models.QueueActionRejected, worst.entry.URL, worst.entry.Host, worst.entry.Depth, "displaced by higher priority")
	}

	f.nextSeq++
	f.seen[normalized] = true
	item := &entryItem{entry: entry}
	f.byNorm[normalized] = item
	if f.hostItems[host] == nil {
		f.hostItems[host] = make(map[string]*entryItem)
	}
	f.hostItems[host][normalized] = item
	heap.Push(f.heap, item)

	f.emit(models.QueueActionEnqueued, c.URL, host, c.Depth, "")
	return true, nil
}

// Dequeue removes and returns the best entry, or false on an empty frontier
func (f *Frontier) Dequeue() (Entry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now()
	// Settle any hosts whose fairness window moved before trusting the top
	for f.heap.Len() > 0 {
		top := f.heap.items[0]
		if f.refreshHost(top.entry.Host, now) {
			continue
		}

		item := heap.Pop(f.heap).(*entryItem)
		delete(f.byNorm, item.entry.NormalizedURL)
		f.detachHostItem(item)
		f.dequeued++

		f.hostFetch[item.entry.Host] = append(f.hostFetch[item.entry.Host], now)
		f.refreshHost(item.entry.Host, now)

		f.emit(models.QueueActionDequeued, item.entry.URL, item.entry.Host, item.entry.Depth, "")
		return item.entry, true
	}
	return Entry{}, false
}

// Observe feeds one fetch duration into the rolling window behind the p95
// estimate used by cost-aware scoring.
func (f *Frontier) Observe(durationMS int64) {
	if durationMS <= 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.durations = append(f.durations, durationMS)
	if len(f.durations) > f.costWindow {
		f.durations = f.durations[len(f.durations)-f.costWindow:]
	}
}

// Len returns the number of queued entries
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heap.Len()
}

// Stats summarizes frontier state for telemetry
type Stats struct {
	Size     int            `json:"size"`
	Seen     int            `json:"seen"`
	Dequeued int            `json:"dequeued"`
	Hosts    map[string]int `json:"hosts,omitempty"` // in-window fetch counts
}

// Snapshot returns the current stats and up to limit of the best entries
func (f *Frontier) Snapshot(limit int) (Stats, []Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()

	stats := Stats{
		Size:     f.heap.Len(),
		Seen:     len(f.seen),
		Dequeued: f.dequeued,
		Hosts:    make(map[string]int, len(f.hostRecent)),
	}
	for host, count := range f.hostRecent {
		if count > 0 {
			stats.Hosts[host] = count
		}
	}

	if limit <= 0 || f.heap.Len() == 0 {
		return stats, nil
	}

	// Walk a heap copy so the snapshot comes out in dequeue order
	scratch := &entryHeap{f: f, items: make([]*entryItem, f.heap.Len())}
	copy(scratch.items, f.heap.items)
	heap.Init(scratch)

	n := limit
	if n > scratch.Len() {
		n = scratch.Len()
	}
	entries := make([]Entry, 0, n)
	for i := 0; i < n; i++ {
		entries = append(entries, heap.Pop(scratch).(*entryItem).entry)
	}
	return stats, entries
}

// effective computes the scoring priority for one entry. Caller holds f.mu.
func (f *Frontier) effective(base float64, estimatedMS int64, host string) float64 {
	eff := base * f.costFactor(estimatedMS)
	if over := f.hostRecent[host] - f.hostBurst; over > 0 {
		eff -= f.hostPenalty * float64(over)
	}
	return eff
}

// costFactor returns the multiplier 1 + clamp(1 - est/p95, 0, cap). Entries
// with no estimate, or before any durations are observed, score unchanged.
func (f *Frontier) costFactor(estimatedMS int64) float64 {
	if !f.costAware || estimatedMS <= 0 {
		return 1
	}
	p95 := percentile95(f.durations)
	if p95 <= 0 {
		return 1
	}
	bonus := 1 - float64(estimatedMS)/float64(p95)
	if bonus < 0 {
		bonus = 0
	}
	if bonus > f.costBonusCap {
		bonus = f.costBonusCap
	}
	return 1 + bonus
}

// pruneHost drops window-expired fetches for a host. Caller holds f.mu.
func (f *Frontier) pruneHost(host string, now time.Time) {
	fetches := f.hostFetch[host]
	cutoff := now.Add(-f.hostWindow)
	keep := 0
	for keep < len(fetches) && fetches[keep].Before(cutoff) {
		keep++
	}
	if keep > 0 {
		fetches = fetches[keep:]
		f.hostFetch[host] = fetches
	}
	f.hostRecent[host] = len(fetches)
}

// refreshHost re-scores a host's queued entries after its fairness window
// changed. Returns true when anything moved. Caller holds f.mu.
func (f *Frontier) refreshHost(host string, now time.Time) bool {
	before := f.hostRecent[host]
	f.pruneHost(host, now)
	if f.hostRecent[host] == before {
		return false
	}

	for _, item := range f.hostItems[host] {
		item.entry.Effective = f.effective(item.entry.Priority, item.entry.EstimatedCostMS, host)
		heap.Fix(f.heap, item.index)
	}
	return true
}

func (f *Frontier) detachHostItem(item *entryItem) {
	byHost := f.hostItems[item.entry.Host]
	delete(byHost, item.entry.NormalizedURL)
	if len(byHost) == 0 {
		delete(f.hostItems, item.entry.Host)
	}
}

// worstItem scans for the entry the cap should displace first. Only runs
// when the frontier is full. Caller holds f.mu.
func (f *Frontier) worstItem() *entryItem {
	var worst *entryItem
	for _, item := range f.heap.items {
		if worst == nil || item.entry.Effective < worst.entry.Effective ||
			(item.entry.Effective == worst.entry.Effective && item.entry.Seq > worst.entry.Seq) {
			worst = item
		}
	}
	return worst
}

func (f *Frontier) removeItem(item *entryItem) {
	heap.Remove(f.heap, item.index)
	delete(f.byNorm, item.entry.NormalizedURL)
	f.detachHostItem(item)
	// The URL stays in seen: a displaced entry is not re-admittable
}

func (f *Frontier) emit(action models.QueueAction, url, host string, depth int, reason string) {
	if f.sink == nil {
		return
	}
	f.sink(models.QueueEvent{
		Timestamp: time.Now().UTC(),
		Action:    action,
		URL:       url,
		Host:      host,
		Depth:     depth,
		Reason:    reason,
		QueueSize: f.heap.Len(),
	})
}

func percentile95(durations []int64) int64 {
	if len(durations) == 0 {
		return 0
	}
	sorted := make([]int64, len(durations))
	copy(sorted, durations)
	sortInt64s(sorted)

	idx := (len(sorted)*95 + 99) / 100
	if idx > 0 {
		idx--
	}
	return sorted[idx]
}
