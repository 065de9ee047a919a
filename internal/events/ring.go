package events

import "github.com/ternarybob/nuntius/internal/interfaces"

// retentionRing keeps the most recent domain events in a fixed circular
// buffer for Last-Event-ID replay. Only live domain events enter the ring;
// heartbeats, lag markers, and snapshot events do not.
type retentionRing struct {
	buf  []interfaces.Event
	next int
	full bool
}

func newRetentionRing(size int) *retentionRing {
	return &retentionRing{buf: make([]interfaces.Event, size)}
}

func (r *retentionRing) add(event interfaces.Event) {
	r.buf[r.next] = event
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

// since returns retained events with Seq > afterSeq, oldest first. A nil
// filter matches every topic.
func (r *retentionRing) since(afterSeq uint64, filter map[interfaces.Topic]bool) []interfaces.Event {
	var out []interfaces.Event

	appendMatch := func(event interfaces.Event) {
		if event.Seq <= afterSeq {
			return
		}
		if filter != nil && !filter[event.Topic] {
			return
		}
		out = append(out, event)
	}

	if r.full {
		for i := r.next; i < len(r.buf); i++ {
			appendMatch(r.buf[i])
		}
	}
	for i := 0; i < r.next; i++ {
		appendMatch(r.buf[i])
	}
	return out
}
