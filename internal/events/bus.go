package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/nuntius/internal/common"
	"github.com/ternarybob/nuntius/internal/interfaces"
)

const (
	defaultSubscriberBuffer  = 256
	defaultRetentionSize     = 1024
	defaultHeartbeatInterval = 30 * time.Second
)

// Bus is the in-process event bus. One instance serves the whole server:
// the orchestrator publishes, the SSE/WebSocket handlers and CLI followers
// subscribe. Sequence numbers are assigned under the bus lock, so every
// subscriber observes domain events in one global order.
type Bus struct {
	logger arbor.ILogger

	mu     sync.Mutex
	seq    uint64
	subs   map[string]*subscriber
	ring   *retentionRing
	closed bool

	bufSize   int
	heartbeat time.Duration
	stop      chan struct{}
	done      chan struct{}
}

// subscriber is one attached consumer. dropped accumulates while its channel
// is full; the next successful delivery is preceded by a lag marker carrying
// that count.
type subscriber struct {
	id           string
	name         string
	topics       map[interfaces.Topic]bool // nil means all domain topics
	ch           chan interfaces.Event
	dropped      int
	lastDelivery time.Time
}

// NewBus creates an event bus and starts its heartbeat loop
func NewBus(logger arbor.ILogger, config *common.EventsConfig) *Bus {
	bufSize := defaultSubscriberBuffer
	retention := defaultRetentionSize
	heartbeat := defaultHeartbeatInterval
	if config != nil {
		if config.SubscriberBuffer > 0 {
			bufSize = config.SubscriberBuffer
		}
		if config.RetentionSize > 0 {
			retention = config.RetentionSize
		}
		if config.HeartbeatInterval > 0 {
			heartbeat = config.HeartbeatInterval
		}
	}

	b := &Bus{
		logger:    logger,
		subs:      make(map[string]*subscriber),
		ring:      newRetentionRing(retention),
		bufSize:   bufSize,
		heartbeat: heartbeat,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go b.heartbeatLoop()
	return b
}

// Publish assigns the next sequence number and fans the event out to every
// matching subscriber. It never blocks: a full subscriber channel drops the
// event and bumps that subscriber's lag count instead.
func (b *Bus) Publish(topic interfaces.Topic, taskID string, payload interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.seq++
	event := interfaces.Event{
		Topic:     topic,
		Seq:       b.seq,
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	b.ring.add(event)

	for _, sub := range b.subs {
		if sub.topics != nil && !sub.topics[topic] {
			continue
		}
		b.deliver(sub, event)
	}
}

// deliver sends one event to a subscriber, flushing a pending lag marker
// first. Caller holds b.mu.
func (b *Bus) deliver(sub *subscriber, event interfaces.Event) {
	if sub.dropped > 0 {
		marker := interfaces.Event{
			Topic:     interfaces.TopicSubscriberLagged,
			Timestamp: time.Now().UTC(),
			Dropped:   sub.dropped,
		}
		select {
		case sub.ch <- marker:
			b.logger.Warn().
				Str("subscriber", sub.name).
				Int("dropped", sub.dropped).
				Msg("Subscriber lagged, events dropped")
			sub.dropped = 0
		default:
			// Still no room; this event is lost too
			sub.dropped++
			return
		}
	}

	select {
	case sub.ch <- event:
		sub.lastDelivery = time.Now()
	default:
		sub.dropped++
	}
}

// Subscribe attaches a consumer. Snapshot events, when provided, land in the
// channel before any live event, carrying Seq 0.
func (b *Bus) Subscribe(opts interfaces.SubscribeOptions) *interfaces.Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.New().String()
	ch := make(chan interfaces.Event, b.bufSize)

	if b.closed {
		close(ch)
		return interfaces.NewSubscription(id, ch, func() {})
	}

	sub := &subscriber{
		id:           id,
		name:         opts.Name,
		ch:           ch,
		lastDelivery: time.Now(),
	}
	if sub.name == "" {
		sub.name = id[:8]
	}
	if len(opts.Topics) > 0 {
		sub.topics = make(map[interfaces.Topic]bool, len(opts.Topics))
		for _, topic := range opts.Topics {
			sub.topics[topic] = true
		}
	}

	if opts.Snapshot != nil {
		for _, event := range opts.Snapshot() {
			event.Seq = 0
			select {
			case ch <- event:
			default:
				sub.dropped++
			}
		}
	}

	b.subs[id] = sub
	b.logger.Debug().
		Str("subscriber", sub.name).
		Int("topics", len(opts.Topics)).
		Msg("Event subscriber attached")

	return interfaces.NewSubscription(id, ch, func() { b.unsubscribe(id) })
}

func (b *Bus) unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(sub.ch)
	b.logger.Debug().Str("subscriber", sub.name).Msg("Event subscriber detached")
}

// Replay returns retained events with Seq greater than afterSeq, oldest
// first, optionally filtered by topic.
func (b *Bus) Replay(afterSeq uint64, topics []interfaces.Topic) []interfaces.Event {
	var filter map[interfaces.Topic]bool
	if len(topics) > 0 {
		filter = make(map[interfaces.Topic]bool, len(topics))
		for _, topic := range topics {
			filter[topic] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ring.since(afterSeq, filter)
}

// Close terminates every subscriber channel and stops the heartbeat loop.
// Publish and Subscribe afterwards are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
	b.mu.Unlock()

	close(b.stop)
	<-b.done
	b.logger.Debug().Msg("Event bus closed")
}

// heartbeatLoop keeps quiet subscriber channels warm so stream consumers can
// distinguish an idle bus from a dead one.
func (b *Bus) heartbeatLoop() {
	defer close(b.done)

	// Tick at half the interval so the gap between deliveries on an idle
	// channel never exceeds one full interval.
	ticker := time.NewTicker(b.heartbeat / 2)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.mu.Lock()
			if b.closed {
				b.mu.Unlock()
				return
			}
			now := time.Now()
			for _, sub := range b.subs {
				if now.Sub(sub.lastDelivery) < b.heartbeat/2 {
					continue
				}
				select {
				case sub.ch <- interfaces.Event{
					Topic:     interfaces.TopicHeartbeat,
					Timestamp: now.UTC(),
				}:
					sub.lastDelivery = now
				default:
					// Full channel already has traffic waiting
				}
			}
			b.mu.Unlock()
		}
	}
}
