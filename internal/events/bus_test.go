package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/nuntius/internal/common"
	"github.com/ternarybob/nuntius/internal/interfaces"
)

func newTestBus(t *testing.T, config *common.EventsConfig) *Bus {
	if config == nil {
		config = &common.EventsConfig{
			SubscriberBuffer:  256,
			RetentionSize:     1024,
			HeartbeatInterval: time.Minute,
		}
	}
	bus := NewBus(arbor.NewLogger(), config)
	t.Cleanup(bus.Close)
	return bus
}

func TestBus_PublishAndReceive(t *testing.T) {
	bus := newTestBus(t, nil)

	sub := bus.Subscribe(interfaces.SubscribeOptions{Name: "test"})
	defer sub.Cancel()

	bus.Publish(interfaces.TopicTaskCreated, "task-1", map[string]string{"type": "crawl"})

	event := <-sub.C
	assert.Equal(t, interfaces.TopicTaskCreated, event.Topic)
	assert.Equal(t, "task-1", event.TaskID)
	assert.Equal(t, uint64(1), event.Seq)
	assert.False(t, event.Timestamp.IsZero())
}

func TestBus_SequencesStrictlyIncrease(t *testing.T) {
	bus := newTestBus(t, nil)

	sub := bus.Subscribe(interfaces.SubscribeOptions{Name: "seq"})
	defer sub.Cancel()

	// Concurrent publishers still produce one global order
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				bus.Publish(interfaces.TopicTaskProgress, "task-1", j)
			}
		}()
	}
	wg.Wait()

	var last uint64
	for i := 0; i < 100; i++ {
		event := <-sub.C
		assert.Greater(t, event.Seq, last, "sequence must strictly increase")
		last = event.Seq
	}
}

func TestBus_TopicFilter(t *testing.T) {
	bus := newTestBus(t, nil)

	sub := bus.Subscribe(interfaces.SubscribeOptions{
		Name:   "filtered",
		Topics: []interfaces.Topic{interfaces.TopicTaskCompleted},
	})
	defer sub.Cancel()

	bus.Publish(interfaces.TopicTaskProgress, "task-1", nil)
	bus.Publish(interfaces.TopicTaskCompleted, "task-1", nil)

	event := <-sub.C
	assert.Equal(t, interfaces.TopicTaskCompleted, event.Topic)
	select {
	case extra := <-sub.C:
		t.Fatalf("unexpected event: %v", extra.Topic)
	default:
	}
}

func TestBus_SlowSubscriberGetsLagMarker(t *testing.T) {
	bus := newTestBus(t, &common.EventsConfig{
		SubscriberBuffer:  4,
		RetentionSize:     64,
		HeartbeatInterval: time.Minute,
	})

	sub := bus.Subscribe(interfaces.SubscribeOptions{Name: "slow"})
	defer sub.Cancel()

	// Fill the buffer, then overflow it without reading
	for i := 0; i < 10; i++ {
		bus.Publish(interfaces.TopicQueueEvent, "task-1", i)
	}

	var seqs []uint64
	for i := 0; i < 4; i++ {
		event := <-sub.C
		seqs = append(seqs, event.Seq)
	}
	assert.Equal(t, []uint64{1, 2, 3, 4}, seqs)

	// The next delivery is preceded by a marker carrying the missed count
	bus.Publish(interfaces.TopicQueueEvent, "task-1", 10)

	marker := <-sub.C
	require.Equal(t, interfaces.TopicSubscriberLagged, marker.Topic)
	assert.Equal(t, 6, marker.Dropped)

	next := <-sub.C
	assert.Equal(t, interfaces.TopicQueueEvent, next.Topic)
	assert.Equal(t, uint64(11), next.Seq)
}

func TestBus_PublishNeverBlocks(t *testing.T) {
	bus := newTestBus(t, &common.EventsConfig{
		SubscriberBuffer:  1,
		RetentionSize:     64,
		HeartbeatInterval: time.Minute,
	})

	sub := bus.Subscribe(interfaces.SubscribeOptions{Name: "stuck"})
	defer sub.Cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			bus.Publish(interfaces.TopicTaskProgress, "task-1", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestBus_SnapshotDeliveredFirst(t *testing.T) {
	bus := newTestBus(t, nil)

	bus.Publish(interfaces.TopicTaskCreated, "task-1", nil)

	sub := bus.Subscribe(interfaces.SubscribeOptions{
		Name: "snapshot",
		Snapshot: func() []interfaces.Event {
			return []interfaces.Event{
				{Topic: interfaces.TopicTaskStatusChanged, TaskID: "task-1", Payload: "running"},
				{Topic: interfaces.TopicTaskStatusChanged, TaskID: "task-2", Payload: "pending"},
			}
		},
	})
	defer sub.Cancel()

	bus.Publish(interfaces.TopicTaskProgress, "task-1", nil)

	first := <-sub.C
	second := <-sub.C
	live := <-sub.C

	assert.Equal(t, uint64(0), first.Seq)
	assert.Equal(t, "task-1", first.TaskID)
	assert.Equal(t, uint64(0), second.Seq)
	assert.Equal(t, "task-2", second.TaskID)
	assert.Equal(t, interfaces.TopicTaskProgress, live.Topic)
	assert.Equal(t, uint64(2), live.Seq)
}

func TestBus_Replay(t *testing.T) {
	bus := newTestBus(t, nil)

	bus.Publish(interfaces.TopicTaskCreated, "task-1", nil)
	bus.Publish(interfaces.TopicTaskProgress, "task-1", nil)
	bus.Publish(interfaces.TopicTaskProgress, "task-1", nil)
	bus.Publish(interfaces.TopicTaskCompleted, "task-1", nil)

	all := bus.Replay(2, nil)
	require.Len(t, all, 2)
	assert.Equal(t, uint64(3), all[0].Seq)
	assert.Equal(t, uint64(4), all[1].Seq)

	completed := bus.Replay(0, []interfaces.Topic{interfaces.TopicTaskCompleted})
	require.Len(t, completed, 1)
	assert.Equal(t, uint64(4), completed[0].Seq)
}

func TestBus_ReplayAfterRingWrap(t *testing.T) {
	bus := newTestBus(t, &common.EventsConfig{
		SubscriberBuffer:  16,
		RetentionSize:     4,
		HeartbeatInterval: time.Minute,
	})

	for i := 0; i < 6; i++ {
		bus.Publish(interfaces.TopicQueueEvent, "task-1", i)
	}

	// Only the newest 4 survive
	events := bus.Replay(0, nil)
	require.Len(t, events, 4)
	assert.Equal(t, uint64(3), events[0].Seq)
	assert.Equal(t, uint64(6), events[3].Seq)
}

func TestBus_Heartbeat(t *testing.T) {
	bus := newTestBus(t, &common.EventsConfig{
		SubscriberBuffer:  16,
		RetentionSize:     16,
		HeartbeatInterval: 40 * time.Millisecond,
	})

	sub := bus.Subscribe(interfaces.SubscribeOptions{Name: "idle"})
	defer sub.Cancel()

	select {
	case event := <-sub.C:
		assert.Equal(t, interfaces.TopicHeartbeat, event.Topic)
	case <-time.After(time.Second):
		t.Fatal("no heartbeat on an idle channel")
	}
}

func TestBus_CancelDetachesSubscriber(t *testing.T) {
	bus := newTestBus(t, nil)

	first := bus.Subscribe(interfaces.SubscribeOptions{Name: "first"})
	second := bus.Subscribe(interfaces.SubscribeOptions{Name: "second"})
	defer second.Cancel()

	first.Cancel()
	// Cancelling twice is harmless
	first.Cancel()

	bus.Publish(interfaces.TopicTaskCreated, "task-1", nil)

	_, open := <-first.C
	assert.False(t, open, "cancelled channel should be closed")

	event := <-second.C
	assert.Equal(t, interfaces.TopicTaskCreated, event.Topic)
}

func TestBus_Close(t *testing.T) {
	bus := NewBus(arbor.NewLogger(), &common.EventsConfig{
		SubscriberBuffer:  16,
		RetentionSize:     16,
		HeartbeatInterval: time.Minute,
	})

	sub := bus.Subscribe(interfaces.SubscribeOptions{Name: "closing"})
	bus.Close()

	_, open := <-sub.C
	assert.False(t, open)

	// All no-ops after close
	bus.Publish(interfaces.TopicTaskCreated, "task-1", nil)
	late := bus.Subscribe(interfaces.SubscribeOptions{Name: "late"})
	_, open = <-late.C
	assert.False(t, open)
	bus.Close()
}
