package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/nuntius/internal/interfaces"
)

// fakeEventBus delivers a fixed set of events then closes the subscription,
// so the SSE handler drains and returns synchronously.
type fakeEventBus struct {
	live   []interfaces.Event
	replay []interfaces.Event

	subTopics    []interfaces.Topic
	subName      string
	replayAfter  uint64
	replayTopics []interfaces.Topic
	cancelled    bool
}

func (b *fakeEventBus) Publish(topic interfaces.Topic, taskID string, payload interface{}) {}

func (b *fakeEventBus) Subscribe(opts interfaces.SubscribeOptions) *interfaces.Subscription {
	b.subTopics = opts.Topics
	b.subName = opts.Name
	ch := make(chan interfaces.Event, len(b.live)+1)
	for _, event := range b.live {
		ch <- event
	}
	close(ch)
	return interfaces.NewSubscription("sub_1", ch, func() { b.cancelled = true })
}

func (b *fakeEventBus) Replay(afterSeq uint64, topics []interfaces.Topic) []interfaces.Event {
	b.replayAfter = afterSeq
	b.replayTopics = topics
	return b.replay
}

func (b *fakeEventBus) Close() {}

func streamEvent(seq uint64, topic interfaces.Topic, taskID string) interfaces.Event {
	return interfaces.Event{
		Topic:     topic,
		Seq:       seq,
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
	}
}

func TestStreamHandler_WritesFrames(t *testing.T) {
	bus := &fakeEventBus{
		live: []interfaces.Event{
			streamEvent(1, interfaces.TopicTaskCreated, "task_1"),
			streamEvent(2, interfaces.TopicTaskProgress, "task_1"),
		},
	}
	handler := NewEventsHandler(bus, testLogger())

	req := httptest.NewRequest("GET", "/api/events", nil)
	rec := httptest.NewRecorder()

	handler.StreamHandler(rec, req)

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.True(t, bus.cancelled, "subscription should be cancelled when the stream ends")

	body := rec.Body.String()
	assert.Contains(t, body, "id: 1\nevent: task-created\n")
	assert.Contains(t, body, "id: 2\nevent: task-progress\n")
	assert.Contains(t, body, `"task_id":"task_1"`)
}

func TestStreamHandler_TopicsFilterPropagates(t *testing.T) {
	bus := &fakeEventBus{}
	handler := NewEventsHandler(bus, testLogger())

	req := httptest.NewRequest("GET", "/api/events?topics=task-progress,milestone", nil)
	rec := httptest.NewRecorder()

	handler.StreamHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []interfaces.Topic{interfaces.TopicTaskProgress, interfaces.TopicMilestone}, bus.subTopics)
}

func TestStreamHandler_UnknownTopicRejected(t *testing.T) {
	handler := NewEventsHandler(&fakeEventBus{}, testLogger())

	req := httptest.NewRequest("GET", "/api/events?topics=gossip", nil)
	rec := httptest.NewRecorder()

	handler.StreamHandler(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "gossip")
}

func TestStreamHandler_LastEventIDReplaysGap(t *testing.T) {
	bus := &fakeEventBus{
		replay: []interfaces.Event{
			streamEvent(6, interfaces.TopicTaskProgress, "task_1"),
			streamEvent(7, interfaces.TopicTaskProgress, "task_1"),
		},
		// The live channel overlaps the replayed range; overlap must not
		// be delivered twice.
		live: []interfaces.Event{
			streamEvent(6, interfaces.TopicTaskProgress, "task_1"),
			streamEvent(7, interfaces.TopicTaskProgress, "task_1"),
			streamEvent(8, interfaces.TopicTaskCompleted, "task_1"),
		},
	}
	handler := NewEventsHandler(bus, testLogger())

	req := httptest.NewRequest("GET", "/api/events", nil)
	req.Header.Set("Last-Event-ID", "5")
	rec := httptest.NewRecorder()

	handler.StreamHandler(rec, req)

	assert.Equal(t, uint64(5), bus.replayAfter)

	body := rec.Body.String()
	assert.Equal(t, 1, strings.Count(body, "id: 6\n"))
	assert.Equal(t, 1, strings.Count(body, "id: 7\n"))
	assert.Equal(t, 1, strings.Count(body, "id: 8\n"))
}

func TestStreamHandler_BadLastEventID(t *testing.T) {
	handler := NewEventsHandler(&fakeEventBus{}, testLogger())

	req := httptest.NewRequest("GET", "/api/events", nil)
	req.Header.Set("Last-Event-ID", "not-a-number")
	rec := httptest.NewRecorder()

	handler.StreamHandler(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStreamHandler_HeartbeatIsComment(t *testing.T) {
	bus := &fakeEventBus{
		live: []interfaces.Event{
			{Topic: interfaces.TopicHeartbeat, Timestamp: time.Now().UTC()},
			streamEvent(3, interfaces.TopicMilestone, "task_1"),
		},
	}
	handler := NewEventsHandler(bus, testLogger())

	req := httptest.NewRequest("GET", "/api/events", nil)
	rec := httptest.NewRecorder()

	handler.StreamHandler(rec, req)

	body := rec.Body.String()
	assert.Contains(t, body, ": heartbeat\n\n")
	assert.NotContains(t, body, "event: heartbeat")
}

func TestStreamHandler_LagMarkerCarriesNoID(t *testing.T) {
	bus := &fakeEventBus{
		live: []interfaces.Event{
			{Topic: interfaces.TopicSubscriberLagged, Timestamp: time.Now().UTC(), Dropped: 17},
		},
	}
	handler := NewEventsHandler(bus, testLogger())

	req := httptest.NewRequest("GET", "/api/events", nil)
	rec := httptest.NewRecorder()

	handler.StreamHandler(rec, req)

	body := rec.Body.String()
	assert.Contains(t, body, "event: subscriber-lagged\n")
	assert.Contains(t, body, `"dropped":17`)
	assert.NotContains(t, body, "id:")
}
