package interfaces

import "time"

// Topic names one event stream on the bus
type Topic string

const (
	TopicTaskCreated       Topic = "task-created"
	TopicTaskStatusChanged Topic = "task-status-changed"
	TopicTaskProgress      Topic = "task-progress"
	TopicTaskCompleted     Topic = "task-completed"
	TopicTaskError         Topic = "task-error"
	TopicTaskProblem       Topic = "task-problem"
	TopicQueueEvent        Topic = "queue-event"
	TopicPlannerStage      Topic = "planner-stage"
	TopicMilestone         Topic = "milestone"
	TopicJobListChanged    Topic = "job-list-changed"

	// Synthetic topics injected by the bus itself
	TopicHeartbeat        Topic = "heartbeat"
	TopicSubscriberLagged Topic = "subscriber-lagged"
)

// AllTopics returns the subscribable domain topics (synthetic topics are
// delivered regardless of the subscription set).
func AllTopics() []Topic {
	return []Topic{
		TopicTaskCreated,
		TopicTaskStatusChanged,
		TopicTaskProgress,
		TopicTaskCompleted,
		TopicTaskError,
		TopicTaskProblem,
		TopicQueueEvent,
		TopicPlannerStage,
		TopicMilestone,
		TopicJobListChanged,
	}
}

// Event is the bus envelope. Seq increases strictly per bus instance, so a
// gap between consecutive events seen by one subscriber implies a
// subscriber-lagged marker was delivered between them.
type Event struct {
	Topic     Topic       `json:"topic"`
	Seq       uint64      `json:"seq"`
	TaskID    string      `json:"task_id,omitempty"`
	Timestamp time.Time   `json:"ts"`
	Payload   interface{} `json:"payload,omitempty"`
	// Dropped is set only on subscriber-lagged markers: the number of
	// events this subscriber missed since its previous delivery.
	Dropped int `json:"dropped,omitempty"`
}

// SnapshotFunc produces the initial events a new subscriber receives before
// live delivery begins.
type SnapshotFunc func() []Event

// SubscribeOptions configure one subscription
type SubscribeOptions struct {
	// Topics filters delivery; empty subscribes to all domain topics.
	Topics []Topic
	// Snapshot, when set, is invoked once and its events are delivered
	// first (with Seq 0, outside the live sequence).
	Snapshot SnapshotFunc
	// Name tags the subscription in logs.
	Name string
}

// Subscription is one live attachment to the bus
type Subscription struct {
	ID     string
	C      <-chan Event
	cancel func()
}

// NewSubscription is used by bus implementations to assemble a subscription
func NewSubscription(id string, c <-chan Event, cancel func()) *Subscription {
	return &Subscription{ID: id, C: c, cancel: cancel}
}

// Cancel detaches the subscription; its channel is closed afterwards
func (s *Subscription) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

// EventBus is the in-process fan-out bus connecting the orchestrator to the
// SSE, WebSocket, and CLI consumers. Publish never blocks on slow
// subscribers.
type EventBus interface {
	Publish(topic Topic, taskID string, payload interface{})
	Subscribe(opts SubscribeOptions) *Subscription
	// Replay returns retained events with Seq greater than afterSeq,
	// optionally filtered by topic, for SSE Last-Event-ID resumption.
	Replay(afterSeq uint64, topics []Topic) []Event
	Close()
}
