package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/nuntius/internal/interfaces"
)

// EventsHandler streams the event bus over Server-Sent Events
type EventsHandler struct {
	bus    interfaces.EventBus
	logger arbor.ILogger
}

// NewEventsHandler creates a new EventsHandler
func NewEventsHandler(bus interfaces.EventBus, logger arbor.ILogger) *EventsHandler {
	return &EventsHandler{
		bus:    bus,
		logger: logger,
	}
}

// StreamHandler serves the SSE stream. Each frame carries the bus sequence
// number as its SSE id, so a reconnecting client sends Last-Event-ID and the
// retention ring fills the gap. Heartbeats go out as comment frames.
// GET /api/events?topics=task-progress,milestone
func (h *EventsHandler) StreamHandler(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	topics, err := parseTopics(queryList(r, "topics"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	lastSeq, err := parseLastEventID(r.Header.Get("Last-Event-ID"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Subscribe before replaying so nothing published during the replay is
	// missed; duplicates across the handoff are skipped by sequence below.
	sub := h.bus.Subscribe(interfaces.SubscribeOptions{
		Topics: topics,
		Name:   "sse:" + r.RemoteAddr,
	})
	defer sub.Cancel()

	// The server write timeout would cut the stream off; clear the deadline
	// for this connection. Recorders used in tests don't support deadlines.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	lastSent := lastSeq
	if lastSeq > 0 {
		for _, event := range h.bus.Replay(lastSeq, topics) {
			if err := writeSSE(w, event); err != nil {
				return
			}
			lastSent = event.Seq
		}
		flusher.Flush()
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, open := <-sub.C:
			if !open {
				return
			}
			if event.Topic == interfaces.TopicHeartbeat {
				if _, err := io.WriteString(w, ": heartbeat\n\n"); err != nil {
					return
				}
				flusher.Flush()
				continue
			}
			if event.Seq != 0 && event.Seq <= lastSent {
				// Already delivered through the replay
				continue
			}
			if err := writeSSE(w, event); err != nil {
				return
			}
			if event.Seq > lastSent {
				lastSent = event.Seq
			}
			flusher.Flush()
		}
	}
}

// writeSSE emits one frame. Events outside the live sequence (lag markers,
// snapshots) omit the id line so clients never resume from them.
func writeSSE(w io.Writer, event interfaces.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if event.Seq > 0 {
		_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.Seq, event.Topic, data)
	} else {
		_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Topic, data)
	}
	return err
}

// parseTopics validates requested topic names against the bus catalogue
func parseTopics(values []string) ([]interfaces.Topic, error) {
	if len(values) == 0 {
		return nil, nil
	}
	known := make(map[interfaces.Topic]bool)
	for _, topic := range interfaces.AllTopics() {
		known[topic] = true
	}
	topics := make([]interfaces.Topic, 0, len(values))
	for _, value := range values {
		topic := interfaces.Topic(value)
		if !known[topic] {
			return nil, fmt.Errorf("unknown topic %q", value)
		}
		topics = append(topics, topic)
	}
	return topics, nil
}

func parseLastEventID(raw string) (uint64, error) {
	if raw == "" {
		return 0, nil
	}
	seq, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid Last-Event-ID %q", raw)
	}
	return seq, nil
}
