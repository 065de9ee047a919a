package models

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWorkerLineProgress(t *testing.T) {
	event, err := ParseWorkerLine(`PROGRESS {"current":12,"total":200,"message":"fetched https://example.com/news"}`)
	require.NoError(t, err)
	require.NotNil(t, event.Progress)
	assert.Equal(t, WorkerPrefixProgress, event.Prefix)
	assert.Equal(t, int64(12), event.Progress.Current)
	assert.Equal(t, int64(200), event.Progress.Total)
}

func TestParseWorkerLineQueue(t *testing.T) {
	event, err := ParseWorkerLine(`QUEUE {"action":"enqueued","url":"https://example.com/a","host":"example.com","depth":2,"queue_size":17}`)
	require.NoError(t, err)
	require.NotNil(t, event.Queue)
	assert.Equal(t, QueueActionEnqueued, event.Queue.Action)
	assert.Equal(t, 2, event.Queue.Depth)
	assert.Equal(t, 17, event.Queue.QueueSize)
}

func TestParseWorkerLineProblem(t *testing.T) {
	event, err := ParseWorkerLine(`PROBLEM {"kind":"fetch-error","scope":"url","target":"https://example.com/x","message":"status 503"}`)
	require.NoError(t, err)
	require.NotNil(t, event.Problem)
	assert.Equal(t, "fetch-error", event.Problem.Kind)
	assert.Equal(t, "https://example.com/x", event.Problem.Target)
}

func TestParseWorkerLineMilestone(t *testing.T) {
	event, err := ParseWorkerLine(`MILESTONE {"kind":"first-article","message":"first article stored","details":{"url":"https://example.com/a"}}`)
	require.NoError(t, err)
	require.NotNil(t, event.Milestone)
	assert.Equal(t, "first-article", event.Milestone.Kind)
	assert.Equal(t, "https://example.com/a", event.Milestone.Details["url"])
}

func TestParseWorkerLinePlannerStage(t *testing.T) {
	event, err := ParseWorkerLine(`PLANNER_STAGE {"stage":"seed","rationale":"3 start urls, 2 verified hubs","estimated_cost_ms":420,"decision":"enqueue 5"}`)
	require.NoError(t, err)
	require.NotNil(t, event.PlannerStage)
	assert.Equal(t, "seed", event.PlannerStage.Stage)
	assert.Equal(t, int64(420), event.PlannerStage.EstimatedCostMS)
}

func TestParseWorkerLineError(t *testing.T) {
	event, err := ParseWorkerLine(`ERROR {"message":"store unavailable after retries","fatal":true}`)
	require.NoError(t, err)
	require.NotNil(t, event.Error)
	assert.True(t, event.Error.Fatal)
}

func TestParseWorkerLineCache(t *testing.T) {
	event, err := ParseWorkerLine(`CACHE {"url":"https://example.com/a","hit":true}`)
	require.NoError(t, err)
	require.NotNil(t, event.Cache)
	assert.True(t, event.Cache.Hit)
}

func TestParseWorkerLineUnrecognized(t *testing.T) {
	// Chatty library output must be skippable, not fatal
	for _, line := range []string{
		"",
		"   ",
		"some stray library print",
		"DEBUG everything is fine",
		"PROGRESS",
	} {
		_, err := ParseWorkerLine(line)
		var notWorker *ErrNotWorkerLine
		require.Error(t, err, "line %q", line)
		assert.True(t, errors.As(err, &notWorker), "line %q should be ErrNotWorkerLine", line)
	}
}

func TestParseWorkerLineMalformedPayload(t *testing.T) {
	_, err := ParseWorkerLine(`PROGRESS {broken json`)
	require.Error(t, err)
	var notWorker *ErrNotWorkerLine
	assert.False(t, errors.As(err, &notWorker), "recognized prefix with bad JSON is a protocol error, not noise")
}

func TestFormatParseRoundTrip(t *testing.T) {
	line, err := FormatWorkerLine(WorkerPrefixQueue, &QueuePayload{
		Action:    QueueActionDequeued,
		URL:       "https://example.com/next",
		Host:      "example.com",
		Depth:     1,
		QueueSize: 9,
	})
	require.NoError(t, err)

	event, err := ParseWorkerLine(line)
	require.NoError(t, err)
	require.NotNil(t, event.Queue)
	assert.Equal(t, QueueActionDequeued, event.Queue.Action)
	assert.Equal(t, "https://example.com/next", event.Queue.URL)
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "new-south-wales", Slugify("New South Wales"))
	assert.Equal(t, "st-johns", Slugify("St Johns "))
	assert.Equal(t, "100-mile-house", Slugify("100 Mile House"))
}
