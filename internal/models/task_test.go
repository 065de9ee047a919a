package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTask(t *testing.T) {
	task := NewTask("compress", map[string]interface{}{"limit": 100})

	require.NotEmpty(t, task.ID)
	assert.Equal(t, "compress", task.Type)
	assert.Equal(t, TaskStatusPending, task.Status)
	assert.Equal(t, 100, task.GetConfigInt("limit", 0))
	assert.Nil(t, task.StartedAt)
	assert.Nil(t, task.CompletedAt)
	require.NoError(t, task.Validate())
}

func TestTaskIDsAreUnique(t *testing.T) {
	a := NewTask("compress", nil)
	b := NewTask("compress", nil)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestStatusIsTerminal(t *testing.T) {
	assert.True(t, TaskStatusCompleted.IsTerminal())
	assert.True(t, TaskStatusFailed.IsTerminal())
	assert.True(t, TaskStatusCancelled.IsTerminal())
	assert.False(t, TaskStatusPending.IsTerminal())
	assert.False(t, TaskStatusRunning.IsTerminal())
	assert.False(t, TaskStatusPaused.IsTerminal())
	assert.False(t, TaskStatusResuming.IsTerminal())
}

func TestCanTransition(t *testing.T) {
	// Happy-path lifecycle edges
	assert.True(t, CanTransition(TaskStatusPending, TaskStatusRunning))
	assert.True(t, CanTransition(TaskStatusRunning, TaskStatusPaused))
	assert.True(t, CanTransition(TaskStatusPaused, TaskStatusRunning))
	assert.True(t, CanTransition(TaskStatusRunning, TaskStatusCompleted))
	assert.True(t, CanTransition(TaskStatusResuming, TaskStatusRunning))
	assert.True(t, CanTransition(TaskStatusRunning, TaskStatusResuming))
	assert.True(t, CanTransition(TaskStatusPending, TaskStatusCancelled))

	// Terminal states accept nothing
	for _, terminal := range []TaskStatus{TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled} {
		for _, next := range []TaskStatus{TaskStatusPending, TaskStatusRunning, TaskStatusPaused, TaskStatusCancelled} {
			assert.False(t, CanTransition(terminal, next), "%s -> %s must be rejected", terminal, next)
		}
	}

	// Pause only applies to live runs
	assert.False(t, CanTransition(TaskStatusPending, TaskStatusPaused))
}

func TestMarkStartedClearsResumeMarker(t *testing.T) {
	task := NewTask("crawl", nil)
	task.MarkResuming()
	require.NotNil(t, task.ResumeStartedAt)
	require.Equal(t, TaskStatusResuming, task.Status)

	task.MarkStarted()
	assert.Equal(t, TaskStatusRunning, task.Status)
	assert.Nil(t, task.ResumeStartedAt)
	assert.NotNil(t, task.StartedAt)
}

func TestMarkStartedKeepsOriginalStartTime(t *testing.T) {
	task := NewTask("crawl", nil)
	task.MarkStarted()
	first := *task.StartedAt

	time.Sleep(5 * time.Millisecond)
	task.MarkStarted()
	assert.Equal(t, first, *task.StartedAt)
}

func TestMarkFailedSetsCompletion(t *testing.T) {
	task := NewTask("crawl", nil)
	task.MarkStarted()
	task.MarkFailed("worker exited with code 3")

	assert.Equal(t, TaskStatusFailed, task.Status)
	assert.Equal(t, "worker exited with code 3", task.ErrorMessage)
	assert.NotNil(t, task.CompletedAt)
}

func TestCloneIsDeep(t *testing.T) {
	task := NewTask("crawl", map[string]interface{}{"url": "https://example.com"})
	task.SetMetadata("pid", 1234)

	clone := task.Clone()
	clone.Config["url"] = "https://other.example"
	clone.Metadata["pid"] = 9

	assert.Equal(t, "https://example.com", task.GetConfigString("url", ""))
	assert.Equal(t, 1234, task.GetMetadataInt("pid", 0))
}

func TestConfigGettersHandleJSONNumbers(t *testing.T) {
	// Values round-tripped through JSON arrive as float64
	task := NewTask("compress", map[string]interface{}{
		"limit":   float64(250),
		"dry_run": true,
		"label":   "sweep",
		"hosts":   []interface{}{"a.example", "b.example"},
	})

	assert.Equal(t, 250, task.GetConfigInt("limit", 0))
	assert.Equal(t, 250.0, task.GetConfigFloat("limit", 0))
	assert.True(t, task.GetConfigBool("dry_run", false))
	assert.Equal(t, "sweep", task.GetConfigString("label", ""))
	assert.Equal(t, []string{"a.example", "b.example"}, task.GetConfigStringSlice("hosts"))

	assert.Equal(t, 7, task.GetConfigInt("missing", 7))
	assert.Equal(t, "x", task.GetConfigString("missing", "x"))
}

func TestProgressPercentage(t *testing.T) {
	assert.Equal(t, float64(0), Progress{Current: 5, Total: 0}.Percentage())
	assert.Equal(t, float64(50), Progress{Current: 5, Total: 10}.Percentage())
	assert.Equal(t, float64(100), Progress{Current: 20, Total: 10}.Percentage())
}
