package orchestrator

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/nuntius/internal/common"
	"github.com/ternarybob/nuntius/internal/interfaces"
	"github.com/ternarybob/nuntius/internal/models"
)

// The runner tests exercise real subprocess supervision: the worker binary is
// this test binary re-executed with -test.run=TestHelperWorker, and the seed
// URL's hostname selects the scripted behavior.

const helperEnv = "NUNTIUS_WORKER_HELPER"

type recordingSink struct {
	mu      sync.Mutex
	updates []models.Progress
}

func (s *recordingSink) Update(current, total int64, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, models.Progress{Current: current, Total: total, Message: message})
}

func (s *recordingSink) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.updates))
	for i, u := range s.updates {
		out[i] = u.Message
	}
	return out
}

func (s *recordingSink) last() (models.Progress, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.updates) == 0 {
		return models.Progress{}, false
	}
	return s.updates[len(s.updates)-1], true
}

func waitForMessage(t *testing.T, sink *recordingSink, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, m := range sink.messages() {
			if m == want {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("progress message %q never arrived (got %v)", want, sink.messages())
}

func crawlTask(seed string, extra map[string]interface{}) *models.Task {
	config := map[string]interface{}{models.ConfigKeyURL: seed}
	for k, v := range extra {
		config[k] = v
	}
	task := models.NewTask(models.TaskTypeCrawl, config)
	task.MarkStarted()
	return task
}

// lenientConfig keeps every watchdog far away from the test's critical path
func lenientConfig() *common.CrawlerConfig {
	return &common.CrawlerConfig{
		UserAgent:     "nuntius-test/1.0",
		SpawnDeadline: 5 * time.Second,
		SilenceWindow: 5 * time.Second,
		StallWindow:   5 * time.Second,
		StopGrace:     2 * time.Second,
	}
}

func newTestRunner(t *testing.T, config *common.CrawlerConfig, task *models.Task, sink interfaces.ProgressSink) (*crawlRunner, *mockStorageManager, *mockBus) {
	t.Helper()
	t.Setenv(helperEnv, "1")

	storage := newMockStorage()
	storage.tasks.put(task)
	bus := &mockBus{}

	runner, err := newCrawlRunner(config, os.Args[0], []string{"-test.run=TestHelperWorker", "--"}, "test.db", arbor.NewLogger(), interfaces.RunnerDeps{
		Task:     task,
		Progress: sink,
		Bus:      bus,
		Storage:  storage,
	})
	require.NoError(t, err)
	return runner, storage, bus
}

func TestCrawlRunner_BuildArgs(t *testing.T) {
	task := crawlTask("https://news.example.com/front", map[string]interface{}{
		models.ConfigKeyMaxPages: 40,
		models.ConfigKeyMaxDepth: 2,
		models.ConfigKeyCategory: "news",
		models.ConfigKeyFlags: map[string]interface{}{
			"use_cache":         true,
			"pattern_discovery": true,
		},
	})
	storage := newMockStorage()
	storage.tasks.put(task)

	runner, err := newCrawlRunner(lenientConfig(), "nuntius-worker", nil, "nuntius.db", arbor.NewLogger(), interfaces.RunnerDeps{
		Task:    task,
		Storage: storage,
		Bus:     &mockBus{},
	})
	require.NoError(t, err)

	job, err := models.AsCrawlJob(task)
	require.NoError(t, err)
	args, err := runner.buildArgs(job)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"--job-id", task.ID,
		"--db", "nuntius.db",
		"--url", "https://news.example.com/front",
		"--max-pages", "40",
		"--max-depth", "2",
		"--category", "news",
		"--user-agent", "nuntius-test/1.0",
		"--flag", "pattern_discovery=true",
		"--flag", "use_cache=true",
	}, args)
}

func TestCrawlRunner_BuildArgsRequiresSeedURL(t *testing.T) {
	task := models.NewTask(models.TaskTypeCrawl, nil)
	storage := newMockStorage()
	storage.tasks.put(task)

	runner, err := newCrawlRunner(lenientConfig(), "nuntius-worker", nil, "nuntius.db", arbor.NewLogger(), interfaces.RunnerDeps{
		Task:    task,
		Storage: storage,
		Bus:     &mockBus{},
	})
	require.NoError(t, err)

	job, err := models.AsCrawlJob(task)
	require.NoError(t, err)
	_, err = runner.buildArgs(job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no seed URL")
}

func TestCrawlRunner_HappyPathCollectsTelemetry(t *testing.T) {
	task := crawlTask("https://happy.test/", nil)
	sink := &recordingSink{}
	runner, storage, bus := newTestRunner(t, lenientConfig(), task, sink)

	require.NoError(t, runner.Run(context.Background()))

	// Telemetry rows are re-stamped with the supervisor's task id.
	events, err := storage.telemetry.GetQueueEvents(context.Background(), task.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.QueueActionEnqueued, events[0].Action)
	assert.Equal(t, "https://happy.test/", events[0].URL)

	milestones, err := storage.telemetry.GetMilestones(context.Background(), task.ID, 0)
	require.NoError(t, err)
	require.Len(t, milestones, 1)
	assert.Equal(t, "first-document", milestones[0].Kind)

	stages, err := storage.telemetry.GetPlannerStages(context.Background(), task.ID, 0)
	require.NoError(t, err)
	require.Len(t, stages, 1)
	assert.Equal(t, "seed", stages[0].Stage)

	assert.Equal(t, 1, bus.countTopic(interfaces.TopicQueueEvent, task.ID))
	assert.Equal(t, 1, bus.countTopic(interfaces.TopicMilestone, task.ID))
	assert.Equal(t, 1, bus.countTopic(interfaces.TopicPlannerStage, task.ID))

	messages := sink.messages()
	require.NotEmpty(t, messages)
	assert.Equal(t, "started", messages[0])
	last, ok := sink.last()
	require.True(t, ok)
	assert.Equal(t, int64(2), last.Current)
	assert.Equal(t, "completed", last.Message)

	final, err := storage.tasks.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Greater(t, final.GetMetadataInt(models.MetadataKeyPID, 0), 0)
	assert.Equal(t, 0, final.GetMetadataInt(models.MetadataKeyWorkerExitCode, -99))
}

func TestCrawlRunner_SkipsUnparseableLines(t *testing.T) {
	task := crawlTask("https://chatty.test/", nil)
	sink := &recordingSink{}
	runner, _, _ := newTestRunner(t, lenientConfig(), task, sink)

	require.NoError(t, runner.Run(context.Background()))

	last, ok := sink.last()
	require.True(t, ok)
	assert.Equal(t, int64(1), last.Current)
	assert.Equal(t, "completed", last.Message)
}

func TestCrawlRunner_NonZeroExitReportsWorkerError(t *testing.T) {
	task := crawlTask("https://fail.test/", nil)
	sink := &recordingSink{}
	runner, storage, _ := newTestRunner(t, lenientConfig(), task, sink)

	err := runner.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit code 3")
	assert.Contains(t, err.Error(), "seed plan failed")

	final, getErr := storage.tasks.GetTask(context.Background(), task.ID)
	require.NoError(t, getErr)
	assert.Equal(t, 3, final.GetMetadataInt(models.MetadataKeyWorkerExitCode, -99))
	assert.Contains(t, final.GetMetadataString(models.MetadataKeyStderrTail, ""), "seed URL unreachable")
}

func TestCrawlRunner_SilenceWatchdogKillsWorker(t *testing.T) {
	config := lenientConfig()
	config.SilenceWindow = 60 * time.Millisecond

	task := crawlTask("https://silent.test/", nil)
	sink := &recordingSink{}
	runner, storage, _ := newTestRunner(t, config, task, sink)

	err := runner.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker-silent-timeout")

	assert.Contains(t, storage.telemetry.problemKinds(task.ID), string(models.ProblemKindWorkerSilent))

	final, getErr := storage.tasks.GetTask(context.Background(), task.ID)
	require.NoError(t, getErr)
	assert.Equal(t, -1, final.GetMetadataInt(models.MetadataKeyWorkerExitCode, -99))
}

func TestCrawlRunner_SpawnDeadlineKillsMuteWorker(t *testing.T) {
	config := lenientConfig()
	config.SpawnDeadline = 60 * time.Millisecond

	task := crawlTask("https://mute.test/", nil)
	sink := &recordingSink{}
	runner, storage, _ := newTestRunner(t, config, task, sink)

	err := runner.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "spawn deadline")
	assert.Contains(t, storage.telemetry.problemKinds(task.ID), string(models.ProblemKindWorkerSilent))
}

func TestCrawlRunner_StallAdvisoryDoesNotKill(t *testing.T) {
	config := lenientConfig()
	config.StallWindow = 60 * time.Millisecond

	task := crawlTask("https://stall.test/", nil)
	sink := &recordingSink{}
	runner, storage, _ := newTestRunner(t, config, task, sink)

	// The worker keeps emitting identical progress, then finishes cleanly.
	require.NoError(t, runner.Run(context.Background()))
	assert.Contains(t, storage.telemetry.problemKinds(task.ID), string(models.ProblemKindStalled))
}

func TestCrawlRunner_CancelDeliversStopAndDrains(t *testing.T) {
	task := crawlTask("https://drain.test/", nil)
	sink := &recordingSink{}
	runner, storage, _ := newTestRunner(t, lenientConfig(), task, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- runner.Run(ctx) }()

	waitForMessage(t, sink, "started")
	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not return after cancellation")
	}

	// The worker honored STOP and exited zero.
	waitForMessage(t, sink, "stopped")
	final, err := storage.tasks.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, final.GetMetadataInt(models.MetadataKeyWorkerExitCode, -99))
}

func TestCrawlRunner_KillsWorkerThatIgnoresStop(t *testing.T) {
	config := lenientConfig()
	config.StopGrace = 80 * time.Millisecond

	task := crawlTask("https://deaf.test/", nil)
	sink := &recordingSink{}
	runner, storage, _ := newTestRunner(t, config, task, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- runner.Run(ctx) }()

	waitForMessage(t, sink, "started")
	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not return after kill")
	}

	final, err := storage.tasks.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, -1, final.GetMetadataInt(models.MetadataKeyWorkerExitCode, -99))
}

func TestCrawlRunner_PauseResumeControlLines(t *testing.T) {
	task := crawlTask("https://pause-echo.test/", nil)
	sink := &recordingSink{}
	runner, _, _ := newTestRunner(t, lenientConfig(), task, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- runner.Run(ctx) }()

	waitForMessage(t, sink, "started")

	require.NoError(t, runner.Pause(ctx))
	waitForMessage(t, sink, "paused")

	require.NoError(t, runner.Resume(ctx))
	waitForMessage(t, sink, "resumed")

	cancel()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not return after cancellation")
	}

	// Controls bounce once the worker is gone.
	err := runner.Pause(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
}

// ---------------------------------------------------------------------------
// Helper process
// ---------------------------------------------------------------------------

type argList []string

func (l *argList) String() string { return strings.Join(*l, ",") }
func (l *argList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

// TestHelperWorker is not a test: it is the scripted worker subprocess. The
// seed URL's hostname picks the scenario.
func TestHelperWorker(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		return
	}

	sep := -1
	for i, a := range os.Args {
		if a == "--" {
			sep = i
			break
		}
	}
	if sep < 0 || sep+1 >= len(os.Args) {
		fmt.Fprintln(os.Stderr, "helper: missing worker argv")
		os.Exit(2)
	}

	fs := flag.NewFlagSet("helper-worker", flag.ContinueOnError)
	jobID := fs.String("job-id", "", "")
	fs.String("db", "", "")
	seed := fs.String("url", "", "")
	fs.Int("max-pages", 0, "")
	fs.Int("max-depth", 0, "")
	fs.String("category", "", "")
	fs.String("user-agent", "", "")
	var flags argList
	fs.Var(&flags, "flag", "")
	if err := fs.Parse(os.Args[sep+1:]); err != nil {
		fmt.Fprintln(os.Stderr, "helper: bad argv:", err)
		os.Exit(2)
	}
	if *jobID == "" {
		fmt.Fprintln(os.Stderr, "helper: --job-id is required")
		os.Exit(2)
	}

	parsed, err := url.Parse(*seed)
	if err != nil {
		fmt.Fprintln(os.Stderr, "helper: bad url:", err)
		os.Exit(2)
	}

	switch parsed.Hostname() {
	case "happy.test":
		helperHappy(*seed)
	case "chatty.test":
		helperChatty()
	case "fail.test":
		helperFail()
	case "silent.test":
		emitWorkerLine(models.WorkerPrefixProgress, models.ProgressPayload{Stage: "started", Total: 5})
		time.Sleep(10 * time.Second)
	case "mute.test":
		time.Sleep(10 * time.Second)
	case "stall.test":
		helperStall()
	case "drain.test":
		helperDrain()
	case "deaf.test":
		emitWorkerLine(models.WorkerPrefixProgress, models.ProgressPayload{Stage: "started", Total: 5})
		time.Sleep(10 * time.Second)
	case "pause-echo.test":
		helperPauseEcho()
	default:
		fmt.Fprintln(os.Stderr, "helper: unknown scenario", parsed.Hostname())
		os.Exit(2)
	}
	os.Exit(0)
}

func emitWorkerLine(prefix string, payload interface{}) {
	line, err := models.FormatWorkerLine(prefix, payload)
	if err != nil {
		os.Exit(2)
	}
	fmt.Println(line)
}

func helperHappy(seed string) {
	emitWorkerLine(models.WorkerPrefixProgress, models.ProgressPayload{Stage: "started", Total: 2})
	emitWorkerLine(models.WorkerPrefixQueue, models.QueuePayload{
		Action: models.QueueActionEnqueued, URL: seed, Host: "happy.test", Depth: 0, QueueSize: 1,
	})
	emitWorkerLine(models.WorkerPrefixPlannerStage, models.PlannerStagePayload{Stage: "seed", Decision: "1 candidates"})
	emitWorkerLine(models.WorkerPrefixMilestone, models.MilestonePayload{
		Kind: "first-document", Scope: "host", Target: "happy.test", Message: "first document stored",
	})
	emitWorkerLine(models.WorkerPrefixProgress, models.ProgressPayload{Current: 1, Total: 2})
	emitWorkerLine(models.WorkerPrefixCache, models.CachePayload{URL: seed, Hit: false})
	emitWorkerLine(models.WorkerPrefixProgress, models.ProgressPayload{Current: 2, Total: 2, Stage: "completed"})
	os.Exit(0)
}

func helperChatty() {
	fmt.Println("goquery v1.11.0 selector cache primed")
	emitWorkerLine(models.WorkerPrefixProgress, models.ProgressPayload{Stage: "started", Total: 1})
	fmt.Println("PROGRESS {malformed json")
	fmt.Println("just some stray library output")
	emitWorkerLine(models.WorkerPrefixProgress, models.ProgressPayload{Current: 1, Total: 1, Stage: "completed"})
	os.Exit(0)
}

func helperFail() {
	emitWorkerLine(models.WorkerPrefixProgress, models.ProgressPayload{Stage: "started", Total: 5})
	fmt.Fprintln(os.Stderr, "FTL seed URL unreachable after 3 attempts")
	emitWorkerLine(models.WorkerPrefixError, models.ErrorPayload{Message: "seed plan failed", Fatal: true})
	os.Exit(3)
}

func helperStall() {
	emitWorkerLine(models.WorkerPrefixProgress, models.ProgressPayload{Stage: "started", Total: 5})
	for i := 0; i < 12; i++ {
		emitWorkerLine(models.WorkerPrefixProgress, models.ProgressPayload{Current: 1, Total: 5})
		time.Sleep(20 * time.Millisecond)
	}
	os.Exit(0)
}

func helperDrain() {
	emitWorkerLine(models.WorkerPrefixProgress, models.ProgressPayload{Stage: "started", Total: 10})
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) == models.WorkerControlStop {
			emitWorkerLine(models.WorkerPrefixProgress, models.ProgressPayload{Stage: "stopped", Total: 10})
			os.Exit(0)
		}
	}
	os.Exit(0)
}

func helperPauseEcho() {
	emitWorkerLine(models.WorkerPrefixProgress, models.ProgressPayload{Stage: "started", Total: 10})
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		switch strings.TrimSpace(scanner.Text()) {
		case models.WorkerControlPause:
			emitWorkerLine(models.WorkerPrefixProgress, models.ProgressPayload{Stage: "paused", Total: 10})
		case models.WorkerControlResume:
			emitWorkerLine(models.WorkerPrefixProgress, models.ProgressPayload{Stage: "resumed", Total: 10})
		case models.WorkerControlStop:
			emitWorkerLine(models.WorkerPrefixProgress, models.ProgressPayload{Stage: "stopped", Total: 10})
			os.Exit(0)
		}
	}
	os.Exit(0)
}
