package orchestrator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/nuntius/internal/common"
	"github.com/ternarybob/nuntius/internal/interfaces"
	"github.com/ternarybob/nuntius/internal/models"
)

const (
	defaultSpawnDeadline = 10 * time.Second
	defaultSilenceWindow = 120 * time.Second
	defaultStallWindow   = 300 * time.Second
	defaultStopGrace     = 5 * time.Second

	stderrTailLines = 20
	stderrTailBytes = 4096
)

// NewCrawlTaskFactory returns the factory the orchestrator runs crawl tasks
// with. Each crawl spawns one worker subprocess against the given SQLite
// database; the runner supervises its protocol stream, watchdogs, and exit.
func NewCrawlTaskFactory(config *common.CrawlerConfig, dbPath string, logger arbor.ILogger) interfaces.TaskFactory {
	binary := ""
	if config != nil {
		binary = config.WorkerBin
	}
	if binary == "" {
		binary = defaultWorkerBin()
	}
	return func(deps interfaces.RunnerDeps) (interfaces.TaskRunner, error) {
		return newCrawlRunner(config, binary, nil, dbPath, logger, deps)
	}
}

// defaultWorkerBin resolves the worker binary next to the server executable
func defaultWorkerBin() string {
	name := "nuntius-worker"
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	exe, err := os.Executable()
	if err != nil {
		return name
	}
	return filepath.Join(filepath.Dir(exe), name)
}

// crawlRunner supervises one worker subprocess for the lifetime of a crawl
// task. stdout carries the typed protocol (telemetry, progress, problems),
// stderr carries the worker's log, stdin carries control commands. The
// runner never trusts the worker to stay healthy: spawn, silence, and stall
// watchdogs escalate independently of the protocol content.
type crawlRunner struct {
	task     *models.Task
	progress interfaces.ProgressSink
	bus      interfaces.EventBus
	storage  interfaces.StorageManager
	logger   arbor.ILogger
	config   *common.CrawlerConfig

	binary   string
	baseArgs []string
	dbPath   string

	mu          sync.Mutex
	stdin       io.WriteCloser
	exited      bool
	paused      bool
	fatalMsg    string
	killReason  string
	stderrLines []string

	killed atomic.Bool

	// Watchdog clocks, unix nanos. lastOutput advances on any line from
	// either stream; lastChange only when the reported progress moves.
	lastOutput  atomic.Int64
	lastChange  atomic.Int64
	lastCurrent atomic.Int64
}

func newCrawlRunner(config *common.CrawlerConfig, binary string, baseArgs []string, dbPath string, logger arbor.ILogger, deps interfaces.RunnerDeps) (*crawlRunner, error) {
	if deps.Task == nil {
		return nil, fmt.Errorf("crawl runner requires a task")
	}
	if binary == "" {
		return nil, fmt.Errorf("crawl runner requires a worker binary path")
	}
	if config == nil {
		defaults := common.NewDefaultConfig().Crawler
		config = &defaults
	}
	return &crawlRunner{
		task:     deps.Task,
		progress: deps.Progress,
		bus:      deps.Bus,
		storage:  deps.Storage,
		logger:   logger,
		config:   config,
		binary:   binary,
		baseArgs: baseArgs,
		dbPath:   dbPath,
	}, nil
}

// buildArgs translates the task config into worker argv
func (r *crawlRunner) buildArgs(job *models.CrawlJob) ([]string, error) {
	return WorkerArgs(job, r.dbPath, r.config)
}

// WorkerArgs builds the argv a crawl task's worker will be spawned with. The
// runner uses it at launch; the facade uses it to echo the command back to
// whoever started the crawl.
func WorkerArgs(job *models.CrawlJob, dbPath string, config *common.CrawlerConfig) ([]string, error) {
	seed := job.SeedURL()
	if seed == "" {
		return nil, fmt.Errorf("crawl task %s has no seed URL", job.ID)
	}

	args := []string{
		"--job-id", job.ID,
		"--db", dbPath,
		"--url", seed,
	}
	if n := job.GetConfigInt(models.ConfigKeyMaxPages, 0); n > 0 {
		args = append(args, "--max-pages", strconv.Itoa(n))
	}
	if n := job.GetConfigInt(models.ConfigKeyMaxDepth, 0); n > 0 {
		args = append(args, "--max-depth", strconv.Itoa(n))
	}
	if category := job.GetConfigString(models.ConfigKeyCategory, ""); category != "" {
		args = append(args, "--category", category)
	}
	if config != nil && config.UserAgent != "" {
		args = append(args, "--user-agent", config.UserAgent)
	}

	if raw, ok := job.Config[models.ConfigKeyFlags].(map[string]interface{}); ok && len(raw) > 0 {
		keys := make([]string, 0, len(raw))
		for k := range raw {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			args = append(args, "--flag", fmt.Sprintf("%s=%v", k, raw[k]))
		}
	}
	return args, nil
}

// Run spawns the worker and blocks until it exits. A nil return means the
// worker finished cleanly (exit 0, including a drained stop). Context
// cancellation delivers STOP, waits out the stop grace, then kills.
func (r *crawlRunner) Run(ctx context.Context) error {
	job, err := models.AsCrawlJob(r.task)
	if err != nil {
		return err
	}
	args, err := r.buildArgs(job)
	if err != nil {
		return err
	}

	argv := append(append([]string{}, r.baseArgs...), args...)
	cmd := exec.Command(r.binary, argv...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open worker stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open worker stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to spawn worker %s: %w", r.binary, err)
	}
	r.mu.Lock()
	r.stdin = stdin
	r.mu.Unlock()
	r.touch(time.Now())

	pid := cmd.Process.Pid
	r.logger.Info().
		Str("task_id", r.task.ID).
		Int("pid", pid).
		Str("worker_bin", r.binary).
		Str("url", job.SeedURL()).
		Msg("Crawl worker spawned")
	if err := r.storage.Tasks().UpdateTaskMetadata(context.Background(), r.task.ID,
		map[string]interface{}{models.MetadataKeyPID: pid}); err != nil {
		r.logger.Warn().Err(err).Str("task_id", r.task.ID).Msg("Failed to record worker pid")
	}

	firstLine := make(chan struct{})
	parserDone := make(chan struct{})
	stderrDone := make(chan struct{})
	go r.consumeStdout(stdout, firstLine, parserDone)
	go r.consumeStderr(stderr, stderrDone)

	watchdogStop := make(chan struct{})
	watchdogDone := make(chan struct{})
	go r.watchdog(cmd, firstLine, watchdogStop, watchdogDone)

	// Wait reaps the process only after both pipes hit EOF, per os/exec.
	exitCh := make(chan error, 1)
	go func() {
		<-parserDone
		<-stderrDone
		exitCh <- cmd.Wait()
	}()

	var waitErr error
	interrupted := false
	select {
	case waitErr = <-exitCh:
	case <-ctx.Done():
		interrupted = true
		r.requestStop()
		grace := r.config.StopGrace
		if grace <= 0 {
			grace = defaultStopGrace
		}
		timer := time.NewTimer(grace)
		select {
		case waitErr = <-exitCh:
			timer.Stop()
		case <-timer.C:
			r.logger.Warn().Str("task_id", r.task.ID).Dur("grace", grace).Msg("Worker ignored STOP; killing")
			_ = cmd.Process.Kill()
			waitErr = <-exitCh
		}
	}

	close(watchdogStop)
	<-watchdogDone
	r.markExited()

	code := exitCodeOf(waitErr)
	meta := map[string]interface{}{models.MetadataKeyWorkerExitCode: code}
	if tail := r.stderrTail(); tail != "" {
		meta[models.MetadataKeyStderrTail] = tail
	}
	if err := r.storage.Tasks().UpdateTaskMetadata(context.Background(), r.task.ID, meta); err != nil {
		r.logger.Debug().Err(err).Str("task_id", r.task.ID).Msg("Failed to record worker exit metadata")
	}

	if interrupted {
		return ctx.Err()
	}
	if r.killed.Load() {
		return errors.New(r.killMessage())
	}
	if waitErr == nil {
		return nil
	}
	return fmt.Errorf("worker exited with code %d: %s", code, r.failureMessage(waitErr))
}

// Pause delivers PAUSE and silences the watchdogs; a parked worker is
// legitimately quiet.
func (r *crawlRunner) Pause(ctx context.Context) error {
	if err := r.sendControl(models.WorkerControlPause); err != nil {
		return err
	}
	r.setPaused(true)
	return nil
}

// Resume delivers RESUME and restarts the watchdog clocks
func (r *crawlRunner) Resume(ctx context.Context) error {
	if err := r.sendControl(models.WorkerControlResume); err != nil {
		return err
	}
	r.touch(time.Now())
	r.setPaused(false)
	return nil
}

func (r *crawlRunner) requestStop() {
	if err := r.sendControl(models.WorkerControlStop); err != nil {
		r.logger.Debug().Err(err).Str("task_id", r.task.ID).Msg("STOP not delivered")
	}
}

func (r *crawlRunner) sendControl(command string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.exited || r.stdin == nil {
		return fmt.Errorf("worker for task %s is not running", r.task.ID)
	}
	if _, err := io.WriteString(r.stdin, command+"\n"); err != nil {
		return fmt.Errorf("failed to deliver %s: %w", command, err)
	}
	return nil
}

// consumeStdout parses the protocol stream line by line. Unrecognized lines
// are logged and skipped; a chatty library printing to stdout must never take
// the supervisor down.
func (r *crawlRunner) consumeStdout(pipe io.Reader, firstLine chan<- struct{}, done chan<- struct{}) {
	defer close(done)

	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	first := true
	for scanner.Scan() {
		r.lastOutput.Store(time.Now().UnixNano())
		if first {
			first = false
			close(firstLine)
		}
		r.handleLine(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		r.logger.Debug().Err(err).Str("task_id", r.task.ID).Msg("Worker stdout closed")
	}
}

// consumeStderr keeps a bounded tail of the worker's log for failure reports
func (r *crawlRunner) consumeStderr(pipe io.Reader, done chan<- struct{}) {
	defer close(done)

	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		r.lastOutput.Store(time.Now().UnixNano())
		line := scanner.Text()
		r.mu.Lock()
		r.stderrLines = append(r.stderrLines, line)
		if len(r.stderrLines) > stderrTailLines {
			r.stderrLines = r.stderrLines[1:]
		}
		r.mu.Unlock()
	}
}

// handleLine routes one parsed protocol event: telemetry rows are appended,
// bus events published, progress fed to the sink.
func (r *crawlRunner) handleLine(line string) {
	event, err := models.ParseWorkerLine(line)
	if err != nil {
		var notWorker *models.ErrNotWorkerLine
		if errors.As(err, &notWorker) {
			r.logger.Debug().Str("task_id", r.task.ID).Str("line", line).Msg("Unrecognized worker output")
		} else {
			r.logger.Warn().Err(err).Str("task_id", r.task.ID).Msg("Malformed worker line")
		}
		return
	}

	ctx := context.Background()
	now := time.Now().UTC()
	telemetry := r.storage.Telemetry()

	switch event.Prefix {
	case models.WorkerPrefixProgress:
		p := event.Progress
		if p.Current != r.lastCurrent.Load() || p.Stage != "" {
			r.lastCurrent.Store(p.Current)
			r.lastChange.Store(time.Now().UnixNano())
		}
		message := p.Message
		if message == "" && p.Stage != "" {
			message = p.Stage
		}
		if r.progress != nil {
			r.progress.Update(p.Current, p.Total, message)
		}

	case models.WorkerPrefixQueue:
		q := event.Queue
		record := &models.QueueEvent{
			TaskID:    r.task.ID,
			Timestamp: now,
			Action:    q.Action,
			URL:       q.URL,
			Host:      q.Host,
			Depth:     q.Depth,
			Reason:    q.Reason,
			QueueSize: q.QueueSize,
		}
		if err := telemetry.AppendQueueEvent(ctx, record); err != nil {
			r.logger.Debug().Err(err).Str("task_id", r.task.ID).Msg("Failed to persist queue event")
		}
		r.bus.Publish(interfaces.TopicQueueEvent, r.task.ID, record)

	case models.WorkerPrefixProblem:
		p := event.Problem
		record := &models.Problem{
			TaskID:    r.task.ID,
			Timestamp: now,
			Kind:      p.Kind,
			Scope:     p.Scope,
			Target:    p.Target,
			Message:   p.Message,
			Details:   p.Details,
		}
		if err := telemetry.AppendProblem(ctx, record); err != nil {
			r.logger.Debug().Err(err).Str("task_id", r.task.ID).Msg("Failed to persist problem")
		}
		r.bus.Publish(interfaces.TopicTaskProblem, r.task.ID, record)

	case models.WorkerPrefixMilestone:
		m := event.Milestone
		record := &models.Milestone{
			TaskID:    r.task.ID,
			Timestamp: now,
			Kind:      m.Kind,
			Scope:     m.Scope,
			Target:    m.Target,
			Message:   m.Message,
			Details:   m.Details,
		}
		if err := telemetry.AppendMilestone(ctx, record); err != nil {
			r.logger.Debug().Err(err).Str("task_id", r.task.ID).Msg("Failed to persist milestone")
		}
		r.bus.Publish(interfaces.TopicMilestone, r.task.ID, record)

	case models.WorkerPrefixPlannerStage:
		s := event.PlannerStage
		record := &models.PlannerStage{
			TaskID:          r.task.ID,
			Timestamp:       now,
			Stage:           s.Stage,
			Rationale:       s.Rationale,
			EstimatedCostMS: s.EstimatedCostMS,
			Decision:        s.Decision,
		}
		if err := telemetry.AppendPlannerStage(ctx, record); err != nil {
			r.logger.Debug().Err(err).Str("task_id", r.task.ID).Msg("Failed to persist planner stage")
		}
		r.bus.Publish(interfaces.TopicPlannerStage, r.task.ID, record)

	case models.WorkerPrefixError:
		e := event.Error
		r.mu.Lock()
		r.fatalMsg = e.Message
		r.mu.Unlock()
		r.logger.Error().
			Str("task_id", r.task.ID).
			Bool("fatal", e.Fatal).
			Msg("Worker reported error: " + e.Message)

	case models.WorkerPrefixCache:
		c := event.Cache
		r.logger.Debug().
			Str("task_id", r.task.ID).
			Str("url", c.URL).
			Bool("hit", c.Hit).
			Msg("Worker cache decision")
	}
}

// watchdog escalates on worker misbehavior. Spawn: the first line must arrive
// within the spawn deadline. Silence: past one window a problem is reported,
// past two the worker is killed. Stall: unchanged progress past the stall
// window raises an advisory problem, never a kill. All checks idle while the
// task is paused.
func (r *crawlRunner) watchdog(cmd *exec.Cmd, firstLine <-chan struct{}, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	spawn := r.config.SpawnDeadline
	if spawn <= 0 {
		spawn = defaultSpawnDeadline
	}
	silence := r.config.SilenceWindow
	if silence <= 0 {
		silence = defaultSilenceWindow
	}
	stall := r.config.StallWindow
	if stall <= 0 {
		stall = defaultStallWindow
	}

	spawnTimer := time.NewTimer(spawn)
	select {
	case <-firstLine:
		spawnTimer.Stop()
	case <-stop:
		spawnTimer.Stop()
		return
	case <-spawnTimer.C:
		r.reportProblem(models.ProblemKindWorkerSilent,
			fmt.Sprintf("worker produced no output within the %s spawn deadline", spawn), nil)
		r.killWorker(cmd, fmt.Sprintf("worker-silent-timeout: no output within the %s spawn deadline", spawn))
		return
	}

	window := silence
	if stall < window {
		window = stall
	}
	poll := window / 4
	if poll > time.Second {
		poll = time.Second
	}
	if poll < 10*time.Millisecond {
		poll = 10 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	silenceReported := false
	stallReported := false
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if r.isPaused() {
			r.touch(time.Now())
			continue
		}

		now := time.Now()
		quiet := now.Sub(time.Unix(0, r.lastOutput.Load()))
		if quiet > 2*silence {
			r.reportProblem(models.ProblemKindWorkerSilent,
				fmt.Sprintf("no output for %s; terminating worker", quiet.Round(time.Second)), nil)
			r.killWorker(cmd, fmt.Sprintf("worker-silent-timeout: no output for %s", quiet.Round(time.Second)))
			return
		}
		if quiet > silence {
			if !silenceReported {
				silenceReported = true
				r.reportProblem(models.ProblemKindWorkerSilent,
					fmt.Sprintf("no output for %s", quiet.Round(time.Second)), nil)
			}
		} else {
			silenceReported = false
		}

		idle := now.Sub(time.Unix(0, r.lastChange.Load()))
		if idle > stall {
			if !stallReported {
				stallReported = true
				r.reportProblem(models.ProblemKindStalled,
					fmt.Sprintf("no progress change for %s", idle.Round(time.Second)),
					map[string]interface{}{"last_current": r.lastCurrent.Load()})
			}
		} else {
			stallReported = false
		}
	}
}

func (r *crawlRunner) killWorker(cmd *exec.Cmd, reason string) {
	r.mu.Lock()
	r.killReason = reason
	r.mu.Unlock()
	r.killed.Store(true)
	_ = cmd.Process.Kill()
}

// reportProblem appends a supervision problem and publishes it
func (r *crawlRunner) reportProblem(kind models.ProblemKind, message string, details map[string]interface{}) {
	problem := &models.Problem{
		TaskID:    r.task.ID,
		Timestamp: time.Now().UTC(),
		Kind:      string(kind),
		Message:   message,
		Details:   details,
	}
	if err := r.storage.Telemetry().AppendProblem(context.Background(), problem); err != nil {
		r.logger.Warn().Err(err).Str("task_id", r.task.ID).Str("kind", string(kind)).Msg("Failed to persist problem")
	}
	r.bus.Publish(interfaces.TopicTaskProblem, r.task.ID, problem)
	r.logger.Warn().Str("task_id", r.task.ID).Str("kind", string(kind)).Msg(message)
}

func (r *crawlRunner) touch(t time.Time) {
	r.lastOutput.Store(t.UnixNano())
	r.lastChange.Store(t.UnixNano())
}

func (r *crawlRunner) setPaused(v bool) {
	r.mu.Lock()
	r.paused = v
	r.mu.Unlock()
}

func (r *crawlRunner) isPaused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

func (r *crawlRunner) markExited() {
	r.mu.Lock()
	r.exited = true
	r.mu.Unlock()
}

func (r *crawlRunner) stderrTail() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	tail := strings.Join(r.stderrLines, "\n")
	if len(tail) > stderrTailBytes {
		tail = tail[len(tail)-stderrTailBytes:]
	}
	return tail
}

func (r *crawlRunner) killMessage() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.killReason != "" {
		return r.killReason
	}
	return "worker-silent-timeout: force terminated"
}

// failureMessage picks the most specific explanation for a non-zero exit:
// the worker's own ERROR line, then its stderr tail, then the wait error.
func (r *crawlRunner) failureMessage(waitErr error) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fatalMsg != "" {
		return r.fatalMsg
	}
	if len(r.stderrLines) > 0 {
		return r.stderrLines[len(r.stderrLines)-1]
	}
	return waitErr.Error()
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
