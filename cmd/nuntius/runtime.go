package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ternarybob/nuntius/internal/app"
	"github.com/ternarybob/nuntius/internal/interfaces"
	"github.com/ternarybob/nuntius/internal/models"
)

// openApp wires the application for a one-shot command. Nothing is started:
// read-only commands use the facade as-is, task-running commands go through
// runTask. The returned close function drains with the standard deadline.
func openApp() (*app.App, func(), error) {
	application, err := app.New(config, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open data directory (is the server running?): %w", err)
	}
	return application, func() { closeApp(application) }, nil
}

// followTopics are the streams a foreground command tails while waiting for
// its task. Queue events are deliberately absent: a large crawl emits
// thousands and the terminal is not the place for them.
var followTopics = []interfaces.Topic{
	interfaces.TopicTaskStatusChanged,
	interfaces.TopicTaskProgress,
	interfaces.TopicTaskCompleted,
	interfaces.TopicTaskError,
	interfaces.TopicTaskProblem,
	interfaces.TopicMilestone,
	interfaces.TopicPlannerStage,
}

// runTask starts one task and tails it to a terminal state, returning the
// final persisted row. The bus subscription predates the start call so no
// event is missed. Ctrl+C interrupts the wait; the deferred application
// close then stops the runner and the row stays recoverable.
func runTask(application *app.App, start func(ctx context.Context) (string, error)) (*models.Task, error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sub := application.Bus.Subscribe(interfaces.SubscribeOptions{
		Topics: followTopics,
		Name:   "cli",
	})
	defer sub.Cancel()

	application.Orchestrator.Start()

	taskID, err := start(ctx)
	if err != nil {
		return nil, err
	}

	final, err := followTask(ctx, application, sub, taskID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("interrupted; task %s is left for recovery", taskID)
		}
		return nil, err
	}
	return final, nil
}

// followTask consumes bus events for one task until it reaches a terminal
// state, then fetches the final row.
func followTask(ctx context.Context, application *app.App, sub *interfaces.Subscription, taskID string) (*models.Task, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case event, open := <-sub.C:
			if !open {
				return nil, fmt.Errorf("event stream closed")
			}
			if event.TaskID != taskID {
				continue
			}
			printEvent(event)
			if terminalEvent(event) {
				return application.Orchestration.GetTask(context.Background(), taskID)
			}
		}
	}
}

// terminalEvent reports whether an event marks the end of its task
func terminalEvent(event interfaces.Event) bool {
	switch event.Topic {
	case interfaces.TopicTaskCompleted:
		return true
	case interfaces.TopicTaskStatusChanged:
		return models.TaskStatus(eventStatus(event)).IsTerminal()
	}
	return false
}

// eventStatus extracts the status string from a status-changed payload
func eventStatus(event interfaces.Event) string {
	if payload, ok := event.Payload.(map[string]interface{}); ok {
		if s, ok := payload["status"].(string); ok {
			return s
		}
	}
	return ""
}

// printEvent renders one bus event as a progress line. JSON mode stays
// silent: stdout carries exactly the final result document.
func printEvent(event interfaces.Event) {
	if jsonOutput {
		return
	}
	ts := event.Timestamp.Local().Format("15:04:05")

	switch event.Topic {
	case interfaces.TopicTaskProgress:
		prog, ok := event.Payload.(models.Progress)
		if !ok {
			return
		}
		if prog.Total > 0 {
			fmt.Printf("[%s] %d/%d %s\n", ts, prog.Current, prog.Total, prog.Message)
		} else {
			fmt.Printf("[%s] %d %s\n", ts, prog.Current, prog.Message)
		}

	case interfaces.TopicTaskStatusChanged:
		fmt.Printf("[%s] status: %s\n", ts, eventStatus(event))

	case interfaces.TopicMilestone:
		if m, ok := event.Payload.(*models.Milestone); ok {
			fmt.Printf("[%s] milestone: %s %s\n", ts, m.Kind, m.Message)
		}

	case interfaces.TopicTaskProblem:
		if p, ok := event.Payload.(*models.Problem); ok {
			fmt.Printf("[%s] problem: %s %s\n", ts, p.Kind, p.Message)
		}

	case interfaces.TopicPlannerStage:
		if s, ok := event.Payload.(*models.PlannerStage); ok {
			if s.Decision != "" {
				fmt.Printf("[%s] planner: %s - %s\n", ts, s.Stage, s.Decision)
			} else {
				fmt.Printf("[%s] planner: %s\n", ts, s.Stage)
			}
		}

	case interfaces.TopicTaskError:
		if payload, ok := event.Payload.(map[string]interface{}); ok {
			if msg, ok := payload["error"].(string); ok {
				fmt.Printf("[%s] error: %s\n", ts, msg)
			}
		}
	}
}

// reportFinal prints the final task and maps its status onto the exit code:
// anything but completed becomes an error so the process exits 1.
func reportFinal(final *models.Task) error {
	if err := printResult(final, func() { printTaskSummary(final) }); err != nil {
		return err
	}
	switch final.Status {
	case models.TaskStatusCompleted:
		return nil
	case models.TaskStatusFailed:
		if final.ErrorMessage != "" {
			return fmt.Errorf("task %s failed: %s", final.ID, final.ErrorMessage)
		}
		return fmt.Errorf("task %s failed", final.ID)
	default:
		return fmt.Errorf("task %s ended %s", final.ID, final.Status)
	}
}
