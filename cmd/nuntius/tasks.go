package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ternarybob/nuntius/internal/interfaces"
	"github.com/ternarybob/nuntius/internal/models"
)

var (
	tasksListStatus []string
	tasksListType   []string
	tasksListLimit  int
	tasksListOffset int
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect and manage tasks",
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE:  runTasksList,
}

var tasksShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show one task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksShow,
}

var tasksPauseCmd = &cobra.Command{
	Use:   "pause <task-id>",
	Short: "Pause a running task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksPause,
}

var tasksResumeCmd = &cobra.Command{
	Use:   "resume <task-id>",
	Short: "Resume a paused task and follow it to completion",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksResume,
}

var tasksCancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksCancel,
}

var tasksTelemetryCmd = &cobra.Command{
	Use:   "telemetry <task-id>",
	Short: "Show a task's problems, milestones, and planner history",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksTelemetry,
}

func init() {
	tasksListCmd.Flags().StringSliceVar(&tasksListStatus, "status", nil, "Filter by status (pending, running, paused, completed, failed, cancelled)")
	tasksListCmd.Flags().StringSliceVar(&tasksListType, "type", nil, "Filter by task type")
	tasksListCmd.Flags().IntVar(&tasksListLimit, "limit", 50, "Maximum tasks to return")
	tasksListCmd.Flags().IntVar(&tasksListOffset, "offset", 0, "Tasks to skip")

	tasksCmd.AddCommand(tasksListCmd)
	tasksCmd.AddCommand(tasksShowCmd)
	tasksCmd.AddCommand(tasksPauseCmd)
	tasksCmd.AddCommand(tasksResumeCmd)
	tasksCmd.AddCommand(tasksCancelCmd)
	tasksCmd.AddCommand(tasksTelemetryCmd)
}

func runTasksList(cmd *cobra.Command, args []string) error {
	statuses, err := parseStatusFilter(tasksListStatus)
	if err != nil {
		return err
	}

	application, cleanup, err := openApp()
	if err != nil {
		return err
	}
	defer cleanup()

	taskList, err := application.Orchestration.ListTasks(context.Background(), interfaces.TaskFilter{
		Statuses: statuses,
		Types:    tasksListType,
		Limit:    tasksListLimit,
		Offset:   tasksListOffset,
	})
	if err != nil {
		return err
	}
	if taskList == nil {
		taskList = []*models.Task{}
	}
	return printResult(taskList, func() { printTaskTable(taskList) })
}

func runTasksShow(cmd *cobra.Command, args []string) error {
	application, cleanup, err := openApp()
	if err != nil {
		return err
	}
	defer cleanup()

	task, err := application.Orchestration.GetTask(context.Background(), args[0])
	if err != nil {
		return err
	}
	return printResult(task, func() { printTaskSummary(task) })
}

func runTasksPause(cmd *cobra.Command, args []string) error {
	return lifecycleCommand(args[0], "paused", func(ctx context.Context, application appFacade, id string) error {
		return application.PauseTask(ctx, id)
	})
}

func runTasksCancel(cmd *cobra.Command, args []string) error {
	return lifecycleCommand(args[0], "cancelled", func(ctx context.Context, application appFacade, id string) error {
		return application.CancelTask(ctx, id)
	})
}

// runTasksResume restarts a paused task in this process and follows it to a
// terminal state, exactly like a foreground crawl.
func runTasksResume(cmd *cobra.Command, args []string) error {
	id := args[0]

	application, cleanup, err := openApp()
	if err != nil {
		return err
	}
	defer cleanup()

	final, err := runTask(application, func(ctx context.Context) (string, error) {
		if err := application.Orchestration.ResumeTask(ctx, id); err != nil {
			return "", err
		}
		if !jsonOutput {
			fmt.Printf("Task resumed: %s\n", id)
		}
		return id, nil
	})
	if err != nil {
		return err
	}
	return reportFinal(final)
}

func runTasksTelemetry(cmd *cobra.Command, args []string) error {
	application, cleanup, err := openApp()
	if err != nil {
		return err
	}
	defer cleanup()

	bundle, err := application.Orchestration.TaskTelemetry(context.Background(), args[0])
	if err != nil {
		return err
	}
	return printResult(bundle, func() { printTelemetry(bundle) })
}

// appFacade is the slice of the orchestration facade the lifecycle commands
// share.
type appFacade interface {
	PauseTask(ctx context.Context, id string) error
	CancelTask(ctx context.Context, id string) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
}

// lifecycleCommand applies one transition and prints the task's state after it
func lifecycleCommand(id, verb string, op func(ctx context.Context, facade appFacade, id string) error) error {
	application, cleanup, err := openApp()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := context.Background()
	if err := op(ctx, application.Orchestration, id); err != nil {
		return err
	}
	task, err := application.Orchestration.GetTask(ctx, id)
	if err != nil {
		return err
	}
	return printResult(task, func() {
		fmt.Printf("Task %s %s (status: %s)\n", task.ID, verb, task.Status)
	})
}

// parseStatusFilter validates status names against the task lifecycle
func parseStatusFilter(values []string) ([]models.TaskStatus, error) {
	if len(values) == 0 {
		return nil, nil
	}
	statuses := make([]models.TaskStatus, 0, len(values))
	for _, value := range values {
		status := models.TaskStatus(strings.ToLower(strings.TrimSpace(value)))
		switch status {
		case models.TaskStatusPending, models.TaskStatusResuming, models.TaskStatusRunning,
			models.TaskStatusPaused, models.TaskStatusCompleted, models.TaskStatusFailed,
			models.TaskStatusCancelled:
			statuses = append(statuses, status)
		default:
			return nil, fmt.Errorf("unknown status %q", value)
		}
	}
	return statuses, nil
}
