package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/ternarybob/nuntius/internal/models"
)

// printResult emits a command result: one indented JSON document in --json
// mode, the human rendering otherwise.
func printResult(data interface{}, human func()) error {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	}
	human()
	return nil
}

// printTaskSummary renders one task as a block of labeled lines
func printTaskSummary(task *models.Task) {
	fmt.Printf("Task:     %s\n", task.ID)
	fmt.Printf("Type:     %s\n", task.Type)
	fmt.Printf("Status:   %s\n", task.Status)
	if task.Progress.Total > 0 {
		fmt.Printf("Progress: %d/%d (%.0f%%)\n", task.Progress.Current, task.Progress.Total, task.Progress.Percentage())
	} else if task.Progress.Current > 0 {
		fmt.Printf("Progress: %d\n", task.Progress.Current)
	}
	if task.Progress.Message != "" {
		fmt.Printf("Message:  %s\n", task.Progress.Message)
	}
	if task.ErrorMessage != "" {
		fmt.Printf("Error:    %s\n", task.ErrorMessage)
	}
	fmt.Printf("Created:  %s\n", task.CreatedAt.Local().Format(time.RFC3339))
	if task.StartedAt != nil {
		fmt.Printf("Started:  %s\n", task.StartedAt.Local().Format(time.RFC3339))
	}
	if task.CompletedAt != nil {
		fmt.Printf("Ended:    %s (after %s)\n",
			task.CompletedAt.Local().Format(time.RFC3339),
			runDuration(task).Round(time.Second))
	}
}

// printTaskTable renders a task list as an aligned table
func printTaskTable(taskList []*models.Task) {
	if len(taskList) == 0 {
		fmt.Println("No tasks found")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tPROGRESS\tAGE\tMESSAGE")
	for _, task := range taskList {
		progress := "-"
		if task.Progress.Total > 0 {
			progress = fmt.Sprintf("%d/%d", task.Progress.Current, task.Progress.Total)
		} else if task.Progress.Current > 0 {
			progress = fmt.Sprintf("%d", task.Progress.Current)
		}
		message := task.Progress.Message
		if task.ErrorMessage != "" {
			message = task.ErrorMessage
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			task.ID, task.Type, task.Status, progress,
			age(task.CreatedAt), truncate(message, 60))
	}
}

// printTelemetry renders a task's telemetry history section by section
func printTelemetry(bundle *models.TaskTelemetry) {
	fmt.Printf("Telemetry for task %s\n", bundle.TaskID)

	fmt.Printf("\nProblems (%d)\n", len(bundle.Problems))
	for _, p := range bundle.Problems {
		fmt.Printf("  [%s] %s: %s\n", p.Timestamp.Local().Format("15:04:05"), p.Kind, p.Message)
	}

	fmt.Printf("\nMilestones (%d)\n", len(bundle.Milestones))
	for _, m := range bundle.Milestones {
		fmt.Printf("  [%s] %s: %s\n", m.Timestamp.Local().Format("15:04:05"), m.Kind, m.Message)
	}

	fmt.Printf("\nPlanner stages (%d)\n", len(bundle.PlannerStages))
	for _, s := range bundle.PlannerStages {
		line := s.Stage
		if s.Decision != "" {
			line += " - " + s.Decision
		}
		fmt.Printf("  [%s] %s\n", s.Timestamp.Local().Format("15:04:05"), line)
	}

	fmt.Printf("\nQueue events: %d\n", len(bundle.QueueEvents))
}

// printHubReport renders a place-hub guessing report: a per-domain table and
// the candidate URLs beneath it.
func printHubReport(report *models.PlaceHubReport) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DOMAIN\tREADY\tCANDIDATES\tEXISTING\tSKIPPED")
	for _, domain := range report.Domains {
		fmt.Fprintf(w, "%s\t%t\t%d\t%d\t%d\n",
			domain.Domain, domain.Ready, len(domain.Candidates), domain.Existing, domain.Skipped)
	}
	w.Flush()

	for _, domain := range report.Domains {
		for _, hub := range domain.Candidates {
			fmt.Printf("  %s  %s (%s, score %.2f)\n", domain.Domain, hub.URL, hub.PlaceKind, hub.Score)
		}
	}

	verb := "guessed"
	if report.Applied {
		verb = "applied"
	}
	fmt.Printf("\n%d candidates %s across %d domains in %s\n",
		report.TotalCandidates, verb, len(report.Domains), report.Elapsed.Round(time.Millisecond))
}

// runDuration returns how long a task ran, zero when it never started
func runDuration(task *models.Task) time.Duration {
	if task.StartedAt == nil || task.CompletedAt == nil {
		return 0
	}
	return task.CompletedAt.Sub(*task.StartedAt)
}

// age renders a time as a compact elapsed string ("3m", "2h", "5d")
func age(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
