package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ternarybob/nuntius/internal/tasks"
)

var gazetteerSource string

var gazetteerCmd = &cobra.Command{
	Use:   "gazetteer",
	Short: "Manage the place gazetteer",
}

var gazetteerIngestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest places from a JSONL export",
	Long: `Loads gazetteer entries from a JSON-lines file (one place per line)
into the place store, updating existing entries by slug. Runs as a
background task and follows it to completion.`,
	RunE: runGazetteerIngest,
}

func init() {
	gazetteerIngestCmd.Flags().StringVar(&gazetteerSource, "source", "", "Path to the JSONL source file (required)")
	gazetteerIngestCmd.MarkFlagRequired("source")

	gazetteerCmd.AddCommand(gazetteerIngestCmd)
}

func runGazetteerIngest(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(gazetteerSource); err != nil {
		return fmt.Errorf("cannot read source file: %w", err)
	}

	application, cleanup, err := openApp()
	if err != nil {
		return err
	}
	defer cleanup()

	final, err := runTask(application, func(ctx context.Context) (string, error) {
		task, err := application.Orchestration.StartBackgroundTask(ctx, tasks.TypeGazetteer, map[string]interface{}{
			tasks.ConfigKeySource: gazetteerSource,
		})
		if err != nil {
			return "", err
		}
		if !jsonOutput {
			fmt.Printf("Gazetteer ingest started: %s\n", task.ID)
		}
		return task.ID, nil
	})
	if err != nil {
		return err
	}
	return reportFinal(final)
}
