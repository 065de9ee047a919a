package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ternarybob/nuntius/internal/tasks"
)

var (
	compressLimit int
	analyzeLimit  int
)

var compressCmd = &cobra.Command{
	Use:   "compress",
	Short: "Document compression maintenance",
}

var compressRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Compress stored documents that still hold raw HTML",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSweep(tasks.TypeCompress, compressLimit)
	},
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Document structure analysis maintenance",
}

var analyzeRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Analyze stored documents that lack structural metadata",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSweep(tasks.TypeAnalyze, analyzeLimit)
	},
}

func init() {
	compressRunCmd.Flags().IntVar(&compressLimit, "limit", 0, "Maximum documents this sweep, 0 for the default")
	analyzeRunCmd.Flags().IntVar(&analyzeLimit, "limit", 0, "Maximum documents this sweep, 0 for the default")

	compressCmd.AddCommand(compressRunCmd)
	analyzeCmd.AddCommand(analyzeRunCmd)
}

// runSweep starts one maintenance sweep and follows it to completion, the
// same path the cron scheduler takes inside the server.
func runSweep(taskType string, limit int) error {
	taskConfig := map[string]interface{}{}
	if limit > 0 {
		taskConfig[tasks.ConfigKeyLimit] = limit
	}

	application, cleanup, err := openApp()
	if err != nil {
		return err
	}
	defer cleanup()

	final, err := runTask(application, func(ctx context.Context) (string, error) {
		task, err := application.Orchestration.StartBackgroundTask(ctx, taskType, taskConfig)
		if err != nil {
			return "", err
		}
		if !jsonOutput {
			fmt.Printf("%s sweep started: %s\n", taskType, task.ID)
		}
		return task.ID, nil
	})
	if err != nil {
		return err
	}
	return reportFinal(final)
}
