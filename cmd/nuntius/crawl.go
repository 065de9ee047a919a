package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ternarybob/nuntius/internal/common"
	"github.com/ternarybob/nuntius/internal/models"
)

var (
	crawlURL      string
	crawlTypeID   string
	crawlMaxPages int
	crawlMaxDepth int
	crawlPriority int
	crawlFlags    []string
	crawlDetach   bool
)

var crawlCmd = &cobra.Command{
	Use:   "crawl",
	Short: "Start a crawl job",
	Long: `Starts a crawl from a seed URL and follows its progress until the job
reaches a terminal state. With --detach the job is queued and the command
returns immediately; the server picks it up on its next scheduling pass.`,
	RunE: runCrawl,
}

func init() {
	crawlCmd.Flags().StringVar(&crawlURL, "url", "", "Seed URL to crawl (required)")
	crawlCmd.Flags().StringVar(&crawlTypeID, "crawl-type", "", "Crawl type definition to apply")
	crawlCmd.Flags().IntVar(&crawlMaxPages, "max-pages", 0, "Page budget, 0 for the configured default")
	crawlCmd.Flags().IntVar(&crawlMaxDepth, "max-depth", 0, "Depth limit, 0 for the configured default")
	crawlCmd.Flags().IntVar(&crawlPriority, "priority", 0, "Scheduling priority, higher runs first")
	crawlCmd.Flags().StringArrayVar(&crawlFlags, "flag", nil, "Planner or worker flag as key=value, repeatable")
	crawlCmd.Flags().BoolVar(&crawlDetach, "detach", false, "Queue the crawl and return without waiting")
	crawlCmd.MarkFlagRequired("url")
}

func runCrawl(cmd *cobra.Command, args []string) error {
	flags, err := common.ParseKeyValuePairs(crawlFlags)
	if err != nil {
		return err
	}
	opts := models.CrawlOptions{
		URL:       crawlURL,
		CrawlType: crawlTypeID,
		MaxPages:  crawlMaxPages,
		MaxDepth:  crawlMaxDepth,
		Priority:  crawlPriority,
		Flags:     flags,
	}

	application, cleanup, err := openApp()
	if err != nil {
		return err
	}
	defer cleanup()

	if crawlDetach {
		result, err := application.Orchestration.StartCrawl(context.Background(), opts)
		if err != nil {
			return err
		}
		return printResult(result, func() {
			fmt.Printf("Crawl queued: %s\n", result.TaskID)
			fmt.Println("The server starts it on its next scheduling pass.")
		})
	}

	final, err := runTask(application, func(ctx context.Context) (string, error) {
		result, err := application.Orchestration.StartCrawl(ctx, opts)
		if err != nil {
			return "", err
		}
		if !jsonOutput {
			fmt.Printf("Crawl started: %s\n", result.TaskID)
		}
		return result.TaskID, nil
	})
	if err != nil {
		return err
	}
	return reportFinal(final)
}
