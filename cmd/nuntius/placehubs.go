package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ternarybob/nuntius/internal/models"
)

var (
	hubDomains []string
	hubKinds   []string
	hubLimit   int
	hubApply   bool
	hubTimeout time.Duration
)

var placehubsCmd = &cobra.Command{
	Use:   "placehubs",
	Short: "Work with place hub pages",
}

var placehubsGuessCmd = &cobra.Command{
	Use:   "guess",
	Short: "Guess place hub URLs for crawled domains",
	Long: `Guesses place hub URLs (country, region, and city index pages) for
domains with enough fetch history, verified hubs, and learned patterns.
Dry-run by default: pass --apply to persist the candidates.`,
	RunE: runPlacehubsGuess,
}

func init() {
	placehubsGuessCmd.Flags().StringSliceVar(&hubDomains, "domains", nil, "Domains to guess hubs for (required)")
	placehubsGuessCmd.Flags().StringSliceVar(&hubKinds, "kinds", nil, "Place kinds to consider (continent, country, region, city)")
	placehubsGuessCmd.Flags().IntVar(&hubLimit, "limit", 0, "Maximum candidates per domain, 0 for no cap")
	placehubsGuessCmd.Flags().BoolVar(&hubApply, "apply", false, "Persist guessed candidates instead of reporting only")
	placehubsGuessCmd.Flags().DurationVar(&hubTimeout, "timeout", 0, "Per-domain guessing budget, 0 for the default")
	placehubsGuessCmd.MarkFlagRequired("domains")

	placehubsCmd.AddCommand(placehubsGuessCmd)
}

func runPlacehubsGuess(cmd *cobra.Command, args []string) error {
	kinds := make([]models.PlaceKind, 0, len(hubKinds))
	for _, kind := range hubKinds {
		if !models.ValidPlaceKind(kind) {
			return fmt.Errorf("unknown place kind %q", kind)
		}
		kinds = append(kinds, models.PlaceKind(kind))
	}

	application, cleanup, err := openApp()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := application.Orchestration.GuessPlaceHubs(ctx, models.PlaceHubOptions{
		Domains: hubDomains,
		Kinds:   kinds,
		Limit:   hubLimit,
		Apply:   hubApply,
		Timeout: hubTimeout,
	})
	if err != nil {
		return err
	}
	return printResult(report, func() { printHubReport(report) })
}
