package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/phuslu/log"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/nuntius/internal/common"
	"github.com/ternarybob/nuntius/internal/crawler"
	"github.com/ternarybob/nuntius/internal/models"
	"github.com/ternarybob/nuntius/internal/storage/sqlite"
)

// flagList collects repeated --flag key=value occurrences
type flagList []string

func (f *flagList) String() string { return strings.Join(*f, ",") }

func (f *flagList) Set(value string) error {
	*f = append(*f, value)
	return nil
}

func main() {
	var flags flagList
	jobID := flag.String("job-id", "", "Task ID this worker reports under (required)")
	dbPath := flag.String("db", "", "Path to the shared SQLite store (required)")
	seedURL := flag.String("url", "", "Seed URL to crawl (required)")
	maxPages := flag.Int("max-pages", 0, "Page budget, 0 for the built-in default")
	maxDepth := flag.Int("max-depth", 0, "Depth limit, 0 for the built-in default")
	category := flag.String("category", "", "Domain category for cross-domain template sharing")
	userAgent := flag.String("user-agent", "", "Override the default user agent")
	logLevel := flag.String("log-level", "info", "stderr log level: debug, info, warn, error")
	flag.Var(&flags, "flag", "Planner or worker flag as key=value, repeatable")
	flag.Parse()

	// stdout carries the line protocol; every log line goes to stderr
	log.DefaultLogger = log.Logger{
		Level:  log.ParseLevel(*logLevel),
		Writer: &log.IOWriter{Writer: os.Stderr},
	}

	if *jobID == "" || *dbPath == "" || *seedURL == "" {
		fmt.Fprintln(os.Stderr, "Error: --job-id, --db and --url are required")
		flag.Usage()
		os.Exit(2)
	}

	flagMap, err := common.ParseKeyValuePairs(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	defaults := common.NewDefaultConfig()

	crawlConfig := defaults.Crawler
	if *userAgent != "" {
		crawlConfig.UserAgent = *userAgent
	}

	plannerConfig := defaults.Planner
	common.ApplyPlannerFlags(&plannerConfig, flagMap)
	useCache, _ := common.FlagBool(flagMap, "use_cache")

	opts := crawler.Options{
		TaskID:   *jobID,
		SeedURL:  *seedURL,
		MaxPages: *maxPages,
		MaxDepth: *maxDepth,
		UseCache: useCache,
		Category: *category,
		Crawler:  crawlConfig,
		Frontier: defaults.Frontier,
		Planner:  plannerConfig,
	}

	if err := run(opts, *dbPath, defaults.Store); err != nil {
		log.Error().Err(err).Str("job_id", *jobID).Msg("Crawl failed")
		os.Exit(1)
	}
}

func run(opts crawler.Options, dbPath string, storeConfig common.StoreConfig) error {
	storeConfig.Path = dbPath

	// A writerless logger keeps the shared store code quiet in this process;
	// anything it would say belongs to the supervisor's log, not ours.
	storeLogger := arbor.NewLogger()
	db, err := sqlite.NewSQLiteDB(storeLogger, &storeConfig)
	if err != nil {
		return fmt.Errorf("failed to open store at %s: %w", dbPath, err)
	}
	defer db.Close()

	worker, err := crawler.New(opts, crawler.Deps{
		Documents: sqlite.NewDocumentStorage(db, storeLogger),
		History:   sqlite.NewFetchHistoryStorage(db, storeLogger),
		Patterns:  sqlite.NewPatternStorage(db, storeLogger),
		Hubs:      sqlite.NewPlaceHubStorage(db, storeLogger),
		Output:    os.Stdout,
	})
	if err != nil {
		return err
	}

	// SIGTERM means stop: drain and exit 0, same as the STOP command
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		for range sigCh {
			worker.Apply(models.WorkerControlStop)
		}
	}()

	control := crawler.NewControlReader(os.Stdin)
	go func() {
		for cmd := range control.Commands() {
			worker.Apply(cmd)
		}
	}()

	log.Info().
		Str("job_id", opts.TaskID).
		Str("url", opts.SeedURL).
		Str("db", dbPath).
		Msg("Worker starting")

	return worker.Run(context.Background())
}
