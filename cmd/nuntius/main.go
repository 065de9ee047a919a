package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/nuntius/internal/common"
)

var (
	// Command-line flags shared by every command
	configFiles []string
	serverPort  int
	serverHost  string
	storePath   string
	jsonOutput  bool

	// Global state resolved by initConfig before any command runs
	config *common.Config
	logger arbor.ILogger
)

var rootCmd = &cobra.Command{
	Use:   "nuntius",
	Short: "Nuntius - adaptive news crawler",
	Long: `Nuntius crawls news sites with an adaptive planner, tracks every job as
a durable task, and serves the results over HTTP, SSE, and WebSocket.

The serve command runs the long-lived server. Every other command wires
the same facade in-process against the local data directory, so they
need exclusive access to it: stop the server before managing tasks from
the command line.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initConfig,
}

func init() {
	rootCmd.PersistentFlags().StringArrayVarP(&configFiles, "config", "c", nil, "Configuration file path (repeatable, later files override earlier ones)")
	rootCmd.PersistentFlags().IntVarP(&serverPort, "port", "p", 0, "Server port (overrides config)")
	rootCmd.PersistentFlags().StringVar(&serverHost, "host", "", "Server host (overrides config)")
	rootCmd.PersistentFlags().StringVar(&storePath, "store", "", "Task store path (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Emit the result as a single JSON document on stdout")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(crawlCmd)
	rootCmd.AddCommand(tasksCmd)
	rootCmd.AddCommand(placehubsCmd)
	rootCmd.AddCommand(gazetteerCmd)
	rootCmd.AddCommand(compressCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(versionCmd)
}

// initConfig resolves configuration before any command runs:
// defaults -> config files -> environment -> CLI flag overrides.
func initConfig(cmd *cobra.Command, args []string) error {
	// Auto-discover a config file when none is given. Loading with no files
	// at all falls back to the built-in defaults.
	if len(configFiles) == 0 {
		if _, err := os.Stat("nuntius.toml"); err == nil {
			configFiles = append(configFiles, "nuntius.toml")
		} else if _, err := os.Stat("deployments/local/nuntius.toml"); err == nil {
			configFiles = append(configFiles, "deployments/local/nuntius.toml")
		}
	}

	var err error
	config, err = common.LoadFromFiles(configFiles...)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	common.ApplyFlagOverrides(config, serverPort, serverHost, storePath)

	if jsonOutput {
		// stdout carries exactly one JSON document; keep log lines off it.
		config.Logging.Output = []string{"file"}
	}

	logger = common.InitLogger(config)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
