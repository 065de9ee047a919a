package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ternarybob/nuntius/internal/common"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		info := map[string]string{
			"version": common.GetVersion(),
			"build":   common.GetBuild(),
			"commit":  common.GetGitCommit(),
		}
		return printResult(info, func() {
			fmt.Printf("Nuntius %s\n", common.GetFullVersion())
		})
	},
}
