package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "autoforge",
	Short: "Autonomous development orchestrator",
	Long: `autoforge drives an unattended build-fix-commit loop: it discovers
small units of work, hands each to a coding agent, validates the result,
and commits or rolls back, over and over, with safety limits and
notifications along the way.`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "autoforge.yaml", "path to config file")
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("autoforge %s\n", Version)
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
