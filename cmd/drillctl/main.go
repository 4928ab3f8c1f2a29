// Command drillctl runs the drilling rig control core and talks to a
// running instance: load and drive task plans, follow task events, answer
// motion preemption prompts and inspect the audit trail.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "drillctl",
	Short: "drillctl - drilling rig control core",
	Long:  `drillctl serves the task orchestrator, safety monitor and motion arbiter for a drilling rig, and acts as an operator console for a running instance.`,
	// 无子命令时显示帮助
}

var (
	configPath string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "Path to configuration file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(presetsCmd)
	rootCmd.AddCommand(roundsCmd)
	rootCmd.AddCommand(eventsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
