// Package cmd holds the weft CLI commands.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "weft",
	Short: "Weft is a branching-conversation orchestration engine",
	Long: `Weft drives multi-agent conversations as per-agent interaction stacks
stored in Redis. Workers pull ticks, tool calls and delegations from shared
queues, so any number of processes can serve the same conversations.`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to the yaml config file")
}
