package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sisyphus-wfm/sisyphus/pkg/log"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sisyphus",
	Short: "Sisyphus - a workflow manager for long-running compute pipelines",
	Long: `Sisyphus materializes a graph of content-hashed job directories,
submits their tasks to a pluggable execution engine (a local process pool
or a cluster batch system), tracks task lifecycle through on-disk markers,
retries interrupted tasks with adaptive resource escalation, and links
finished outputs into a stable alias namespace.`,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(managerCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(consoleCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}
