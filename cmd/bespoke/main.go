// Command bespoke is both the Coordinator Service's entry point
// (`bespoke launch`) and a CLI client against a running coordinator
// (`submit`, `list`, `watch`, `retrieve`, `cancel`), mirroring the
// teacher's cmd/warren single-binary split between cluster-lifecycle
// and client commands.
package main

import (
	"fmt"
	"os"

	"github.com/openforcefield/bespoke-executor/pkg/log"
	"github.com/spf13/cobra"
)

// Exit codes, spec.md §6.4.
const (
	exitOK               = 0
	exitUserError        = 2
	exitCoordinatorUnreachable = 3
	exitSubmissionErrored = 4
	exitSubmissionCancelled = 5
)

var (
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

var rootCmd = &cobra.Command{
	Use:     "bespoke",
	Short:   "Bespoke Executor: molecule-specific force-field parameterization coordinator",
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("bind", envOr("BESPOKE_BIND", "http://127.0.0.1:15323"), "Coordinator address for client commands")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(launchCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(retrieveCmd)
	rootCmd.AddCommand(cancelCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}
