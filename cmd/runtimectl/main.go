// Command runtimectl runs the Runtime sync/snapshot/operations core
// and exposes thin CLI wrappers over it (sync status, sync trigger,
// snapshot rollback).
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/linbo-net/runtime/pkg/log"
)

// Exit codes per the external-interfaces contract.
const (
	exitSuccess            = 0
	exitUserError           = 2
	exitAuthorityUnreachable = 3
	exitSnapshotInvalid     = 4
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

var rootCmd = &cobra.Command{
	Use:     "runtimectl",
	Short:   "runtimectl runs and controls a LINBO Runtime node",
	Long:    "runtimectl runs the Runtime sync/snapshot/operations core and exposes thin CLI wrappers over it.",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("runtimectl version %s (%s)\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(snapshotCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, errAuthorityUnreachable):
		return exitAuthorityUnreachable
	case errors.Is(err, errSnapshotInvalid):
		return exitSnapshotInvalid
	case errors.Is(err, errUserError):
		return exitUserError
	default:
		return 1
	}
}
