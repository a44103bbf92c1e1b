package main

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"mapillary-downloader/pkg/ui"
)

var (
	// Version information
	version   = "1.0.0"
	gitCommit = "unknown"
	buildDate = "unknown"

	// Global flags
	configFile string
	logLevel   string
	logFile    string
	noColor    bool
	quiet      bool
	verbose    bool
)

// Exit codes
const (
	exitOK          = 0
	exitFailure     = 1
	exitIncomplete  = 2
	exitInterrupted = 130
)

// exitError carries a process exit code through cobra's error return
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "mapillary-downloader",
	Short: "Bulk export of a Mapillary account's images",
	Long: `mapillary-downloader exports every image a Mapillary user uploaded.

Images are grouped by sequence, written with their GPS position, capture time
and compass heading embedded as EXIF, and optionally converted to WebP and
bundled into one tar per sequence.

Runs are resumable: progress is recorded in the output directory and an
interrupted or partially failed export picks up where it stopped.`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildDate),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if noColor {
			ui.SetColor(false)
		}
		if quiet && !cmd.Flags().Changed("log-level") {
			logLevel = "error"
		}
	},
}

// Execute runs the command tree and returns the process exit code
func Execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return exitOK
	}

	var exit *exitError
	if errors.As(err, &exit) {
		if exit.err != nil {
			ui.PrintError("Error", exit.err)
		}
		return exit.code
	}
	fmt.Fprintln(os.Stderr, err)
	return exitFailure
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default is ./.mapillary-downloader.yaml or ~/.config/mapillary-downloader/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "also write logs to this file")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress everything except errors and the summary")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "print a line per image")

	rootCmd.SetVersionTemplate(`mapillary-downloader {{.Version}}
Go Version: ` + runtime.Version() + `
OS/Arch: ` + runtime.GOOS + `/` + runtime.GOARCH + `
`)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}
