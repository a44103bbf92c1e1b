package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"mapillary-downloader/pkg/auth"
	"mapillary-downloader/pkg/config"
	errs "mapillary-downloader/pkg/errors"
	"mapillary-downloader/pkg/exporter"
	"mapillary-downloader/pkg/logger"
	"mapillary-downloader/pkg/ui"
)

var (
	// Download command flags
	token       string
	username    string
	outputDir   string
	quality     string
	bbox        string
	workers     int
	webp        bool
	noTar       bool
	keepSources bool
	resetState  bool
	maxRetries  int
	profile     string
)

// downloadCmd represents the download command
var downloadCmd = &cobra.Command{
	Use:   "download [username]",
	Short: "Download every image of a Mapillary user",
	Long: `Download all images uploaded by a Mapillary user, one directory per sequence.

An API client token is required. It is taken from, in order:
  - the --token flag
  - the MAPILLARY_TOKEN environment variable
  - the configuration file
  - the token stored with 'mapillary-downloader auth login'

Progress is kept in progress.json inside the output directory. Running the
same command again downloads only what is still missing and retries images
that failed before.`,
	Example: `  # Export everything at original resolution
  mapillary-downloader download --username alice

  # 2048px images inside a bounding box, converted to WebP
  mapillary-downloader download alice --quality 2048 --bbox 13.0,52.3,13.8,52.7 --webp

  # Keep plain directories instead of tar archives
  mapillary-downloader download alice --no-tar --output ./alice

  # Start over after the progress file was damaged
  mapillary-downloader download alice --reset-state`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDownload,
}

func init() {
	rootCmd.AddCommand(downloadCmd)
	addDownloadFlags(downloadCmd)

	// The root command downloads too, so `mapillary-downloader --username x` works
	addDownloadFlags(rootCmd)
	rootCmd.Args = cobra.MaximumNArgs(1)
	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 && !cmd.Flags().Changed("username") {
			return cmd.Help()
		}
		return runDownload(cmd, args)
	}
}

func addDownloadFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&token, "token", "", "Mapillary API client token (default from "+config.EnvToken+")")
	flags.StringVarP(&username, "username", "u", "", "Mapillary user whose images are exported")
	flags.StringVarP(&outputDir, "output", "o", "", "output root directory (default ./mapillary_data)")
	flags.StringVar(&quality, "quality", "", "image resolution: 256, 1024, 2048 or original (default original)")
	flags.StringVar(&bbox, "bbox", "", "only images inside west,south,east,north")
	flags.IntVarP(&workers, "workers", "w", 0, "parallel downloads (default number of CPUs)")
	flags.BoolVar(&webp, "webp", false, "convert images to WebP with cwebp after download")
	flags.BoolVar(&noTar, "no-tar", false, "do not bundle finished sequences into tar archives")
	flags.BoolVar(&keepSources, "keep-sources", false, "keep sequence directories after archiving")
	flags.BoolVar(&resetState, "reset-state", false, "back up an unreadable progress file and start from empty state")
	flags.IntVar(&maxRetries, "max-retries", 0, "attempts per request before giving up (default 10)")
	flags.StringVar(&profile, "profile", auth.DefaultProfile, "stored token profile to use")
}

// downloadFlags collects the flags the user actually set
func downloadFlags(cmd *cobra.Command, args []string) map[string]interface{} {
	flags := make(map[string]interface{})
	changed := cmd.Flags().Changed

	if len(args) > 0 {
		flags["username"] = strings.TrimSpace(args[0])
	}
	if changed("username") {
		flags["username"] = strings.TrimSpace(username)
	}
	if changed("output") {
		flags["output"] = outputDir
	}
	if changed("quality") {
		flags["quality"] = quality
	}
	if changed("bbox") {
		flags["bbox"] = bbox
	}
	if changed("workers") {
		flags["workers"] = workers
	}
	if changed("webp") {
		flags["webp"] = webp
	}
	if changed("no-tar") {
		flags["no-tar"] = noTar
	}
	if changed("keep-sources") {
		flags["keep-sources"] = keepSources
	}
	if changed("reset-state") {
		flags["reset-state"] = resetState
	}
	if changed("max-retries") {
		flags["max-retries"] = maxRetries
	}
	if changed("log-level") || quiet {
		flags["log-level"] = logLevel
	} else if !verbose && ui.IsInteractive() {
		// keep the progress bar readable
		flags["log-level"] = "warn"
	}
	if changed("log-file") {
		flags["log-file"] = logFile
	}
	return flags
}

func runDownload(cmd *cobra.Command, args []string) error {
	flags := downloadFlags(cmd, args)

	cfg, err := config.Load(configFile, flags)
	if err != nil {
		return &exitError{code: exitFailure, err: fmt.Errorf("failed to load configuration: %w", err)}
	}
	if cfg.Mapillary.Username == "" {
		return &exitError{code: exitFailure, err: errors.New("a username is required (--username or first argument)")}
	}

	if err := logger.Initialize(&cfg.Logging); err != nil {
		return &exitError{code: exitFailure, err: fmt.Errorf("failed to initialize logger: %w", err)}
	}
	log := logger.WithField("version", version)

	credManager, err := auth.NewManager()
	if err != nil {
		log.WithError(err).Warn("Stored tokens unavailable")
		credManager = nil
	}
	resolved, source, err := credManager.ResolveToken(strings.TrimSpace(token), cfg.Mapillary.Token, profile)
	if err != nil {
		ui.PrintError("No Mapillary API token found")
		auth.ShowTokenGuide(os.Stderr)
		return &exitError{code: exitFailure}
	}
	cfg.Mapillary.Token = resolved
	log.WithField("source", string(source)).Debug("Using API token")

	if !quiet {
		ui.PrintBanner()
		ui.PrintInfo("User", cfg.Mapillary.Username)
		ui.PrintInfo("Output", cfg.Download.Output)
		ui.PrintInfo("Quality", cfg.Download.Quality)
		if cfg.Download.BBox != "" {
			ui.PrintInfo("Bounding box", cfg.Download.BBox)
		}
	}

	display := ui.NewProgressDisplay(cfg.Mapillary.Username, os.Stdout, !quiet && ui.IsInteractive(), verbose)

	exp, err := exporter.New(cfg, exporter.WithProgress(display))
	if err != nil {
		return &exitError{code: exitFailure, err: err}
	}

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, err := exp.Run(ctx)
	if err != nil {
		log.WithError(err).Error("Export failed")
		return &exitError{code: exitFailure, err: describeRunError(err)}
	}

	ui.PrintSummary(os.Stdout, summary)
	return exitFor(summary)
}

// describeRunError adds the operator's next step to fatal run errors
func describeRunError(err error) error {
	var corrupt *errs.CorruptStateError
	if errors.As(err, &corrupt) {
		return fmt.Errorf("%w\nRe-run with --reset-state to back it up and start from empty state", err)
	}
	if errs.TypeOf(err) == errs.ErrorTypeAuth {
		return fmt.Errorf("%w\nCheck the token with 'mapillary-downloader auth status'", err)
	}
	return err
}

// exitFor maps a finished run to the process exit code
func exitFor(s *exporter.Summary) error {
	switch {
	case s.Interrupted:
		return &exitError{code: exitInterrupted}
	case !s.OK():
		return &exitError{code: exitIncomplete}
	default:
		return nil
	}
}
