package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"mapillary-downloader/pkg/auth"
	"mapillary-downloader/pkg/config"
	"mapillary-downloader/pkg/postprocess"
	"mapillary-downloader/pkg/ui"
)

const defaultConfigName = ".mapillary-downloader.yaml"

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration files",
	Long: `Manage mapillary-downloader configuration files.

Configuration is merged from, highest priority first:
  - Command line flags
  - Environment variables (MAPILLARY_TOKEN, MAPILLARY_DL_*)
  - .env files
  - Configuration file
  - Default values`,
}

// initCmd represents the config init command
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create an example configuration file",
	Long: `Create an example configuration file with all available options.

The file is written to ./` + defaultConfigName + ` unless a different
path is given with --config. An existing file is never overwritten.`,
	Args: cobra.NoArgs,
	RunE: runConfigInit,
}

// showCmd represents the config show command
var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long: `Show the configuration after merging all sources. The API token is masked.`,
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

// validateCmd represents the config validate command
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration",
	Long: `Validate the configuration for syntax errors and invalid values.

This command checks:
  - YAML syntax
  - Value ranges (quality, bounding box, workers, retry policy)
  - Output directory accessibility
  - Availability of the cwebp and tar binaries when their steps are enabled`,
	Args: cobra.NoArgs,
	RunE: runConfigValidate,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(initCmd)
	configCmd.AddCommand(showCmd)
	configCmd.AddCommand(validateCmd)
}

const exampleConfig = `# mapillary-downloader configuration
#
# Environment variables override this file:
#   MAPILLARY_TOKEN, MAPILLARY_DL_OUTPUT, MAPILLARY_DL_WORKERS,
#   MAPILLARY_DL_QUALITY, MAPILLARY_DL_LOG_LEVEL

mapillary:
  # Client token from https://www.mapillary.com/dashboard/developers
  # Prefer 'mapillary-downloader auth login' over storing it here
  token: ""

  # User whose images are exported
  username: ""

  base_url: "https://graph.mapillary.com"

  # Images per listing page (1-2000)
  page_limit: 2000

  request_timeout: 60s

download:
  output: "./mapillary_data"

  # 256, 1024, 2048 or original
  quality: "original"

  # west,south,east,north; empty exports everything
  bbox: ""

  # Parallel downloads, defaults to the number of CPUs
  # workers: 8

  # Append every listed image's API record to metadata.jsonl
  write_metadata_log: true

retry:
  max_attempts: 10
  base_delay: 1s
  max_delay: 60s
  multiplier: 2.0
  jitter: 0.1

rate_limit:
  # Requests per second per host, 0 disables pacing
  requests_per_second: 100
  burst: 10

post_process:
  # Convert to WebP with cwebp, keeping all metadata
  webp: false

  # Bundle every finished sequence into <sequence>.tar
  tar: true

  cwebp_path: "cwebp"
  tar_path: "tar"

  # Delete the sequence directory once its archive is verified
  remove_sources: true

logging:
  # debug, info, warn, error
  level: "info"

  # Also write logs here
  file: ""
`

func runConfigInit(cmd *cobra.Command, args []string) error {
	configPath := configFile
	if configPath == "" {
		configPath = defaultConfigName
	}

	if _, err := os.Stat(configPath); err == nil {
		return &exitError{
			code: exitFailure,
			err:  fmt.Errorf("configuration file already exists: %s", configPath),
		}
	}

	if dir := filepath.Dir(configPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return &exitError{code: exitFailure, err: fmt.Errorf("failed to create config directory: %w", err)}
		}
	}
	if err := os.WriteFile(configPath, []byte(exampleConfig), 0600); err != nil {
		return &exitError{code: exitFailure, err: fmt.Errorf("failed to create configuration file: %w", err)}
	}

	ui.PrintSuccess("Configuration file created: " + configPath)
	fmt.Fprintln(ui.Output, "\nNext steps:")
	fmt.Fprintln(ui.Output, "1. Set your username, and store a token with 'mapillary-downloader auth login'")
	fmt.Fprintln(ui.Output, "2. Run 'mapillary-downloader config validate' to check the configuration")
	fmt.Fprintln(ui.Output, "3. Start downloading with 'mapillary-downloader download'")
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile, nil)
	if err != nil {
		return &exitError{code: exitFailure, err: fmt.Errorf("failed to load configuration: %w", err)}
	}

	display := *cfg
	display.Mapillary.Token = auth.MaskToken(display.Mapillary.Token)

	data, err := yaml.Marshal(&display)
	if err != nil {
		return &exitError{code: exitFailure, err: fmt.Errorf("failed to format configuration: %w", err)}
	}

	ui.PrintHighlight("Current Configuration")
	fmt.Fprintln(ui.Output)
	fmt.Fprint(ui.Output, string(data))

	fmt.Fprintln(ui.Output, "\nConfiguration sources (in order of priority):")
	fmt.Fprintln(ui.Output, "1. Command line flags")
	fmt.Fprintln(ui.Output, "2. Environment variables (MAPILLARY_TOKEN, MAPILLARY_DL_*)")
	if configFile != "" {
		fmt.Fprintf(ui.Output, "3. Configuration file: %s\n", configFile)
	} else {
		fmt.Fprintln(ui.Output, "3. Configuration file: (searched in default locations)")
	}
	fmt.Fprintln(ui.Output, "4. Default values")
	return nil
}

// configProblems runs the checks that need the filesystem or PATH
func configProblems(cfg *config.Config) (problems, warnings []string) {
	if cfg.Mapillary.Username == "" {
		warnings = append(warnings, "no username configured, pass --username when downloading")
	}
	if cfg.Mapillary.Token == "" {
		warnings = append(warnings, "no token in the configuration, it must come from --token, "+config.EnvToken+" or 'auth login'")
	}

	if err := os.MkdirAll(cfg.Download.Output, 0755); err != nil {
		problems = append(problems, fmt.Sprintf("cannot create output directory: %v", err))
	}
	if cfg.Logging.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Logging.File), 0755); err != nil {
			problems = append(problems, fmt.Sprintf("cannot create log directory: %v", err))
		}
	}

	if cfg.PostProcess.WebP {
		if err := postprocess.NewCWebPConverter(cfg.PostProcess.CWebPPath, nil).Available(); err != nil {
			warnings = append(warnings, "webp is enabled but cwebp was not found, conversion will be skipped")
		}
	}
	if cfg.PostProcess.Tar {
		if err := postprocess.NewTarArchiver(cfg.PostProcess.TarPath, nil).Available(); err != nil {
			warnings = append(warnings, "tar is enabled but the tar binary was not found, archiving will be skipped")
		}
	}
	return problems, warnings
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	if configFile != "" {
		ui.PrintInfo("Validating configuration", configFile)
	}

	cfg, err := config.Load(configFile, nil)
	if err != nil {
		ui.PrintError("Configuration validation failed")
		var joined interface{ Unwrap() []error }
		if errors.As(err, &joined) {
			for _, e := range joined.Unwrap() {
				fmt.Fprintf(ui.Output, "  - %v\n", e)
			}
		} else {
			fmt.Fprintf(ui.Output, "  - %v\n", err)
		}
		return &exitError{code: exitFailure}
	}

	problems, warnings := configProblems(cfg)
	if len(problems) > 0 {
		ui.PrintError("Configuration has errors:")
		for _, p := range problems {
			fmt.Fprintf(ui.Output, "  - %s\n", p)
		}
		return &exitError{code: exitFailure}
	}
	if len(warnings) > 0 {
		ui.PrintWarning("Configuration warnings:")
		for _, w := range warnings {
			fmt.Fprintf(ui.Output, "  - %s\n", w)
		}
		fmt.Fprintln(ui.Output)
	}

	ui.PrintSuccess("Configuration is valid")

	fmt.Fprintln(ui.Output, "\nConfiguration summary:")
	fmt.Fprintf(ui.Output, "  Output directory: %s\n", cfg.Download.Output)
	fmt.Fprintf(ui.Output, "  Quality: %s\n", cfg.Download.Quality)
	fmt.Fprintf(ui.Output, "  Workers: %d\n", cfg.Download.Workers)
	fmt.Fprintf(ui.Output, "  Rate limit: %g requests/second\n", cfg.RateLimit.RequestsPerSecond)
	fmt.Fprintf(ui.Output, "  Max attempts: %d\n", cfg.Retry.MaxAttempts)
	fmt.Fprintf(ui.Output, "  Log level: %s\n", cfg.Logging.Level)
	return nil
}
