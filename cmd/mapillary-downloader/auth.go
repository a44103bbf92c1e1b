package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"mapillary-downloader/pkg/auth"
	"mapillary-downloader/pkg/config"
	"mapillary-downloader/pkg/ui"
)

var authProfile string

// authCmd represents the auth command
var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage the stored Mapillary API token",
	Long: `Manage the stored Mapillary API token.

Tokens are stored using:
  - System keychain (when available)
  - Encrypted token file (key from ` + config.EnvPassphrase + ` or a generated secret)

A token given with --token or ` + config.EnvToken + ` always takes precedence.`,
}

// loginCmd represents the auth login command
var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store an API token securely",
	Long: `Store a Mapillary client token in the system keychain or an encrypted file.

The token is read from the terminal without echo.`,
	Example: `  # Interactive login
  mapillary-downloader auth login

  # Keep a second token under another profile
  mapillary-downloader auth login --profile work`,
	Args: cobra.NoArgs,
	RunE: runLogin,
}

// logoutCmd represents the auth logout command
var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the stored token",
	Args:  cobra.NoArgs,
	RunE:  runLogout,
}

// statusCmd represents the auth status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show which token a download would use",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(authCmd)
	authCmd.AddCommand(loginCmd)
	authCmd.AddCommand(logoutCmd)
	authCmd.AddCommand(statusCmd)

	authCmd.PersistentFlags().StringVar(&authProfile, "profile", auth.DefaultProfile, "token profile name")
}

func runLogin(cmd *cobra.Command, args []string) error {
	manager, err := auth.NewManager()
	if err != nil {
		return &exitError{code: exitFailure, err: fmt.Errorf("failed to initialize credential manager: %w", err)}
	}

	reader := bufio.NewReader(cmd.InOrStdin())
	auth.ShowTokenGuide(ui.Output)
	fmt.Fprintln(ui.Output)

	if existing, _ := manager.Retrieve(authProfile); existing != nil {
		fmt.Fprintf(ui.Output, "A token for profile '%s' is already stored. Replace it? (y/N): ", authProfile)
		if !confirm(reader) {
			return nil
		}
	}

	var token string
	for {
		fmt.Fprint(ui.Output, "Client token: ")
		token, err = readSecret(reader)
		if err != nil {
			return &exitError{code: exitFailure, err: fmt.Errorf("failed to read token: %w", err)}
		}
		if auth.LooksLikeToken(token) {
			break
		}

		fmt.Fprintln(ui.Output, "\nThat doesn't look like a client token. It should start with MLY|")
		fmt.Fprint(ui.Output, "Try again? (Y/n): ")
		if answer, _ := reader.ReadString('\n'); strings.EqualFold(strings.TrimSpace(answer), "n") {
			return &exitError{code: exitFailure}
		}
	}

	if err := manager.Store(&auth.Credential{Profile: authProfile, Token: token}); err != nil {
		return &exitError{code: exitFailure, err: fmt.Errorf("failed to store token: %w", err)}
	}

	ui.PrintSuccess(fmt.Sprintf("Token saved for profile '%s': %s", authProfile, auth.MaskToken(token)))
	fmt.Fprintln(ui.Output, "\nStart an export with:")
	fmt.Fprintln(ui.Output, "  $ mapillary-downloader download --username <user>")
	if authProfile != auth.DefaultProfile {
		fmt.Fprintf(ui.Output, "  $ mapillary-downloader download --username <user> --profile %s\n", authProfile)
	}
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	manager, err := auth.NewManager()
	if err != nil {
		return &exitError{code: exitFailure, err: fmt.Errorf("failed to initialize credential manager: %w", err)}
	}

	if err := manager.Delete(authProfile); err != nil {
		if errors.Is(err, auth.ErrCredentialsNotFound) {
			ui.PrintWarning("No stored token for profile", authProfile)
			return nil
		}
		return &exitError{code: exitFailure, err: fmt.Errorf("failed to remove token: %w", err)}
	}
	ui.PrintSuccess("Token removed for profile: " + authProfile)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile, nil)
	if err != nil {
		return &exitError{code: exitFailure, err: fmt.Errorf("failed to load configuration: %w", err)}
	}

	manager, err := auth.NewManager()
	if err != nil {
		ui.PrintWarning("Stored tokens unavailable", err)
		manager = nil
	}

	token, source, err := manager.ResolveToken("", cfg.Mapillary.Token, authProfile)
	if err != nil {
		ui.PrintError("No token found")
		fmt.Fprintln(ui.Output, "\nRun 'mapillary-downloader auth login' to store one.")
		return &exitError{code: exitFailure}
	}

	ui.PrintInfo("Token", auth.MaskToken(token))
	ui.PrintInfo("Source", string(source))

	if manager != nil {
		creds, _ := manager.List()
		if len(creds) > 0 {
			fmt.Fprintln(ui.Output)
			ui.PrintHighlight("Stored profiles")
			for _, cred := range creds {
				c := auth.SanitizeCredential(cred)
				if c.LastModified.IsZero() {
					fmt.Fprintf(ui.Output, "  %s  %s\n", c.Profile, c.Token)
					continue
				}
				fmt.Fprintf(ui.Output, "  %s  %s  (saved %s)\n", c.Profile, c.Token, c.LastModified.Format("2006-01-02 15:04"))
			}
		}
	}
	return nil
}

// confirm reads a y/N answer
func confirm(reader *bufio.Reader) bool {
	input, _ := reader.ReadString('\n')
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(input)), "y")
}

// readSecret reads a line without echo when stdin is a terminal
func readSecret(reader *bufio.Reader) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		secret, err := term.ReadPassword(fd)
		fmt.Fprintln(ui.Output)
		if err == nil {
			return strings.TrimSpace(string(secret)), nil
		}
	}

	input, err := reader.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && input != "") {
		return "", err
	}
	return strings.TrimSpace(input), nil
}
