package auth

import (
	"fmt"
	"io"
	"strings"
)

// DeveloperDashboardURL is where client tokens are issued
const DeveloperDashboardURL = "https://www.mapillary.com/dashboard/developers"

// ShowTokenGuide explains how to obtain an API token
func ShowTokenGuide(w io.Writer) {
	fmt.Fprintln(w, strings.Repeat("=", 72))
	fmt.Fprintln(w, "MAPILLARY ACCESS TOKEN")
	fmt.Fprintln(w, strings.Repeat("=", 72))
	fmt.Fprintln(w)
	fmt.Fprintln(w, "The downloader reads your images through the Mapillary Graph API,")
	fmt.Fprintln(w, "which needs a client access token.")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  1. Sign in and open "+DeveloperDashboardURL)
	fmt.Fprintln(w, "  2. Register an application (any name; no callback URL is needed)")
	fmt.Fprintln(w, "  3. Copy the \"Client Token\" (it starts with MLY|)")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Then either:")
	fmt.Fprintln(w, "  • run `mapillary-downloader auth login` and paste it, or")
	fmt.Fprintln(w, "  • export MAPILLARY_TOKEN=<token>, or")
	fmt.Fprintln(w, "  • pass --token <token> on every run")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Stored tokens live in the system keyring, or in an encrypted file when")
	fmt.Fprintln(w, "no keyring is available (set MAPILLARY_DL_PASSPHRASE to choose its key).")
	fmt.Fprintln(w, strings.Repeat("=", 72))
}

// LooksLikeToken reports whether s has the shape of a client token
func LooksLikeToken(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "MLY|") && len(s) > len("MLY|")
}
