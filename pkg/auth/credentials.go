package auth

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"mapillary-downloader/pkg/config"
)

// DefaultProfile names the token used when no profile is given
const DefaultProfile = "default"

// Credential is a stored Mapillary API token
type Credential struct {
	Profile      string    `json:"profile"`
	Token        string    `json:"token"`
	LastModified time.Time `json:"last_modified"`
}

// TokenStore keeps one token per profile
type TokenStore interface {
	Get(profile string) (*Credential, error)
	Put(cred *Credential) error
	Remove(profile string) error
	Profiles() ([]*Credential, error)
}

// TokenSource says where a resolved token came from
type TokenSource string

const (
	SourceFlag   TokenSource = "flag"
	SourceEnv    TokenSource = "environment"
	SourceConfig TokenSource = "config"
	SourceStored TokenSource = "stored"
)

// Manager tries its stores in order: the keychain when present, then
// the encrypted token file
type Manager struct {
	stores []TokenStore
}

// NewManager creates the default store chain under the user config directory
func NewManager() (*Manager, error) {
	var stores []TokenStore
	if ks, err := NewKeyringStore(); err == nil {
		stores = append(stores, ks)
	}

	dir, err := configDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config directory: %w", err)
	}
	stores = append(stores, NewFileStore(filepath.Join(dir, "tokens.json")))

	return &Manager{stores: stores}, nil
}

// NewManagerWithStores creates a manager over the given stores, tried in order
func NewManagerWithStores(stores ...TokenStore) *Manager {
	return &Manager{stores: stores}
}

// Store saves the token in the first store that accepts it
func (m *Manager) Store(cred *Credential) error {
	if cred == nil || cred.Token == "" {
		return errors.New("token is required")
	}
	if cred.Profile == "" {
		cred.Profile = DefaultProfile
	}
	cred.LastModified = time.Now()

	var errs []error
	for _, store := range m.stores {
		err := store.Put(cred)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return ErrStoreUnavailable
	}
	return fmt.Errorf("failed to store token: %w", errors.Join(errs...))
}

// Retrieve gets the token of profile from the first store that has it
func (m *Manager) Retrieve(profile string) (*Credential, error) {
	if profile == "" {
		profile = DefaultProfile
	}
	for _, store := range m.stores {
		if cred, err := store.Get(profile); err == nil {
			return cred, nil
		}
	}
	return nil, fmt.Errorf("%w for profile %s", ErrCredentialsNotFound, profile)
}

// List returns one token per profile; earlier stores shadow later ones
func (m *Manager) List() ([]*Credential, error) {
	seen := make(map[string]bool)
	var out []*Credential

	for _, store := range m.stores {
		creds, err := store.Profiles()
		if err != nil {
			continue
		}
		for _, cred := range creds {
			if !seen[cred.Profile] {
				seen[cred.Profile] = true
				out = append(out, cred)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Profile < out[j].Profile })
	return out, nil
}

// Delete removes the profile's token from every store
func (m *Manager) Delete(profile string) error {
	if profile == "" {
		profile = DefaultProfile
	}

	var removed bool
	var failures []error
	for _, store := range m.stores {
		err := store.Remove(profile)
		switch {
		case err == nil:
			removed = true
		case !errors.Is(err, ErrCredentialsNotFound):
			failures = append(failures, err)
		}
	}

	if len(failures) > 0 {
		return fmt.Errorf("failed to remove token: %w", errors.Join(failures...))
	}
	if !removed {
		return fmt.Errorf("%w for profile %s", ErrCredentialsNotFound, profile)
	}
	return nil
}

// ResolveToken picks the token to use: the --token flag, then
// MAPILLARY_TOKEN, then the configuration file, then the stored profile
func (m *Manager) ResolveToken(flag, configured, profile string) (string, TokenSource, error) {
	if flag != "" {
		return flag, SourceFlag, nil
	}
	if env := os.Getenv(config.EnvToken); env != "" {
		return env, SourceEnv, nil
	}
	if configured != "" {
		return configured, SourceConfig, nil
	}
	if m != nil {
		if cred, err := m.Retrieve(profile); err == nil {
			return cred.Token, SourceStored, nil
		}
	}
	return "", "", ErrCredentialsNotFound
}

// configDir returns the per-user configuration directory
func configDir() (string, error) {
	var configDir string

	switch runtime.GOOS {
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		configDir = filepath.Join(home, "Library", "Application Support", "mapillary-downloader")
	case "windows":
		configDir = filepath.Join(os.Getenv("APPDATA"), "mapillary-downloader")
	default:
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			configDir = filepath.Join(xdgConfig, "mapillary-downloader")
		} else {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			configDir = filepath.Join(home, ".config", "mapillary-downloader")
		}
	}

	if err := os.MkdirAll(configDir, 0700); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}
	return configDir, nil
}

// SanitizeCredential returns a copy with the token masked
func SanitizeCredential(cred *Credential) *Credential {
	if cred == nil {
		return nil
	}
	return &Credential{
		Profile:      cred.Profile,
		Token:        MaskToken(cred.Token),
		LastModified: cred.LastModified,
	}
}

// MaskToken masks all but the first 4 and last 4 characters of a token
func MaskToken(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "********"
	}
	return s[:4] + "..." + s[len(s)-4:]
}

// Errors
var (
	ErrCredentialsNotFound = errors.New("token not found")
	ErrStoreUnavailable    = errors.New("token store unavailable")
)
