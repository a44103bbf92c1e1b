package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/zalando/go-keyring"
)

const (
	keyringService = "mapillary-downloader"
	keyringIndex   = "profiles"
)

// KeyringStore keeps one token per profile in the system keychain. The
// keychain cannot enumerate entries, so an index entry records which
// profiles exist and when each was saved.
type KeyringStore struct{}

// NewKeyringStore returns ErrStoreUnavailable when there is no usable
// keychain (headless Linux without a secret service, for example)
func NewKeyringStore() (*KeyringStore, error) {
	if _, err := keyring.Get(keyringService, keyringIndex); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return &KeyringStore{}, nil
}

func tokenKey(profile string) string { return "token/" + profile }

// Get returns the token of profile
func (k *KeyringStore) Get(profile string) (*Credential, error) {
	token, err := keyring.Get(keyringService, tokenKey(profile))
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, ErrCredentialsNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read keychain: %w", err)
	}

	index, _ := k.index()
	return &Credential{Profile: profile, Token: token, LastModified: index[profile]}, nil
}

// Put stores the token and records the profile in the index
func (k *KeyringStore) Put(cred *Credential) error {
	if err := keyring.Set(keyringService, tokenKey(cred.Profile), cred.Token); err != nil {
		return fmt.Errorf("failed to write keychain: %w", err)
	}

	index, err := k.index()
	if err != nil {
		return err
	}
	index[cred.Profile] = cred.LastModified
	return k.saveIndex(index)
}

// Remove deletes the token of profile
func (k *KeyringStore) Remove(profile string) error {
	err := keyring.Delete(keyringService, tokenKey(profile))
	if errors.Is(err, keyring.ErrNotFound) {
		return ErrCredentialsNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete from keychain: %w", err)
	}

	index, err := k.index()
	if err != nil {
		return err
	}
	delete(index, profile)
	return k.saveIndex(index)
}

// Profiles returns the indexed tokens that are still in the keychain
func (k *KeyringStore) Profiles() ([]*Credential, error) {
	index, err := k.index()
	if err != nil {
		return nil, err
	}

	out := make([]*Credential, 0, len(index))
	for profile, saved := range index {
		token, err := keyring.Get(keyringService, tokenKey(profile))
		if err != nil {
			continue
		}
		out = append(out, &Credential{Profile: profile, Token: token, LastModified: saved})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Profile < out[j].Profile })
	return out, nil
}

func (k *KeyringStore) index() (map[string]time.Time, error) {
	index := make(map[string]time.Time)

	raw, err := keyring.Get(keyringService, keyringIndex)
	if errors.Is(err, keyring.ErrNotFound) {
		return index, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read keychain index: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &index); err != nil {
		// a damaged index only loses listing and timestamps
		return make(map[string]time.Time), nil
	}
	return index, nil
}

func (k *KeyringStore) saveIndex(index map[string]time.Time) error {
	if len(index) == 0 {
		err := keyring.Delete(keyringService, keyringIndex)
		if err != nil && !errors.Is(err, keyring.ErrNotFound) {
			return fmt.Errorf("failed to update keychain index: %w", err)
		}
		return nil
	}

	raw, err := json.Marshal(index)
	if err != nil {
		return err
	}
	if err := keyring.Set(keyringService, keyringIndex, string(raw)); err != nil {
		return fmt.Errorf("failed to update keychain index: %w", err)
	}
	return nil
}
