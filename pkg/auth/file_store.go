package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/crypto/pbkdf2"

	"mapillary-downloader/pkg/config"
	"mapillary-downloader/pkg/storage"
)

const (
	tokenFileVersion = 1
	kdfIterations    = 100000
	saltSize         = 16
	secretSize       = 32
)

// tokenFile is the on-disk layout. Box holds the nonce followed by the
// AES-GCM sealed JSON map of profile to credential.
type tokenFile struct {
	Version int    `json:"version"`
	Salt    []byte `json:"salt"`
	Box     []byte `json:"box"`
}

// FileStore keeps tokens in one encrypted file. The key is derived from
// MAPILLARY_DL_PASSPHRASE when set, otherwise from a random secret kept
// next to the file with owner-only permissions.
type FileStore struct {
	path       string
	secretPath string

	mu sync.Mutex
}

// NewFileStore returns a store backed by path. Nothing is created until
// the first Put.
func NewFileStore(path string) *FileStore {
	return &FileStore{
		path:       path,
		secretPath: filepath.Join(filepath.Dir(path), ".token-secret"),
	}
}

// Get returns the token of profile
func (s *FileStore) Get(profile string) (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tokens, err := s.load()
	if err != nil {
		return nil, err
	}
	cred, ok := tokens[profile]
	if !ok {
		return nil, ErrCredentialsNotFound
	}
	return cred, nil
}

// Put stores cred, replacing the profile's previous token
func (s *FileStore) Put(cred *Credential) error {
	return s.update(func(tokens map[string]*Credential) error {
		tokens[cred.Profile] = cred
		return nil
	})
}

// Remove deletes the token of profile. The file goes away with the last token.
func (s *FileStore) Remove(profile string) error {
	return s.update(func(tokens map[string]*Credential) error {
		if _, ok := tokens[profile]; !ok {
			return ErrCredentialsNotFound
		}
		delete(tokens, profile)
		return nil
	})
}

// Profiles returns every stored token ordered by profile
func (s *FileStore) Profiles() ([]*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tokens, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]*Credential, 0, len(tokens))
	for _, cred := range tokens {
		out = append(out, cred)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Profile < out[j].Profile })
	return out, nil
}

func (s *FileStore) update(fn func(map[string]*Credential) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tokens, err := s.load()
	if err != nil {
		return err
	}
	if err := fn(tokens); err != nil {
		return err
	}
	return s.save(tokens)
}

// load reads and decrypts the file. A missing file is an empty store.
func (s *FileStore) load() (map[string]*Credential, error) {
	tokens := make(map[string]*Credential)

	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return tokens, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}

	var f tokenFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("token file %s is corrupt: %w", s.path, err)
	}
	if f.Version != tokenFileVersion {
		return nil, fmt.Errorf("token file %s has unsupported version %d", s.path, f.Version)
	}

	secret, err := s.secret(false)
	if err != nil {
		return nil, err
	}
	plain, err := openBox(secret, f.Salt, f.Box)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(plain, &tokens); err != nil {
		return nil, fmt.Errorf("token file %s is corrupt: %w", s.path, err)
	}
	return tokens, nil
}

func (s *FileStore) save(tokens map[string]*Credential) error {
	if len(tokens) == 0 {
		if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove token file: %w", err)
		}
		return nil
	}

	plain, err := json.Marshal(tokens)
	if err != nil {
		return fmt.Errorf("failed to encode tokens: %w", err)
	}
	secret, err := s.secret(true)
	if err != nil {
		return err
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}
	box, err := sealBox(secret, salt, plain)
	if err != nil {
		return err
	}

	raw, err := json.MarshalIndent(tokenFile{Version: tokenFileVersion, Salt: salt, Box: box}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}
	return storage.WriteFileAtomic(s.path, raw, 0600)
}

// secret returns the key material. With create set, a missing secret
// file is generated.
func (s *FileStore) secret(create bool) ([]byte, error) {
	if pass := os.Getenv(config.EnvPassphrase); pass != "" {
		return []byte(pass), nil
	}

	secret, err := os.ReadFile(s.secretPath)
	if err == nil && len(secret) == secretSize {
		return secret, nil
	}
	if err == nil {
		return nil, fmt.Errorf("token secret %s has the wrong size", s.secretPath)
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read token secret: %w", err)
	}
	if !create {
		return nil, fmt.Errorf("token secret %s is missing; set %s or log in again", s.secretPath, config.EnvPassphrase)
	}

	secret = make([]byte, secretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate token secret: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.secretPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create token directory: %w", err)
	}
	if err := storage.WriteFileAtomic(s.secretPath, secret, 0600); err != nil {
		return nil, fmt.Errorf("failed to save token secret: %w", err)
	}
	return secret, nil
}

func newGCM(secret, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(secret, salt, kdfIterations, 32, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func sealBox(secret, salt, plain []byte) ([]byte, error) {
	gcm, err := newGCM(secret, salt)
	if err != nil {
		return nil, fmt.Errorf("failed to set up encryption: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plain, nil), nil
}

func openBox(secret, salt, box []byte) ([]byte, error) {
	gcm, err := newGCM(secret, salt)
	if err != nil {
		return nil, fmt.Errorf("failed to set up decryption: %w", err)
	}
	if len(box) < gcm.NonceSize() {
		return nil, errors.New("token file is truncated")
	}
	nonce, sealed := box[:gcm.NonceSize()], box[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("cannot decrypt token file (wrong %s?): %w", config.EnvPassphrase, err)
	}
	return plain, nil
}
