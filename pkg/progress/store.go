package progress

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	errs "mapillary-downloader/pkg/errors"
	"mapillary-downloader/pkg/logger"
	"mapillary-downloader/pkg/models"
)

const (
	// SnapshotFile is the progress record inside the output directory
	SnapshotFile = "progress.json"
	// JournalFile holds marks made since the last snapshot
	JournalFile = "progress.journal"

	snapshotVersion = 2
)

// snapshot is the on-disk record. A bare {"downloaded": [...]} file is
// also accepted.
type snapshot struct {
	Version    int               `json:"version,omitempty"`
	UpdatedAt  time.Time         `json:"updated_at,omitempty"`
	Downloaded []string          `json:"downloaded"`
	Failed     map[string]string `json:"failed,omitempty"`
}

// entry is one journal line
type entry struct {
	ID     string             `json:"id"`
	Status models.ImageStatus `json:"status"`
	Reason string             `json:"reason,omitempty"`
}

// Counts summarizes the record
type Counts struct {
	Downloaded int
	Failed     int
}

// Store is the durable per-image progress record of one output directory.
// It is the single writer of that record; all methods are safe for
// concurrent use.
type Store struct {
	dir    string
	logger logger.Logger

	mu         sync.Mutex
	downloaded map[string]struct{}
	failed     map[string]string
	journal    *os.File
	loaded     bool
}

// Open returns a Store for dir. Nothing is read until Load.
func Open(dir string, log logger.Logger) *Store {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Store{
		dir:        dir,
		logger:     log.WithField("component", "progress"),
		downloaded: make(map[string]struct{}),
		failed:     make(map[string]string),
	}
}

// Path returns the snapshot location
func (s *Store) Path() string {
	return filepath.Join(s.dir, SnapshotFile)
}

func (s *Store) journalPath() string {
	return filepath.Join(s.dir, JournalFile)
}

// Load reads the snapshot and replays the journal. A missing record yields
// empty state. An unparsable one yields *errors.CorruptStateError and leaves
// the store unusable until Reset.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	s.downloaded = make(map[string]struct{})
	s.failed = make(map[string]string)

	if err := s.readSnapshot(); err != nil {
		return err
	}
	replayed, err := s.replayJournal()
	if err != nil {
		return err
	}

	// fold the journal into a fresh snapshot so it starts empty
	if err := s.compactLocked(); err != nil {
		return err
	}
	s.loaded = true

	s.logger.InfoWithFields("Progress loaded", map[string]interface{}{
		"path":       s.Path(),
		"downloaded": len(s.downloaded),
		"failed":     len(s.failed),
		"replayed":   replayed,
	})
	return nil
}

func (s *Store) readSnapshot() error {
	data, err := os.ReadFile(s.Path())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read progress record: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return &errs.CorruptStateError{Path: s.Path(), Err: err}
	}
	if snap.Version > snapshotVersion {
		return &errs.CorruptStateError{
			Path: s.Path(),
			Err:  fmt.Errorf("unsupported version %d", snap.Version),
		}
	}

	for _, id := range snap.Downloaded {
		s.downloaded[id] = struct{}{}
	}
	for id, reason := range snap.Failed {
		if _, done := s.downloaded[id]; !done {
			s.failed[id] = reason
		}
	}
	return nil
}

// replayJournal applies journal lines in order. A final line without a
// trailing newline was never acknowledged and is dropped.
func (s *Store) replayJournal() (int, error) {
	data, err := os.ReadFile(s.journalPath())
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read progress journal: %w", err)
	}

	if i := bytes.LastIndexByte(data, '\n'); i != len(data)-1 {
		if len(data) > 0 {
			s.logger.Warn("Dropping torn last line of progress journal")
		}
		data = data[:i+1]
	}

	n := 0
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var e entry
		if err := json.Unmarshal(line, &e); err != nil || e.ID == "" {
			if err == nil {
				err = fmt.Errorf("journal line %d has no id", n+1)
			}
			return n, &errs.CorruptStateError{Path: s.journalPath(), Err: err}
		}
		s.apply(e)
		n++
	}
	if err := sc.Err(); err != nil {
		return n, &errs.CorruptStateError{Path: s.journalPath(), Err: err}
	}
	return n, nil
}

// apply updates memory only. downloaded is terminal.
func (s *Store) apply(e entry) bool {
	if _, done := s.downloaded[e.ID]; done {
		return false
	}
	switch e.Status {
	case models.StatusDownloaded:
		s.downloaded[e.ID] = struct{}{}
		delete(s.failed, e.ID)
	case models.StatusFailed:
		s.failed[e.ID] = e.Reason
	default:
		return false
	}
	return true
}

// compactLocked writes a snapshot atomically and truncates the journal
func (s *Store) compactLocked() error {
	snap := snapshot{
		Version:    snapshotVersion,
		UpdatedAt:  time.Now().UTC(),
		Downloaded: make([]string, 0, len(s.downloaded)),
		Failed:     s.failed,
	}
	for id := range s.downloaded {
		snap.Downloaded = append(snap.Downloaded, id)
	}
	sort.Strings(snap.Downloaded)

	data, err := json.Marshal(&snap)
	if err != nil {
		return fmt.Errorf("failed to encode progress record: %w", err)
	}
	if err := writeFileAtomic(s.Path(), data); err != nil {
		return err
	}

	if s.journal != nil {
		s.journal.Close()
		s.journal = nil
	}
	j, err := os.OpenFile(s.journalPath(), os.O_CREATE|os.O_TRUNC|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open progress journal: %w", err)
	}
	if err := j.Sync(); err != nil {
		j.Close()
		return fmt.Errorf("failed to sync progress journal: %w", err)
	}
	s.journal = j
	return nil
}

// IsComplete reports whether id has been downloaded
func (s *Store) IsComplete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.downloaded[id]
	return ok
}

// Status returns the recorded status of id; unknown ids are pending
func (s *Store) Status(id string) models.ImageStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.downloaded[id]; ok {
		return models.StatusDownloaded
	}
	if _, ok := s.failed[id]; ok {
		return models.StatusFailed
	}
	return models.StatusPending
}

// FailureReason returns why id last failed, if it did
func (s *Store) FailureReason(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.failed[id]
	return r, ok
}

// MarkDownloaded records id as downloaded. It returns once the mark is on
// stable storage. Marking an already downloaded id is a no-op.
func (s *Store) MarkDownloaded(id string) error {
	return s.mark(entry{ID: id, Status: models.StatusDownloaded})
}

// MarkFailed records a failed attempt for id. It never overrides downloaded.
func (s *Store) MarkFailed(id, reason string) error {
	return s.mark(entry{ID: id, Status: models.StatusFailed, Reason: reason})
}

func (s *Store) mark(e entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded || s.journal == nil {
		return fmt.Errorf("progress store for %s is not loaded", s.dir)
	}
	if _, done := s.downloaded[e.ID]; done {
		return nil
	}

	line, err := json.Marshal(&e)
	if err != nil {
		return fmt.Errorf("failed to encode progress entry: %w", err)
	}
	line = append(line, '\n')
	if _, err := s.journal.Write(line); err != nil {
		return fmt.Errorf("failed to append progress entry: %w", err)
	}
	if err := s.journal.Sync(); err != nil {
		return fmt.Errorf("failed to sync progress journal: %w", err)
	}

	s.apply(e)
	return nil
}

// PendingImages returns the descriptors not yet downloaded, in input order.
// Failed images are pending again.
func (s *Store) PendingImages(all []models.ImageDescriptor) []models.ImageDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := make([]models.ImageDescriptor, 0, len(all))
	for _, d := range all {
		if _, done := s.downloaded[d.ID]; !done {
			pending = append(pending, d)
		}
	}
	return pending
}

// Counts returns how many ids are downloaded and failed
func (s *Store) Counts() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Counts{Downloaded: len(s.downloaded), Failed: len(s.failed)}
}

// Close compacts and releases the journal
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		return nil
	}
	err := s.compactLocked()
	if s.journal != nil {
		if cerr := s.journal.Close(); err == nil {
			err = cerr
		}
		s.journal = nil
	}
	s.loaded = false
	return err
}

// Reset moves any existing record aside as <name>.corrupt-<timestamp> and
// starts from empty state. It returns the backup paths.
func (s *Store) Reset() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.journal != nil {
		s.journal.Close()
		s.journal = nil
	}

	stamp := time.Now().UTC().Format("20060102T150405Z")
	var backups []string
	for _, p := range []string{s.Path(), s.journalPath()} {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			continue
		}
		backup := fmt.Sprintf("%s.corrupt-%s", p, stamp)
		if err := os.Rename(p, backup); err != nil {
			return backups, fmt.Errorf("failed to back up %s: %w", p, err)
		}
		backups = append(backups, backup)
	}

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return backups, fmt.Errorf("failed to create output directory: %w", err)
	}
	s.downloaded = make(map[string]struct{})
	s.failed = make(map[string]string)
	if err := s.compactLocked(); err != nil {
		return backups, err
	}
	s.loaded = true

	s.logger.WarnWithFields("Progress record reset", map[string]interface{}{
		"backups": backups,
	})
	return backups, nil
}

// writeFileAtomic writes data to a temp file beside path, syncs it and
// renames it into place
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary progress file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write progress file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync progress file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close progress file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace progress file: %w", err)
	}

	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}
