package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// tempMarker appears in the name of every in-flight write
const tempMarker = ".tmp-"

// Manager lays out downloaded images under the output directory, one
// subdirectory per sequence
type Manager struct {
	outputDir string
}

// NewManager creates a new storage manager
func NewManager(outputDir string) (*Manager, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &Manager{outputDir: outputDir}, nil
}

// OutputDir returns the output directory path
func (m *Manager) OutputDir() string {
	return m.outputDir
}

// ValidateName rejects ids that would escape or alias a directory
func ValidateName(id string) error {
	switch {
	case id == "", id == ".", id == "..":
		return fmt.Errorf("invalid name %q", id)
	case strings.ContainsAny(id, `/\`), strings.ContainsRune(id, 0):
		return fmt.Errorf("invalid name %q: contains a path separator", id)
	}
	return nil
}

// SequenceDir returns the directory holding a sequence's images. Images
// without a sequence live directly in the output directory.
func (m *Manager) SequenceDir(sequenceID string) (string, error) {
	if sequenceID == "" {
		return m.outputDir, nil
	}
	if err := ValidateName(sequenceID); err != nil {
		return "", fmt.Errorf("sequence: %w", err)
	}
	return filepath.Join(m.outputDir, sequenceID), nil
}

// ImagePath returns where an image with the given extension is stored
func (m *Manager) ImagePath(sequenceID, imageID, ext string) (string, error) {
	dir, err := m.SequenceDir(sequenceID)
	if err != nil {
		return "", err
	}
	if err := ValidateName(imageID); err != nil {
		return "", fmt.Errorf("image: %w", err)
	}
	return filepath.Join(dir, imageID+ext), nil
}

// WriteAtomic stores data at path so that readers only ever see either
// the previous content or the complete new content
func (m *Manager) WriteAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return WriteFileAtomic(path, data, 0644)
}

// FinishedFiles lists the regular files directly inside dir by name,
// skipping in-flight temp files. A missing dir has no files.
func FinishedFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.Type().IsRegular() || IsTemp(entry.Name()) {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)
	return files, nil
}

// RemoveStaleTemps deletes temp files left behind by an interrupted run
func (m *Manager) RemoveStaleTemps() (int, error) {
	removed := 0
	err := filepath.WalkDir(m.outputDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != m.outputDir && filepath.Dir(path) != m.outputDir {
				return filepath.SkipDir
			}
			return nil
		}
		if IsTemp(d.Name()) {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// IsTemp reports whether name belongs to an unfinished write
func IsTemp(name string) bool {
	return strings.Contains(name, tempMarker)
}

// WriteFileAtomic writes data to a temp file beside path, syncs it and
// renames it into place
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+tempMarker+"*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write file data: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temporary file: %w", err)
	}
	syncDir(dir)
	return nil
}

// syncDir persists the rename; not every platform can fsync a directory
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	d.Sync()
	d.Close()
}
