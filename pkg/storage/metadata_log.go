package storage

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// MetadataLogFile is the name of the JSON-lines log in the output directory
const MetadataLogFile = "metadata.jsonl"

// MetadataLog appends raw API records, one JSON object per line. Records
// whose id is already in the log are skipped, so repeated runs do not
// duplicate lines.
type MetadataLog struct {
	path string
	file *os.File
	ids  map[string]struct{}
	mu   sync.Mutex
}

// OpenMetadataLog opens (or creates) the log at path for appending
func OpenMetadataLog(path string) (*MetadataLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	ids, err := ReadMetadataIDs(path)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata log: %w", err)
	}
	if err := terminateTail(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to repair metadata log: %w", err)
	}
	return &MetadataLog{path: path, file: f, ids: ids}, nil
}

// terminateTail ends a line torn by an interrupted write so the next
// record starts on a line of its own
func terminateTail(f *os.File) error {
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		return nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return err
	}
	if last[0] == '\n' {
		return nil
	}
	_, err = f.Write([]byte{'\n'})
	return err
}

// Path returns the log's file path
func (l *MetadataLog) Path() string {
	return l.path
}

// Append writes record as a single line. It reports whether a line was
// written; records already present are ignored.
func (l *MetadataLog) Append(id string, record json.RawMessage) (bool, error) {
	var line bytes.Buffer
	if err := json.Compact(&line, record); err != nil {
		return false, fmt.Errorf("invalid metadata record for %s: %w", id, err)
	}
	line.WriteByte('\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return false, fmt.Errorf("metadata log %s is closed", l.path)
	}
	if _, ok := l.ids[id]; ok {
		return false, nil
	}
	// unbuffered: each line reaches the file as soon as it is appended
	if _, err := l.file.Write(line.Bytes()); err != nil {
		return false, fmt.Errorf("failed to append metadata: %w", err)
	}
	l.ids[id] = struct{}{}
	return true, nil
}

// Len returns the number of distinct records in the log
func (l *MetadataLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ids)
}

// Close syncs and closes the log
func (l *MetadataLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	syncErr := l.file.Sync()
	closeErr := l.file.Close()
	l.file = nil
	if syncErr != nil {
		return syncErr
	}
	return closeErr
}

// ReadMetadataIDs returns the ids recorded in a metadata log. A missing
// file is an empty log; an unparseable trailing line from an interrupted
// write is ignored.
func ReadMetadataIDs(path string) (map[string]struct{}, error) {
	ids := make(map[string]struct{})

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ids, nil
		}
		return nil, fmt.Errorf("failed to open metadata log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var rec struct {
			ID string `json:"id"`
		}
		if json.Unmarshal(scanner.Bytes(), &rec) != nil || rec.ID == "" {
			continue
		}
		ids[rec.ID] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read metadata log: %w", err)
	}
	return ids, nil
}
