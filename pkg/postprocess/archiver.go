package postprocess

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"mapillary-downloader/pkg/logger"
	"mapillary-downloader/pkg/storage"
)

// ArchiveExt is appended to the sequence id to name its archive
const ArchiveExt = ".tar"

// ErrEmptyDirectory is returned when there is nothing to archive
var ErrEmptyDirectory = errors.New("directory has no files to archive")

// ArchiveResult describes a verified archive
type ArchiveResult struct {
	Path    string
	Members []string
	Size    int64
}

// Archiver bundles a sequence directory into one uncompressed archive
// placed beside it. Members are named relative to the directory's parent,
// so extracting next to the archive recreates the directory.
type Archiver interface {
	Archive(ctx context.Context, dir string) (*ArchiveResult, error)
}

// TarArchiver shells out to the system tar
type TarArchiver struct {
	binary string
	logger logger.Logger

	flagsOnce sync.Once
	ownership []string
}

// NewTarArchiver creates an archiver using the tar found at binary
func NewTarArchiver(binary string, log logger.Logger) *TarArchiver {
	if binary == "" {
		binary = "tar"
	}
	if log == nil {
		log = logger.GetLogger()
	}
	return &TarArchiver{binary: binary, logger: log.WithField("component", "archiver")}
}

// Available reports whether the tar binary can be found
func (a *TarArchiver) Available() error {
	_, err := exec.LookPath(a.binary)
	return err
}

// ownershipFlags normalises member ownership to root; GNU and BSD tar
// spell this differently
func (a *TarArchiver) ownershipFlags(ctx context.Context) []string {
	a.flagsOnce.Do(func() {
		out, _ := exec.CommandContext(ctx, a.binary, "--version").CombinedOutput()
		if strings.Contains(strings.ToLower(string(out)), "gnu") {
			a.ownership = []string{"--owner=0", "--group=0", "--numeric-owner"}
		} else {
			a.ownership = []string{"--uid", "0", "--gid", "0"}
		}
	})
	return a.ownership
}

// Archive writes <parent>/<name>.tar (or the next free suffixed name),
// verifies that every file made it in and returns the result. Source
// files are left in place.
func (a *TarArchiver) Archive(ctx context.Context, dir string) (*ArchiveResult, error) {
	dir = filepath.Clean(dir)
	parent, name := filepath.Dir(dir), filepath.Base(dir)

	members, err := listMembers(parent, name)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, ErrEmptyDirectory
	}

	tmp, err := os.CreateTemp(parent, "."+name+ArchiveExt+".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary archive: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	args := append([]string{"cf", tmpPath}, a.ownershipFlags(ctx)...)
	args = append(args, "-T", "-")
	cmd := exec.CommandContext(ctx, a.binary, args...)
	cmd.Dir = parent
	cmd.Stdin = strings.NewReader(strings.Join(members, "\n") + "\n")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	a.logger.DebugWithFields("Running tar", map[string]interface{}{
		"sequence": name,
		"files":    len(members),
	})
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("tar failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	size, err := verifyArchive(tmpPath, parent, members)
	if err != nil {
		return nil, err
	}

	target, err := PublishArchive(tmpPath, parent, name)
	if err != nil {
		return nil, err
	}

	return &ArchiveResult{Path: target, Members: members, Size: size}, nil
}

// listMembers returns the regular files under parent/name as sorted,
// slash-separated paths relative to parent
func listMembers(parent, name string) ([]string, error) {
	var members []string
	root := filepath.Join(parent, name)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() || storage.IsTemp(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(parent, path)
		if err != nil {
			return err
		}
		members = append(members, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", root, err)
	}
	sort.Strings(members)
	return members, nil
}

// verifyArchive checks that the archive holds every member with the size
// of its source file
func verifyArchive(archivePath, parent string, members []string) (int64, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return 0, fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if info.Size() == 0 {
		return 0, fmt.Errorf("archive is empty")
	}

	sizes := make(map[string]int64, len(members))
	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("failed to read archive: %w", err)
		}
		sizes[strings.TrimPrefix(hdr.Name, "./")] = hdr.Size
	}

	for _, m := range members {
		src, err := os.Stat(filepath.Join(parent, filepath.FromSlash(m)))
		if err != nil {
			return 0, err
		}
		got, ok := sizes[m]
		if !ok {
			return 0, fmt.Errorf("archive is missing %s", m)
		}
		if got != src.Size() {
			return 0, fmt.Errorf("archive has %d bytes for %s, source has %d", got, m, src.Size())
		}
	}
	return info.Size(), nil
}

// PublishArchive links the finished archive at src to the first free name
// among <name>.tar, <name>.2.tar, <name>.3.tar, ... in dir. A hard link
// fails when the name exists, so concurrent runs never share a name and no
// name is ever visible before its archive is complete. src is left for the
// caller to remove.
func PublishArchive(src, dir, name string) (string, error) {
	for n := 1; ; n++ {
		candidate := name + ArchiveExt
		if n > 1 {
			candidate = name + "." + strconv.Itoa(n) + ArchiveExt
		}
		path := filepath.Join(dir, candidate)

		err := os.Link(src, path)
		if err == nil {
			return path, nil
		}
		if !os.IsExist(err) {
			return "", fmt.Errorf("failed to publish %s: %w", path, err)
		}
	}
}
