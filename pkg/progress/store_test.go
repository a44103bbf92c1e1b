package progress

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "mapillary-downloader/pkg/errors"
	"mapillary-downloader/pkg/logger"
	"mapillary-downloader/pkg/models"
)

func openLoaded(t *testing.T, dir string) *Store {
	t.Helper()
	s := Open(dir, logger.NewTestLogger())
	require.NoError(t, s.Load())
	t.Cleanup(func() { s.Close() })
	return s
}

func descriptors(ids ...string) []models.ImageDescriptor {
	out := make([]models.ImageDescriptor, len(ids))
	for i, id := range ids {
		out[i] = models.ImageDescriptor{ID: id, SequenceID: "seq"}
	}
	return out
}

func TestLoadEmpty(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	s := openLoaded(t, dir)

	assert.Equal(t, Counts{}, s.Counts())
	assert.Equal(t, models.StatusPending, s.Status("x"))
	assert.FileExists(t, filepath.Join(dir, SnapshotFile))
}

func TestMarksSurviveRestart(t *testing.T) {
	dir := t.TempDir()

	s := openLoaded(t, dir)
	require.NoError(t, s.MarkDownloaded("a"))
	require.NoError(t, s.MarkFailed("b", "404"))
	// simulate an abrupt exit: no Close, the journal alone must carry the marks

	again := openLoaded(t, dir)
	assert.True(t, again.IsComplete("a"))
	assert.Equal(t, models.StatusFailed, again.Status("b"))
	reason, ok := again.FailureReason("b")
	assert.True(t, ok)
	assert.Equal(t, "404", reason)
	assert.Equal(t, Counts{Downloaded: 1, Failed: 1}, again.Counts())
}

func TestDownloadedIsTerminal(t *testing.T) {
	dir := t.TempDir()

	s := openLoaded(t, dir)
	require.NoError(t, s.MarkDownloaded("a"))
	require.NoError(t, s.MarkFailed("a", "late failure"))
	require.NoError(t, s.MarkDownloaded("a"))
	assert.Equal(t, models.StatusDownloaded, s.Status("a"))
	require.NoError(t, s.Close())

	again := openLoaded(t, dir)
	assert.Equal(t, models.StatusDownloaded, again.Status("a"))
	assert.Equal(t, Counts{Downloaded: 1}, again.Counts())
}

func TestFailedCanBeRetried(t *testing.T) {
	s := openLoaded(t, t.TempDir())

	require.NoError(t, s.MarkFailed("a", "timeout"))
	assert.Len(t, s.PendingImages(descriptors("a")), 1)

	require.NoError(t, s.MarkDownloaded("a"))
	assert.Equal(t, Counts{Downloaded: 1}, s.Counts())
	_, failed := s.FailureReason("a")
	assert.False(t, failed)
}

func TestPendingImagesPreservesOrder(t *testing.T) {
	s := openLoaded(t, t.TempDir())
	require.NoError(t, s.MarkDownloaded("b"))
	require.NoError(t, s.MarkDownloaded("d"))

	pending := s.PendingImages(descriptors("e", "b", "a", "d", "c"))
	var ids []string
	for _, d := range pending {
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []string{"e", "a", "c"}, ids)
}

func TestConcurrentMarks(t *testing.T) {
	dir := t.TempDir()
	s := openLoaded(t, dir)

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("img-%03d", i)
			if i%10 == 0 {
				assert.NoError(t, s.MarkFailed(id, "boom"))
				return
			}
			assert.NoError(t, s.MarkDownloaded(id))
		}(i)
	}
	wg.Wait()

	again := openLoaded(t, dir)
	assert.Equal(t, Counts{Downloaded: 180, Failed: 20}, again.Counts())
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("img-%03d", i)
		assert.NotEqual(t, models.StatusPending, again.Status(id), id)
	}
}

func TestCorruptSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, SnapshotFile)
	require.NoError(t, os.WriteFile(path, []byte(`{"downloaded": [`), 0644))

	s := Open(dir, logger.NewTestLogger())
	err := s.Load()

	var corrupt *errs.CorruptStateError
	require.ErrorAs(t, err, &corrupt)
	assert.Equal(t, path, corrupt.Path)
	assert.True(t, errs.IsFatal(err))

	// the unreadable file is left for the operator
	data, _ := os.ReadFile(path)
	assert.Equal(t, `{"downloaded": [`, string(data))
	assert.Error(t, s.MarkDownloaded("a"), "a store that failed to load must refuse writes")

	backups, err := s.Reset()
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.FileExists(t, backups[0])
	assert.Contains(t, backups[0], SnapshotFile+".corrupt-")

	require.NoError(t, s.MarkDownloaded("a"))
	require.NoError(t, s.Close())
	again := openLoaded(t, dir)
	assert.True(t, again.IsComplete("a"))
}

func TestCorruptJournalLine(t *testing.T) {
	dir := t.TempDir()
	journal := "{\"id\":\"a\",\"status\":\"downloaded\"}\nnot json\n{\"id\":\"b\",\"status\":\"downloaded\"}\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, JournalFile), []byte(journal), 0644))

	err := Open(dir, logger.NewTestLogger()).Load()
	var corrupt *errs.CorruptStateError
	assert.ErrorAs(t, err, &corrupt)
}

func TestTornJournalTailIsDropped(t *testing.T) {
	dir := t.TempDir()
	journal := "{\"id\":\"a\",\"status\":\"downloaded\"}\n{\"id\":\"b\",\"sta"
	require.NoError(t, os.WriteFile(filepath.Join(dir, JournalFile), []byte(journal), 0644))

	s := openLoaded(t, dir)
	assert.True(t, s.IsComplete("a"))
	assert.False(t, s.IsComplete("b"))
}

func TestLegacySnapshot(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, SnapshotFile),
		[]byte(`{"downloaded": ["111", "222"]}`), 0644))

	s := openLoaded(t, dir)
	assert.True(t, s.IsComplete("111"))
	assert.True(t, s.IsComplete("222"))
	assert.Equal(t, 2, s.Counts().Downloaded)
}

func TestMarkBeforeLoad(t *testing.T) {
	s := Open(t.TempDir(), logger.NewTestLogger())
	assert.Error(t, s.MarkDownloaded("a"))
}
