package exporter

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"iter"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mapillary-downloader/pkg/config"
	errs "mapillary-downloader/pkg/errors"
	"mapillary-downloader/pkg/logger"
	"mapillary-downloader/pkg/mapillary"
	"mapillary-downloader/pkg/models"
	"mapillary-downloader/pkg/postprocess"
	"mapillary-downloader/pkg/progress"
	"mapillary-downloader/pkg/storage"
)

func testJPEG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 8))
	for x := 0; x < 16; x++ {
		for y := 0; y < 8; y++ {
			img.Set(x, y, color.RGBA{uint8(x * 16), uint8(y * 32), 128, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

type remoteImage struct {
	id, seq  string
	lon, lat float64
}

// fakeMapillary serves the images endpoint and a CDN. Images listed in
// missing answer 404.
type fakeMapillary struct {
	srv     *httptest.Server
	jpeg    []byte
	images  []remoteImage
	missing map[string]bool

	mu      sync.Mutex
	fetches map[string]int
}

func newFakeMapillary(t *testing.T, images []remoteImage, missing ...string) *fakeMapillary {
	t.Helper()
	f := &fakeMapillary{
		jpeg:    testJPEG(t),
		images:  images,
		missing: make(map[string]bool),
		fetches: make(map[string]int),
	}
	for _, id := range missing {
		f.missing[id] = true
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/images", f.handleImages)
	mux.HandleFunc("/cdn/", f.handleCDN)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeMapillary) handleImages(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") == "" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	data := make([]map[string]interface{}, 0, len(f.images))
	for _, img := range f.images {
		data = append(data, map[string]interface{}{
			"id":                 img.id,
			"sequence":           img.seq,
			"captured_at":        1705320645000,
			"compass_angle":      90.0,
			"geometry":           map[string]interface{}{"type": "Point", "coordinates": []float64{img.lon, img.lat}},
			"make":               "GoPro",
			"model":              "MAX",
			"thumb_original_url": f.srv.URL + "/cdn/" + img.id + ".jpg",
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
}

func (f *fakeMapillary) handleCDN(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/cdn/"), ".jpg")
	f.mu.Lock()
	f.fetches[id]++
	f.mu.Unlock()

	if f.missing[id] {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Write(f.jpeg)
}

func (f *fakeMapillary) fetchCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[id]
}

func testConfig(t *testing.T, baseURL string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Mapillary.Token = "MLY|test"
	cfg.Mapillary.Username = "alice"
	cfg.Mapillary.BaseURL = baseURL
	cfg.Download.Output = t.TempDir()
	cfg.Download.Workers = 2
	cfg.Retry = config.RetryConfig{
		MaxAttempts: 2,
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Millisecond,
		Multiplier:  1,
	}
	cfg.RateLimit = config.RateLimitConfig{}
	cfg.PostProcess.WebP = false
	cfg.PostProcess.Tar = false
	return cfg
}

func noPostProcess() Option {
	return WithProcessor(postprocess.NewProcessor(postprocess.Options{}, logger.NewTestLogger()))
}

var sampleImages = []remoteImage{
	{id: "a1", seq: "seqA", lon: 13.40, lat: 52.52},
	{id: "a2", seq: "seqA", lon: 13.41, lat: 52.52},
	{id: "b1", seq: "seqB", lon: 13.42, lat: 52.53},
	{id: "c1", seq: "seqC", lon: 2.35, lat: 48.85},
}

func run(t *testing.T, cfg *config.Config, opts ...Option) *Summary {
	t.Helper()
	opts = append([]Option{WithLogger(logger.NewTestLogger())}, opts...)
	e, err := New(cfg, opts...)
	require.NoError(t, err)
	summary, err := e.Run(context.Background())
	require.NoError(t, err)
	return summary
}

func TestRunDownloadsAndResumes(t *testing.T) {
	remote := newFakeMapillary(t, sampleImages, "b1")
	cfg := testConfig(t, remote.srv.URL)
	out := cfg.Download.Output

	first := run(t, cfg, noPostProcess())
	assert.Equal(t, 3, first.Sequences)
	assert.Equal(t, 4, first.Images)
	assert.Equal(t, 3, first.Downloaded)
	assert.Equal(t, 1, first.Failed)
	assert.Equal(t, 2, first.SequencesComplete)
	assert.Equal(t, 1, first.SequencesIncomplete)
	require.Len(t, first.Failures, 1)
	assert.Equal(t, "b1", first.Failures[0].ImageID)
	assert.Equal(t, 1, remote.fetchCount("b1"), "404 is not retried")
	assert.False(t, first.OK())
	assert.NotEmpty(t, first.RunID)

	written := make(map[string][]byte)
	for _, p := range []string{"seqA/a1.jpg", "seqA/a2.jpg", "seqC/c1.jpg"} {
		data, err := os.ReadFile(filepath.Join(out, p))
		require.NoError(t, err, p)
		written[p] = data
	}
	_, err := os.Stat(filepath.Join(out, "seqB", "b1.jpg"))
	assert.True(t, os.IsNotExist(err), "failed image leaves no file")

	second := run(t, cfg, noPostProcess())
	assert.Equal(t, 3, second.AlreadyDownloaded)
	assert.Zero(t, second.Downloaded)
	assert.Equal(t, 1, second.Failed, "failed images are retried on the next run")
	assert.NotEqual(t, first.RunID, second.RunID)

	for _, id := range []string{"a1", "a2", "c1"} {
		assert.Equal(t, 1, remote.fetchCount(id), "image %s fetched again", id)
	}
	assert.Equal(t, 2, remote.fetchCount("b1"))

	for p, before := range written {
		after, err := os.ReadFile(filepath.Join(out, p))
		require.NoError(t, err)
		assert.Equal(t, before, after, "%s changed between runs", p)
	}
}

func TestRunBBoxExcludesImagesAndSequences(t *testing.T) {
	remote := newFakeMapillary(t, sampleImages)
	cfg := testConfig(t, remote.srv.URL)
	cfg.Download.BBox = "13.0,52.0,14.0,53.0"

	summary := run(t, cfg, noPostProcess())
	assert.Equal(t, 2, summary.Sequences)
	assert.Equal(t, 3, summary.Images)
	assert.Equal(t, 3, summary.Downloaded)
	assert.Zero(t, remote.fetchCount("c1"))

	_, err := os.Stat(filepath.Join(cfg.Download.Output, "seqC"))
	assert.True(t, os.IsNotExist(err), "filtered sequence must not appear in output")
}

func TestRunWritesMetadataLog(t *testing.T) {
	remote := newFakeMapillary(t, sampleImages, "b1")
	cfg := testConfig(t, remote.srv.URL)

	run(t, cfg, noPostProcess())
	ids, err := storage.ReadMetadataIDs(filepath.Join(cfg.Download.Output, storage.MetadataLogFile))
	require.NoError(t, err)
	assert.Len(t, ids, 4)
	for _, img := range sampleImages {
		assert.Contains(t, ids, img.id)
	}
}

// recordingArchiver stands in for tar and leaves a placeholder archive
type recordingArchiver struct {
	mu   sync.Mutex
	seqs []string
}

func (a *recordingArchiver) Archive(ctx context.Context, dir string) (*postprocess.ArchiveResult, error) {
	a.mu.Lock()
	a.seqs = append(a.seqs, filepath.Base(dir))
	a.mu.Unlock()

	path := dir + postprocess.ArchiveExt
	if err := os.WriteFile(path, []byte("archive"), 0644); err != nil {
		return nil, err
	}
	return &postprocess.ArchiveResult{Path: path}, nil
}

func (a *recordingArchiver) archived() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.seqs...)
}

func TestRunPostProcessesOnlyCompleteSequences(t *testing.T) {
	remote := newFakeMapillary(t, sampleImages, "b1")
	cfg := testConfig(t, remote.srv.URL)
	arch := &recordingArchiver{}
	proc := postprocess.NewProcessor(postprocess.Options{Archiver: arch}, logger.NewTestLogger())

	first := run(t, cfg, WithProcessor(proc))
	assert.ElementsMatch(t, []string{"seqA", "seqC"}, arch.archived())
	assert.Equal(t, 2, first.PostProcessed)
	assert.Empty(t, first.PostProcessErrors)

	// sources were kept and the archives exist, so nothing is redone
	run(t, cfg, WithProcessor(proc))
	assert.ElementsMatch(t, []string{"seqA", "seqC"}, arch.archived())
}

func TestRunCorruptProgressRecord(t *testing.T) {
	remote := newFakeMapillary(t, sampleImages)
	cfg := testConfig(t, remote.srv.URL)
	record := filepath.Join(cfg.Download.Output, progress.SnapshotFile)
	require.NoError(t, os.WriteFile(record, []byte("{not json"), 0644))

	e, err := New(cfg, WithLogger(logger.NewTestLogger()), noPostProcess())
	require.NoError(t, err)
	_, err = e.Run(context.Background())
	var corrupt *errs.CorruptStateError
	require.ErrorAs(t, err, &corrupt)
	assert.Zero(t, remote.fetchCount("a1"), "nothing is downloaded on corrupt state")

	cfg.Download.ResetState = true
	summary := run(t, cfg, noPostProcess())
	assert.Equal(t, 4, summary.Downloaded)

	backups, err := filepath.Glob(record + ".corrupt-*")
	require.NoError(t, err)
	assert.Len(t, backups, 1)
}

func TestRunEnumerationFailureAborts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()
	cfg := testConfig(t, srv.URL)

	e, err := New(cfg, WithLogger(logger.NewTestLogger()), noPostProcess())
	require.NoError(t, err)
	summary, err := e.Run(context.Background())
	assert.Nil(t, summary)
	var enumErr *errs.EnumerationError
	require.ErrorAs(t, err, &enumErr)
	assert.True(t, errs.IsFatal(err))
}

type staticSource struct {
	images []models.ImageDescriptor
}

func (s *staticSource) Images(ctx context.Context, q mapillary.ImagesQuery) iter.Seq2[models.ImageDescriptor, error] {
	return func(yield func(models.ImageDescriptor, error) bool) {
		for _, d := range s.images {
			if !yield(d, nil) {
				return
			}
		}
	}
}

// cancellingFetcher interrupts the run on its first fetch
type cancellingFetcher struct {
	cancel context.CancelFunc
}

func (f *cancellingFetcher) FetchImage(ctx context.Context, url string) ([]byte, error) {
	f.cancel()
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRunInterruptedLeavesImagesPending(t *testing.T) {
	var images []models.ImageDescriptor
	for _, id := range []string{"x1", "x2", "x3", "x4", "x5"} {
		images = append(images, models.ImageDescriptor{
			ID:         id,
			SequenceID: "seqX",
			URLs:       map[models.Quality]string{models.QualityOriginal: "https://cdn.example.test/" + id},
		})
	}
	cfg := testConfig(t, "https://graph.example.test")
	cfg.Download.Workers = 1

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e, err := New(cfg,
		WithLogger(logger.NewTestLogger()),
		WithSource(&staticSource{images: images}),
		WithFetcher(&cancellingFetcher{cancel: cancel}),
		noPostProcess(),
	)
	require.NoError(t, err)

	summary, err := e.Run(ctx)
	require.NoError(t, err)
	assert.True(t, summary.Interrupted)
	assert.Zero(t, summary.Downloaded)
	assert.Zero(t, summary.Failed, "interrupted fetches are not failures")
	assert.Equal(t, 5, summary.Cancelled)

	store := progress.Open(cfg.Download.Output, logger.NewTestLogger())
	require.NoError(t, store.Load())
	defer store.Close()
	assert.Len(t, store.PendingImages(images), 5)
	assert.Zero(t, store.Counts().Failed)
}

func TestNewValidation(t *testing.T) {
	cfg := testConfig(t, "https://graph.example.test")
	cfg.Mapillary.Username = ""
	_, err := New(cfg)
	assert.Error(t, err)

	cfg = testConfig(t, "https://graph.example.test")
	cfg.Mapillary.Token = ""
	_, err = New(cfg)
	assert.Equal(t, errs.ErrorTypeAuth, errs.TypeOf(err))

	cfg.Download.Quality = "4k"
	_, err = New(cfg)
	assert.Error(t, err)
}
