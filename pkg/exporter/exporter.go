package exporter

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"mapillary-downloader/internal/downloader"
	"mapillary-downloader/pkg/config"
	errs "mapillary-downloader/pkg/errors"
	"mapillary-downloader/pkg/logger"
	"mapillary-downloader/pkg/mapillary"
	"mapillary-downloader/pkg/models"
	"mapillary-downloader/pkg/postprocess"
	"mapillary-downloader/pkg/progress"
	"mapillary-downloader/pkg/ratelimit"
	"mapillary-downloader/pkg/retry"
	"mapillary-downloader/pkg/storage"
)

// Progress receives run events, typically to drive a progress bar
type Progress interface {
	Start(total int)
	ImageDownloaded(id string, size int64)
	ImageSkipped(id string)
	ImageFailed(id string, err error)
	SequenceProcessed(id, archive string, failures int)
	Finish()
}

type nopProgress struct{}

func (nopProgress) Start(int)                             {}
func (nopProgress) ImageDownloaded(string, int64)         {}
func (nopProgress) ImageSkipped(string)                   {}
func (nopProgress) ImageFailed(string, error)             {}
func (nopProgress) SequenceProcessed(string, string, int) {}
func (nopProgress) Finish()                               {}

// ImageFailure is an image that could not be written during a run
type ImageFailure struct {
	ImageID    string
	SequenceID string
	Reason     string
}

// Summary is the outcome of one run
type Summary struct {
	RunID    string
	Username string

	Sequences           int
	SequencesComplete   int
	SequencesIncomplete int

	// Images counts enumerated images after bbox filtering
	Images            int
	AlreadyDownloaded int
	Downloaded        int
	Skipped           int
	Failed            int
	// Cancelled images were pending when the run was interrupted
	Cancelled int
	Bytes     int64
	Failures  []ImageFailure

	PostProcessed     int
	Reports           []*postprocess.Report
	PostProcessErrors []error

	Interrupted bool
	Duration    time.Duration
}

// OK reports whether everything enumerated is now on disk and every
// post-processing step succeeded
func (s *Summary) OK() bool {
	return s.Failed == 0 && s.Cancelled == 0 && len(s.PostProcessErrors) == 0 && !s.Interrupted
}

// Option customises an Exporter
type Option func(*Exporter)

// WithSource replaces the API image listing
func WithSource(src mapillary.ImageSource) Option {
	return func(e *Exporter) { e.source = src }
}

// WithFetcher replaces the image byte fetcher
func WithFetcher(f downloader.ImageFetcher) Option {
	return func(e *Exporter) { e.fetcher = f }
}

// WithProcessor replaces the post-processor built from the configuration
func WithProcessor(p *postprocess.Processor) Option {
	return func(e *Exporter) { e.processor = p }
}

// WithProgress sets the receiver of run events
func WithProgress(p Progress) Option {
	return func(e *Exporter) { e.progress = p }
}

// WithLogger sets the logger
func WithLogger(l logger.Logger) Option {
	return func(e *Exporter) { e.baseLog = l }
}

// Exporter runs one bulk export of a creator's images into an output
// directory
type Exporter struct {
	cfg       *config.Config
	source    mapillary.ImageSource
	fetcher   downloader.ImageFetcher
	processor *postprocess.Processor
	progress  Progress
	baseLog   logger.Logger
	logger    logger.Logger
}

// New creates an Exporter. Unless both WithSource and WithFetcher are
// given, a Mapillary client is built and an API token is required.
func New(cfg *config.Config, opts ...Option) (*Exporter, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Mapillary.Username == "" {
		return nil, errs.New(errs.ErrorTypeClient, "a username to export is required")
	}

	e := &Exporter{
		cfg:      cfg,
		progress: nopProgress{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.baseLog == nil {
		e.baseLog = logger.GetLogger()
	}
	e.logger = e.baseLog.WithField("component", "exporter")

	if e.source == nil || e.fetcher == nil {
		if cfg.Mapillary.Token == "" {
			return nil, errs.New(errs.ErrorTypeAuth, "an API token is required")
		}
		client := mapillary.NewClient(mapillary.Options{
			Token:   cfg.Mapillary.Token,
			BaseURL: cfg.Mapillary.BaseURL,
			Timeout: cfg.Mapillary.RequestTimeout,
			Limiter: ratelimit.NewHostLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst),
			Retry:   retry.FromSettings(cfg.Retry, e.baseLog),
			Logger:  e.baseLog,
		})
		if e.source == nil {
			e.source = client
		}
		if e.fetcher == nil {
			e.fetcher = client
		}
	}

	if e.processor == nil {
		e.processor = NewProcessor(cfg, e.baseLog)
	}
	return e, nil
}

// NewProcessor builds the post-processor described by cfg. A step whose
// binary cannot be found is disabled with a warning.
func NewProcessor(cfg *config.Config, log logger.Logger) *postprocess.Processor {
	opts := postprocess.Options{
		RemoveSources: cfg.PostProcess.RemoveSources,
		Parallelism:   cfg.Download.Workers,
	}

	if cfg.PostProcess.WebP {
		conv := postprocess.NewCWebPConverter(cfg.PostProcess.CWebPPath, log)
		if err := conv.Available(); err != nil {
			log.WithError(err).Warn("cwebp not found, WebP conversion disabled")
		} else {
			opts.Converter = conv
		}
	}
	if cfg.PostProcess.Tar {
		arch := postprocess.NewTarArchiver(cfg.PostProcess.TarPath, log)
		if err := arch.Available(); err != nil {
			log.WithError(err).Warn("tar not found, archiving disabled")
		} else {
			opts.Archiver = arch
		}
	}
	return postprocess.NewProcessor(opts, log)
}

// sequenceState tracks a sequence through the download phase
type sequenceState struct {
	remaining int
	failed    int
}

// Run enumerates, downloads and post-processes. Per-image and per-step
// failures are reported in the summary; the returned error is set only
// when the run could not proceed at all (corrupt state, enumeration
// failure, unusable output directory). Cancelling ctx stops dispatch and
// marks the summary interrupted.
func (e *Exporter) Run(ctx context.Context) (*Summary, error) {
	start := time.Now()
	summary := &Summary{
		RunID:    uuid.NewString(),
		Username: e.cfg.Mapillary.Username,
	}
	log := e.logger.WithFields(map[string]interface{}{
		"run_id":   summary.RunID,
		"username": summary.Username,
	})

	bbox := ""
	if b := e.cfg.BBox(); b != nil {
		bbox = b.String()
	}
	logger.LogComponentStart(log, "exporter", map[string]interface{}{
		"output":  e.cfg.Download.Output,
		"quality": e.cfg.Download.Quality,
		"workers": e.cfg.Download.Workers,
		"bbox":    bbox,
		"webp":    e.cfg.PostProcess.WebP,
		"tar":     e.cfg.PostProcess.Tar,
	})

	store, err := storage.NewManager(e.cfg.Download.Output)
	if err != nil {
		return nil, err
	}
	if n, err := store.RemoveStaleTemps(); err != nil {
		log.WithError(err).Warn("Failed to remove leftover temporary files")
	} else if n > 0 {
		log.InfoWithFields("Removed leftover temporary files", map[string]interface{}{"count": n})
	}

	prog, err := e.openProgress(store.OutputDir(), log)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := prog.Close(); err != nil {
			log.WithError(err).Error("Failed to close progress record")
		}
	}()

	var mlog *storage.MetadataLog
	if e.cfg.Download.WriteMetadataLog {
		mlog, err = storage.OpenMetadataLog(filepath.Join(store.OutputDir(), storage.MetadataLogFile))
		if err != nil {
			return nil, err
		}
		defer mlog.Close()
	}

	seqs, err := e.enumerate(ctx, prog, mlog, log)
	if err != nil {
		return nil, err
	}

	states := make(map[string]*sequenceState, len(seqs))
	var jobs []models.ImageDescriptor
	var resolved []string
	for _, seq := range seqs {
		pending := prog.PendingImages(seq.Images)
		summary.Images += len(seq.Images)
		summary.AlreadyDownloaded += len(seq.Images) - len(pending)
		states[seq.ID] = &sequenceState{remaining: len(pending)}
		if len(pending) == 0 {
			resolved = append(resolved, seq.ID)
		}
		jobs = append(jobs, pending...)
	}
	summary.Sequences = len(seqs)

	log.InfoWithFields("Work list ready", map[string]interface{}{
		"sequences":          len(seqs),
		"images":             summary.Images,
		"already_downloaded": summary.AlreadyDownloaded,
		"pending":            len(jobs),
	})

	// one consumer keeps post-processing sequential while downloads of
	// other sequences continue
	ppQueue := make(chan string, len(seqs))
	var g errgroup.Group
	g.Go(func() error {
		for id := range ppQueue {
			e.postProcess(ctx, id, store, summary, log)
		}
		return nil
	})
	enqueue := func(id string) {
		if id == "" || !e.processor.Enabled() || ctx.Err() != nil {
			return
		}
		ppQueue <- id
	}

	// sequences finished by an earlier run may still need their post step
	for _, id := range resolved {
		dir, err := store.SequenceDir(id)
		if err == nil && e.processor.NeedsRun(dir) {
			enqueue(id)
		}
	}

	e.progress.Start(len(jobs))
	pool := downloader.NewWorkerPool(ctx, e.cfg.Download.Workers, e.fetcher, store, prog, downloader.Options{
		Quality: e.cfg.Quality(),
		Retry:   retry.FromSettings(e.cfg.Retry, e.baseLog),
	}, e.baseLog)
	pool.Start()

	undispatched := 0
	g.Go(func() error {
		defer pool.Stop()
		for i, d := range jobs {
			if err := pool.Submit(downloader.DownloadJob{Image: d}); err != nil {
				undispatched = len(jobs) - i
				log.WithError(err).Warn("Stopped dispatching downloads")
				return nil
			}
		}
		return nil
	})

	for r := range pool.Results() {
		img := r.Job.Image
		st := states[img.SequenceID]

		switch r.Outcome {
		case downloader.OutcomeDownloaded:
			summary.Downloaded++
			summary.Bytes += int64(r.Size)
			e.progress.ImageDownloaded(img.ID, int64(r.Size))
		case downloader.OutcomeSkipped:
			summary.Skipped++
			e.progress.ImageSkipped(img.ID)
		case downloader.OutcomeFailed:
			summary.Failed++
			st.failed++
			summary.Failures = append(summary.Failures, ImageFailure{
				ImageID:    img.ID,
				SequenceID: img.SequenceID,
				Reason:     errorReason(r.Error),
			})
			e.progress.ImageFailed(img.ID, r.Error)
		case downloader.OutcomeCancelled:
			summary.Cancelled++
			continue
		}

		st.remaining--
		if st.remaining == 0 {
			if st.failed == 0 {
				enqueue(img.SequenceID)
			} else {
				log.WarnWithFields("Sequence has failed images, post-processing deferred", map[string]interface{}{
					"sequence_id": img.SequenceID,
					"failed":      st.failed,
				})
			}
		}
	}
	e.progress.Finish()

	close(ppQueue)
	g.Wait()

	summary.Cancelled += undispatched
	for _, st := range states {
		if st.remaining == 0 && st.failed == 0 {
			summary.SequencesComplete++
		} else {
			summary.SequencesIncomplete++
		}
	}
	sort.Slice(summary.Failures, func(i, j int) bool {
		return summary.Failures[i].ImageID < summary.Failures[j].ImageID
	})
	summary.Interrupted = ctx.Err() != nil
	summary.Duration = time.Since(start)

	counts := prog.Counts()
	log.InfoWithFields("Run finished", map[string]interface{}{
		"downloaded":      summary.Downloaded,
		"skipped":         summary.Skipped,
		"failed":          summary.Failed,
		"cancelled":       summary.Cancelled,
		"post_processed":  summary.PostProcessed,
		"post_errors":     len(summary.PostProcessErrors),
		"recorded_total":  counts.Downloaded,
		"recorded_failed": counts.Failed,
		"interrupted":     summary.Interrupted,
		"duration":        summary.Duration,
	})
	return summary, nil
}

// openProgress loads the progress record. A corrupt record aborts the run
// unless ResetState asks to move it aside and start over.
func (e *Exporter) openProgress(dir string, log logger.Logger) (*progress.Store, error) {
	prog := progress.Open(dir, e.baseLog)
	err := prog.Load()
	if err == nil {
		return prog, nil
	}

	var corrupt *errs.CorruptStateError
	if !errors.As(err, &corrupt) || !e.cfg.Download.ResetState {
		return nil, err
	}
	backups, err := prog.Reset()
	if err != nil {
		return nil, fmt.Errorf("failed to reset progress record: %w", err)
	}
	log.WarnWithFields("Discarded corrupt progress record, starting from empty state", map[string]interface{}{
		"backups": backups,
	})
	return prog, nil
}

// enumerate lists the creator's sequences, logging the metadata of every
// image not yet downloaded
func (e *Exporter) enumerate(ctx context.Context, prog *progress.Store, mlog *storage.MetadataLog, log logger.Logger) ([]models.Sequence, error) {
	enum := mapillary.NewEnumerator(e.source, e.cfg.Quality(), e.cfg.Mapillary.PageLimit, e.baseLog)
	if mlog != nil {
		enum.OnImage = func(d models.ImageDescriptor) {
			if len(d.Raw) == 0 || prog.IsComplete(d.ID) {
				return
			}
			if _, err := mlog.Append(d.ID, d.Raw); err != nil {
				log.WithError(err).WithField("image_id", d.ID).Warn("Failed to append metadata record")
			}
		}
	}

	seqs, err := enum.Collect(ctx, e.cfg.Mapillary.Username, e.cfg.BBox())
	if err != nil {
		log.WithError(err).Error("Enumeration failed, aborting run")
		return nil, err
	}
	return seqs, nil
}

func (e *Exporter) postProcess(ctx context.Context, id string, store *storage.Manager, summary *Summary, log logger.Logger) {
	if ctx.Err() != nil {
		return
	}
	dir, err := store.SequenceDir(id)
	if err != nil {
		summary.PostProcessErrors = append(summary.PostProcessErrors, &errs.PostProcessError{SequenceID: id, Err: err})
		return
	}

	report := e.processor.Process(ctx, id, dir)
	summary.PostProcessed++
	summary.Reports = append(summary.Reports, report)
	summary.PostProcessErrors = append(summary.PostProcessErrors, report.Errors...)

	archive := ""
	if report.Archive != nil {
		archive = report.Archive.Path
	}
	e.progress.SequenceProcessed(id, archive, len(report.Errors))
	log.DebugWithFields("Sequence post-processed", map[string]interface{}{
		"sequence_id": id,
		"converted":   report.Converted,
		"archive":     archive,
		"errors":      len(report.Errors),
	})
}

func errorReason(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
