package downloader

import (
	"context"
	"fmt"
	"sync"
	"time"

	errs "mapillary-downloader/pkg/errors"
	"mapillary-downloader/pkg/exif"
	"mapillary-downloader/pkg/logger"
	"mapillary-downloader/pkg/models"
	"mapillary-downloader/pkg/retry"
)

// ImageExt is the extension of files written by the pool
const ImageExt = ".jpg"

// DownloadJob represents a single image to fetch
type DownloadJob struct {
	Image models.ImageDescriptor
}

// Outcome is how a job ended
type Outcome int

const (
	OutcomeDownloaded Outcome = iota
	OutcomeSkipped
	OutcomeFailed
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDownloaded:
		return "downloaded"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeFailed:
		return "failed"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// DownloadResult represents the result of a download job
type DownloadResult struct {
	Job      DownloadJob
	Outcome  Outcome
	Error    error
	Attempts int
	Duration time.Duration
	Size     int
	Path     string
}

// ImageFetcher downloads the bytes behind an image URL in one attempt
type ImageFetcher interface {
	FetchImage(ctx context.Context, url string) ([]byte, error)
}

// ImageStorage places image files on disk
type ImageStorage interface {
	ImagePath(sequenceID, imageID, ext string) (string, error)
	WriteAtomic(path string, data []byte) error
}

// ProgressRecorder is the part of the progress store workers use
type ProgressRecorder interface {
	IsComplete(id string) bool
	MarkDownloaded(id string) error
	MarkFailed(id, reason string) error
}

// Injector embeds descriptor metadata into fetched bytes
type Injector func(raw []byte, d models.ImageDescriptor) ([]byte, error)

// Options tunes how each job is processed
type Options struct {
	Quality models.Quality
	Retry   *retry.Config
	Inject  Injector
}

// WorkerPool manages concurrent download workers
type WorkerPool struct {
	numWorkers  int
	jobQueue    chan DownloadJob
	resultQueue chan DownloadResult
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	stopOnce    sync.Once
	fetcher     ImageFetcher
	storage     ImageStorage
	progress    ProgressRecorder
	opts        Options
	logger      logger.Logger
}

// NewWorkerPool creates a new download worker pool. Cancelling ctx stops
// dispatch; jobs still queued are reported as cancelled.
func NewWorkerPool(
	ctx context.Context,
	numWorkers int,
	fetcher ImageFetcher,
	storage ImageStorage,
	progress ProgressRecorder,
	opts Options,
	log logger.Logger,
) *WorkerPool {
	if log == nil {
		log = logger.GetLogger()
	}
	if numWorkers < 1 {
		numWorkers = 1
	}
	if opts.Quality == "" {
		opts.Quality = models.QualityOriginal
	}
	if opts.Inject == nil {
		opts.Inject = exif.Inject
	}
	if opts.Retry == nil {
		opts.Retry = retry.DefaultConfig()
		opts.Retry.Logger = log
	}

	poolCtx, cancel := context.WithCancel(ctx)
	return &WorkerPool{
		numWorkers:  numWorkers,
		jobQueue:    make(chan DownloadJob, numWorkers*2),
		resultQueue: make(chan DownloadResult, numWorkers),
		ctx:         poolCtx,
		cancel:      cancel,
		fetcher:     fetcher,
		storage:     storage,
		progress:    progress,
		opts:        opts,
		logger:      log.WithField("component", "downloader"),
	}
}

// Start initializes and starts all workers
func (wp *WorkerPool) Start() {
	wp.logger.InfoWithFields("Starting worker pool", map[string]interface{}{
		"num_workers": wp.numWorkers,
		"quality":     string(wp.opts.Quality),
	})

	for i := 0; i < wp.numWorkers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

// Stop waits for queued jobs to drain and closes the result channel. It
// must be called once all jobs have been submitted.
func (wp *WorkerPool) Stop() {
	wp.stopOnce.Do(func() {
		wp.logger.Debug("Stopping worker pool...")
		close(wp.jobQueue)
		wp.wg.Wait()
		close(wp.resultQueue)
		wp.cancel()
		wp.logger.Debug("Worker pool stopped")
	})
}

// Submit adds a job to the queue, blocking while it is full
func (wp *WorkerPool) Submit(job DownloadJob) error {
	select {
	case <-wp.ctx.Done():
		return fmt.Errorf("worker pool is shutting down: %w", wp.ctx.Err())
	default:
	}

	select {
	case wp.jobQueue <- job:
		wp.logger.DebugWithFields("Job submitted to queue", map[string]interface{}{
			"image_id":    job.Image.ID,
			"sequence_id": job.Image.SequenceID,
		})
		return nil
	case <-wp.ctx.Done():
		return fmt.Errorf("worker pool is shutting down: %w", wp.ctx.Err())
	}
}

// Results returns the result channel for consuming download results. It
// is closed by Stop once every worker has exited.
func (wp *WorkerPool) Results() <-chan DownloadResult {
	return wp.resultQueue
}

// worker is the main worker routine
func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	log := wp.logger.WithField("worker_id", id)
	log.Debug("Worker started")

	for job := range wp.jobQueue {
		var result DownloadResult
		if wp.ctx.Err() != nil {
			result = DownloadResult{Job: job, Outcome: OutcomeCancelled, Error: wp.ctx.Err()}
		} else {
			result = wp.processJob(job, log)
		}
		// consumers drain Results until Stop closes it
		wp.resultQueue <- result
	}

	log.Debug("Worker stopping - job queue closed")
}

// processJob fetches, injects, writes and records a single image
func (wp *WorkerPool) processJob(job DownloadJob, log logger.Logger) DownloadResult {
	start := time.Now()
	img := job.Image
	result := DownloadResult{Job: job}
	log = log.WithFields(map[string]interface{}{
		"image_id":    img.ID,
		"sequence_id": img.SequenceID,
	})

	if wp.progress.IsComplete(img.ID) {
		log.Debug("Image already downloaded")
		result.Outcome = OutcomeSkipped
		result.Duration = time.Since(start)
		return result
	}

	path, data, err := wp.download(img, &result)
	result.Duration = time.Since(start)

	if err != nil {
		if wp.ctx.Err() != nil {
			// abandoned mid-flight; the image stays pending for the next run
			result.Outcome = OutcomeCancelled
			result.Error = err
			return result
		}

		result.Outcome = OutcomeFailed
		result.Error = err
		if markErr := wp.progress.MarkFailed(img.ID, err.Error()); markErr != nil {
			log.WithError(markErr).Error("Failed to record image failure")
		}
		logger.LogImage(log, img.ID, img.SequenceID, err)
		return result
	}

	if err := wp.progress.MarkDownloaded(img.ID); err != nil {
		// the file is on disk but unrecorded, so the image stays pending
		// and the next run fetches it again
		result.Outcome = OutcomeFailed
		result.Error = fmt.Errorf("record download: %w", err)
		log.WithError(err).Error("Failed to record downloaded image")
		if markErr := wp.progress.MarkFailed(img.ID, result.Error.Error()); markErr != nil {
			log.WithError(markErr).Error("Failed to record image failure")
		}
		return result
	}

	result.Outcome = OutcomeDownloaded
	result.Path = path
	result.Size = len(data)
	log.DebugWithFields("Worker completed job successfully", map[string]interface{}{
		"size":     result.Size,
		"attempts": result.Attempts,
		"duration": result.Duration,
	})
	return result
}

func (wp *WorkerPool) download(img models.ImageDescriptor, result *DownloadResult) (string, []byte, error) {
	url, ok := img.URL(wp.opts.Quality)
	if !ok {
		return "", nil, errs.New(errs.ErrorTypeNotFound,
			fmt.Sprintf("no %s URL for image %s", wp.opts.Quality, img.ID))
	}

	path, err := wp.storage.ImagePath(img.SequenceID, img.ID, ImageExt)
	if err != nil {
		return "", nil, errs.Wrap(errs.ErrorTypeClient, err, "invalid descriptor")
	}

	raw, err := retry.DoWithResult(wp.ctx, func(ctx context.Context) ([]byte, error) {
		result.Attempts++
		return wp.fetcher.FetchImage(ctx, url)
	}, wp.opts.Retry)
	if err != nil {
		return "", nil, err
	}

	data, err := wp.opts.Inject(raw, img)
	if err != nil {
		return "", nil, err
	}

	if err := wp.storage.WriteAtomic(path, data); err != nil {
		return "", nil, fmt.Errorf("write image: %w", err)
	}
	return path, data, nil
}
