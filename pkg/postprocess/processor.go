package postprocess

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	errs "mapillary-downloader/pkg/errors"
	"mapillary-downloader/pkg/logger"
	"mapillary-downloader/pkg/storage"
)

// Step names used in PostProcessError
const (
	StepConvert = "convert"
	StepArchive = "archive"
	StepCleanup = "cleanup"
)

// Report summarises the post-processing of one sequence
type Report struct {
	SequenceID string
	Converted  int
	Archive    *ArchiveResult
	Removed    int
	// Errors holds per-file and per-step failures; none of them stop the
	// remaining steps
	Errors []error
}

// Failed reports whether any step failed
func (r *Report) Failed() bool {
	return len(r.Errors) > 0
}

// Options controls which steps run
type Options struct {
	// Converter, when set, recompresses every JPEG first
	Converter Converter
	// Archiver, when set, bundles the directory afterwards
	Archiver Archiver
	// RemoveSources deletes archived files once the archive is verified
	RemoveSources bool
	// Parallelism bounds concurrent conversions
	Parallelism int
}

// Processor runs the post-download steps for completed sequences
type Processor struct {
	opts   Options
	logger logger.Logger
}

// NewProcessor creates a processor
func NewProcessor(opts Options, log logger.Logger) *Processor {
	if log == nil {
		log = logger.GetLogger()
	}
	if opts.Parallelism < 1 {
		opts.Parallelism = 1
	}
	return &Processor{opts: opts, logger: log.WithField("component", "postprocess")}
}

// Enabled reports whether any step is configured
func (p *Processor) Enabled() bool {
	return p.opts.Converter != nil || p.opts.Archiver != nil
}

// NeedsRun reports whether dir, downloaded by an earlier run, still has
// work left: JPEGs to convert, or files not yet archived. With sources
// kept, a non-empty <dir>.tar counts as done.
func (p *Processor) NeedsRun(dir string) bool {
	dir = filepath.Clean(dir)
	if p.opts.Converter != nil {
		if files, err := jpegFiles(dir); err == nil && len(files) > 0 {
			return true
		}
	}
	if p.opts.Archiver == nil {
		return false
	}
	members, err := listMembers(filepath.Dir(dir), filepath.Base(dir))
	if err != nil || len(members) == 0 {
		return false
	}
	if p.opts.RemoveSources {
		return true
	}
	info, err := os.Stat(dir + ArchiveExt)
	return err != nil || info.Size() == 0
}

// Process converts then archives the files in dir. Failures are collected
// in the report as *errors.PostProcessError; the original files are never
// removed unless they are verifiably inside the archive.
func (p *Processor) Process(ctx context.Context, sequenceID, dir string) *Report {
	report := &Report{SequenceID: sequenceID}
	log := p.logger.WithField("sequence_id", sequenceID)

	if p.opts.Converter != nil {
		p.convertAll(ctx, dir, report, log)
	}

	if p.opts.Archiver != nil && ctx.Err() == nil {
		p.archive(ctx, dir, report, log)
	}

	if report.Failed() {
		log.WarnWithFields("Post-processing finished with errors", map[string]interface{}{
			"errors": len(report.Errors),
		})
	}
	return report
}

func (p *Processor) convertAll(ctx context.Context, dir string, report *Report, log logger.Logger) {
	files, err := jpegFiles(dir)
	if err != nil {
		report.Errors = append(report.Errors, &errs.PostProcessError{
			SequenceID: report.SequenceID, Step: StepConvert, Path: dir, Err: err,
		})
		return
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Parallelism)
	for _, path := range files {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			_, err := p.opts.Converter.Convert(gctx, path)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Errors = append(report.Errors, &errs.PostProcessError{
					SequenceID: report.SequenceID, Step: StepConvert, Path: path, Err: err,
				})
				log.WithError(err).WithField("path", path).Warn("Conversion failed, keeping original")
				return nil
			}
			report.Converted++
			return nil
		})
	}
	g.Wait()

	// errors were appended in completion order
	sort.SliceStable(report.Errors, func(i, j int) bool {
		return pathOf(report.Errors[i]) < pathOf(report.Errors[j])
	})

	log.DebugWithFields("Conversion finished", map[string]interface{}{
		"converted": report.Converted,
		"failed":    len(report.Errors),
	})
}

func (p *Processor) archive(ctx context.Context, dir string, report *Report, log logger.Logger) {
	res, err := p.opts.Archiver.Archive(ctx, dir)
	if err != nil {
		if errors.Is(err, ErrEmptyDirectory) {
			log.Warn("Skipping empty sequence directory")
			return
		}
		report.Errors = append(report.Errors, &errs.PostProcessError{
			SequenceID: report.SequenceID, Step: StepArchive, Path: dir, Err: err,
		})
		log.WithError(err).Error("Archiving failed, sources kept")
		return
	}
	report.Archive = res
	log.InfoWithFields("Sequence archived", map[string]interface{}{
		"archive": res.Path,
		"files":   len(res.Members),
		"size":    res.Size,
	})

	if !p.opts.RemoveSources {
		return
	}
	parent := filepath.Dir(filepath.Clean(dir))
	for _, m := range res.Members {
		path := filepath.Join(parent, filepath.FromSlash(m))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			report.Errors = append(report.Errors, &errs.PostProcessError{
				SequenceID: report.SequenceID, Step: StepCleanup, Path: path, Err: err,
			})
			continue
		}
		report.Removed++
	}
	// only succeeds once the directory is empty
	os.Remove(dir)
}

// jpegFiles lists the finished JPEGs directly inside dir
func jpegFiles(dir string) ([]string, error) {
	names, err := storage.FinishedFiles(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, name := range names {
		if ext := strings.ToLower(filepath.Ext(name)); ext == ".jpg" || ext == ".jpeg" {
			files = append(files, filepath.Join(dir, name))
		}
	}
	return files, nil
}

func pathOf(err error) string {
	var ppe *errs.PostProcessError
	if errors.As(err, &ppe) {
		return ppe.Path
	}
	return ""
}
