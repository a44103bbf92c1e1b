package mapillary

import (
	"context"
	"iter"

	"mapillary-downloader/pkg/logger"
	"mapillary-downloader/pkg/models"
)

// ImageSource lists the images of a creator
type ImageSource interface {
	Images(ctx context.Context, q ImagesQuery) iter.Seq2[models.ImageDescriptor, error]
}

// Enumerator turns the flat image listing into sequences
type Enumerator struct {
	source    ImageSource
	quality   models.Quality
	pageLimit int
	logger    logger.Logger

	// OnImage, when set, sees every retained descriptor in encounter order
	OnImage func(models.ImageDescriptor)
}

// NewEnumerator creates an Enumerator requesting URLs for quality
func NewEnumerator(source ImageSource, quality models.Quality, pageLimit int, log logger.Logger) *Enumerator {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Enumerator{
		source:    source,
		quality:   quality,
		pageLimit: pageLimit,
		logger:    log.WithField("component", "enumerator"),
	}
}

// ListSequences paginates every image of user and yields the sequences they
// belong to, in order of first encounter. Images outside bbox are dropped,
// as are sequences left empty. Sequences are yielded only once pagination
// has completed, so a failed enumeration never yields a partial list.
func (e *Enumerator) ListSequences(ctx context.Context, user string, bbox *models.BBox) iter.Seq2[models.Sequence, error] {
	return func(yield func(models.Sequence, error) bool) {
		var order []string
		byID := make(map[string]*models.Sequence)
		seen := make(map[string]struct{})
		total, outside := 0, 0

		q := ImagesQuery{Username: user, Quality: e.quality, BBox: bbox, Limit: e.pageLimit}
		for d, err := range e.source.Images(ctx, q) {
			if err != nil {
				yield(models.Sequence{}, err)
				return
			}
			if _, dup := seen[d.ID]; dup {
				continue
			}
			seen[d.ID] = struct{}{}
			total++

			if bbox != nil && !inBBox(d, bbox) {
				outside++
				continue
			}
			if e.OnImage != nil {
				e.OnImage(d)
			}

			seq, ok := byID[d.SequenceID]
			if !ok {
				seq = &models.Sequence{ID: d.SequenceID}
				byID[d.SequenceID] = seq
				order = append(order, d.SequenceID)
			}
			seq.Images = append(seq.Images, d)
		}

		e.logger.InfoWithFields("Enumeration complete", map[string]interface{}{
			"user":         user,
			"images":       total,
			"outside_bbox": outside,
			"sequences":    len(order),
		})

		for _, id := range order {
			if !yield(*byID[id], nil) {
				return
			}
		}
	}
}

// Collect drains ListSequences into a slice, failing on the first error
func (e *Enumerator) Collect(ctx context.Context, user string, bbox *models.BBox) ([]models.Sequence, error) {
	var out []models.Sequence
	for seq, err := range e.ListSequences(ctx, user, bbox) {
		if err != nil {
			return nil, err
		}
		out = append(out, seq)
	}
	return out, nil
}

// images without a location cannot be shown to be inside
func inBBox(d models.ImageDescriptor, bbox *models.BBox) bool {
	return d.Location != nil && bbox.Contains(*d.Location)
}
