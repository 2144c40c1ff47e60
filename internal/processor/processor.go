package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dustin/go-humanize"

	"github.com/jo-hoe/imagelabeler/internal/detect"
	"github.com/jo-hoe/imagelabeler/internal/jobs"
)

// ErrImageRead marks failures to obtain the raw bytes or pixel dimensions of an image.
var ErrImageRead = errors.New("image read failed")

// BlobReader yields the raw bytes stored under a storage reference.
type BlobReader interface {
	Read(ref string) ([]byte, error)
}

// Processor implements jobs.ImageProcessor: metadata extraction plus one detection call.
type Processor struct {
	log      *slog.Logger
	blobs    BlobReader
	detector detect.Detector
}

// Ensure Processor implements jobs.ImageProcessor
var _ jobs.ImageProcessor = (*Processor)(nil)

func New(log *slog.Logger, blobs BlobReader, detector detect.Detector) *Processor {
	if log == nil {
		log = slog.Default()
	}
	return &Processor{
		log:      log,
		blobs:    blobs,
		detector: detector,
	}
}

// outcome is the result of analysing one image. meta may be set even when err is.
type outcome struct {
	meta   *jobs.ImageMeta
	labels *jobs.Labels
	err    error
}

// Process always returns a record with status done or error; failures are logged and
// turned into data.
func (p *Processor) Process(ctx context.Context, imageID, storageRef string) jobs.Image {
	img := jobs.Image{
		ID:         imageID,
		StorageRef: storageRef,
		Status:     jobs.ImageProcessing,
	}
	log := p.log.With("image_id", imageID, "ref", storageRef)

	res := p.analyze(ctx, storageRef)
	if res.err != nil {
		log.Warn("image analysis failed", "err", res.err)
		return jobs.FailedImage(img, res.meta)
	}

	img.Status = jobs.ImageDone
	img.Metadata = res.meta
	img.Labels = res.labels
	log.Info("image analyzed",
		"size", humanize.Bytes(uint64(res.meta.Size)), // #nosec G115 - size is never negative
		"width", res.meta.Width,
		"height", res.meta.Height,
		"labels", len(res.labels.Labels),
		"scene", len(res.labels.Scenes) > 0)
	return img
}

func (p *Processor) analyze(ctx context.Context, ref string) outcome {
	data, err := p.blobs.Read(ref)
	if err != nil {
		return outcome{err: fmt.Errorf("%w: %v", ErrImageRead, err)}
	}
	meta, err := ReadMetadata(data)
	if err != nil {
		return outcome{err: fmt.Errorf("%w: %v", ErrImageRead, err)}
	}

	ann, err := p.detector.Detect(ctx, data)
	if err != nil {
		return outcome{meta: meta, err: fmt.Errorf("detect: %w", err)}
	}
	if ann == nil {
		return outcome{meta: meta, err: fmt.Errorf("detect: %w: empty annotation", detect.ErrInvalidResponse)}
	}
	return outcome{meta: meta, labels: BuildLabels(ann)}
}
