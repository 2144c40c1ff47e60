package jobs

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jo-hoe/imagelabeler/internal/util"
)

const (
	commitAttempts = 5
	commitBackoff  = 50 * time.Millisecond
)

// Orchestrator accepts batches, fans out per-image processing and commits the settled
// result back into the Store. It is also the read path used by the HTTP layer.
type Orchestrator struct {
	log   *slog.Logger
	store Store
	proc  ImageProcessor

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
	stopOnce sync.Once
}

// NewOrchestrator creates an Orchestrator. Batches run on a context derived from
// context.Background and are only cancelled by Shutdown.
func NewOrchestrator(logger *slog.Logger, store Store, proc ImageProcessor) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		log:    logger,
		store:  store,
		proc:   proc,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Submit stores a new pending job for the batch and returns its snapshot immediately.
// Processing continues in the background; results are visible only through the Store.
func (o *Orchestrator) Submit(ctx context.Context, uploads []Upload) (*Job, error) {
	if len(uploads) == 0 {
		return nil, ErrEmptyBatch
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrShuttingDown
	}
	o.inflight.Add(1)
	o.mu.Unlock()

	now := time.Now().UTC()
	job := &Job{
		ID:        util.NewID(),
		Status:    StatusPending,
		Images:    make([]Image, len(uploads)),
		CreatedAt: now,
		UpdatedAt: now,
	}
	for i, u := range uploads {
		job.Images[i] = Image{
			ID:           util.NewID(),
			StorageRef:   u.StorageRef,
			OriginalName: u.OriginalName,
			Status:       ImageUploaded,
		}
	}

	if err := o.store.Put(ctx, job); err != nil {
		o.inflight.Done()
		return nil, fmt.Errorf("store job: %w", err)
	}
	o.log.Info("job created", "job_id", job.ID, "images", len(job.Images))

	snapshot := job.Clone()
	go o.run(job)
	return snapshot, nil
}

func (o *Orchestrator) run(job *Job) {
	defer o.inflight.Done()
	log := o.log.With("job_id", job.ID)
	start := time.Now()
	// Store writes must land even after Shutdown cancels processing.
	storeCtx := context.WithoutCancel(o.ctx)

	// Goroutines always run to completion; the group reports the first progress write
	// that failed. The final commit below rewrites every image regardless.
	results := make([]Image, len(job.Images))
	var g errgroup.Group
	for i, submitted := range job.Images {
		g.Go(func() error {
			o.markProcessing(storeCtx, log, job.ID, i)
			res := o.processOne(log, submitted)
			results[i] = res
			return o.recordImage(storeCtx, log, job.ID, i, res)
		})
	}
	if err := g.Wait(); err != nil {
		log.Warn("progress update lost", "err", err)
	}

	final, err := o.commit(storeCtx, log, job, results)
	if err != nil {
		log.Error("commit job result", "err", err)
		return
	}

	failed := 0
	for _, img := range final.Images {
		if img.Status == ImageError {
			failed++
		}
	}
	log.Info("job done", "images", len(final.Images), "failed", failed, "duration", time.Since(start))
}

// commit writes the settled images and marks the job done. Transient store errors are
// retried so a batch is never left behind in processing.
func (o *Orchestrator) commit(ctx context.Context, log *slog.Logger, job *Job, results []Image) (*Job, error) {
	var lastErr error
	for attempt := 1; attempt <= commitAttempts; attempt++ {
		final, err := o.store.Update(ctx, job.ID, func(j *Job) error {
			images := make([]Image, len(results))
			for i, res := range results {
				res.OriginalName = job.Images[i].OriginalName
				images[i] = res
			}
			j.Images = images
			j.Status = StatusDone
			j.UpdatedAt = time.Now().UTC()
			return nil
		})
		if err == nil {
			return final, nil
		}
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		lastErr = err
		log.Warn("commit job result failed, retrying", "attempt", attempt, "err", err)
		time.Sleep(time.Duration(attempt) * commitBackoff)
	}
	return nil, fmt.Errorf("commit after %d attempts: %w", commitAttempts, lastErr)
}

// processOne runs the processor and normalizes its output into a settled record for the
// submitted image. A panicking processor yields an error record.
func (o *Orchestrator) processOne(log *slog.Logger, submitted Image) (res Image) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("image processor panicked", "image_id", submitted.ID, "panic", rec)
			res = FailedImage(submitted, nil)
		}
	}()
	res = o.proc.Process(o.ctx, submitted.ID, submitted.StorageRef)
	res.ID = submitted.ID
	res.StorageRef = submitted.StorageRef
	res.OriginalName = submitted.OriginalName
	if !res.Status.Terminal() {
		log.Warn("image processor returned non-terminal status", "image_id", submitted.ID, "status", res.Status)
		res = FailedImage(submitted, res.Metadata)
	}
	return res
}

// FailedImage builds the error record for img: empty label collections, optional metadata.
func FailedImage(img Image, meta *ImageMeta) Image {
	img.Status = ImageError
	img.Metadata = meta
	img.Labels = &Labels{
		Objects: []LabelScore{},
		Scenes:  []LabelScore{},
		Labels:  []LabelScore{},
	}
	return img
}

func (o *Orchestrator) markProcessing(ctx context.Context, log *slog.Logger, jobID string, idx int) {
	_, err := o.store.Update(ctx, jobID, func(j *Job) error {
		if idx >= len(j.Images) {
			return fmt.Errorf("image index %d out of range", idx)
		}
		if j.Images[idx].Status.rank() < ImageProcessing.rank() {
			j.Images[idx].Status = ImageProcessing
		}
		if j.Status == StatusPending {
			j.Status = StatusProcessing
		}
		j.UpdatedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		log.Warn("mark image processing", "index", idx, "err", err)
	}
}

func (o *Orchestrator) recordImage(ctx context.Context, log *slog.Logger, jobID string, idx int, res Image) error {
	_, err := o.store.Update(ctx, jobID, func(j *Job) error {
		if idx >= len(j.Images) {
			return fmt.Errorf("image index %d out of range", idx)
		}
		if j.Images[idx].Status.Terminal() {
			return nil
		}
		res.OriginalName = j.Images[idx].OriginalName
		j.Images[idx] = res
		j.UpdatedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		return fmt.Errorf("record image %d: %w", idx, err)
	}
	log.Debug("image settled", "image_id", res.ID, "status", res.Status)
	return nil
}

// Get returns the job or ErrNotFound.
func (o *Orchestrator) Get(ctx context.Context, id string) (*Job, error) {
	return o.store.Get(ctx, id)
}

// List returns every job, newest CreatedAt first; ties are ordered by job ID.
func (o *Orchestrator) List(ctx context.Context) ([]*Job, error) {
	all, err := o.store.List(ctx)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(all, func(a, b *Job) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return all, nil
}

// Shutdown rejects new submissions and waits for in-flight batches up to grace,
// after which their processing context is cancelled.
func (o *Orchestrator) Shutdown(grace time.Duration) {
	o.stopOnce.Do(func() {
		o.mu.Lock()
		o.closed = true
		o.mu.Unlock()
		defer o.cancel()

		done := make(chan struct{})
		go func() {
			defer close(done)
			o.inflight.Wait()
		}()

		if grace <= 0 {
			<-done
			return
		}

		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			o.log.Warn("shutdown grace period elapsed; cancelling in-flight jobs")
		}
	})
}
