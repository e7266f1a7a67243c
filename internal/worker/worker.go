// Package worker runs the job orchestrator: a pool of goroutines draining the
// queue, each driving one job through the ordered pipeline stages.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bobarin/reelsmith/internal/compositor"
	"github.com/bobarin/reelsmith/internal/db"
	"github.com/bobarin/reelsmith/internal/errs"
	"github.com/bobarin/reelsmith/internal/logging"
	"github.com/bobarin/reelsmith/internal/models"
	"github.com/bobarin/reelsmith/internal/queue"
	"github.com/bobarin/reelsmith/internal/services"
	"github.com/bobarin/reelsmith/internal/storage"
)

// JobStore is the persisted job state. It is the only writer of a job's
// status, progress and results.
type JobStore interface {
	GetJob(ctx context.Context, id string) (*models.Job, error)
	GetProduct(ctx context.Context, ref string) (*models.ProductData, error)
	UpdateJobStatus(ctx context.Context, id string, status models.JobStatus, progress int) (bool, error)
	UpdateJobProductData(ctx context.Context, id string, data *models.ProductData) (bool, error)
	UpdateJobScript(ctx context.Context, id string, scenes models.Scenes) (bool, error)
	CompleteJob(ctx context.Context, id, videoURL string) (bool, error)
	FailJob(ctx context.Context, id, message string) (bool, error)
}

// JobQueue delivers job ids.
type JobQueue interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*queue.Message, error)
	Claim(ctx context.Context, jobID, owner string) (bool, error)
	Ack(ctx context.Context, msg *queue.Message) error
	Retry(ctx context.Context, msg *queue.Message, cause error) (bool, error)
	Drop(ctx context.Context, msg *queue.Message) error
}

// ObjectStore is durable storage for intermediate and final artifacts.
type ObjectStore interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte, contentType string) (*storage.UploadResult, error)
	StreamFromURL(ctx context.Context, srcURL, key, contentType string) (*storage.UploadResult, error)
}

// Composer renders and publishes the final video.
type Composer interface {
	Compose(ctx context.Context, req compositor.Request) (*compositor.Result, error)
}

type ScriptWriter interface {
	GenerateScript(ctx context.Context, product models.ProductData) (*services.Script, error)
}

type BackgroundRemover interface {
	RemoveBackground(ctx context.Context, image []byte) (*services.RemovalResult, error)
}

// BackdropGenerator is the submit-then-poll background synthesizer.
type BackdropGenerator interface {
	Submit(ctx context.Context, prompt string, dim services.Dimensions) (string, error)
	Poll(ctx context.Context, handle string) (*services.PollStatus, error)
}

// ImageGenerator synthesizes a background in a single call.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt string, dim services.Dimensions) ([]byte, error)
}

type AvatarGenerator interface {
	Submit(ctx context.Context, audioURL, avatarID string) (string, error)
	Poll(ctx context.Context, handle string) (*services.PollStatus, error)
}

// Capabilities are the external collaborators. Script and Voice are required;
// a nil optional capability skips its enhancement.
type Capabilities struct {
	Script   ScriptWriter
	Voice    services.TTSService
	Remover  BackgroundRemover
	Backdrop BackdropGenerator
	// BackdropImage is used when Backdrop is nil.
	BackdropImage ImageGenerator
	Avatar        AvatarGenerator
}

type Options struct {
	UploadConcurrency int
	ImageConcurrency  int
	DequeueTimeout    time.Duration
	Poll              services.PollConfig
	// IntroTemplate is formatted with the product title.
	IntroTemplate string
	AvatarID      string
	Dimensions    services.Dimensions
}

type Worker struct {
	id        string
	store     JobStore
	queue     JobQueue
	objects   ObjectStore
	composer  Composer
	caps      Capabilities
	opts      Options
	uploadSem chan struct{}
	logger    zerolog.Logger
}

// errSettled stops a pipeline whose job became terminal underneath it.
var errSettled = errors.New("job already settled")

func New(store JobStore, q JobQueue, objects ObjectStore, composer Composer, caps Capabilities, opts Options, logger zerolog.Logger) *Worker {
	if opts.UploadConcurrency <= 0 {
		opts.UploadConcurrency = 3
	}
	if opts.ImageConcurrency <= 0 {
		opts.ImageConcurrency = 3
	}
	if opts.DequeueTimeout <= 0 {
		opts.DequeueTimeout = 5 * time.Second
	}
	if opts.IntroTemplate == "" {
		opts.IntroTemplate = "Hi! Let me show you %s."
	}
	if opts.Dimensions.Width == 0 || opts.Dimensions.Height == 0 {
		opts.Dimensions = services.Dimensions{Width: 1080, Height: 1920}
	}
	return &Worker{
		id:        uuid.NewString(),
		store:     store,
		queue:     q,
		objects:   objects,
		composer:  composer,
		caps:      caps,
		opts:      opts,
		uploadSem: make(chan struct{}, opts.UploadConcurrency),
		logger:    logging.WithComponent(logger, "worker"),
	}
}

// Start runs concurrency consumers until ctx is cancelled, then waits for
// in-flight jobs to reach a terminal state.
func (w *Worker) Start(ctx context.Context, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}
	w.logger.Info().Int("concurrency", concurrency).Str("worker_id", w.id).Msg("worker started")

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consume(ctx, slot)
		}(i)
	}
	wg.Wait()
	w.logger.Info().Msg("worker stopped")
}

func (w *Worker) consume(ctx context.Context, slot int) {
	for {
		if ctx.Err() != nil {
			return
		}
		msg, err := w.queue.Dequeue(ctx, w.opts.DequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error().Err(err).Int("slot", slot).Msg("dequeue failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if msg == nil {
			continue
		}
		// A claimed job runs to a terminal state even during shutdown.
		w.handle(context.WithoutCancel(ctx), msg)
	}
}

// handle processes one delivery and settles it with the queue. Failures the
// pipeline already persisted as terminal are not retried.
func (w *Worker) handle(ctx context.Context, msg *queue.Message) {
	logger := logging.ForJob(w.logger, msg.JobID).With().Int("attempt", msg.Attempt).Logger()

	claimed, err := w.queue.Claim(ctx, msg.JobID, w.id)
	if err != nil {
		// The delivery keeps its lease and comes back once it expires.
		logger.Error().Err(err).Msg("claim failed, leaving delivery in flight")
		return
	}
	if !claimed {
		logger.Warn().Msg("job held by another worker, dropping delivery")
		if err := w.queue.Drop(ctx, msg); err != nil {
			logger.Error().Err(err).Msg("drop failed")
		}
		return
	}

	settled, err := w.process(ctx, msg.JobID, logger)
	if err == nil || settled || !errs.Retryable(err) {
		if err != nil && !settled {
			logger.Error().Err(err).Msg("job dropped without retry")
		}
		if err := w.queue.Ack(ctx, msg); err != nil {
			logger.Error().Err(err).Msg("ack failed")
		}
		return
	}

	scheduled, rerr := w.queue.Retry(ctx, msg, err)
	if rerr != nil {
		logger.Error().Err(rerr).Msg("retry scheduling failed")
		return
	}
	if scheduled {
		logger.Warn().Err(err).Msg("job rescheduled")
		return
	}
	logger.Error().Err(err).Msg("retries exhausted")
	if _, ferr := w.store.FailJob(ctx, msg.JobID, errs.Public(err)); ferr != nil {
		logger.Error().Err(ferr).Msg("failed to persist job failure")
	}
}

// Process runs the pipeline for one job. A job that is already terminal is a
// no-op.
func (w *Worker) Process(ctx context.Context, jobID string) error {
	_, err := w.process(ctx, jobID, logging.ForJob(w.logger, jobID))
	return err
}

// process reports settled when the job reached a terminal state, whether or
// not this run put it there.
func (w *Worker) process(ctx context.Context, jobID string, logger zerolog.Logger) (bool, error) {
	job, err := w.store.GetJob(ctx, jobID)
	if errors.Is(err, db.ErrNotFound) {
		return false, errs.Validation("process", "job %s does not exist", jobID)
	}
	if err != nil {
		return false, fmt.Errorf("failed to load job: %w", err)
	}
	if job.Status.IsTerminal() {
		logger.Info().Str("status", string(job.Status)).Msg("job already terminal, skipping")
		return true, nil
	}

	start := time.Now()
	videoURL, err := w.run(ctx, job, logger)
	if errors.Is(err, errSettled) {
		logger.Warn().Msg("job settled elsewhere, stopping")
		return true, nil
	}
	if err != nil {
		logger.Error().Err(err).Dur("elapsed", time.Since(start)).Msg("job failed")
		if _, ferr := w.store.FailJob(ctx, jobID, errs.Public(err)); ferr != nil {
			return false, fmt.Errorf("%w (failure not persisted: %v)", err, ferr)
		}
		return true, err
	}

	ok, err := w.store.CompleteJob(ctx, jobID, videoURL)
	if err != nil {
		return false, fmt.Errorf("failed to complete job: %w", err)
	}
	if !ok {
		return true, nil
	}
	logger.Info().Str("video_url", videoURL).Dur("elapsed", time.Since(start)).Msg("job completed")
	return true, nil
}

// run drives the ordered stages and returns the published video URL. A
// redelivered job resumes at its persisted status, reusing the product and
// script the earlier stages saved.
func (w *Worker) run(ctx context.Context, job *models.Job, logger zerolog.Logger) (string, error) {
	from := resumePoint(job)
	if from != models.JobStatusPreparing {
		logger.Info().Str("from", string(from)).Msg("resuming job")
	}

	var product *models.ProductData
	if from.Stage() > models.JobStatusPreparing.Stage() {
		p := *job.ProductData
		product = &p
	}
	var scenes models.Scenes
	if from.Stage() > models.JobStatusScripting.Stage() {
		scenes = append(models.Scenes(nil), job.ScriptData...)
	}

	stage := func(status models.JobStatus, checkpoint int, fn func(context.Context) error) error {
		if status.Stage() < from.Stage() {
			return nil
		}
		return w.stage(ctx, job.ID, status, checkpoint, fn)
	}

	err := stage(models.JobStatusPreparing, models.ProgressPreparing, func(ctx context.Context) error {
		p, err := w.intake(ctx, job)
		if err != nil {
			return err
		}
		product = p
		return w.saveProduct(ctx, job.ID, product)
	})
	if err != nil {
		return "", err
	}

	err = stage(models.JobStatusProcessingImages, models.ProgressImages, func(ctx context.Context) error {
		if err := w.processImages(ctx, job.ID, product, logger); err != nil {
			return err
		}
		return w.saveProduct(ctx, job.ID, product)
	})
	if err != nil {
		return "", err
	}

	err = stage(models.JobStatusGeneratingBackground, models.ProgressBackground, func(ctx context.Context) error {
		url, err := w.generateBackground(ctx, job.ID, product)
		if err != nil {
			return w.degrade(ctx, "background", err, logger)
		}
		if url == "" {
			return nil
		}
		product.BackgroundURL = url
		return w.saveProduct(ctx, job.ID, product)
	})
	if err != nil {
		return "", err
	}

	err = stage(models.JobStatusGeneratingAvatar, models.ProgressAvatar, func(ctx context.Context) error {
		url, err := w.generateAvatar(ctx, job.ID, product)
		if err != nil {
			return w.degrade(ctx, "avatar", err, logger)
		}
		if url == "" {
			return nil
		}
		product.AvatarURL = url
		return w.saveProduct(ctx, job.ID, product)
	})
	if err != nil {
		return "", err
	}

	err = stage(models.JobStatusScripting, models.ProgressScript, func(ctx context.Context) error {
		script, err := w.caps.Script.GenerateScript(ctx, *product)
		if err != nil {
			return err
		}
		if n := len(script.Scenes); n < models.MinScenes || n > models.MaxScenes {
			return errs.Capability("script", fmt.Errorf("got %d scenes, need %d-%d", n, models.MinScenes, models.MaxScenes))
		}
		scenes = script.Scenes
		return w.saveScript(ctx, job.ID, scenes)
	})
	if err != nil {
		return "", err
	}

	err = stage(models.JobStatusGeneratingVoice, models.ProgressVoice, func(ctx context.Context) error {
		if err := w.narrate(ctx, job.ID, scenes); err != nil {
			return err
		}
		return w.saveScript(ctx, job.ID, scenes)
	})
	if err != nil {
		return "", err
	}

	var videoURL string
	err = stage(models.JobStatusRendering, models.ProgressRendering, func(ctx context.Context) error {
		res, err := w.composer.Compose(ctx, compositor.Request{JobID: job.ID, Scenes: scenes, Product: *product})
		if err != nil {
			return err
		}
		logger.Info().Int("scenes", res.Scenes).Float64("duration", res.DurationEstimate).Int64("bytes", res.SizeBytes).Msg("video rendered")
		videoURL = res.VideoURL
		return nil
	})
	return videoURL, err
}

// resumePoint is the first stage a job still has to run. A persisted status
// means every earlier stage finished and saved its output, unless that output
// is missing, in which case the job starts over from the stage producing it.
func resumePoint(job *models.Job) models.JobStatus {
	from := job.Status
	if from.Stage() <= models.JobStatusPreparing.Stage() || job.ProductData == nil {
		return models.JobStatusPreparing
	}
	if from.Stage() > models.JobStatusScripting.Stage() && len(job.ScriptData) == 0 {
		return models.JobStatusScripting
	}
	return from
}

// stage records status before the work and the checkpoint after it.
func (w *Worker) stage(ctx context.Context, jobID string, status models.JobStatus, checkpoint int, fn func(context.Context) error) error {
	if err := w.setStatus(ctx, jobID, status, 0); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		if errors.Is(err, errSettled) {
			return err
		}
		return errs.AtStage(string(status), err)
	}
	return w.setStatus(ctx, jobID, status, checkpoint)
}

// degrade swallows an optional stage failure unless the job is shutting down.
func (w *Worker) degrade(ctx context.Context, what string, err error, logger zerolog.Logger) error {
	if ctx.Err() != nil || errors.Is(err, errSettled) {
		return err
	}
	logger.Warn().Err(err).Str("capability", what).Msg("optional stage failed, continuing without it")
	return nil
}

func (w *Worker) setStatus(ctx context.Context, jobID string, status models.JobStatus, progress int) error {
	ok, err := w.store.UpdateJobStatus(ctx, jobID, status, progress)
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	if !ok {
		return errSettled
	}
	return nil
}

func (w *Worker) saveProduct(ctx context.Context, jobID string, p *models.ProductData) error {
	ok, err := w.store.UpdateJobProductData(ctx, jobID, p)
	if err != nil {
		return fmt.Errorf("failed to save product data: %w", err)
	}
	if !ok {
		return errSettled
	}
	return nil
}

func (w *Worker) saveScript(ctx context.Context, jobID string, scenes models.Scenes) error {
	ok, err := w.store.UpdateJobScript(ctx, jobID, scenes)
	if err != nil {
		return fmt.Errorf("failed to save script: %w", err)
	}
	if !ok {
		return errSettled
	}
	return nil
}

// intake resolves the product: inline data wins over a reference.
func (w *Worker) intake(ctx context.Context, job *models.Job) (*models.ProductData, error) {
	var product *models.ProductData
	switch {
	case job.ProductData != nil:
		p := *job.ProductData
		product = &p
	case job.ProductRef != nil && *job.ProductRef != "":
		p, err := w.store.GetProduct(ctx, *job.ProductRef)
		if errors.Is(err, db.ErrNotFound) {
			return nil, errs.Validation("intake", "product %q not found", *job.ProductRef)
		}
		if err != nil {
			return nil, errs.Storage("intake", err)
		}
		product = p
	default:
		return nil, errs.Validation("intake", "job has no product")
	}

	if product.Title == "" {
		return nil, errs.Validation("intake", "product title is required")
	}
	if len(product.Images) == 0 {
		return nil, errs.Validation("intake", "product has no images")
	}
	product.Cutouts = nil
	return product, nil
}

// uploadWithLimit bounds concurrent uploads across every job on this worker.
func (w *Worker) uploadWithLimit(ctx context.Context, fn func() error) error {
	select {
	case w.uploadSem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("upload cancelled while waiting for slot: %w", ctx.Err())
	}
	defer func() { <-w.uploadSem }()
	return fn()
}

func (w *Worker) upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	var url string
	err := w.uploadWithLimit(ctx, func() error {
		res, err := w.objects.Upload(ctx, key, data, contentType)
		if err != nil {
			return err
		}
		url = res.URL
		return nil
	})
	return url, err
}

func (w *Worker) stream(ctx context.Context, srcURL, key, contentType string) (string, error) {
	var url string
	err := w.uploadWithLimit(ctx, func() error {
		res, err := w.objects.StreamFromURL(ctx, srcURL, key, contentType)
		if err != nil {
			return err
		}
		url = res.URL
		return nil
	})
	return url, err
}

func audioExt(format string) string {
	switch format {
	case "", "mp3":
		return ".mp3"
	default:
		return "." + format
	}
}

func audioContentType(format string) string {
	switch format {
	case "wav":
		return "audio/wav"
	default:
		return "audio/mpeg"
	}
}
