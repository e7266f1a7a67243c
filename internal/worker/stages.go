package worker

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/bobarin/reelsmith/internal/errs"
	"github.com/bobarin/reelsmith/internal/models"
	"github.com/bobarin/reelsmith/internal/services"
	"github.com/bobarin/reelsmith/internal/storage"
)

// processImages downloads every product image and stores a cutout for each
// one the remover can handle. A removal failure leaves that cutout empty.
func (w *Worker) processImages(ctx context.Context, jobID string, product *models.ProductData, logger zerolog.Logger) error {
	cutouts := make([]string, len(product.Images))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.opts.ImageConcurrency)
	for i, url := range product.Images {
		i, url := i, url
		g.Go(func() error {
			data, err := w.objects.Fetch(gctx, url)
			if err != nil {
				return fmt.Errorf("image %d: %w", i+1, err)
			}
			if w.caps.Remover == nil {
				return nil
			}

			res, err := w.caps.Remover.RemoveBackground(gctx, data)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				logger.Warn().Err(err).Int("image", i+1).Msg("background removal unavailable")
				return nil
			}
			if !res.Success {
				logger.Warn().Str("reason", res.Reason).Int("image", i+1).Msg("background removal failed, using full image")
				return nil
			}

			key := storage.JobPath(jobID, fmt.Sprintf("cutout_%02d.png", i))
			cutURL, err := w.upload(gctx, key, res.Data, "image/png")
			if err != nil {
				return fmt.Errorf("cutout %d: %w", i+1, err)
			}
			cutouts[i] = cutURL
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	removed := 0
	for _, c := range cutouts {
		if c != "" {
			removed++
		}
	}
	product.Cutouts = nil
	if removed > 0 {
		product.Cutouts = cutouts
	}
	logger.Info().Int("images", len(product.Images)).Int("cutouts", removed).Msg("images processed")
	return nil
}

// generateBackground returns the stored background URL, or "" when no
// synthesizer is configured or no image has a cutout.
func (w *Worker) generateBackground(ctx context.Context, jobID string, product *models.ProductData) (string, error) {
	// Only layered scenes use a backdrop, and those need a cutout.
	if len(product.Cutouts) == 0 {
		return "", nil
	}
	prompt := services.BackdropPrompt(product.Title, product.Description)
	key := storage.JobPath(jobID, "background.png")

	switch {
	case w.caps.Backdrop != nil:
		handle, err := w.caps.Backdrop.Submit(ctx, prompt, w.opts.Dimensions)
		if err != nil {
			return "", err
		}
		imageURL, err := services.Await(ctx, "backdrop", w.opts.Poll, handle, w.caps.Backdrop.Poll)
		if err != nil {
			return "", err
		}
		return w.stream(ctx, imageURL, key, "image/png")

	case w.caps.BackdropImage != nil:
		data, err := w.caps.BackdropImage.GenerateImage(ctx, prompt, w.opts.Dimensions)
		if err != nil {
			return "", err
		}
		return w.upload(ctx, key, data, "image/png")
	}
	return "", nil
}

// generateAvatar narrates the intro line, then lip-syncs it. Either sub-step
// failing drops the intro.
func (w *Worker) generateAvatar(ctx context.Context, jobID string, product *models.ProductData) (string, error) {
	if w.caps.Avatar == nil {
		return "", nil
	}

	line := fmt.Sprintf(w.opts.IntroTemplate, product.Title)
	speech, err := w.caps.Voice.Synthesize(ctx, line)
	if err != nil {
		return "", errs.Capability("intro narration", err)
	}
	audioURL, err := w.upload(ctx, storage.JobPath(jobID, "intro"+audioExt(speech.Format)), speech.AudioData, audioContentType(speech.Format))
	if err != nil {
		return "", err
	}

	handle, err := w.caps.Avatar.Submit(ctx, audioURL, w.opts.AvatarID)
	if err != nil {
		return "", err
	}
	videoURL, err := services.Await(ctx, "avatar", w.opts.Poll, handle, w.caps.Avatar.Poll)
	if err != nil {
		return "", err
	}
	// Provider result URLs expire; keep a copy.
	return w.stream(ctx, videoURL, storage.JobPath(jobID, "avatar.mp4"), "video/mp4")
}

// narrate synthesizes and stores the audio of every scene, filling AudioURL.
// Duration estimates stay as scripted; the renderer measures the audio.
func (w *Worker) narrate(ctx context.Context, jobID string, scenes models.Scenes) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.opts.UploadConcurrency)
	for i := range scenes {
		i := i
		g.Go(func() error {
			speech, err := w.caps.Voice.Synthesize(gctx, scenes[i].Text)
			if err != nil {
				return errs.Capability(fmt.Sprintf("narrate scene %d", i+1), err)
			}
			if len(speech.AudioData) == 0 {
				return errs.Capability(fmt.Sprintf("narrate scene %d", i+1), fmt.Errorf("empty audio"))
			}
			key := storage.JobPath(jobID, fmt.Sprintf("scene_%02d%s", i, audioExt(speech.Format)))
			url, err := w.upload(gctx, key, speech.AudioData, audioContentType(speech.Format))
			if err != nil {
				return err
			}
			scenes[i].AudioURL = url
			return nil
		})
	}
	return g.Wait()
}
