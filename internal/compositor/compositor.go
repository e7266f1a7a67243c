// Package compositor builds the final product video from a narrated script
// and the product's assets.
package compositor

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/bobarin/reelsmith/internal/errs"
	"github.com/bobarin/reelsmith/internal/models"
	"github.com/bobarin/reelsmith/internal/render"
	"github.com/bobarin/reelsmith/internal/services"
	"github.com/bobarin/reelsmith/internal/storage"
)

// Renderer is the transcoding surface the compositor drives.
type Renderer interface {
	Profile() render.Profile
	ProbeDuration(ctx context.Context, path string) (float64, error)
	RenderScene(ctx context.Context, in render.SceneInput, out string) error
	RenderLayeredScene(ctx context.Context, in render.LayeredSceneInput, out string) error
	RenderFromVideo(ctx context.Context, in render.VideoSceneInput, out string) error
	NormalizeClip(ctx context.Context, in, out string) error
	Concatenate(ctx context.Context, clips []string, intro, out string) error
	MixMusic(ctx context.Context, video, music, out string) error
}

// Store downloads inputs and publishes the result.
type Store interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
	UploadStream(ctx context.Context, key string, r io.Reader, size int64, contentType string) (*storage.UploadResult, error)
}

// BannerWriter draws the name and price overlays.
type BannerWriter interface {
	WriteBanners(ts *render.TempSet, title string, price float64, currencyCode string) (render.Banners, error)
}

// Request is one composition.
type Request struct {
	JobID   string
	Scenes  models.Scenes
	Product models.ProductData
}

// Result describes the published video.
type Result struct {
	VideoURL         string  `json:"video_url"`
	Scenes           int     `json:"scenes"`
	DurationEstimate float64 `json:"duration_estimate"`
	SizeBytes        int64   `json:"size_bytes"`
}

// Options configures a Compositor. Motion is optional.
type Options struct {
	TempDir          string
	MusicPath        string
	FetchConcurrency int
	Motion           services.MotionGenerator
	MotionStrength   float64
	MotionPoll       services.PollConfig
	// Seed fixes the effect sequence; zero seeds from the clock.
	Seed int64
}

type Compositor struct {
	renderer Renderer
	store    Store
	banners  BannerWriter
	opts     Options
	logger   zerolog.Logger
}

func New(renderer Renderer, store Store, banners BannerWriter, opts Options, logger zerolog.Logger) *Compositor {
	if opts.FetchConcurrency <= 0 {
		opts.FetchConcurrency = 4
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	return &Compositor{
		renderer: renderer,
		store:    store,
		banners:  banners,
		opts:     opts,
		logger:   logger.With().Str("component", "compositor").Logger(),
	}
}

// Validate checks the request shape. Compose calls it before any download
// or render.
func Validate(req Request) error {
	if req.JobID == "" {
		return errs.Validation("compose", "job id is required")
	}
	if len(req.Scenes) == 0 {
		return errs.Validation("compose", "script has no scenes")
	}
	for i, sc := range req.Scenes {
		if sc.AudioURL == "" {
			return errs.Validation("compose", "scene %d has no audio", i+1)
		}
	}
	if len(req.Product.Images) == 0 {
		return errs.Validation("compose", "product has no images")
	}
	return nil
}

// inputs are the local copies of everything a composition needs.
type inputs struct {
	audio      []string
	images     []string
	cutouts    []string // parallel to images; "" when none
	background string
	avatar     string
}

// Compose renders one clip per scene, prefixes the avatar intro when there is
// one, concatenates, optionally mixes music and uploads the result. Every temp
// file is removed before it returns.
func (c *Compositor) Compose(ctx context.Context, req Request) (*Result, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}
	logger := c.logger.With().Str("job_id", req.JobID).Logger()
	start := time.Now()

	ts, err := render.NewTempSet(c.opts.TempDir, "compose-"+req.JobID)
	if err != nil {
		return nil, errs.Transcoding("compose", err)
	}
	defer func() {
		if err := ts.Cleanup(); err != nil {
			logger.Warn().Err(err).Msg("temp cleanup failed")
		}
	}()

	in, err := c.fetchInputs(ctx, ts, req, logger)
	if err != nil {
		return nil, err
	}

	durations := make([]float64, len(in.audio))
	for i, a := range in.audio {
		d, err := c.renderer.ProbeDuration(ctx, a)
		if err != nil {
			return nil, fmt.Errorf("probe scene %d audio: %w", i+1, err)
		}
		durations[i] = c.renderer.Profile().ClampDuration(d)
	}

	clips, err := c.renderScenes(ctx, ts, req, in, durations, logger)
	if err != nil {
		return nil, err
	}

	intro := c.prepareIntro(ctx, ts, in.avatar, logger)

	final := ts.Path("final.mp4")
	if err := c.renderer.Concatenate(ctx, clips, intro, final); err != nil {
		return nil, err
	}
	ts.Release(clips...)
	ts.Release(intro)

	final = c.mixMusic(ctx, ts, final, logger)

	total := 0.0
	for _, d := range durations {
		total += d
	}
	if d, err := c.renderer.ProbeDuration(ctx, final); err == nil {
		total = d
	}

	uploaded, err := c.upload(ctx, req.JobID, final)
	if err != nil {
		return nil, err
	}

	logger.Info().
		Int("scenes", len(clips)).
		Bool("intro", intro != "").
		Float64("duration", total).
		Int64("bytes", uploaded.Size).
		Dur("elapsed", time.Since(start)).
		Msg("video composed")

	return &Result{
		VideoURL:         uploaded.URL,
		Scenes:           len(clips),
		DurationEstimate: total,
		SizeBytes:        uploaded.Size,
	}, nil
}

// fetchInputs downloads scene audio, product images and cutouts with bounded
// concurrency. Background and avatar are optional; a failed download leaves
// them unset.
func (c *Compositor) fetchInputs(ctx context.Context, ts *render.TempSet, req Request, logger zerolog.Logger) (*inputs, error) {
	p := req.Product
	in := &inputs{
		audio:   make([]string, len(req.Scenes)),
		images:  make([]string, len(p.Images)),
		cutouts: make([]string, len(p.Images)),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.FetchConcurrency)

	fetch := func(dst *string, url, name string, required bool) {
		g.Go(func() error {
			data, err := c.store.Fetch(gctx, url)
			if err != nil {
				if required {
					return fmt.Errorf("fetch %s: %w", name, err)
				}
				logger.Warn().Err(err).Str("asset", name).Msg("optional asset unavailable")
				return nil
			}
			local, err := ts.Write(name+extOf(url), data)
			if err != nil {
				return errs.Transcoding("compose", err)
			}
			*dst = local
			return nil
		})
	}

	for i, sc := range req.Scenes {
		fetch(&in.audio[i], sc.AudioURL, fmt.Sprintf("audio_%02d", i), true)
	}
	for i, url := range p.Images {
		fetch(&in.images[i], url, fmt.Sprintf("image_%02d", i), true)
		if cut := p.CutoutFor(i); cut != "" {
			fetch(&in.cutouts[i], cut, fmt.Sprintf("cutout_%02d", i), true)
		}
	}
	if p.BackgroundURL != "" {
		fetch(&in.background, p.BackgroundURL, "background", false)
	}
	if p.AvatarURL != "" {
		fetch(&in.avatar, p.AvatarURL, "avatar", false)
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return in, nil
}

func (c *Compositor) renderScenes(ctx context.Context, ts *render.TempSet, req Request, in *inputs, durations []float64, logger zerolog.Logger) ([]string, error) {
	profile := c.renderer.Profile()
	seed := c.opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	motions := render.Sequence(rand.New(rand.NewSource(seed)), durations, profile)

	banners, err := c.banners.WriteBanners(ts, req.Product.Title, req.Product.Price, req.Product.Currency)
	if err != nil {
		return nil, errs.Transcoding("banners", err)
	}

	background := in.background
	synthesized := make(map[int]string)
	clips := make([]string, 0, len(req.Scenes))

	for i := range req.Scenes {
		idx := i % len(in.images)
		out := ts.Path(fmt.Sprintf("scene_%02d.mp4", i))
		sceneLog := logger.With().Int("scene", i+1).Int("image", idx+1).Logger()

		if c.opts.Motion != nil {
			video, ok := synthesized[idx]
			if !ok {
				video = c.synthesizeMotion(ctx, ts, req.Product.Images[idx], idx, sceneLog)
				synthesized[idx] = video
			}
			if video != "" {
				err := c.renderer.RenderFromVideo(ctx, render.VideoSceneInput{
					Video: video, Audio: in.audio[i], Banners: banners, Duration: durations[i],
				}, out)
				if err == nil {
					clips = append(clips, out)
					ts.Release(in.audio[i])
					continue
				}
				sceneLog.Warn().Err(err).Msg("motion scene failed, using still image")
			}
		}

		if cutout := in.cutouts[idx]; cutout != "" {
			if background == "" {
				background, err = render.WriteGradient(ts, "gradient.png", profile.Width, profile.Height, req.Product.Title)
				if err != nil {
					return nil, errs.Transcoding("gradient", err)
				}
			}
			err = c.renderer.RenderLayeredScene(ctx, render.LayeredSceneInput{
				Background: background, Foreground: cutout, Audio: in.audio[i],
				Banners: banners, Motion: motions[i], Duration: durations[i],
			}, out)
		} else {
			err = c.renderer.RenderScene(ctx, render.SceneInput{
				Image: in.images[idx], Audio: in.audio[i],
				Banners: banners, Motion: motions[i], Duration: durations[i],
			}, out)
		}
		if err != nil {
			return nil, fmt.Errorf("scene %d: %w", i+1, err)
		}
		clips = append(clips, out)
		ts.Release(in.audio[i])
	}
	return clips, nil
}

// synthesizeMotion returns a local motion clip for an image, or "" when the
// generator fails.
func (c *Compositor) synthesizeMotion(ctx context.Context, ts *render.TempSet, imageURL string, idx int, logger zerolog.Logger) string {
	gen := c.opts.Motion
	handle, err := gen.Submit(ctx, imageURL, c.opts.MotionStrength)
	if err != nil {
		logger.Warn().Err(err).Msg("motion submit failed")
		return ""
	}
	url, err := services.Await(ctx, "motion", c.opts.MotionPoll, handle, gen.Poll)
	if err != nil {
		logger.Warn().Err(err).Str("handle", handle).Msg("motion synthesis failed")
		return ""
	}
	data, err := gen.Download(ctx, url)
	if err != nil {
		logger.Warn().Err(err).Msg("motion download failed")
		return ""
	}
	local, err := ts.Write(fmt.Sprintf("motion_%02d.mp4", idx), data)
	if err != nil {
		logger.Warn().Err(err).Msg("motion clip not written")
		return ""
	}
	return local
}

// prepareIntro re-encodes the avatar clip with the scene profile. Any failure
// drops the intro.
func (c *Compositor) prepareIntro(ctx context.Context, ts *render.TempSet, avatar string, logger zerolog.Logger) string {
	if avatar == "" {
		return ""
	}
	intro := ts.Path("intro.mp4")
	if err := c.renderer.NormalizeClip(ctx, avatar, intro); err != nil {
		logger.Warn().Err(err).Msg("avatar intro unusable, skipping")
		ts.Release(intro)
		return ""
	}
	ts.Release(avatar)
	return intro
}

// mixMusic returns the mixed video, or the input when there is no music or
// mixing fails.
func (c *Compositor) mixMusic(ctx context.Context, ts *render.TempSet, video string, logger zerolog.Logger) string {
	if c.opts.MusicPath == "" {
		return video
	}
	if _, err := os.Stat(c.opts.MusicPath); err != nil {
		logger.Warn().Err(err).Str("path", c.opts.MusicPath).Msg("background music not found")
		return video
	}
	mixed := ts.Path("final_music.mp4")
	if err := c.renderer.MixMusic(ctx, video, c.opts.MusicPath, mixed); err != nil {
		logger.Warn().Err(err).Msg("music mix failed, using narration only")
		ts.Release(mixed)
		return video
	}
	ts.Release(video)
	return mixed
}

func (c *Compositor) upload(ctx context.Context, jobID, final string) (*storage.UploadResult, error) {
	f, err := os.Open(final)
	if err != nil {
		return nil, errs.Transcoding("compose", fmt.Errorf("open final video: %w", err))
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, errs.Transcoding("compose", fmt.Errorf("stat final video: %w", err))
	}
	return c.store.UploadStream(ctx, storage.JobPath(jobID, "final.mp4"), f, info.Size(), "video/mp4")
}

// extOf keeps the URL's extension so ffmpeg can sniff the container.
func extOf(url string) string {
	if i := strings.IndexAny(url, "?#"); i >= 0 {
		url = url[:i]
	}
	ext := path.Ext(url)
	if len(ext) > 5 {
		return ""
	}
	return ext
}
