package render

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/bobarin/reelsmith/internal/errs"
)

// Executor runs ffmpeg/ffprobe with a fixed encoding profile.
type Executor struct {
	logger      zerolog.Logger
	ffmpegPath  string
	ffprobePath string
	profile     Profile
}

// NewExecutor resolves the binaries on PATH.
func NewExecutor(logger zerolog.Logger, profile Profile) (*Executor, error) {
	if err := profile.Validate(); err != nil {
		return nil, fmt.Errorf("invalid render profile: %w", err)
	}
	ffmpegPath, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found in PATH: %w", err)
	}
	ffprobePath, err := exec.LookPath("ffprobe")
	if err != nil {
		return nil, fmt.Errorf("ffprobe not found in PATH: %w", err)
	}
	return &Executor{
		logger:      logger.With().Str("component", "ffmpeg").Logger(),
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
		profile:     profile,
	}, nil
}

func (e *Executor) Profile() Profile { return e.profile }

// SceneInput is one still-image scene.
type SceneInput struct {
	Image    string
	Audio    string
	Banners  Banners
	Motion   MotionDescriptor
	Duration float64
}

// LayeredSceneInput composites a foreground cutout over a background.
type LayeredSceneInput struct {
	Background string
	Foreground string
	Audio      string
	Banners    Banners
	Motion     MotionDescriptor
	Duration   float64
}

// VideoSceneInput is a scene backed by a synthesized motion clip.
type VideoSceneInput struct {
	Video    string
	Audio    string
	Banners  Banners
	Duration float64
}

// RenderScene encodes one still-image scene to out.
func (e *Executor) RenderScene(ctx context.Context, in SceneInput, out string) error {
	e.logger.Debug().Str("effect", string(in.Motion.Kind)).Float64("duration", in.Duration).Msg("rendering scene")
	return e.encode(ctx, "render scene", sceneGraph(e.profile, in), out)
}

// RenderLayeredScene encodes background + centred foreground, then motion
// and banners.
func (e *Executor) RenderLayeredScene(ctx context.Context, in LayeredSceneInput, out string) error {
	e.logger.Debug().Str("effect", string(in.Motion.Kind)).Float64("duration", in.Duration).Msg("rendering layered scene")
	return e.encode(ctx, "render layered scene", layeredSceneGraph(e.profile, in), out)
}

// RenderFromVideo replaces a motion clip's audio with narration, freezing
// the last frame when the clip is shorter than the narration.
func (e *Executor) RenderFromVideo(ctx context.Context, in VideoSceneInput, out string) error {
	e.logger.Debug().Float64("duration", in.Duration).Msg("rendering scene from video")
	return e.encode(ctx, "render video scene", videoSceneGraph(e.profile, in), out)
}

// NormalizeClip re-encodes an externally produced clip with the scene
// profile so it can be stream-copied alongside rendered scenes.
func (e *Executor) NormalizeClip(ctx context.Context, in, out string) error {
	duration, err := e.ProbeDuration(ctx, in)
	if err != nil {
		return err
	}
	return e.encode(ctx, "normalize clip", normalizeGraph(e.profile, in, duration), out)
}

func (e *Executor) encode(ctx context.Context, op string, g *Graph, out string) error {
	args := append(g.Args(), e.profile.encodeArgs()...)
	args = append(args, out)
	return e.run(ctx, op, args)
}

// Concatenate joins clips with the stream-copy concat demuxer. intro, when
// set, is always first. The manifest is written next to out and removed
// before returning.
func (e *Executor) Concatenate(ctx context.Context, clips []string, intro, out string) error {
	ordered := concatOrder(clips, intro)
	if len(ordered) == 0 {
		return errs.Transcoding("concatenate", fmt.Errorf("no clips to concatenate"))
	}

	manifest := filepath.Join(filepath.Dir(out), "concat_list.txt")
	if err := os.WriteFile(manifest, []byte(concatManifest(ordered)), 0644); err != nil {
		return errs.Transcoding("concatenate", fmt.Errorf("failed to write concat list: %w", err))
	}
	defer os.Remove(manifest)

	e.logger.Debug().Int("clips", len(ordered)).Bool("intro", intro != "").Msg("concatenating")
	return e.run(ctx, "concatenate", concatArgs(manifest, out))
}

// MixMusic lays looping music under the narration of video. The video
// stream is copied.
func (e *Executor) MixMusic(ctx context.Context, video, music, out string) error {
	return e.run(ctx, "mix music", mixArgs(e.profile, video, music, out))
}

// ProbeDuration returns a media file's duration in seconds.
func (e *Executor) ProbeDuration(ctx context.Context, path string) (float64, error) {
	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		path,
	}
	cmd := exec.CommandContext(ctx, e.ffprobePath, args...)
	output, err := cmd.Output()
	if err != nil {
		return 0, errs.Transcoding("probe", fmt.Errorf("ffprobe failed: %w", err))
	}
	return parseProbeDuration(output)
}

func parseProbeDuration(output []byte) (float64, error) {
	var probe struct {
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
	}
	if err := json.Unmarshal(output, &probe); err != nil {
		return 0, errs.Transcoding("probe", fmt.Errorf("failed to parse ffprobe output: %w", err))
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(probe.Format.Duration), 64)
	if err != nil || math.IsNaN(d) || d < 0 {
		return 0, errs.Transcoding("probe", fmt.Errorf("invalid duration %q", probe.Format.Duration))
	}
	return d, nil
}

func (e *Executor) run(ctx context.Context, op string, args []string) error {
	base := []string{"-y", "-hide_banner", "-loglevel", "error"}
	if e.profile.Threads > 0 {
		base = append(base, "-threads", strconv.Itoa(e.profile.Threads))
	}
	args = append(base, args...)

	e.logger.Debug().Str("op", op).Strs("args", args).Msg("executing ffmpeg")

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, e.ffmpegPath, args...)
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.logger.Error().Str("op", op).Str("stderr", tail(stderr.String(), 2000)).Msg("ffmpeg failed")
		return errs.Transcoding(op, fmt.Errorf("ffmpeg: %w", err))
	}
	return nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// overlayBanners composites price then name so name is on top, and returns
// the final video label.
func overlayBanners(g *Graph, base, nameIn, priceIn string, b Banners) string {
	g.Apply(
		Overlay{Base: base, Top: priceIn + ":v", Out: "priced", X: "(W-w)/2", Y: strconv.Itoa(b.Price.Y)},
		Overlay{Base: "priced", Top: nameIn + ":v", Out: "named", X: "(W-w)/2", Y: strconv.Itoa(b.Name.Y)},
	)
	return "named"
}

// finish trims video and pads/trims narration to the scene duration.
func finish(g *Graph, p Profile, video, audioIn string, d float64) *Graph {
	return g.Apply(
		Trim{In: video, Out: "v", Duration: d},
		MuxAudio{In: audioIn + ":a", Out: "padded", SampleRate: p.SampleRate, Duration: d},
		Trim{In: "padded", Out: "a", Duration: d, Audio: true},
	).Map("v", "a").Limit(d)
}

func sceneGraph(p Profile, in SceneInput) *Graph {
	k := p.Supersample
	g := NewGraph()
	img := g.Input(in.Image)
	audio := g.Input(in.Audio)
	name := g.Input(in.Banners.Name.Path)
	price := g.Input(in.Banners.Price.Path)

	g.Apply(
		ScaleCrop{In: img + ":v", Out: "base", Width: p.Width * k, Height: p.Height * k},
		Motion{In: "base", Out: "moved", Descriptor: in.Motion, Supersample: k},
	)
	top := overlayBanners(g, "moved", name, price, in.Banners)
	return finish(g, p, top, audio, in.Duration)
}

func layeredSceneGraph(p Profile, in LayeredSceneInput) *Graph {
	k := p.Supersample
	g := NewGraph()
	bg := g.Input(in.Background)
	fg := g.Input(in.Foreground)
	audio := g.Input(in.Audio)
	name := g.Input(in.Banners.Name.Path)
	price := g.Input(in.Banners.Price.Path)

	fgHeight := int(math.Round(float64(p.Height*k)*p.ForegroundScale)) &^ 1
	g.Apply(
		ScaleCrop{In: bg + ":v", Out: "bg", Width: p.Width * k, Height: p.Height * k},
		ScaleCrop{In: fg + ":v", Out: "fg", Height: fgHeight},
		Overlay{Base: "bg", Top: "fg", Out: "base", X: "(W-w)/2", Y: "(H-h)/2"},
		Motion{In: "base", Out: "moved", Descriptor: in.Motion, Supersample: k},
	)
	top := overlayBanners(g, "moved", name, price, in.Banners)
	return finish(g, p, top, audio, in.Duration)
}

func videoSceneGraph(p Profile, in VideoSceneInput) *Graph {
	g := NewGraph()
	video := g.Input(in.Video)
	audio := g.Input(in.Audio)
	name := g.Input(in.Banners.Name.Path)
	price := g.Input(in.Banners.Price.Path)

	g.Apply(
		ScaleCrop{In: video + ":v", Out: "scaled", Width: p.Width, Height: p.Height},
		Trim{In: "scaled", Out: "held", Duration: in.Duration, Hold: true},
	)
	top := overlayBanners(g, "held", name, price, in.Banners)
	return finish(g, p, top, audio, in.Duration)
}

func normalizeGraph(p Profile, in string, d float64) *Graph {
	g := NewGraph()
	clip := g.Input(in)
	return g.Apply(
		ScaleCrop{In: clip + ":v", Out: "v", Width: p.Width, Height: p.Height},
		MuxAudio{In: clip + ":a", Out: "a", SampleRate: p.SampleRate, Duration: d},
	).Map("v", "a").Limit(d)
}

func concatOrder(clips []string, intro string) []string {
	ordered := make([]string, 0, len(clips)+1)
	if intro != "" {
		ordered = append(ordered, intro)
	}
	return append(ordered, clips...)
}

func concatManifest(paths []string) string {
	var b strings.Builder
	for _, p := range paths {
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(p, "'", `'\''`))
	}
	return b.String()
}

func concatArgs(manifest, out string) []string {
	return []string{
		"-f", "concat",
		"-safe", "0",
		"-i", manifest,
		"-c", "copy",
		"-movflags", "+faststart",
		out,
	}
}

func mixArgs(p Profile, video, music, out string) []string {
	filter := fmt.Sprintf("[0:a]volume=1.0[narration];[1:a]volume=%s[music];[narration][music]amix=inputs=2:duration=first:dropout_transition=3[aout]", num(p.MusicVolume))
	return []string{
		"-i", video,
		"-stream_loop", "-1",
		"-i", music,
		"-filter_complex", filter,
		"-map", "0:v",
		"-map", "[aout]",
		"-c:v", "copy",
		"-c:a", p.AudioCodec,
		"-b:a", p.AudioBitrate,
		"-shortest",
		out,
	}
}
