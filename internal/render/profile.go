package render

import "fmt"

// Profile fixes every encoder parameter used for scene clips. All scenes of a
// video share one profile, which is what lets the concatenator stream-copy.
type Profile struct {
	Width        int    `yaml:"width"`
	Height       int    `yaml:"height"`
	FPS          int    `yaml:"fps"`
	VideoCodec   string `yaml:"video_codec"`
	PixelFormat  string `yaml:"pixel_format"`
	CRF          int    `yaml:"crf"`
	Preset       string `yaml:"preset"`
	AudioCodec   string `yaml:"audio_codec"`
	AudioBitrate string `yaml:"audio_bitrate"`
	SampleRate   int    `yaml:"sample_rate"`
	Threads      int    `yaml:"threads"`

	// Minimum scene length in seconds; shorter narration is padded up to it.
	MinSceneSeconds float64 `yaml:"min_scene_seconds"`
	// Zoompan renders at Supersample times the output size to avoid jitter.
	Supersample     int     `yaml:"supersample"`
	ForegroundScale float64 `yaml:"foreground_scale"`

	MaxZoom   float64 `yaml:"max_zoom"`
	PanZoom   float64 `yaml:"pan_zoom"`
	ComboZoom float64 `yaml:"combo_zoom"`
	MaxPanPx  float64 `yaml:"max_pan_px"`

	BannerFontSize float64 `yaml:"banner_font_size"`
	MusicVolume    float64 `yaml:"music_volume"`
}

// DefaultProfile is 1080x1920 portrait at 30fps.
func DefaultProfile() Profile {
	return Profile{
		Width:           1080,
		Height:          1920,
		FPS:             30,
		VideoCodec:      "libx264",
		PixelFormat:     "yuv420p",
		CRF:             20,
		Preset:          "veryfast",
		AudioCodec:      "aac",
		AudioBitrate:    "192k",
		SampleRate:      44100,
		MinSceneSeconds: 3,
		Supersample:     2,
		ForegroundScale: 0.7,
		MaxZoom:         1.3,
		PanZoom:         1.2,
		ComboZoom:       1.25,
		MaxPanPx:        120,
		BannerFontSize:  64,
		MusicVolume:     0.12,
	}
}

// Validate rejects profiles that would produce degenerate clips.
func (p Profile) Validate() error {
	switch {
	case p.Width <= 0 || p.Height <= 0:
		return fmt.Errorf("invalid resolution %dx%d", p.Width, p.Height)
	case p.Width%2 != 0 || p.Height%2 != 0:
		return fmt.Errorf("resolution %dx%d must be even for %s", p.Width, p.Height, p.PixelFormat)
	case p.FPS <= 0:
		return fmt.Errorf("invalid fps %d", p.FPS)
	case p.VideoCodec == "" || p.AudioCodec == "":
		return fmt.Errorf("video and audio codecs are required")
	case p.Supersample < 1:
		return fmt.Errorf("supersample must be >= 1")
	case p.ForegroundScale <= 0 || p.ForegroundScale > 1:
		return fmt.Errorf("foreground_scale must be in (0,1]")
	case p.MaxZoom < 1 || p.PanZoom < 1 || p.ComboZoom < 1:
		return fmt.Errorf("zoom factors must be >= 1")
	case p.MaxPanPx < 0:
		return fmt.Errorf("max_pan_px must be >= 0")
	case p.MinSceneSeconds <= 0:
		return fmt.Errorf("min_scene_seconds must be > 0")
	}
	return nil
}

// ClampDuration applies the minimum scene length.
func (p Profile) ClampDuration(seconds float64) float64 {
	if seconds < p.MinSceneSeconds {
		return p.MinSceneSeconds
	}
	return seconds
}

// encodeArgs are the output options shared by every scene encode.
func (p Profile) encodeArgs() []string {
	return []string{
		"-r", fmt.Sprintf("%d", p.FPS),
		"-c:v", p.VideoCodec,
		"-preset", p.Preset,
		"-crf", fmt.Sprintf("%d", p.CRF),
		"-pix_fmt", p.PixelFormat,
		"-c:a", p.AudioCodec,
		"-b:a", p.AudioBitrate,
		"-ar", fmt.Sprintf("%d", p.SampleRate),
		"-ac", "2",
		"-movflags", "+faststart",
	}
}
