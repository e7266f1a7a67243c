package services

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// TTSService: common interface for text-to-speech providers
// ElevenLabs and Cartesia both implement it so the worker never sees a
// provider-specific response.
// ---------------------------------------------------------------------------

// TTSResponse is the common response type from any TTS provider.
type TTSResponse struct {
	AudioData  []byte
	DurationMs int    // estimate; the renderer probes the real length
	Format     string // "mp3", "wav", etc.
}

// TTSService is the interface that any TTS provider must implement.
type TTSService interface {
	Synthesize(ctx context.Context, text string) (*TTSResponse, error)
}

// FallbackTTS tries each provider in order and returns the first success.
type FallbackTTS struct {
	providers []namedTTS
	logger    zerolog.Logger
}

type namedTTS struct {
	name string
	svc  TTSService
}

var _ TTSService = (*FallbackTTS)(nil)

func NewFallbackTTS(logger zerolog.Logger) *FallbackTTS {
	return &FallbackTTS{logger: logger.With().Str("component", "tts").Logger()}
}

// Add appends a provider; nil services are skipped so callers can pass
// unconfigured providers unconditionally.
func (f *FallbackTTS) Add(name string, svc TTSService) *FallbackTTS {
	if svc != nil {
		f.providers = append(f.providers, namedTTS{name: name, svc: svc})
	}
	return f
}

// Len reports how many providers are configured.
func (f *FallbackTTS) Len() int { return len(f.providers) }

func (f *FallbackTTS) Synthesize(ctx context.Context, text string) (*TTSResponse, error) {
	if len(f.providers) == 0 {
		return nil, errors.New("no TTS provider configured")
	}
	var failures []error
	for _, p := range f.providers {
		resp, err := p.svc.Synthesize(ctx, text)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		f.logger.Warn().Err(err).Str("provider", p.name).Msg("TTS provider failed, trying next")
		failures = append(failures, err)
	}
	return nil, errors.Join(failures...)
}

// estimateAudioDuration estimates duration based on text length and speed
// Average speaking rate is ~140 words per minute at narration pace
func estimateAudioDuration(text string, speed float64) int {
	words := len(strings.Fields(text))
	if speed <= 0 {
		speed = 1
	}
	actualWPM := 140.0 * speed

	minutes := float64(words) / actualWPM
	return int(minutes * 60 * 1000)
}
