package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/bobarin/reelsmith/internal/errs"
)

const (
	// Default Cartesia API version
	CartesiaAPIVersion = "2024-06-10"

	DefaultVoiceID = "a0e99841-438c-4a64-b679-ae501e7d6091"

	cartesiaSpeed  = 0.95
	cartesiaVolume = 1.3
)

type CartesiaService struct {
	apiKey         string
	apiURL         string
	apiVersion     string
	defaultVoiceID string
	client         *http.Client
	logger         zerolog.Logger
}

// Ensure CartesiaService implements TTSService at compile time.
var _ TTSService = (*CartesiaService)(nil)

// NewCartesiaService creates a Cartesia service; an empty voiceID uses the
// default voice.
func NewCartesiaService(apiKey, apiURL, voiceID string, logger zerolog.Logger) *CartesiaService {
	if voiceID == "" {
		voiceID = DefaultVoiceID
	}
	return &CartesiaService{
		apiKey:         apiKey,
		apiURL:         apiURL,
		apiVersion:     CartesiaAPIVersion,
		defaultVoiceID: voiceID,
		client:         &http.Client{Timeout: 60 * time.Second},
		logger:         logger.With().Str("component", "cartesia").Logger(),
	}
}

// CartesiaRequest matches the Cartesia /tts/bytes payload
type CartesiaRequest struct {
	ModelID      string                    `json:"model_id"`
	Transcript   string                    `json:"transcript"`
	Voice        CartesiaVoiceSpecifier    `json:"voice"`
	Language     string                    `json:"language,omitempty"`
	OutputFormat CartesiaOutputFormat      `json:"output_format"`
	Config       *CartesiaGenerationConfig `json:"generation_config,omitempty"`
}

type CartesiaVoiceSpecifier struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type CartesiaOutputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding,omitempty"`
	SampleRate int    `json:"sample_rate"`
	BitRate    int    `json:"bit_rate,omitempty"`
}

type CartesiaGenerationConfig struct {
	Volume  *float64 `json:"volume,omitempty"`  // 0.5 to 2.0
	Speed   *float64 `json:"speed,omitempty"`   // 0.6 to 1.5
	Emotion *string  `json:"emotion,omitempty"` // e.g. "enthusiastic"
}

// Synthesize generates narration audio with Cartesia.
func (s *CartesiaService) Synthesize(ctx context.Context, text string) (*TTSResponse, error) {
	speed, volume, emotion := cartesiaSpeed, cartesiaVolume, "enthusiastic"
	reqBody := CartesiaRequest{
		ModelID:    "sonic-english",
		Transcript: text,
		Voice:      CartesiaVoiceSpecifier{Mode: "id", ID: s.defaultVoiceID},
		Language:   "en",
		OutputFormat: CartesiaOutputFormat{
			Container:  "mp3",
			SampleRate: 44100,
			BitRate:    192000,
		},
		Config: &CartesiaGenerationConfig{Volume: &volume, Speed: &speed, Emotion: &emotion},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/tts/bytes", s.apiURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Cartesia-Version", s.apiVersion)

	s.logger.Debug().Str("voice", s.defaultVoiceID).Int("text_len", len(text)).Msg("generating speech")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errs.Capability("cartesia", fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, errs.Capability("cartesia", fmt.Errorf("status %d: %s", resp.StatusCode, string(body)))
	}

	audioData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Capability("cartesia", fmt.Errorf("failed to read audio: %w", err))
	}
	if len(audioData) == 0 {
		return nil, errs.Capability("cartesia", fmt.Errorf("empty audio"))
	}

	return &TTSResponse{
		AudioData:  audioData,
		DurationMs: estimateAudioDuration(text, speed),
		Format:     "mp3",
	}, nil
}
