package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/bobarin/reelsmith/internal/errs"
)

// ---------------------------------------------------------------------------
// Backdrop generation (Leonardo-style generations API)
// Submit a prompt → poll the generation id → first generated image URL.
// ---------------------------------------------------------------------------

const defaultBackdropURL = "https://cloud.leonardo.ai/api/rest/v1"

// Dimensions is the requested output size in pixels.
type Dimensions struct {
	Width  int
	Height int
}

// BackdropService synthesizes a scene background for the product.
type BackdropService struct {
	apiKey  string
	baseURL string
	modelID string
	client  *http.Client
	logger  zerolog.Logger
}

func NewBackdropService(apiKey, baseURL, modelID string, logger zerolog.Logger) *BackdropService {
	if baseURL == "" {
		baseURL = defaultBackdropURL
	}
	return &BackdropService{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		modelID: modelID,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger.With().Str("component", "backdrop").Logger(),
	}
}

type backdropRequest struct {
	Prompt    string `json:"prompt"`
	ModelID   string `json:"modelId,omitempty"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	NumImages int    `json:"num_images"`
	Alchemy   bool   `json:"alchemy"`
	NegPrompt string `json:"negative_prompt,omitempty"`
}

type backdropSubmitResponse struct {
	Job struct {
		GenerationID string `json:"generationId"`
	} `json:"sdGenerationJob"`
}

type backdropPollResponse struct {
	Generation struct {
		Status          string `json:"status"`
		GeneratedImages []struct {
			URL string `json:"url"`
		} `json:"generated_images"`
	} `json:"generations_by_pk"`
}

// BackdropPrompt builds the generation prompt for a product backdrop.
func BackdropPrompt(title, description string) string {
	prompt := fmt.Sprintf("Clean, softly lit studio backdrop for a product advertisement of %q. "+
		"Empty centre space for the product, shallow depth of field, no text, no people, no logos.", title)
	if description != "" {
		prompt += " Mood inspired by: " + truncateString(description, 200)
	}
	return prompt
}

// Submit starts a generation and returns its handle.
func (s *BackdropService) Submit(ctx context.Context, prompt string, dim Dimensions) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", errs.Validation("backdrop", "empty prompt")
	}
	reqBody := backdropRequest{
		Prompt:    prompt,
		ModelID:   s.modelID,
		Width:     dim.Width,
		Height:    dim.Height,
		NumImages: 1,
		Alchemy:   true,
		NegPrompt: "text, watermark, people, hands, clutter",
	}
	var out backdropSubmitResponse
	if err := s.do(ctx, http.MethodPost, "/generations", reqBody, &out); err != nil {
		return "", errs.Capability("backdrop submit", err)
	}
	if out.Job.GenerationID == "" {
		return "", errs.Capability("backdrop submit", fmt.Errorf("no generation id in response"))
	}
	s.logger.Debug().Str("generation_id", out.Job.GenerationID).Int("width", dim.Width).Int("height", dim.Height).Msg("backdrop submitted")
	return out.Job.GenerationID, nil
}

// Poll reports the state of a generation.
func (s *BackdropService) Poll(ctx context.Context, handle string) (*PollStatus, error) {
	var out backdropPollResponse
	if err := s.do(ctx, http.MethodGet, "/generations/"+handle, nil, &out); err != nil {
		return nil, err
	}
	switch strings.ToUpper(out.Generation.Status) {
	case "COMPLETE":
		if len(out.Generation.GeneratedImages) == 0 {
			return &PollStatus{State: PollFailed, Reason: "generation completed without images"}, nil
		}
		return &PollStatus{State: PollCompleted, OutputURL: out.Generation.GeneratedImages[0].URL}, nil
	case "FAILED":
		return &PollStatus{State: PollFailed, Reason: "generation failed"}, nil
	default:
		return &PollStatus{State: PollPending}, nil
	}
}

func (s *BackdropService) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d: %s", resp.StatusCode, truncateString(string(data), 200))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
