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

// ---------------------------------------------------------------------------
// xAI Grok Imagine video generation.
// Deferred request pattern: submit → poll by request_id → download.
// ---------------------------------------------------------------------------

const (
	xaiBaseURL           = "https://api.x.ai/v1"
	xaiVideoModel        = "grok-imagine-video"
	xaiDefaultDuration   = 6 // seconds (1-15 allowed)
	xaiDefaultAspect     = "9:16"
	xaiDefaultResolution = "720p"
)

// XAIVideoService generates product motion clips with xAI.
type XAIVideoService struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	download   *http.Client
	logger     zerolog.Logger
}

var _ MotionGenerator = (*XAIVideoService)(nil)

func NewXAIVideoService(apiKey string, logger zerolog.Logger) *XAIVideoService {
	return &XAIVideoService{
		apiKey:  apiKey,
		baseURL: xaiBaseURL,
		// Per-call timeout, not the full poll cycle
		httpClient: &http.Client{Timeout: 30 * time.Second},
		download:   &http.Client{Timeout: 120 * time.Second},
		logger:     logger.With().Str("component", "xai_video").Logger(),
	}
}

// xaiGenerationRequest is the body for POST /v1/videos/generations
type xaiGenerationRequest struct {
	Prompt      string         `json:"prompt"`
	Model       string         `json:"model"`
	Image       *xaiImageInput `json:"image,omitempty"`
	Duration    int            `json:"duration,omitempty"`
	AspectRatio string         `json:"aspect_ratio,omitempty"`
	Resolution  string         `json:"resolution,omitempty"`
}

type xaiImageInput struct {
	URL string `json:"url"`
}

type xaiGenerationResponse struct {
	RequestID string `json:"request_id"`
}

// xaiVideoResult is the response from GET /v1/videos/{request_id}.
//
// xAI returns different shapes depending on state:
//   - Pending: {"status":"pending"}
//   - Completed: {"video":{"url":"...","duration":8},"model":"..."} (no status field)
//   - Failed: {"status":"failed","error":"..."}
type xaiVideoResult struct {
	Status string `json:"status"`
	Video  *struct {
		URL      string `json:"url"`
		Duration int    `json:"duration"`
	} `json:"video,omitempty"`
	Error string `json:"error"`
}

// Submit starts an image-to-video generation and returns the request id.
func (s *XAIVideoService) Submit(ctx context.Context, imageURL string, strength float64) (string, error) {
	if imageURL == "" {
		return "", errs.Validation("xai submit", "empty image url")
	}
	reqBody := xaiGenerationRequest{
		Prompt:      motionPrompt(strength),
		Model:       xaiVideoModel,
		Image:       &xaiImageInput{URL: imageURL},
		Duration:    xaiDefaultDuration,
		AspectRatio: xaiDefaultAspect,
		Resolution:  xaiDefaultResolution,
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/videos/generations", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	body, status, err := s.send(req)
	if err != nil {
		return "", errs.Capability("xai submit", err)
	}
	if status != http.StatusOK && status != http.StatusCreated && status != http.StatusAccepted {
		return "", errs.Capability("xai submit", fmt.Errorf("status %d: %s", status, truncateString(string(body), 200)))
	}

	var genResp xaiGenerationResponse
	if err := json.Unmarshal(body, &genResp); err != nil {
		return "", errs.Capability("xai submit", fmt.Errorf("failed to parse generation response: %w", err))
	}
	if genResp.RequestID == "" {
		return "", errs.Capability("xai submit", fmt.Errorf("no request_id in generation response"))
	}
	s.logger.Debug().Str("request_id", genResp.RequestID).Msg("xai generation submitted")
	return genResp.RequestID, nil
}

// Poll reports the state of a generation request.
func (s *XAIVideoService) Poll(ctx context.Context, handle string) (*PollStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/videos/%s", s.baseURL, handle), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	body, status, err := s.send(req)
	if err != nil {
		return nil, err
	}
	// 202 with {"status":"pending"} while the video is being generated
	if status != http.StatusOK && status != http.StatusAccepted {
		return nil, fmt.Errorf("status %d: %s", status, truncateString(string(body), 200))
	}

	var result xaiVideoResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse video result: %w", err)
	}

	if result.Video != nil && result.Video.URL != "" {
		return &PollStatus{State: PollCompleted, OutputURL: result.Video.URL}, nil
	}
	if result.Status == "failed" {
		return &PollStatus{State: PollFailed, Reason: result.Error}, nil
	}
	return &PollStatus{State: PollPending}, nil
}

// Download fetches the finished video.
func (s *XAIVideoService) Download(ctx context.Context, url string) ([]byte, error) {
	data, err := fetchBytes(ctx, s.download, url)
	if err != nil {
		return nil, errs.Capability("xai download", err)
	}
	return data, nil
}

func (s *XAIVideoService) send(req *http.Request) ([]byte, int, error) {
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read response: %w", err)
	}
	return body, resp.StatusCode, nil
}
