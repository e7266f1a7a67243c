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
// Avatar lip-sync (D-ID clips API)
// The intro narration is synthesized first; the clip animates a presenter
// speaking that audio.
// ---------------------------------------------------------------------------

const defaultAvatarURL = "https://api.d-id.com"

// AvatarService turns an audio track into a talking-presenter clip.
type AvatarService struct {
	apiKey    string
	baseURL   string
	presenter string
	client    *http.Client
	logger    zerolog.Logger
}

func NewAvatarService(apiKey, baseURL, presenterID string, logger zerolog.Logger) *AvatarService {
	if baseURL == "" {
		baseURL = defaultAvatarURL
	}
	return &AvatarService{
		apiKey:    apiKey,
		baseURL:   strings.TrimRight(baseURL, "/"),
		presenter: presenterID,
		client:    &http.Client{Timeout: 30 * time.Second},
		logger:    logger.With().Str("component", "avatar").Logger(),
	}
}

type avatarScript struct {
	Type     string `json:"type"`
	AudioURL string `json:"audio_url"`
}

type avatarRequest struct {
	PresenterID string       `json:"presenter_id"`
	Script      avatarScript `json:"script"`
}

type avatarResponse struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	ResultURL string `json:"result_url"`
	Error     *struct {
		Kind        string `json:"kind"`
		Description string `json:"description"`
	} `json:"error,omitempty"`
}

// Submit starts a lip-sync clip. An empty avatarID uses the configured
// presenter.
func (s *AvatarService) Submit(ctx context.Context, audioURL, avatarID string) (string, error) {
	if audioURL == "" {
		return "", errs.Validation("avatar", "empty audio url")
	}
	if avatarID == "" {
		avatarID = s.presenter
	}
	if avatarID == "" {
		return "", errs.Validation("avatar", "no presenter configured")
	}

	var out avatarResponse
	body := avatarRequest{PresenterID: avatarID, Script: avatarScript{Type: "audio", AudioURL: audioURL}}
	if err := s.do(ctx, http.MethodPost, "/clips", body, &out); err != nil {
		return "", errs.Capability("avatar submit", err)
	}
	if out.ID == "" {
		return "", errs.Capability("avatar submit", fmt.Errorf("no clip id in response"))
	}
	s.logger.Debug().Str("clip_id", out.ID).Str("presenter", avatarID).Msg("avatar clip submitted")
	return out.ID, nil
}

// Poll reports the state of a clip.
func (s *AvatarService) Poll(ctx context.Context, handle string) (*PollStatus, error) {
	var out avatarResponse
	if err := s.do(ctx, http.MethodGet, "/clips/"+handle, nil, &out); err != nil {
		return nil, err
	}
	switch out.Status {
	case "done":
		return &PollStatus{State: PollCompleted, OutputURL: out.ResultURL}, nil
	case "error", "rejected":
		reason := out.Status
		if out.Error != nil && out.Error.Description != "" {
			reason = out.Error.Description
		}
		return &PollStatus{State: PollFailed, Reason: reason}, nil
	default:
		return &PollStatus{State: PollPending}, nil
	}
}

func (s *AvatarService) do(ctx context.Context, method, path string, in, out interface{}) error {
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
	req.Header.Set("Authorization", "Basic "+s.apiKey)
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
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("status %d: %s", resp.StatusCode, truncateString(string(data), 200))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
