package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/bobarin/reelsmith/internal/errs"
	"github.com/bobarin/reelsmith/internal/stats"
)

const (
	removeBGDefaultURL = "https://api.remove.bg/v1.0/removebg"
	removeBGCapability = "background_removal"
)

// RemovalResult is the outcome of one background-removal call. Data holds a
// transparent PNG when Success is true; Reason explains a failure.
type RemovalResult struct {
	Success bool
	Data    []byte
	Reason  string
}

// BackgroundRemover isolates the product subject from a photo.
type BackgroundRemover struct {
	apiKey string
	apiURL string
	client *http.Client
	stats  stats.Sink
	logger zerolog.Logger
}

func NewBackgroundRemover(apiKey, apiURL string, sink stats.Sink, logger zerolog.Logger) *BackgroundRemover {
	if apiURL == "" {
		apiURL = removeBGDefaultURL
	}
	return &BackgroundRemover{
		apiKey: apiKey,
		apiURL: apiURL,
		client: &http.Client{Timeout: 60 * time.Second},
		stats:  sink,
		logger: logger.With().Str("component", "removebg").Logger(),
	}
}

// RemoveBackground uploads image and returns the cutout. Provider rejections
// come back as an unsuccessful result; only request-building problems return
// an error. Every call is reported to the stats sink.
func (s *BackgroundRemover) RemoveBackground(ctx context.Context, image []byte) (*RemovalResult, error) {
	if len(image) == 0 {
		return nil, errs.Validation("remove background", "empty image")
	}
	s.stats.RecordAttempt(ctx, removeBGCapability)

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	part, err := mw.CreateFormFile("image_file", "product.png")
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return nil, fmt.Errorf("failed to write image: %w", err)
	}
	_ = mw.WriteField("size", "auto")
	_ = mw.WriteField("format", "png")
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Api-Key", s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return s.fail(ctx, fmt.Sprintf("request failed: %v", err)), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return s.fail(ctx, fmt.Sprintf("status %d: %s", resp.StatusCode, truncateString(string(msg), 200))), nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return s.fail(ctx, fmt.Sprintf("failed to read cutout: %v", err)), nil
	}
	if len(data) == 0 {
		return s.fail(ctx, "empty cutout"), nil
	}

	s.stats.RecordSuccess(ctx, removeBGCapability)
	s.logger.Debug().Int("in_bytes", len(image)).Int("out_bytes", len(data)).Msg("background removed")
	return &RemovalResult{Success: true, Data: data}, nil
}

func (s *BackgroundRemover) fail(ctx context.Context, reason string) *RemovalResult {
	s.stats.RecordFailure(ctx, removeBGCapability, reason)
	s.logger.Warn().Str("reason", reason).Msg("background removal failed")
	return &RemovalResult{Success: false, Reason: reason}
}

// truncateString truncates a string to maxLen and appends "..." if truncated.
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
