package services

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog"
)

// MotionGenerator animates a still product image into a short clip. It is an
// optional scene renderer; callers fall back to still-image motion effects
// whenever it fails.
type MotionGenerator interface {
	Submit(ctx context.Context, imageURL string, strength float64) (string, error)
	Poll(ctx context.Context, handle string) (*PollStatus, error)
	Download(ctx context.Context, url string) ([]byte, error)
}

// MotionOptions configures NewMotionGenerator.
type MotionOptions struct {
	Provider  string // "veo", "xai" or "" for none
	GeminiKey string
	VeoModel  string
	XAIAPIKey string
}

// NewMotionGenerator returns the configured provider, or nil when motion
// synthesis is disabled.
func NewMotionGenerator(opts MotionOptions, logger zerolog.Logger) (MotionGenerator, error) {
	switch opts.Provider {
	case "":
		return nil, nil
	case "veo":
		return NewVeoService(opts.GeminiKey, opts.VeoModel, logger), nil
	case "xai":
		return NewXAIVideoService(opts.XAIAPIKey, logger), nil
	default:
		return nil, fmt.Errorf("unknown motion provider %q", opts.Provider)
	}
}

// motionPrompt describes product motion at the requested strength in [0,1].
func motionPrompt(strength float64) string {
	movement := "very subtle, slow"
	switch {
	case strength >= 0.75:
		movement = "dynamic but smooth"
	case strength >= 0.4:
		movement = "gentle, cinematic"
	}
	return fmt.Sprintf(`Product showcase shot. Animate the product image with %s camera movement: a slow push-in or orbit, soft light sweeps across the surface.

Keep the product shape, colours, labels and proportions exactly as in the source image. Do not add text, people, hands or other products. Silent video only.`, movement)
}

// fetchBytes downloads url with client, capping error bodies.
func fetchBytes(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create download request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("download returned status %d: %s", resp.StatusCode, truncateString(string(body), 200))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read download: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("download is empty (0 bytes)")
	}
	return data, nil
}
