package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/genai"

	"github.com/bobarin/reelsmith/internal/errs"
)

// ---------------------------------------------------------------------------
// Veo video generation via the Google Gen AI SDK.
// The product image is the first frame; the operation name is the handle.
// ---------------------------------------------------------------------------

const defaultVeoModel = "veo-3.1-generate-preview"

// VeoService generates product motion clips with Veo.
type VeoService struct {
	apiKey string
	model  string
	http   *http.Client
	logger zerolog.Logger
}

var _ MotionGenerator = (*VeoService)(nil)

// NewVeoService creates a Veo service. apiKey is the Gemini API key; an empty
// model uses veo-3.1-generate-preview.
func NewVeoService(apiKey, model string, logger zerolog.Logger) *VeoService {
	if model == "" {
		model = defaultVeoModel
	}
	return &VeoService{
		apiKey: apiKey,
		model:  model,
		http:   &http.Client{Timeout: 120 * time.Second},
		logger: logger.With().Str("component", "veo").Logger(),
	}
}

func (s *VeoService) client(ctx context.Context) (*genai.Client, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  s.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return client, nil
}

// Submit fetches the image and starts a generation operation.
func (s *VeoService) Submit(ctx context.Context, imageURL string, strength float64) (string, error) {
	imageData, err := fetchBytes(ctx, s.http, imageURL)
	if err != nil {
		return "", errs.Capability("veo submit", fmt.Errorf("fetch first frame: %w", err))
	}
	client, err := s.client(ctx)
	if err != nil {
		return "", errs.Capability("veo submit", err)
	}

	firstFrame := &genai.Image{
		ImageBytes: imageData,
		MIMEType:   http.DetectContentType(imageData),
	}
	config := &genai.GenerateVideosConfig{
		AspectRatio:    "9:16",
		NumberOfVideos: 1,
	}

	operation, err := client.Models.GenerateVideos(ctx, s.model, motionPrompt(strength), firstFrame, config)
	if err != nil {
		return "", errs.Capability("veo submit", fmt.Errorf("failed to start video generation: %w", err))
	}
	s.logger.Debug().Str("operation", operation.Name).Str("model", s.model).Int("image_bytes", len(imageData)).Msg("veo operation started")
	return operation.Name, nil
}

// Poll reports the state of a generation operation.
func (s *VeoService) Poll(ctx context.Context, handle string) (*PollStatus, error) {
	client, err := s.client(ctx)
	if err != nil {
		return nil, err
	}
	operation, err := client.Operations.GetVideosOperation(ctx, &genai.GenerateVideosOperation{Name: handle}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to poll operation: %w", err)
	}
	if !operation.Done {
		return &PollStatus{State: PollPending}, nil
	}

	// Operation-level errors (invalid request, quota exceeded)
	if len(operation.Error) > 0 {
		errJSON, _ := json.Marshal(operation.Error)
		return &PollStatus{State: PollFailed, Reason: truncateString(string(errJSON), 200)}, nil
	}
	if operation.Response == nil {
		return &PollStatus{State: PollFailed, Reason: "no response in completed operation"}, nil
	}
	if operation.Response.RAIMediaFilteredCount > 0 {
		reasons := "unknown"
		if len(operation.Response.RAIMediaFilteredReasons) > 0 {
			reasons = strings.Join(operation.Response.RAIMediaFilteredReasons, ", ")
		}
		return &PollStatus{State: PollFailed, Reason: "blocked by safety filters: " + reasons}, nil
	}
	if len(operation.Response.GeneratedVideos) == 0 || operation.Response.GeneratedVideos[0].Video == nil {
		return &PollStatus{State: PollFailed, Reason: "no videos in response"}, nil
	}
	return &PollStatus{State: PollCompleted, OutputURL: operation.Response.GeneratedVideos[0].Video.URI}, nil
}

// Download fetches the generated video through the Files API.
func (s *VeoService) Download(ctx context.Context, url string) ([]byte, error) {
	client, err := s.client(ctx)
	if err != nil {
		return nil, errs.Capability("veo download", err)
	}
	data, err := client.Files.Download(ctx, genai.NewDownloadURIFromVideo(&genai.Video{URI: url}), nil)
	if err != nil {
		return nil, errs.Capability("veo download", fmt.Errorf("failed to download generated video: %w", err))
	}
	if len(data) == 0 {
		return nil, errs.Capability("veo download", fmt.Errorf("downloaded video is empty (0 bytes)"))
	}
	return data, nil
}
