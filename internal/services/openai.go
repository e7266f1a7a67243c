package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"github.com/bobarin/reelsmith/internal/errs"
	"github.com/bobarin/reelsmith/internal/models"
)

const defaultScriptModel = "gpt-4o-mini"

// Script is the scene plan returned by the script writer.
type Script struct {
	Scenes models.Scenes `json:"scenes"`
}

// OpenAIService writes narration scripts with the chat completions API.
type OpenAIService struct {
	client *openai.Client
	model  string
	logger zerolog.Logger
}

func NewOpenAIService(apiKey, model string, logger zerolog.Logger) *OpenAIService {
	return newOpenAIService(openai.DefaultConfig(apiKey), model, logger)
}

func newOpenAIService(cfg openai.ClientConfig, model string, logger zerolog.Logger) *OpenAIService {
	if model == "" {
		model = defaultScriptModel
	}
	return &OpenAIService{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		logger: logger.With().Str("component", "script").Logger(),
	}
}

type scriptResponse struct {
	Scenes []struct {
		Text             string  `json:"text"`
		VisualCue        string  `json:"visual_cue"`
		DurationEstimate float64 `json:"duration_estimate"`
	} `json:"scenes"`
}

// GenerateScript asks the model for a 3-10 scene narration plan. A response
// outside those bounds, or with an empty scene, is a capability error.
func (s *OpenAIService) GenerateScript(ctx context.Context, product models.ProductData) (*Script, error) {
	if strings.TrimSpace(product.Title) == "" {
		return nil, errs.Validation("generate script", "product title is required")
	}

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: scriptSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: buildScriptUserPrompt(product)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.8,
	})
	if err != nil {
		return nil, errs.Capability("generate script", fmt.Errorf("openai request failed: %w", err))
	}
	if len(resp.Choices) == 0 {
		return nil, errs.Capability("generate script", fmt.Errorf("no response from openai"))
	}

	raw := resp.Choices[0].Message.Content
	script, err := parseScript(raw)
	if err != nil {
		s.logger.Warn().Err(err).Str("raw", truncateString(raw, 2000)).Msg("script rejected")
		return nil, errs.Capability("generate script", err)
	}

	s.logger.Info().Int("scenes", len(script.Scenes)).Float64("estimated_sec", script.Scenes.EstimatedDuration()).Msg("script generated")
	return script, nil
}

func parseScript(raw string) (*Script, error) {
	var parsed scriptResponse
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse script: %w", err)
	}
	n := len(parsed.Scenes)
	if n < models.MinScenes || n > models.MaxScenes {
		return nil, fmt.Errorf("script has %d scenes, want %d-%d", n, models.MinScenes, models.MaxScenes)
	}

	script := &Script{Scenes: make(models.Scenes, 0, n)}
	for i, sc := range parsed.Scenes {
		text := strings.TrimSpace(sc.Text)
		if text == "" {
			return nil, fmt.Errorf("scene %d has no text", i)
		}
		est := sc.DurationEstimate
		if est <= 0 {
			est = float64(estimateAudioDuration(text, 1)) / 1000
		}
		script.Scenes = append(script.Scenes, models.Scene{
			Text:             text,
			VisualCue:        strings.TrimSpace(sc.VisualCue),
			DurationEstimate: est,
		})
	}
	return script, nil
}

const scriptSystemPrompt = `You write voiceover scripts for short vertical product videos (TikTok, Reels, Shorts).

Return JSON: {"scenes":[{"text":"...","visual_cue":"...","duration_estimate":4.5}]}

Rules:
- Between 3 and 6 scenes. Never fewer than 3.
- Each scene's text is one or two short spoken sentences, 3 to 6 seconds when read aloud.
- The first scene is a hook that makes viewers stop scrolling.
- The last scene is a clear call to action that mentions the price when one is given.
- Write to be heard: contractions, short sentences, no emoji, no hashtags, no stage directions.
- visual_cue briefly describes what the viewer should see (close-up, detail, lifestyle shot).
- duration_estimate is the spoken length in seconds.
- Write in the same language as the product description.`

func buildScriptUserPrompt(p models.ProductData) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Product: %s\n", p.Title)
	if p.Price > 0 {
		currency := p.Currency
		if currency == "" {
			currency = "USD"
		}
		fmt.Fprintf(&b, "Price: %.2f %s\n", p.Price, currency)
	}
	if p.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", truncateString(p.Description, 1500))
	}
	fmt.Fprintf(&b, "Product photos available: %d\n", len(p.Images))
	return b.String()
}
