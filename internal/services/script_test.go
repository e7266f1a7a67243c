package services

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"github.com/bobarin/reelsmith/internal/errs"
	"github.com/bobarin/reelsmith/internal/models"
)

func scenesJSON(n int) string {
	type scene struct {
		Text             string  `json:"text"`
		VisualCue        string  `json:"visual_cue"`
		DurationEstimate float64 `json:"duration_estimate"`
	}
	out := struct {
		Scenes []scene `json:"scenes"`
	}{}
	for i := 0; i < n; i++ {
		out.Scenes = append(out.Scenes, scene{Text: "Line " + string(rune('A'+i)), VisualCue: "close-up", DurationEstimate: 4})
	}
	b, _ := json.Marshal(out)
	return string(b)
}

func TestParseScript(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
		want    int
	}{
		{"three scenes", scenesJSON(3), false, 3},
		{"ten scenes", scenesJSON(10), false, 10},
		{"too few", scenesJSON(2), true, 0},
		{"too many", scenesJSON(11), true, 0},
		{"not json", "here is your script", true, 0},
		{"empty text", `{"scenes":[{"text":"a"},{"text":" "},{"text":"c"}]}`, true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := parseScript(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && len(s.Scenes) != tt.want {
				t.Errorf("got %d scenes, want %d", len(s.Scenes), tt.want)
			}
		})
	}
}

func TestParseScriptEstimatesMissingDuration(t *testing.T) {
	s, err := parseScript(`{"scenes":[{"text":"one two three four five six seven"},{"text":"b","duration_estimate":3},{"text":"c","duration_estimate":2.5}]}`)
	if err != nil {
		t.Fatal(err)
	}
	if s.Scenes[0].DurationEstimate <= 0 {
		t.Error("missing estimate should be derived from text length")
	}
	if s.Scenes[2].DurationEstimate != 2.5 {
		t.Errorf("explicit estimate overwritten: %v", s.Scenes[2].DurationEstimate)
	}
}

func newTestOpenAI(t *testing.T, content string) *OpenAIService {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		var req openai.ChatCompletionRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.ResponseFormat == nil || req.ResponseFormat.Type != openai.ChatCompletionResponseFormatTypeJSONObject {
			t.Errorf("expected JSON mode")
		}
		resp := openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Role: "assistant", Content: content}}},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)

	cfg := openai.DefaultConfig("test-key")
	cfg.BaseURL = srv.URL + "/v1"
	return newOpenAIService(cfg, "", zerolog.Nop())
}

func TestGenerateScript(t *testing.T) {
	svc := newTestOpenAI(t, scenesJSON(4))
	script, err := svc.GenerateScript(context.Background(), models.ProductData{Title: "Trail Shoe", Price: 89, Images: []string{"a"}})
	if err != nil {
		t.Fatalf("GenerateScript: %v", err)
	}
	if len(script.Scenes) != 4 || script.Scenes[0].Text != "Line A" {
		t.Errorf("unexpected script %+v", script.Scenes)
	}
}

func TestGenerateScriptRejectsShortScript(t *testing.T) {
	svc := newTestOpenAI(t, scenesJSON(2))
	_, err := svc.GenerateScript(context.Background(), models.ProductData{Title: "Trail Shoe"})
	if !errs.Is(err, errs.KindCapability) {
		t.Fatalf("expected capability error, got %v", err)
	}
}

func TestBuildScriptUserPrompt(t *testing.T) {
	got := buildScriptUserPrompt(models.ProductData{Title: "Kopi", Price: 45000, Currency: "IDR", Images: []string{"a", "b"}})
	for _, want := range []string{"Product: Kopi", "45000.00 IDR", "photos available: 2"} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt missing %q:\n%s", want, got)
		}
	}
}

type stubTTS struct {
	err  error
	data string
}

func (s stubTTS) Synthesize(ctx context.Context, text string) (*TTSResponse, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &TTSResponse{AudioData: []byte(s.data), Format: "mp3"}, nil
}

func TestFallbackTTS(t *testing.T) {
	ctx := context.Background()

	f := NewFallbackTTS(zerolog.Nop()).
		Add("primary", stubTTS{err: errors.New("quota")}).
		Add("missing", nil).
		Add("secondary", stubTTS{data: "audio"})
	if f.Len() != 2 {
		t.Fatalf("nil providers should be skipped, got %d", f.Len())
	}
	resp, err := f.Synthesize(ctx, "hello")
	if err != nil || string(resp.AudioData) != "audio" {
		t.Fatalf("expected fallback to succeed, got %v, %v", resp, err)
	}

	all := NewFallbackTTS(zerolog.Nop()).Add("a", stubTTS{err: errors.New("a down")}).Add("b", stubTTS{err: errors.New("b down")})
	if _, err := all.Synthesize(ctx, "hello"); err == nil || !strings.Contains(err.Error(), "b down") {
		t.Errorf("expected joined errors, got %v", err)
	}

	if _, err := NewFallbackTTS(zerolog.Nop()).Synthesize(ctx, "x"); err == nil {
		t.Error("empty chain should fail")
	}
}

func TestElevenLabsSynthesize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("xi-api-key") != "el-key" {
			t.Errorf("missing api key")
		}
		if !strings.HasPrefix(r.URL.Path, "/v1/text-to-speech/voice-1") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		io.WriteString(w, "mp3-data")
	}))
	defer srv.Close()

	svc := NewElevenLabsService("el-key", "voice-1", zerolog.Nop())
	svc.baseURL = srv.URL
	resp, err := svc.Synthesize(context.Background(), "Meet the lightest trail shoe we have ever made.")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(resp.AudioData) != "mp3-data" || resp.DurationMs <= 0 {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestCartesiaErrorIsCapability(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad voice", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := NewCartesiaService("k", srv.URL, "", zerolog.Nop()).Synthesize(context.Background(), "hi")
	if !errs.Is(err, errs.KindCapability) {
		t.Fatalf("expected capability error, got %v", err)
	}
}
