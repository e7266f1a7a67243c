package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/bobarin/reelsmith/internal/render"
)

type Config struct {
	// Server
	AppEnv             string
	APIPort            string
	WorkerEnabled      bool
	BackendAPIKey      string // API key for authenticating requests (empty = no auth, dev mode)
	CorsAllowedOrigins string // Comma-separated allowed origins (empty = *, dev mode)
	WebhookSecret      string // HMAC secret for provider callbacks (empty = unsigned, dev mode)

	// Database
	DatabaseURL string

	// Redis
	RedisURL string

	// Supabase
	SupabaseURL           string
	SupabaseServiceKey    string
	SupabaseStorageBucket string

	// OpenAI (script generation)
	OpenAIKey   string
	OpenAIModel string

	// ElevenLabs (preferred TTS provider)
	ElevenLabsKey     string
	ElevenLabsVoiceID string

	// Cartesia (used when ElevenLabs key is not set)
	CartesiaKey     string
	CartesiaURL     string
	CartesiaVoiceID string

	// Background removal
	RemoveBGKey string
	RemoveBGURL string

	// AI background synthesis (optional)
	BackdropKey     string
	BackdropURL     string
	BackdropModelID string

	// Avatar lip-sync (optional)
	AvatarKey         string
	AvatarURL         string
	AvatarPresenterID string
	IntroTemplate     string

	// Motion synthesis (optional alternate scene renderer): "", "veo" or "xai"
	MotionProvider string
	MotionStrength float64
	GeminiKey      string
	VeoModel       string
	XAIAPIKey      string

	// Submit/poll capabilities
	PollInterval    time.Duration
	PollMaxAttempts int

	// Rendering
	RenderProfilePath   string
	RenderProfile       render.Profile
	TempDir             string
	BackgroundMusicPath string // Path to background music file (empty = none)
	DefaultCurrency     string
	BannerLanguage      string

	// Worker
	MaxConcurrentJobs int
	MaxAttempts       int
	RetryBaseDelay    time.Duration
	JobLockTTL        time.Duration
	FetchConcurrency  int
	UploadConcurrency int
}

// Load reads the environment (and .env when present). It does not validate;
// each binary calls the Validate* method matching what it runs.
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	cfg := &Config{
		AppEnv:                getEnv("APP_ENV", "production"),
		APIPort:               getEnv("API_PORT", "8080"),
		WorkerEnabled:         getEnvBool("WORKER_ENABLED", true),
		BackendAPIKey:         getEnv("BACKEND_API_KEY", ""),
		CorsAllowedOrigins:    getEnv("CORS_ALLOWED_ORIGINS", ""),
		WebhookSecret:         getEnv("WEBHOOK_SECRET", ""),
		DatabaseURL:           getEnv("DATABASE_URL", ""),
		RedisURL:              getEnv("REDIS_URL", "redis://localhost:6379"),
		SupabaseURL:           getEnv("SUPABASE_URL", ""),
		SupabaseServiceKey:    getEnv("SUPABASE_SERVICE_KEY", ""),
		SupabaseStorageBucket: getEnv("SUPABASE_STORAGE_BUCKET", "product-reels"),
		OpenAIKey:             getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:           getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		ElevenLabsKey:         getEnv("ELEVENLABS_API_KEY", ""),
		ElevenLabsVoiceID:     getEnv("ELEVENLABS_VOICE_ID", ""),
		CartesiaKey:           getEnv("CARTESIA_API_KEY", ""),
		CartesiaURL:           getEnv("CARTESIA_API_URL", "https://api.cartesia.ai"),
		CartesiaVoiceID:       getEnv("CARTESIA_VOICE_ID", ""),
		RemoveBGKey:           getEnv("REMOVEBG_API_KEY", ""),
		RemoveBGURL:           getEnv("REMOVEBG_API_URL", "https://api.remove.bg/v1.0/removebg"),
		BackdropKey:           getEnv("BACKDROP_API_KEY", ""),
		BackdropURL:           getEnv("BACKDROP_API_URL", "https://cloud.leonardo.ai/api/rest/v1"),
		BackdropModelID:       getEnv("BACKDROP_MODEL_ID", ""),
		AvatarKey:             getEnv("AVATAR_API_KEY", ""),
		AvatarURL:             getEnv("AVATAR_API_URL", "https://api.d-id.com"),
		AvatarPresenterID:     getEnv("AVATAR_PRESENTER_ID", ""),
		IntroTemplate:         getEnv("INTRO_TEMPLATE", "Hi! Let me show you %s."),
		MotionProvider:        getEnv("MOTION_PROVIDER", ""),
		MotionStrength:        getEnvFloat("MOTION_STRENGTH", 0.5),
		GeminiKey:             getEnv("GEMINI_API_KEY", ""),
		VeoModel:              getEnv("VEO_MODEL", "veo-3.1-generate-preview"),
		XAIAPIKey:             getEnv("XAI_API_KEY", ""),
		PollInterval:          getEnvDuration("POLL_INTERVAL", 5*time.Second),
		PollMaxAttempts:       getEnvInt("POLL_MAX_ATTEMPTS", 60),
		RenderProfilePath:     getEnv("RENDER_PROFILE_PATH", ""),
		TempDir:               getEnv("TEMP_DIR", os.TempDir()),
		BackgroundMusicPath:   getEnv("BACKGROUND_MUSIC_PATH", ""),
		DefaultCurrency:       getEnv("DEFAULT_CURRENCY", "USD"),
		BannerLanguage:        getEnv("BANNER_LANGUAGE", "en"),
		MaxConcurrentJobs:     getEnvInt("MAX_CONCURRENT_JOBS", 2),
		MaxAttempts:           getEnvInt("JOB_MAX_ATTEMPTS", 3),
		RetryBaseDelay:        getEnvDuration("JOB_RETRY_BASE_DELAY", 30*time.Second),
		JobLockTTL:            getEnvDuration("JOB_LOCK_TTL", 30*time.Minute),
		FetchConcurrency:      getEnvInt("FETCH_CONCURRENCY", 4),
		UploadConcurrency:     getEnvInt("UPLOAD_CONCURRENCY", 3),
	}

	profile, err := LoadRenderProfile(cfg.RenderProfilePath)
	if err != nil {
		return nil, err
	}
	cfg.RenderProfile = profile

	return cfg, nil
}

// LoadRenderProfile overlays a YAML file on render.DefaultProfile. An empty
// path yields the defaults.
func LoadRenderProfile(path string) (render.Profile, error) {
	profile := render.DefaultProfile()
	if path == "" {
		return profile, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return profile, fmt.Errorf("failed to read render profile: %w", err)
	}
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return profile, fmt.Errorf("failed to parse render profile: %w", err)
	}
	if err := profile.Validate(); err != nil {
		return profile, fmt.Errorf("invalid render profile %s: %w", path, err)
	}
	return profile, nil
}

// ValidateStore checks what every binary needs: the database and the queue.
func (c *Config) ValidateStore() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	return nil
}

// ValidateAPI checks the settings the HTTP server needs.
func (c *Config) ValidateAPI() error {
	if err := c.ValidateStore(); err != nil {
		return err
	}
	if c.SupabaseURL == "" || c.SupabaseServiceKey == "" {
		return fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY are required")
	}
	return nil
}

// ValidateWorker checks the settings the pipeline needs. Optional
// capabilities stay disabled when their keys are missing.
func (c *Config) ValidateWorker() error {
	if err := c.ValidateAPI(); err != nil {
		return err
	}
	if c.OpenAIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required")
	}
	// At least one TTS provider must be configured
	if c.ElevenLabsKey == "" && c.CartesiaKey == "" {
		return fmt.Errorf("either ELEVENLABS_API_KEY or CARTESIA_API_KEY is required for TTS")
	}
	switch c.MotionProvider {
	case "":
	case "veo":
		if c.GeminiKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required when MOTION_PROVIDER=veo")
		}
	case "xai":
		if c.XAIAPIKey == "" {
			return fmt.Errorf("XAI_API_KEY is required when MOTION_PROVIDER=xai")
		}
	default:
		return fmt.Errorf("unknown MOTION_PROVIDER %q", c.MotionProvider)
	}
	if c.MaxConcurrentJobs < 1 {
		return fmt.Errorf("MAX_CONCURRENT_JOBS must be >= 1")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("JOB_MAX_ATTEMPTS must be >= 1")
	}
	if c.PollMaxAttempts < 1 || c.PollInterval <= 0 {
		return fmt.Errorf("POLL_MAX_ATTEMPTS and POLL_INTERVAL must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.Atoi(value)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		f, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return defaultValue
}
