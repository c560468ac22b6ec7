package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config contains all runtime settings for the voice pipeline service.
type Config struct {
	BindAddr         string        `envconfig:"APP_BIND_ADDR" default:":8080"`
	ShutdownTimeout  time.Duration `envconfig:"APP_SHUTDOWN_TIMEOUT" default:"15s"`
	MetricsNamespace string        `envconfig:"APP_METRICS_NAMESPACE" default:"novavoice"`
	LogLevel         string        `envconfig:"APP_LOG_LEVEL" default:"info"`
	LogPretty        bool          `envconfig:"APP_LOG_PRETTY" default:"false"`
	AllowAnyOrigin   bool          `envconfig:"APP_ALLOW_ANY_ORIGIN" default:"false"`

	// Authentication gate. Credentials are HMAC-signed tokens issued
	// elsewhere; the pipeline only verifies them.
	AuthSecret   string        `envconfig:"AUTH_SECRET"`
	AuthDeadline time.Duration `envconfig:"AUTH_DEADLINE" default:"5s"`

	// Session lifecycle.
	MaxSessions        int           `envconfig:"SESSION_MAX_TOTAL" default:"256"`
	MaxSessionsPerUser int           `envconfig:"SESSION_MAX_PER_USER" default:"3"`
	IdleTimeout        time.Duration `envconfig:"SESSION_IDLE_TIMEOUT" default:"10m"`
	SweepInterval      time.Duration `envconfig:"SESSION_SWEEP_INTERVAL" default:"60s"`
	ReconnectGrace     time.Duration `envconfig:"SESSION_RECONNECT_GRACE" default:"30s"`
	DrainTimeout       time.Duration `envconfig:"SESSION_DRAIN_TIMEOUT" default:"3s"`
	HeartbeatInterval  time.Duration `envconfig:"WS_HEARTBEAT_INTERVAL" default:"20s"`

	// Audio framing. Defaults assume ~100ms PCM16 mono at 16kHz
	// (3200 payload bytes per frame).
	SampleRate    int `envconfig:"AUDIO_SAMPLE_RATE" default:"16000"`
	FrameMinBytes int `envconfig:"AUDIO_FRAME_MIN_BYTES" default:"160"`
	FrameMaxBytes int `envconfig:"AUDIO_FRAME_MAX_BYTES" default:"19200"`

	// Speech collaborators (realtime websocket STT/TTS).
	VoiceAPIKey     string `envconfig:"VOICE_API_KEY"`
	VoiceWSBaseURL  string `envconfig:"VOICE_WS_BASE_URL" default:"wss://api.elevenlabs.io"`
	STTModelID      string `envconfig:"VOICE_STT_MODEL_ID" default:"scribe_v2_realtime"`
	STTLanguage     string `envconfig:"VOICE_STT_LANGUAGE" default:"en"`
	TTSVoiceID      string `envconfig:"VOICE_TTS_VOICE_ID" default:"cgSgspJ2msm6clMCkdW9"`
	TTSModelID      string `envconfig:"VOICE_TTS_MODEL_ID" default:"eleven_multilingual_v2"`
	TTSOutputFormat string `envconfig:"VOICE_TTS_OUTPUT_FORMAT" default:"pcm_16000"`

	// Text-generation collaborator (OpenAI-compatible; defaults target a
	// local LM Studio endpoint).
	GenBaseURL     string  `envconfig:"GEN_BASE_URL" default:"http://127.0.0.1:1234/v1"`
	GenAPIKey      string  `envconfig:"GEN_API_KEY"`
	GenModel       string  `envconfig:"GEN_MODEL" default:"default"`
	GenTemperature float64 `envconfig:"GEN_TEMPERATURE" default:"0.2"`
	GenSystemStyle string  `envconfig:"GEN_SYSTEM_STYLE" default:"You are a helpful voice assistant. Keep answers short and conversational."`
	HistoryLimit   int     `envconfig:"GEN_HISTORY_LIMIT" default:"16"`

	// Cost metering. Rates are dollars; caps are per-session dollars by tier.
	STTDollarsPerSecond  float64            `envconfig:"COST_STT_PER_SECOND" default:"0.0001"`
	GenDollarsPerKTokIn  float64            `envconfig:"COST_GEN_PER_1K_TOKENS_IN" default:"0.0005"`
	GenDollarsPerKTokOut float64            `envconfig:"COST_GEN_PER_1K_TOKENS_OUT" default:"0.0015"`
	TTSDollarsPerKChars  float64            `envconfig:"COST_TTS_PER_1K_CHARS" default:"0.015"`
	TierCaps             map[string]float64 `envconfig:"COST_TIER_CAPS" default:"free:0.50,plus:2.00,pro:10.00"`
	DefaultTier          string             `envconfig:"COST_DEFAULT_TIER" default:"free"`

	DatabaseURL string `envconfig:"DATABASE_URL"`
}

// Load reads environment variables and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("process env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.IdleTimeout < 5*time.Second {
		return fmt.Errorf("SESSION_IDLE_TIMEOUT must be at least 5s")
	}
	if c.ReconnectGrace <= 0 {
		return fmt.Errorf("SESSION_RECONNECT_GRACE must be positive")
	}
	if c.MaxSessions <= 0 || c.MaxSessionsPerUser <= 0 {
		return fmt.Errorf("session caps must be positive")
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("AUDIO_SAMPLE_RATE must be positive")
	}
	if c.FrameMinBytes <= 0 || c.FrameMaxBytes < c.FrameMinBytes {
		return fmt.Errorf("audio frame size window is invalid")
	}
	if c.HeartbeatInterval < time.Second {
		return fmt.Errorf("WS_HEARTBEAT_INTERVAL must be at least 1s")
	}
	if c.AuthDeadline <= 0 {
		return fmt.Errorf("AUTH_DEADLINE must be positive")
	}
	if c.STTDollarsPerSecond < 0 || c.GenDollarsPerKTokIn < 0 || c.GenDollarsPerKTokOut < 0 || c.TTSDollarsPerKChars < 0 {
		return fmt.Errorf("cost rates must not be negative")
	}
	if len(c.TierCaps) == 0 {
		return fmt.Errorf("COST_TIER_CAPS must define at least one tier")
	}
	if _, ok := c.TierCaps[c.DefaultTier]; !ok {
		return fmt.Errorf("COST_DEFAULT_TIER %q has no entry in COST_TIER_CAPS", c.DefaultTier)
	}
	for tier, capDollars := range c.TierCaps {
		if capDollars <= 0 {
			return fmt.Errorf("cost cap for tier %q must be positive", tier)
		}
	}
	return nil
}
