package config

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the bot process.
type Config struct {
	// Server configuration
	HTTPPort string `envconfig:"HTTP_PORT" default:"8080"`

	// Discord gateway configuration
	DiscordToken     string `envconfig:"DISCORD_TOKEN" required:"true"`
	DeleteAfterSpeak bool   `envconfig:"DELETE_AFTER_SPEAK" default:"false"` // delete speak-channel messages once spoken

	// TTS API configuration
	TTSAPIURL  string `envconfig:"TTS_API_URL" default:"https://api.cartesia.ai"`
	TTSAPIKey  string `envconfig:"TTS_API_KEY" required:"true"`
	TTSModel   string `envconfig:"TTS_MODEL" default:"sonic-2"`
	TTSTimeout int    `envconfig:"TTS_TIMEOUT" default:"30"` // seconds

	// Voice session configuration
	ConnectTimeout       int `envconfig:"CONNECT_TIMEOUT" default:"10"`       // seconds
	ReconnectGrace       int `envconfig:"RECONNECT_GRACE" default:"5"`        // seconds
	PlaybackStartTimeout int `envconfig:"PLAYBACK_START_TIMEOUT" default:"5"` // seconds
	QueueDepth           int `envconfig:"QUEUE_DEPTH" default:"64"`           // queued utterances per guild

	// Storage configuration
	DatabasePath string `envconfig:"DATABASE_PATH" default:"blurt.db"`

	// Transcoding configuration
	FFmpegPath string `envconfig:"FFMPEG_PATH" default:"ffmpeg"`

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`   // debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"` // console format for development
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
}

// Load reads configuration from environment variables, first merging in
// a .env file when one exists.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv reads configuration from environment variables only
// (useful for containerized deployments).
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.DiscordToken == "" {
		return nil, fmt.Errorf("DISCORD_TOKEN is required")
	}
	if cfg.TTSAPIKey == "" {
		return nil, fmt.Errorf("TTS_API_KEY is required")
	}

	return &cfg, nil
}
