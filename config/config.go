package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	AWS      AWSConfig
	Engine   EngineConfig
	Orders   OrdersConfig
	Twilio   TwilioConfig
	Session  SessionConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
	PublicBaseURL      string // e.g. https://bridge.example.com; used to build the media stream URL in TwiML
}

// DatabaseConfig holds PostgreSQL connection settings. Empty URL disables call history.
type DatabaseConfig struct {
	URL string
}

// RedisConfig holds Redis connection settings. Empty Addr disables events, archive jobs and dead letters.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds operator API token settings.
type JWTConfig struct {
	Secret            string
	ExpireHours       int
	AdminPasswordHash string // bcrypt hash; empty disables POST /auth/token
}

// AWSConfig holds AWS credentials and the transcript archive bucket.
type AWSConfig struct {
	Region            string
	AccessKeyID       string
	SecretAccessKey   string
	TranscriptsBucket string
}

// EngineConfig holds the conversational AI engine (ElevenLabs ConvAI) settings.
type EngineConfig struct {
	APIKey              string
	AgentID             string
	APIBaseURL          string
	DefaultPrompt       string
	DefaultFirstMessage string
	SetupTimeout        time.Duration
}

// OrdersConfig points at the order-management backend that receives call status updates.
type OrdersConfig struct {
	BaseURL string // empty = log-only reporter
	APIKey  string
	Timeout time.Duration
}

// TwilioConfig holds Twilio webhook settings.
type TwilioConfig struct {
	AuthToken string // empty disables X-Twilio-Signature validation
}

// SessionConfig bounds call sessions.
type SessionConfig struct {
	MaxCallDuration time.Duration // 0 = unbounded
}

// Enabled reports whether a database URL is configured.
func (c DatabaseConfig) Enabled() bool { return c.URL != "" }

// Enabled reports whether a Redis address is configured.
func (c RedisConfig) Enabled() bool { return c.Addr != "" }

// Enabled reports whether transcript archiving to S3 is configured.
func (c AWSConfig) Enabled() bool { return c.Region != "" && c.TranscriptsBucket != "" }

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
			PublicBaseURL:      strings.TrimRight(getEnv("PUBLIC_BASE_URL", ""), "/"),
		},
		Database: DatabaseConfig{
			URL: getEnv("DATABASE_URL", ""),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:            getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours:       getEnvInt("JWT_EXPIRE_HOURS", 12),
			AdminPasswordHash: getEnv("ADMIN_PASSWORD_HASH", ""),
		},
		AWS: AWSConfig{
			Region:            getEnv("AWS_REGION", ""),
			AccessKeyID:       getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:   getEnv("AWS_SECRET_ACCESS_KEY", ""),
			TranscriptsBucket: getEnv("AWS_S3_TRANSCRIPTS_BUCKET", ""),
		},
		Engine: EngineConfig{
			APIKey:              getEnv("ELEVENLABS_API_KEY", ""),
			AgentID:             getEnv("ELEVENLABS_AGENT_ID", ""),
			APIBaseURL:          strings.TrimRight(getEnv("ELEVENLABS_API_BASE_URL", "https://api.elevenlabs.io"), "/"),
			DefaultPrompt:       getEnv("DEFAULT_PROMPT", "You are a friendly assistant calling to confirm a customer's order."),
			DefaultFirstMessage: getEnv("DEFAULT_FIRST_MESSAGE", "Hello! I'm calling about your recent order. Do you have a minute?"),
			SetupTimeout:        time.Duration(getEnvInt("ENGINE_SETUP_TIMEOUT_SEC", 10)) * time.Second,
		},
		Orders: OrdersConfig{
			BaseURL: strings.TrimRight(getEnv("ORDERS_API_URL", ""), "/"),
			APIKey:  getEnv("ORDERS_API_KEY", ""),
			Timeout: time.Duration(getEnvInt("ORDERS_TIMEOUT_SEC", 10)) * time.Second,
		},
		Twilio: TwilioConfig{
			AuthToken: getEnv("TWILIO_AUTH_TOKEN", ""),
		},
		Session: SessionConfig{
			MaxCallDuration: time.Duration(getEnvInt("MAX_CALL_DURATION_SEC", 3600)) * time.Second,
		},
	}
	return cfg, nil
}

// Validate reports settings the bridge cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if c.Engine.APIKey == "" {
		errs = append(errs, errors.New("ELEVENLABS_API_KEY is required"))
	}
	if c.Engine.AgentID == "" {
		errs = append(errs, errors.New("ELEVENLABS_AGENT_ID is required"))
	}
	if c.Server.Port == "" {
		errs = append(errs, errors.New("PORT must not be empty"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
