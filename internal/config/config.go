// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Realtime transports.
const (
	RealtimeWebSocket = "websocket"
	RealtimeGrpc      = "grpc"
)

// Upload modes.
const (
	UploadTwoPhase = "two-phase"
	UploadFused    = "fused"
)

// Config holds the server configuration.
type Config struct {
	Port           string
	GrpcPort       string // empty disables the gRPC relay
	FrontendURL    string
	DBPath         string
	UploadDir      string
	PublicURL      string
	MaxUploadBytes int64
	UploadTTL      time.Duration
	Timeout        TimeoutConfig
}

// TimeoutConfig holds server-side timeouts.
type TimeoutConfig struct {
	HealthCheck time.Duration
	Shutdown    time.Duration
}

// Load reads server configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		GrpcPort:       getEnv("GRPC_PORT", "9090"),
		FrontendURL:    getEnv("FRONTEND_URL", ""),
		DBPath:         getEnv("DB_PATH", "./data/ideas.db"),
		UploadDir:      getEnv("UPLOAD_DIR", "./data/uploads"),
		PublicURL:      strings.TrimRight(getEnv("PUBLIC_URL", "http://localhost:8080"), "/"),
		MaxUploadBytes: getEnvInt64("MAX_UPLOAD_BYTES", 10<<20),
		UploadTTL:      getEnvDuration("UPLOAD_TTL", time.Hour),
		Timeout: TimeoutConfig{
			HealthCheck: getEnvDuration("HEALTH_CHECK_TIMEOUT", 5*time.Second),
			Shutdown:    getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return errors.New("DB_PATH cannot be empty")
	}
	if c.UploadDir == "" {
		return errors.New("UPLOAD_DIR cannot be empty")
	}
	if c.PublicURL == "" {
		return errors.New("PUBLIC_URL cannot be empty")
	}
	if c.MaxUploadBytes <= 0 {
		return errors.New("MAX_UPLOAD_BYTES must be > 0")
	}
	if c.UploadTTL <= 0 {
		return errors.New("UPLOAD_TTL must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	if env := os.Getenv("APP_ENV"); env != "" {
		return env == "development"
	}
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origins for the server.
func (c *Config) AllowedOrigins() []string {
	if c.IsDevelopment() || c.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{c.FrontendURL}
}

// ClientConfig holds the configuration of the idea-capture client.
type ClientConfig struct {
	BackendURL     string
	APIToken       string
	Realtime       string
	RealtimeAddr   string
	UploadMode     string
	ParticipantID  string
	RequestTimeout time.Duration
}

// LoadClient reads client configuration from environment variables.
// There is no default backend: BACKEND_URL must be set.
func LoadClient() (*ClientConfig, error) {
	cfg := &ClientConfig{
		BackendURL:     strings.TrimRight(getEnv("BACKEND_URL", ""), "/"),
		APIToken:       getEnv("API_TOKEN", ""),
		Realtime:       strings.ToLower(getEnv("REALTIME", RealtimeWebSocket)),
		RealtimeAddr:   getEnv("REALTIME_ADDR", ""),
		UploadMode:     strings.ToLower(getEnv("UPLOAD_MODE", UploadTwoPhase)),
		ParticipantID:  getEnv("PARTICIPANT_ID", ""),
		RequestTimeout: getEnvDuration("REQUEST_TIMEOUT", 30*time.Second),
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the client configuration.
func (c *ClientConfig) Validate() error {
	if c.BackendURL == "" {
		return errors.New("BACKEND_URL cannot be empty")
	}
	switch c.Realtime {
	case RealtimeWebSocket:
	case RealtimeGrpc:
		if c.RealtimeAddr == "" {
			return errors.New("REALTIME_ADDR is required when REALTIME=grpc")
		}
	default:
		return fmt.Errorf("REALTIME must be %q or %q, got %q", RealtimeWebSocket, RealtimeGrpc, c.Realtime)
	}
	if c.UploadMode != UploadTwoPhase && c.UploadMode != UploadFused {
		return fmt.Errorf("UPLOAD_MODE must be %q or %q, got %q", UploadTwoPhase, UploadFused, c.UploadMode)
	}
	if c.RequestTimeout <= 0 {
		return errors.New("REQUEST_TIMEOUT must be > 0")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
