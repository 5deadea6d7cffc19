package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

type (
	// Config holds configuration settings for the mission engine
	Config struct {
		// API Server
		APIHost  string
		APIPort  int
		LogLevel string

		// Store
		RedisAddr     string
		RedisPassword string
		RedisDB       int
		RedisPrefix   string

		// Artifacts
		BucketURL string
		DataDir   string

		// Sandbox
		SandboxImage string
		OwnerLabel   string

		// Engine
		PollInterval      time.Duration
		HeartbeatInterval time.Duration
		LogTailBytes      int
		MaxUnknownPolls   int
		ShutdownTimeout   time.Duration
	}
)

const (
	DefaultAPIHost = "0.0.0.0"
	DefaultAPIPort = 8080
	MaxTCPPort     = 65535

	DefaultRedisAddr   = "localhost:6379"
	DefaultRedisDB     = 0
	DefaultRedisPrefix = "sortie"

	DefaultBucketURL = "file:///var/lib/sortie/artifacts"
	DefaultDataDir   = "/var/lib/sortie/missions"

	DefaultSandboxImage = "sortie-agent:latest"
	DefaultOwnerLabel   = "sortie.owner"

	DefaultPollInterval      = 2 * time.Second
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultLogTailBytes      = 16 * 1024
	DefaultMaxUnknownPolls   = 30
	DefaultShutdownTimeout   = 10 * time.Second

	MaxLogTailBytes    = 4 * 1024 * 1024
	MaxUnknownPollsCap = 10_000
)

var (
	ErrInvalidAPIPort       = errors.New("invalid API port")
	ErrInvalidPollInterval  = errors.New("poll interval must be positive")
	ErrInvalidLogTailBytes  = errors.New("log tail bytes must be positive")
	ErrBucketURLEmpty       = errors.New("artifact bucket URL empty")
	ErrDataDirEmpty         = errors.New("data directory empty")
	ErrSandboxImageEmpty    = errors.New("sandbox image empty")
	ErrInvalidUnknownLimit  = errors.New("unknown poll limit must be positive")
	ErrInvalidShutdownGrace = errors.New("shutdown timeout must be positive")
)

// NewDefaultConfig creates a configuration with sensible defaults for all
// engine, store, and sandbox settings
func NewDefaultConfig() *Config {
	return &Config{
		APIHost:           DefaultAPIHost,
		APIPort:           DefaultAPIPort,
		LogLevel:          "info",
		RedisAddr:         DefaultRedisAddr,
		RedisDB:           DefaultRedisDB,
		RedisPrefix:       DefaultRedisPrefix,
		BucketURL:         DefaultBucketURL,
		DataDir:           DefaultDataDir,
		SandboxImage:      DefaultSandboxImage,
		OwnerLabel:        DefaultOwnerLabel,
		PollInterval:      DefaultPollInterval,
		HeartbeatInterval: DefaultHeartbeatInterval,
		LogTailBytes:      DefaultLogTailBytes,
		MaxUnknownPolls:   DefaultMaxUnknownPolls,
		ShutdownTimeout:   DefaultShutdownTimeout,
	}
}

// LoadFromEnv populates configuration values from environment variables.
// Returns an error if any env var cannot be parsed
func (c *Config) LoadFromEnv() error {
	if host := os.Getenv("API_HOST"); host != "" {
		c.APIHost = host
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.RedisAddr = addr
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		c.RedisPassword = password
	}
	if prefix := os.Getenv("REDIS_PREFIX"); prefix != "" {
		c.RedisPrefix = prefix
	}
	if bucket := os.Getenv("ARTIFACT_BUCKET_URL"); bucket != "" {
		c.BucketURL = bucket
	}
	if dir := os.Getenv("DATA_DIR"); dir != "" {
		c.DataDir = dir
	}
	if image := os.Getenv("SANDBOX_IMAGE"); image != "" {
		c.SandboxImage = image
	}

	if err := loadEnvInt("API_PORT", &c.APIPort, 0, MaxTCPPort); err != nil {
		return err
	}
	if err := loadEnvInt("REDIS_DB", &c.RedisDB, -1, 15); err != nil {
		return err
	}
	if err := loadEnvInt(
		"LOG_TAIL_BYTES", &c.LogTailBytes, 0, MaxLogTailBytes,
	); err != nil {
		return err
	}
	if err := loadEnvInt(
		"MAX_UNKNOWN_POLLS", &c.MaxUnknownPolls, 0, MaxUnknownPollsCap,
	); err != nil {
		return err
	}

	if err := loadEnvDuration("POLL_INTERVAL", &c.PollInterval); err != nil {
		return err
	}
	if err := loadEnvDuration(
		"HEARTBEAT_INTERVAL", &c.HeartbeatInterval,
	); err != nil {
		return err
	}
	return loadEnvDuration("SHUTDOWN_TIMEOUT", &c.ShutdownTimeout)
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	if c.APIPort <= 0 || c.APIPort > MaxTCPPort {
		return fmt.Errorf("%w: %d", ErrInvalidAPIPort, c.APIPort)
	}
	if c.PollInterval <= 0 {
		return ErrInvalidPollInterval
	}
	if c.LogTailBytes <= 0 {
		return ErrInvalidLogTailBytes
	}
	if c.MaxUnknownPolls <= 0 {
		return ErrInvalidUnknownLimit
	}
	if c.ShutdownTimeout <= 0 {
		return ErrInvalidShutdownGrace
	}
	if c.BucketURL == "" {
		return ErrBucketURLEmpty
	}
	if c.DataDir == "" {
		return ErrDataDirEmpty
	}
	if c.SandboxImage == "" {
		return ErrSandboxImageEmpty
	}
	return nil
}

// loadEnvInt reads key from the environment, parses it as an integer, and
// sets *dst if the value is in the range (min, max). Returns an error if
// the value cannot be parsed or falls outside the valid range
func loadEnvInt(key string, dst *int, min, max int) error {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid %s: %q", key, s)
	}
	if v <= min || v > max {
		return fmt.Errorf("invalid %s: %d out of range [%d, %d]",
			key, v, min+1, max)
	}
	*dst = v
	return nil
}

func loadEnvDuration(key string, dst *time.Duration) error {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fmt.Errorf("invalid %s: %q", key, s)
	}
	*dst = d
	return nil
}
