// Package api provides the minimal HTTP surface the `--api` CLI flag boots:
// a health/readiness server, not the full upload/browsing/pagination API.
package api

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pardalotus/metabeak/internal/config"
)

const (
	// DefaultPort is the default HTTP server port.
	DefaultPort = 8080
	// MaxPort is the maximum valid port number.
	MaxPort = 65535
	// DefaultHost is the default server host.
	DefaultHost = "0.0.0.0"
	// DefaultTimeout is the default timeout for HTTP operations.
	DefaultTimeout = 30 * time.Second
	// DefaultLogLevel is the default log level.
	DefaultLogLevel = slog.LevelInfo
)

// Static validation errors.
var (
	ErrInvalidPort            = errors.New("invalid port")
	ErrEmptyHost              = errors.New("host cannot be empty")
	ErrInvalidReadTimeout     = errors.New("read timeout must be positive")
	ErrInvalidWriteTimeout    = errors.New("write timeout must be positive")
	ErrInvalidShutdownTimeout = errors.New("shutdown timeout must be positive")
)

// ServerConfig holds the health-check server's configuration. It carries no
// CORS, auth, or rate-limit settings: those concern the external upload/
// browsing API, not this stub.
type ServerConfig struct {
	Port            int
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	LogLevel        slog.Level
}

// LoadServerConfig loads server configuration from environment variables
// with sensible defaults, following internal/config's typed-getter pattern.
func LoadServerConfig() ServerConfig {
	return ServerConfig{
		Port:            config.GetEnvInt("METABEAK_API_PORT", DefaultPort),
		Host:            config.GetEnvStr("METABEAK_API_HOST", DefaultHost),
		ReadTimeout:     config.GetEnvDuration("METABEAK_API_READ_TIMEOUT", DefaultTimeout),
		WriteTimeout:    config.GetEnvDuration("METABEAK_API_WRITE_TIMEOUT", DefaultTimeout),
		ShutdownTimeout: config.GetEnvDuration("METABEAK_API_SHUTDOWN_TIMEOUT", DefaultTimeout),
		LogLevel:        config.GetEnvLogLevel("LOG_LEVEL", DefaultLogLevel),
	}
}

// Address returns the server address in host:port format.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate validates the server configuration.
func (c ServerConfig) Validate() error {
	if c.Port <= 0 || c.Port > MaxPort {
		return fmt.Errorf("%w: %d, must be between 1 and %d", ErrInvalidPort, c.Port, MaxPort)
	}

	if c.Host == "" {
		return ErrEmptyHost
	}

	if c.ReadTimeout <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidReadTimeout, c.ReadTimeout)
	}

	if c.WriteTimeout <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidWriteTimeout, c.WriteTimeout)
	}

	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidShutdownTimeout, c.ShutdownTimeout)
	}

	return nil
}
