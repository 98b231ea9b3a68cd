// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	units "github.com/docker/go-units"
)

// Config holds all orchestrator configuration. Environment variable names
// and defaults are contractual.
type Config struct {
	Port        string
	DatabaseURL string

	DockerSocketPath  string
	DockerNetworkName string
	CodeServerImage   string

	SessionTimeout     time.Duration
	MaxContainers      int
	MaxSessionsPerUser int

	DefaultMemoryLimit  string
	DefaultCPULimit     float64
	MaxDiskPerContainer string

	Domain           string
	EnableTLS        bool
	ACMEEmail        string
	TraefikDashboard bool
	TraefikLogLevel  string

	GitBaseDir     string
	ExtensionsPath string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: getEnv("DATABASE_URL", ""),

		DockerSocketPath:  getEnv("DOCKER_SOCKET_PATH", "/var/run/docker.sock"),
		DockerNetworkName: getEnv("DOCKER_NETWORK_NAME", "cloud-ide-network"),
		CodeServerImage:   getEnv("CODE_SERVER_IMAGE", "codercom/code-server:latest"),

		SessionTimeout:     time.Duration(getEnvInt("SESSION_TIMEOUT_MINUTES", 60)) * time.Minute,
		MaxContainers:      getEnvInt("MAX_CONTAINERS", 50),
		MaxSessionsPerUser: getEnvInt("MAX_SESSIONS_PER_USER", 3),

		DefaultMemoryLimit:  getEnv("DEFAULT_MEMORY_LIMIT", "2g"),
		DefaultCPULimit:     getEnvFloat("DEFAULT_CPU_LIMIT", 1.0),
		MaxDiskPerContainer: getEnv("MAX_DISK_PER_CONTAINER", "5g"),

		Domain:           getEnv("DOMAIN", "localhost"),
		EnableTLS:        getEnvBool("ENABLE_TLS", false),
		ACMEEmail:        getEnv("ACME_EMAIL", ""),
		TraefikDashboard: getEnvBool("TRAEFIK_DASHBOARD", false),
		TraefikLogLevel:  getEnv("TRAEFIK_LOG_LEVEL", "INFO"),

		GitBaseDir:     getEnv("GIT_BASE_DIR", "/srv/git"),
		ExtensionsPath: getEnv("EXTENSIONS_PATH", "/srv/extensions"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that all configuration fields hold usable values.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.MaxContainers <= 0 {
		return fmt.Errorf("MAX_CONTAINERS must be > 0")
	}
	if c.MaxSessionsPerUser <= 0 {
		return fmt.Errorf("MAX_SESSIONS_PER_USER must be > 0")
	}
	if c.SessionTimeout <= 0 {
		return fmt.Errorf("SESSION_TIMEOUT_MINUTES must be > 0")
	}
	if _, err := units.RAMInBytes(c.DefaultMemoryLimit); err != nil {
		return fmt.Errorf("DEFAULT_MEMORY_LIMIT %q: %w", c.DefaultMemoryLimit, err)
	}
	if _, err := units.RAMInBytes(c.MaxDiskPerContainer); err != nil {
		return fmt.Errorf("MAX_DISK_PER_CONTAINER %q: %w", c.MaxDiskPerContainer, err)
	}
	if c.DefaultCPULimit <= 0 {
		return fmt.Errorf("DEFAULT_CPU_LIMIT must be > 0")
	}
	if c.Domain == "" {
		return fmt.Errorf("DOMAIN cannot be empty")
	}
	if c.GitBaseDir == "" {
		return fmt.Errorf("GIT_BASE_DIR cannot be empty")
	}
	if c.ExtensionsPath == "" {
		return fmt.Errorf("EXTENSIONS_PATH cannot be empty")
	}
	switch c.TraefikLogLevel {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("TRAEFIK_LOG_LEVEL must be one of DEBUG, INFO, WARN, ERROR")
	}
	return nil
}

// MemoryLimitBytes returns the default memory limit in bytes.
func (c *Config) MemoryLimitBytes() int64 {
	n, _ := units.RAMInBytes(c.DefaultMemoryLimit)
	return n
}

// DiskQuotaBytes returns the per-container disk quota in bytes.
func (c *Config) DiskQuotaBytes() int64 {
	n, _ := units.RAMInBytes(c.MaxDiskPerContainer)
	return n
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}
