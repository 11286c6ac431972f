// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string

	// Sandbox lifecycle.
	SandboxImage     string
	ContainerRuntime string // Docker runtime: "" = default (runc), "runsc" = gVisor
	SandboxIdleTTL   time.Duration
	SweepInterval    time.Duration
	ExecTimeout      time.Duration

	// Model collaborator.
	ModelBaseURL string
	ModelAPIKey  string
	ModelName    string

	// Run budgets.
	MaxIterations int
	MaxTokens     int

	// Approval policy rules.
	SensitiveTools    []string
	SensitivePatterns []string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/agentbox.db"),

		SandboxImage:     getEnv("SANDBOX_IMAGE", "agentbox-sandbox:latest"),
		ContainerRuntime: getEnv("CONTAINER_RUNTIME", ""),
		SandboxIdleTTL:   getEnvDuration("SANDBOX_IDLE_TTL", 30*time.Minute),
		SweepInterval:    getEnvDuration("SANDBOX_SWEEP_INTERVAL", 5*time.Minute),
		ExecTimeout:      getEnvDuration("SANDBOX_EXEC_TIMEOUT", 60*time.Second),

		ModelBaseURL: getEnv("MODEL_BASE_URL", "https://api.openai.com/v1"),
		ModelAPIKey:  getEnv("MODEL_API_KEY", ""),
		ModelName:    getEnv("MODEL_NAME", "gpt-4o"),

		MaxIterations: getEnvInt("MAX_ITERATIONS", 20),
		MaxTokens:     getEnvInt("MAX_TOKENS", 200000),

		SensitiveTools:    getEnvList("SENSITIVE_TOOLS", "delete_file,write_file"),
		SensitivePatterns: getEnvList("SENSITIVE_PATTERNS", "rm -rf,rm -r,sudo ,mkfs,curl ,wget ,dd if="),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.SandboxImage == "" {
		return fmt.Errorf("SANDBOX_IMAGE cannot be empty")
	}
	if c.ModelBaseURL == "" {
		return fmt.Errorf("MODEL_BASE_URL cannot be empty")
	}
	if c.ModelName == "" {
		return fmt.Errorf("MODEL_NAME cannot be empty")
	}
	if c.MaxIterations <= 0 {
		return fmt.Errorf("MAX_ITERATIONS must be > 0")
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("MAX_TOKENS must be > 0")
	}
	if c.SandboxIdleTTL <= 0 {
		return fmt.Errorf("SANDBOX_IDLE_TTL must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
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

// getEnvList parses a comma-separated env var. Entries are not trimmed:
// patterns like "sudo " carry significant whitespace.
func getEnvList(key, fallback string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		value = fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
