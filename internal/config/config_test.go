package config

import (
	"reflect"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load with defaults: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("default port = %q, want 8080", cfg.Port)
	}
	if cfg.SandboxIdleTTL != 30*time.Minute {
		t.Errorf("default idle TTL = %v, want 30m", cfg.SandboxIdleTTL)
	}
	if cfg.MaxIterations != 20 {
		t.Errorf("default max iterations = %d, want 20", cfg.MaxIterations)
	}
	if len(cfg.SensitiveTools) == 0 || len(cfg.SensitivePatterns) == 0 {
		t.Error("default policy rules must not be empty")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("SANDBOX_IDLE_TTL", "10m")
	t.Setenv("MAX_ITERATIONS", "5")
	t.Setenv("SENSITIVE_TOOLS", "delete_file")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "9999" {
		t.Errorf("port = %q, want 9999", cfg.Port)
	}
	if cfg.SandboxIdleTTL != 10*time.Minute {
		t.Errorf("idle TTL = %v, want 10m", cfg.SandboxIdleTTL)
	}
	if cfg.MaxIterations != 5 {
		t.Errorf("max iterations = %d, want 5", cfg.MaxIterations)
	}
	if !reflect.DeepEqual(cfg.SensitiveTools, []string{"delete_file"}) {
		t.Errorf("sensitive tools = %v", cfg.SensitiveTools)
	}
}

func TestLoadRejectsInvalidBudgets(t *testing.T) {
	t.Setenv("MAX_ITERATIONS", "-1")

	if _, err := Load(); err == nil {
		t.Fatal("negative iteration budget must be rejected")
	}
}

func TestGetEnvListPreservesSignificantWhitespace(t *testing.T) {
	t.Setenv("TEST_PATTERNS", "rm -rf,sudo ")

	got := getEnvList("TEST_PATTERNS", "")
	want := []string{"rm -rf", "sudo "}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("getEnvList = %q, want %q", got, want)
	}
}

func TestIsDevelopment(t *testing.T) {
	cases := []struct {
		frontendURL string
		want        bool
	}{
		{"", true},
		{"http://localhost:3000", true},
		{"http://127.0.0.1:3000", true},
		{"https://agentbox.example.com", false},
	}
	for _, tc := range cases {
		cfg := &Config{FrontendURL: tc.frontendURL}
		if got := cfg.IsDevelopment(); got != tc.want {
			t.Errorf("IsDevelopment(%q) = %v, want %v", tc.frontendURL, got, tc.want)
		}
	}
}
