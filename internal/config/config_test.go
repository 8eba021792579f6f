package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindConfig_Explicit(t *testing.T) {
	// Create a temp config file
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 9999\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_SearchPath(t *testing.T) {
	// When no config exists anywhere, should error.
	// Override searchPathsFunc to avoid finding real config files
	// on developer/deploy machines (~/.config/mnemo/config.yaml,
	// /etc/mnemo/config.yaml, etc.).
	dir := t.TempDir()
	orig := searchPathsFunc
	searchPathsFunc = func() []string {
		return []string{filepath.Join(dir, "config.yaml")}
	}
	defer func() { searchPathsFunc = orig }()

	_, err := FindConfig("")
	if err == nil {
		t.Fatal("FindConfig(\"\") with no config files should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 8080\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("anthropic:\n  api_key: ${MNEMO_TEST_KEY}\n"), 0600)
	os.Setenv("MNEMO_TEST_KEY", "secret123")
	defer os.Unsetenv("MNEMO_TEST_KEY")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Anthropic.APIKey != "secret123" {
		t.Errorf("api_key = %q, want %q", cfg.Anthropic.APIKey, "secret123")
	}
}

func TestLoad_InlineSecrets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("anthropic:\n  api_key: sk-ant-test-key\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Anthropic.APIKey != "sk-ant-test-key" {
		t.Errorf("api_key = %q, want %q", cfg.Anthropic.APIKey, "sk-ant-test-key")
	}
}

func TestLoad_RouterPricing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte(""+
		"router:\n"+
		"  redis_url: redis://localhost:6379/0\n"+
		"  day_cap_usd: 5.0\n"+
		"  pricing:\n"+
		"    claude-opus:\n"+
		"      input_per_million: 15.0\n"+
		"      output_per_million: 75.0\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Router.RedisURL != "redis://localhost:6379/0" {
		t.Errorf("redis_url = %q, want redis://localhost:6379/0", cfg.Router.RedisURL)
	}
	if cfg.Router.DayCapUSD != 5.0 {
		t.Errorf("day_cap_usd = %v, want 5.0", cfg.Router.DayCapUSD)
	}
	entry, ok := cfg.Router.Pricing["claude-opus"]
	if !ok {
		t.Fatal("expected pricing entry for claude-opus")
	}
	if entry.InputPerMillion != 15.0 || entry.OutputPerMillion != 75.0 {
		t.Errorf("pricing entry = %+v, want {15 75}", entry)
	}
}

func TestApplyDefaults_GardenerQuietHours(t *testing.T) {
	cfg := Default()
	if cfg.Gardener.QuietHourStart != 23 {
		t.Errorf("quiet_hour_start = %d, want 23", cfg.Gardener.QuietHourStart)
	}
	if cfg.Gardener.QuietHourEnd != 5 {
		t.Errorf("quiet_hour_end = %d, want 5", cfg.Gardener.QuietHourEnd)
	}
}

func TestApplyDefaults_DebugDumpDir(t *testing.T) {
	t.Run("sets default when dump enabled", func(t *testing.T) {
		cfg := Default()
		cfg.Debug.DumpSystemPrompt = true
		cfg.applyDefaults()

		if cfg.Debug.DumpDir != "./debug" {
			t.Errorf("expected default dump_dir './debug', got %q", cfg.Debug.DumpDir)
		}
	})

	t.Run("leaves empty when dump disabled", func(t *testing.T) {
		cfg := Default()
		cfg.Debug.DumpSystemPrompt = false
		cfg.applyDefaults()

		if cfg.Debug.DumpDir != "" {
			t.Errorf("expected empty dump_dir when dump disabled, got %q", cfg.Debug.DumpDir)
		}
	})

	t.Run("preserves custom dir", func(t *testing.T) {
		cfg := Default()
		cfg.Debug.DumpSystemPrompt = true
		cfg.Debug.DumpDir = "/tmp/mnemo-debug"
		cfg.applyDefaults()

		if cfg.Debug.DumpDir != "/tmp/mnemo-debug" {
			t.Errorf("expected custom dump_dir preserved, got %q", cfg.Debug.DumpDir)
		}
	})
}

func TestContextWindowForModel(t *testing.T) {
	cfg := Default()
	if got := cfg.ContextWindowForModel("qwen3:4b", 999); got != 4096 {
		t.Errorf("ContextWindowForModel(qwen3:4b) = %d, want 4096", got)
	}
	if got := cfg.ContextWindowForModel("unknown-model", 999); got != 999 {
		t.Errorf("ContextWindowForModel(unknown-model) = %d, want fallback 999", got)
	}
}

func TestValidate_ListenPortOutOfRange(t *testing.T) {
	cfg := Default()
	cfg.Listen.Port = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for out-of-range listen.port")
	}
}

func TestValidate_BadLogLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "not-a-level"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for bad log_level")
	}
}

func TestAnthropicConfig_Configured(t *testing.T) {
	tests := []struct {
		name string
		cfg  AnthropicConfig
		want bool
	}{
		{"with key", AnthropicConfig{APIKey: "sk-ant-x"}, true},
		{"empty", AnthropicConfig{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.Configured(); got != tt.want {
				t.Errorf("Configured() = %v, want %v", got, tt.want)
			}
		})
	}
}
