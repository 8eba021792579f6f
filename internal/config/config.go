// Package config handles Mnemo configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/mnemo/config.yaml, /config/config.yaml,
// /etc/mnemo/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mnemo", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/mnemo/config.yaml")
	return paths
}

// searchPathsFunc is DefaultSearchPaths by default; tests override it to
// avoid picking up real config files on the developer/deploy machine.
var searchPathsFunc = DefaultSearchPaths

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches searchPathsFunc and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	paths := searchPathsFunc()
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", paths)
}

// Config holds all Mnemo configuration.
type Config struct {
	Listen      ListenConfig     `yaml:"listen"`
	OllamaAPI   OllamaAPIConfig  `yaml:"ollama_api"`
	Models      ModelsConfig     `yaml:"models"`
	Anthropic   AnthropicConfig  `yaml:"anthropic"`
	Embeddings  EmbeddingsConfig `yaml:"embeddings"`
	Router      RouterConfig     `yaml:"router"`
	Gardener    GardenerConfig   `yaml:"gardener"`
	Tracing     TracingConfig    `yaml:"tracing"`
	Kafka       KafkaConfig      `yaml:"kafka"`
	Debug       DebugConfig      `yaml:"debug"`
	DataDir     string           `yaml:"data_dir"`
	PersonaFile string           `yaml:"persona_file"`
	LogLevel    string           `yaml:"log_level"`
	Timezone    string           `yaml:"timezone"` // IANA name, e.g. "America/Chicago"; empty = system local
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// RouterConfig defines tiered-provider routing and spend-tracking settings.
type RouterConfig struct {
	// RedisURL, when set, backs circuit-breaker and spend-mirror state with
	// RedisStateStore instead of the in-process MemStateStore. Empty means
	// single-process deployment (the common case).
	RedisURL string `yaml:"redis_url"`
	// DayCapUSD and MonthCapUSD cap spend across all providers. Zero means
	// uncapped.
	DayCapUSD   float64                 `yaml:"day_cap_usd"`
	MonthCapUSD float64                 `yaml:"month_cap_usd"`
	Pricing     map[string]PricingEntry `yaml:"pricing"`
}

// PricingEntry is the per-million-token cost of one model, used by
// internal/usage to convert token counts into a dollar figure.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// GardenerConfig defines the background gardener's tick cadence and quiet
// hours, the only hours in which the sleep tick runs.
type GardenerConfig struct {
	Enabled        bool `yaml:"enabled"`
	LightTickMin   int  `yaml:"light_tick_minutes"`
	DeepTickHour   int  `yaml:"deep_tick_hour"`
	SleepTickHour  int  `yaml:"sleep_tick_hour"`
	QuietHourStart int  `yaml:"quiet_hour_start"` // e.g. 23
	QuietHourEnd   int  `yaml:"quiet_hour_end"`   // e.g. 5, wraps past midnight
}

// TracingConfig gates OpenTelemetry span export. Off by default; when
// enabled, spans are written to stdout as pretty-printed JSON.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// KafkaConfig optionally mirrors fired scheduled items onto a Kafka topic,
// alongside (never instead of) the direct in-process FireFunc dispatch.
// Off by default; comma-separated Brokers, e.g. "localhost:9092".
type KafkaConfig struct {
	Enabled bool   `yaml:"enabled"`
	Brokers string `yaml:"brokers"`
	Topic   string `yaml:"topic"`
}

// DebugConfig gates development-only diagnostics. All default to off.
type DebugConfig struct {
	// DumpSystemPrompt writes each turn's assembled system prompt to DumpDir.
	DumpSystemPrompt bool   `yaml:"dump_system_prompt"`
	DumpDir          string `yaml:"dump_dir"`
}

// OllamaAPIConfig defines the optional Ollama-compatible API server.
// When enabled, Mnemo exposes an Ollama-compatible API on a separate port
// for integration with Ollama-speaking clients.
type OllamaAPIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`    // Default: 11434
}

// EmbeddingsConfig defines embedding generation settings.
type EmbeddingsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Model   string `yaml:"model"`   // Embedding model name (e.g., nomic-embed-text)
	BaseURL string `yaml:"baseurl"` // Ollama URL (defaults to models.ollama_url)
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ModelsConfig defines model routing settings.
type ModelsConfig struct {
	Default    string        `yaml:"default"`
	OllamaURL  string        `yaml:"ollama_url"`
	LocalFirst bool          `yaml:"local_first"`
	Available  []ModelConfig `yaml:"available"`
}

// ModelConfig defines a single model's capabilities.
type ModelConfig struct {
	Name          string `yaml:"name"`
	Provider      string `yaml:"provider"` // ollama, anthropic, openai
	SupportsTools bool   `yaml:"supports_tools"`
	ContextWindow int    `yaml:"context_window"`
	Speed         int    `yaml:"speed"`          // 1-10
	Quality       int    `yaml:"quality"`        // 1-10
	CostTier      int    `yaml:"cost_tier"`      // 0=local, 1=cheap, 2=moderate, 3=expensive
	MinComplexity string `yaml:"min_complexity"` // simple, moderate, complex
}

// Configured reports whether an Anthropic API key is present.
func (c AnthropicConfig) Configured() bool {
	return c.APIKey != ""
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates
// the result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${HOME}, ${ANTHROPIC_API_KEY}).
	// This is a convenience for container deployments; the recommended
	// approach is to put values directly in the config file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Models.OllamaURL == "" {
		c.Models.OllamaURL = "http://localhost:11434"
	}
	if c.OllamaAPI.Port == 0 {
		c.OllamaAPI.Port = 11434
	}
	if c.Embeddings.Model == "" {
		c.Embeddings.Model = "nomic-embed-text"
	}
	if c.Embeddings.BaseURL == "" {
		c.Embeddings.BaseURL = c.Models.OllamaURL
	}
	if c.Gardener.LightTickMin == 0 {
		c.Gardener.LightTickMin = 15
	}
	if c.Gardener.DeepTickHour == 0 {
		c.Gardener.DeepTickHour = 4
	}
	if c.Gardener.SleepTickHour == 0 {
		c.Gardener.SleepTickHour = 3
	}
	if c.Gardener.QuietHourStart == 0 {
		c.Gardener.QuietHourStart = 23
	}
	if c.Gardener.QuietHourEnd == 0 {
		c.Gardener.QuietHourEnd = 5
	}
	if c.Debug.DumpSystemPrompt && c.Debug.DumpDir == "" {
		c.Debug.DumpDir = "./debug"
	}
	if c.Timezone == "" {
		c.Timezone = "Local"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "mnemo"
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "mnemo.scheduled-items.fired"
	}

	// Ensure each model has a provider (default: ollama)
	for i := range c.Models.Available {
		if c.Models.Available[i].Provider == "" {
			c.Models.Available[i].Provider = "ollama"
		}
	}
}

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range (1-65535)", c.Listen.Port)
	}
	if c.OllamaAPI.Enabled && (c.OllamaAPI.Port < 1 || c.OllamaAPI.Port > 65535) {
		return fmt.Errorf("ollama_api.port %d out of range (1-65535)", c.OllamaAPI.Port)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// ContextWindowForModel returns the context window size for the named
// model, or defaultSize if the model is not found in the configuration.
func (c *Config) ContextWindowForModel(name string, defaultSize int) int {
	for _, m := range c.Models.Available {
		if m.Name == name {
			return m.ContextWindow
		}
	}
	return defaultSize
}

// Default returns a default configuration suitable for local development
// with Ollama. All defaults are already applied.
func Default() *Config {
	cfg := &Config{
		Models: ModelsConfig{
			Default:    "qwen3:4b",
			LocalFirst: true,
			Available: []ModelConfig{
				{
					Name:          "qwen3:4b",
					Provider:      "ollama",
					SupportsTools: true,
					ContextWindow: 4096,
					Speed:         9,
					Quality:       5,
					CostTier:      0,
					MinComplexity: "simple",
				},
				{
					Name:          "qwen2.5:72b",
					Provider:      "ollama",
					SupportsTools: true,
					ContextWindow: 32768,
					Speed:         4,
					Quality:       8,
					CostTier:      0,
					MinComplexity: "moderate",
				},
			},
		},
	}
	cfg.applyDefaults()
	return cfg
}
