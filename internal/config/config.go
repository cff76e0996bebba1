// Package config handles verdict configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/verdict/config.yaml, /etc/verdict/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "verdict", "config.yaml"))
	}

	paths = append(paths, "/etc/verdict/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all verdict configuration.
type Config struct {
	OneBot    OneBotConfig  `yaml:"onebot"`
	OpenAI    OpenAIConfig  `yaml:"openai"`
	Allow     AllowConfig   `yaml:"allow"`
	Prompts   PromptsConfig `yaml:"prompts"`
	Render    RenderConfig  `yaml:"render"`
	DataDir   string        `yaml:"data_dir"`
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"`
}

// OneBotConfig defines the connection to the OneBot v11 endpoint
// (NapCat, go-cqhttp, Lagrange, ...) in forward-WebSocket mode.
type OneBotConfig struct {
	// URL is the forward WebSocket address, e.g. ws://127.0.0.1:3001.
	URL string `yaml:"url"`
	// AccessToken is sent as a bearer Authorization header when set.
	AccessToken string `yaml:"access_token"`
	// CommandPrefix precedes every trigger word, e.g. "/" for "/judge".
	// An empty prefix makes bare trigger words match.
	CommandPrefix string `yaml:"command_prefix"`
}

// Configured reports whether an OneBot endpoint has been set.
func (c OneBotConfig) Configured() bool {
	return c.URL != ""
}

// OpenAIConfig defines the completion API settings. Any endpoint speaking
// the OpenAI chat-completions protocol works here.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// Configured reports whether completion credentials have been set.
func (c OpenAIConfig) Configured() bool {
	return c.APIKey != ""
}

// AllowConfig holds the user and group allow-lists. Both empty means the
// bot answers nobody.
type AllowConfig struct {
	Users  []int64 `yaml:"users"`
	Groups []int64 `yaml:"groups"`
}

// PromptsConfig defines where prompt templates live and which one is the
// fallback when a trigger word has no mapping.
type PromptsConfig struct {
	// Dir is the template directory scanned by the registry.
	Dir string `yaml:"dir"`
	// Default is the template filename used when selection falls through.
	Default string `yaml:"default"`
	// Watch enables fsnotify-driven registry refresh on directory changes.
	Watch bool `yaml:"watch"`
}

// RenderConfig defines how answer markdown is turned into an image.
type RenderConfig struct {
	// Width is the CSS pixel width of the rendered page body.
	Width int `yaml:"width"`
	// Scale is the device scale factor (2 renders at roughly 220 dpi).
	Scale float64 `yaml:"scale"`
	// BrowserPath pins the Chrome/Chromium binary. Empty lets the
	// launcher find or fetch one.
	BrowserPath string `yaml:"browser_path"`
	// Disabled skips the browser entirely; every reply degrades to text.
	Disabled bool `yaml:"disabled"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills in zero-valued fields with working defaults.
func (c *Config) applyDefaults() {
	if c.OneBot.URL == "" {
		c.OneBot.URL = "ws://127.0.0.1:3001"
	}
	if c.OneBot.CommandPrefix == "" {
		c.OneBot.CommandPrefix = "/"
	}
	if c.OpenAI.BaseURL == "" {
		c.OpenAI.BaseURL = "https://api.openai.com/v1"
	}
	if c.OpenAI.Model == "" {
		c.OpenAI.Model = "gpt-4o-mini"
	}
	if c.Prompts.Dir == "" {
		c.Prompts.Dir = "prompts"
	}
	if c.Prompts.Default == "" {
		c.Prompts.Default = "alignment.md"
	}
	if c.Render.Width == 0 {
		c.Render.Width = 900
	}
	if c.Render.Scale == 0 {
		c.Render.Scale = 2.0
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// Validate rejects configurations that cannot work. It runs after
// applyDefaults, so only genuinely broken values remain to catch.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("log_format: %q (valid: text, json)", c.LogFormat)
	}
	if c.Render.Width < 0 {
		return fmt.Errorf("render.width: %d (must be positive)", c.Render.Width)
	}
	if c.Render.Scale < 0 {
		return fmt.Errorf("render.scale: %v (must be positive)", c.Render.Scale)
	}
	if strings.Contains(c.Prompts.Default, string(os.PathSeparator)) {
		return fmt.Errorf("prompts.default: %q (a filename inside prompts.dir, not a path)", c.Prompts.Default)
	}
	return nil
}
