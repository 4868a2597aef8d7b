// Package config handles Chatty configuration loading.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order used when no
// explicit path is given: ./config.yaml, ~/.config/chatty/config.yaml,
// /etc/chatty/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "chatty", "config.yaml"))
	}

	return append(paths, "/etc/chatty/config.yaml")
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise the first existing entry of DefaultSearchPaths is returned.
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

// Config holds all Chatty configuration.
type Config struct {
	Listen        ListenConfig        `yaml:"listen"`
	Models        ModelsConfig        `yaml:"models"`
	Anthropic     AnthropicConfig     `yaml:"anthropic"`
	Agent         AgentConfig         `yaml:"agent"`
	Sandbox       SandboxConfig       `yaml:"sandbox"`
	Tasks         TasksConfig         `yaml:"tasks"`
	Sessions      SessionsConfig      `yaml:"sessions"`
	Usage         UsageConfig         `yaml:"usage"`
	Search        SearchConfig        `yaml:"search"`
	Weather       WeatherConfig       `yaml:"weather"`
	Stocks        StocksConfig        `yaml:"stocks"`
	Calendar      CalendarConfig      `yaml:"calendar"`
	HomeAssistant HomeAssistantConfig `yaml:"homeassistant"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	DataDir       string              `yaml:"data_dir"`
	LogLevel      string              `yaml:"log_level"`
	// LogFile, when set, receives a JSON copy of every log record in
	// addition to the text output on stdout.
	LogFile string `yaml:"log_file"`
}

// ListenConfig defines the HTTP server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ModelsConfig defines model routing settings.
type ModelsConfig struct {
	Default   string        `yaml:"default"`
	OllamaURL string        `yaml:"ollama_url"`
	Available []ModelConfig `yaml:"available"`
}

// ModelConfig maps a model name to the provider that serves it.
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"` // ollama, anthropic
	// Prices in USD per million tokens, for usage accounting. Local
	// models are free.
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// Cost prices a token count for model. Unlisted models cost nothing.
func (c ModelsConfig) Cost(model string, inputTokens, outputTokens int) float64 {
	for _, m := range c.Available {
		if m.Name == model {
			return float64(inputTokens)/1e6*m.InputPerMillion + float64(outputTokens)/1e6*m.OutputPerMillion
		}
	}
	return 0
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey    string `yaml:"api_key"`
	MaxTokens int    `yaml:"max_tokens"`
}

// AgentConfig bounds the tool dispatch loop.
type AgentConfig struct {
	// MaxToolRounds is how many model→tools→model rounds one turn may
	// take before the runtime gives up with a degraded answer.
	MaxToolRounds int `yaml:"max_tool_rounds"`
	// MaxParallelTools caps concurrent tool calls within a round.
	// 1 means strictly sequential dispatch.
	MaxParallelTools int           `yaml:"max_parallel_tools"`
	TurnTimeout      time.Duration `yaml:"turn_timeout"`
	SystemPrompt     string        `yaml:"system_prompt"`
}

// SandboxConfig limits code execution.
type SandboxConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	MaxSteps       uint64        `yaml:"max_steps"`
	MaxOutputBytes int           `yaml:"max_output_bytes"`
	// AllowedModules restricts which library modules snippets may load.
	// Empty means the built-in allow-list (math, json, time).
	AllowedModules []string `yaml:"allowed_modules"`
}

// TasksConfig defines the scheduled task store.
type TasksConfig struct {
	// DBPath defaults to <data_dir>/tasks.db.
	DBPath        string        `yaml:"db_path"`
	CheckInterval time.Duration `yaml:"check_interval"`
	// Timezone is the IANA zone used for cron expressions and floating
	// VEVENT times. Empty means the process local zone.
	Timezone string `yaml:"timezone"`
}

// SessionsConfig controls session lifetime and the transcript archive.
type SessionsConfig struct {
	// Archive keeps transcripts of reset and ended sessions.
	Archive bool `yaml:"archive"`
	// ArchivePath defaults to <data_dir>/sessions.db.
	ArchivePath string `yaml:"archive_path"`
	// IdleTimeout ends sessions with no activity for this long. Zero
	// keeps sessions until shutdown.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// UsageConfig controls token usage accounting.
type UsageConfig struct {
	// DBPath defaults to <data_dir>/usage.db.
	DBPath string `yaml:"db_path"`
}

// SearchConfig selects web search providers.
type SearchConfig struct {
	Default string        `yaml:"default"`
	SearXNG SearXNGConfig `yaml:"searxng"`
	Brave   BraveConfig   `yaml:"brave"`
}

// SearXNGConfig points at a self-hosted SearXNG instance.
type SearXNGConfig struct {
	URL string `yaml:"url"`
}

// BraveConfig holds the Brave Search API key.
type BraveConfig struct {
	APIKey string `yaml:"api_key"`
}

// WeatherConfig defines the weather and geolocation endpoints.
type WeatherConfig struct {
	Enabled     bool   `yaml:"enabled"`
	APIURL      string `yaml:"api_url"`      // default https://api.weather.gov
	LocationURL string `yaml:"location_url"` // default http://ip-api.com/json/
	// RequestsPerMinute throttles calls to the public endpoints.
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

// StocksConfig defines the quote endpoint used by get_stock_price.
type StocksConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIURL  string `yaml:"api_url"` // default https://query1.finance.yahoo.com
}

// CalendarConfig points at one CalDAV calendar collection.
type CalendarConfig struct {
	// URL is the collection itself, e.g.
	// https://dav.example.com/calendars/me/home/
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Configured reports whether a calendar URL was set.
func (c CalendarConfig) Configured() bool { return c.URL != "" }

// HomeAssistantConfig defines HA connection settings.
type HomeAssistantConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// MQTTConfig defines the broker used for device commands and status.
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // e.g. mqtt://localhost:1883
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	// DiscoveryPrefix is where Home Assistant listens for MQTT
	// discovery configs.
	DiscoveryPrefix string        `yaml:"discovery_prefix"`
	PublishInterval time.Duration `yaml:"publish_interval"`
}

// Configured reports whether a broker was set.
func (c MQTTConfig) Configured() bool { return c.Broker != "" }

// Configured reports whether both URL and token were set.
func (c HomeAssistantConfig) Configured() bool { return c.URL != "" && c.Token != "" }

// Load reads configuration from a YAML file, expanding ${VAR}
// references, and applies defaults for anything left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a configuration that talks to a local Ollama and keeps
// its data under ./data.
func Default() *Config {
	cfg := &Config{
		Models: ModelsConfig{
			Default: "gpt-oss:20b",
			Available: []ModelConfig{
				{Name: "gpt-oss:20b", Provider: "ollama"},
			},
		},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.Models.OllamaURL == "" {
		c.Models.OllamaURL = "http://localhost:11434"
	}
	if c.Anthropic.MaxTokens == 0 {
		c.Anthropic.MaxTokens = 4096
	}
	if c.Agent.MaxToolRounds == 0 {
		c.Agent.MaxToolRounds = 8
	}
	if c.Agent.MaxParallelTools == 0 {
		c.Agent.MaxParallelTools = 4
	}
	if c.Agent.TurnTimeout == 0 {
		c.Agent.TurnTimeout = 5 * time.Minute
	}
	if c.Sandbox.Timeout == 0 {
		c.Sandbox.Timeout = 10 * time.Second
	}
	if c.Sandbox.MaxSteps == 0 {
		c.Sandbox.MaxSteps = 10_000_000
	}
	if c.Sandbox.MaxOutputBytes == 0 {
		c.Sandbox.MaxOutputBytes = 16 * 1024
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.Tasks.DBPath == "" {
		c.Tasks.DBPath = filepath.Join(c.DataDir, "tasks.db")
	}
	if c.Sessions.ArchivePath == "" {
		c.Sessions.ArchivePath = filepath.Join(c.DataDir, "sessions.db")
	}
	if c.Usage.DBPath == "" {
		c.Usage.DBPath = filepath.Join(c.DataDir, "usage.db")
	}
	if c.Tasks.CheckInterval == 0 {
		c.Tasks.CheckInterval = 5 * time.Second
	}
	if c.Weather.APIURL == "" {
		c.Weather.APIURL = "https://api.weather.gov"
	}
	if c.Weather.LocationURL == "" {
		c.Weather.LocationURL = "http://ip-api.com/json/"
	}
	if c.Weather.RequestsPerMinute == 0 {
		c.Weather.RequestsPerMinute = 30
	}
	if c.Stocks.APIURL == "" {
		c.Stocks.APIURL = "https://query1.finance.yahoo.com"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "chatty"
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.PublishInterval <= 0 {
		c.MQTT.PublishInterval = time.Minute
	}
}

// Validate checks value ranges that defaults cannot fix.
func (c *Config) Validate() error {
	var errs []error
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if c.Agent.MaxToolRounds < 1 {
		errs = append(errs, fmt.Errorf("agent.max_tool_rounds must be at least 1, got %d", c.Agent.MaxToolRounds))
	}
	if c.Agent.MaxParallelTools < 1 {
		errs = append(errs, fmt.Errorf("agent.max_parallel_tools must be at least 1, got %d", c.Agent.MaxParallelTools))
	}
	if c.Sandbox.Timeout < 0 {
		errs = append(errs, errors.New("sandbox.timeout must not be negative"))
	}
	if c.Tasks.CheckInterval < 0 {
		errs = append(errs, errors.New("tasks.check_interval must not be negative"))
	}
	if c.Sessions.IdleTimeout < 0 {
		errs = append(errs, errors.New("sessions.idle_timeout must not be negative"))
	}
	if c.Tasks.Timezone != "" {
		if _, err := time.LoadLocation(c.Tasks.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("tasks.timezone: %w", err))
		}
	}
	if c.Calendar.URL != "" {
		if u, err := url.Parse(c.Calendar.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("calendar.url %q must be an http(s) URL", c.Calendar.URL))
		}
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	for _, m := range c.Models.Available {
		switch m.Provider {
		case "ollama", "anthropic":
		default:
			errs = append(errs, fmt.Errorf("model %q: unknown provider %q", m.Name, m.Provider))
		}
		if m.InputPerMillion < 0 || m.OutputPerMillion < 0 {
			errs = append(errs, fmt.Errorf("model %q: prices must not be negative", m.Name))
		}
	}
	return errors.Join(errs...)
}

// Location resolves the task timezone.
func (c TasksConfig) Location() *time.Location {
	if c.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}
