// ABOUTME: Configuration loading and parsing for the chatmate client
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Defaults used when the config file leaves a field empty.
const (
	DefaultAPIURL            = "http://localhost:8000/api/v1"
	DefaultWSURL             = "ws://localhost:8000/ws"
	DefaultRefreshPath       = "/account/refresh/"
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultTombstoneTTL      = 5 * time.Minute
	DefaultDeleteRate        = 10.0
	DefaultDeleteBurst       = 5
	DefaultGreeting          = "안녕하세요! Steam 게임 추천 챗봇입니다."
	DefaultPlaceholder       = "게임 추천을 위해 열심히 생각하고 있어요! \n🎮 10~20초 정도 걸릴 것 같아요~"
)

// Config represents the complete chatmate client configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Auth     AuthConfig     `yaml:"auth" toml:"auth"`
	Chat     ChatConfig     `yaml:"chat" toml:"chat"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
}

// ServerConfig holds the backend endpoints
type ServerConfig struct {
	APIURL string `yaml:"api_url" toml:"api_url"`
	WSURL  string `yaml:"ws_url" toml:"ws_url"`
}

// AuthConfig holds credential bootstrap and refresh settings
type AuthConfig struct {
	RefreshPath  string `yaml:"refresh_path" toml:"refresh_path"`
	Token        string `yaml:"token" toml:"token"`                 // optional access token, usually "${CHATMATE_TOKEN}"
	RefreshToken string `yaml:"refresh_token" toml:"refresh_token"` // optional refresh token
}

// ChatConfig holds conversation behaviour and timing
type ChatConfig struct {
	HeartbeatInterval time.Duration `yaml:"-" toml:"-"`
	TombstoneTTL      time.Duration `yaml:"-" toml:"-"`

	// Raw string values for YAML/TOML unmarshaling
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	TombstoneTTLRaw      string `yaml:"tombstone_ttl" toml:"tombstone_ttl"`

	Greeting     string  `yaml:"greeting" toml:"greeting"`
	Placeholder  string  `yaml:"placeholder" toml:"placeholder"`
	GreetHistory *bool   `yaml:"greet_history" toml:"greet_history"`
	DeleteRate   float64 `yaml:"delete_rate" toml:"delete_rate"`   // message deletes per second during edits
	DeleteBurst  int     `yaml:"delete_burst" toml:"delete_burst"` // burst size for the delete limiter
}

// GreetsHistory reports whether hydrated history gets the greeting prepended.
func (c ChatConfig) GreetsHistory() bool {
	return c.GreetHistory == nil || *c.GreetHistory
}

// DatabaseConfig holds the credential store location
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// LoadOrDefault loads the file at path, falling back to Default when the file
// does not exist. Any other error is returned.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path)
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.APIURL == "" {
		c.Server.APIURL = DefaultAPIURL
	}
	if c.Server.WSURL == "" {
		c.Server.WSURL = DefaultWSURL
	}
	c.Server.APIURL = strings.TrimRight(c.Server.APIURL, "/")
	c.Server.WSURL = strings.TrimRight(c.Server.WSURL, "/")

	if c.Auth.RefreshPath == "" {
		c.Auth.RefreshPath = DefaultRefreshPath
	}
	if c.Chat.HeartbeatInterval == 0 {
		c.Chat.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Chat.TombstoneTTL == 0 {
		c.Chat.TombstoneTTL = DefaultTombstoneTTL
	}
	if c.Chat.Greeting == "" {
		c.Chat.Greeting = DefaultGreeting
	}
	if c.Chat.Placeholder == "" {
		c.Chat.Placeholder = DefaultPlaceholder
	}
	if c.Chat.DeleteRate == 0 {
		c.Chat.DeleteRate = DefaultDeleteRate
	}
	if c.Chat.DeleteBurst == 0 {
		c.Chat.DeleteBurst = DefaultDeleteBurst
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	api, err := url.Parse(c.Server.APIURL)
	if err != nil {
		return fmt.Errorf("server.api_url is not a valid URL: %w", err)
	}
	if api.Scheme != "http" && api.Scheme != "https" {
		return fmt.Errorf("server.api_url must use http or https scheme")
	}

	ws, err := url.Parse(c.Server.WSURL)
	if err != nil {
		return fmt.Errorf("server.ws_url is not a valid URL: %w", err)
	}
	if ws.Scheme != "ws" && ws.Scheme != "wss" {
		return fmt.Errorf("server.ws_url must use ws or wss scheme")
	}

	if !strings.HasPrefix(c.Auth.RefreshPath, "/") {
		return fmt.Errorf("auth.refresh_path must start with /")
	}

	if c.Chat.HeartbeatInterval < 0 {
		return fmt.Errorf("chat.heartbeat_interval must be positive")
	}
	if c.Chat.DeleteRate < 0 {
		return fmt.Errorf("chat.delete_rate must not be negative")
	}
	if c.Chat.DeleteBurst < 0 {
		return fmt.Errorf("chat.delete_burst must not be negative")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Chat.HeartbeatIntervalRaw != "" {
		cfg.Chat.HeartbeatInterval, err = time.ParseDuration(cfg.Chat.HeartbeatIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing heartbeat_interval %q: %w", cfg.Chat.HeartbeatIntervalRaw, err)
		}
	}

	if cfg.Chat.TombstoneTTLRaw != "" {
		cfg.Chat.TombstoneTTL, err = time.ParseDuration(cfg.Chat.TombstoneTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing tombstone_ttl %q: %w", cfg.Chat.TombstoneTTLRaw, err)
		}
	}

	return nil
}

// Path returns the path to the client config file.
// Priority: CHATMATE_CONFIG env var > XDG_CONFIG_HOME/chatmate/config.yaml > ~/.config/chatmate/config.yaml
func Path() string {
	if envPath := os.Getenv("CHATMATE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "chatmate", "config.yaml")
}

// DataPath returns the directory holding local client state.
// Priority: XDG_DATA_HOME/chatmate > ~/.local/share/chatmate
func DataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "chatmate")
}
