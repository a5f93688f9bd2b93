// Package config provides configuration for the heartbeat delivery agent.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"

	agenterrors "github.com/kate-wakatime/wakatime-agent/internal/errors"
)

// AgentVersion is stamped at build time with -ldflags "-X ...".
var AgentVersion = "dev"

// Transport selects how heartbeats leave the machine.
type Transport string

const (
	TransportHTTP Transport = "http"
	TransportCLI  Transport = "cli"
)

const (
	DefaultAPIURL     = "https://api.wakatime.com/api/v1/"
	DefaultQueuePath  = "~/.wakatime.db"
	DefaultConfigFile = "~/.wakatime.cfg"
	DefaultListenAddr = "127.0.0.1:9770"

	// API keys are UUIDs, optionally prefixed with "waka_".
	minAPIKeyLen = 36
	maxAPIKeyLen = 41

	settingsSection = "settings"
	agentSection    = "agent"
)

// Config holds the agent configuration.
type Config struct {
	// APIKey authenticates heartbeats; blank means unset
	APIKey string `json:"api_key" yaml:"api_key" toml:"api_key"`

	// APIURL is the base of the heartbeat API
	APIURL string `json:"api_url" yaml:"api_url" toml:"api_url"`

	HideFilenames bool `json:"hide_filenames" yaml:"hide_filenames" toml:"hide_filenames"`

	// QueuePath is the sqlite file of the durable queue
	QueuePath string `json:"queue_path" yaml:"queue_path" toml:"queue_path"`

	// Transport is http or cli
	Transport Transport `json:"transport" yaml:"transport" toml:"transport"`

	// CLIPath pins the wakatime helper; empty means look it up
	CLIPath string `json:"cli_path" yaml:"cli_path" toml:"cli_path"`

	// SingleViaBulk posts single heartbeats to the bulk endpoint
	SingleViaBulk bool `json:"single_via_bulk" yaml:"single_via_bulk" toml:"single_via_bulk"`

	Plugin  string        `json:"plugin" yaml:"plugin" toml:"plugin"`
	Timeout time.Duration `json:"timeout" yaml:"timeout" toml:"timeout"`

	ThrottleInterval time.Duration `json:"throttle_interval" yaml:"throttle_interval" toml:"throttle_interval"`
	BatchSize        int           `json:"batch_size" yaml:"batch_size" toml:"batch_size"`
	FlushInterval    time.Duration `json:"flush_interval" yaml:"flush_interval" toml:"flush_interval"`
	FlushMaxBackoff  time.Duration `json:"flush_max_backoff" yaml:"flush_max_backoff" toml:"flush_max_backoff"`

	// ListenAddr is the local API address; empty disables it
	ListenAddr string `json:"listen_addr" yaml:"listen_addr" toml:"listen_addr"`

	LogLevel string `json:"log_level" yaml:"log_level" toml:"log_level"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		APIURL:           DefaultAPIURL,
		QueuePath:        DefaultQueuePath,
		Transport:        TransportHTTP,
		Plugin:           "ktexteditor-wakatime/" + AgentVersion,
		Timeout:          30 * time.Second,
		ThrottleInterval: 2 * time.Minute,
		BatchSize:        25,
		FlushInterval:    5 * time.Minute,
		FlushMaxBackoff:  30 * time.Minute,
		ListenAddr:       DefaultListenAddr,
		LogLevel:         "info",
	}
}

// DefaultPath returns the config file location, honoring WAKATIME_HOME.
func DefaultPath() string {
	if home := os.Getenv("WAKATIME_HOME"); home != "" {
		return filepath.Join(home, ".wakatime.cfg")
	}
	return expandHome(DefaultConfigFile)
}

// Resolve trims values and expands ~ in paths.
func (c *Config) Resolve() {
	c.APIKey = strings.TrimSpace(c.APIKey)
	c.APIURL = strings.TrimSpace(c.APIURL)
	if c.APIURL == "" {
		c.APIURL = DefaultAPIURL
	}
	if !strings.HasSuffix(c.APIURL, "/") {
		c.APIURL += "/"
	}
	if c.QueuePath == "" {
		c.QueuePath = DefaultQueuePath
	}
	c.QueuePath = expandHome(c.QueuePath)
	c.CLIPath = expandHome(c.CLIPath)
	c.Transport = Transport(strings.ToLower(string(c.Transport)))
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
}

// HasAPIKey reports whether an API key is configured.
func (c *Config) HasAPIKey() bool {
	return strings.TrimSpace(c.APIKey) != ""
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if key := strings.TrimSpace(c.APIKey); key != "" {
		if len(key) < minAPIKeyLen || len(key) > maxAPIKeyLen {
			return agenterrors.NewConfigError(fmt.Sprintf("api_key must be %d to %d characters, got %d", minAPIKeyLen, maxAPIKeyLen, len(key)))
		}
	}

	u, err := url.Parse(c.APIURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return agenterrors.NewConfigError(fmt.Sprintf("invalid api_url: %q", c.APIURL))
	}

	switch c.Transport {
	case TransportHTTP, TransportCLI:
	default:
		return agenterrors.NewConfigError(fmt.Sprintf("invalid transport: %s (must be http or cli)", c.Transport))
	}

	if c.QueuePath == "" {
		return agenterrors.NewConfigError("queue_path is required")
	}
	if c.BatchSize < 1 {
		return agenterrors.NewConfigError(fmt.Sprintf("batch_size must be positive, got %d", c.BatchSize))
	}
	if c.Timeout <= 0 || c.FlushInterval <= 0 || c.FlushMaxBackoff <= 0 {
		return agenterrors.NewConfigError("timeout, flush_interval and flush_max_backoff must be positive")
	}
	if c.ThrottleInterval < 0 {
		return agenterrors.NewConfigError("throttle_interval must not be negative")
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return agenterrors.NewConfigError(err.Error())
	}
	return nil
}

// Level returns the slog level for LogLevel, defaulting to info.
func (c *Config) Level() slog.Level {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log_level: %s", s)
	}
	return level, nil
}

// LoadFromFile loads configuration from a wakatime INI (.cfg, .ini), YAML,
// TOML or JSON file. Keys absent from the file keep their defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".cfg", ".ini":
		if err := loadINI(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse INI config: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse TOML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// loadINI reads the wakatime [settings] section plus the optional [agent]
// section.
func loadINI(data []byte, cfg *Config) error {
	f, err := ini.Load(data)
	if err != nil {
		return err
	}

	settings := f.Section(settingsSection)
	if settings.HasKey("api_key") {
		cfg.APIKey = settings.Key("api_key").String()
	}
	if settings.HasKey("api_url") {
		cfg.APIURL = settings.Key("api_url").String()
	}
	if settings.HasKey("hidefilenames") {
		v, err := settings.Key("hidefilenames").Bool()
		if err != nil {
			return fmt.Errorf("settings.hidefilenames: %w", err)
		}
		cfg.HideFilenames = v
	}

	agent := f.Section(agentSection)
	strs := map[string]*string{
		"queue_path":  &cfg.QueuePath,
		"cli_path":    &cfg.CLIPath,
		"plugin":      &cfg.Plugin,
		"listen_addr": &cfg.ListenAddr,
		"log_level":   &cfg.LogLevel,
	}
	for name, dst := range strs {
		if agent.HasKey(name) {
			*dst = agent.Key(name).String()
		}
	}
	if agent.HasKey("transport") {
		cfg.Transport = Transport(agent.Key("transport").String())
	}
	if agent.HasKey("single_via_bulk") {
		v, err := agent.Key("single_via_bulk").Bool()
		if err != nil {
			return fmt.Errorf("agent.single_via_bulk: %w", err)
		}
		cfg.SingleViaBulk = v
	}
	if agent.HasKey("batch_size") {
		v, err := agent.Key("batch_size").Int()
		if err != nil {
			return fmt.Errorf("agent.batch_size: %w", err)
		}
		cfg.BatchSize = v
	}

	durations := map[string]*time.Duration{
		"timeout":           &cfg.Timeout,
		"throttle_interval": &cfg.ThrottleInterval,
		"flush_interval":    &cfg.FlushInterval,
		"flush_max_backoff": &cfg.FlushMaxBackoff,
	}
	for name, dst := range durations {
		if !agent.HasKey(name) {
			continue
		}
		d, err := agent.Key(name).Duration()
		if err != nil {
			return fmt.Errorf("agent.%s: %w", name, err)
		}
		*dst = d
	}
	return nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the WAKATIME_ prefix.
func LoadFromEnv(cfg *Config) {
	applyEnv(cfg, os.Getenv)
}

// LoadFromEnvFile applies WAKATIME_ variables from a dotenv file without
// touching the process environment.
func LoadFromEnvFile(cfg *Config, path string) error {
	vars, err := godotenv.Read(path)
	if err != nil {
		return fmt.Errorf("failed to read env file: %w", err)
	}
	applyEnv(cfg, func(name string) string { return vars[name] })
	return nil
}

func applyEnv(cfg *Config, getenv func(string) string) {
	if v := getenv("WAKATIME_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := getenv("WAKATIME_API_URL"); v != "" {
		cfg.APIURL = v
	}
	if v := getenv("WAKATIME_HIDE_FILENAMES"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.HideFilenames = b
		}
	}
	if v := getenv("WAKATIME_QUEUE_PATH"); v != "" {
		cfg.QueuePath = v
	}
	if v := getenv("WAKATIME_TRANSPORT"); v != "" {
		cfg.Transport = Transport(v)
	}
	if v := getenv("WAKATIME_CLI_PATH"); v != "" {
		cfg.CLIPath = v
	}
	if v := getenv("WAKATIME_PLUGIN"); v != "" {
		cfg.Plugin = v
	}
	if v := getenv("WAKATIME_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := getenv("WAKATIME_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("WAKATIME_BATCH_SIZE"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.BatchSize)
	}

	durations := map[string]*time.Duration{
		"WAKATIME_TIMEOUT":           &cfg.Timeout,
		"WAKATIME_THROTTLE_INTERVAL": &cfg.ThrottleInterval,
		"WAKATIME_FLUSH_INTERVAL":    &cfg.FlushInterval,
		"WAKATIME_FLUSH_MAX_BACKOFF": &cfg.FlushMaxBackoff,
	}
	for name, dst := range durations {
		if v := getenv(name); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}
}

// Save writes the configuration to path in the format implied by its
// extension. For INI files, keys this package does not own are preserved.
func (c *Config) Save(path string) error {
	var (
		data []byte
		err  error
	)

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".cfg", ".ini":
		return c.saveINI(path)
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	case ".toml":
		var buf strings.Builder
		err = toml.NewEncoder(&buf).Encode(c)
		data = []byte(buf.String())
	case ".json":
		data, err = json.MarshalIndent(c, "", "  ")
	default:
		return fmt.Errorf("unsupported config file format: %s", ext)
	}
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return writeFile(path, data)
}

func (c *Config) saveINI(path string) error {
	f, err := ini.LooseLoad(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	settings := f.Section(settingsSection)
	settings.Key("api_key").SetValue(c.APIKey)
	settings.Key("api_url").SetValue(c.APIURL)
	settings.Key("hidefilenames").SetValue(strconv.FormatBool(c.HideFilenames))

	agent := f.Section(agentSection)
	agent.Key("queue_path").SetValue(c.QueuePath)
	agent.Key("transport").SetValue(string(c.Transport))
	agent.Key("cli_path").SetValue(c.CLIPath)
	agent.Key("single_via_bulk").SetValue(strconv.FormatBool(c.SingleViaBulk))
	agent.Key("plugin").SetValue(c.Plugin)
	agent.Key("timeout").SetValue(c.Timeout.String())
	agent.Key("throttle_interval").SetValue(c.ThrottleInterval.String())
	agent.Key("batch_size").SetValue(strconv.Itoa(c.BatchSize))
	agent.Key("flush_interval").SetValue(c.FlushInterval.String())
	agent.Key("flush_max_backoff").SetValue(c.FlushMaxBackoff.String())
	agent.Key("listen_addr").SetValue(c.ListenAddr)
	agent.Key("log_level").SetValue(c.LogLevel)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", filepath.Dir(path), err)
	}
	if err := f.SaveTo(path); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return os.Chmod(path, 0o600)
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
