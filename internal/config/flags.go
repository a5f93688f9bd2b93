package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/spf13/pflag"
)

// Flags holds the command line overrides shared by the agent binaries.
// Only flags that were set on the command line override file and
// environment values.
type Flags struct {
	ConfigFile string
	EnvFile    string

	APIKey        string
	APIURL        string
	HideFilenames bool
	QueuePath     string
	Transport     string
	CLIPath       string
	Plugin        string
	Timeout       time.Duration
	LogLevel      string

	flagSet *pflag.FlagSet
}

// AddFlags registers the shared flags on flagSet.
func (f *Flags) AddFlags(flagSet *pflag.FlagSet) {
	f.flagSet = flagSet
	flagSet.StringVar(&f.ConfigFile, "config", "", "config file (.cfg, .yaml, .toml or .json; default ~/.wakatime.cfg)")
	flagSet.StringVar(&f.EnvFile, "env-file", "", "dotenv file with WAKATIME_ variables")
	flagSet.StringVar(&f.APIKey, "key", "", "wakatime api key")
	flagSet.StringVar(&f.APIURL, "api-url", "", "heartbeat api base url")
	flagSet.BoolVar(&f.HideFilenames, "hide-filenames", false, "obfuscate file names before sending")
	flagSet.StringVar(&f.QueuePath, "queue", "", "path of the offline queue database")
	flagSet.StringVar(&f.Transport, "transport", "", "http or cli")
	flagSet.StringVar(&f.CLIPath, "cli-path", "", "path of the wakatime-cli helper")
	flagSet.StringVar(&f.Plugin, "plugin", "", "plugin identifier sent in the User-Agent")
	flagSet.DurationVar(&f.Timeout, "timeout", 0, "timeout of one delivery attempt")
	flagSet.StringVar(&f.LogLevel, "log-level", "", "debug, info, warn or error")
}

// Load layers defaults, the config file, the env file, WAKATIME_
// environment variables and the flags that were set, in that order. A missing default config
// file is not an error; a missing explicit one is.
func (f *Flags) Load() (*Config, error) {
	path := f.ConfigFile
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		cfg = DefaultConfig()
	}

	if f.EnvFile != "" {
		if err := LoadFromEnvFile(cfg, f.EnvFile); err != nil {
			return nil, err
		}
	}
	LoadFromEnv(cfg)
	f.apply(cfg)
	return cfg, nil
}

func (f *Flags) changed(name string) bool {
	return f.flagSet != nil && f.flagSet.Changed(name)
}

func (f *Flags) apply(cfg *Config) {
	if f.changed("key") {
		cfg.APIKey = f.APIKey
	}
	if f.changed("api-url") {
		cfg.APIURL = f.APIURL
	}
	if f.changed("hide-filenames") {
		cfg.HideFilenames = f.HideFilenames
	}
	if f.changed("queue") {
		cfg.QueuePath = f.QueuePath
	}
	if f.changed("transport") {
		cfg.Transport = Transport(f.Transport)
	}
	if f.changed("cli-path") {
		cfg.CLIPath = f.CLIPath
	}
	if f.changed("plugin") {
		cfg.Plugin = f.Plugin
	}
	if f.changed("timeout") {
		cfg.Timeout = f.Timeout
	}
	if f.changed("log-level") {
		cfg.LogLevel = f.LogLevel
	}
}

// Describe returns a one-line summary for startup logs; the API key is
// never included.
func (c *Config) Describe() string {
	return fmt.Sprintf("transport=%s api_url=%s queue=%s hide_filenames=%t key_set=%t",
		c.Transport, c.APIURL, c.QueuePath, c.HideFilenames, c.HasAPIKey())
}
