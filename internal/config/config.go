// Package config maps viper settings onto typed configuration.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/joescharf/astrid/internal/models"
	"github.com/joescharf/astrid/internal/worktree"
)

const (
	EnvPrefix = "ASTRID"
	AppName   = "astrid"

	DefaultMaxTurns       = 30
	DefaultRemoteMaxTurns = 500
	DefaultTimeout        = 30 * time.Minute
	DefaultCommandTimeout = 2 * time.Minute
	DefaultPollInterval   = 5 * time.Second
)

// ProviderConfig holds per-provider settings.
type ProviderConfig struct {
	Model    string
	APIKey   string
	BaseURL  string
	MaxTurns int
	Timeout  time.Duration
}

// WorkerConfig holds the remote worker endpoint.
type WorkerConfig struct {
	URL            string
	Token          string
	PollInterval   time.Duration
	CallTimeout    time.Duration
	ConnectTimeout time.Duration
}

// Config is the process-wide configuration, read once per command.
type Config struct {
	Worktree       worktree.Config
	Providers      map[models.Provider]ProviderConfig
	Worker         WorkerConfig
	CommandTimeout time.Duration
	StateDir       string
	DBPath         string
	MetricsFile    string
}

// LockDir is where per-session lock files live.
func (c Config) LockDir() string {
	return filepath.Join(c.StateDir, "locks")
}

// Provider returns the settings for p, zero-valued when unknown.
func (c Config) Provider(p models.Provider) ProviderConfig {
	return c.Providers[p]
}

// Dir returns ~/.config/astrid.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", AppName), nil
}

var apiKeyEnv = map[models.Provider]string{
	models.ProviderClaude: "ANTHROPIC_API_KEY",
	models.ProviderOpenAI: "OPENAI_API_KEY",
	models.ProviderGemini: "GEMINI_API_KEY",
}

var defaultModels = map[models.Provider]string{
	models.ProviderClaude: "claude-sonnet-4-5",
	models.ProviderOpenAI: "gpt-4.1",
	models.ProviderGemini: "gemini-2.5-pro",
}

// Setup binds the env prefix and registers every default on v.
func Setup(v *viper.Viper, configDir string) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v, configDir)
}

// SetDefaults registers every key with its default value.
func SetDefaults(v *viper.Viper, configDir string) {
	worktree.SetDefaults(v)

	for _, p := range models.Providers {
		prefix := "providers." + string(p) + "."
		v.SetDefault(prefix+"model", defaultModels[p])
		v.SetDefault(prefix+"api_key", "")
		v.SetDefault(prefix+"base_url", "")
		if p == models.ProviderRemote {
			v.SetDefault(prefix+"max_turns", DefaultRemoteMaxTurns)
		} else {
			v.SetDefault(prefix+"max_turns", DefaultMaxTurns)
		}
		v.SetDefault(prefix+"timeout", DefaultTimeout)
	}

	v.SetDefault("worker.url", "ws://localhost:8787/rpc")
	v.SetDefault("worker.token", "")
	v.SetDefault("worker.poll_interval", DefaultPollInterval)
	v.SetDefault("worker.call_timeout", 30*time.Second)
	v.SetDefault("worker.connect_timeout", 10*time.Second)

	v.SetDefault("agent.command_timeout", DefaultCommandTimeout)
	v.SetDefault("state_dir", configDir)
	v.SetDefault("db_path", filepath.Join(configDir, AppName+".db"))
	v.SetDefault("metrics.textfile", "")
}

// Load reads the typed configuration from v at call time.
func Load(v *viper.Viper) Config {
	if v == nil {
		v = viper.GetViper()
	}
	cfg := Config{
		Worktree:  worktree.FromViper(v),
		Providers: make(map[models.Provider]ProviderConfig, len(models.Providers)),
		Worker: WorkerConfig{
			URL:            v.GetString("worker.url"),
			Token:          v.GetString("worker.token"),
			PollInterval:   v.GetDuration("worker.poll_interval"),
			CallTimeout:    v.GetDuration("worker.call_timeout"),
			ConnectTimeout: v.GetDuration("worker.connect_timeout"),
		},
		CommandTimeout: v.GetDuration("agent.command_timeout"),
		StateDir:       v.GetString("state_dir"),
		DBPath:         v.GetString("db_path"),
		MetricsFile:    v.GetString("metrics.textfile"),
	}

	for _, p := range models.Providers {
		prefix := "providers." + string(p) + "."
		pc := ProviderConfig{
			Model:    v.GetString(prefix + "model"),
			APIKey:   v.GetString(prefix + "api_key"),
			BaseURL:  v.GetString(prefix + "base_url"),
			MaxTurns: v.GetInt(prefix + "max_turns"),
			Timeout:  v.GetDuration(prefix + "timeout"),
		}
		if pc.APIKey == "" {
			pc.APIKey = os.Getenv(apiKeyEnv[p])
		}
		if pc.MaxTurns <= 0 {
			pc.MaxTurns = DefaultMaxTurns
		}
		if pc.Timeout <= 0 {
			pc.Timeout = DefaultTimeout
		}
		cfg.Providers[p] = pc
	}

	if cfg.Worker.PollInterval <= 0 {
		cfg.Worker.PollInterval = DefaultPollInterval
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	return cfg
}

// KeyInfo describes a config key for display purposes. FallbackEnv is read
// when neither EnvVar nor the config file sets the key.
type KeyInfo struct {
	Key         string
	EnvVar      string
	FallbackEnv string
	Secret      bool
}

// Keys lists the keys shown by `astrid config show`.
func Keys() []KeyInfo {
	keys := []KeyInfo{
		{Key: "worktree.enabled"},
		{Key: "worktree.base_dir"},
		{Key: "worktree.auto_cleanup"},
	}
	for _, p := range models.Providers {
		prefix := "providers." + string(p) + "."
		keys = append(keys,
			KeyInfo{Key: prefix + "model"},
			KeyInfo{Key: prefix + "api_key", FallbackEnv: apiKeyEnv[p], Secret: true},
			KeyInfo{Key: prefix + "max_turns"},
			KeyInfo{Key: prefix + "timeout"},
		)
	}
	keys = append(keys,
		KeyInfo{Key: "worker.url"},
		KeyInfo{Key: "worker.token", Secret: true},
		KeyInfo{Key: "worker.poll_interval"},
		KeyInfo{Key: "worker.call_timeout"},
		KeyInfo{Key: "agent.command_timeout"},
		KeyInfo{Key: "state_dir"},
		KeyInfo{Key: "db_path"},
		KeyInfo{Key: "metrics.textfile"},
	)
	for i := range keys {
		keys[i].EnvVar = EnvVar(keys[i].Key)
	}
	return keys
}

// EnvVar returns the environment variable that overrides key.
func EnvVar(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}
