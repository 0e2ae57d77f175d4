package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Provider names accepted in model.provider.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
	ProviderOllama    = "ollama"
)

// Config stores all configuration of the application.
type Config struct {
	Workspace string `mapstructure:"workspace" yaml:"workspace"`
	LogLevel  string `mapstructure:"log_level" yaml:"log_level"`
	LogFile   string `mapstructure:"log_file" yaml:"log_file"`
	TellmURL  string `mapstructure:"tellm_url" yaml:"tellm_url"`

	Model    ModelConfig    `mapstructure:"model" yaml:"model"`
	Retry    RetryConfig    `mapstructure:"retry" yaml:"retry"`
	Prompt   PromptConfig   `mapstructure:"prompt" yaml:"prompt"`
	Protocol ProtocolConfig `mapstructure:"protocol" yaml:"protocol"`
	Files    FilesConfig    `mapstructure:"files" yaml:"files"`
	Cache    CacheConfig    `mapstructure:"cache" yaml:"cache"`
}

type ModelConfig struct {
	Provider    string        `mapstructure:"provider" yaml:"provider"`
	Name        string        `mapstructure:"name" yaml:"name"`
	APIKey      string        `mapstructure:"api_key" yaml:"api_key"`
	Endpoint    string        `mapstructure:"endpoint" yaml:"endpoint"`
	Temperature float32       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// RetryConfig controls how transient backend failures are retried.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	Multiplier  float64       `mapstructure:"multiplier" yaml:"multiplier"`
	MaxDelay    time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
}

type PromptConfig struct {
	HistoryWindow  int  `mapstructure:"history_window" yaml:"history_window"`
	IncludeTree    bool `mapstructure:"include_tree" yaml:"include_tree"`
	MaxTreeEntries int  `mapstructure:"max_tree_entries" yaml:"max_tree_entries"`
}

// ProtocolConfig holds the markers of the block protocol the model is asked to answer in.
type ProtocolConfig struct {
	HeaderPrefix string `mapstructure:"header_prefix" yaml:"header_prefix"`
	OpenMarker   string `mapstructure:"open_marker" yaml:"open_marker"`
	CloseMarker  string `mapstructure:"close_marker" yaml:"close_marker"`
}

type FilesConfig struct {
	Backup       bool     `mapstructure:"backup" yaml:"backup"`
	Journal      bool     `mapstructure:"journal" yaml:"journal"`
	StrictSyntax bool     `mapstructure:"strict_syntax" yaml:"strict_syntax"`
	Protected    []string `mapstructure:"protected" yaml:"protected"`
}

type CacheConfig struct {
	Size int `mapstructure:"size" yaml:"size"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Workspace: ".",
		LogLevel:  "info",
		Model: ModelConfig{
			Provider:    ProviderOpenAI,
			Name:        "gpt-4o-mini",
			Temperature: 0.2,
			MaxTokens:   4096,
			Timeout:     60 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   500 * time.Millisecond,
			Multiplier:  2,
			MaxDelay:    8 * time.Second,
		},
		Prompt: PromptConfig{
			HistoryWindow:  5,
			IncludeTree:    true,
			MaxTreeEntries: 200,
		},
		Protocol: ProtocolConfig{
			HeaderPrefix: "@@",
			OpenMarker:   "<<<SCRIBE",
			CloseMarker:  "SCRIBE>>>",
		},
		Files: FilesConfig{
			Backup:    true,
			Journal:   true,
			Protected: []string{".git/", ".scribe/"},
		},
	}
}

// LoadConfig reads configuration from file or environment variables.
// configPath may be a directory to search or a path to a yaml file.
func LoadConfig(configPath string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	config := DefaultConfig()

	v := viper.New()
	setDefaults(v, config)

	if configPath != "" && filepath.Ext(configPath) != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if configPath != "" {
			v.AddConfigPath(configPath)
		}
		v.AddConfigPath(".")
		if dir, err := Dir(); err == nil {
			v.AddConfigPath(dir)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("SCRIBE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if config.Model.APIKey == "" {
		config.Model.APIKey = providerKeyFromEnv(config.Model.Provider)
	}

	return config, nil
}

// setDefaults registers every key so AutomaticEnv can resolve nested keys on Unmarshal.
func setDefaults(v *viper.Viper, c *Config) {
	v.SetDefault("workspace", c.Workspace)
	v.SetDefault("log_level", c.LogLevel)
	v.SetDefault("log_file", c.LogFile)
	v.SetDefault("tellm_url", c.TellmURL)

	v.SetDefault("model.provider", c.Model.Provider)
	v.SetDefault("model.name", c.Model.Name)
	v.SetDefault("model.api_key", c.Model.APIKey)
	v.SetDefault("model.endpoint", c.Model.Endpoint)
	v.SetDefault("model.temperature", c.Model.Temperature)
	v.SetDefault("model.max_tokens", c.Model.MaxTokens)
	v.SetDefault("model.timeout", c.Model.Timeout)

	v.SetDefault("retry.max_attempts", c.Retry.MaxAttempts)
	v.SetDefault("retry.base_delay", c.Retry.BaseDelay)
	v.SetDefault("retry.multiplier", c.Retry.Multiplier)
	v.SetDefault("retry.max_delay", c.Retry.MaxDelay)

	v.SetDefault("prompt.history_window", c.Prompt.HistoryWindow)
	v.SetDefault("prompt.include_tree", c.Prompt.IncludeTree)
	v.SetDefault("prompt.max_tree_entries", c.Prompt.MaxTreeEntries)

	v.SetDefault("protocol.header_prefix", c.Protocol.HeaderPrefix)
	v.SetDefault("protocol.open_marker", c.Protocol.OpenMarker)
	v.SetDefault("protocol.close_marker", c.Protocol.CloseMarker)

	v.SetDefault("files.backup", c.Files.Backup)
	v.SetDefault("files.journal", c.Files.Journal)
	v.SetDefault("files.strict_syntax", c.Files.StrictSyntax)
	v.SetDefault("files.protected", c.Files.Protected)

	v.SetDefault("cache.size", c.Cache.Size)
}

func providerKeyFromEnv(provider string) string {
	switch provider {
	case ProviderOpenAI:
		return os.Getenv("OPENAI_API_KEY")
	case ProviderAnthropic:
		return os.Getenv("ANTHROPIC_API_KEY")
	case ProviderGemini:
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	}
	return ""
}

// Validate checks that the configuration can drive a generation cycle.
func (c *Config) Validate() error {
	switch c.Model.Provider {
	case ProviderOpenAI, ProviderAnthropic, ProviderGemini:
		if c.Model.APIKey == "" {
			return fmt.Errorf("%s API key is required", c.Model.Provider)
		}
	case ProviderOllama:
	default:
		return fmt.Errorf("unknown model provider %q", c.Model.Provider)
	}
	if c.Model.Name == "" {
		return errors.New("model name is required")
	}
	if c.Model.Timeout <= 0 {
		return errors.New("model timeout must be positive")
	}
	if c.Retry.MaxAttempts < 1 {
		return errors.New("retry.max_attempts must be at least 1")
	}
	if c.Retry.Multiplier < 1 {
		return errors.New("retry.multiplier must be at least 1")
	}
	if c.Retry.BaseDelay < 0 {
		return errors.New("retry.base_delay must not be negative")
	}
	if c.Retry.MaxDelay <= 0 {
		return errors.New("retry.max_delay must be positive")
	}
	if c.Prompt.HistoryWindow < 0 {
		return errors.New("prompt.history_window must not be negative")
	}
	p := c.Protocol
	if p.HeaderPrefix == "" || p.OpenMarker == "" || p.CloseMarker == "" {
		return errors.New("protocol markers must not be empty")
	}
	if p.OpenMarker == p.CloseMarker {
		return errors.New("protocol open and close markers must differ")
	}
	return nil
}

// Dir returns the per-user scribe directory (~/.scribe).
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, ".scribe"), nil
}

// YAML renders the configuration with the API key masked.
func (c *Config) YAML() (string, error) {
	masked := *c
	masked.Model.APIKey = maskKey(c.Model.APIKey)
	out, err := yaml.Marshal(&masked)
	if err != nil {
		return "", fmt.Errorf("error encoding config: %w", err)
	}
	return string(out), nil
}

// WriteDefault writes the default configuration to path, refusing to overwrite.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	}
	out, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("error encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}
	return os.WriteFile(path, out, 0644)
}

func maskKey(k string) string {
	if k == "" {
		return ""
	}
	if len(k) <= 8 {
		return "****"
	}
	return k[:4] + "****" + k[len(k)-4:]
}

// DefaultModels is the model used for a provider when none is configured.
var DefaultModels = map[string]string{
	ProviderOpenAI:    "gpt-4o-mini",
	ProviderAnthropic: "claude-3-5-sonnet-latest",
	ProviderGemini:    "gemini-2.0-flash",
	ProviderOllama:    "llama3.1",
}

// UseProvider switches to another provider, resolving its API key from the
// environment and its default model unless model is given.
func (c *Config) UseProvider(provider, model string) {
	if provider != "" && provider != c.Model.Provider {
		c.Model.Provider = provider
		c.Model.APIKey = providerKeyFromEnv(provider)
		c.Model.Name = DefaultModels[provider]
	}
	if model != "" {
		c.Model.Name = model
	}
}

// settable lists the keys that may change while a session is running. The
// provider, endpoint, key and protocol markers are fixed for the lifetime of
// a backend and a conversation.
var settable = map[string]func(c *Config, value string) error{
	"model.name": func(c *Config, v string) error {
		c.Model.Name = v
		return nil
	},
	"model.temperature": func(c *Config, v string) (err error) {
		c.Model.Temperature, err = cast.ToFloat32E(v)
		return err
	},
	"model.max_tokens": func(c *Config, v string) (err error) {
		c.Model.MaxTokens, err = cast.ToIntE(v)
		return err
	},
	"model.timeout": func(c *Config, v string) (err error) {
		c.Model.Timeout, err = cast.ToDurationE(v)
		return err
	},
	"retry.max_attempts": func(c *Config, v string) (err error) {
		c.Retry.MaxAttempts, err = cast.ToIntE(v)
		return err
	},
	"prompt.history_window": func(c *Config, v string) (err error) {
		c.Prompt.HistoryWindow, err = cast.ToIntE(v)
		return err
	},
	"prompt.include_tree": func(c *Config, v string) (err error) {
		c.Prompt.IncludeTree, err = cast.ToBoolE(v)
		return err
	},
	"prompt.max_tree_entries": func(c *Config, v string) (err error) {
		c.Prompt.MaxTreeEntries, err = cast.ToIntE(v)
		return err
	},
	"files.backup": func(c *Config, v string) (err error) {
		c.Files.Backup, err = cast.ToBoolE(v)
		return err
	},
	"files.journal": func(c *Config, v string) (err error) {
		c.Files.Journal, err = cast.ToBoolE(v)
		return err
	},
	"files.strict_syntax": func(c *Config, v string) (err error) {
		c.Files.StrictSyntax, err = cast.ToBoolE(v)
		return err
	},
}

// SettableKeys returns the keys accepted by Set, sorted.
func SettableKeys() []string {
	keys := make([]string, 0, len(settable))
	for k := range settable {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Set changes one key at runtime, coercing value to the key's type. Keys use
// the same dotted paths as the config file and are case insensitive. The
// configuration is left untouched when the value does not convert or the
// result does not validate.
func (c *Config) Set(key, value string) error {
	key = strings.ToLower(strings.TrimSpace(key))
	set, ok := settable[key]
	if !ok {
		return fmt.Errorf("%q cannot be set at runtime, settable keys: %s", key, strings.Join(SettableKeys(), ", "))
	}
	next := *c
	if err := set(&next, strings.TrimSpace(value)); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	if err := next.Validate(); err != nil {
		return err
	}
	if next.Model.Temperature < 0 || next.Model.MaxTokens < 0 || next.Prompt.MaxTreeEntries < 0 {
		return fmt.Errorf("%s must not be negative", key)
	}
	*c = next
	return nil
}
