// Package config loads convsync configuration from defaults, a YAML config file,
// .env files, CONVSYNC_* environment variables and command line flags.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every environment variable read by convsync.
const EnvPrefix = "CONVSYNC"

// Config is the plain configuration object handed to the transport and the engine.
type Config struct {
	BaseURL         string        `mapstructure:"base_url"`
	APIKey          string        `mapstructure:"api_key"`
	TenantID        string        `mapstructure:"tenant_id"`
	TemplateID      string        `mapstructure:"template_id"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	HandoffInterval time.Duration `mapstructure:"handoff_interval"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ToolConcurrency int           `mapstructure:"tool_concurrency"`
	EnabledTools    []string      `mapstructure:"enabled_tools"`
	LogLevel        string        `mapstructure:"log_level"`
	LogFile         string        `mapstructure:"log_file"`
	MetricsAddr     string        `mapstructure:"metrics_addr"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		PollInterval:    time.Second,
		HandoffInterval: 5 * time.Second,
		RequestTimeout:  30 * time.Second,
		ToolConcurrency: 4,
		LogLevel:        "info",
	}
}

// FlagBindings maps configuration keys to the command line flags that override them.
var FlagBindings = map[string]string{
	"base_url":     "base-url",
	"api_key":      "api-key",
	"tenant_id":    "tenant",
	"template_id":  "template",
	"log_level":    "log-level",
	"log_file":     "log-file",
	"metrics_addr": "metrics-addr",
}

// LoadOptions controls where Load looks for configuration.
type LoadOptions struct {
	ConfigFile string         // Explicit YAML file; when empty the user config dir is searched
	EnvFiles   []string       // .env files in increasing priority; nil means DefaultEnvFiles()
	Flags      *pflag.FlagSet // Flags bound through FlagBindings, may be nil
}

// ConfigDir returns the convsync directory inside the user configuration directory.
func ConfigDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve user config dir: %w", err)
	}
	return filepath.Join(base, "convsync"), nil
}

// DefaultEnvFiles returns the config-dir .env followed by the working-dir .env,
// so the local file wins.
func DefaultEnvFiles() []string {
	var files []string
	if dir, err := ConfigDir(); err == nil {
		files = append(files, filepath.Join(dir, ".env"))
	}
	files = append(files, ".env")
	return files
}

// Load resolves configuration with priority
// flags > environment > .env files > config file > defaults.
func Load(opts LoadOptions) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if err := readConfigFile(v, opts.ConfigFile); err != nil {
		return nil, err
	}

	envFiles := opts.EnvFiles
	if envFiles == nil {
		envFiles = DefaultEnvFiles()
	}
	for _, path := range envFiles {
		if err := mergeDotEnv(v, path); err != nil {
			return nil, err
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if opts.Flags != nil {
		for key, flagName := range FlagBindings {
			flag := opts.Flags.Lookup(flagName)
			if flag == nil {
				continue
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return nil, fmt.Errorf("failed to bind flag %s: %w", flagName, err)
			}
		}
	}

	cfg := Defaults()
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	cfg.EnabledTools = normalizeList(cfg.EnabledTools)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("base_url", d.BaseURL)
	v.SetDefault("api_key", d.APIKey)
	v.SetDefault("tenant_id", d.TenantID)
	v.SetDefault("template_id", d.TemplateID)
	v.SetDefault("poll_interval", d.PollInterval)
	v.SetDefault("handoff_interval", d.HandoffInterval)
	v.SetDefault("request_timeout", d.RequestTimeout)
	v.SetDefault("tool_concurrency", d.ToolConcurrency)
	v.SetDefault("enabled_tools", []string{})
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_file", d.LogFile)
	v.SetDefault("metrics_addr", d.MetricsAddr)
}

func readConfigFile(v *viper.Viper, explicit string) error {
	if explicit != "" {
		v.SetConfigFile(explicit)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %s: %w", explicit, err)
		}
		return nil
	}

	dir, err := ConfigDir()
	if err != nil {
		return nil
	}
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// mergeDotEnv layers CONVSYNC_* entries of a .env file over the config file.
// Missing files are ignored.
func mergeDotEnv(v *viper.Viper, path string) error {
	envMap, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read env file %s: %w", path, err)
	}

	values := make(map[string]any)
	prefix := EnvPrefix + "_"
	for key, value := range envMap {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		values[strings.ToLower(strings.TrimPrefix(key, prefix))] = value
	}
	if len(values) == 0 {
		return nil
	}
	return v.MergeConfigMap(values)
}

func normalizeList(items []string) []string {
	var out []string
	for _, item := range items {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate checks that the configuration is internally consistent. A missing
// credential is not a validation error; the engine reports it when a message is sent.
func (c *Config) Validate() error {
	if c.BaseURL != "" {
		u, err := url.Parse(c.BaseURL)
		if err != nil {
			return fmt.Errorf("invalid base_url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("invalid base_url %q: scheme must be http or https", c.BaseURL)
		}
		if u.Host == "" {
			return fmt.Errorf("invalid base_url %q: missing host", c.BaseURL)
		}
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval)
	}
	if c.HandoffInterval < c.PollInterval {
		return fmt.Errorf("handoff_interval (%s) must not be shorter than poll_interval (%s)", c.HandoffInterval, c.PollInterval)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive, got %s", c.RequestTimeout)
	}
	if c.ToolConcurrency < 1 {
		return fmt.Errorf("tool_concurrency must be at least 1, got %d", c.ToolConcurrency)
	}
	return nil
}

// RequireEndpoint reports an error when no base URL is configured.
func (c *Config) RequireEndpoint() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base_url is not configured (set %s_BASE_URL or --base-url)", EnvPrefix)
	}
	return nil
}

// HasCredential reports whether an API key is configured.
func (c *Config) HasCredential() bool {
	return strings.TrimSpace(c.APIKey) != ""
}

// ToolEnabled reports whether a tool is enabled. An empty list enables every tool.
func (c *Config) ToolEnabled(name string) bool {
	if len(c.EnabledTools) == 0 {
		return true
	}
	for _, enabled := range c.EnabledTools {
		if enabled == name {
			return true
		}
	}
	return false
}

// Redacted returns a copy safe for logging.
func (c Config) Redacted() Config {
	if c.APIKey != "" {
		if len(c.APIKey) > 8 {
			c.APIKey = c.APIKey[:4] + "..." + c.APIKey[len(c.APIKey)-4:]
		} else {
			c.APIKey = "***"
		}
	}
	return c
}
