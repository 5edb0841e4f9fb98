// Package config provides configuration management for EcoFlowMon.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "github.com/tbuchboeck/EcoFlowMon/internal/errors"
	"github.com/tbuchboeck/EcoFlowMon/internal/security"
)

const (
	DefaultAPIURL             = "https://api-e.ecoflow.com"
	DefaultCollectionInterval = 60
	MinCollectionInterval     = 10
	DefaultPort               = "9090"
	DefaultAPITimeout         = 30 * time.Second
	DefaultAPIRateLimit       = 5.0
	DefaultHTTPRateLimit      = 20.0
)

var (
	validLogLevels  = []string{"debug", "info", "warn", "error"}
	validLogFormats = []string{"json", "text"}
)

// Config holds all configuration settings for EcoFlowMon. Values come from
// the optional YAML file named by CONFIG_FILE, overridden by environment
// variables.
type Config struct {
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	APIURL    string `yaml:"api_url"`

	// CollectionInterval is in seconds.
	CollectionInterval int           `yaml:"collection_interval"`
	Port               string        `yaml:"port"`
	APITimeout         time.Duration `yaml:"api_timeout"`
	APIRateLimit       float64       `yaml:"api_rate_limit"`
	HTTPRateLimit      float64       `yaml:"http_rate_limit"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	UseTsnet      bool   `yaml:"use_tsnet"`
	TsnetHostname string `yaml:"tsnet_hostname"`
	TsnetStateDir string `yaml:"tsnet_state_dir"`
	TsnetAuthKey  string `yaml:"tsnet_auth_key"`

	ConfigFile string `yaml:"-"`

	// problems holds values that could not be parsed; Validate reports them.
	problems []error
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		APIURL:             DefaultAPIURL,
		CollectionInterval: DefaultCollectionInterval,
		Port:               DefaultPort,
		APITimeout:         DefaultAPITimeout,
		APIRateLimit:       DefaultAPIRateLimit,
		HTTPRateLimit:      DefaultHTTPRateLimit,
		LogLevel:           "info",
		LogFormat:          "text",
	}
}

// Load builds the configuration from defaults, the CONFIG_FILE overlay and
// the environment, in that order. Only an unreadable or malformed file is an
// error here; bad values are reported by Validate.
func Load() (Config, error) {
	cfg := Defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return cfg, err
		}
		cfg.ConfigFile = path
	}

	cfg.loadCredentials()
	cfg.loadNetworkSettings()
	cfg.loadAPISettings()
	cfg.loadLoggingSettings()
	cfg.loadTsnetSettings()

	return cfg, nil
}

func (cfg *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (cfg *Config) loadCredentials() {
	if v := os.Getenv("ECOFLOW_ACCESS_KEY"); v != "" {
		cfg.AccessKey = v
	}
	if v := os.Getenv("ECOFLOW_SECRET_KEY"); v != "" {
		cfg.SecretKey = v
	}
}

func (cfg *Config) loadNetworkSettings() {
	if v := os.Getenv("METRICS_PORT"); v != "" {
		cfg.Port = strings.TrimSpace(v)
	} else if v := os.Getenv("PORT"); v != "" {
		cfg.Port = strings.TrimSpace(v)
	}

	if v := os.Getenv("HTTP_RATE_LIMIT"); v != "" {
		cfg.HTTPRateLimit = cfg.parseFloat("HTTP_RATE_LIMIT", v, cfg.HTTPRateLimit)
	}
}

func (cfg *Config) loadAPISettings() {
	if v := os.Getenv("ECOFLOW_API_URL"); v != "" {
		cfg.APIURL = strings.TrimSpace(v)
	}

	if v := os.Getenv("COLLECTION_INTERVAL"); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			cfg.problem("COLLECTION_INTERVAL", v, "must be a whole number of seconds")
		} else {
			cfg.CollectionInterval = n
		}
	}

	if v := os.Getenv("API_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.APITimeout = d
		} else if sec, err := strconv.Atoi(v); err == nil {
			cfg.APITimeout = time.Duration(sec) * time.Second
		} else {
			cfg.problem("API_TIMEOUT", v, "must be a duration like 30s or a number of seconds")
		}
	}

	if v := os.Getenv("API_RATE_LIMIT"); v != "" {
		cfg.APIRateLimit = cfg.parseFloat("API_RATE_LIMIT", v, cfg.APIRateLimit)
	}
}

func (cfg *Config) loadLoggingSettings() {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.LogFormat = strings.ToLower(v)
	}
}

func (cfg *Config) loadTsnetSettings() {
	if v := os.Getenv("USE_TSNET"); v != "" {
		cfg.UseTsnet = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("TSNET_HOSTNAME"); v != "" {
		cfg.TsnetHostname = v
	}
	if v := os.Getenv("TSNET_STATE_DIR"); v != "" {
		cfg.TsnetStateDir = v
	}
	if v := os.Getenv("TS_AUTHKEY"); v != "" {
		cfg.TsnetAuthKey = v
	}
}

func (cfg *Config) parseFloat(field, raw string, fallback float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		cfg.problem(field, raw, "must be a number")
		return fallback
	}
	return f
}

func (cfg *Config) problem(field, value, reason string) {
	cfg.problems = append(cfg.problems, &apperrors.ConfigurationError{Field: field, Value: value, Reason: reason})
}

// Interval returns the collection interval as a duration.
func (cfg Config) Interval() time.Duration {
	return time.Duration(cfg.CollectionInterval) * time.Second
}

// Addr returns the listen address of the standalone server.
func (cfg Config) Addr() string {
	return ":" + cfg.Port
}

// Validate checks every setting and reports all problems at once as joined
// *errors.ConfigurationError values.
func (cfg Config) Validate() error {
	errs := slices.Clone(cfg.problems)
	add := func(field, value, reason string) {
		errs = append(errs, &apperrors.ConfigurationError{Field: field, Value: value, Reason: reason})
	}

	if cfg.AccessKey == "" {
		add("ECOFLOW_ACCESS_KEY", "", "is required")
	} else if err := security.ValidateCredential(cfg.AccessKey, "access key"); err != nil {
		add("ECOFLOW_ACCESS_KEY", "", err.Error())
	}
	if cfg.SecretKey == "" {
		add("ECOFLOW_SECRET_KEY", "", "is required")
	} else if err := security.ValidateCredential(cfg.SecretKey, "secret key"); err != nil {
		add("ECOFLOW_SECRET_KEY", "", err.Error())
	}

	if u, err := url.Parse(cfg.APIURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		add("ECOFLOW_API_URL", cfg.APIURL, "must be an absolute http or https URL")
	}

	if cfg.CollectionInterval < MinCollectionInterval {
		add("COLLECTION_INTERVAL", strconv.Itoa(cfg.CollectionInterval),
			fmt.Sprintf("must be at least %d seconds", MinCollectionInterval))
	}

	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		add("METRICS_PORT", cfg.Port, "must be a port number between 1 and 65535")
	}

	if cfg.APITimeout <= 0 {
		add("API_TIMEOUT", cfg.APITimeout.String(), "must be positive")
	}
	if cfg.APIRateLimit < 0 {
		add("API_RATE_LIMIT", formatFloat(cfg.APIRateLimit), "must not be negative")
	}
	if cfg.HTTPRateLimit < 0 {
		add("HTTP_RATE_LIMIT", formatFloat(cfg.HTTPRateLimit), "must not be negative")
	}

	if !slices.Contains(validLogLevels, cfg.LogLevel) {
		add("LOG_LEVEL", cfg.LogLevel, fmt.Sprintf("valid options: %v", validLogLevels))
	}
	if !slices.Contains(validLogFormats, cfg.LogFormat) {
		add("LOG_FORMAT", cfg.LogFormat, fmt.Sprintf("valid options: %v", validLogFormats))
	}

	if cfg.UseTsnet && cfg.TsnetHostname == "" {
		add("TSNET_HOSTNAME", "", "required when USE_TSNET=true")
	}

	return errors.Join(errs...)
}

// LogValue implements slog.LogValuer and keeps credentials out of logs.
func (cfg Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("access_key", redact(cfg.AccessKey)),
		slog.String("api_url", cfg.APIURL),
		slog.Int("collection_interval", cfg.CollectionInterval),
		slog.String("port", cfg.Port),
		slog.Duration("api_timeout", cfg.APITimeout),
		slog.Float64("api_rate_limit", cfg.APIRateLimit),
		slog.Float64("http_rate_limit", cfg.HTTPRateLimit),
		slog.String("log_level", cfg.LogLevel),
		slog.String("log_format", cfg.LogFormat),
		slog.Bool("use_tsnet", cfg.UseTsnet),
		slog.String("config_file", cfg.ConfigFile),
	)
}

// SetupTsnetStateDir creates and validates the tsnet state directory.
func SetupTsnetStateDir(dir string) string {
	if dir == "" {
		dir = "/tmp/tsnet-ecoflowmon"
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		slog.Warn("failed to create state directory", "dir", dir, "error", err)
		return ""
	}
	slog.Info("using tsnet state directory", "dir", dir)
	return dir
}

func redact(s string) string {
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-4)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
