package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// Constants for default paths
const (
	defaultUploadPath  = "./uploads"
	defaultStagingPath = "./staging"
	defaultTempPath    = "./tmp"
	defaultLogDir      = "./logs"
	defaultSQLitePath  = "./data/opshub.db"
)

// DevSecretPlaceholder is the development secret that must never reach production.
const DevSecretPlaceholder = "dev-key-change-in-production"

// Config represents the application configuration
type Config struct {
	Env     string `mapstructure:"env"`
	Port    int    `mapstructure:"port"`
	BaseURL string `mapstructure:"base_url"`

	SecretKey        string `mapstructure:"secret_key"`
	AdminAuthEnabled bool   `mapstructure:"admin_auth_enabled"`

	LogLevel      string `mapstructure:"log_level"`
	LogDir        string `mapstructure:"log_dir"`
	LogMaxSizeMiB int    `mapstructure:"log_max_size_mib"` // Size at which a log file rotates
	LogMaxBackups int    `mapstructure:"log_max_backups"`  // Rotated files kept per sink

	UploadPath   string  `mapstructure:"upload_path"`
	StagingPath  string  `mapstructure:"staging_path"`
	TempPath     string  `mapstructure:"temp_path"`
	SQLitePath   string  `mapstructure:"sqlite_path"`
	MaxUploadMiB float64 `mapstructure:"max_upload_mib"` // Global upload ceiling in MiB

	RateLimitPerMinute int `mapstructure:"rate_limit_per_minute"`

	CleanupEnabled       bool     `mapstructure:"cleanup_enabled"`
	CleanupIntervalHours int      `mapstructure:"cleanup_interval_hours"`
	CleanupRules         []string `mapstructure:"cleanup_rules"` // name=dir:maxage[:ext|ext[:pattern]]

	AlertFile               string   `mapstructure:"alert_file"`
	AlertEmailEnabled       bool     `mapstructure:"alert_email_enabled"`
	SMTPHost                string   `mapstructure:"smtp_host"`
	SMTPPort                int      `mapstructure:"smtp_port"`
	SMTPUsername            string   `mapstructure:"smtp_username"`
	SMTPPassword            string   `mapstructure:"smtp_password"`
	SMTPFrom                string   `mapstructure:"smtp_from"`
	SMTPTLS                 bool     `mapstructure:"smtp_tls"`
	AlertRecipients         []string `mapstructure:"alert_recipients"`
	AlertWebhookURL         string   `mapstructure:"alert_webhook_url"`
	AlertWebhookMinSeverity string   `mapstructure:"alert_webhook_min_severity"`

	// explicitlySet records which keys came from the environment or a file
	// rather than from defaults.
	explicitlySet map[string]bool
	// invalid holds raw values that were replaced by their default.
	invalid map[string]string
}

// envBindings maps config keys to the environment variables that feed them.
// The first variable found wins.
var envBindings = map[string][]string{
	"env":                        {"APP_ENV", "FLASK_ENV"},
	"port":                       {"PORT"},
	"base_url":                   {"BASE_URL"},
	"secret_key":                 {"SECRET_KEY"},
	"admin_auth_enabled":         {"ADMIN_AUTH_ENABLED"},
	"log_level":                  {"LOG_LEVEL"},
	"log_dir":                    {"LOG_DIR"},
	"log_max_size_mib":           {"LOG_MAX_SIZE_MIB"},
	"log_max_backups":            {"LOG_MAX_BACKUPS"},
	"upload_path":                {"UPLOAD_FOLDER"},
	"staging_path":               {"STAGING_FOLDER"},
	"temp_path":                  {"TEMP_FOLDER"},
	"sqlite_path":                {"SQLITE_PATH"},
	"max_upload_mib":             {"MAX_UPLOAD_MIB"},
	"rate_limit_per_minute":      {"RATE_LIMIT_PER_MINUTE"},
	"cleanup_enabled":            {"FILE_CLEANUP_ENABLED"},
	"cleanup_interval_hours":     {"FILE_CLEANUP_INTERVAL_HOURS"},
	"cleanup_rules":              {"CLEANUP_RULES"},
	"alert_file":                 {"ALERT_FILE"},
	"alert_email_enabled":        {"ALERT_EMAIL_ENABLED"},
	"smtp_host":                  {"ALERT_SMTP_SERVER"},
	"smtp_port":                  {"ALERT_SMTP_PORT"},
	"smtp_username":              {"ALERT_SMTP_USERNAME"},
	"smtp_password":              {"ALERT_SMTP_PASSWORD"},
	"smtp_from":                  {"ALERT_SMTP_FROM"},
	"smtp_tls":                   {"ALERT_SMTP_TLS"},
	"alert_recipients":           {"ALERT_RECIPIENTS"},
	"alert_webhook_url":          {"ALERT_WEBHOOK_URL"},
	"alert_webhook_min_severity": {"ALERT_WEBHOOK_MIN_SEVERITY"},
}

// defaults also fixes the type of every scalar key: values that cannot be
// coerced to the default's type are discarded in favour of the default.
var defaults = map[string]any{
	"env":                        "development",
	"port":                       5000,
	"base_url":                   "http://localhost:5000/",
	"admin_auth_enabled":         true,
	"log_level":                  "info",
	"log_dir":                    defaultLogDir,
	"log_max_size_mib":           10,
	"log_max_backups":            5,
	"upload_path":                defaultUploadPath,
	"staging_path":               defaultStagingPath,
	"temp_path":                  defaultTempPath,
	"sqlite_path":                defaultSQLitePath,
	"max_upload_mib":             100.0,
	"rate_limit_per_minute":      60,
	"cleanup_enabled":            true,
	"cleanup_interval_hours":     24,
	"cleanup_rules":              []string{},
	"alert_email_enabled":        false,
	"smtp_port":                  587,
	"smtp_tls":                   true,
	"alert_recipients":           []string{},
	"alert_webhook_min_severity": "high",
}

func setDefaults(v *viper.Viper) {
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// coerceScalars resets keys whose raw value does not parse as the default's
// type and returns the rejected raw values by key.
func coerceScalars(v *viper.Viper) map[string]string {
	invalid := make(map[string]string)
	for key, def := range defaults {
		raw := v.Get(key)
		var err error
		switch def.(type) {
		case int:
			_, err = cast.ToIntE(raw)
		case float64:
			_, err = cast.ToFloat64E(raw)
		case bool:
			_, err = cast.ToBoolE(raw)
		default:
			continue
		}
		if err != nil {
			invalid[key] = cast.ToString(raw)
			v.Set(key, def)
		}
	}
	return invalid
}

// LoadConfig builds the configuration from defaults, an optional YAML file at
// path and finally environment variables.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	for key, envs := range envBindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	invalid := coerceScalars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.AlertRecipients = splitList(cfg.AlertRecipients)
	cfg.CleanupRules = splitList(cfg.CleanupRules)
	cfg.explicitlySet = make(map[string]bool, len(envBindings))
	for key := range envBindings {
		cfg.explicitlySet[key] = v.InConfig(key) || envPresent(key)
	}
	for key, raw := range invalid {
		cfg.MarkInvalid(key, raw)
	}

	if cfg.AlertFile == "" && cfg.LogDir != "" {
		cfg.AlertFile = cfg.LogDir + "/alerts.jsonl"
	}

	return &cfg, nil
}

// Load reads CONFIG_PATH if it is set and otherwise relies on defaults and
// the environment alone.
func Load() (*Config, error) {
	v := viper.New()
	if err := v.BindEnv("config_path", "CONFIG_PATH"); err != nil {
		return nil, err
	}
	return LoadConfig(v.GetString("config_path"))
}

func envPresent(key string) bool {
	for _, name := range envBindings[key] {
		if _, ok := os.LookupEnv(name); ok {
			return true
		}
	}
	return false
}

// splitList flattens comma-separated entries coming from a single
// environment variable.
func splitList(items []string) []string {
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

// IsSet reports whether key was provided by a file or the environment.
func (c *Config) IsSet(key string) bool {
	return c.explicitlySet[key]
}

// MarkSet flags key as explicitly provided; used by tests and tooling that
// build a Config by hand.
func (c *Config) MarkSet(key string) {
	if c.explicitlySet == nil {
		c.explicitlySet = make(map[string]bool)
	}
	c.explicitlySet[key] = true
}

// MarkInvalid records that key held raw, which could not be decoded.
func (c *Config) MarkInvalid(key, raw string) {
	if c.invalid == nil {
		c.invalid = make(map[string]string)
	}
	c.invalid[key] = raw
}

// InvalidKeys returns the keys whose configured value was rejected, sorted.
func (c *Config) InvalidKeys() []string {
	keys := make([]string, 0, len(c.invalid))
	for key := range c.invalid {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// InvalidValues returns the rejected raw values by key.
func (c *Config) InvalidValues() map[string]string {
	out := make(map[string]string, len(c.invalid))
	for key, raw := range c.invalid {
		out[key] = raw
	}
	return out
}

// EnvName returns the primary environment variable for key, or the
// upper-cased key when it has no binding.
func EnvName(key string) string {
	if envs := envBindings[key]; len(envs) > 0 {
		return envs[0]
	}
	return strings.ToUpper(key)
}

// IsProduction reports whether the environment flag selects production.
func (c *Config) IsProduction() bool {
	switch strings.ToLower(strings.TrimSpace(c.Env)) {
	case "production", "prod":
		return true
	}
	return false
}

// MaxUploadBytes converts the global upload ceiling to bytes.
func (c *Config) MaxUploadBytes() int64 {
	return int64(c.MaxUploadMiB * 1024 * 1024)
}

// ErrNoPort is returned by Addr when the port is not usable.
var ErrNoPort = errors.New("port must be between 1 and 65535")

// Addr returns the listen address.
func (c *Config) Addr() (string, error) {
	if c.Port <= 0 || c.Port > 65535 {
		return "", ErrNoPort
	}
	return fmt.Sprintf(":%d", c.Port), nil
}
