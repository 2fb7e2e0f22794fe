// Package envcheck validates the loaded configuration once at startup.
package envcheck

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/marianozunino/opshub/internal/alert"
	"github.com/marianozunino/opshub/internal/apperr"
	"github.com/marianozunino/opshub/internal/config"
	"github.com/marianozunino/opshub/internal/logging"
)

const minSecretLength = 32

var allowedLevels = map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}

// recommended lists keys whose absence only deserves a warning.
var recommended = []struct{ key, env string }{
	{"log_level", "LOG_LEVEL"},
	{"port", "PORT"},
	{"alert_recipients", "ALERT_RECIPIENTS"},
}

// Report summarises the validation outcome.
type Report struct {
	Environment        string   `json:"environment"`
	Production         bool     `json:"is_production"`
	Substituted        []string `json:"substituted,omitempty"`
	MissingRecommended []string `json:"missing_recommended,omitempty"`
	// AdminAuthDisabled is set when a generated secret replaced SECRET_KEY,
	// since no operator could mint a token for it.
	AdminAuthDisabled bool `json:"admin_auth_disabled,omitempty"`
}

type problem struct {
	env    string
	reason string
	fix    func(*config.Config) error
}

// Validate checks cfg. In production any problem yields a configuration
// error naming every offending variable. Elsewhere cfg is patched in place
// and a warning is logged for each substitution.
func Validate(cfg *config.Config, log *zap.Logger) (Report, error) {
	log = log.With(logging.Operation("environment_validation"))
	report := Report{
		Environment: cfg.Env,
		Production:  cfg.IsProduction(),
	}

	problems := check(cfg)

	if report.Production && len(problems) > 0 {
		keys := make([]string, 0, len(problems))
		reasons := make([]string, 0, len(problems))
		for _, p := range problems {
			keys = append(keys, p.env)
			reasons = append(reasons, p.env+": "+p.reason)
			log.Error("Invalid production configuration", zap.String("variable", p.env), zap.String("reason", p.reason))
		}
		err := apperr.Configuration(
			"Invalid environment variables: "+strings.Join(keys, ", "), keys...,
		).WithDetail("reasons", reasons)
		return report, err
	}

	for _, p := range problems {
		if err := p.fix(cfg); err != nil {
			return report, apperr.Configuration(fmt.Sprintf("failed to substitute %s: %v", p.env, err), p.env)
		}
		report.Substituted = append(report.Substituted, p.env)
		log.Warn("Substituted development default for configuration value",
			zap.String("variable", p.env),
			zap.String("reason", p.reason),
		)
		if p.env == "SECRET_KEY" && cfg.AdminAuthEnabled {
			cfg.AdminAuthEnabled = false
			report.AdminAuthDisabled = true
			log.Warn("Admin authentication disabled: SECRET_KEY was generated and no token can be minted for it",
				zap.String("variable", p.env),
			)
		}
	}

	for _, r := range recommended {
		if !cfg.IsSet(r.key) {
			report.MissingRecommended = append(report.MissingRecommended, r.env)
		}
	}

	log.Info("Operations hub starting up",
		zap.String("environment", report.Environment),
		zap.Bool("production", report.Production),
		zap.Int("port", cfg.Port),
		zap.String("log_level", cfg.LogLevel),
	)
	if len(report.MissingRecommended) > 0 {
		log.Warn("Recommended environment variables not set",
			zap.Strings("variables", report.MissingRecommended))
	}

	return report, nil
}

func check(cfg *config.Config) []problem {
	var problems []problem

	for _, key := range cfg.InvalidKeys() {
		env, raw := config.EnvName(key), cfg.InvalidValues()[key]
		problems = append(problems, problem{env, fmt.Sprintf("invalid value %q, default used", raw), func(*config.Config) error {
			return nil
		}})
	}

	if err := CheckSecret(cfg.SecretKey); err != nil {
		problems = append(problems, problem{"SECRET_KEY", err.Error(), setGeneratedSecret})
	}

	if !allowedLevels[strings.ToLower(strings.TrimSpace(cfg.LogLevel))] {
		problems = append(problems, problem{"LOG_LEVEL", fmt.Sprintf("unsupported level %q", cfg.LogLevel), func(c *config.Config) error {
			c.LogLevel = "info"
			return nil
		}})
	}

	if _, err := cfg.Addr(); err != nil {
		problems = append(problems, problem{"PORT", err.Error(), func(c *config.Config) error {
			c.Port = 5000
			return nil
		}})
	}

	if cfg.AlertWebhookURL != "" && !validHTTPURL(cfg.AlertWebhookURL) {
		problems = append(problems, problem{"ALERT_WEBHOOK_URL", "must be an absolute http(s) URL", func(c *config.Config) error {
			c.AlertWebhookURL = ""
			return nil
		}})
	}

	if cfg.AlertWebhookURL != "" && cfg.AlertWebhookMinSeverity != "" {
		if _, err := alert.ParseSeverity(cfg.AlertWebhookMinSeverity); err != nil {
			problems = append(problems, problem{"ALERT_WEBHOOK_MIN_SEVERITY", err.Error(), func(c *config.Config) error {
				c.AlertWebhookMinSeverity = alert.High.String()
				return nil
			}})
		}
	}

	if cfg.AlertEmailEnabled {
		var missing []string
		if cfg.SMTPHost == "" {
			missing = append(missing, "ALERT_SMTP_SERVER")
		}
		if cfg.SMTPPort <= 0 || cfg.SMTPPort > 65535 {
			missing = append(missing, "ALERT_SMTP_PORT")
		}
		if len(cfg.AlertRecipients) == 0 {
			missing = append(missing, "ALERT_RECIPIENTS")
		}
		for _, env := range missing {
			problems = append(problems, problem{env, "required when email alerts are enabled", func(c *config.Config) error {
				c.AlertEmailEnabled = false
				return nil
			}})
		}
	}

	return problems
}

// CheckSecret reports why secret cannot sign admin tokens, or nil.
func CheckSecret(secret string) error {
	switch {
	case secret == "":
		return errors.New("not set")
	case secret == config.DevSecretPlaceholder:
		return errors.New("development placeholder in use")
	case len(secret) < minSecretLength:
		return fmt.Errorf("must be at least %d characters", minSecretLength)
	}
	return nil
}

func validHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func setGeneratedSecret(c *config.Config) error {
	secret, err := GenerateSecret()
	if err != nil {
		return err
	}
	c.SecretKey = secret
	return nil
}

// GenerateSecret returns 32 random bytes encoded as unpadded URL-safe base64.
func GenerateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
