package alert

import (
	"go.uber.org/zap"

	"github.com/marianozunino/opshub/internal/config"
)

// HandlersFromConfig builds the handler set described by cfg. The file handler
// is always present; email and webhook only when enabled.
func HandlersFromConfig(cfg *config.Config, log *zap.Logger) ([]Handler, error) {
	var handlers []Handler

	if cfg.AlertFile != "" {
		fh, err := NewFileHandler(cfg.AlertFile, cfg.LogMaxSizeMiB, cfg.LogMaxBackups)
		if err != nil {
			return nil, err
		}
		handlers = append(handlers, fh)
	}

	if cfg.AlertEmailEnabled {
		handlers = append(handlers, NewEmailHandler(SMTPConfig{
			Host:       cfg.SMTPHost,
			Port:       cfg.SMTPPort,
			Username:   cfg.SMTPUsername,
			Password:   cfg.SMTPPassword,
			From:       cfg.SMTPFrom,
			TLS:        cfg.SMTPTLS,
			Recipients: cfg.AlertRecipients,
		}, log.Named("alert.email")))
	}

	if cfg.AlertWebhookURL != "" {
		min := High
		if cfg.AlertWebhookMinSeverity != "" {
			parsed, err := ParseSeverity(cfg.AlertWebhookMinSeverity)
			if err != nil {
				log.Warn("Invalid webhook severity threshold, using default",
					zap.String("value", cfg.AlertWebhookMinSeverity),
					zap.Stringer("default", min),
				)
			} else {
				min = parsed
			}
		}
		handlers = append(handlers, NewWebhookHandler(cfg.AlertWebhookURL, min, nil))
	}

	return handlers, nil
}
