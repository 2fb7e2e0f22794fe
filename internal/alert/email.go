package alert

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

// SMTPConfig holds outbound mail settings.
type SMTPConfig struct {
	Host       string
	Port       int
	Username   string
	Password   string
	From       string
	TLS        bool
	Recipients []string
}

func (c SMTPConfig) complete() bool {
	return c.Host != "" && c.Port > 0 && c.From != "" && len(c.Recipients) > 0
}

// sendFunc delivers a fully rendered message.
type sendFunc func(ctx context.Context, cfg SMTPConfig, msg []byte) error

// EmailHandler mails high and critical alerts to the configured recipients.
// With incomplete settings it logs a warning and does nothing.
type EmailHandler struct {
	cfg  SMTPConfig
	log  *zap.Logger
	send sendFunc
}

// NewEmailHandler creates the handler.
func NewEmailHandler(cfg SMTPConfig, log *zap.Logger) *EmailHandler {
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	return &EmailHandler{cfg: cfg, log: log, send: sendMail}
}

func (h *EmailHandler) Name() string { return "email" }

func (h *EmailHandler) MinSeverity() Severity { return High }

func (h *EmailHandler) Handle(ctx context.Context, a Alert) error {
	if !h.cfg.complete() {
		h.log.Warn("Email alerting not properly configured")
		return nil
	}
	return h.send(ctx, h.cfg, h.render(a))
}

func (h *EmailHandler) render(a Alert) []byte {
	subject := fmt.Sprintf("[%s] %s: %s", strings.ToUpper(a.Severity.String()), a.ErrorType, truncate(a.Message, 120))

	var body strings.Builder
	fmt.Fprintf(&body, "Severity: %s\r\n", a.Severity)
	fmt.Fprintf(&body, "Time: %s\r\n", a.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(&body, "Type: %s\r\n", a.ErrorType)
	if a.ErrorCode != "" {
		fmt.Fprintf(&body, "Code: %s\r\n", a.ErrorCode)
	}
	fmt.Fprintf(&body, "Message: %s\r\n", a.Message)
	if len(a.Context) > 0 {
		ctxJSON, _ := json.MarshalIndent(a.Context, "", "  ")
		fmt.Fprintf(&body, "\r\nContext:\r\n%s\r\n", ctxJSON)
	}

	headers := [][2]string{
		{"From", h.cfg.From},
		{"To", strings.Join(h.cfg.Recipients, ", ")},
		{"Subject", mime.BEncoding.Encode("UTF-8", subject)},
		{"MIME-Version", "1.0"},
		{"Content-Type", "text/plain; charset=UTF-8"},
	}
	var msg strings.Builder
	for _, kv := range headers {
		fmt.Fprintf(&msg, "%s: %s\r\n", kv[0], kv[1])
	}
	msg.WriteString("\r\n")
	msg.WriteString(body.String())
	return []byte(msg.String())
}

// truncate shortens s to n runes so multi-byte text is never split.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

// sendTimeout bounds a whole SMTP exchange.
const sendTimeout = 15 * time.Second

func sendMail(ctx context.Context, cfg SMTPConfig, msg []byte) error {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}

	d := net.Dialer{Timeout: 5 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(sendTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	c, err := smtp.NewClient(conn, cfg.Host)
	if err != nil {
		_ = conn.Close()
		return err
	}
	defer c.Close()

	if cfg.TLS {
		if ok, _ := c.Extension("STARTTLS"); !ok {
			return fmt.Errorf("smtp server %s does not support STARTTLS", addr)
		}
		if err := c.StartTLS(&tls.Config{ServerName: cfg.Host}); err != nil {
			return err
		}
	}
	if auth != nil {
		if err := c.Auth(auth); err != nil {
			return err
		}
	}
	if err := c.Mail(cfg.From); err != nil {
		return err
	}
	for _, rcpt := range cfg.Recipients {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}
	wc, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := wc.Write(msg); err != nil {
		_ = wc.Close()
		return err
	}
	if err := wc.Close(); err != nil {
		return err
	}
	return c.Quit()
}
