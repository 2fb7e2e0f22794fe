package alert

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/marianozunino/opshub/internal/apperr"
	"github.com/marianozunino/opshub/internal/config"
)

type recordingHandler struct {
	name  string
	min   Severity
	err   error
	calls atomic.Int32
	last  Alert
}

func (h *recordingHandler) Name() string          { return h.name }
func (h *recordingHandler) MinSeverity() Severity { return h.min }
func (h *recordingHandler) Handle(_ context.Context, a Alert) error {
	h.calls.Add(1)
	h.last = a
	return h.err
}

func TestDispatchContinuesAfterHandlerFailure(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	failing := &recordingHandler{name: "broken", min: Low, err: errors.New("smtp down")}
	healthy := &recordingHandler{name: "file", min: Low}

	d := NewDispatcher(zap.New(core), failing, healthy)
	report := d.Critical(context.Background(), errors.New("disk full"), map[string]any{"op": "save"})

	assert.Equal(t, int32(1), failing.calls.Load())
	assert.Equal(t, int32(1), healthy.calls.Load())
	assert.Equal(t, []string{"file"}, report.Delivered)
	assert.Equal(t, "smtp down", report.Failed["broken"])

	assert.Equal(t, 1, logs.FilterMessage("Alert handler failed").Len())
	assert.Equal(t, 1, logs.FilterMessageSnippet("Alert triggered").Len())
}

func TestDispatchHonoursMinimumSeverity(t *testing.T) {
	email := &recordingHandler{name: "email", min: High}
	file := &recordingHandler{name: "file", min: Low}
	d := NewDispatcher(zap.NewNop(), email, file)

	report := d.Send(context.Background(), errors.New("slow query"), Medium, nil)
	assert.Equal(t, int32(0), email.calls.Load())
	assert.Equal(t, int32(1), file.calls.Load())
	assert.Equal(t, []string{"email"}, report.Skipped)

	d.High(context.Background(), errors.New("queue stuck"), nil)
	assert.Equal(t, int32(1), email.calls.Load())
	assert.Equal(t, High, email.last.Severity)
}

func TestNewDispatcherIgnoresNilHandlers(t *testing.T) {
	d := NewDispatcher(zap.NewNop(), nil, &recordingHandler{name: "file"})
	assert.Equal(t, []string{"file"}, d.Handlers())
}

func TestFromErrorCopiesApplicationErrorFields(t *testing.T) {
	err := apperr.Configuration("Missing required configuration", "SECRET_KEY")

	a := FromError(err, Critical, map[string]any{"phase": "startup"}, "admin")

	assert.Equal(t, string(apperr.KindConfiguration), a.ErrorType)
	assert.Equal(t, "Missing required configuration", a.Message)
	assert.Equal(t, Critical, a.Severity)
	assert.Equal(t, "admin", a.UserID)
	assert.Contains(t, a.Details, "invalid_variables")
	assert.False(t, a.Timestamp.IsZero())
}

func TestSeverityJSON(t *testing.T) {
	data, err := json.Marshal(Critical)
	require.NoError(t, err)
	assert.Equal(t, `"critical"`, string(data))

	var s Severity
	require.NoError(t, json.Unmarshal([]byte(`"MEDIUM"`), &s))
	assert.Equal(t, Medium, s)

	assert.Error(t, json.Unmarshal([]byte(`"urgent"`), &s))
}

func TestFileHandlerWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "alerts.jsonl")
	fh, err := NewFileHandler(path, 1, 1)
	require.NoError(t, err)

	d := NewDispatcher(zap.NewNop(), fh)
	d.Send(context.Background(), errors.New("first"), Low, nil)
	d.Critical(context.Background(), errors.New("second"), map[string]any{"k": "v"})
	require.NoError(t, d.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var alerts []Alert
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var a Alert
		require.NoError(t, json.Unmarshal(sc.Bytes(), &a))
		alerts = append(alerts, a)
	}
	require.Len(t, alerts, 2)
	assert.Equal(t, "first", alerts[0].Message)
	assert.Equal(t, Low, alerts[0].Severity)
	assert.Equal(t, "second", alerts[1].Message)
	assert.Equal(t, "v", alerts[1].Context["k"])
}

func TestWebhookHandlerPostsJSON(t *testing.T) {
	var got Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	h := NewWebhookHandler(srv.URL, 0, srv.Client())
	assert.Equal(t, High, h.MinSeverity())

	err := h.Handle(context.Background(), FromError(errors.New("boom"), Critical, nil, ""))
	require.NoError(t, err)
	assert.Equal(t, "boom", got.Message)
	assert.Equal(t, Critical, got.Severity)
}

func TestWebhookHandlerRejectsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	h := NewWebhookHandler(srv.URL, Low, srv.Client())
	err := h.Handle(context.Background(), Alert{Severity: Low, Message: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestEmailHandlerIncompleteConfigIsNoop(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	h := NewEmailHandler(SMTPConfig{Host: "smtp.example.com", Port: 587}, zap.New(core))
	h.send = func(context.Context, SMTPConfig, []byte) error {
		t.Fatal("send must not be called without recipients")
		return nil
	}

	require.NoError(t, h.Handle(context.Background(), Alert{Severity: Critical}))
	assert.Equal(t, 1, logs.FilterMessage("Email alerting not properly configured").Len())
}

func TestEmailHandlerRendersMessage(t *testing.T) {
	var sent []byte
	h := NewEmailHandler(SMTPConfig{
		Host:       "smtp.example.com",
		Port:       587,
		Username:   "ops@example.com",
		Recipients: []string{"a@example.com", "b@example.com"},
	}, zap.NewNop())
	h.send = func(_ context.Context, cfg SMTPConfig, msg []byte) error {
		assert.Equal(t, "ops@example.com", cfg.From)
		sent = msg
		return nil
	}

	a := FromError(apperr.Validation(apperr.CodeEmptyFile, "File is empty"), Critical, map[string]any{"file": "x.csv"}, "")
	require.NoError(t, h.Handle(context.Background(), a))

	msg := string(sent)
	assert.Contains(t, msg, "To: a@example.com, b@example.com\r\n")
	assert.Contains(t, msg, "Subject: ")
	assert.Contains(t, msg, "Code: EMPTY_FILE")
	assert.Contains(t, msg, `"file": "x.csv"`)
	assert.True(t, strings.Contains(msg, "\r\n\r\n"))
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "ñañ...", truncate("ñañañaña", 3))
	assert.Equal(t, "日本...", truncate("日本語のメッセージ", 2))
	assert.True(t, utf8.ValidString(truncate(strings.Repeat("é", 200), 120)))
}

// smtpListener accepts one connection and hands it to serve.
func smtpListener(t *testing.T, serve func(net.Conn)) SMTPConfig {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		serve(conn)
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return SMTPConfig{
		Host:       "127.0.0.1",
		Port:       addr.Port,
		From:       "ops@example.com",
		Recipients: []string{"oncall@example.com"},
	}
}

func TestSendMailHonoursContextOnStalledServer(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	cfg := smtpListener(t, func(net.Conn) { <-release })

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := sendMail(ctx, cfg, []byte("Subject: x\r\n\r\nbody"))
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

// plainSMTP answers like a server without STARTTLS and sends the DATA
// payload to data, when non-nil.
func plainSMTP(conn net.Conn, data chan<- string) {
	r := bufio.NewReader(conn)
	fmt.Fprint(conn, "220 mail.example.com ESMTP\r\n")
	var body strings.Builder
	inData := false
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		if inData {
			if line == ".\r\n" {
				inData = false
				if data != nil {
					data <- body.String()
				}
				fmt.Fprint(conn, "250 queued\r\n")
				continue
			}
			body.WriteString(line)
			continue
		}
		switch {
		case strings.HasPrefix(line, "EHLO"):
			fmt.Fprint(conn, "250 mail.example.com\r\n")
		case strings.HasPrefix(line, "DATA"):
			inData = true
			fmt.Fprint(conn, "354 go ahead\r\n")
		case strings.HasPrefix(line, "QUIT"):
			fmt.Fprint(conn, "221 bye\r\n")
			return
		default:
			fmt.Fprint(conn, "250 ok\r\n")
		}
	}
}

func TestSendMailWithoutTLS(t *testing.T) {
	data := make(chan string, 1)
	cfg := smtpListener(t, func(conn net.Conn) { plainSMTP(conn, data) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, sendMail(ctx, cfg, []byte("Subject: disk\r\n\r\nalmost full\r\n")))
	select {
	case got := <-data:
		assert.Contains(t, got, "almost full")
	case <-time.After(5 * time.Second):
		t.Fatal("message never reached the server")
	}
}

func TestSendMailRequiresStartTLSWhenConfigured(t *testing.T) {
	cfg := smtpListener(t, func(conn net.Conn) { plainSMTP(conn, nil) })
	cfg.TLS = true

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := sendMail(ctx, cfg, []byte("Subject: x\r\n\r\nbody"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STARTTLS")
}

func TestHandlersFromConfig(t *testing.T) {
	cfg := &config.Config{
		AlertFile:               filepath.Join(t.TempDir(), "alerts.jsonl"),
		AlertEmailEnabled:       true,
		AlertWebhookURL:         "http://hooks.invalid/alert",
		AlertWebhookMinSeverity: "medium",
	}

	handlers, err := HandlersFromConfig(cfg, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, handlers, 3)
	assert.Equal(t, "file", handlers[0].Name())
	assert.Equal(t, "email", handlers[1].Name())
	assert.Equal(t, "webhook", handlers[2].Name())
	assert.Equal(t, Medium, handlers[2].MinSeverity())

	cfg.AlertWebhookMinSeverity = "sometimes"
	handlers, err = HandlersFromConfig(cfg, zap.NewNop())
	require.NoError(t, err, "a bad threshold falls back instead of failing startup")
	require.Len(t, handlers, 3)
	assert.Equal(t, High, handlers[2].MinSeverity())
}
