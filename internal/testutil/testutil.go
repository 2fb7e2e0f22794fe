// Package testutil holds helpers shared by package tests.
package testutil

import (
	"bytes"
	"mime/multipart"
	"net/textproto"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marianozunino/opshub/internal/config"
)

// Config returns a development configuration whose directories and database
// live under a fresh temporary directory.
func Config(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Env:                  "development",
		Port:                 5000,
		BaseURL:              "http://localhost:5000/",
		SecretKey:            "test-secret-key-that-is-long-enough-0123456789",
		AdminAuthEnabled:     true,
		LogLevel:             "debug",
		LogDir:               filepath.Join(dir, "logs"),
		LogMaxSizeMiB:        1,
		LogMaxBackups:        1,
		UploadPath:           filepath.Join(dir, "uploads"),
		StagingPath:          filepath.Join(dir, "staging"),
		TempPath:             filepath.Join(dir, "tmp"),
		SQLitePath:           filepath.Join(dir, "data", "opshub.db"),
		MaxUploadMiB:         100,
		RateLimitPerMinute:   1000,
		CleanupEnabled:       true,
		CleanupIntervalHours: 24,
		AlertFile:            filepath.Join(dir, "logs", "alerts.jsonl"),
	}
}

// WriteAged creates path with content and backdates its modification time by age.
func WriteAged(t *testing.T, path, content string, age time.Duration) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	ts := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, ts, ts))
	return path
}

// MultipartFile builds a multipart body with one file part named field.
func MultipartFile(t *testing.T, field, filename, contentType string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="`+field+`"; filename="`+filename+`"`)
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	part, err := w.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	return body, w.FormDataContentType()
}

// Chdir changes the working directory to dir for the duration of the test,
// restoring the previous directory on cleanup (a stand-in for testing.T.Chdir,
// which needs Go 1.24).
func Chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Setenv("PWD", dir)
	t.Cleanup(func() {
		if err := os.Chdir(prev); err != nil {
			t.Fatal(err)
		}
	})
}
