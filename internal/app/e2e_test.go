package app_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marianozunino/opshub/internal/app"
	"github.com/marianozunino/opshub/internal/auth"
	"github.com/marianozunino/opshub/internal/config"
	"github.com/marianozunino/opshub/internal/handler"
	"github.com/marianozunino/opshub/internal/logging"
	"github.com/marianozunino/opshub/internal/model"
	"github.com/marianozunino/opshub/internal/testutil"
)

var inventoryCSV = []byte("sku,description,on_hand,reorder_point\nA-100,Widget,3,10\nB-200,Gadget,50,20\n")

type server struct {
	app     *app.App
	cfg     *config.Config
	baseURL string
	client  *http.Client
}

func startServer(t *testing.T, mutate func(*config.Config)) *server {
	t.Helper()
	cfg := testutil.Config(t)
	cfg.CleanupEnabled = false
	if mutate != nil {
		mutate(cfg)
	}

	a, err := app.NewWithConfig(cfg, app.WithLogger(logging.NewNop()))
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	a.Serve(ln)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, a.Shutdown(ctx))
	})

	s := &server{
		app:     a,
		cfg:     cfg,
		baseURL: "http://" + ln.Addr().String(),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
	require.True(t, s.waitReady(5*time.Second), "server failed to start")
	return s
}

func (s *server) waitReady(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := s.client.Get(s.baseURL + "/health")
		if err == nil {
			resp.Body.Close()
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return false
}

func (s *server) do(t *testing.T, method, path, token string, body io.Reader, contentType string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, s.baseURL+path, body)
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (s *server) upload(t *testing.T, path, filename string, content []byte) (*http.Response, []byte) {
	t.Helper()
	body, ct := testutil.MultipartFile(t, "file", filename, "text/csv", content)
	return s.do(t, http.MethodPost, path, "", body, ct)
}

func (s *server) adminToken(t *testing.T) string {
	t.Helper()
	tok, err := auth.GenerateToken(s.cfg.SecretKey, "e2e", auth.RoleAdmin, time.Hour)
	require.NoError(t, err)
	return tok
}

func TestE2EUploadLifecycle(t *testing.T) {
	s := startServer(t, nil)

	resp, data := s.upload(t, "/assembly/upload", "inventory.csv", inventoryCSV)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))

	var created model.StoredFileView
	require.NoError(t, json.Unmarshal(data, &created))
	assert.Equal(t, "assembly", created.Category)
	assert.FileExists(t, created.Path)

	resp, data = s.do(t, http.MethodGet, "/uploads/"+created.ID, "", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), created.SHA256)

	// Age the file past the 48h uploads rule and clean up through the admin API.
	old := time.Now().Add(-72 * time.Hour)
	require.NoError(t, os.Chtimes(created.Path, old, old))

	resp, _ = s.do(t, http.MethodPost, "/system/cleanup", "", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, data = s.do(t, http.MethodPost, "/system/cleanup", s.adminToken(t), nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))

	var cleaned handler.CleanupResponse
	require.NoError(t, json.Unmarshal(data, &cleaned))
	assert.Equal(t, 1, cleaned.Summary.FilesDeleted)
	assert.NoFileExists(t, created.Path)

	resp, _ = s.do(t, http.MethodGet, "/uploads/"+created.ID, "", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "cleanup drops the registry record")

	resp, data = s.do(t, http.MethodGet, "/health", "", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health handler.HealthResponse
	require.NoError(t, json.Unmarshal(data, &health))
	assert.False(t, health.CleanupServiceRunning)
	require.NotNil(t, health.LastCleanup)
	assert.Equal(t, "manual", health.LastCleanup.Trigger)
}

func TestE2ERejectsBadUploads(t *testing.T) {
	s := startServer(t, nil)

	resp, data := s.upload(t, "/purchase-orders/upload", "orders.exe", []byte("MZ\x90\x00"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(data), `"error_code":"UNSUPPORTED_FILE_TYPE"`)

	resp, data = s.upload(t, "/uploads/payroll", "orders.csv", inventoryCSV)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(data), `"error_code":"UNKNOWN_CATEGORY"`)
}

func TestE2EBodyLimit(t *testing.T) {
	s := startServer(t, func(c *config.Config) { c.MaxUploadMiB = 0.25 })

	big := make([]byte, 1024*1024)
	for i := range big {
		big[i] = 'a'
	}
	resp, data := s.upload(t, "/uploads/spreadsheet", "big.csv", big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Contains(t, string(data), `"error_code":"FILE_TOO_LARGE"`)
}

func TestE2ERateLimit(t *testing.T) {
	s := startServer(t, func(c *config.Config) { c.RateLimitPerMinute = 2 })

	// A budget of two per minute allows a burst of one.
	resp, _ := s.upload(t, "/uploads/spreadsheet", "a.csv", inventoryCSV)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, data := s.upload(t, "/uploads/spreadsheet", "b.csv", inventoryCSV)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Contains(t, string(data), `"error_code":"RATE_LIMITED"`)

	resp, _ = s.do(t, http.MethodGet, "/health", "", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode, "only uploads are rate limited")
}

func TestE2EAdminListFiles(t *testing.T) {
	s := startServer(t, nil)
	for i := 0; i < 3; i++ {
		resp, _ := s.upload(t, "/uploads/spreadsheet", fmt.Sprintf("sheet-%d.csv", i), inventoryCSV)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp, data := s.do(t, http.MethodGet, "/system/files?limit=2", s.adminToken(t), nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	assert.Contains(t, string(data), `"count":2`)

	userTok, err := auth.GenerateToken(s.cfg.SecretKey, "viewer", "viewer", time.Hour)
	require.NoError(t, err)
	resp, _ = s.do(t, http.MethodGet, "/system/files", userTok, nil, "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestE2EScheduledCleanupPersistsRuns(t *testing.T) {
	s := startServer(t, func(c *config.Config) { c.CleanupEnabled = true })

	require.Eventually(t, func() bool {
		resp, data := s.do(t, http.MethodGet, "/health", "", nil, "")
		if resp.StatusCode != http.StatusOK {
			return false
		}
		var health handler.HealthResponse
		return json.Unmarshal(data, &health) == nil && health.CleanupServiceRunning && health.LastCleanup != nil
	}, 5*time.Second, 50*time.Millisecond)
}

func TestE2EGeneratedSecretLeavesAdminReachable(t *testing.T) {
	s := startServer(t, func(c *config.Config) { c.SecretKey = "" })
	require.True(t, s.app.Environment().AdminAuthDisabled)

	resp, data := s.do(t, http.MethodPost, "/system/cleanup", "", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode, string(data))

	resp, _ = s.do(t, http.MethodGet, "/system/files", "", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
