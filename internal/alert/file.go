package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// FileHandler appends alerts as JSON lines to a rotating file.
type FileHandler struct {
	mu sync.Mutex
	w  *lumberjack.Logger
}

// NewFileHandler creates the handler, making sure the directory exists.
func NewFileHandler(path string, maxSizeMiB, maxBackups int) (*FileHandler, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create alert directory: %w", err)
	}
	return &FileHandler{
		w: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSizeMiB,
			MaxBackups: maxBackups,
		},
	}, nil
}

func (h *FileHandler) Name() string { return "file" }

func (h *FileHandler) MinSeverity() Severity { return Low }

func (h *FileHandler) Handle(_ context.Context, a Alert) error {
	line, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}
	line = append(line, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, err := h.w.Write(line); err != nil {
		return fmt.Errorf("failed to write alert to file: %w", err)
	}
	return nil
}

func (h *FileHandler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.w.Close()
}
