// Package alert fans severity-tagged notifications out to the configured
// handlers. Delivery is best effort: a failing handler is logged and the
// remaining handlers still run. Nothing is retried.
package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marianozunino/opshub/internal/apperr"
	"github.com/marianozunino/opshub/internal/logging"
)

// Severity is an ordinal alert level.
type Severity int

const (
	Low Severity = iota + 1
	Medium
	High
	Critical
)

var severityNames = map[Severity]string{
	Low:      "low",
	Medium:   "medium",
	High:     "high",
	Critical: "critical",
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

// ParseSeverity accepts the lower-case names used in configuration.
func ParseSeverity(s string) (Severity, error) {
	for sev, name := range severityNames {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			return sev, nil
		}
	}
	return 0, fmt.Errorf("unknown alert severity %q", s)
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseSeverity(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Alert is a single notification.
type Alert struct {
	Timestamp time.Time      `json:"timestamp"`
	Severity  Severity       `json:"severity"`
	ErrorType string         `json:"error_type"`
	Message   string         `json:"error_message"`
	ErrorCode string         `json:"error_code,omitempty"`
	Details   map[string]any `json:"error_details,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
}

// FromError builds an alert describing err.
func FromError(err error, severity Severity, context map[string]any, userID string) Alert {
	a := Alert{
		Timestamp: time.Now().UTC(),
		Severity:  severity,
		ErrorType: strings.TrimPrefix(fmt.Sprintf("%T", err), "*"),
		Context:   context,
		UserID:    userID,
	}
	if err != nil {
		a.Message = err.Error()
	}
	if appErr, ok := apperr.As(err); ok {
		a.ErrorType = string(appErr.Kind)
		a.ErrorCode = appErr.Code
		a.Details = appErr.Details
	}
	return a
}

// Handler delivers alerts to one destination.
type Handler interface {
	Name() string
	MinSeverity() Severity
	Handle(ctx context.Context, a Alert) error
}

// Report records what happened to one dispatched alert.
type Report struct {
	Delivered []string          `json:"delivered"`
	Skipped   []string          `json:"skipped,omitempty"`
	Failed    map[string]string `json:"failed,omitempty"`
}

// Dispatcher fans alerts out to its handlers. It is safe for concurrent use.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers []Handler
	log      *zap.Logger
}

// NewDispatcher creates a dispatcher over the given handlers; nil handlers are ignored.
func NewDispatcher(log *zap.Logger, handlers ...Handler) *Dispatcher {
	d := &Dispatcher{log: log.Named("alert")}
	for _, h := range handlers {
		d.AddHandler(h)
	}
	return d
}

// AddHandler registers another destination.
func (d *Dispatcher) AddHandler(h Handler) {
	if h == nil {
		return
	}
	d.mu.Lock()
	d.handlers = append(d.handlers, h)
	d.mu.Unlock()
}

// Handlers returns the names of the registered handlers.
func (d *Dispatcher) Handlers() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.handlers))
	for _, h := range d.handlers {
		names = append(names, h.Name())
	}
	return names
}

// Dispatch logs the alert and hands it to every handler whose minimum
// severity it meets.
func (d *Dispatcher) Dispatch(ctx context.Context, a Alert) Report {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}

	d.log.Error("Alert triggered: "+a.ErrorType+" - "+a.Message,
		zap.Stringer("severity", a.Severity),
		zap.String("error_type", a.ErrorType),
		logging.User(a.UserID),
		logging.Context(a.Context),
	)

	d.mu.RLock()
	handlers := append([]Handler(nil), d.handlers...)
	d.mu.RUnlock()

	report := Report{Delivered: []string{}}
	for _, h := range handlers {
		if a.Severity < h.MinSeverity() {
			report.Skipped = append(report.Skipped, h.Name())
			continue
		}
		if err := h.Handle(ctx, a); err != nil {
			d.log.Error("Alert handler failed", zap.String("handler", h.Name()), zap.Error(err))
			if report.Failed == nil {
				report.Failed = make(map[string]string)
			}
			report.Failed[h.Name()] = err.Error()
			continue
		}
		report.Delivered = append(report.Delivered, h.Name())
	}
	return report
}

// Send dispatches an alert built from err.
func (d *Dispatcher) Send(ctx context.Context, err error, severity Severity, context map[string]any) Report {
	return d.Dispatch(ctx, FromError(err, severity, context, ""))
}

// Critical dispatches err at critical severity.
func (d *Dispatcher) Critical(ctx context.Context, err error, context map[string]any) Report {
	return d.Send(ctx, err, Critical, context)
}

// High dispatches err at high severity.
func (d *Dispatcher) High(ctx context.Context, err error, context map[string]any) Report {
	return d.Send(ctx, err, High, context)
}

// Close releases handlers that hold resources.
func (d *Dispatcher) Close() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var firstErr error
	for _, h := range d.handlers {
		if c, ok := h.(io.Closer); ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
