// Package cleanup deletes expired files according to retention rules, either
// on a timer or on demand.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marianozunino/opshub/internal/logging"
	"github.com/marianozunino/opshub/internal/utils"
)

// Run triggers.
const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
)

// RuleStats are the per-rule results of one run.
type RuleStats struct {
	Rule              string `json:"rule"`
	Directory         string `json:"directory"`
	FilesScanned      int    `json:"files_scanned"`
	FilesDeleted      int    `json:"files_deleted"`
	BytesFreed        int64  `json:"bytes_freed"`
	Skipped           int    `json:"skipped"`
	Errors            int    `json:"errors"`
	DirectoriesPruned int    `json:"directories_pruned"`
}

// Summary describes one cleanup run.
type Summary struct {
	Trigger            string        `json:"trigger"`
	StartedAt          time.Time     `json:"started_at"`
	Duration           time.Duration `json:"duration_ns"`
	Rules              []RuleStats   `json:"rules"`
	FilesDeleted       int           `json:"files_deleted"`
	BytesFreed         int64         `json:"bytes_freed"`
	DirectoriesCleaned int           `json:"directories_cleaned"`
	Errors             int           `json:"errors"`
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the time source used for file ages.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithOnRemove registers a callback invoked with every deleted path.
func WithOnRemove(fn func(ctx context.Context, path string)) Option {
	return func(s *Scheduler) { s.onRemove = fn }
}

// WithOnRun registers a callback invoked after every completed run.
func WithOnRun(fn func(ctx context.Context, summary Summary)) Option {
	return func(s *Scheduler) { s.onRun = fn }
}

// Scheduler applies rules periodically in a background goroutine.
type Scheduler struct {
	rules    []Rule
	interval time.Duration
	log      *zap.Logger
	now      func() time.Time
	onRemove func(ctx context.Context, path string)
	onRun    func(ctx context.Context, summary Summary)

	// runMu serialises runs so manual and scheduled triggers never overlap.
	runMu sync.Mutex

	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	last    *Summary
}

// New creates a scheduler. A non-positive interval defaults to 24 hours.
func New(rules []Rule, interval time.Duration, log *zap.Logger, opts ...Option) *Scheduler {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	s := &Scheduler{
		rules:    rules,
		interval: interval,
		log:      log.Named("cleanup"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Rules returns the configured rules.
func (s *Scheduler) Rules() []Rule {
	return append([]Rule(nil), s.rules...)
}

// Interval returns the time between scheduled runs.
func (s *Scheduler) Interval() time.Duration { return s.interval }

// Start launches the background loop. It runs once immediately and then on
// every tick until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.log.Warn("Cleanup scheduler already running")
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.running = true
	done := s.done
	s.mu.Unlock()

	go s.loop(ctx, done)
	s.log.Info("Started scheduled file cleanup service",
		zap.Duration("interval", s.interval),
		zap.Int("rules", len(s.rules)),
	)
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		close(done)
	}()

	s.safeRun(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.safeRun(ctx)
		case <-ctx.Done():
			s.log.Info("Stopped scheduled file cleanup service")
			return
		}
	}
}

func (s *Scheduler) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Error during scheduled cleanup",
				logging.Operation("scheduled_cleanup"),
				zap.Any("panic", r),
			)
		}
	}()
	s.Run(ctx, TriggerScheduled)
}

// Stop cancels the background loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether the background loop is alive.
func (s *Scheduler) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// LastRun returns the summary of the most recent run.
func (s *Scheduler) LastRun() (Summary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return Summary{}, false
	}
	return *s.last, true
}

// Run applies every rule once. It is used by both the ticker and manual
// triggers; concurrent calls wait for each other.
func (s *Scheduler) Run(ctx context.Context, trigger string) Summary {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	started := s.now()
	summary := Summary{Trigger: trigger, StartedAt: started.UTC()}
	log := s.log.With(logging.Operation("run_cleanup"), zap.String("trigger", trigger))
	log.Info("Starting file cleanup process")

	for _, rule := range s.rules {
		if ctx.Err() != nil {
			break
		}
		stats := s.applyRule(ctx, rule, log)
		summary.Rules = append(summary.Rules, stats)
		summary.FilesDeleted += stats.FilesDeleted
		summary.BytesFreed += stats.BytesFreed
		summary.DirectoriesCleaned += stats.DirectoriesPruned
		summary.Errors += stats.Errors
	}
	summary.Duration = time.Since(started)

	log.Info(fmt.Sprintf("Cleanup completed: deleted %d files, freed %s",
		summary.FilesDeleted, utils.FormatFileSize(summary.BytesFreed)),
		zap.Int("files_deleted", summary.FilesDeleted),
		zap.Int64("bytes_freed", summary.BytesFreed),
		zap.Int("directories_cleaned", summary.DirectoriesCleaned),
		zap.Int("errors", summary.Errors),
		zap.Duration("duration", summary.Duration),
	)

	s.mu.Lock()
	s.last = &summary
	s.mu.Unlock()

	if s.onRun != nil {
		s.onRun(ctx, summary)
	}
	return summary
}

func (s *Scheduler) applyRule(ctx context.Context, rule Rule, log *zap.Logger) RuleStats {
	stats := RuleStats{Rule: rule.Name, Directory: rule.Dir}
	log = log.With(zap.String("rule", rule.Name), zap.String("directory", rule.Dir))

	root, err := filepath.Abs(rule.Dir)
	if err != nil {
		stats.Errors++
		log.Error("Error resolving directory", zap.Error(err))
		return stats
	}
	if _, err := os.Stat(root); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			stats.Errors++
			log.Error("Error cleaning directory", zap.Error(err))
		}
		return stats
	}

	now := s.now()
	var dirs []string

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) {
				stats.Skipped++
				return nil
			}
			stats.Errors++
			log.Error("Failed to scan path", zap.String("path", path), zap.Error(walkErr))
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			if path != root {
				dirs = append(dirs, path)
			}
			return nil
		}
		if !d.Type().IsRegular() || !rule.matches(d.Name()) {
			return nil
		}

		stats.FilesScanned++
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				stats.Skipped++
				return nil
			}
			stats.Errors++
			log.Error("Failed to stat file", zap.String("file_path", path), zap.Error(err))
			return nil
		}

		age := now.Sub(info.ModTime())
		if age <= rule.MaxAge {
			return nil
		}

		if err := os.Remove(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				stats.Skipped++
				return nil
			}
			stats.Errors++
			log.Error("Failed to delete file", logging.Operation("delete_file"), zap.String("file_path", path), zap.Error(err))
			return nil
		}

		stats.FilesDeleted++
		stats.BytesFreed += info.Size()
		log.Debug("Deleted old file",
			logging.Operation("delete_old_file"),
			zap.String("file_path", path),
			zap.Float64("file_age_hours", age.Hours()),
			zap.Int64("file_size", info.Size()),
		)
		if s.onRemove != nil {
			s.onRemove(ctx, path)
		}
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		stats.Errors++
		log.Error("Error cleaning directory", zap.Error(err))
	}

	stats.DirectoriesPruned = pruneEmptyDirs(dirs, log)
	return stats
}

// pruneEmptyDirs removes empty directories deepest first so parents emptied
// by their children are removed too.
func pruneEmptyDirs(dirs []string, log *zap.Logger) int {
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })

	pruned := 0
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			continue
		}
		if err := os.Remove(dir); err == nil {
			pruned++
			log.Debug("Removed empty directory", zap.String("directory", dir))
		}
	}
	return pruned
}
