package cleanup

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/marianozunino/opshub/internal/config"
	"github.com/marianozunino/opshub/internal/utils"
)

// Rule deletes files under Dir older than MaxAge whose base name matches
// Pattern and whose extension is in Extensions (empty means any).
type Rule struct {
	Name       string        `json:"name"`
	Dir        string        `json:"directory"`
	Pattern    string        `json:"pattern"`
	MaxAge     time.Duration `json:"max_age"`
	Extensions []string      `json:"extensions,omitempty"`
}

func (r Rule) matches(name string) bool {
	if r.Pattern != "" && r.Pattern != "*" {
		if ok, err := filepath.Match(r.Pattern, name); err != nil || !ok {
			return false
		}
	}
	if len(r.Extensions) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range r.Extensions {
		if e == ext {
			return true
		}
	}
	return false
}

func (r Rule) String() string {
	s := fmt.Sprintf("%s=%s:%s", r.Name, r.Dir, utils.FormatAge(r.MaxAge))
	if len(r.Extensions) > 0 || (r.Pattern != "" && r.Pattern != "*") {
		s += ":" + strings.Join(r.Extensions, "|")
	}
	if r.Pattern != "" && r.Pattern != "*" {
		s += ":" + r.Pattern
	}
	return s
}

// ParseRule reads "name=dir:maxage[:ext|ext[:pattern]]". Max age follows
// utils.ParseMaxAge, so "48" means 48 hours.
func ParseRule(s string) (Rule, error) {
	name, rest, ok := strings.Cut(strings.TrimSpace(s), "=")
	if !ok || strings.TrimSpace(name) == "" {
		return Rule{}, fmt.Errorf("invalid cleanup rule %q: expected name=dir:maxage", s)
	}

	parts := strings.Split(rest, ":")
	if len(parts) < 2 || len(parts) > 4 || strings.TrimSpace(parts[0]) == "" {
		return Rule{}, fmt.Errorf("invalid cleanup rule %q: expected name=dir:maxage[:ext|ext[:pattern]]", s)
	}

	maxAge, err := utils.ParseMaxAge(parts[1])
	if err != nil {
		return Rule{}, fmt.Errorf("invalid cleanup rule %q: %w", s, err)
	}

	rule := Rule{
		Name:    strings.TrimSpace(name),
		Dir:     strings.TrimSpace(parts[0]),
		Pattern: "*",
		MaxAge:  maxAge,
	}
	if len(parts) > 2 {
		rule.Extensions = parseExtensions(parts[2])
	}
	if len(parts) > 3 && strings.TrimSpace(parts[3]) != "" {
		rule.Pattern = strings.TrimSpace(parts[3])
		if _, err := filepath.Match(rule.Pattern, ""); err != nil {
			return Rule{}, fmt.Errorf("invalid cleanup rule %q: bad pattern: %w", s, err)
		}
	}
	return rule, nil
}

func parseExtensions(s string) []string {
	var exts []string
	for _, e := range strings.Split(s, "|") {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		exts = append(exts, e)
	}
	return exts
}

// RotatedBackupPattern matches the backups lumberjack leaves next to a live
// file, e.g. opshub-2026-01-02T15-04-05.000.log. The live files themselves
// stay open for writing and must never be removed.
const RotatedBackupPattern = "*-[0-9][0-9][0-9][0-9]-[0-9][0-9]-[0-9][0-9]T[0-9][0-9]-[0-9][0-9]-[0-9][0-9].[0-9][0-9][0-9]*"

// DefaultRules returns the retention rules for the configured directories.
func DefaultRules(cfg *config.Config) []Rule {
	return []Rule{
		{Name: "uploads", Dir: cfg.UploadPath, Pattern: "*", MaxAge: 48 * time.Hour},
		{Name: "staging", Dir: cfg.StagingPath, Pattern: "*", MaxAge: 24 * time.Hour},
		{Name: "logs", Dir: cfg.LogDir, Pattern: RotatedBackupPattern, MaxAge: 168 * time.Hour, Extensions: []string{".log", ".gz", ".jsonl"}},
		{Name: "temp", Dir: cfg.TempPath, Pattern: "*", MaxAge: 6 * time.Hour},
	}
}

// RulesFromConfig starts from the default rules and applies configured
// rules on top, replacing defaults with the same name.
func RulesFromConfig(cfg *config.Config) ([]Rule, error) {
	rules := DefaultRules(cfg)
	index := make(map[string]int, len(rules))
	for i, r := range rules {
		index[r.Name] = i
	}

	for _, raw := range cfg.CleanupRules {
		r, err := ParseRule(raw)
		if err != nil {
			return nil, err
		}
		if i, ok := index[r.Name]; ok {
			rules[i] = r
			continue
		}
		index[r.Name] = len(rules)
		rules = append(rules, r)
	}

	out := rules[:0]
	for _, r := range rules {
		if r.Dir == "" {
			continue
		}
		// Registry paths are absolute; deleted paths must compare equal.
		abs, err := filepath.Abs(r.Dir)
		if err != nil {
			return nil, fmt.Errorf("invalid cleanup rule %s: %w", r.Name, err)
		}
		r.Dir = abs
		out = append(out, r)
	}
	return out, nil
}
