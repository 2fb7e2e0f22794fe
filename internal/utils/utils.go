package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FormatFileSize converts bytes to human-readable format
func FormatFileSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(size)/float64(div), "KMGTPE"[exp])
}

// ParseMaxAge reads a retention age. A bare integer is a number of hours,
// "Nd" a number of days, anything else a Go duration such as "90m".
func ParseMaxAge(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty max age")
	}

	var d time.Duration
	if hours, err := strconv.Atoi(s); err == nil {
		d = time.Duration(hours) * time.Hour
	} else if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("invalid max age %q", s)
		}
		d = time.Duration(n) * 24 * time.Hour
	} else {
		d, err = time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("invalid max age %q", s)
		}
	}

	if d <= 0 {
		return 0, fmt.Errorf("max age must be positive, got %q", s)
	}
	return d, nil
}

// FormatAge renders a duration in whole hours, or days when it divides evenly.
func FormatAge(d time.Duration) string {
	hours := int64(d / time.Hour)
	if hours > 0 && hours%24 == 0 {
		return fmt.Sprintf("%dd", hours/24)
	}
	if d%time.Hour == 0 {
		return fmt.Sprintf("%dh", hours)
	}
	return d.String()
}
