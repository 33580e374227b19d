package backup

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/backapp/backapp/internal/models"
)

// Log filter modes
const (
	FilterNone   = ""
	FilterErrors = "errors"
	FilterSearch = "search"
	FilterRegex  = "regex"
)

var errorKeywords = []string{
	"error",
	"exception",
	"fatal",
	"warning",
	"warn",
	"failed",
	"failure",
	"critical",
	"panic",
	"traceback",
}

// LogFilter narrows a run log for display. The errors mode keeps WARN and
// ERROR lines plus any line whose message looks like a problem, so command
// output logged at INFO still shows up.
type LogFilter struct {
	Mode          string
	Pattern       string
	CaseSensitive bool
	regex         *regexp.Regexp
}

// NewLogFilter validates the mode and compiles regex patterns
func NewLogFilter(mode, pattern string, caseSensitive bool) (*LogFilter, error) {
	f := &LogFilter{Mode: mode, Pattern: pattern, CaseSensitive: caseSensitive}
	switch mode {
	case FilterNone, FilterErrors, FilterSearch:
	case FilterRegex:
		if pattern == "" {
			break
		}
		flags := ""
		if !caseSensitive {
			flags = "(?i)"
		}
		re, err := regexp.Compile(flags + pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern: %w", err)
		}
		f.regex = re
	default:
		return nil, fmt.Errorf("unknown filter %q", mode)
	}
	return f, nil
}

// Match reports whether a log line passes the filter
func (f *LogFilter) Match(entry models.RunLog) bool {
	switch f.Mode {
	case FilterErrors:
		if entry.Level == models.LogWarn || entry.Level == models.LogError {
			return true
		}
		lower := strings.ToLower(entry.Message)
		for _, kw := range errorKeywords {
			if strings.Contains(lower, kw) {
				return true
			}
		}
		return false
	case FilterSearch:
		if f.Pattern == "" {
			return true
		}
		if f.CaseSensitive {
			return strings.Contains(entry.Message, f.Pattern)
		}
		return strings.Contains(strings.ToLower(entry.Message), strings.ToLower(f.Pattern))
	case FilterRegex:
		return f.regex == nil || f.regex.MatchString(entry.Message)
	default:
		return true
	}
}

// Apply returns the matching lines, preserving order
func (f *LogFilter) Apply(entries []models.RunLog) []models.RunLog {
	if f == nil || f.Mode == FilterNone {
		return entries
	}
	out := make([]models.RunLog, 0, len(entries))
	for _, e := range entries {
		if f.Match(e) {
			out = append(out, e)
		}
	}
	return out
}
