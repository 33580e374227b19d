package backup

import (
	"path"
	"strings"
)

// ExcludeMatcher applies a comma-separated exclude list to paths relative
// to a file rule's root. An entry excludes a path when
//   - it is a glob matching the basename ("*.log"),
//   - it is a glob matching the whole relative path ("cache/*.tmp"), or
//   - it has no glob characters and equals a run of whole path
//     components ("node_modules", "logs/archive").
//
// The first matching entry wins. A matched directory is not descended into.
type ExcludeMatcher struct {
	patterns []string
}

// ParseExclude builds a matcher from a comma-separated list
func ParseExclude(list string) *ExcludeMatcher {
	m := &ExcludeMatcher{}
	for _, p := range strings.Split(list, ",") {
		p = strings.Trim(strings.TrimSpace(p), "/")
		if p != "" {
			m.patterns = append(m.patterns, p)
		}
	}
	return m
}

// Empty reports whether the matcher has no patterns
func (m *ExcludeMatcher) Empty() bool {
	return len(m.patterns) == 0
}

// Match reports whether rel is excluded
func (m *ExcludeMatcher) Match(rel string) bool {
	rel = strings.Trim(path.Clean("/"+rel), "/")
	if rel == "" {
		return false
	}
	base := path.Base(rel)

	for _, p := range m.patterns {
		if strings.ContainsAny(p, "*?[") {
			if ok, _ := path.Match(p, base); ok {
				return true
			}
			if ok, _ := path.Match(p, rel); ok {
				return true
			}
			continue
		}
		if strings.Contains("/"+rel+"/", "/"+p+"/") {
			return true
		}
	}
	return false
}
