package backup

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// NamingVars are the values substituted into a naming pattern
type NamingVars struct {
	Time    time.Time
	Profile string
	Server  string
	RunID   int64
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SanitizeName makes s safe to use as a single path segment
func SanitizeName(s string) string {
	s = unsafeNameChars.ReplaceAllString(strings.TrimSpace(s), "_")
	s = strings.Trim(s, "._")
	if s == "" {
		return "backup"
	}
	return s
}

// ExpandPattern substitutes naming tokens. Unknown tokens are left as-is.
//
//	{YYYY} {MM} {DD} {HH} {mm} {SS}  date and time parts
//	{TIMESTAMP}                      unix seconds
//	{profile} {server}               sanitized names
//	{run}                            run id
func ExpandPattern(pattern string, vars NamingVars) string {
	t := vars.Time
	replacer := strings.NewReplacer(
		"{YYYY}", fmt.Sprintf("%04d", t.Year()),
		"{MM}", fmt.Sprintf("%02d", int(t.Month())),
		"{DD}", fmt.Sprintf("%02d", t.Day()),
		"{HH}", fmt.Sprintf("%02d", t.Hour()),
		"{mm}", fmt.Sprintf("%02d", t.Minute()),
		"{SS}", fmt.Sprintf("%02d", t.Second()),
		"{TIMESTAMP}", strconv.FormatInt(t.Unix(), 10),
		"{profile}", SanitizeName(vars.Profile),
		"{server}", SanitizeName(vars.Server),
		"{run}", strconv.FormatInt(vars.RunID, 10),
	)
	return replacer.Replace(pattern)
}

// RunDirectoryName is the directory a run writes into, relative to the
// storage base path. Patterns without {run} get "-r<id>" appended so two
// runs never share a directory.
func RunDirectoryName(pattern string, vars NamingVars) string {
	name := ExpandPattern(pattern, vars)
	if !strings.Contains(pattern, "{run}") {
		name = fmt.Sprintf("%s-r%d", name, vars.RunID)
	}
	name = strings.ReplaceAll(name, "/", "_")
	return SanitizeName(name)
}
