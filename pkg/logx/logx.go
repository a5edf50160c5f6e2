// Package logx is the leveled, component-scoped logger used across foreman.
//
// Lines look like
//
//	[2026-01-02T03:04:05.000Z] [driver.claudecli] WARN: retrying after timeout
//
// The minimum level comes from FOREMAN_LOG_LEVEL (debug, info, warn, error).
// DEBUG=1 is shorthand for debug, and DEBUG_DOMAINS=graph,orch limits debug
// lines to the named domains: the part of a component before the first dot.
package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level orders log severities.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	default:
		return "ERROR"
	}
}

// ParseLevel accepts the names printed by Level.String, in any case.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug, nil
	case "INFO", "":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "ERROR":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

const timestampLayout = "2006-01-02T15:04:05.000Z"

type settings struct {
	mu      sync.RWMutex
	min     Level
	domains map[string]bool // nil means every domain
	out     io.Writer
	now     func() time.Time
}

var (
	global  = &settings{min: LevelInfo, out: os.Stderr, now: time.Now}
	writeMu sync.Mutex
)

func init() { //nolint:gochecknoinits // env configuration must apply before the first log line
	configureFromEnv(os.Getenv)
}

func configureFromEnv(getenv func(string) string) {
	if lvl, err := ParseLevel(getenv("FOREMAN_LOG_LEVEL")); err == nil {
		SetLevel(lvl)
	}
	if d := getenv("DEBUG"); d == "1" || strings.EqualFold(d, "true") {
		SetLevel(LevelDebug)
	}
	if domains := getenv("DEBUG_DOMAINS"); domains != "" {
		SetDebugDomains(strings.Split(domains, ","))
	}
}

// SetLevel sets the minimum level written by every logger.
func SetLevel(l Level) {
	global.mu.Lock()
	defer global.mu.Unlock()
	global.min = l
}

// SetDebug switches between debug and info as the minimum level.
func SetDebug(enabled bool) {
	if enabled {
		SetLevel(LevelDebug)
		return
	}
	SetLevel(LevelInfo)
}

// SetDebugDomains restricts debug lines to the given domains. An empty list
// allows all of them again.
func SetDebugDomains(domains []string) {
	global.mu.Lock()
	defer global.mu.Unlock()
	if len(domains) == 0 {
		global.domains = nil
		return
	}
	global.domains = make(map[string]bool, len(domains))
	for _, d := range domains {
		if d = strings.TrimSpace(d); d != "" {
			global.domains[d] = true
		}
	}
}

// SetOutput redirects every logger; nil restores stderr.
func SetOutput(w io.Writer) {
	global.mu.Lock()
	defer global.mu.Unlock()
	if w == nil {
		w = os.Stderr
	}
	global.out = w
}

func enabled(l Level, domain string) bool {
	global.mu.RLock()
	defer global.mu.RUnlock()
	if l < global.min {
		return false
	}
	if l == LevelDebug && global.domains != nil {
		return global.domains[domain]
	}
	return true
}

// Logger writes lines tagged with a component name.
type Logger struct {
	component string
	domain    string
}

// NewLogger creates a logger for a dotted component name such as
// "driver.claudecli".
func NewLogger(component string) *Logger {
	domain := component
	if i := strings.IndexByte(component, '.'); i > 0 {
		domain = component[:i]
	}
	return &Logger{component: component, domain: domain}
}

// With returns a logger for a sub-component, e.g. "orch" -> "orch.wf-123".
// The debug domain is unchanged.
func (l *Logger) With(suffix string) *Logger {
	return &Logger{component: l.component + "." + suffix, domain: l.domain}
}

func (l *Logger) Component() string { return l.component }

func (l *Logger) Debug(format string, args ...any) { l.write(LevelDebug, format, args...) }
func (l *Logger) Info(format string, args ...any)  { l.write(LevelInfo, format, args...) }
func (l *Logger) Warn(format string, args ...any)  { l.write(LevelWarn, format, args...) }
func (l *Logger) Error(format string, args ...any) { l.write(LevelError, format, args...) }

func (l *Logger) write(level Level, format string, args ...any) {
	if !enabled(level, l.domain) {
		return
	}
	msg := fmt.Sprintf(format, args...)

	global.mu.RLock()
	out, now := global.out, global.now
	global.mu.RUnlock()

	writeMu.Lock()
	defer writeMu.Unlock()
	_, _ = fmt.Fprintf(out, "[%s] [%s] %s: %s\n", now().UTC().Format(timestampLayout), l.component, level, msg)
}
