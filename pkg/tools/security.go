package tools

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SecurityKind identifies which check rejected a tool call.
type SecurityKind string

const (
	SecurityInjection        SecurityKind = "injection"
	SecurityBlockedCommand   SecurityKind = "blocked_command"
	SecurityDangerousPattern SecurityKind = "dangerous_pattern"
	SecurityPathTraversal    SecurityKind = "path_traversal"
	SecurityNotAllowed       SecurityKind = "not_allowed"
)

// SecurityError is fatal to a single tool call. The agent loop reports it back
// to the model as a failed tool result; it never fails the workflow.
type SecurityError struct {
	Kind   SecurityKind
	Detail string
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("security violation (%s): %s", e.Kind, e.Detail)
}

// IsSecurityError reports whether err is a SecurityError.
func IsSecurityError(err error) bool {
	var sec *SecurityError
	return errors.As(err, &sec)
}

// injectionPatterns are rejected anywhere in a command. Commands are executed
// without a shell, so these would otherwise be passed through as literal args
// and confuse the model about what ran.
//
//nolint:gochecknoglobals // static rule table
var injectionPatterns = []string{"`", "$(", ";", "&&", "||", "|", ">", "<", "\n"}

//nolint:gochecknoglobals // static rule table
var defaultBlockedCommands = []string{
	"sudo", "su", "doas", "shutdown", "reboot", "halt", "poweroff",
	"mkfs", "dd", "fdisk", "mount", "umount", "nc", "ncat", "telnet",
}

//nolint:gochecknoglobals // static rule table
var dangerousPatterns = []string{
	"rm -rf /", "rm -rf ~", "rm -rf *", "rm -fr /",
	"chmod -r 777 /", "chown -r",
	"git push --force", "git push -f",
	":(){",
}

// Policy configures command checks.
type Policy struct {
	// Allowed, when non-empty, is the exhaustive list of permitted programs.
	Allowed []string
	// Blocked extends the default blocked program list.
	Blocked []string
}

// CheckCommand validates a raw command line and its parsed argv.
func (p Policy) CheckCommand(raw string, argv []string) error {
	for _, pattern := range injectionPatterns {
		if strings.Contains(raw, pattern) {
			return &SecurityError{Kind: SecurityInjection, Detail: fmt.Sprintf("command contains %q", pattern)}
		}
	}

	lower := strings.ToLower(strings.Join(strings.Fields(raw), " "))
	for _, pattern := range dangerousPatterns {
		if strings.Contains(lower, pattern) {
			return &SecurityError{Kind: SecurityDangerousPattern, Detail: fmt.Sprintf("command matches %q", pattern)}
		}
	}

	if len(argv) == 0 {
		return &SecurityError{Kind: SecurityNotAllowed, Detail: "empty command"}
	}
	program := filepath.Base(argv[0])
	for _, blocked := range append(append([]string(nil), defaultBlockedCommands...), p.Blocked...) {
		if program == blocked {
			return &SecurityError{Kind: SecurityBlockedCommand, Detail: fmt.Sprintf("%s is not permitted", program)}
		}
	}

	if len(p.Allowed) > 0 {
		for _, allowed := range p.Allowed {
			if program == allowed {
				return nil
			}
		}
		return &SecurityError{Kind: SecurityNotAllowed, Detail: fmt.Sprintf("%s is not in the allowed command list", program)}
	}
	return nil
}

// ResolvePath maps a workspace-relative (or absolute) path to an absolute path
// inside root, rejecting anything that escapes it, including through symlinks.
func ResolvePath(root, path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", &SecurityError{Kind: SecurityPathTraversal, Detail: "empty path"}
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(absRoot); err == nil {
		absRoot = resolved
	}

	candidate := path
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(absRoot, candidate)
	}
	candidate = filepath.Clean(candidate)
	if !within(absRoot, candidate) {
		return "", &SecurityError{Kind: SecurityPathTraversal, Detail: fmt.Sprintf("%s is outside the workspace", path)}
	}

	// Resolve the deepest existing ancestor so a symlinked directory cannot
	// point outside the workspace.
	existing := candidate
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		existing = parent
	}
	if real, err := filepath.EvalSymlinks(existing); err == nil && !within(absRoot, real) {
		return "", &SecurityError{Kind: SecurityPathTraversal, Detail: fmt.Sprintf("%s resolves outside the workspace", path)}
	}
	return candidate, nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
