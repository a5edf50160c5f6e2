// Package plan reads the architect's markdown plan: its title, goal and key
// files, and recovers the plan from tool calls when the agent wrote it to disk.
package plan

import (
	"bytes"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"foreman/pkg/state"
	"foreman/pkg/tasks"
	"foreman/pkg/tools"
)

// DefaultDir is where plans are written relative to the working directory.
const DefaultDir = "docs/plans"

var (
	goalPrefixRe = regexp.MustCompile(`(?i)^\**goal\**\s*:\**\s*`)
	pathLikeRe   = regexp.MustCompile(`^[\w./-]+\.[A-Za-z0-9]+$|^[\w.-]+/[\w./-]*$`)
)

// Summary is what the pipeline extracts from a plan.
type Summary struct {
	Title    string
	Goal     string
	KeyFiles []string
	Tasks    int
}

// Parser extracts summaries from plan markdown.
type Parser struct {
	markdown goldmark.Markdown
}

// NewParser creates a parser.
func NewParser() *Parser {
	return &Parser{markdown: goldmark.New()}
}

// Summarize walks the plan's markdown AST. The title is the first level-1
// heading. The goal is a paragraph starting with "Goal:" or the first paragraph
// under a "Goal" heading. Key files are the code spans listed under a heading
// containing "files".
func (p *Parser) Summarize(markdown string) Summary {
	source := []byte(markdown)
	doc := p.markdown.Parser().Parse(text.NewReader(source))

	summary := Summary{Tasks: tasks.CountTasks(markdown)}
	var section string
	seen := map[string]bool{}

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Heading:
			heading := strings.TrimSpace(inlineText(node, source))
			if node.Level == 1 && summary.Title == "" {
				summary.Title = strings.TrimSpace(strings.TrimPrefix(heading, "Plan:"))
			}
			section = strings.ToLower(heading)
			return ast.WalkSkipChildren, nil

		case *ast.Paragraph:
			if summary.Goal != "" {
				return ast.WalkSkipChildren, nil
			}
			raw := strings.TrimSpace(blockText(node, source))
			if goalPrefixRe.MatchString(raw) {
				summary.Goal = strings.TrimSpace(goalPrefixRe.ReplaceAllString(raw, ""))
			} else if strings.Contains(section, "goal") && !strings.Contains(section, "files") {
				summary.Goal = raw
			}
			if strings.Contains(section, "files") {
				return ast.WalkContinue, nil
			}
			return ast.WalkSkipChildren, nil

		case *ast.CodeSpan:
			if !strings.Contains(section, "files") {
				return ast.WalkSkipChildren, nil
			}
			candidate := strings.TrimSpace(inlineText(node, source))
			if pathLikeRe.MatchString(candidate) && !seen[candidate] {
				seen[candidate] = true
				summary.KeyFiles = append(summary.KeyFiles, candidate)
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})

	return summary
}

// Validate returns the problems that make a plan unusable. An empty result
// means the plan can be shown for approval.
func (p *Parser) Validate(markdown string) []string {
	var problems []string
	if strings.TrimSpace(markdown) == "" {
		return []string{"plan is empty"}
	}
	summary := p.Summarize(markdown)
	if summary.Goal == "" && summary.Title == "" {
		problems = append(problems, "plan has neither a title nor a goal")
	}
	for i := 0; i < summary.Tasks; i++ {
		if _, err := tasks.ExtractTaskSection(markdown, i); err != nil {
			problems = append(problems, fmt.Sprintf("task %d: %v", i+1, err))
		}
	}
	return problems
}

// Path returns the default plan location for an issue, relative to the
// working directory.
func Path(issueID string, now time.Time) string {
	name := fmt.Sprintf("%s-%s.md", now.Format("2006-01-02"), strings.ToLower(issueID))
	return filepath.Join(DefaultDir, name)
}

// RecoverFromToolCalls returns the content of the last write_file call whose
// path is planPath, or, when planPath is empty, any markdown file under
// DefaultDir. Agents sometimes write the plan and then reply with a short
// confirmation instead of the plan itself.
func RecoverFromToolCalls(calls []state.ToolCall, planPath string) (content, path string, ok bool) {
	for i := len(calls) - 1; i >= 0; i-- {
		call := calls[i]
		if call.ToolName != tools.ToolWriteFile && call.ToolName != "Write" {
			continue
		}
		p := stringArg(call.Input, "path", "file_path")
		body := stringArg(call.Input, "content")
		if p == "" || body == "" {
			continue
		}
		if matchesPlanPath(p, planPath) {
			return body, p, true
		}
	}
	return "", "", false
}

func matchesPlanPath(candidate, planPath string) bool {
	candidate = filepath.ToSlash(filepath.Clean(candidate))
	if planPath != "" {
		want := filepath.ToSlash(filepath.Clean(planPath))
		return candidate == want || strings.HasSuffix(candidate, "/"+want)
	}
	return strings.HasSuffix(candidate, ".md") &&
		(strings.HasPrefix(candidate, DefaultDir+"/") || strings.Contains(candidate, "/"+DefaultDir+"/"))
}

func stringArg(input map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := input[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func inlineText(n ast.Node, source []byte) string {
	var buf bytes.Buffer
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		switch t := c.(type) {
		case *ast.Text:
			buf.Write(t.Segment.Value(source))
			if t.SoftLineBreak() {
				buf.WriteByte(' ')
			}
		case *ast.String:
			buf.Write(t.Value)
		default:
			buf.WriteString(inlineText(c, source))
		}
	}
	return buf.String()
}

func blockText(n ast.Node, source []byte) string {
	var buf bytes.Buffer
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		buf.Write(seg.Value(source))
	}
	return strings.Join(strings.Fields(buf.String()), " ")
}
