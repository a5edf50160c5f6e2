// Package prompts renders the agent prompts used by pipeline nodes. Built-in
// templates are embedded; a profile may override any of them by name.
package prompts

import (
	"bytes"
	"embed"
	"fmt"
	"sort"
	"strings"
	"text/template"

	"foreman/pkg/state"
)

//go:embed *.tpl.md
var templateFS embed.FS

// Name identifies a prompt template.
type Name string

const (
	ArchitectSystem Name = "architect_system"
	Architect       Name = "architect"
	DeveloperSystem Name = "developer_system"
	Developer       Name = "developer"
	ReviewerSystem  Name = "reviewer_system"
	Reviewer        Name = "reviewer"
	Evaluator       Name = "evaluator"
)

// Names lists every built-in template.
var Names = []Name{ArchitectSystem, Architect, DeveloperSystem, Developer, ReviewerSystem, Reviewer, Evaluator}

// Data is the input to every template. Fields a template does not use are ignored.
type Data struct {
	IssueID          string
	IssueTitle       string
	IssueDescription string
	Goal             string
	Plan             string
	PlanPath         string
	KeyFiles         []string

	TaskNumber  int
	TotalTasks  int
	TaskSection string
	Feedback    []string

	ReviewFix  bool
	ReviewPass int
	Items      []state.FeedbackItem

	Diff   string
	Schema string
}

// Set is a parsed collection of templates.
type Set struct {
	templates map[Name]*template.Template
}

var funcs = template.FuncMap{
	"join": strings.Join,
}

// New parses the built-in templates and then applies overrides. An override
// for an unknown name is an error so typos in profiles surface early.
func New(overrides map[string]string) (*Set, error) {
	s := &Set{templates: make(map[Name]*template.Template, len(Names))}
	for _, name := range Names {
		content, err := templateFS.ReadFile(string(name) + ".tpl.md")
		if err != nil {
			return nil, fmt.Errorf("failed to read template %s: %w", name, err)
		}
		if err := s.parse(name, string(content)); err != nil {
			return nil, err
		}
	}

	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		name := Name(k)
		if _, ok := s.templates[name]; !ok {
			return nil, fmt.Errorf("prompt override %q does not name a template", k)
		}
		if err := s.parse(name, overrides[k]); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Set) parse(name Name, content string) error {
	tmpl, err := template.New(string(name)).Funcs(funcs).Option("missingkey=error").Parse(content)
	if err != nil {
		return fmt.Errorf("failed to parse template %s: %w", name, err)
	}
	s.templates[name] = tmpl
	return nil
}

// Render executes the named template.
func (s *Set) Render(name Name, data *Data) (string, error) {
	tmpl, ok := s.templates[name]
	if !ok {
		return "", fmt.Errorf("template %s not found", name)
	}
	if data == nil {
		data = &Data{}
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render template %s: %w", name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// MustDefault returns the built-in set. It panics only if an embedded template
// fails to parse, which tests catch.
func MustDefault() *Set {
	s, err := New(nil)
	if err != nil {
		panic(err)
	}
	return s
}
