package pipeline

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"foreman/pkg/driver"
	"foreman/pkg/state"
)

// ReviewSchema is the structured verdict requested from the reviewer.
var ReviewSchema = &driver.Schema{
	Name:        "review_result",
	Description: "Verdict on the current changes",
	Root: driver.Property{
		Type:     "object",
		Required: []string{"approved", "summary"},
		Properties: map[string]*driver.Property{
			"approved": {Type: "boolean", Description: "True when the change can be merged as is"},
			"summary":  {Type: "string", Description: "One paragraph overall assessment"},
			"severity": {Type: "string", Enum: []string{"none", "minor", "major", "critical"}},
			"comments": {
				Type: "array",
				Items: &driver.Property{
					Type:     "object",
					Required: []string{"description"},
					Properties: map[string]*driver.Property{
						"description": {Type: "string", Description: "What is wrong and how to fix it"},
						"file":        {Type: "string"},
						"line":        {Type: "integer"},
						"severity":    {Type: "string", Enum: []string{"minor", "major", "critical"}},
					},
				},
			},
		},
	},
}

type reviewComment struct {
	Description string `json:"description"`
	File        string `json:"file"`
	Line        int    `json:"line"`
	Severity    string `json:"severity"`
}

type reviewResponse struct {
	Approved bool            `json:"approved"`
	Summary  string          `json:"summary"`
	Severity string          `json:"severity"`
	Comments []reviewComment `json:"comments"`
}

// result converts the response to the state representation. Comments keep
// their location as a "file:line: " prefix so FeedbackItems can recover it.
func (r reviewResponse) result(reviewer string) state.ReviewResult {
	out := state.ReviewResult{
		Reviewer: reviewer,
		Approved: r.Approved,
		Summary:  strings.TrimSpace(r.Summary),
		Severity: r.Severity,
	}
	for _, c := range r.Comments {
		desc := strings.TrimSpace(c.Description)
		if desc == "" {
			continue
		}
		switch {
		case c.File != "" && c.Line > 0:
			desc = fmt.Sprintf("%s:%d: %s", c.File, c.Line, desc)
		case c.File != "":
			desc = fmt.Sprintf("%s: %s", c.File, desc)
		}
		if c.Severity != "" {
			desc = fmt.Sprintf("[%s] %s", c.Severity, desc)
		}
		out.Comments = append(out.Comments, desc)
	}
	return out
}

var commentRe = regexp.MustCompile(`^(?:\[(\w+)\]\s+)?(?:([^\s:]+\.[\w]+|[^\s:]+/[^\s:]*)(?::(\d+))?:\s+)?(.+)$`)

// FeedbackItems numbers the comments of a review, starting at 1.
func FeedbackItems(r *state.ReviewResult) []state.FeedbackItem {
	if r == nil {
		return nil
	}
	items := make([]state.FeedbackItem, 0, len(r.Comments))
	for i, comment := range r.Comments {
		item := state.FeedbackItem{ID: i + 1, Description: comment, Severity: r.Severity}
		if m := commentRe.FindStringSubmatch(strings.TrimSpace(comment)); m != nil {
			if m[1] != "" {
				item.Severity = m[1]
			}
			item.File = m[2]
			item.Line, _ = strconv.Atoi(m[3])
			item.Description = m[4]
		}
		items = append(items, item)
	}
	return items
}

// feedback returns the reviewer comments the developer must address, or the
// summary when the reviewer left none.
func feedback(r *state.ReviewResult) []string {
	if r == nil || r.Approved {
		return nil
	}
	if len(r.Comments) > 0 {
		return append([]string(nil), r.Comments...)
	}
	if r.Summary != "" {
		return []string{r.Summary}
	}
	return nil
}
