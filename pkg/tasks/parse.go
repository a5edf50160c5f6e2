// Package tasks decomposes a plan into discrete tasks and commits each approved
// task as its own unit of work.
package tasks

import (
	"fmt"
	"regexp"
	"strings"

	"foreman/pkg/driver"
)

var (
	taskHeaderRe  = regexp.MustCompile(`^### Task \d+(\.\d+)?:`)
	phaseHeaderRe = regexp.MustCompile(`^## Phase`)
	separatorRe   = regexp.MustCompile(`^---\s*$`)
)

// CountTasks returns the number of task headers in the plan.
func CountTasks(plan string) int {
	n := 0
	for _, line := range strings.Split(plan, "\n") {
		if taskHeaderRe.MatchString(line) {
			n++
		}
	}
	return n
}

// TotalTasks returns the task count, or nil when the plan has no task headers
// and should run in legacy single-pass mode.
func TotalTasks(plan string) *int {
	n := CountTasks(plan)
	if n == 0 {
		return nil
	}
	return &n
}

// ExtractTaskSection returns the part of the plan the developer needs for task
// index (0-based): the plan's header block, the phase header enclosing the task
// and the task body. The body stops before the next task header or phase
// header, so later tasks are never included.
func ExtractTaskSection(plan string, index int) (string, error) {
	lines := strings.Split(plan, "\n")

	var taskStarts []int
	headerEnd := len(lines)
	for i, line := range lines {
		if taskHeaderRe.MatchString(line) {
			taskStarts = append(taskStarts, i)
			if i < headerEnd {
				headerEnd = i
			}
		}
		if (phaseHeaderRe.MatchString(line) || separatorRe.MatchString(line)) && i < headerEnd {
			headerEnd = i
		}
	}

	if index < 0 || index >= len(taskStarts) {
		return "", driver.NewValidationError("task_index", fmt.Sprintf("%d out of range for plan with %d tasks", index, len(taskStarts)))
	}

	start := taskStarts[index]
	end := len(lines)
	for i := start + 1; i < len(lines); i++ {
		if taskHeaderRe.MatchString(lines[i]) || phaseHeaderRe.MatchString(lines[i]) {
			end = i
			break
		}
	}

	phase := ""
	for i := start - 1; i >= 0; i-- {
		if phaseHeaderRe.MatchString(lines[i]) {
			phase = lines[i]
			break
		}
	}

	var parts []string
	if header := strings.TrimSpace(strings.Join(lines[:headerEnd], "\n")); header != "" {
		parts = append(parts, header)
	}
	if phase != "" {
		parts = append(parts, phase)
	}
	parts = append(parts, strings.TrimSpace(strings.Join(lines[start:end], "\n")))
	return strings.Join(parts, "\n\n"), nil
}

// TaskTitle returns the header text of task index, e.g. "Task 2: Add parser".
func TaskTitle(plan string, index int) string {
	n := 0
	for _, line := range strings.Split(plan, "\n") {
		if taskHeaderRe.MatchString(line) {
			if n == index {
				return strings.TrimSpace(strings.TrimPrefix(line, "###"))
			}
			n++
		}
	}
	return ""
}
