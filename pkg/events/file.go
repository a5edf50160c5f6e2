package events

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// FileSink appends events to daily rotated JSONL files named
// events-YYYY-MM-DD.jsonl.
type FileSink struct {
	dir         string
	now         func() time.Time
	currentFile *os.File
	currentDate string
	mu          sync.Mutex
}

// NewFileSink creates dir if needed and opens today's file.
func NewFileSink(dir string) (*FileSink, error) {
	return newFileSink(dir, func() time.Time { return time.Now().UTC() })
}

func newFileSink(dir string, now func() time.Time) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create event directory: %w", err)
	}
	s := &FileSink{dir: dir, now: now}
	if err := s.rotateIfNeeded(); err != nil {
		return nil, fmt.Errorf("failed to initialize event file: %w", err)
	}
	return s, nil
}

// Emit implements Sink.
func (s *FileSink) Emit(_ context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.rotateIfNeeded(); err != nil {
		return fmt.Errorf("failed to rotate event file: %w", err)
	}
	if _, err := s.currentFile.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	if err := s.currentFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync event file: %w", err)
	}
	return nil
}

func (s *FileSink) rotateIfNeeded() error {
	date := s.now().Format("2006-01-02")
	if s.currentFile != nil && s.currentDate == date {
		return nil
	}
	if s.currentFile != nil {
		if err := s.currentFile.Close(); err != nil {
			return fmt.Errorf("failed to close event file: %w", err)
		}
		s.currentFile = nil
	}

	path := filepath.Join(s.dir, fileName(date))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open event file %s: %w", path, err)
	}
	s.currentFile = f
	s.currentDate = date
	return nil
}

// CurrentFile returns the path being written, or "" after Close.
func (s *FileSink) CurrentFile() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentFile == nil {
		return ""
	}
	return filepath.Join(s.dir, fileName(s.currentDate))
}

// Close closes the current file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentFile == nil {
		return nil
	}
	err := s.currentFile.Close()
	s.currentFile = nil
	if err != nil {
		return fmt.Errorf("failed to close event file: %w", err)
	}
	return nil
}

func fileName(date string) string {
	return fmt.Sprintf("events-%s.jsonl", date)
}

// ReadEvents parses one JSONL event file. Blank lines are skipped.
func ReadEvents(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open event file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var out []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("failed to parse %s line %d: %w", path, line, err)
		}
		out = append(out, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read event file: %w", err)
	}
	return out, nil
}

// ListFiles returns the event files in dir, oldest first.
func ListFiles(dir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, "events-*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("failed to list event files: %w", err)
	}
	sort.Strings(files)
	return files, nil
}
