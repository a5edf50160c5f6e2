package container

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"foreman/pkg/driver"
	"foreman/pkg/driver/api"
	"foreman/pkg/logx"
	"foreman/pkg/utils"
)

// Worker serves one request inside the sandbox. Failures of the call itself are
// reported in-band as an error line; Run only fails when the request cannot be
// read or output cannot be written.
type Worker struct {
	driver     *api.Driver
	sessionDir string
	logger     *logx.Logger
}

// NewWorker creates a worker storing transcripts under sessionDir.
func NewWorker(d *api.Driver, sessionDir string) *Worker {
	return &Worker{driver: d, sessionDir: sessionDir, logger: logx.NewLogger("worker")}
}

// Run reads a Request from stdin and writes NDJSON messages to stdout.
func (w *Worker) Run(ctx context.Context, mode string, stdin io.Reader, stdout io.Writer) error {
	var req Request
	if err := json.NewDecoder(stdin).Decode(&req); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	if req.SessionID == "" {
		req.SessionID = driver.NewSessionID()
	}

	if req.Resume {
		if err := w.load(ctx, req.SessionID); err != nil {
			w.logger.Warn("session %s: %v; starting without history", req.SessionID, err)
		}
	}

	out := bufio.NewWriter(stdout)
	var err error
	switch mode {
	case ModeGenerate:
		err = w.generate(ctx, req, out)
	case ModeAgentic:
		err = w.agentic(ctx, req, out)
	default:
		err = writeLine(out, driver.ErrorMessage(driver.NewValidationError("mode", fmt.Sprintf("unknown worker mode %q", mode))))
	}
	if flushErr := out.Flush(); err == nil {
		err = flushErr
	}
	if err != nil {
		return err
	}

	if saveErr := w.save(req.SessionID); saveErr != nil {
		w.logger.Warn("session %s not saved: %v", req.SessionID, saveErr)
	}
	return nil
}

func (w *Worker) generate(ctx context.Context, req Request, out *bufio.Writer) error {
	res, err := w.driver.Generate(ctx, driver.GenerateRequest{
		Prompt:       req.Prompt,
		SystemPrompt: req.Instructions,
		Schema:       req.Schema,
		SessionID:    req.SessionID,
		Cwd:          req.Cwd,
	})
	if err != nil {
		return writeLine(out, driver.ErrorMessage(err))
	}
	usage, _ := w.driver.Usage()
	line, err := driver.EncodeGenerateResult(res, usage)
	if err != nil {
		return err //nolint:wrapcheck // already wrapped
	}
	return writeRaw(out, line)
}

func (w *Worker) agentic(ctx context.Context, req Request, out *bufio.Writer) error {
	ch, err := w.driver.ExecuteAgentic(ctx, driver.AgenticRequest{
		Prompt:       req.Prompt,
		Cwd:          req.Cwd,
		SessionID:    req.SessionID,
		Instructions: req.Instructions,
	})
	if err != nil {
		return writeLine(out, driver.ErrorMessage(err))
	}
	for msg := range ch {
		if err := writeLine(out, msg); err != nil {
			return err
		}
		// Flush per message so the host sees progress as it happens.
		if err := out.Flush(); err != nil {
			return fmt.Errorf("flush: %w", err)
		}
	}
	return nil
}

func (w *Worker) path(id string) string {
	return filepath.Join(w.sessionDir, utils.SanitizeIdentifier(id)+".json")
}

func (w *Worker) load(ctx context.Context, id string) error {
	data, err := os.ReadFile(w.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("no transcript on disk")
	}
	if err != nil {
		return fmt.Errorf("read transcript: %w", err)
	}
	var t api.Transcript
	if err := json.Unmarshal(data, &t); err != nil {
		return fmt.Errorf("parse transcript: %w", err)
	}
	return w.driver.Restore(ctx, id, t)
}

func (w *Worker) save(id string) error {
	t, ok := w.driver.Snapshot(id)
	if !ok {
		return nil
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}
	if err := os.MkdirAll(w.sessionDir, 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	tmp := w.path(id) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write transcript: %w", err)
	}
	if err := os.Rename(tmp, w.path(id)); err != nil {
		return fmt.Errorf("commit transcript: %w", err)
	}
	return nil
}

func writeLine(out io.Writer, msg driver.AgenticMessage) error {
	line, err := driver.EncodeMessage(msg)
	if err != nil {
		return err //nolint:wrapcheck // already wrapped
	}
	return writeRaw(out, line)
}

func writeRaw(out io.Writer, line []byte) error {
	if _, err := out.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
