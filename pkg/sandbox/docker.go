package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	execpkg "foreman/pkg/exec"
	"foreman/pkg/logx"
	"foreman/pkg/utils"
)

const (
	dockerCommand = "docker"
	podmanCommand = "podman"

	containerPrefix = "foreman"
	controlTimeout  = 2 * time.Minute
)

// Limits caps container resources. Empty fields are not applied.
type Limits struct {
	CPUs   string
	Memory string
	PIDs   int64
}

// DockerConfig configures a Docker (or Podman) sandbox.
type DockerConfig struct {
	Image string
	// ID names the container, typically the workflow id.
	ID string
	// HostDir is the repository mounted read-write at WorkspaceDir.
	HostDir string
	// Runtime is "docker" or "podman"; empty auto-detects.
	Runtime        string
	User           string
	NetworkEnabled bool
	TmpfsSize      string
	Limits         Limits
	Env            []string
}

// Docker is a Sandbox backed by the docker or podman CLI.
type Docker struct {
	cfg      DockerConfig
	name     string
	runtime  string
	executor execpkg.Executor
	starter  execpkg.Starter
	logger   *logx.Logger

	mu      sync.Mutex
	started time.Time
}

// NewDocker creates a sandbox. Nil executor and starter run the CLI on the host.
func NewDocker(cfg DockerConfig, executor execpkg.Executor, starter execpkg.Starter) *Docker {
	if executor == nil {
		executor = execpkg.NewLocalExec()
	}
	if starter == nil {
		starter = execpkg.LocalStarter{}
	}
	if cfg.TmpfsSize == "" {
		cfg.TmpfsSize = "1g"
	}
	runtime := cfg.Runtime
	if runtime == "" {
		runtime = detectRuntime()
	}
	return &Docker{
		cfg:      cfg,
		name:     utils.SanitizeContainerName(containerPrefix, cfg.ID),
		runtime:  runtime,
		executor: executor,
		starter:  starter,
		logger:   logx.NewLogger("sandbox"),
	}
}

// detectRuntime prefers docker and falls back to podman when only it exists.
func detectRuntime() string {
	if _, err := exec.LookPath(dockerCommand); err == nil {
		return dockerCommand
	}
	if _, err := exec.LookPath(podmanCommand); err == nil {
		return podmanCommand
	}
	return dockerCommand
}

// Name returns the container name.
func (d *Docker) Name() string { return d.name }

func (d *Docker) control(ctx context.Context, args ...string) (execpkg.Result, error) {
	res, err := d.executor.Run(ctx, append([]string{d.runtime}, args...), &execpkg.Opts{Timeout: controlTimeout})
	if err != nil {
		return res, fmt.Errorf("%s %s: %w", d.runtime, args[0], err)
	}
	return res, nil
}

func (d *Docker) running(ctx context.Context) bool {
	res, err := d.control(ctx, "inspect", "-f", "{{.State.Running}}", d.name)
	return err == nil && res.Success() && strings.TrimSpace(res.Stdout) == "true"
}

// EnsureRunning starts the container unless it is already running. A stopped
// container left over from an earlier run is replaced.
func (d *Docker) EnsureRunning(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running(ctx) {
		return nil
	}
	if _, err := d.control(ctx, "rm", "-f", d.name); err != nil {
		d.logger.Debug("removing stale container %s: %v", d.name, err)
	}

	args, err := d.runArgs()
	if err != nil {
		return err
	}
	d.logger.Info("starting sandbox %s from %s", d.name, d.cfg.Image)
	res, err := d.control(ctx, args...)
	if err != nil {
		return err
	}
	if !res.Success() {
		return fmt.Errorf("start sandbox %s: exit %d: %s", d.name, res.ExitCode, strings.TrimSpace(res.Combined()))
	}
	d.started = time.Now()
	return nil
}

func (d *Docker) runArgs() ([]string, error) {
	if d.cfg.Image == "" {
		return nil, fmt.Errorf("sandbox image is not configured")
	}
	args := []string{"run", "-d", "--name", d.name, "--security-opt", "no-new-privileges"}
	if !d.cfg.NetworkEnabled {
		args = append(args, "--network", "none")
	}
	if d.cfg.Limits.CPUs != "" {
		args = append(args, "--cpus", d.cfg.Limits.CPUs)
	}
	if d.cfg.Limits.Memory != "" {
		args = append(args, "--memory", d.cfg.Limits.Memory)
	}
	if d.cfg.Limits.PIDs > 0 {
		args = append(args, "--pids-limit", strconv.FormatInt(d.cfg.Limits.PIDs, 10))
	}

	user := d.cfg.User
	if user == "" {
		user = fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid())
	}
	args = append(args, "--user", user)

	if d.cfg.HostDir != "" {
		hostDir, err := filepath.Abs(d.cfg.HostDir)
		if err != nil {
			return nil, fmt.Errorf("resolve sandbox host dir: %w", err)
		}
		if resolved, err := filepath.EvalSymlinks(hostDir); err == nil {
			hostDir = resolved
		}
		args = append(args, "--volume", hostDir+":"+WorkspaceDir+":rw", "--workdir", WorkspaceDir)
	}

	// HOME on tmpfs so tools that write dotfiles work with a read-only image.
	args = append(args, "--tmpfs", "/tmp:exec,nodev,nosuid,size="+d.cfg.TmpfsSize, "--env", "HOME=/tmp")
	for _, env := range d.cfg.Env {
		args = append(args, "--env", env)
	}
	return append(args, d.cfg.Image, "sleep", "infinity"), nil
}

// ExecStream runs req inside the container.
func (d *Docker) ExecStream(ctx context.Context, req ExecRequest) (execpkg.Stream, error) {
	if len(req.Cmd) == 0 {
		return nil, fmt.Errorf("sandbox exec: command cannot be empty")
	}
	args := []string{d.runtime, "exec"}
	if req.Stdin != "" {
		args = append(args, "-i")
	}
	workDir := req.WorkDir
	if workDir == "" && d.cfg.HostDir != "" {
		workDir = WorkspaceDir
	}
	if workDir != "" {
		args = append(args, "--workdir", workDir)
	}
	for _, env := range req.Env {
		args = append(args, "--env", env)
	}
	args = append(args, d.name)
	args = append(args, req.Cmd...)

	stream, err := d.starter.Start(ctx, args, &execpkg.Opts{Stdin: req.Stdin, Timeout: req.Timeout})
	if err != nil {
		return nil, fmt.Errorf("sandbox exec in %s: %w", d.name, err)
	}
	return stream, nil
}

// Teardown removes the container. Removing a container that does not exist
// is not an error.
func (d *Docker) Teardown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	res, err := d.control(ctx, "rm", "-f", d.name)
	if err != nil {
		return err
	}
	if !res.Success() && !strings.Contains(strings.ToLower(res.Stderr), "no such container") {
		return fmt.Errorf("remove sandbox %s: %s", d.name, strings.TrimSpace(res.Stderr))
	}
	if !d.started.IsZero() {
		d.logger.Info("sandbox %s removed after %s", d.name, time.Since(d.started).Round(time.Second))
		d.started = time.Time{}
	}
	return nil
}

// HealthCheck runs a no-op command in the container.
func (d *Docker) HealthCheck(ctx context.Context) bool {
	res, err := d.control(ctx, "exec", d.name, "true")
	return err == nil && res.Success()
}

var _ Sandbox = (*Docker)(nil)
