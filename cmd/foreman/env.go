package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"foreman/internal/orch"
	"foreman/pkg/config"
	"foreman/pkg/events"
	"foreman/pkg/logx"
	"foreman/pkg/metrics"
	"foreman/pkg/persistence"
)

// env is everything a command needs to run workflows.
type env struct {
	profile  *config.Profile
	keys     *config.Keyring
	store    *persistence.Store
	recorder *metrics.Recorder
	runner   *orch.Runner
	out      io.Writer
	logger   *logx.Logger

	closers []func() error
}

// loadProfile reads the profile named by the global flags.
func loadProfile() (*config.Profile, error) {
	if verbose {
		logx.SetDebug(true)
	}
	p, err := config.Load(configPath, workDirFlag)
	if err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid profile: %w", err)
	}
	return p, nil
}

// openStore opens the profile's database, or returns nil when persistence
// is off.
func openStore(p *config.Profile) (*persistence.Store, error) {
	path := p.DatabasePath()
	if path == "" {
		return nil, nil //nolint:nilnil // persistence disabled
	}
	return persistence.Open(path)
}

// setup builds the runner with every side channel the profile enables.
func setup(p *config.Profile, out io.Writer) (*env, error) {
	e := &env{profile: p, out: out, logger: logx.NewLogger("foreman")}

	keys, err := config.LoadKeyring(p.WorkDir, os.Stdin, out)
	if err != nil {
		return nil, err
	}
	e.keys = keys

	store, err := openStore(p)
	if err != nil {
		return nil, err
	}
	if store != nil {
		e.store = store
		e.closers = append(e.closers, store.Close)
	}

	var sinks []events.Sink
	if p.Events.Console {
		sinks = append(sinks, events.NewConsoleSink(out, verbose))
	}
	if dir := p.EventLogDir(); dir != "" {
		fs, err := events.NewFileSink(dir)
		if err != nil {
			e.Close()
			return nil, err
		}
		sinks = append(sinks, fs)
		e.closers = append(e.closers, fs.Close)
	}
	if p.Events.NATSURL != "" {
		ns, err := events.DialNATS(p.Events.NATSURL, p.Events.Subject)
		if err != nil {
			// The stream is optional; the run is not.
			e.logger.Warn("NATS event sink disabled: %v", err)
		} else {
			sinks = append(sinks, ns)
			e.closers = append(e.closers, ns.Close)
		}
	}

	opts := []orch.Option{
		orch.WithKeyring(keys),
		orch.WithEventSink(events.Multi(sinks...)),
	}
	if store != nil {
		opts = append(opts, orch.WithStore(store))
	}
	if p.Metrics.Enabled {
		e.recorder = metrics.NewRecorder()
		opts = append(opts, orch.WithRecorder(e.recorder))
	}
	e.runner = orch.New(opts...)
	return e, nil
}

// Close writes the metrics snapshot and releases every side channel, in
// reverse order of opening.
func (e *env) Close() {
	if e.runner != nil {
		if err := e.runner.Shutdown(context.Background()); err != nil {
			e.logger.Warn("shutdown: %v", err)
		}
	}
	if e.recorder != nil && e.profile.Metrics.Out != "" {
		if err := e.recorder.WriteTextFile(e.profile.Metrics.Out); err != nil {
			e.logger.Warn("write metrics: %v", err)
		}
	}
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		e.logger.Warn("close: %v", err)
	}
}
