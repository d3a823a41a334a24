// Package stager is the worker-side client of the job files service. It
// downloads a job's inputs into a local workspace before the job runs and
// uploads its outputs after it finishes.
package stager

import (
	"context"
	"errors"
	"fmt"
	"jobfiles/pkg/backoff"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"
)

// ReadyFile is the marker written to the workspace once every input is
// staged. Container health checks and startup probes watch for it.
const ReadyFile = ".ready"

// Runner stages and publishes the files of one manifest.
type Runner struct {
	config   *Config
	manifest *Manifest
	client   *Client
}

// NewRunner loads the manifest and builds the transfer client.
func NewRunner(cfg *Config) (*Runner, error) {
	manifest, err := LoadManifest(cfg.ManifestPath)
	if err != nil {
		return nil, err
	}
	return newRunner(cfg, manifest)
}

func newRunner(cfg *Config, manifest *Manifest) (*Runner, error) {
	client, err := NewClient(
		manifest.Server,
		manifest.JobID,
		cfg.JobKey,
		&http.Client{Timeout: cfg.HTTPTimeout},
		backoff.Policy{MaxAttempts: cfg.RetryAttempts},
	)
	if err != nil {
		return nil, err
	}
	return &Runner{config: cfg, manifest: manifest, client: client}, nil
}

// Run stages the inputs, writes the ready marker, optionally waits for the
// job's completion signal and publishes the outputs.
//
// A failed input aborts the run before the marker is written.
func (r *Runner) Run(ctx context.Context) error {
	logger := slog.With("jobId", r.manifest.JobID, "inputs", len(r.manifest.Inputs), "outputs", len(r.manifest.Outputs))
	logger.Info("Stager starting")

	if r.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.Timeout)
		defer cancel()
	}

	if err := r.Stage(ctx); err != nil {
		logger.Error("Staging inputs failed, aborting job", "error", err)
		return fmt.Errorf("staging inputs: %w", err)
	}

	markerPath := filepath.Join(r.config.Workspace, ReadyFile)
	if err := os.WriteFile(markerPath, []byte{}, 0o644); err != nil {
		return fmt.Errorf("failed to write ready marker: %w", err)
	}
	logger.Info("Inputs ready", "path", markerPath)

	if r.config.WaitForSignal {
		logger.Info("Waiting for job completion signal")
		waitForSignal(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	if err := r.Publish(ctx); err != nil {
		logger.Error("Publishing outputs failed", "error", err)
		return fmt.Errorf("publishing outputs: %w", err)
	}

	logger.Info("Stager completed")
	return nil
}

// Stage downloads every input. It stops at the first failure.
func (r *Runner) Stage(ctx context.Context) error {
	for _, t := range r.manifest.Inputs {
		local := filepath.Join(r.config.Workspace, t.Local)
		start := time.Now()
		n, err := r.client.Download(ctx, t.Remote, local)
		if err != nil {
			logTransferError("Input failed", t, err)
			return fmt.Errorf("input %s: %w", t.Remote, err)
		}
		slog.Info("Input staged", "remote", t.Remote, "local", local, "bytes", n, "duration", time.Since(start))
	}
	return nil
}

// Publish uploads every output that exists. Missing outputs and failed
// uploads are reported together after all outputs were tried.
func (r *Runner) Publish(ctx context.Context) error {
	var errs []error
	for _, t := range r.manifest.Outputs {
		local := filepath.Join(r.config.Workspace, t.Local)
		start := time.Now()
		n, err := r.client.Upload(ctx, local, t.Remote)
		if err != nil {
			logTransferError("Output failed", t, err)
			errs = append(errs, fmt.Errorf("output %s: %w", t.Local, err))
			continue
		}
		slog.Info("Output published", "local", local, "remote", t.Remote, "bytes", n, "duration", time.Since(start))
	}
	return errors.Join(errs...)
}

func logTransferError(msg string, t Transfer, err error) {
	logger := slog.With("remote", t.Remote, "local", t.Local, "error", err)
	var denied *DeniedError
	if errors.As(err, &denied) {
		logger = logger.With("err_code", denied.Code)
	}
	logger.Warn(msg)
}

// waitForSignal blocks until a completion signal is received or context is cancelled.
func waitForSignal(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-ctx.Done():
	case <-sigCh:
	}
}

// CheckReady reports whether the ready marker exists in workspace.
func CheckReady(workspace string) bool {
	_, err := os.Stat(filepath.Join(workspace, ReadyFile))
	return err == nil
}
