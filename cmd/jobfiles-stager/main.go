// jobfiles-stager runs beside a job on a remote worker. It downloads the
// job's inputs from the job files service, signals readiness and uploads
// the outputs once the job finishes.
package main

import (
	"context"
	"fmt"
	"jobfiles/internal/config"
	"jobfiles/internal/stager"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Stager failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := stager.LoadConfigFromEnv()

	var keyFile string
	var checkReady, noWait bool

	flagSet := pflag.NewFlagSet("jobfiles-stager", pflag.ContinueOnError)
	flagSet.StringVarP(&cfg.ManifestPath, "manifest", "m", cfg.ManifestPath, "YAML manifest of inputs and outputs")
	flagSet.StringVar(&keyFile, "job-key-file", "", "file holding the job key (overrides JOB_KEY)")
	flagSet.StringVarP(&cfg.Workspace, "workspace", "w", cfg.Workspace, "directory local manifest paths resolve against")
	flagSet.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "bound on the whole run, including the wait for the job")
	flagSet.DurationVar(&cfg.HTTPTimeout, "http-timeout", cfg.HTTPTimeout, "timeout of a single transfer")
	flagSet.IntVar(&cfg.RetryAttempts, "retries", cfg.RetryAttempts, "attempts per transfer on server or network errors")
	flagSet.BoolVar(&noWait, "no-wait", false, "publish outputs right after staging instead of waiting for SIGUSR1/SIGTERM")
	flagSet.BoolVar(&checkReady, "check-ready", false, "exit 0 if inputs are staged, 1 otherwise (for health checks)")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	if checkReady {
		if stager.CheckReady(cfg.Workspace) {
			os.Exit(0)
		}
		os.Exit(1)
	}

	if keyFile != "" {
		cfg.JobKey = config.GetSecretFile(keyFile)
	}
	if cfg.JobKey == "" {
		return fmt.Errorf("job key is required (JOB_KEY, JOB_KEY_FILE or --job-key-file)")
	}
	cfg.WaitForSignal = !noWait

	runner, err := stager.NewRunner(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SIGTERM is the completion signal while waiting; SIGINT aborts.
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT)
		<-sigCh
		cancel()
	}()

	return runner.Run(ctx)
}
