package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/growthops/devicefarm/app/orchestrator"
	flag "github.com/spf13/pflag"
)

func main() {
	var opts orchestrator.Opts
	flag.StringVar(&opts.Flow, "flow", "", "flow to fan out: full or warmup (required)")
	flag.StringVar(&opts.PackageName, "package", "", "app package name, warmup flow only")
	flag.StringVar(&opts.ConfigPath, "config", "", "path to the YAML configuration file")
	flag.StringVar(&opts.Schedule, "schedule", "", "cron expression for recurring runs; empty runs once")
	flag.StringVar(&opts.Listen, "listen", "", "address for the ops HTTP server, e.g. :3002")
	flag.StringVar(&opts.WorkerBin, "worker-bin", "devicefarm-worker", "worker executable to spawn per device")
	flag.IntVar(&opts.Concurrency, "concurrency", 8, "maximum workers running at once")
	flag.DurationVar(&opts.RunTimeout, "timeout", 0, "per-device run timeout; 0 uses the default")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	app := orchestrator.Initialize(ctx, opts)

	if opts.Schedule != "" {
		app.Start(ctx)
		cancel()
		return
	}

	failed, err := app.RunOnce(ctx)
	app.Stop()
	cancel()
	switch {
	case errors.Is(err, orchestrator.ErrNoWork):
		app.Logger.Info("Nothing to run")
		os.Exit(3)
	case err != nil:
		app.Logger.Error("Run failed: " + err.Error())
		os.Exit(1)
	case failed > 0:
		os.Exit(1)
	}
}
