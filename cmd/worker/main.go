package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/growthops/devicefarm/app/worker"
	flag "github.com/spf13/pflag"
)

func main() {
	var opts worker.Opts
	flag.StringVar(&opts.DeviceID, "device-id", "", "adb serial of the device to drive")
	flag.StringVar(&opts.Flow, "flow", worker.FlowFull, "flow to run: full or warmup")
	flag.StringVar(&opts.ConfigPath, "config", "", "path to the YAML configuration file")
	flag.StringVar(&opts.PackageName, "package", "", "app package name, warmup flow only")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	app := worker.Initialize(ctx, opts)
	code := app.Run(ctx)

	cancel()
	os.Exit(code)
}
