// Package orchestrator fans one worker process out per device. The set of
// devices to run is the intersection of what adb reports attached and what
// the account table has ready work for; each worker owns its device for
// the duration of the run.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/gorilla/mux"
	"github.com/growthops/devicefarm/app/worker"
	"github.com/growthops/devicefarm/pkg/adb"
	"github.com/growthops/devicefarm/pkg/airtable"
	"github.com/growthops/devicefarm/pkg/config"
	"github.com/growthops/devicefarm/pkg/logging"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// ErrNoWork means no attached device had a ready account.
var ErrNoWork = errors.New("no devices with ready accounts")

const defaultRunTimeout = 30 * time.Minute

// DeviceResult is the outcome of one worker subprocess.
type DeviceResult struct {
	DeviceID   string    `json:"device_id"`
	Outcome    string    `json:"outcome"`
	ExitCode   int       `json:"exit_code"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

type Opts struct {
	ConfigPath string
	Schedule   string
	Listen     string

	// Flow is the worker flow to fan out, full or warmup.
	Flow string

	// PackageName is forwarded to the workers; the warmup flow needs it
	// because no claimed account supplies one.
	PackageName string

	// WorkerBin is the worker executable to spawn per device.
	WorkerBin   string
	Concurrency int
	RunTimeout  time.Duration
}

type App struct {
	Table  *airtable.Client
	Config *config.Config
	Logger *zap.Logger
	Opts   Opts

	Cron   *cron.Cron
	Server *http.Server

	// Results holds the last outcome per device across runs.
	Results *xsync.Map[string, DeviceResult]

	// running guards against overlapping scheduled runs.
	running atomic.Bool
}

// Initialize wires the orchestrator's dependencies.
func Initialize(ctx context.Context, opts Opts) *App {
	logger, err := logging.New()
	if err != nil {
		panic(err)
	}

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		logger.Fatal("Unable to load configuration", zap.Error(err))
	}

	switch opts.Flow {
	case worker.FlowFull, worker.FlowWarmup:
	default:
		logger.Fatal("A flow is required: full or warmup", zap.String("flow", opts.Flow))
	}
	if opts.Flow == worker.FlowWarmup && opts.PackageName == "" {
		logger.Fatal("The warmup flow needs --package")
	}
	if opts.WorkerBin == "" {
		opts.WorkerBin = "devicefarm-worker"
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = defaultRunTimeout
	}

	app := &App{
		Config:  cfg,
		Logger:  logger,
		Opts:    opts,
		Results: xsync.NewMap[string, DeviceResult](),
	}
	if opts.Flow == worker.FlowFull {
		if err := cfg.ValidateForWorker(); err != nil {
			logger.Fatal("Configuration is incomplete", zap.Error(err))
		}
		app.Table = airtable.NewWithOpts(airtable.Opts{Config: cfg.Airtable}, logger)
	}

	if opts.Schedule != "" {
		if err := app.setupScheduler(ctx, opts.Schedule); err != nil {
			logger.Fatal("Invalid schedule", zap.String("schedule", opts.Schedule), zap.Error(err))
		}
	}
	if opts.Listen != "" {
		app.setupServer(opts.Listen)
	}
	return app
}

// Targets computes the devices to run: attached and with ready work. The
// warmup flow has no claim step, so every attached device is a target.
func (a *App) Targets(ctx context.Context) ([]string, error) {
	attached, err := adb.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	if a.Opts.Flow == worker.FlowWarmup {
		return attached, nil
	}
	ready, err := a.Table.DevicesWithReadyAccounts(ctx)
	if err != nil {
		return nil, err
	}

	var targets []string
	for _, serial := range attached {
		if _, ok := ready[serial]; ok {
			targets = append(targets, serial)
		}
	}
	return targets, nil
}

// RunOnce executes one fan-out over all target devices and reports how
// many workers failed. ErrNoWork is returned when the intersection is
// empty.
func (a *App) RunOnce(ctx context.Context) (failed int, err error) {
	if !a.running.CompareAndSwap(false, true) {
		a.Logger.Warn("A run is already in progress, skipping")
		return 0, nil
	}
	defer a.running.Store(false)

	targets, err := a.Targets(ctx)
	if err != nil {
		return 0, err
	}
	if len(targets) == 0 {
		return 0, ErrNoWork
	}
	a.Logger.Info("Dispatching workers", zap.Strings("devices", targets))

	pool := pond.NewPool(a.Opts.Concurrency)
	defer pool.StopAndWait()
	group := pool.NewGroupContext(ctx)

	var failures atomic.Int64
	for _, serial := range targets {
		serial := serial
		group.Submit(func() {
			res := a.runWorker(ctx, serial)
			a.Results.Store(serial, res)
			if res.Outcome == "failed" || res.Outcome == "timeout" {
				failures.Add(1)
			}
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		a.Logger.Warn("Some worker tasks failed", zap.Error(err))
	}

	return int(failures.Load()), nil
}

// runWorker spawns one worker subprocess bound to one device. The process
// is killed when the run timeout expires.
func (a *App) runWorker(ctx context.Context, serial string) DeviceResult {
	res := DeviceResult{DeviceID: serial, StartedAt: time.Now()}
	log := a.Logger.With(zap.String("device", serial))

	runCtx, cancel := context.WithTimeout(ctx, a.Opts.RunTimeout)
	defer cancel()

	args := []string{"--device-id", serial, "--flow", a.Opts.Flow}
	if a.Opts.PackageName != "" {
		args = append(args, "--package", a.Opts.PackageName)
	}
	if a.Opts.ConfigPath != "" {
		args = append(args, "--config", a.Opts.ConfigPath)
	}
	cmd := exec.CommandContext(runCtx, a.Opts.WorkerBin, args...)

	err := cmd.Run()
	res.FinishedAt = time.Now()

	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		res.Outcome = "timeout"
		res.ExitCode = -1
		log.Error("Worker timed out", zap.Duration("timeout", a.Opts.RunTimeout))
	case err == nil:
		res.Outcome = "completed"
		log.Info("Worker completed")
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
		}
		if res.ExitCode == worker.ExitNoWork {
			res.Outcome = "no_work"
			log.Info("Worker found no ready account")
		} else {
			res.Outcome = "failed"
			log.Error("Worker failed", zap.Int("exit_code", res.ExitCode), zap.Error(err))
		}
	}
	return res
}

func (a *App) setupScheduler(ctx context.Context, spec string) error {
	a.Cron = cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	_, err := a.Cron.AddFunc(spec, func() {
		if _, err := a.RunOnce(ctx); err != nil && !errors.Is(err, ErrNoWork) {
			a.Logger.Error("Scheduled run failed", zap.Error(err))
		}
	})
	return err
}

func (a *App) setupServer(addr string) {
	r := mux.NewRouter()
	r.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})).Methods("GET")
	r.Handle("/status", http.HandlerFunc(a.handleStatus)).Methods("GET")
	a.Server = &http.Server{Addr: addr, Handler: r}
}

func (a *App) handleStatus(w http.ResponseWriter, _ *http.Request) {
	out := make([]DeviceResult, 0)
	a.Results.Range(func(_ string, res DeviceResult) bool {
		out = append(out, res)
		return true
	})
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{
		"running": a.running.Load(),
		"devices": out,
	}); err != nil {
		a.Logger.Debug("Status encode failed", zap.Error(err))
	}
}

// Start runs the scheduler loop and blocks until the context is canceled.
// Callers without a schedule use RunOnce directly.
func (a *App) Start(ctx context.Context) {
	if a.Server != nil {
		go func() {
			if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.Logger.Error("Ops server stopped", zap.Error(err))
			}
		}()
	}
	if a.Cron != nil {
		a.Cron.Start()
		a.Logger.Info("Scheduler started", zap.String("schedule", a.Opts.Schedule))
	}

	<-ctx.Done()
	a.Stop()
}

// Stop shuts the scheduler and ops server down.
func (a *App) Stop() {
	if a.Cron != nil {
		<-a.Cron.Stop().Done()
	}
	if a.Server != nil {
		_ = a.Server.Close()
	}
	time.Sleep(200 * time.Millisecond)
	a.Logger.Info("Orchestrator stopped")
}
