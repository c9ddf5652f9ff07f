// Package worker is the per-device session process: it claims an account,
// logs it in on the device and runs a warmup browsing session, recording
// the result both on the shared account table and in the local history
// database.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/growthops/devicefarm/pkg/adb"
	"github.com/growthops/devicefarm/pkg/airtable"
	"github.com/growthops/devicefarm/pkg/appui"
	"github.com/growthops/devicefarm/pkg/config"
	"github.com/growthops/devicefarm/pkg/detect"
	"github.com/growthops/devicefarm/pkg/login"
	"github.com/growthops/devicefarm/pkg/logging"
	"github.com/growthops/devicefarm/pkg/mailbox"
	"github.com/growthops/devicefarm/pkg/sessiondb"
	"github.com/growthops/devicefarm/pkg/uiauto"
	"github.com/growthops/devicefarm/pkg/utils"
	"github.com/growthops/devicefarm/pkg/vpn"
	"github.com/growthops/devicefarm/pkg/warmup"
	"github.com/growthops/devicefarm/pkg/watcher"
	"go.uber.org/zap"
)

// Exit codes: the orchestrator distinguishes "nothing to do" from failure.
// The Go runtime exits with 2 on an unrecovered panic, so that value is
// not used here.
const (
	ExitOK     = 0
	ExitFailed = 1
	ExitNoWork = 3
)

// FlowFull runs claim, login and warmup; FlowWarmup assumes an already
// logged-in app and only browses.
const (
	FlowFull   = "full"
	FlowWarmup = "warmup"
)

type Opts struct {
	DeviceID   string
	Flow       string
	ConfigPath string

	// PackageName is only used by the standalone warmup flow, where no
	// claimed account supplies it.
	PackageName string
}

type App struct {
	Logger *zap.Logger
	Config *config.Config
	Table  *airtable.Client
	Opts   Opts
}

// Initialize wires the worker's dependencies. Unusable configuration is
// fatal here so Run never starts half-connected.
func Initialize(ctx context.Context, opts Opts) *App {
	logger, err := logging.New()
	if err != nil {
		panic(err)
	}
	logger = logger.With(zap.String("device", opts.DeviceID))

	if opts.DeviceID == "" {
		logger.Fatal("A device id is required")
	}
	if opts.Flow == "" {
		opts.Flow = FlowFull
	}

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		logger.Fatal("Unable to load configuration", zap.Error(err))
	}

	app := &App{Logger: logger, Config: cfg, Opts: opts}

	if opts.Flow == FlowFull {
		if err := cfg.ValidateForWorker(); err != nil {
			logger.Fatal("Configuration is incomplete", zap.Error(err))
		}
		app.Table = airtable.NewWithOpts(airtable.Opts{Config: cfg.Airtable}, logger)
	}

	return app
}

// Run executes the configured flow and returns the process exit code.
func (a *App) Run(ctx context.Context) int {
	switch a.Opts.Flow {
	case FlowWarmup:
		return a.runWarmupOnly(ctx)
	default:
		return a.runFull(ctx)
	}
}

// session carries everything the full flow sets up for one claimed account.
type session struct {
	acct      *airtable.Account
	device    *adb.Device
	ui        *uiauto.Client
	sel       *appui.Selectors
	watch     *watcher.Watcher
	localPort int
}

func (a *App) runFull(ctx context.Context) (code int) {
	started := time.Now()

	acct, err := a.Table.ClaimNextReadyAccount(ctx, a.Opts.DeviceID)
	if err != nil {
		a.Logger.Error("Account claim failed", zap.Error(err))
		return ExitFailed
	}
	if acct == nil {
		a.Logger.Info("No ready account for this device")
		return ExitNoWork
	}
	log := a.Logger.With(zap.String("account", acct.Username))
	log.Info("Account claimed", zap.String("record", acct.RecordID))

	// From here on a panic must still release the device and mark the
	// record, so everything below runs under one recover.
	defer func() {
		if r := recover(); r != nil {
			log.Error("Worker panicked", zap.Any("panic", r))
			if err := a.Table.UpdateStatus(ctx, acct.RecordID, airtable.StatusCriticalError); err != nil {
				log.Error("Unable to record critical error", zap.Error(err))
			}
			code = ExitFailed
		}
	}()

	s, err := a.setupDevice(ctx, acct)
	if err != nil {
		log.Error("Device setup failed", zap.Error(err))
		if uerr := a.Table.UpdateStatus(ctx, acct.RecordID, airtable.StatusCriticalError); uerr != nil {
			log.Error("Unable to record critical error", zap.Error(uerr))
		}
		return ExitFailed
	}
	defer a.teardown(ctx, s, log)

	if a.Config.VPN.Enabled {
		rot := vpn.New(s.ui, a.Config.VPN, log)
		if err := rot.Rotate(ctx); err != nil {
			// A stuck VPN is not fatal; the session continues on the
			// current exit.
			log.Warn("VPN rotation failed", zap.Error(err))
		}
	}

	s.watch.Start(ctx)

	if err := s.ui.AppStart(ctx, acct.PackageName, true); err != nil {
		log.Error("App launch failed", zap.Error(err))
		if uerr := a.Table.UpdateStatus(ctx, acct.RecordID, airtable.StatusCriticalError); uerr != nil {
			log.Error("Unable to record critical error", zap.Error(uerr))
		}
		return ExitFailed
	}

	mail := mailbox.New(a.Config.Mailbox, log)
	timings := login.DefaultTimings()
	if n := a.Config.Mailbox.FetchAttempts; n > 0 {
		timings.CodeFetchAttempts = n
	}
	if d := a.Config.Mailbox.FetchInterval.D(); d > 0 {
		timings.CodeFetchInterval = d
	}
	flow := login.New(login.Opts{
		UI:      s.ui,
		Sel:     s.sel,
		Table:   a.Table,
		Mail:    mail,
		Watcher: s.watch,
		Timings: timings,
	}, log)

	outcome := flow.Run(ctx, acct)
	log.Info("Login finished", zap.String("outcome", string(outcome)))

	var sum *warmup.Summary
	if outcome == login.OutcomeSuccess {
		det := detect.New(s.ui, s.sel, log)
		sess := warmup.New(s.ui, s.sel, det, a.Config.Warmup, log)
		sum, err = sess.Run(ctx)
		if err != nil {
			log.Error("Warmup failed", zap.Error(err))
			if uerr := a.Table.UpdateStatus(ctx, acct.RecordID, airtable.StatusWarmupFailed); uerr != nil {
				log.Error("Unable to record warmup failure", zap.Error(uerr))
			}
		}
	}

	a.recordHistory(ctx, acct, string(outcome), sum, started, log)

	if outcome == login.OutcomeSuccess && err == nil {
		return ExitOK
	}
	return ExitFailed
}

// runWarmupOnly browses with whatever account is already logged in on the
// device. No table writes happen on this path.
func (a *App) runWarmupOnly(ctx context.Context) int {
	pkg := a.Opts.PackageName
	if pkg == "" {
		a.Logger.Error("The warmup flow needs --package")
		return ExitFailed
	}

	s, err := a.setupDevice(ctx, &airtable.Account{PackageName: pkg})
	if err != nil {
		a.Logger.Error("Device setup failed", zap.Error(err))
		return ExitFailed
	}
	defer a.teardown(ctx, s, a.Logger)

	s.watch.Start(ctx)

	if err := s.ui.AppStart(ctx, pkg, true); err != nil {
		a.Logger.Error("App launch failed", zap.Error(err))
		return ExitFailed
	}

	det := detect.New(s.ui, s.sel, a.Logger)
	sess := warmup.New(s.ui, s.sel, det, a.Config.Warmup, a.Logger)
	sum, err := sess.Run(ctx)
	if err != nil {
		a.Logger.Error("Warmup failed", zap.Error(err))
		return ExitFailed
	}
	a.Logger.Info("Warmup complete",
		zap.Int("processed", sum.Processed),
		zap.Int("liked", sum.Liked),
		zap.Int("commented", sum.Commented))
	return ExitOK
}

func (a *App) setupDevice(ctx context.Context, acct *airtable.Account) (*session, error) {
	device := &adb.Device{Serial: a.Opts.DeviceID}

	localPort, err := utils.FreePort()
	if err != nil {
		return nil, err
	}
	addr, err := device.Forward(ctx, localPort, a.Config.Agent.DevicePort)
	if err != nil {
		return nil, fmt.Errorf("forward agent port: %w", err)
	}

	ui := uiauto.New(uiauto.Opts{
		AgentAddr: addr,
		Device:    device,
		Timeout:   a.Config.Agent.Timeout.D(),
	}, a.Logger)
	sel := appui.New(acct.PackageName)

	w := watcher.New(watcher.Opts{
		UI:       ui,
		Table:    a.Table,
		RecordID: acct.RecordID,
		Package:  acct.PackageName,
	}, sel, a.Logger)
	return &session{
		acct:      acct,
		device:    device,
		ui:        ui,
		sel:       sel,
		watch:     w,
		localPort: localPort,
	}, nil
}

func (a *App) teardown(ctx context.Context, s *session, log *zap.Logger) {
	s.watch.Stop()
	if s.acct.PackageName != "" {
		if err := s.ui.AppStop(ctx, s.acct.PackageName); err != nil {
			log.Debug("App stop failed", zap.Error(err))
		}
	}
	if err := s.device.RemoveForward(ctx, s.localPort); err != nil {
		log.Debug("Forward teardown failed", zap.Error(err))
	}
}

func (a *App) recordHistory(ctx context.Context, acct *airtable.Account, outcome string, sum *warmup.Summary, started time.Time, log *zap.Logger) {
	db, err := sessiondb.Open(a.Config.DataDir)
	if err != nil {
		log.Warn("History database unavailable", zap.Error(err))
		return
	}
	defer db.Close()

	rec := &sessiondb.Session{
		DeviceID:   a.Opts.DeviceID,
		Account:    acct.Username,
		RecordID:   acct.RecordID,
		Outcome:    outcome,
		StartedAt:  started,
		FinishedAt: time.Now(),
	}
	if sum != nil {
		rec.Keyword = sum.Keyword
		rec.Processed = sum.Processed
		rec.Liked = sum.Liked
		rec.Commented = sum.Commented
		rec.DurationMS = sum.Duration.Milliseconds()
	}
	if _, err := db.Record(ctx, rec); err != nil {
		log.Warn("Unable to record session history", zap.Error(err))
	}
}
