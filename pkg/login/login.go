// Package login drives the app's login screen from credential entry through
// 2FA to a confirmed home feed, and records a single terminal status on the
// account record for whatever outcome the attempt reaches.
package login

import (
	"context"
	"fmt"
	"time"

	"github.com/growthops/devicefarm/pkg/airtable"
	"github.com/growthops/devicefarm/pkg/appui"
	"github.com/growthops/devicefarm/pkg/retry"
	"github.com/growthops/devicefarm/pkg/uiauto"
	"github.com/growthops/devicefarm/pkg/watcher"
	"go.uber.org/zap"
)

// Outcome is the terminal result of a login attempt.
type Outcome string

const (
	OutcomeSuccess         Outcome = "login_success"
	OutcomeFailed          Outcome = "login_failed"
	OutcomeBanned          Outcome = "account_banned"
	OutcomeTwoFactorFailed Outcome = "2fa_failed"
	OutcomeUnknown         Outcome = "timeout_or_unknown"
	OutcomeError           Outcome = "error"
)

// Timings bound every wait in the flow. Production values are generous
// because the app renders slowly on farm hardware; tests shrink them.
type Timings struct {
	LoginPage         time.Duration
	Fields            time.Duration
	LoadingAppear     time.Duration
	LoadingVanish     time.Duration
	IncorrectPassword time.Duration
	TwoFactorProbe    time.Duration
	OutcomeSweep      time.Duration
	CodeFetchAttempts int
	CodeFetchInterval time.Duration
	SaveInfoEvent     time.Duration
	HomeCheck         time.Duration

	// SweepPoll is the pause between outcome-sweep probes.
	SweepPoll time.Duration
}

func DefaultTimings() Timings {
	return Timings{
		LoginPage:         20 * time.Second,
		Fields:            5 * time.Second,
		LoadingAppear:     5 * time.Second,
		LoadingVanish:     45 * time.Second,
		IncorrectPassword: 2 * time.Second,
		TwoFactorProbe:    5 * time.Second,
		OutcomeSweep:      20 * time.Second,
		CodeFetchAttempts: 5,
		CodeFetchInterval: 15 * time.Second,
		SaveInfoEvent:     45 * time.Second,
		HomeCheck:         15 * time.Second,
		SweepPoll:         time.Second,
	}
}

// CodeFetcher supplies 2FA confirmation codes from the account's mailbox.
type CodeFetcher interface {
	FetchCode(user, password string) (string, error)
}

// Flow is a single-use login attempt against one device and one account.
type Flow struct {
	ui      *uiauto.Client
	sel     *appui.Selectors
	table   *airtable.Client
	mail    CodeFetcher
	watcher *watcher.Watcher
	timings Timings
	logger  *zap.Logger

	statusWritten bool
}

type Opts struct {
	UI      *uiauto.Client
	Sel     *appui.Selectors
	Table   *airtable.Client
	Mail    CodeFetcher
	Watcher *watcher.Watcher
	Timings Timings
}

func New(o Opts, logger *zap.Logger) *Flow {
	if o.Timings == (Timings{}) {
		o.Timings = DefaultTimings()
	}
	return &Flow{
		ui:      o.UI,
		sel:     o.Sel,
		table:   o.Table,
		mail:    o.Mail,
		watcher: o.Watcher,
		timings: o.Timings,
		logger:  logger,
	}
}

// Run executes the attempt. Every return path has written exactly one
// terminal status to the account record; a panic anywhere in the flow is
// converted into OutcomeError with its own status.
func (f *Flow) Run(ctx context.Context, acct *airtable.Account) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("Login flow panicked", zap.Any("panic", r))
			f.writeStatus(ctx, acct, fmt.Sprintf("Login Error: %v", r), nil)
			outcome = OutcomeError
		}
	}()

	log := f.logger.With(zap.String("account", acct.Username))
	log.Info("Starting login")

	// Failures before the login button is pressed mean the attempt never
	// got off the ground; those are errors, not an unknown account state.
	if !f.ui.WaitFor(ctx, f.sel.LoginPage(), f.timings.LoginPage) {
		log.Warn("Login page never appeared")
		f.writeStatus(ctx, acct, "Login Error: login page never appeared", nil)
		return OutcomeError
	}

	if err := f.enterCredentials(ctx, acct); err != nil {
		log.Error("Credential entry failed", zap.Error(err))
		f.writeStatus(ctx, acct, fmt.Sprintf("Login Error: %v", err), nil)
		return OutcomeError
	}

	if !f.ui.Click(ctx, f.sel.LoginButton(), f.timings.Fields) {
		log.Warn("Login button not clickable")
		f.writeStatus(ctx, acct, "Login Error: login button not clickable", nil)
		return OutcomeError
	}

	// The spinner may resolve before we ever see it; only its vanishing
	// deadline is load-bearing.
	if f.ui.WaitFor(ctx, f.sel.LoadingIndicator(), f.timings.LoadingAppear) {
		if !f.ui.WaitGone(ctx, f.sel.LoadingIndicator(), f.timings.LoadingVanish) {
			log.Warn("Loading indicator never cleared")
			f.writeStatus(ctx, acct, "Login Error: loading indicator never cleared", nil)
			return OutcomeError
		}
	}

	if f.ui.WaitFor(ctx, f.sel.IncorrectPassword(), f.timings.IncorrectPassword) {
		log.Warn("Incorrect password")
		f.writeStatus(ctx, acct, airtable.StatusIncorrectPW, nil)
		return OutcomeFailed
	}

	if f.ui.WaitFor(ctx, f.sel.TwoFactorPage(), f.timings.TwoFactorProbe) {
		if out := f.handleTwoFactor(ctx, acct, log); out != "" {
			return out
		}
	}

	return f.confirmOutcome(ctx, acct, log)
}

func (f *Flow) enterCredentials(ctx context.Context, acct *airtable.Account) error {
	if !f.ui.Click(ctx, f.sel.UsernameField(), f.timings.Fields) {
		return fmt.Errorf("username field not found")
	}
	if err := f.ui.ClearText(ctx); err != nil {
		return fmt.Errorf("clear username: %w", err)
	}
	if err := f.ui.TypeText(ctx, acct.Username); err != nil {
		return fmt.Errorf("type username: %w", err)
	}

	if !f.ui.Click(ctx, f.sel.PasswordField(), f.timings.Fields) {
		return fmt.Errorf("password field not found")
	}
	if err := f.ui.ClearText(ctx); err != nil {
		return fmt.Errorf("clear password: %w", err)
	}
	if err := f.ui.TypeText(ctx, acct.Password); err != nil {
		return fmt.Errorf("type password: %w", err)
	}
	return nil
}

// handleTwoFactor fetches the emailed code and submits it. Returns a
// non-empty outcome when the challenge terminates the attempt; an empty
// outcome means the code was submitted and the caller should confirm.
func (f *Flow) handleTwoFactor(ctx context.Context, acct *airtable.Account, log *zap.Logger) Outcome {
	log.Info("Two-factor challenge detected")

	if f.mail == nil || acct.EmailAddress == "" || acct.EmailPassword == "" {
		log.Warn("No mailbox available for two-factor code")
		f.writeStatus(ctx, acct, airtable.StatusUnknownState, nil)
		return OutcomeTwoFactorFailed
	}

	var code string
	cfg := retry.FixedConfig(f.timings.CodeFetchAttempts, f.timings.CodeFetchInterval)
	err := retry.WithBackoff(ctx, cfg, log, "fetch 2fa code", func() error {
		c, err := f.mail.FetchCode(acct.EmailAddress, acct.EmailPassword)
		if err != nil {
			return err
		}
		code = c
		return nil
	})
	if err != nil {
		log.Warn("Two-factor code never arrived", zap.Error(err))
		f.writeStatus(ctx, acct, airtable.StatusUnknownState, nil)
		return OutcomeTwoFactorFailed
	}

	log.Info("Submitting two-factor code")
	if !f.ui.Click(ctx, f.sel.TwoFactorCodeInput(), f.timings.Fields) {
		f.writeStatus(ctx, acct, airtable.StatusUnknownState, nil)
		return OutcomeTwoFactorFailed
	}
	if err := f.ui.TypeText(ctx, code); err != nil {
		f.writeStatus(ctx, acct, airtable.StatusUnknownState, nil)
		return OutcomeTwoFactorFailed
	}
	if !f.ui.Click(ctx, f.sel.TwoFactorConfirmButton(), f.timings.Fields) {
		f.writeStatus(ctx, acct, airtable.StatusUnknownState, nil)
		return OutcomeTwoFactorFailed
	}
	return ""
}

// confirmOutcome sweeps the screen for a terminal state, waits out the
// save-login-info interstitial and requires a visible home feed before
// declaring success.
func (f *Flow) confirmOutcome(ctx context.Context, acct *airtable.Account, log *zap.Logger) Outcome {
	deadline := time.Now().Add(f.timings.OutcomeSweep)
	for time.Now().Before(deadline) {
		snap, err := f.ui.Snapshot(ctx)
		if err == nil {
			switch {
			case snap.Exists(f.sel.AccountSuspended()):
				log.Warn("Account suspended")
				f.writeStatus(ctx, acct, airtable.StatusBanned, nil)
				return OutcomeBanned
			case snap.Exists(f.sel.IncorrectPassword()):
				log.Warn("Incorrect password")
				f.writeStatus(ctx, acct, airtable.StatusIncorrectPW, nil)
				return OutcomeFailed
			case snap.Exists(f.sel.SaveLoginInfoPrompt()), snap.Exists(f.sel.HomeFeed()):
				return f.confirmHome(ctx, acct, log)
			}
		}
		select {
		case <-ctx.Done():
			f.writeStatus(ctx, acct, airtable.StatusUnknownState, nil)
			return OutcomeUnknown
		case <-time.After(f.timings.SweepPoll):
		}
	}

	log.Warn("No recognizable post-login state")
	f.writeStatus(ctx, acct, airtable.StatusUnknownState, nil)
	return OutcomeUnknown
}

func (f *Flow) confirmHome(ctx context.Context, acct *airtable.Account, log *zap.Logger) Outcome {
	// The watcher owns the save-login-info prompt; wait for its signal so
	// the home-feed check does not race the dismissal.
	if f.watcher != nil {
		select {
		case <-f.watcher.SaveLoginHandled():
		case <-time.After(f.timings.SaveInfoEvent):
			log.Debug("Save-login-info prompt never appeared")
		case <-ctx.Done():
			f.writeStatus(ctx, acct, airtable.StatusUnknownState, nil)
			return OutcomeUnknown
		}
	}

	if !f.ui.WaitFor(ctx, f.sel.HomeFeed(), f.timings.HomeCheck) {
		log.Warn("Home feed not confirmed after login")
		f.writeStatus(ctx, acct, airtable.StatusUnknownState, nil)
		return OutcomeUnknown
	}

	log.Info("Login confirmed")
	f.writeStatus(ctx, acct, airtable.StatusLoggedInActive, map[string]any{
		airtable.FieldLoggedIn: true,
	})
	return OutcomeSuccess
}

// writeStatus records the terminal status exactly once; later calls from
// the panic handler or overlapping paths are dropped.
func (f *Flow) writeStatus(ctx context.Context, acct *airtable.Account, status string, extra map[string]any) {
	if f.statusWritten || f.table == nil {
		return
	}
	f.statusWritten = true

	fields := map[string]any{airtable.FieldStatus: status}
	for k, v := range extra {
		fields[k] = v
	}
	if err := f.table.UpdateFields(ctx, acct.RecordID, fields); err != nil {
		f.logger.Error("Failed to record login status",
			zap.String("status", status), zap.Error(err))
	}
}
