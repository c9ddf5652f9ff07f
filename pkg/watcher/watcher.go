// Package watcher runs a background poll that recognizes and dismisses the
// interruptions (permission dialogs, prompts, account warnings) that can
// appear over any screen while the main flow is driving the app.
package watcher

import (
	"context"
	"sync"
	"time"

	"github.com/growthops/devicefarm/pkg/airtable"
	"github.com/growthops/devicefarm/pkg/appui"
	"github.com/growthops/devicefarm/pkg/uiauto"
	"go.uber.org/zap"
)

// Rule pairs a trigger landmark with either a dismiss target to click or a
// named handler. Order in the table is match priority.
type Rule struct {
	Name    string
	Trigger uiauto.Matcher
	Dismiss uiauto.Matcher
	Handle  func(ctx context.Context)
}

// Watcher polls the UI at a fixed cadence and acts on the first matching
// rule each tick. Exactly one Watcher goroutine runs per worker process.
type Watcher struct {
	ui     *uiauto.Client
	logger *zap.Logger

	rules    []Rule
	interval time.Duration

	table    *airtable.Client
	recordID string
	pkg      string

	cancel  context.CancelFunc
	done    chan struct{}
	stopped sync.Once

	saveLoginOnce  sync.Once
	saveLoginCh    chan struct{}
	suspensionOnce sync.Once
}

// Opts configures a Watcher. Table and RecordID may be empty for standalone
// warmup runs; rules that write status become no-ops then.
type Opts struct {
	UI       *uiauto.Client
	Table    *airtable.Client
	RecordID string
	Package  string
	Interval time.Duration
}

func New(o Opts, sel *appui.Selectors, logger *zap.Logger) *Watcher {
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
	w := &Watcher{
		ui:          o.UI,
		logger:      logger,
		interval:    o.Interval,
		table:       o.Table,
		recordID:    o.RecordID,
		pkg:         o.Package,
		saveLoginCh: make(chan struct{}),
	}
	w.rules = defaultRules(sel, w)
	return w
}

// SaveLoginHandled is closed once the "save login info" interstitial has
// been handled. The login flow blocks on it after 2FA; the channel is
// guaranteed to close even when the dismiss click fails, so that wait can
// never hang past its own timeout out of a watcher bug.
func (w *Watcher) SaveLoginHandled() <-chan struct{} { return w.saveLoginCh }

// Start launches the poll goroutine.
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})

	go func() {
		defer close(w.done)
		w.logger.Debug("Popup watcher running", zap.Int("rules", len(w.rules)))
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				w.logger.Info("Popup watcher stopped")
				return
			case <-ticker.C:
				w.runOnce(ctx)
			}
		}
	}()
}

// Stop shuts the watcher down cooperatively: signal, then join with a
// bounded wait so a stuck hierarchy fetch cannot wedge teardown.
func (w *Watcher) Stop() {
	w.stopped.Do(func() {
		if w.cancel == nil {
			return
		}
		w.cancel()
		select {
		case <-w.done:
		case <-time.After(2 * time.Second):
			w.logger.Warn("Popup watcher did not stop in time")
		}
	})
}

func (w *Watcher) runOnce(ctx context.Context) {
	snap, err := w.ui.Snapshot(ctx)
	if err != nil {
		w.logger.Debug("Watcher poll failed", zap.Error(err))
		return
	}
	for _, r := range w.rules {
		if !snap.Exists(r.Trigger) {
			continue
		}
		w.logger.Info("Popup matched", zap.String("rule", r.Name))
		switch {
		case r.Handle != nil:
			r.Handle(ctx)
		case r.Dismiss != nil:
			if !w.ui.Click(ctx, r.Dismiss, time.Second) {
				w.logger.Warn("Popup dismiss click failed", zap.String("rule", r.Name))
			}
		}
		return
	}
}

// --- Handlers ---

// handleSaveLoginInfo clicks the save button and signals the login flow.
// The signal fires even when the click fails.
func (w *Watcher) handleSaveLoginInfo(sel *appui.Selectors) func(ctx context.Context) {
	return func(ctx context.Context) {
		defer w.saveLoginOnce.Do(func() { close(w.saveLoginCh) })
		if !w.ui.Click(ctx, sel.SaveLoginInfoSaveButton(), 5*time.Second) {
			w.logger.Warn("Save-login-info button click failed")
			return
		}
		w.logger.Info("Save-login-info prompt handled")
	}
}

// handleSuspension is latched: the first detection writes the banned status
// and force-stops the app, later matches are ignored.
func (w *Watcher) handleSuspension() func(ctx context.Context) {
	return func(ctx context.Context) {
		w.suspensionOnce.Do(func() {
			w.logger.Warn("Account suspension popup detected")
			if w.table != nil && w.recordID != "" {
				if err := w.table.UpdateStatus(ctx, w.recordID, airtable.StatusBanned); err != nil {
					w.logger.Error("Failed to record suspension", zap.Error(err))
				}
			}
			if w.pkg != "" && w.ui.Device() != nil {
				if err := w.ui.Device().ForceStop(ctx, w.pkg); err != nil {
					w.logger.Error("Failed to stop suspended app", zap.Error(err))
				}
			}
		})
	}
}

func defaultRules(sel *appui.Selectors, w *Watcher) []Rule {
	return []Rule{
		{
			Name:    "save_login_info_prompt",
			Trigger: sel.SaveLoginInfoPrompt(),
			Handle:  w.handleSaveLoginInfo(sel),
		},
		{
			Name:    "allow_notifications",
			Trigger: uiauto.Selector{TextContains: "send you notifications"},
			Dismiss: uiauto.Selector{ResourceIDContains: "permission_allow_button"},
		},
		{
			Name:    "old_android_version_warning",
			Trigger: uiauto.Selector{ResourceID: "android:id/message", TextContains: "built for an older version"},
			Dismiss: uiauto.AnySelector{
				{ResourceID: "android:id/button1", TextContains: "OK"},
				{ResourceID: "android:id/button1", TextContains: "Ok"},
			},
		},
		{
			Name:    "allow_media_access",
			Trigger: uiauto.Selector{TextContains: "access photos"},
			Dismiss: uiauto.Selector{ResourceIDContains: "permission_allow_button"},
		},
		{
			Name:    "setup_new_device_contacts",
			Trigger: uiauto.Selector{TextContains: "people to follow"},
			Dismiss: uiauto.AnySelector{{Desc: "Skip"}, {Text: "Skip"}},
		},
		{
			Name:    "account_suspended_popup",
			Trigger: sel.AccountSuspended(),
			Handle:  w.handleSuspension(),
		},
		{
			Name:    "account_restriction_popup",
			Trigger: uiauto.Selector{DescContains: "We added a restriction to your account"},
			Dismiss: uiauto.AnySelector{{Desc: "Cancel"}, {Text: "Cancel"}},
		},
		{
			Name:    "photo_removed_popup",
			Trigger: uiauto.Selector{TextStartsWith: "We removed your"},
			Handle: func(ctx context.Context) {
				w.logger.Warn("Photo-removed popup detected, taking no action")
			},
		},
		{
			Name:    "generic_error_toast",
			Trigger: uiauto.Selector{TextContains: "Something went wrong"},
			Handle: func(ctx context.Context) {
				w.logger.Warn("Generic error toast detected, taking no action")
			},
		},
		{
			Name:    "edit_draft_popup",
			Trigger: uiauto.Selector{TextContains: "editing your draft?"},
			Dismiss: uiauto.Selector{TextContains: "Start new video"},
		},
		{
			Name:    "samsung_pass_autofill",
			Trigger: uiauto.Selector{ResourceID: "android:id/autofill_save_icon"},
			Dismiss: uiauto.Selector{ResourceID: "android:id/autofill_save_no"},
		},
		{
			Name:    "vpn_slow_connection",
			Trigger: uiauto.Selector{DescContains: "taking a bit longer than usual"},
			Handle: func(ctx context.Context) {
				w.logger.Warn("VPN slow-connection notice detected, taking no action")
			},
		},
	}
}
