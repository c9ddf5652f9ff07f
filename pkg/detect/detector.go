// Package detect classifies the app's current screen into a small set of
// named view states by probing for landmark elements.
package detect

import (
	"context"
	"time"

	"github.com/growthops/devicefarm/pkg/appui"
	"github.com/growthops/devicefarm/pkg/uiauto"
	"github.com/growthops/devicefarm/pkg/utils"
	"go.uber.org/zap"
)

// State names one recognized screen.
type State string

const (
	InCommentsView State = "IN_COMMENTS_VIEW"
	InPeekView     State = "IN_PEEK_VIEW"
	OnLikesPage    State = "ON_LIKES_PAGE"
	InReel         State = "IN_REEL"
	OnExploreGrid  State = "ON_EXPLORE_GRID"
	OnHomeFeed     State = "ON_HOME_FEED"
	Unknown        State = "UNKNOWN"
)

type probe struct {
	state    State
	landmark uiauto.Matcher
}

// Detector resolves the current screen to a State. Probe order is priority:
// overlay states (comments panel, peek view) are listed before the general
// surfaces they cover, so a screen matching several landmarks resolves to
// the most specific state.
type Detector struct {
	ui        *uiauto.Client
	logger    *zap.Logger
	probes    []probe
	poll      time.Duration
	backDelay func() time.Duration
}

func New(ui *uiauto.Client, sel *appui.Selectors, logger *zap.Logger) *Detector {
	return &Detector{
		ui:     ui,
		logger: logger,
		poll:   time.Second,
		backDelay: func() time.Duration {
			return utils.DurationBetween(1500*time.Millisecond, 2200*time.Millisecond)
		},
		probes: []probe{
			{InCommentsView, sel.CommentInputField()},
			{InPeekView, sel.PeekViewContainer()},
			{OnLikesPage, sel.LikesPageTitle()},
			{InReel, sel.ReelLikeButton()},
			{OnExploreGrid, sel.ExploreSearchBar()},
			{OnHomeFeed, sel.HomeFeed()},
		},
	}
}

// SetPoll overrides the detection cadence and the pause between recovery
// back-presses; tests shrink both.
func (d *Detector) SetPoll(poll time.Duration) {
	d.poll = poll
	d.backDelay = func() time.Duration { return poll }
}

// Current classifies the screen from a single hierarchy fetch. Fetch errors
// and unmatched screens both come back as Unknown; hot loops treat the two
// the same way.
func (d *Detector) Current(ctx context.Context) State {
	snap, err := d.ui.Snapshot(ctx)
	if err != nil {
		d.logger.Debug("State probe failed", zap.Error(err))
		return Unknown
	}
	for _, p := range d.probes {
		if snap.Exists(p.landmark) {
			d.logger.Debug("State detected", zap.String("state", string(p.state)))
			return p.state
		}
	}
	return Unknown
}

// Detect polls until some state matches or the timeout elapses, in which
// case it returns Unknown. It never fails.
func (d *Detector) Detect(ctx context.Context, timeout time.Duration) State {
	deadline := time.Now().Add(timeout)
	for {
		if s := d.Current(ctx); s != Unknown {
			return s
		}
		if time.Now().After(deadline) {
			d.logger.Warn("No known state detected before timeout", zap.Duration("timeout", timeout))
			return Unknown
		}
		select {
		case <-ctx.Done():
			return Unknown
		case <-time.After(d.poll):
		}
	}
}

// RecoverTo navigates back until the wanted state is reached, using the
// app's explicit back control when present and the system back key
// otherwise. Gives up after maxAttempts; the caller logs and skips the
// current iteration rather than aborting the session.
func (d *Detector) RecoverTo(ctx context.Context, sel *appui.Selectors, want State, maxAttempts int) bool {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if d.Current(ctx) == want {
			return true
		}
		d.logger.Warn("Not on wanted screen, navigating back",
			zap.String("want", string(want)),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", maxAttempts))

		if !d.ui.Click(ctx, sel.BackButton(), time.Second) {
			if err := d.ui.Back(ctx); err != nil {
				d.logger.Warn("Back key failed", zap.Error(err))
			}
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(d.backDelay()):
		}
	}
	return d.Current(ctx) == want
}
