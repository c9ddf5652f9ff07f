// Package warmup runs a humanized browsing session on a logged-in account:
// search the explore surface for a keyword, then watch, like and comment on
// short videos with randomized pacing until the scroll or time budget runs
// out.
package warmup

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/growthops/devicefarm/pkg/appui"
	"github.com/growthops/devicefarm/pkg/config"
	"github.com/growthops/devicefarm/pkg/detect"
	"github.com/growthops/devicefarm/pkg/uiauto"
	"github.com/growthops/devicefarm/pkg/utils"
	"go.uber.org/zap"
)

// Summary reports what a session actually did.
type Summary struct {
	Keyword   string
	Processed int
	Liked     int
	Commented int
	Duration  time.Duration
}

// Session is one warmup run on one device. Not safe for concurrent use.
type Session struct {
	ui     *uiauto.Client
	sel    *appui.Selectors
	det    *detect.Detector
	cfg    config.WarmupConfig
	logger *zap.Logger

	seen          map[string]struct{}
	actions       int
	idleThreshold int
}

func New(ui *uiauto.Client, sel *appui.Selectors, det *detect.Detector, cfg config.WarmupConfig, logger *zap.Logger) *Session {
	return &Session{
		ui:            ui,
		sel:           sel,
		det:           det,
		cfg:           cfg,
		logger:        logger,
		seen:          make(map[string]struct{}),
		idleThreshold: utils.IntBetween(cfg.IdleAfterActions[0], cfg.IdleAfterActions[1]),
	}
}

// Run executes the session and always returns a summary of the work done,
// even when it ends on an error.
func (s *Session) Run(ctx context.Context) (*Summary, error) {
	started := time.Now()
	sum := &Summary{}
	defer func() { sum.Duration = time.Since(started) }()

	if len(s.cfg.Keywords) == 0 {
		return sum, fmt.Errorf("no search keywords configured")
	}
	keyword := s.cfg.Keywords[rand.IntN(len(s.cfg.Keywords))]
	sum.Keyword = keyword

	log := s.logger.With(zap.String("keyword", keyword))
	log.Info("Starting warmup session",
		zap.Int("max_scrolls", s.cfg.MaxScrolls),
		zap.Duration("max_runtime", s.cfg.MaxRuntime.D()))

	if err := s.openExploreSearch(ctx, keyword); err != nil {
		return sum, fmt.Errorf("open explore search: %w", err)
	}

	deadline := time.Now().Add(s.cfg.MaxRuntime.D())
	for scroll := 0; scroll < s.cfg.MaxScrolls; scroll++ {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		if time.Now().After(deadline) {
			log.Info("Session time budget reached")
			break
		}

		if !s.ensureOnGrid(ctx) {
			log.Warn("Could not recover to the results grid, ending session")
			break
		}

		fresh, err := s.freshCards(ctx)
		if err != nil {
			log.Debug("Card scan failed", zap.Error(err))
		}
		if len(fresh) == 0 {
			// Nothing new on screen; scroll once and rescan.
			utils.Sleep(ctx, s.cfg.Delay("before_scroll"))
			if err := s.ui.HumanSwipe(ctx); err != nil {
				log.Debug("Scroll failed", zap.Error(err))
			}
			continue
		}

		for _, desc := range s.pickToWatch(fresh) {
			if err := ctx.Err(); err != nil {
				return sum, err
			}
			if time.Now().After(deadline) {
				break
			}
			s.watchOne(ctx, desc, sum, log)
			s.maybeIdle(ctx, log)
		}

		utils.Sleep(ctx, s.cfg.Delay("between_scrolls"))
		if err := s.ui.HumanSwipe(ctx); err != nil {
			log.Debug("Scroll failed", zap.Error(err))
		}
	}

	log.Info("Warmup session finished",
		zap.Int("processed", sum.Processed),
		zap.Int("liked", sum.Liked),
		zap.Int("commented", sum.Commented))
	return sum, nil
}

// openExploreSearch navigates to the explore tab and runs a keyword search.
func (s *Session) openExploreSearch(ctx context.Context, keyword string) error {
	if state := s.det.Current(ctx); state == detect.OnHomeFeed {
		if !s.ui.Click(ctx, s.sel.ExploreTab(), 5*time.Second) {
			return fmt.Errorf("explore tab not found from home feed")
		}
	} else if state != detect.OnExploreGrid {
		if !s.det.RecoverTo(ctx, s.sel, detect.OnExploreGrid, 4) {
			return fmt.Errorf("could not reach the explore grid from %s", state)
		}
	}

	if !s.ui.Click(ctx, s.sel.ExploreSearchBar(), 5*time.Second) {
		return fmt.Errorf("search bar not found")
	}
	if err := s.ui.TypeText(ctx, keyword); err != nil {
		return fmt.Errorf("type keyword: %w", err)
	}
	if err := s.ui.Enter(ctx); err != nil {
		return fmt.Errorf("submit search: %w", err)
	}
	if !s.ui.WaitFor(ctx, s.sel.SearchResultsContainer(), 10*time.Second) {
		return fmt.Errorf("search results never loaded")
	}
	return nil
}

// ensureOnGrid puts the session back on the results grid. A detour to the
// home feed gets the explore tab clicked; anything else is walked back.
func (s *Session) ensureOnGrid(ctx context.Context) bool {
	switch s.det.Current(ctx) {
	case detect.OnExploreGrid:
		return true
	case detect.OnHomeFeed:
		if s.ui.Click(ctx, s.sel.ExploreTab(), 5*time.Second) {
			return s.det.Current(ctx) == detect.OnExploreGrid
		}
		return false
	default:
		return s.det.RecoverTo(ctx, s.sel, detect.OnExploreGrid, 4)
	}
}

// freshCards returns the descriptions of result cards not yet seen this
// session, and marks them seen.
func (s *Session) freshCards(ctx context.Context) ([]string, error) {
	snap, err := s.ui.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	var fresh []string
	for _, n := range snap.FindAll(s.sel.ReelCards()) {
		if n.Desc == "" {
			continue
		}
		key := cardKey(n.Desc)
		if _, ok := s.seen[key]; ok {
			continue
		}
		s.seen[key] = struct{}{}
		fresh = append(fresh, n.Desc)
	}
	return fresh, nil
}

// pickToWatch samples the configured share of the fresh cards, at least one.
func (s *Session) pickToWatch(fresh []string) []string {
	n := int(float64(len(fresh)) * s.cfg.PercentToWatch)
	if n < 1 {
		n = 1
	}
	if n > len(fresh) {
		n = len(fresh)
	}
	shuffled := append([]string(nil), fresh...)
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	return shuffled[:n]
}

// watchOne opens a card, watches it for a randomized window and performs
// the probabilistic like and comment interactions inside that window.
func (s *Session) watchOne(ctx context.Context, desc string, sum *Summary, log *zap.Logger) {
	if !s.ui.Click(ctx, s.sel.ReelCardByDesc(desc), 3*time.Second) {
		log.Debug("Card vanished before tap")
		return
	}
	utils.Sleep(ctx, s.cfg.Delay("after_post_tap"))
	sum.Processed++
	s.actions++

	watch := s.cfg.WatchTime.Pick()
	watchEnd := time.Now().Add(watch)

	if chance(s.cfg.LikeProbability) {
		if s.ui.Click(ctx, s.sel.ReelLikeButton(), 2*time.Second) {
			sum.Liked++
			s.actions++
			utils.Sleep(ctx, s.cfg.Delay("after_like"))
		}
	}

	// The comment detour starts around the 60% mark of the watch window so
	// the open never lands right at the tap or the exit.
	if chance(s.cfg.CommentProbability) {
		utils.Sleep(ctx, time.Duration(float64(watch)*0.6))
		if s.browseComments(ctx, log) {
			sum.Commented++
			s.actions++
		}
	}

	if remain := time.Until(watchEnd); remain > 0 {
		utils.Sleep(ctx, remain)
	}

	if err := s.ui.Back(ctx); err != nil {
		log.Debug("Back from reel failed", zap.Error(err))
	}
	utils.Sleep(ctx, s.cfg.Delay("back_delay"))
}

// browseComments opens the comment sheet, scrolls it, maybe likes one
// comment and closes the sheet again. Returns whether the sheet opened.
func (s *Session) browseComments(ctx context.Context, log *zap.Logger) bool {
	if !s.ui.Click(ctx, s.sel.ReelCommentButton(), 2*time.Second) {
		return false
	}
	utils.Sleep(ctx, s.cfg.Delay("default"))

	if err := s.ui.HumanSwipe(ctx); err != nil {
		log.Debug("Comment scroll failed", zap.Error(err))
	}

	if chance(s.cfg.LikeCommentProbability) {
		if snap, err := s.ui.Snapshot(ctx); err == nil {
			if likes := snap.FindAll(s.sel.CommentLikeButtons()); len(likes) > 0 {
				n := likes[rand.IntN(len(likes))]
				if err := s.ui.ClickNode(ctx, n); err == nil {
					utils.Sleep(ctx, s.cfg.Delay("after_comment"))
				}
			}
		}
	}

	if err := s.ui.Back(ctx); err != nil {
		log.Debug("Back from comments failed", zap.Error(err))
	}
	utils.Sleep(ctx, s.cfg.Delay("back_delay"))
	return true
}

// maybeIdle takes a human-length break after a randomized number of
// actions, then rolls the next threshold.
func (s *Session) maybeIdle(ctx context.Context, log *zap.Logger) {
	if s.actions < s.idleThreshold {
		return
	}
	pause := s.cfg.IdleDuration.Pick()
	log.Debug("Idle break", zap.Duration("pause", pause))
	utils.Sleep(ctx, pause)
	s.actions = 0
	s.idleThreshold = utils.IntBetween(s.cfg.IdleAfterActions[0], s.cfg.IdleAfterActions[1])
}

func chance(p float64) bool { return rand.Float64() < p }

func cardKey(desc string) string {
	h := sha1.Sum([]byte(desc))
	return hex.EncodeToString(h[:])
}
