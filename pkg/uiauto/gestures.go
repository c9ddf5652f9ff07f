package uiauto

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Point is a screen coordinate on the swipe path.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Swipe replays a touch path on the device over the given duration.
func (c *Client) Swipe(ctx context.Context, path []Point, duration time.Duration) error {
	if len(path) < 2 {
		return fmt.Errorf("swipe path too short: %d points", len(path))
	}
	payload := map[string]any{
		"action":      "swipe",
		"points":      path,
		"duration_ms": duration.Milliseconds(),
	}
	return c.doJSON(ctx, http.MethodPost, "/gesture", payload, nil)
}

// ClickNode taps a random point inside the node's bounds. Small elements are
// tapped dead center.
func (c *Client) ClickNode(ctx context.Context, n *Node) error {
	const offset = 8
	b, err := n.Bounds()
	if err != nil {
		return err
	}
	var x, y int
	if b.Right <= b.Left+2*offset || b.Bottom <= b.Top+2*offset {
		x, y = (b.Left+b.Right)/2, (b.Top+b.Bottom)/2
	} else {
		x = b.Left + offset + rand.IntN(b.Width()-2*offset)
		y = b.Top + offset + rand.IntN(b.Height()-2*offset)
	}
	c.logger.Debug("Tapping element", zap.Int("x", x), zap.Int("y", y))
	return c.Tap(ctx, x, y)
}

// Click waits for an element and taps it. Returns false when the element
// never appeared or the tap failed.
func (c *Client) Click(ctx context.Context, m Matcher, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		n, err := c.Find(ctx, m)
		if err == nil && n != nil {
			if err := c.ClickNode(ctx, n); err != nil {
				c.logger.Warn("Tap failed", zap.Error(err))
				return false
			}
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(c.poll):
		}
	}
}

// HumanSwipe performs an upward feed scroll along a Bezier path with a
// quartic ease-out, so the gesture renders as one continuous flick rather
// than a robotic straight drag.
func (c *Client) HumanSwipe(ctx context.Context) error {
	info, err := c.Info(ctx)
	if err != nil {
		return fmt.Errorf("window size: %w", err)
	}
	w, h := float64(info.Width), float64(info.Height)

	startX := w * (0.45 + rand.Float64()*0.10)
	startY := h * (0.75 + rand.Float64()*0.10)
	endX := w * (0.45 + rand.Float64()*0.10)
	endY := h * (0.20 + rand.Float64()*0.10)
	ctrlX := (startX+endX)/2 + (rand.Float64()*2-1)*w*0.1
	ctrlY := (startY + endY) / 2

	const steps = 60
	var path []Point
	seen := make(map[Point]struct{})
	for i := 0; i <= steps; i++ {
		linear := float64(i) / steps
		// Quartic ease-out: fast start, smooth deceleration.
		t := 1 - pow4(1-linear)
		x := (1-t)*(1-t)*startX + 2*(1-t)*t*ctrlX + t*t*endX
		y := (1-t)*(1-t)*startY + 2*(1-t)*t*ctrlY + t*t*endY
		p := Point{X: int(x), Y: int(y)}
		if _, ok := seen[p]; !ok {
			path = append(path, p)
			seen[p] = struct{}{}
		}
	}
	if len(path) < 3 {
		return fmt.Errorf("swipe path degenerate")
	}

	duration := time.Duration(150+rand.IntN(100)) * time.Millisecond
	return c.Swipe(ctx, path, duration)
}

func pow4(v float64) float64 { return v * v * v * v }
