// Package uiauto talks to the automation agent running on each device. The
// agent serves the current UI hierarchy and accepts synthetic input; element
// lookup happens client-side by matching selectors against the dump, so an
// existence probe costs exactly one round trip.
package uiauto

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/growthops/devicefarm/pkg/adb"
	"github.com/growthops/devicefarm/pkg/utils"
	"go.uber.org/zap"
)

// pollInterval is the cadence of blocking waits.
const pollInterval = time.Second

// Client drives one device through its automation agent, with adb as the
// side channel for text input and app lifecycle.
type Client struct {
	baseURL string
	client  *http.Client
	device  *adb.Device
	logger  *zap.Logger

	poll time.Duration
}

// Opts is the set of options for a new Client.
type Opts struct {
	// AgentAddr is the host:port the device agent is reachable on, usually a
	// local adb forward.
	AgentAddr  string
	Device     *adb.Device
	Timeout    time.Duration
	Poll       time.Duration
	HTTPClient *http.Client
}

func New(o Opts, logger *zap.Logger) *Client {
	if o.Timeout <= 0 {
		o.Timeout = 15 * time.Second
	}
	if o.Poll <= 0 {
		o.Poll = pollInterval
	}
	client := o.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: o.Timeout}
	}
	return &Client{
		baseURL: "http://" + o.AgentAddr,
		client:  client,
		device:  o.Device,
		logger:  logger,
		poll:    o.Poll,
	}
}

// Device exposes the underlying adb handle for callers that need raw shell
// access (typing, key events).
func (c *Client) Device() *adb.Device { return c.device }

func (c *Client) doJSON(ctx context.Context, method, path string, payload any, out any) error {
	var body *bytes.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = utils.DrainAndClose(resp.Body) }()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("agent %s: http %d", path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode agent response: %w", err)
		}
	}
	return nil
}

// Hierarchy fetches and parses the current UI tree.
func (c *Client) Hierarchy(ctx context.Context) ([]Node, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/hierarchy", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch hierarchy: %w", err)
	}
	defer func() { _ = utils.DrainAndClose(resp.Body) }()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch hierarchy: http %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read hierarchy: %w", err)
	}
	return parseHierarchy(raw)
}

// DeviceInfo reports screen size and the foreground package.
type DeviceInfo struct {
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	Package string `json:"package"`
}

func (c *Client) Info(ctx context.Context) (DeviceInfo, error) {
	var info DeviceInfo
	if err := c.doJSON(ctx, http.MethodGet, "/info", nil, &info); err != nil {
		return DeviceInfo{}, err
	}
	return info, nil
}

// Find returns the first node matching m, or nil when the current screen has
// none. A nil result is not an error.
func (c *Client) Find(ctx context.Context, m Matcher) (*Node, error) {
	nodes, err := c.Hierarchy(ctx)
	if err != nil {
		return nil, err
	}
	return findFirst(nodes, m), nil
}

// FindAll returns every matching node on the current screen.
func (c *Client) FindAll(ctx context.Context, m Matcher) ([]*Node, error) {
	nodes, err := c.Hierarchy(ctx)
	if err != nil {
		return nil, err
	}
	return findAll(nodes, m), nil
}

// Exists is a cheap existence probe: one hierarchy fetch, no waiting. Fetch
// errors count as "not present" so hot loops degrade instead of aborting.
func (c *Client) Exists(ctx context.Context, m Matcher) bool {
	n, err := c.Find(ctx, m)
	if err != nil {
		c.logger.Debug("Existence probe failed", zap.Error(err))
		return false
	}
	return n != nil
}

// WaitFor polls until the element appears or timeout elapses.
func (c *Client) WaitFor(ctx context.Context, m Matcher, timeout time.Duration) bool {
	return c.pollUntil(ctx, timeout, func() bool { return c.Exists(ctx, m) })
}

// WaitGone polls until the element disappears or timeout elapses.
func (c *Client) WaitGone(ctx context.Context, m Matcher, timeout time.Duration) bool {
	return c.pollUntil(ctx, timeout, func() bool { return !c.Exists(ctx, m) })
}

func (c *Client) pollUntil(ctx context.Context, timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
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

// Tap sends a single tap at screen coordinates.
func (c *Client) Tap(ctx context.Context, x, y int) error {
	return c.doJSON(ctx, http.MethodPost, "/touch", map[string]any{"action": "tap", "x": x, "y": y}, nil)
}

// Press injects a key event, through adb when a device is attached and
// through the agent otherwise.
func (c *Client) Press(ctx context.Context, code int) error {
	if c.device == nil {
		return c.doJSON(ctx, http.MethodPost, "/press", map[string]any{"code": code}, nil)
	}
	return c.device.KeyEvent(ctx, code)
}

// Back presses the system back key.
func (c *Client) Back(ctx context.Context) error {
	return c.Press(ctx, adb.KeyBack)
}

// Enter submits the focused input.
func (c *Client) Enter(ctx context.Context) error {
	return c.Press(ctx, adb.KeyEnter)
}

// ClearText clears the currently focused input field.
func (c *Client) ClearText(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/text/clear", map[string]any{}, nil)
}

// TypeText types into the focused field, via adb shell input when a device
// is attached and via the agent otherwise.
func (c *Client) TypeText(ctx context.Context, text string) error {
	if c.device == nil {
		return c.doJSON(ctx, http.MethodPost, "/text", map[string]any{"text": text}, nil)
	}
	return c.device.TypeText(ctx, text)
}

// AppStart launches a package, optionally force-stopping it first.
func (c *Client) AppStart(ctx context.Context, pkg string, stopFirst bool) error {
	if c.device == nil {
		return c.doJSON(ctx, http.MethodPost, "/app/start",
			map[string]any{"package": pkg, "stop": stopFirst}, nil)
	}
	if stopFirst {
		if err := c.device.ForceStop(ctx, pkg); err != nil {
			c.logger.Warn("Pre-launch force-stop failed", zap.String("package", pkg), zap.Error(err))
		}
	}
	return c.device.Shell(ctx, "monkey -p "+pkg+" -c android.intent.category.LAUNCHER 1")
}

// AppStop stops a package, verifying it left the foreground and falling back
// to adb force-stop when it did not.
func (c *Client) AppStop(ctx context.Context, pkg string) error {
	if err := c.doJSON(ctx, http.MethodPost, "/app/stop", map[string]any{"package": pkg}, nil); err != nil {
		if c.device == nil {
			return err
		}
		c.logger.Warn("Agent app stop failed, falling back to adb", zap.String("package", pkg), zap.Error(err))
		return c.device.ForceStop(ctx, pkg)
	}
	info, err := c.Info(ctx)
	if err == nil && info.Package == pkg && c.device != nil {
		c.logger.Warn("App still in foreground after stop, forcing", zap.String("package", pkg))
		return c.device.ForceStop(ctx, pkg)
	}
	return nil
}
