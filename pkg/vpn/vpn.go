// Package vpn rotates the device's VPN exit by driving the provider app's
// reconnect control and waiting until the connection identifier changes.
package vpn

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/growthops/devicefarm/pkg/config"
	"github.com/growthops/devicefarm/pkg/uiauto"
	"go.uber.org/zap"
)

var connIDPattern = regexp.MustCompile(`#\d+`)

// Rotator drives the VPN app on one device.
type Rotator struct {
	ui     *uiauto.Client
	cfg    config.VPNConfig
	logger *zap.Logger
	poll   time.Duration
}

func New(ui *uiauto.Client, cfg config.VPNConfig, logger *zap.Logger) *Rotator {
	return &Rotator{ui: ui, cfg: cfg, logger: logger, poll: 2 * time.Second}
}

// SetPoll shrinks the reconnect poll cadence for tests.
func (r *Rotator) SetPoll(poll time.Duration) { r.poll = poll }

func (r *Rotator) connectedCard() uiauto.Selector {
	return uiauto.Selector{DescContains: "Connected to:"}
}

func (r *Rotator) reconnectButton() uiauto.Selector {
	return uiauto.Selector{ResourceID: r.cfg.PackageName + ":id/connection_card_reconnect_button"}
}

// ConnectionID extracts the "#N" server identifier from the connection
// card description, or returns empty when none is present.
func ConnectionID(desc string) string {
	return connIDPattern.FindString(desc)
}

func (r *Rotator) currentConnection(ctx context.Context) (string, error) {
	n, err := r.ui.Find(ctx, r.connectedCard())
	if err != nil {
		return "", err
	}
	if n == nil {
		return "", fmt.Errorf("connection card not on screen")
	}
	id := ConnectionID(n.Desc)
	if id == "" {
		return "", fmt.Errorf("connection card has no server id: %q", n.Desc)
	}
	return id, nil
}

// Rotate opens the VPN app, triggers a reconnect and waits until the
// device lands on a different server. The wait is capped by the configured
// timeout.
func (r *Rotator) Rotate(ctx context.Context) error {
	if err := r.ui.AppStart(ctx, r.cfg.PackageName, false); err != nil {
		return fmt.Errorf("open vpn app: %w", err)
	}

	if !r.ui.WaitFor(ctx, r.connectedCard(), r.cfg.Timeout.D()) {
		return fmt.Errorf("vpn never reported a connection")
	}
	before, err := r.currentConnection(ctx)
	if err != nil {
		return fmt.Errorf("read current connection: %w", err)
	}
	r.logger.Info("Rotating VPN connection", zap.String("from", before))

	if !r.ui.Click(ctx, r.reconnectButton(), 5*time.Second) {
		return fmt.Errorf("reconnect button not found")
	}

	deadline := time.Now().Add(r.cfg.Timeout.D())
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.poll):
		}
		after, err := r.currentConnection(ctx)
		if err != nil {
			// Mid-reconnect the card disappears; keep polling.
			continue
		}
		if after != before {
			r.logger.Info("VPN connection rotated",
				zap.String("from", before), zap.String("to", after))
			return nil
		}
	}
	return fmt.Errorf("vpn still on %s after %s", before, r.cfg.Timeout.D())
}
