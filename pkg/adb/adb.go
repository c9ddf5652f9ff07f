// Package adb shells out to the platform adb binary for the few operations
// the automation agent cannot do itself: device discovery, port forwarding,
// text input and key events.
package adb

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const commandTimeout = 10 * time.Second

// ListDevices returns the serials of all devices adb reports as online.
func ListDevices(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, "adb", "devices").Output()
	if err != nil {
		return nil, fmt.Errorf("adb devices: %w", err)
	}

	var serials []string
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	for _, line := range lines[1:] { // first line is the header
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[1] == "device" {
			serials = append(serials, fields[0])
		}
	}
	return serials, nil
}

// Device runs shell commands against one attached device.
type Device struct {
	Serial string
}

func (d *Device) run(ctx context.Context, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	full := append([]string{"-s", d.Serial}, args...)
	cmd := exec.CommandContext(ctx, "adb", full...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("adb %s: %w (%s)", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Shell runs one shell command on the device.
func (d *Device) Shell(ctx context.Context, command string) error {
	return d.run(ctx, "shell", command)
}

// Forward maps a host port to a device port, returning the local address.
func (d *Device) Forward(ctx context.Context, localPort, devicePort int) (string, error) {
	if err := d.run(ctx, "forward", fmt.Sprintf("tcp:%d", localPort), fmt.Sprintf("tcp:%d", devicePort)); err != nil {
		return "", err
	}
	return fmt.Sprintf("127.0.0.1:%d", localPort), nil
}

// RemoveForward tears down a previously established forward.
func (d *Device) RemoveForward(ctx context.Context, localPort int) error {
	return d.run(ctx, "forward", "--remove", fmt.Sprintf("tcp:%d", localPort))
}

// ForceStop kills the given app package.
func (d *Device) ForceStop(ctx context.Context, pkg string) error {
	return d.Shell(ctx, "am force-stop "+pkg)
}

// Key codes for KeyEvent.
const (
	KeyBack  = 4
	KeyTab   = 61
	KeyEnter = 66
)

// KeyEvent injects one key press.
func (d *Device) KeyEvent(ctx context.Context, code int) error {
	return d.Shell(ctx, fmt.Sprintf("input keyevent %d", code))
}

// TypeText types into the currently focused input field. Fast and reliable
// for credential entry; spaces must be escaped as %s for the shell input
// command.
func (d *Device) TypeText(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	safe := strings.ReplaceAll(text, " ", "%s")
	if err := d.Shell(ctx, fmt.Sprintf(`input text "%s"`, safe)); err != nil {
		return err
	}
	// Brief pause so the field registers the text before the next action.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(500 * time.Millisecond):
	}
	return nil
}
