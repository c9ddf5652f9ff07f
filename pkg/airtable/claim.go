package airtable

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

const readyStatusFormula = "OR({Status} = 'Assigned', {Status} = 'Ready for Login', {Status} = 'Unused')"

// ClaimNextReadyAccount finds an account whose status marks it ready for
// login, scoped to deviceID when non-empty, and claims it by writing
// "Login In Progress". Claiming is optimistic: the first candidate whose
// update succeeds wins; a rejected update means another worker got there
// first and the next candidate is tried. Returns (nil, nil) when nothing is
// claimable; that is "no work", not an error.
func (c *Client) ClaimNextReadyAccount(ctx context.Context, deviceID string) (*Account, error) {
	formula := readyStatusFormula
	if deviceID != "" {
		formula = fmt.Sprintf("AND({Device ID} = '%s', %s)", escapeFormulaValue(deviceID), readyStatusFormula)
	}

	candidates, err := c.listRecords(ctx, formula, c.maxClaim)
	if err != nil {
		return nil, fmt.Errorf("fetch claim candidates: %w", err)
	}
	if len(candidates) == 0 {
		c.logger.Info("No ready accounts found", zap.String("device_id", deviceID))
		return nil, nil
	}

	for _, rec := range candidates {
		if rec.ID == "" {
			continue
		}

		if err := c.UpdateStatus(ctx, rec.ID, StatusLoginInProgress); err != nil {
			if errors.Is(err, ErrConflict) {
				c.logger.Warn("Claim lost to another worker", zap.String("record_id", rec.ID))
			} else {
				c.logger.Warn("Claim attempt failed", zap.String("record_id", rec.ID), zap.Error(err))
			}
			continue
		}

		account := accountFromRecord(rec)
		if missing := account.MissingFields(); len(missing) > 0 {
			c.logger.Warn("Claimed record is missing required fields, flagging it",
				zap.String("record_id", rec.ID),
				zap.Strings("missing", missing))
			if err := c.UpdateStatus(ctx, rec.ID, StatusMissingCreds); err != nil {
				c.logger.Error("Failed to flag invalid record", zap.String("record_id", rec.ID), zap.Error(err))
			}
			continue
		}

		c.logger.Info("Claimed account",
			zap.String("record_id", rec.ID),
			zap.String("username", account.Username),
			zap.String("device_id", account.DeviceID))
		return account, nil
	}

	c.logger.Info("Could not claim any candidate", zap.String("device_id", deviceID))
	return nil, nil
}

// DevicesWithReadyAccounts returns the set of device ids that have at least
// one account in a ready status. Used by the orchestrator to decide which
// connected devices get a worker.
func (c *Client) DevicesWithReadyAccounts(ctx context.Context) (map[string]struct{}, error) {
	records, err := c.listRecords(ctx, readyStatusFormula, 0)
	if err != nil {
		return nil, fmt.Errorf("query ready devices: %w", err)
	}

	devices := make(map[string]struct{})
	for _, rec := range records {
		if id := flattenField(rec.Fields["Device ID"]); id != "" {
			devices[id] = struct{}{}
		}
	}
	c.logger.Info("Devices with ready accounts", zap.Int("count", len(devices)))
	return devices, nil
}

// escapeFormulaValue keeps single quotes in interpolated values from breaking
// the filter formula.
func escapeFormulaValue(v string) string {
	return strings.ReplaceAll(v, "'", "\\'")
}
