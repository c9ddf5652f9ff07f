package airtable

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/growthops/devicefarm/pkg/config"
	"github.com/growthops/devicefarm/pkg/utils"
	"go.uber.org/zap"
)

// ErrConflict marks a record update the API rejected. Claim logic treats it
// as "another worker won the race", not as a failure.
var ErrConflict = errors.New("record update conflict")

// Client is a thin Airtable REST client with a token-bucket limiter; the API
// enforces 5 requests per second per base.
type Client struct {
	baseURL  string
	apiKey   string
	baseID   string
	tableID  string
	maxClaim int
	client   *http.Client
	logger   *zap.Logger

	// token-bucket
	tokens      int64
	maxTokens   int64
	refillEvery time.Duration
	lastRefill  atomic.Value // time.Time
}

// Opts is the set of options for a new Client.
type Opts struct {
	Config     config.AirtableConfig
	Timeout    time.Duration
	RPS        int
	Burst      int
	HTTPClient *http.Client
}

// NewWithOpts creates a new Client with the given options.
func NewWithOpts(o Opts, logger *zap.Logger) *Client {
	if o.RPS <= 0 {
		o.RPS = 5
	}
	if o.Burst <= 0 {
		o.Burst = 5
	}
	if o.Timeout <= 0 {
		o.Timeout = 15 * time.Second
	}

	client := o.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: o.Timeout}
	} else if client.Timeout == 0 {
		client.Timeout = o.Timeout
	}

	maxClaim := o.Config.MaxClaim
	if maxClaim <= 0 {
		maxClaim = 5
	}

	c := &Client{
		baseURL:     o.Config.BaseURL,
		apiKey:      o.Config.APIKey,
		baseID:      o.Config.BaseID,
		tableID:     o.Config.TableID,
		maxClaim:    maxClaim,
		client:      client,
		logger:      logger,
		maxTokens:   int64(o.Burst),
		refillEvery: time.Second / time.Duration(o.RPS),
	}
	c.tokens = c.maxTokens
	c.lastRefill.Store(time.Now())
	return c
}

// refill refills the token-bucket with new tokens if necessary.
func (c *Client) refill() {
	last := c.lastRefill.Load().(time.Time)
	now := time.Now()
	if now.Sub(last) >= c.refillEvery {
		if atomic.LoadInt64(&c.tokens) < c.maxTokens {
			atomic.AddInt64(&c.tokens, 1)
		}
		c.lastRefill.Store(now)
	}
}

// acquire acquires a token from the token-bucket, blocking if necessary.
func (c *Client) acquire(ctx context.Context) error {
	for {
		c.refill()
		if atomic.LoadInt64(&c.tokens) > 0 {
			atomic.AddInt64(&c.tokens, -1)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.refillEvery / 2):
		}
	}
}

func (c *Client) tableURL() string {
	return fmt.Sprintf("%s/%s/%s", c.baseURL, c.baseID, c.tableID)
}

// doJSON sends one request and decodes the response into out when provided.
// 409/422/423 responses surface as ErrConflict; other non-2xx responses as
// plain errors.
func (c *Client) doJSON(ctx context.Context, method, rawURL string, payload any, out any) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}

	var body *bytes.Reader
	if payload != nil {
		b, mErr := json.Marshal(payload)
		if mErr != nil {
			return mErr
		}
		body = bytes.NewReader(b)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = utils.DrainAndClose(resp.Body) }()

	switch {
	case resp.StatusCode == http.StatusConflict,
		resp.StatusCode == http.StatusUnprocessableEntity,
		resp.StatusCode == http.StatusLocked:
		return fmt.Errorf("http %d: %w", resp.StatusCode, ErrConflict)
	case resp.StatusCode >= 300:
		return fmt.Errorf("http %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// listRecords fetches up to maxRecords rows matching the filter formula.
func (c *Client) listRecords(ctx context.Context, formula string, maxRecords int) ([]record, error) {
	q := url.Values{}
	if formula != "" {
		q.Set("filterByFormula", formula)
	}
	if maxRecords > 0 {
		q.Set("maxRecords", fmt.Sprint(maxRecords))
	}

	var list recordList
	if err := c.doJSON(ctx, http.MethodGet, c.tableURL()+"?"+q.Encode(), nil, &list); err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return list.Records, nil
}

// UpdateFields merges the given fields into one record.
func (c *Client) UpdateFields(ctx context.Context, recordID string, fields map[string]any) error {
	if recordID == "" {
		return fmt.Errorf("update: record id is empty")
	}
	payload := map[string]any{"fields": fields, "typecast": true}
	if err := c.doJSON(ctx, http.MethodPatch, c.tableURL()+"/"+recordID, payload, nil); err != nil {
		return fmt.Errorf("update record %s: %w", recordID, err)
	}
	c.logger.Debug("Record updated", zap.String("record_id", recordID), zap.Any("fields", fields))
	return nil
}

// UpdateStatus writes the status column of one record.
func (c *Client) UpdateStatus(ctx context.Context, recordID, status string) error {
	return c.UpdateFields(ctx, recordID, map[string]any{FieldStatus: status})
}
