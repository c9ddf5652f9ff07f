package airtable_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/growthops/devicefarm/pkg/airtable"
	"github.com/growthops/devicefarm/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeTable emulates the accounts table API: list with a filter formula,
// patch by record id.
type fakeTable struct {
	mu      sync.Mutex
	records []map[string]any
	patches []patch

	// rejectPatch maps record ids to the status code their PATCH returns.
	rejectPatch map[string]int

	lastFormula string
}

type patch struct {
	recordID string
	fields   map[string]any
}

func (f *fakeTable) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		switch r.Method {
		case http.MethodGet:
			f.lastFormula = r.URL.Query().Get("filterByFormula")
			json.NewEncoder(w).Encode(map[string]any{"records": f.records})
		case http.MethodPatch:
			parts := strings.Split(r.URL.Path, "/")
			recordID := parts[len(parts)-1]
			if code, ok := f.rejectPatch[recordID]; ok {
				w.WriteHeader(code)
				return
			}
			var body struct {
				Fields map[string]any `json:"fields"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			f.patches = append(f.patches, patch{recordID: recordID, fields: body.Fields})
			json.NewEncoder(w).Encode(map[string]any{"id": recordID})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
}

func (f *fakeTable) patchedStatuses() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string)
	for _, p := range f.patches {
		if s, ok := p.fields["Status"].(string); ok {
			out[p.recordID] = s
		}
	}
	return out
}

func newTestClient(t *testing.T, table *fakeTable) *airtable.Client {
	t.Helper()
	srv := httptest.NewServer(table.handler(t))
	t.Cleanup(srv.Close)
	return airtable.NewWithOpts(airtable.Opts{
		Config: config.AirtableConfig{
			BaseURL:  srv.URL,
			APIKey:   "key-test",
			BaseID:   "appTEST",
			TableID:  "tblAccounts",
			MaxClaim: 5,
		},
		RPS:     1000,
		Burst:   100,
		Timeout: 2 * time.Second,
	}, zaptest.NewLogger(t))
}

func fullRecord(id, user, device, status string) map[string]any {
	return map[string]any{
		"id": id,
		"fields": map[string]any{
			"Account":        user,
			"Password":       "hunter2",
			"Package Name":   "com.example.app",
			"Device ID":      device,
			"Email":          user + "@mail.test",
			"Email Password": "mailpw",
			"Status":         status,
		},
	}
}

func TestClaimNextReadyAccount(t *testing.T) {
	table := &fakeTable{records: []map[string]any{
		fullRecord("rec1", "user_one", "serial-a", "Unused"),
	}}
	c := newTestClient(t, table)

	acct, err := c.ClaimNextReadyAccount(context.Background(), "serial-a")
	require.NoError(t, err)
	require.NotNil(t, acct)

	assert.Equal(t, "rec1", acct.RecordID)
	assert.Equal(t, "user_one", acct.Username)
	assert.Equal(t, "Login In Progress", table.patchedStatuses()["rec1"])
	assert.Contains(t, table.lastFormula, "{Device ID} = 'serial-a'")
	assert.Contains(t, table.lastFormula, "'Ready for Login'")
}

func TestClaimSkipsLostRace(t *testing.T) {
	table := &fakeTable{
		records: []map[string]any{
			fullRecord("rec1", "user_one", "serial-a", "Unused"),
			fullRecord("rec2", "user_two", "serial-a", "Assigned"),
		},
		rejectPatch: map[string]int{"rec1": http.StatusConflict},
	}
	c := newTestClient(t, table)

	acct, err := c.ClaimNextReadyAccount(context.Background(), "serial-a")
	require.NoError(t, err)
	require.NotNil(t, acct)
	assert.Equal(t, "rec2", acct.RecordID)
}

func TestClaimFlagsMissingCredentials(t *testing.T) {
	broken := map[string]any{
		"id": "rec1",
		"fields": map[string]any{
			"Account":   "user_one",
			"Device ID": "serial-a",
			"Status":    "Unused",
		},
	}
	table := &fakeTable{records: []map[string]any{
		broken,
		fullRecord("rec2", "user_two", "serial-a", "Unused"),
	}}
	c := newTestClient(t, table)

	acct, err := c.ClaimNextReadyAccount(context.Background(), "serial-a")
	require.NoError(t, err)
	require.NotNil(t, acct)

	assert.Equal(t, "rec2", acct.RecordID)
	assert.Equal(t, "Missing Credentials", table.patchedStatuses()["rec1"])
}

func TestClaimReturnsNilWhenNoWork(t *testing.T) {
	table := &fakeTable{}
	c := newTestClient(t, table)

	acct, err := c.ClaimNextReadyAccount(context.Background(), "serial-a")
	require.NoError(t, err)
	assert.Nil(t, acct)
	assert.Empty(t, table.patches)
}

func TestClaimUnscopedHasNoDeviceClause(t *testing.T) {
	table := &fakeTable{records: []map[string]any{
		fullRecord("rec1", "user_one", "serial-a", "Unused"),
	}}
	c := newTestClient(t, table)

	_, err := c.ClaimNextReadyAccount(context.Background(), "")
	require.NoError(t, err)
	assert.NotContains(t, table.lastFormula, "Device ID")
}

func TestDevicesWithReadyAccounts(t *testing.T) {
	table := &fakeTable{records: []map[string]any{
		fullRecord("rec1", "user_one", "serial-a", "Unused"),
		fullRecord("rec2", "user_two", "serial-a", "Ready for Login"),
		fullRecord("rec3", "user_three", "serial-b", "Assigned"),
		// Linked-record cell arrives as a list.
		{
			"id": "rec4",
			"fields": map[string]any{
				"Account":   "user_four",
				"Device ID": []any{"serial-c"},
				"Status":    "Unused",
			},
		},
	}}
	c := newTestClient(t, table)

	devices, err := c.DevicesWithReadyAccounts(context.Background())
	require.NoError(t, err)

	assert.Len(t, devices, 3)
	assert.Contains(t, devices, "serial-a")
	assert.Contains(t, devices, "serial-b")
	assert.Contains(t, devices, "serial-c")
}

func TestUpdateFieldsConflict(t *testing.T) {
	table := &fakeTable{rejectPatch: map[string]int{"rec1": http.StatusLocked}}
	c := newTestClient(t, table)

	err := c.UpdateStatus(context.Background(), "rec1", "Banned")
	require.Error(t, err)
	assert.ErrorIs(t, err, airtable.ErrConflict)
}
