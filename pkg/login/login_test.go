package login_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/growthops/devicefarm/pkg/airtable"
	"github.com/growthops/devicefarm/pkg/appui"
	"github.com/growthops/devicefarm/pkg/config"
	"github.com/growthops/devicefarm/pkg/login"
	"github.com/growthops/devicefarm/pkg/uiauto/uiautotest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const pkg = "com.example.app"

func testTimings() login.Timings {
	return login.Timings{
		LoginPage:         200 * time.Millisecond,
		Fields:            200 * time.Millisecond,
		LoadingAppear:     30 * time.Millisecond,
		LoadingVanish:     200 * time.Millisecond,
		IncorrectPassword: 30 * time.Millisecond,
		TwoFactorProbe:    30 * time.Millisecond,
		OutcomeSweep:      300 * time.Millisecond,
		CodeFetchAttempts: 2,
		CodeFetchInterval: 10 * time.Millisecond,
		SaveInfoEvent:     50 * time.Millisecond,
		HomeCheck:         200 * time.Millisecond,
		SweepPoll:         20 * time.Millisecond,
	}
}

// tableFake records every status write against the account record.
type tableFake struct {
	mu     sync.Mutex
	writes []map[string]any
}

func (f *tableFake) client(t *testing.T) *airtable.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Fields map[string]any `json:"fields"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.writes = append(f.writes, body.Fields)
		f.mu.Unlock()
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)
	return airtable.NewWithOpts(airtable.Opts{
		Config: config.AirtableConfig{BaseURL: srv.URL, APIKey: "k", BaseID: "appT", TableID: "tblT"},
		RPS:    1000, Burst: 100,
	}, zaptest.NewLogger(t))
}

func (f *tableFake) statuses() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, w := range f.writes {
		if s, ok := w["Status"].(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func (f *tableFake) loggedInFlag() (bool, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, w := range f.writes {
		if v, ok := w["Logged In?"].(bool); ok {
			return v, true
		}
	}
	return false, false
}

// codeFetcher is a scripted mailbox.
type codeFetcher struct {
	mu    sync.Mutex
	code  string
	err   error
	calls int
}

func (c *codeFetcher) FetchCode(_, _ string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.code, c.err
}

func (c *codeFetcher) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// Screens.
var (
	loginScreen = uiautotest.Screen(
		uiautotest.Node("android.widget.TextView", "", "Forgot password?", "", ""),
		uiautotest.Node("android.widget.EditText", "Username, email address or mobile number", "", "", "[40,600][1040,700]"),
		uiautotest.Node("android.widget.EditText", "Password", "", "", "[40,720][1040,820]"),
		uiautotest.Node("android.widget.Button", "", "Log in", "", "[40,860][1040,960]"),
	)
	homeScreen = uiautotest.Screen(
		uiautotest.Node("android.widget.TextView", "Your story", "", "", ""),
	)
	incorrectScreen = uiautotest.Screen(
		uiautotest.Node("android.widget.TextView", "Incorrect password", "", "", ""),
	)
	twoFactorScreen = uiautotest.Screen(
		uiautotest.Node("android.widget.TextView", "Check your email", "", "", ""),
		uiautotest.Node("android.widget.EditText", "Enter the 6-digit code", "", "", "[40,500][1040,580]"),
		uiautotest.Node("android.widget.Button", "Continue", "", "", "[40,650][1040,750]"),
	)
	suspendedScreen = uiautotest.Screen(
		uiautotest.Node("android.widget.TextView", "We suspended your account", "", "", ""),
	)
)

// loginAgent serves the login screen and switches to next when the login
// button is tapped.
func loginAgent(next string) *uiautotest.Agent {
	agent := uiautotest.New()
	agent.SetScreen(loginScreen)
	agent.OnTap = func(_, y int) {
		if y >= 860 && y <= 960 {
			agent.SetScreen(next)
		}
	}
	return agent
}

func newFlow(t *testing.T, agent *uiautotest.Agent, table *tableFake, mail login.CodeFetcher) *login.Flow {
	t.Helper()
	return login.New(login.Opts{
		UI:      agent.Serve(t),
		Sel:     appui.New(pkg),
		Table:   table.client(t),
		Mail:    mail,
		Timings: testTimings(),
	}, zaptest.NewLogger(t))
}

func account() *airtable.Account {
	return &airtable.Account{
		RecordID:      "rec1",
		Username:      "user_one",
		Password:      "hunter2",
		PackageName:   pkg,
		DeviceID:      "serial-a",
		EmailAddress:  "user_one@mail.test",
		EmailPassword: "mailpw",
	}
}

func TestLoginSuccess(t *testing.T) {
	agent := loginAgent(homeScreen)
	table := &tableFake{}
	flow := newFlow(t, agent, table, &codeFetcher{})

	outcome := flow.Run(context.Background(), account())

	assert.Equal(t, login.OutcomeSuccess, outcome)
	assert.Equal(t, []string{"Logged In - Active"}, table.statuses())

	flag, ok := table.loggedInFlag()
	require.True(t, ok)
	assert.True(t, flag)

	typed := agent.TypedTexts()
	assert.Contains(t, typed, "user_one")
	assert.Contains(t, typed, "hunter2")
}

func TestLoginIncorrectPassword(t *testing.T) {
	agent := loginAgent(incorrectScreen)
	table := &tableFake{}
	mail := &codeFetcher{}
	flow := newFlow(t, agent, table, mail)

	outcome := flow.Run(context.Background(), account())

	assert.Equal(t, login.OutcomeFailed, outcome)
	assert.Equal(t, []string{"Login Failed - Incorrect PW"}, table.statuses())
	// A wrong password must never reach the 2FA path.
	assert.Zero(t, mail.callCount())
}

func TestLoginTwoFactorSuccess(t *testing.T) {
	agent := uiautotest.New()
	agent.SetScreen(loginScreen)
	table := &tableFake{}
	mail := &codeFetcher{code: "483920"}
	flow := newFlow(t, agent, table, mail)

	// The confirm band overlaps the credential fields of the login screen,
	// so it only acts once the login button tap has put the challenge up.
	onChallenge := false
	agent.OnTap = func(_, y int) {
		switch {
		case !onChallenge && y >= 860 && y <= 960:
			onChallenge = true
			agent.SetScreen(twoFactorScreen)
		case onChallenge && y >= 650 && y <= 750:
			agent.SetScreen(homeScreen)
		}
	}

	outcome := flow.Run(context.Background(), account())

	assert.Equal(t, login.OutcomeSuccess, outcome)
	assert.Equal(t, 1, mail.callCount())
	assert.Contains(t, agent.TypedTexts(), "483920")
	assert.Equal(t, []string{"Logged In - Active"}, table.statuses())
}

func TestLoginTwoFactorCodeNeverArrives(t *testing.T) {
	agent := loginAgent(twoFactorScreen)
	table := &tableFake{}
	mail := &codeFetcher{err: errors.New("no matching mail")}
	flow := newFlow(t, agent, table, mail)

	outcome := flow.Run(context.Background(), account())

	assert.Equal(t, login.OutcomeTwoFactorFailed, outcome)
	assert.Equal(t, 2, mail.callCount())
	assert.Equal(t, []string{"Login Failed - Unknown State"}, table.statuses())
	// Username, password and login button only; without a code there is
	// nothing to submit on the challenge screen.
	assert.Equal(t, 3, agent.TapCount())
}

func TestLoginAccountSuspended(t *testing.T) {
	agent := loginAgent(suspendedScreen)
	table := &tableFake{}
	flow := newFlow(t, agent, table, &codeFetcher{})

	outcome := flow.Run(context.Background(), account())

	assert.Equal(t, login.OutcomeBanned, outcome)
	assert.Equal(t, []string{"Banned"}, table.statuses())
}

func TestLoginPageNeverAppears(t *testing.T) {
	agent := uiautotest.New()
	agent.SetScreen(uiautotest.Screen())
	table := &tableFake{}
	flow := newFlow(t, agent, table, &codeFetcher{})

	outcome := flow.Run(context.Background(), account())

	assert.Equal(t, login.OutcomeError, outcome)
	assert.Equal(t, []string{"Login Error: login page never appeared"}, table.statuses())
}
