package uiauto_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/growthops/devicefarm/pkg/uiauto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeAgent stands in for the on-device automation agent.
type fakeAgent struct {
	mu        sync.Mutex
	hierarchy string
	taps      []map[string]any
	gestures  []map[string]any
	failTouch bool
	onTap     func()
}

func (f *fakeAgent) setHierarchy(xml string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hierarchy = xml
}

func (f *fakeAgent) tapCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.taps)
}

func (f *fakeAgent) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /hierarchy", func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		fmt.Fprint(w, f.hierarchy)
	})
	mux.HandleFunc("GET /info", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"width": 1080, "height": 1920, "package": "com.example.app"})
	})
	mux.HandleFunc("POST /touch", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		fail, onTap := f.failTouch, f.onTap
		if !fail {
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			f.taps = append(f.taps, body)
		}
		f.mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if onTap != nil {
			onTap()
		}
	})
	mux.HandleFunc("POST /gesture", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.gestures = append(f.gestures, body)
		f.mu.Unlock()
	})
	mux.HandleFunc("POST /", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func wrap(inner string) string {
	return `<?xml version="1.0" encoding="UTF-8"?><hierarchy rotation="0">` + inner + `</hierarchy>`
}

func newTestClient(t *testing.T, agent *fakeAgent) *uiauto.Client {
	t.Helper()
	srv := httptest.NewServer(agent.handler())
	t.Cleanup(srv.Close)
	return uiauto.New(uiauto.Opts{
		AgentAddr: strings.TrimPrefix(srv.URL, "http://"),
		Timeout:   2 * time.Second,
		Poll:      10 * time.Millisecond,
	}, zaptest.NewLogger(t))
}

func TestFindAndExists(t *testing.T) {
	agent := &fakeAgent{hierarchy: wrap(
		`<node class="android.widget.Button" text="" content-desc="Log in" resource-id="" bounds="[40,860][1040,960]"/>`,
	)}
	c := newTestClient(t, agent)
	ctx := context.Background()

	n, err := c.Find(ctx, uiauto.Selector{Desc: "Log in"})
	require.NoError(t, err)
	require.NotNil(t, n)
	assert.Equal(t, "android.widget.Button", n.Class)

	assert.True(t, c.Exists(ctx, uiauto.Selector{Desc: "Log in"}))
	assert.False(t, c.Exists(ctx, uiauto.Selector{Desc: "Sign up"}))
}

func TestWaitForAppearsLater(t *testing.T) {
	agent := &fakeAgent{hierarchy: wrap(``)}
	c := newTestClient(t, agent)

	go func() {
		time.Sleep(50 * time.Millisecond)
		agent.setHierarchy(wrap(`<node text="Your story" content-desc="" class="" resource-id="" bounds="[0,0][100,100]"/>`))
	}()

	assert.True(t, c.WaitFor(context.Background(), uiauto.Selector{Text: "Your story"}, time.Second))
}

func TestWaitForTimesOut(t *testing.T) {
	agent := &fakeAgent{hierarchy: wrap(``)}
	c := newTestClient(t, agent)

	start := time.Now()
	ok := c.WaitFor(context.Background(), uiauto.Selector{Text: "never"}, 50*time.Millisecond)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitGone(t *testing.T) {
	agent := &fakeAgent{hierarchy: wrap(`<node text="Loading" content-desc="" class="" resource-id="" bounds="[0,0][10,10]"/>`)}
	c := newTestClient(t, agent)

	go func() {
		time.Sleep(50 * time.Millisecond)
		agent.setHierarchy(wrap(``))
	}()

	assert.True(t, c.WaitGone(context.Background(), uiauto.Selector{Text: "Loading"}, time.Second))
}

func TestClickTapsInsideBounds(t *testing.T) {
	agent := &fakeAgent{hierarchy: wrap(
		`<node class="android.widget.Button" text="" content-desc="Save" resource-id="" bounds="[100,200][300,400]"/>`,
	)}
	c := newTestClient(t, agent)

	ok := c.Click(context.Background(), uiauto.Selector{Desc: "Save"}, time.Second)
	require.True(t, ok)
	require.Equal(t, 1, agent.tapCount())

	tap := agent.taps[0]
	x, y := tap["x"].(float64), tap["y"].(float64)
	assert.GreaterOrEqual(t, x, float64(100))
	assert.Less(t, x, float64(300))
	assert.GreaterOrEqual(t, y, float64(200))
	assert.Less(t, y, float64(400))
}

func TestClickReportsTapFailure(t *testing.T) {
	agent := &fakeAgent{
		hierarchy: wrap(`<node class="" text="" content-desc="Save" resource-id="" bounds="[100,200][300,400]"/>`),
		failTouch: true,
	}
	c := newTestClient(t, agent)

	assert.False(t, c.Click(context.Background(), uiauto.Selector{Desc: "Save"}, 50*time.Millisecond))
}

func TestSnapshotAnswersMultipleProbes(t *testing.T) {
	agent := &fakeAgent{hierarchy: wrap(
		`<node class="android.widget.ImageView" text="" content-desc="Reel by user_one" resource-id="" bounds="[0,0][540,600]"/>` +
			`<node class="android.widget.ImageView" text="" content-desc="Reel by user_two" resource-id="" bounds="[540,0][1080,600]"/>`,
	)}
	c := newTestClient(t, agent)

	snap, err := c.Snapshot(context.Background())
	require.NoError(t, err)

	assert.True(t, snap.Exists(uiauto.Selector{DescContains: "Reel by"}))
	assert.False(t, snap.Exists(uiauto.Selector{Text: "Your story"}))
	assert.Len(t, snap.FindAll(uiauto.Selector{DescContains: "Reel by"}), 2)
}

func TestHumanSwipePostsContinuousPath(t *testing.T) {
	agent := &fakeAgent{hierarchy: wrap(``)}
	c := newTestClient(t, agent)

	require.NoError(t, c.HumanSwipe(context.Background()))
	require.Len(t, agent.gestures, 1)

	g := agent.gestures[0]
	points := g["points"].([]any)
	assert.GreaterOrEqual(t, len(points), 3)

	first := points[0].(map[string]any)
	last := points[len(points)-1].(map[string]any)
	// Upward scroll: start in the lower part of the screen, end near the top.
	assert.Greater(t, first["y"].(float64), last["y"].(float64))

	ms := g["duration_ms"].(float64)
	assert.GreaterOrEqual(t, ms, float64(150))
	assert.LessOrEqual(t, ms, float64(250))
}

func TestHierarchyErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	c := uiauto.New(uiauto.Opts{
		AgentAddr: strings.TrimPrefix(srv.URL, "http://"),
		Poll:      10 * time.Millisecond,
	}, zaptest.NewLogger(t))

	_, err := c.Hierarchy(context.Background())
	require.Error(t, err)
	assert.False(t, c.Exists(context.Background(), uiauto.Selector{}))
}
