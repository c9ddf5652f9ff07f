// Package uiautotest provides an in-process stand-in for the on-device
// automation agent, so screen-driving logic can be tested against canned
// hierarchy dumps over plain HTTP.
package uiautotest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/growthops/devicefarm/pkg/uiauto"
	"go.uber.org/zap/zaptest"
)

// Tap is one recorded touch.
type Tap struct {
	X, Y int
}

// Agent serves a mutable fake UI over the agent's HTTP protocol. All input
// endpoints record what they received; OnTap lets a test flip the screen in
// response to a touch, which is how multi-screen flows are scripted.
type Agent struct {
	mu     sync.Mutex
	screen string

	Taps     []Tap
	Texts    []string
	Presses  []int
	Stopped  []string
	Gestures int

	FailTouch bool
	OnTap     func(x, y int)
	OnPress   func(code int)
}

func New() *Agent {
	return &Agent{screen: Screen()}
}

// Screen wraps node XML fragments into a full hierarchy document.
func Screen(nodes ...string) string {
	return `<?xml version="1.0" encoding="UTF-8"?><hierarchy rotation="0">` +
		strings.Join(nodes, "") + `</hierarchy>`
}

// Node renders one leaf element of the fake hierarchy.
func Node(class, text, desc, resourceID, bounds string) string {
	if bounds == "" {
		bounds = "[0,0][1080,1920]"
	}
	return fmt.Sprintf(`<node class=%q text=%q content-desc=%q resource-id=%q bounds=%q/>`,
		class, text, desc, resourceID, bounds)
}

// SetScreen replaces the current fake screen.
func (a *Agent) SetScreen(screen string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.screen = screen
}

// TapCount reports how many touches were received.
func (a *Agent) TapCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.Taps)
}

// GestureCount reports how many swipe gestures were received.
func (a *Agent) GestureCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Gestures
}

// TypedTexts returns a copy of everything typed so far.
func (a *Agent) TypedTexts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.Texts...)
}

func (a *Agent) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /hierarchy", func(w http.ResponseWriter, _ *http.Request) {
		a.mu.Lock()
		defer a.mu.Unlock()
		fmt.Fprint(w, a.screen)
	})
	mux.HandleFunc("GET /info", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"width": 1080, "height": 1920, "package": "com.example.app",
		})
	})
	mux.HandleFunc("POST /touch", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			X int `json:"x"`
			Y int `json:"y"`
		}
		json.NewDecoder(r.Body).Decode(&body)

		a.mu.Lock()
		fail, onTap := a.FailTouch, a.OnTap
		if !fail {
			a.Taps = append(a.Taps, Tap{X: body.X, Y: body.Y})
		}
		a.mu.Unlock()

		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if onTap != nil {
			onTap(body.X, body.Y)
		}
	})
	mux.HandleFunc("POST /text", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Text string `json:"text"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		a.mu.Lock()
		a.Texts = append(a.Texts, body.Text)
		a.mu.Unlock()
	})
	mux.HandleFunc("POST /press", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Code int `json:"code"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		a.mu.Lock()
		a.Presses = append(a.Presses, body.Code)
		onPress := a.OnPress
		a.mu.Unlock()
		if onPress != nil {
			onPress(body.Code)
		}
	})
	mux.HandleFunc("POST /gesture", func(w http.ResponseWriter, _ *http.Request) {
		a.mu.Lock()
		a.Gestures++
		a.mu.Unlock()
	})
	mux.HandleFunc("POST /app/stop", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Package string `json:"package"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		a.mu.Lock()
		a.Stopped = append(a.Stopped, body.Package)
		a.mu.Unlock()
	})
	mux.HandleFunc("POST /", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// Serve starts the fake agent and returns a client wired to it, with a fast
// poll so waits resolve quickly in tests.
func (a *Agent) Serve(t *testing.T) *uiauto.Client {
	t.Helper()
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)
	return uiauto.New(uiauto.Opts{
		AgentAddr: strings.TrimPrefix(srv.URL, "http://"),
		Timeout:   2 * time.Second,
		Poll:      10 * time.Millisecond,
	}, zaptest.NewLogger(t))
}
