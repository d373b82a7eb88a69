package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bryanchriswhite/kgcapture/internal/compositor"
	"github.com/bryanchriswhite/kgcapture/internal/config"
	"github.com/bryanchriswhite/kgcapture/internal/frame"
	"github.com/bryanchriswhite/kgcapture/internal/pipeline"
	"github.com/bryanchriswhite/kgcapture/internal/present"
	"github.com/bryanchriswhite/kgcapture/internal/window"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePipeline struct {
	mu     sync.Mutex
	totals pipeline.Totals
	layout compositor.Layout
	subs   []chan pipeline.TickStats
	subbed chan struct{}
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{
		totals: pipeline.Totals{Ticks: 42, Accepted: 80, Skipped: 4},
		layout: compositor.ComputeLayout([]frame.Size{{Width: 400, Height: 100}, {Width: 400, Height: 300}}, config.Padding{}),
		subbed: make(chan struct{}, 1),
	}
}

func (p *fakePipeline) State() pipeline.LoopState { return pipeline.LoopRunning }
func (p *fakePipeline) Started() time.Time { return time.Now().Add(-time.Minute) }
func (p *fakePipeline) Totals() pipeline.Totals { return p.totals }
func (p *fakePipeline) LastTick() pipeline.TickStats { return pipeline.TickStats{Tick: 42} }
func (p *fakePipeline) Layout() compositor.Layout { return p.layout }

func (p *fakePipeline) Subscribe(buffer int) (<-chan pipeline.TickStats, func()) {
	ch := make(chan pipeline.TickStats, buffer)
	p.mu.Lock()
	p.subs = append(p.subs, ch)
	p.mu.Unlock()
	p.subbed <- struct{}{}
	return ch, func() {}
}

func (p *fakePipeline) publish(ts pipeline.TickStats) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.subs {
		ch <- ts
	}
}

type listBackend struct{}

func (listBackend) Name() string { return "fake" }
func (listBackend) Close() error { return nil }
func (listBackend) ClientSize(h *window.Handle) (frame.Size, error) {
	return frame.Size{Width: 400, Height: 100}, nil
}
func (listBackend) Enumerate() ([]*window.Handle, error) {
	return []*window.Handle{
		{ID: 1, Title: "", Backend: "fake"},
		{ID: 2, Title: "KG - CLyricRenderWnd", Backend: "fake"},
	}, nil
}

func newTestServer(t *testing.T) (*Server, *fakePipeline, *config.Manager) {
	t.Helper()
	mgr := config.NewMemoryManager(nil)
	pipe := newFakePipeline()
	s := NewServer(Options{
		Config:   mgr,
		Pipeline: pipe,
		Locator:  window.NewLocator(listBackend{}, window.Backoff{}),
	})
	return s, pipe, mgr
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := do(t, s, "GET", "/api/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, s.RunID(), body["run_id"])
	assert.Len(t, body["run_id"], 36)
}

func TestStatus(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := do(t, s, "GET", "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var st struct {
		RunID  string `json:"run_id"`
		State  string `json:"state"`
		Ticks  uint64 `json:"ticks"`
		Uptime string `json:"uptime"`
		Layout struct {
			Width  int `json:"width"`
			Height int `json:"height"`
		} `json:"layout"`
		Stream *present.StreamStats `json:"stream"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, s.RunID(), st.RunID)
	assert.Equal(t, "running", st.State)
	assert.Equal(t, uint64(42), st.Ticks)
	assert.Equal(t, 400, st.Layout.Width)
	assert.Equal(t, 400, st.Layout.Height)
	assert.NotEmpty(t, st.Uptime)
	assert.Nil(t, st.Stream)
}

func TestStatusIncludesStream(t *testing.T) {
	stream := present.NewMJPEGSurface(config.Defaults().Present)
	s := NewServer(Options{Config: config.NewMemoryManager(nil), Pipeline: newFakePipeline(), Stream: stream})

	rec := do(t, s, "GET", "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"stream":{"running":false`)

	rec = do(t, s, "GET", "/stream", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = do(t, s, "GET", "/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `src="/stream"`)
}

func TestLayout(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := do(t, s, "GET", "/api/layout", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var layout compositor.Layout
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &layout))
	require.Len(t, layout.Entries, 2)
	assert.Equal(t, 100, layout.Entries[1].Offset)
}

func TestWindowsListsTitledOnly(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := do(t, s, "GET", "/api/windows", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var windows []window.Handle
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &windows))
	require.Len(t, windows, 1)
	assert.Equal(t, uint64(2), windows[0].ID)
}

func TestWindowsWithoutLocator(t *testing.T) {
	s := NewServer(Options{Config: config.NewMemoryManager(nil)})
	rec := do(t, s, "GET", "/api/windows", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestUpdateConfig(t *testing.T) {
	s, _, mgr := newTestServer(t)

	var notified *config.Config
	mgr.OnChange(func(c *config.Config) { notified = c })

	cfg := mgr.Get()
	cfg.Present.JPEGQuality = 70
	body, err := json.Marshal(cfg)
	require.NoError(t, err)

	rec := do(t, s, "PUT", "/api/config", string(body))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 70, mgr.Get().Present.JPEGQuality)
	require.NotNil(t, notified)
	assert.Equal(t, 70, notified.Present.JPEGQuality)

	rec = do(t, s, "GET", "/api/config", "")
	assert.Contains(t, rec.Body.String(), `"jpeg_quality":70`)
}

func TestUpdateConfigRejectsInvalid(t *testing.T) {
	s, _, mgr := newTestServer(t)

	rec := do(t, s, "PUT", "/api/config", `{"validation":{"exhaustion":"explode"}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, config.ExhaustionSkip, mgr.Get().Validation.Exhaustion)

	rec = do(t, s, "PUT", "/api/config", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateValidation(t *testing.T) {
	s, _, mgr := newTestServer(t)

	rec := do(t, s, "PUT", "/api/config/validation", `{"max_attempts":3,"exhaustion":"accept-stale"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	v := mgr.Get().Validation
	assert.Equal(t, 3, v.MaxAttempts)
	assert.Equal(t, config.ExhaustionAcceptStale, v.Exhaustion)
}

func TestCORSPreflight(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := do(t, s, "OPTIONS", "/api/config", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestEventsWebSocket(t *testing.T) {
	s, pipe, _ := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	select {
	case <-pipe.subbed:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never subscribed")
	}
	pipe.publish(pipeline.TickStats{Tick: 7, Presented: true})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ts pipeline.TickStats
	require.NoError(t, conn.ReadJSON(&ts))
	assert.Equal(t, uint64(7), ts.Tick)
	assert.True(t, ts.Presented)
}
