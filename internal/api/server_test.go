package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/talgya/taskswitch/internal/analysis"
	"github.com/talgya/taskswitch/internal/engine"
	"github.com/talgya/taskswitch/internal/entropy"
	"github.com/talgya/taskswitch/internal/metrics"
	"github.com/talgya/taskswitch/internal/persistence"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	srv     *Server
	sched   *engine.ManualScheduler
	handler http.Handler
}

func newFixture(t *testing.T, withDB bool) *fixture {
	t.Helper()
	sched := engine.NewManualScheduler(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	ctrl := engine.NewController(engine.Options{Scheduler: sched, Source: entropy.NewSeeded(11)})
	srv := &Server{Ctrl: ctrl, Metrics: metrics.New()}
	srv.Metrics.Wire(ctrl)
	if withDB {
		db, err := persistence.Open(filepath.Join(t.TempDir(), "api.db"))
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		srv.DB = db
	}
	return &fixture{srv: srv, sched: sched, handler: srv.Handler()}
}

func (f *fixture) do(method, path, body string, hdr ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestStatusIdle(t *testing.T) {
	f := newFixture(t, false)
	rec := f.do(http.MethodGet, "/api/v1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	v := decode[statusView](t, rec)
	assert.Equal(t, engine.PhaseIdle, v.Phase)
	assert.False(t, v.Running)
	assert.Len(t, v.Targets, 4)
}

func TestStartAndRespond(t *testing.T) {
	f := newFixture(t, true)

	rec := f.do(http.MethodPost, "/api/v1/session/start",
		`{"mode":"C2","disclose_task":true,"color_level":"0","shape_level":"100"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	started := decode[map[string]any](t, rec)
	assert.Equal(t, "fixation", started["phase"])

	// Too early: still in fixation.
	rec = f.do(http.MethodPost, "/api/v1/session/response", `{"x":0.75,"y":0.25}`)
	resp := decode[engine.Response](t, rec)
	assert.False(t, resp.Accepted)
	assert.Equal(t, engine.DropNotStimulus, resp.Reason)

	f.sched.Advance(600 * time.Millisecond)
	status := decode[statusView](t, f.do(http.MethodGet, "/api/v1/status", ""))
	require.Equal(t, engine.PhaseStimulus, status.Phase)
	require.NotNil(t, status.Stimulus)
	assert.EqualValues(t, 0, status.Stimulus.Color)
	assert.EqualValues(t, "C2", status.Task)

	f.sched.Advance(400 * time.Millisecond)
	rec = f.do(http.MethodPost, "/api/v1/session/response", `{"x":0.75,"y":0.25}`)
	resp = decode[engine.Response](t, rec)
	require.True(t, resp.Accepted)
	require.NotNil(t, resp.Trial)
	assert.True(t, resp.Trial.Correct)
	assert.Equal(t, 400*time.Millisecond, resp.Trial.RT)

	trials := decode[[]engine.Trial](t, f.do(http.MethodGet, "/api/v1/trials?limit=5", ""))
	assert.Len(t, trials, 1)

	rec = f.do(http.MethodPost, "/api/v1/snapshot", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rows := decode[[]persistence.SessionRow](t, f.do(http.MethodGet, "/api/v1/sessions", ""))
	require.Len(t, rows, 1)

	rec = f.do(http.MethodGet, "/api/v1/sessions/"+rows[0].ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	sum := decode[analysis.Summary](t, rec)
	assert.Equal(t, 1, sum.Trials)
}

func TestStartAcceptsNumericLevels(t *testing.T) {
	f := newFixture(t, false)

	rec := f.do(http.MethodPost, "/api/v1/session/start", `{"mode":"C2","color_level":50,"shape_level":"random"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	cfg := f.srv.Ctrl.Snapshot().Config
	assert.Equal(t, engine.FixedLevel(50), cfg.Color)
	assert.Equal(t, engine.RandomLevel, cfg.Shape)

	f.sched.Advance(600 * time.Millisecond)
	status := decode[statusView](t, f.do(http.MethodGet, "/api/v1/status", ""))
	require.NotNil(t, status.Stimulus)
	assert.EqualValues(t, 50, status.Stimulus.Color)

	rec = f.do(http.MethodPost, "/api/v1/session/start", `{"mode":"C2","color_level":40}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartRejectsInvalidConfig(t *testing.T) {
	f := newFixture(t, false)

	rec := f.do(http.MethodPost, "/api/v1/session/start", `{"mode":"X9"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/api/v1/session/start", `{"mode":"auto","color_level":"40"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/api/v1/session/start", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Equal(t, engine.PhaseIdle, f.srv.Ctrl.Phase())
}

func TestStop(t *testing.T) {
	f := newFixture(t, false)
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/v1/session/start", "").Code)
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/v1/session/stop", "").Code)

	assert.Equal(t, engine.PhaseIdle, f.srv.Ctrl.Phase())
	assert.Equal(t, 0, f.sched.Pending())
}

func TestControlKey(t *testing.T) {
	f := newFixture(t, false)
	f.srv.ControlKey = "secret"
	f.handler = f.srv.Handler()

	rec := f.do(http.MethodPost, "/api/v1/session/start", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodPost, "/api/v1/session/start", "", "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodPost, "/api/v1/session/start", "", "Authorization", "Bearer secret")
	assert.Equal(t, http.StatusOK, rec.Code)

	// Responses are public.
	rec = f.do(http.MethodPost, "/api/v1/session/response", `{"x":0.5,"y":0.5}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestFullSessionRequiresControlKey(t *testing.T) {
	f := newFixture(t, false)
	f.srv.ControlKey = "secret"
	f.handler = f.srv.Handler()
	auth := []string{"Authorization", "Bearer secret"}
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/v1/session/start", `{"mode":"S1"}`, auth...).Code)

	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/api/v1/session", "").Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/api/v1/session", "", "Authorization", "Bearer wrong").Code)

	rec := f.do(http.MethodGet, "/api/v1/session", "", auth...)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"S1"`)

	// Status stays public and hides the undisclosed task.
	rec = f.do(http.MethodGet, "/api/v1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), `"task"`)
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t, false)
	assert.Equal(t, http.StatusMethodNotAllowed, f.do(http.MethodGet, "/api/v1/session/start", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, f.do(http.MethodGet, "/api/v1/session/response", "").Code)
}

func TestStoreUnavailable(t *testing.T) {
	f := newFixture(t, false)
	assert.Equal(t, http.StatusServiceUnavailable, f.do(http.MethodPost, "/api/v1/snapshot", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, f.do(http.MethodGet, "/api/v1/sessions/abc", "").Code)
	assert.Equal(t, "[]", strings.TrimSpace(f.do(http.MethodGet, "/api/v1/sessions", "").Body.String()))
}

func TestStoredSessionNotFound(t *testing.T) {
	f := newFixture(t, true)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/v1/sessions/missing", "").Code)
}

func TestSpeed(t *testing.T) {
	f := newFixture(t, false)
	assert.Equal(t, http.StatusServiceUnavailable, f.do(http.MethodGet, "/api/v1/speed", "").Code)

	f.srv.Sched = engine.NewRealScheduler()
	f.handler = f.srv.Handler()

	rec := f.do(http.MethodPost, "/api/v1/speed", `{"speed":4}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 4.0, decode[map[string]float64](t, rec)["speed"])

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/v1/speed", `{"speed":0}`).Code)
	assert.Equal(t, 4.0, f.srv.Sched.Speed())
}

func TestCORS(t *testing.T) {
	f := newFixture(t, false)
	f.srv.CORSOrigins = []string{"https://lab.example.org"}
	f.handler = f.srv.Handler()

	rec := f.do(http.MethodOptions, "/api/v1/status", "", "Origin", "https://lab.example.org")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://lab.example.org", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = f.do(http.MethodGet, "/api/v1/status", "", "Origin", "https://elsewhere.example.org")
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, false)
	f.do(http.MethodPost, "/api/v1/session/start", "")
	rec := f.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "taskswitch_phase")
}

func TestPsychometricAndSummary(t *testing.T) {
	f := newFixture(t, false)
	f.do(http.MethodPost, "/api/v1/session/start", "")

	curves := decode[[]analysis.Curve](t, f.do(http.MethodGet, "/api/v1/psychometric", ""))
	assert.Empty(t, curves)

	sum := decode[analysis.Summary](t, f.do(http.MethodGet, "/api/v1/summary", ""))
	assert.Equal(t, 0, sum.Trials)
}

func TestStreamCatchUp(t *testing.T) {
	f := newFixture(t, false)
	f.do(http.MethodPost, "/api/v1/session/start", "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/stream", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "event: fixation\n")
	assert.Equal(t, int32(0), f.srv.sseConns)
}

func TestStreamCatchUpCarriesStimulus(t *testing.T) {
	f := newFixture(t, false)
	rec := f.do(http.MethodPost, "/api/v1/session/start",
		`{"mode":"C1","color_level":30,"shape_level":170,"disclose_task":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	f.sched.Advance(600 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/stream", nil).WithContext(ctx)
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	body := rec.Body.String()
	require.True(t, strings.HasPrefix(body, "event: stimulus\ndata: "), body)
	var e engine.Event
	line := strings.TrimPrefix(strings.SplitN(body, "\n", 3)[1], "data: ")
	require.NoError(t, json.Unmarshal([]byte(line), &e))
	assert.Equal(t, "C1", string(e.Task))
	require.NotNil(t, e.Stimulus)
	assert.EqualValues(t, 30, e.Stimulus.Color)
	assert.EqualValues(t, 170, e.Stimulus.Shape)
}

func TestStreamConnectionCap(t *testing.T) {
	f := newFixture(t, false)
	f.srv.sseConns = maxSSEConns
	rec := f.do(http.MethodGet, "/api/v1/stream", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, int32(maxSSEConns), f.srv.sseConns)
}
