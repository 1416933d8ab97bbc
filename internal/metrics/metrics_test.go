package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/taskswitch/internal/engine"
	"github.com/talgya/taskswitch/internal/entropy"
	"github.com/talgya/taskswitch/internal/task"
)

func TestWireCountsTrialsAndDrops(t *testing.T) {
	m := New()
	sched := engine.NewManualScheduler(time.Unix(0, 0))
	c := engine.NewController(engine.Options{Scheduler: sched, Source: entropy.NewSequence(0)})

	calls := 0
	c.OnTrial = func(string, engine.Trial) { calls++ }
	m.Wire(c)

	cfg := engine.Config{Mode: engine.Mode(task.C2), Color: engine.FixedLevel(0), Shape: engine.FixedLevel(0)}
	require.NoError(t, c.Start(cfg))

	c.SubmitResponse(task.UpperRight.Center(), sched.Now()) // fixation: dropped
	sched.Advance(c.Timing().Fixation)
	require.Equal(t, engine.PhaseStimulus, c.Phase())
	resp := c.SubmitResponse(task.UpperRight.Center(), sched.Now().Add(300*time.Millisecond))
	require.True(t, resp.Accepted)

	assert.Equal(t, 1, calls, "existing callback still runs")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Trials.WithLabelValues("C2", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Dropped.WithLabelValues("not_stimulus")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Phase.WithLabelValues("feedback")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Phase.WithLabelValues("stimulus")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Block))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.ObserveBlockSwitch(engine.BlockRecord{Block: 1, Task: task.S1})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `taskswitch_block_switches_total{task="S1"} 1`), body)
}
