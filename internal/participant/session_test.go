package participant

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/taskswitch/internal/api"
	"github.com/talgya/taskswitch/internal/engine"
	"github.com/talgya/taskswitch/internal/entropy"
	"github.com/talgya/taskswitch/internal/task"
)

func manualController(seed uint64) (*engine.Controller, *engine.ManualScheduler) {
	sched := engine.NewManualScheduler(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	ctrl := engine.NewController(engine.Options{Scheduler: sched, Source: entropy.NewSeeded(seed)})
	return ctrl, sched
}

func TestSimulateFixedTask(t *testing.T) {
	ctrl, sched := manualController(1)
	pt := newTestParticipant(DefaultParams())

	cfg := engine.DefaultConfig()
	cfg.Mode = engine.Mode(task.C2)
	cfg.DiscloseTask = true

	sess, err := Simulate(ctrl, sched, pt, cfg, 40)
	require.NoError(t, err)

	assert.False(t, sess.Running)
	assert.Len(t, sess.History, 40)
	assert.Empty(t, sess.Blocks)

	correct := 0
	for _, tr := range sess.History {
		assert.Equal(t, task.C2, tr.Task)
		assert.GreaterOrEqual(t, tr.RT, ctrl.Timing().MinRT)
		if tr.Correct {
			correct++
		}
	}
	assert.Greater(t, correct, 20)
}

func TestSimulateAutoSwitches(t *testing.T) {
	ctrl, sched := manualController(2)
	pt := newTestParticipant(DefaultParams())

	sess, err := Simulate(ctrl, sched, pt, engine.DefaultConfig(), 300)
	require.NoError(t, err)

	require.Len(t, sess.History, 300)
	require.NotEmpty(t, sess.Blocks)
	for i, b := range sess.Blocks {
		assert.Equal(t, i+1, b.Block)
		if i > 0 {
			assert.NotEqual(t, sess.Blocks[i-1].Axis, b.Axis, "axes alternate")
		}
	}
}

func TestSimulateRejectsBadConfig(t *testing.T) {
	ctrl, sched := manualController(3)
	_, err := Simulate(ctrl, sched, newTestParticipant(DefaultParams()), engine.Config{Mode: "Z"}, 1)
	assert.ErrorIs(t, err, engine.ErrInvalidConfig)
}

func TestRemoteRun(t *testing.T) {
	timing := engine.Timing{
		Fixation:    5 * time.Millisecond,
		Feedback:    5 * time.Millisecond,
		ITI:         5 * time.Millisecond,
		BlockSwitch: 5 * time.Millisecond,
		MinRT:       150 * time.Millisecond,
	}
	ctrl := engine.NewController(engine.Options{Source: entropy.NewSeeded(4), Timing: timing})
	ts := httptest.NewServer((&api.Server{Ctrl: ctrl}).Handler())
	defer ts.Close()
	defer ctrl.Stop()

	p := DefaultParams()
	p.RTFloor = 160 * time.Millisecond
	p.RTMedian = 20 * time.Millisecond
	p.RTSigma = 0.1

	obs := NewObserver(ts.URL)
	act := NewActor(ts.URL, "")
	defer obs.HTTPClient.CloseIdleConnections()
	defer act.HTTPClient.CloseIdleConnections()

	id, err := act.Start(engine.DefaultConfig())
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	r := &Remote{Observer: obs, Actor: act, Participant: newTestParticipant(p), Poll: 5 * time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	n, err := r.Run(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Len(t, ctrl.Snapshot().History, 3)
}

func TestRemoteRetriesDroppedResponse(t *testing.T) {
	timing := engine.Timing{
		Fixation:    5 * time.Millisecond,
		Feedback:    5 * time.Millisecond,
		ITI:         5 * time.Millisecond,
		BlockSwitch: 5 * time.Millisecond,
		MinRT:       400 * time.Millisecond,
	}
	ctrl := engine.NewController(engine.Options{Source: entropy.NewSeeded(8), Timing: timing})
	ts := httptest.NewServer((&api.Server{Ctrl: ctrl}).Handler())
	defer ts.Close()
	defer ctrl.Stop()

	// Faster than the server's floor: the first attempts are dropped as too fast.
	p := DefaultParams()
	p.RTFloor = 100 * time.Millisecond
	p.RTMedian = 20 * time.Millisecond
	p.RTSigma = 0.1

	obs := NewObserver(ts.URL)
	act := NewActor(ts.URL, "")
	defer obs.HTTPClient.CloseIdleConnections()
	defer act.HTTPClient.CloseIdleConnections()

	_, err := act.Start(engine.DefaultConfig())
	require.NoError(t, err)

	r := &Remote{Observer: obs, Actor: act, Participant: newTestParticipant(p), Poll: 5 * time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n, err := r.Run(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	history := ctrl.Snapshot().History
	require.Len(t, history, 1)
	assert.GreaterOrEqual(t, history[0].RT, timing.MinRT)
}

func TestRemoteStopsWhenIdle(t *testing.T) {
	ctrl := engine.NewController(engine.Options{})
	ts := httptest.NewServer((&api.Server{Ctrl: ctrl}).Handler())
	defer ts.Close()

	r := &Remote{Observer: NewObserver(ts.URL), Actor: NewActor(ts.URL, ""), Participant: newTestParticipant(DefaultParams())}
	n, err := r.Run(context.Background(), 5)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestActorStartUnauthorized(t *testing.T) {
	ctrl := engine.NewController(engine.Options{})
	ts := httptest.NewServer((&api.Server{Ctrl: ctrl, ControlKey: "k"}).Handler())
	defer ts.Close()

	_, err := NewActor(ts.URL, "").Start(engine.DefaultConfig())
	assert.ErrorContains(t, err, "401")

	_, err = NewActor(ts.URL, "k").Start(engine.DefaultConfig())
	assert.NoError(t, err)
	ctrl.Stop()
}
