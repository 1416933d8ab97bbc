// Package metrics exposes Prometheus instruments for the trial loop.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/talgya/taskswitch/internal/engine"
)

// Metrics holds the controller instruments.
type Metrics struct {
	reg *prometheus.Registry

	Trials        *prometheus.CounterVec
	Dropped       *prometheus.CounterVec
	BlockSwitches *prometheus.CounterVec
	ReactionTime  *prometheus.HistogramVec
	Phase         *prometheus.GaugeVec
	Block         prometheus.Gauge
}

// New registers the instruments on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		Trials: f.NewCounterVec(prometheus.CounterOpts{
			Name: "taskswitch_trials_total",
			Help: "Completed trials by task and correctness.",
		}, []string{"task", "correct"}),
		Dropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "taskswitch_responses_dropped_total",
			Help: "Responses ignored by the trial loop, by reason.",
		}, []string{"reason"}),
		BlockSwitches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "taskswitch_block_switches_total",
			Help: "Block switches by the task that ended.",
		}, []string{"task"}),
		ReactionTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "taskswitch_reaction_time_seconds",
			Help:    "Reaction time of accepted responses.",
			Buckets: []float64{0.15, 0.25, 0.35, 0.5, 0.75, 1, 1.5, 2, 3, 5},
		}, []string{"task"}),
		Phase: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "taskswitch_phase",
			Help: "1 for the active trial-loop phase, 0 otherwise.",
		}, []string{"phase"}),
		Block: f.NewGauge(prometheus.GaugeOpts{
			Name: "taskswitch_block",
			Help: "Current block number.",
		}),
	}
}

var phases = []engine.Phase{
	engine.PhaseIdle, engine.PhaseFixation, engine.PhaseStimulus,
	engine.PhaseFeedback, engine.PhaseBlockSwitch, engine.PhaseITI,
}

// ObservePhase records the active phase.
func (m *Metrics) ObservePhase(e engine.Event) {
	for _, p := range phases {
		v := 0.0
		if p == e.Phase {
			v = 1
		}
		m.Phase.WithLabelValues(string(p)).Set(v)
	}
	m.Block.Set(float64(e.Block))
}

// ObserveTrial records a completed trial.
func (m *Metrics) ObserveTrial(t engine.Trial) {
	m.Trials.WithLabelValues(string(t.Task), strconv.FormatBool(t.Correct)).Inc()
	m.ReactionTime.WithLabelValues(string(t.Task)).Observe(t.RT.Seconds())
}

// ObserveBlockSwitch records the end of a block.
func (m *Metrics) ObserveBlockSwitch(b engine.BlockRecord) {
	m.BlockSwitches.WithLabelValues(string(b.Task)).Inc()
}

// ObserveDrop records an ignored response.
func (m *Metrics) ObserveDrop(reason engine.DropReason) {
	m.Dropped.WithLabelValues(string(reason)).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// Wire attaches the instruments to a controller's callbacks, chaining any
// callbacks already set.
func (m *Metrics) Wire(c *engine.Controller) {
	prevPhase, prevTrial, prevBlock, prevDrop := c.OnPhase, c.OnTrial, c.OnBlockSwitch, c.OnDrop
	c.OnPhase = func(e engine.Event) {
		if prevPhase != nil {
			prevPhase(e)
		}
		m.ObservePhase(e)
	}
	c.OnTrial = func(id string, t engine.Trial) {
		if prevTrial != nil {
			prevTrial(id, t)
		}
		m.ObserveTrial(t)
	}
	c.OnBlockSwitch = func(id string, b engine.BlockRecord) {
		if prevBlock != nil {
			prevBlock(id, b)
		}
		m.ObserveBlockSwitch(b)
	}
	c.OnDrop = func(r engine.DropReason) {
		if prevDrop != nil {
			prevDrop(r)
		}
		m.ObserveDrop(r)
	}
}
