// Package participant simulates a subject performing the task-switching
// experiment. A Participant perceives morph levels through a noisy logistic
// psychometric function, tracks which task it believes is active from the
// feedback it receives, and produces reaction times. It can drive a
// Controller in-process or a running server over HTTP.
package participant

import (
	"math"
	"time"

	opensimplex "github.com/ojrac/opensimplex-go"

	"github.com/talgya/taskswitch/internal/entropy"
	"github.com/talgya/taskswitch/internal/task"
)

// Params shape the simulated observer.
type Params struct {
	Slope     float64       `yaml:"slope"`      // logistic slope per morph unit at full attention
	Lapse     float64       `yaml:"lapse"`      // probability of a random target
	Hazard    float64       `yaml:"hazard"`     // assumed per-trial probability that the task changed
	Reliable  float64       `yaml:"reliable"`   // assumed probability that feedback follows the rule
	DriftAmp  float64       `yaml:"drift_amp"`  // maximum attention loss from drift, 0–1
	DriftRate float64       `yaml:"drift_rate"` // drift noise frequency per trial
	RTFloor   time.Duration `yaml:"rt_floor"`
	RTMedian  time.Duration `yaml:"rt_median"` // median of the log-normal part
	RTSigma   float64       `yaml:"rt_sigma"`
}

// DefaultParams is a reasonably attentive adult.
func DefaultParams() Params {
	return Params{
		Slope:     0.12,
		Lapse:     0.03,
		Hazard:    0.05,
		Reliable:  0.9,
		DriftAmp:  0.4,
		DriftRate: 0.02,
		RTFloor:   200 * time.Millisecond,
		RTMedian:  350 * time.Millisecond,
		RTSigma:   0.35,
	}
}

// Choice is one simulated response.
type Choice struct {
	Task      task.ID     // task the participant acted on
	Target    task.Target // chosen target
	RT        time.Duration
	Attention float64
	Lapsed    bool
}

// Participant is a simulated subject. It is not safe for concurrent use.
type Participant struct {
	params Params
	src    entropy.Source
	drift  opensimplex.Noise
	belief map[task.ID]float64
	trials int
}

// New creates a participant with a uniform belief over the tasks.
// seed drives the attention drift; src drives every other random draw.
func New(p Params, src entropy.Source, seed int64) *Participant {
	if src == nil {
		src = entropy.Crypto{}
	}
	pt := &Participant{
		params: p,
		src:    src,
		drift:  opensimplex.NewNormalized(seed),
	}
	pt.Reset()
	return pt
}

// Reset forgets everything learned about the active task.
func (pt *Participant) Reset() {
	pt.belief = make(map[task.ID]float64, len(task.All))
	for _, id := range task.All {
		pt.belief[id] = 1 / float64(len(task.All))
	}
	pt.trials = 0
}

// Belief returns the current probability assigned to id.
func (pt *Participant) Belief(id task.ID) float64 {
	return pt.belief[id]
}

// Believed returns the most probable task. Ties go to the earlier task in task.All.
func (pt *Participant) Believed() task.ID {
	best := task.All[0]
	for _, id := range task.All[1:] {
		if pt.belief[id] > pt.belief[best] {
			best = id
		}
	}
	return best
}

// Attention is the current attentional gain in [1-DriftAmp, 1].
func (pt *Participant) Attention() float64 {
	x := float64(pt.trials) * pt.params.DriftRate
	return 1 - pt.params.DriftAmp*octaveNoise(pt.drift, x, 0, 3, 1, 0.5)
}

// PB is the probability of reporting category B for a level at the given
// attention. Level 50 and 150 sit on the boundary and give 0.5.
func (pt *Participant) PB(l task.Level, attention float64) float64 {
	d := float64(l.Distance() - task.Scale/4)
	return 1 / (1 + math.Exp(-pt.params.Slope*attention*d))
}

// Choose responds to a stimulus. A disclosed task overrides the belief.
func (pt *Participant) Choose(s task.Stimulus, disclosed task.ID) Choice {
	id := disclosed
	if !id.Valid() {
		id = pt.Believed()
	}
	c := Choice{Task: id, Attention: pt.Attention(), RT: pt.reactionTime()}

	if pt.src.Float() < pt.params.Lapse {
		c.Target = task.Targets[entropy.Intn(pt.src, len(task.Targets))]
		c.Lapsed = true
		return c
	}

	r := id.Rule()
	if pt.src.Float() < pt.PB(s.LevelFor(r.Feature), c.Attention) {
		c.Target = r.TargetB
	} else {
		c.Target = r.TargetA
	}
	return c
}

// reactionTime draws floor + log-normal(median, sigma).
func (pt *Participant) reactionTime() time.Duration {
	z := pt.normal()
	rt := float64(pt.params.RTMedian) * math.Exp(pt.params.RTSigma*z)
	return pt.params.RTFloor + time.Duration(rt)
}

// normal draws a standard normal variate (Box-Muller).
func (pt *Participant) normal() float64 {
	u1 := pt.src.Float()
	for u1 == 0 {
		u1 = pt.src.Float()
	}
	u2 := pt.src.Float()
	return math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)
}

// Learn updates the task belief from feedback on a response to s.
// Each task predicts which target would have been correct; the posterior
// favours tasks whose prediction agrees with the feedback, then leaks
// toward uniform by the hazard rate so a block switch can be detected.
func (pt *Participant) Learn(s task.Stimulus, chosen task.Target, correct bool) {
	pt.trials++

	total := 0.0
	for _, id := range task.All {
		like := pt.likelihood(id, s, chosen, correct)
		pt.belief[id] *= like
		total += pt.belief[id]
	}
	n := float64(len(task.All))
	for _, id := range task.All {
		post := 1 / n
		if total > 0 {
			post = pt.belief[id] / total
		}
		pt.belief[id] = (1-pt.params.Hazard)*post + pt.params.Hazard/n
	}
}

// likelihood is P(feedback | task id was active).
func (pt *Participant) likelihood(id task.ID, s task.Stimulus, chosen task.Target, correct bool) float64 {
	r := id.Rule()
	rel := pt.params.Reliable

	var pCorrect float64
	switch cat := s.LevelFor(r.Feature).Category(); {
	case cat == task.CategoryAmbiguous && r.CategoryOf(chosen) != task.CategoryNone:
		pCorrect = 0.5
	case cat == task.CategoryA && chosen == r.TargetA, cat == task.CategoryB && chosen == r.TargetB:
		pCorrect = rel
	default:
		pCorrect = 1 - rel
	}
	if correct {
		return pCorrect
	}
	return 1 - pCorrect
}

// octaveNoise layers several noise frequencies into one value in [0, 1].
func octaveNoise(noise opensimplex.Noise, x, y float64, octaves int, frequency, persistence float64) float64 {
	total := 0.0
	amplitude := 1.0
	maxVal := 0.0

	for i := 0; i < octaves; i++ {
		total += noise.Eval2(x*frequency, y*frequency) * amplitude
		maxVal += amplitude
		amplitude *= persistence
		frequency *= 2
	}

	return total / maxVal
}
