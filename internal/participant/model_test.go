package participant

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/taskswitch/internal/entropy"
	"github.com/talgya/taskswitch/internal/task"
)

func newTestParticipant(p Params) *Participant {
	return New(p, entropy.NewSeeded(42), 42)
}

func TestPsychometricShape(t *testing.T) {
	pt := newTestParticipant(DefaultParams())

	assert.InDelta(t, 0.5, pt.PB(50, 1), 1e-9)
	assert.InDelta(t, 0.5, pt.PB(150, 1), 1e-9)
	assert.Less(t, pt.PB(0, 1), 0.01)
	assert.Greater(t, pt.PB(100, 1), 0.99)
	assert.Equal(t, pt.PB(30, 1), pt.PB(170, 1), "the morph scale is circular")

	// Lower attention flattens the curve.
	assert.Greater(t, pt.PB(30, 0.5), pt.PB(30, 1))
}

func TestAttentionBounds(t *testing.T) {
	p := DefaultParams()
	pt := newTestParticipant(p)
	for i := 0; i < 500; i++ {
		a := pt.Attention()
		require.GreaterOrEqual(t, a, 1-p.DriftAmp)
		require.LessOrEqual(t, a, 1.0)
		pt.trials++
	}
}

func TestReactionTimeFloor(t *testing.T) {
	p := DefaultParams()
	pt := newTestParticipant(p)
	var total time.Duration
	for i := 0; i < 1000; i++ {
		rt := pt.reactionTime()
		require.Greater(t, rt, p.RTFloor)
		total += rt
	}
	mean := total / 1000
	assert.InDelta(t, float64(p.RTFloor+p.RTMedian), float64(mean), float64(100*time.Millisecond))
}

func TestChooseDisclosedTask(t *testing.T) {
	p := DefaultParams()
	p.Lapse = 0
	p.DriftAmp = 0
	pt := newTestParticipant(p)

	stim := task.Stimulus{Color: 0, Shape: 100}
	ur := 0
	for i := 0; i < 1000; i++ {
		c := pt.Choose(stim, task.C2)
		assert.Equal(t, task.C2, c.Task)
		if c.Target == task.UpperRight {
			ur++
		}
	}
	assert.GreaterOrEqual(t, ur, 990)
}

func TestChooseLapse(t *testing.T) {
	p := DefaultParams()
	p.Lapse = 1
	pt := newTestParticipant(p)

	seen := map[task.Target]bool{}
	for i := 0; i < 200; i++ {
		c := pt.Choose(task.Stimulus{}, task.S1)
		assert.True(t, c.Lapsed)
		seen[c.Target] = true
	}
	assert.Len(t, seen, 4)
}

func TestLearnFindsTask(t *testing.T) {
	pt := newTestParticipant(DefaultParams())
	assert.Equal(t, task.S1, pt.Believed(), "ties go to the first task")

	// Red tee: S1 says LR, C1 says UL, C2 says UR. Being right on UR
	// only fits C2.
	stim := task.Stimulus{Color: 0, Shape: 100}
	for i := 0; i < 3; i++ {
		pt.Learn(stim, task.UpperRight, true)
	}
	assert.Equal(t, task.C2, pt.Believed())
	assert.Greater(t, pt.Belief(task.C2), 0.9)

	sum := 0.0
	for _, id := range task.All {
		sum += pt.Belief(id)
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
}

func TestLearnSwitches(t *testing.T) {
	pt := newTestParticipant(DefaultParams())
	stim := task.Stimulus{Color: 0, Shape: 100}
	for i := 0; i < 20; i++ {
		pt.Learn(stim, task.UpperRight, true)
	}
	// Hazard keeps every task reachable.
	assert.GreaterOrEqual(t, pt.Belief(task.S1), DefaultParams().Hazard/3-1e-9)

	// Now UL is rewarded: C1.
	for i := 0; i < 5; i++ {
		pt.Learn(stim, task.UpperLeft, true)
	}
	assert.Equal(t, task.C1, pt.Believed())
}

func TestLearnAmbiguousIsUninformative(t *testing.T) {
	pt := newTestParticipant(DefaultParams())
	// Shape and color both at the midpoint: every on-axis answer is a coin flip.
	stim := task.Stimulus{Color: 50, Shape: 150}
	pt.Learn(stim, task.UpperLeft, true)
	assert.InDelta(t, pt.Belief(task.S1), pt.Belief(task.C1), 1e-9)
}

func TestReset(t *testing.T) {
	pt := newTestParticipant(DefaultParams())
	pt.Learn(task.Stimulus{Color: 0, Shape: 100}, task.UpperRight, true)
	pt.Reset()
	for _, id := range task.All {
		assert.InDelta(t, 1.0/3, pt.Belief(id), 1e-9)
	}
}
