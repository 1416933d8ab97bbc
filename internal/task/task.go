// Package task defines the three compositional task rules, the morph-level
// stimulus space, and the four spatial response targets.
package task

import (
	"errors"
	"fmt"
	"math"
)

// ErrUnknownTask is returned when a task identifier is not one of S1, C1, C2.
var ErrUnknownTask = errors.New("unknown task")

// ErrInvalidLevel is returned when a morph level is not one of Levels.
var ErrInvalidLevel = errors.New("invalid morph level")

// ID names a task rule.
type ID string

const (
	S1 ID = "S1" // shape rule, axis 1
	C1 ID = "C1" // color rule, axis 1
	C2 ID = "C2" // color rule, axis 2
)

// All lists every task in display order.
var All = []ID{S1, C1, C2}

// Axis groups tasks that share a pair of response targets.
type Axis uint8

const (
	Axis1 Axis = 1
	Axis2 Axis = 2
)

// Feature is the stimulus dimension a task reads out.
type Feature string

const (
	FeatureColor Feature = "color"
	FeatureShape Feature = "shape"
)

// Rule maps the two poles of one feature onto a pair of targets.
type Rule struct {
	ID      ID
	Axis    Axis
	Feature Feature
	TargetA Target // red / bunny
	TargetB Target // green / tee
}

var rules = map[ID]Rule{
	S1: {ID: S1, Axis: Axis1, Feature: FeatureShape, TargetA: UpperLeft, TargetB: LowerRight},
	C1: {ID: C1, Axis: Axis1, Feature: FeatureColor, TargetA: UpperLeft, TargetB: LowerRight},
	C2: {ID: C2, Axis: Axis2, Feature: FeatureColor, TargetA: UpperRight, TargetB: LowerLeft},
}

// Parse validates a task identifier.
func Parse(s string) (ID, error) {
	id := ID(s)
	if _, ok := rules[id]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTask, s)
	}
	return id, nil
}

// Valid reports whether id is a known task.
func (id ID) Valid() bool {
	_, ok := rules[id]
	return ok
}

// Rule returns the routing rule for id. Unknown identifiers are a
// programming error: callers validate with Parse before a task enters a session.
func (id ID) Rule() Rule {
	r, ok := rules[id]
	if !ok {
		panic(fmt.Sprintf("task: no rule for %q", string(id)))
	}
	return r
}

// Axis returns the response axis the task belongs to.
func (id ID) Axis() Axis { return id.Rule().Axis }

// Feature returns the stimulus dimension the task reads out.
func (id ID) Feature() Feature { return id.Rule().Feature }

// TasksOn returns the candidate tasks for an axis.
func TasksOn(a Axis) []ID {
	switch a {
	case Axis1:
		return []ID{S1, C1}
	case Axis2:
		return []ID{C2}
	}
	return nil
}

// Other returns the axis that is not a.
func (a Axis) Other() Axis {
	if a == Axis1 {
		return Axis2
	}
	return Axis1
}

// Coin is the randomness a rule needs to break midpoint ties.
type Coin interface {
	Float() float64
}

// Stimulus is a pair of morph levels shown on one trial.
type Stimulus struct {
	Color Level `json:"color"`
	Shape Level `json:"shape"`
}

// LevelFor returns the level of the feature the task reads out.
func (s Stimulus) LevelFor(f Feature) Level {
	if f == FeatureShape {
		return s.Shape
	}
	return s.Color
}

// Resolve returns the correct target for the stimulus under this rule.
// Ambiguous midpoints are routed to either pole with equal probability.
func (r Rule) Resolve(s Stimulus, coin Coin) (Target, bool) {
	switch s.LevelFor(r.Feature).Category() {
	case CategoryA:
		return r.TargetA, false
	case CategoryB:
		return r.TargetB, false
	}
	if coin.Float() < 0.5 {
		return r.TargetA, true
	}
	return r.TargetB, true
}

// CategoryOf maps a chosen target back to the category it reports under
// this rule. Targets off the task's axis report CategoryNone.
func (r Rule) CategoryOf(t Target) Category {
	switch t {
	case r.TargetA:
		return CategoryA
	case r.TargetB:
		return CategoryB
	}
	return CategoryNone
}

// Resolve is shorthand for id.Rule().Resolve.
func Resolve(id ID, s Stimulus, coin Coin) Target {
	t, _ := id.Rule().Resolve(s, coin)
	return t
}

// Category is the perceptual class of a morph level.
type Category uint8

const (
	CategoryNone Category = iota
	CategoryA             // red / bunny
	CategoryB             // green / tee
	CategoryAmbiguous
)

func (c Category) String() string {
	switch c {
	case CategoryA:
		return "A"
	case CategoryB:
		return "B"
	case CategoryAmbiguous:
		return "ambiguous"
	}
	return "none"
}

// Level is a position on the circular 0–200 morph scale.
type Level int

// Scale is the circumference of the morph circle.
const Scale = 200

// Levels are the eight morph positions used in the task.
var Levels = []Level{0, 30, 50, 70, 100, 130, 150, 170}

// ParseLevel validates a morph level.
func ParseLevel(n int) (Level, error) {
	for _, l := range Levels {
		if int(l) == n {
			return l, nil
		}
	}
	return 0, fmt.Errorf("%w: %d", ErrInvalidLevel, n)
}

// Distance is the circular distance from prototype A (level 0).
func (l Level) Distance() int {
	d := int(l) % Scale
	if d < 0 {
		d += Scale
	}
	if d > Scale/2 {
		d = Scale - d
	}
	return d
}

// Category classifies the level against the two prototypes at 0 and 100.
func (l Level) Category() Category {
	d := l.Distance()
	switch {
	case d < Scale/4:
		return CategoryA
	case d > Scale/4:
		return CategoryB
	}
	return CategoryAmbiguous
}

// Point is a normalized screen position; x and y are in [0, 1], y grows downward.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Valid reports whether p is finite and inside the unit square.
func (p Point) Valid() bool {
	if math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsInf(p.X, 0) || math.IsInf(p.Y, 0) {
		return false
	}
	return p.X >= 0 && p.X <= 1 && p.Y >= 0 && p.Y <= 1
}

// Target is one of the four response locations.
type Target string

const (
	NoTarget   Target = ""
	UpperLeft  Target = "UL"
	UpperRight Target = "UR"
	LowerLeft  Target = "LL"
	LowerRight Target = "LR"
)

// Targets lists the four response locations.
var Targets = []Target{UpperLeft, UpperRight, LowerLeft, LowerRight}

// Radius is the proximity a response must land within to count for a target.
const Radius = 0.15

var targetCenters = map[Target]Point{
	UpperLeft:  {X: 0.25, Y: 0.25},
	UpperRight: {X: 0.75, Y: 0.25},
	LowerLeft:  {X: 0.25, Y: 0.75},
	LowerRight: {X: 0.75, Y: 0.75},
}

// Center returns the screen position of t.
func (t Target) Center() Point {
	return targetCenters[t]
}

// Nearest returns the target whose center lies within Radius of p, or
// NoTarget if none does.
func Nearest(p Point) Target {
	best := NoTarget
	bestDist := math.Inf(1)
	for _, t := range Targets {
		c := targetCenters[t]
		d := math.Hypot(p.X-c.X, p.Y-c.Y)
		if d <= Radius && d < bestDist {
			best, bestDist = t, d
		}
	}
	return best
}
