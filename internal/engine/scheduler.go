package engine

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Timer is a pending deferred action.
type Timer interface {
	// Stop prevents the action from firing. It reports whether the call
	// stopped the action before it fired.
	Stop() bool
}

// Scheduler runs deferred actions and tells the time.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
	Now() time.Time
}

// RealScheduler fires actions on wall-clock timers.
// Delays are divided by the speed multiplier (1.0 = real time).
type RealScheduler struct {
	speed atomic.Uint64 // math.Float64bits
}

// NewRealScheduler creates a wall-clock scheduler running at real time.
func NewRealScheduler() *RealScheduler {
	s := &RealScheduler{}
	s.SetSpeed(1)
	return s
}

// Speed returns the current delay multiplier.
func (s *RealScheduler) Speed() float64 {
	return math.Float64frombits(s.speed.Load())
}

// SetSpeed changes the delay multiplier for timers scheduled afterwards.
// Non-positive values are ignored.
func (s *RealScheduler) SetSpeed(speed float64) {
	if speed <= 0 || math.IsNaN(speed) || math.IsInf(speed, 0) {
		return
	}
	s.speed.Store(math.Float64bits(speed))
}

// AfterFunc schedules f after d, adjusted for speed.
func (s *RealScheduler) AfterFunc(d time.Duration, f func()) Timer {
	target := time.Duration(float64(d) / s.Speed())
	return time.AfterFunc(target, f)
}

// Now returns the wall-clock time.
func (s *RealScheduler) Now() time.Time {
	return time.Now()
}

// ManualScheduler is a virtual clock. Actions fire only when the clock is
// advanced, on the caller's goroutine, in deadline order.
type ManualScheduler struct {
	mu      sync.Mutex
	now     time.Time
	seq     uint64
	pending []*manualTimer
}

type manualTimer struct {
	sched *ManualScheduler
	at    time.Time
	seq   uint64
	f     func()
}

// NewManualScheduler creates a virtual clock starting at start.
func NewManualScheduler(start time.Time) *ManualScheduler {
	return &ManualScheduler{now: start}
}

// AfterFunc registers f to fire once the clock reaches now+d.
func (m *ManualScheduler) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTimer{sched: m, at: m.now.Add(d), seq: m.seq, f: f}
	m.pending = append(m.pending, t)
	sort.SliceStable(m.pending, func(i, j int) bool {
		if m.pending[i].at.Equal(m.pending[j].at) {
			return m.pending[i].seq < m.pending[j].seq
		}
		return m.pending[i].at.Before(m.pending[j].at)
	})
	return t
}

// Now returns the virtual time.
func (m *ManualScheduler) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Pending returns the number of actions waiting to fire.
func (m *ManualScheduler) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Advance moves the clock forward by d, firing every action that falls due.
// Actions scheduled by fired actions also fire if they fall within d.
func (m *ManualScheduler) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		if len(m.pending) == 0 || m.pending[0].at.After(target) {
			m.now = target
			m.mu.Unlock()
			return
		}
		t := m.pending[0]
		m.pending = m.pending[1:]
		m.now = t.at
		m.mu.Unlock()

		t.f()
	}
}

// RunNext jumps the clock to the earliest pending action and fires it.
// It returns false when nothing is pending.
func (m *ManualScheduler) RunNext() bool {
	m.mu.Lock()
	if len(m.pending) == 0 {
		m.mu.Unlock()
		return false
	}
	t := m.pending[0]
	m.pending = m.pending[1:]
	m.now = t.at
	m.mu.Unlock()

	t.f()
	return true
}

func (t *manualTimer) Stop() bool {
	m := t.sched
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, p := range m.pending {
		if p == t {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			return true
		}
	}
	return false
}
