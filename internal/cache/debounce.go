package cache

import (
	"time"

	"github.com/spec-kit/ticket-collab/internal/clock"
	"github.com/spec-kit/ticket-collab/internal/domain"
)

// DebounceState is the lifecycle of a per-key refresh window.
type DebounceState string

const (
	DebounceIdle      DebounceState = "idle"
	DebounceArmed     DebounceState = "armed"
	DebounceFired     DebounceState = "fired"
	DebounceCancelled DebounceState = "cancelled"
)

// Debounce is the auxiliary metadata kept per filter key. The timer handle
// exists only while the window is armed.
type Debounce struct {
	State    DebounceState
	Deadline time.Time

	generation uint64
	timer      clock.Timer
}

// ArmDebounce opens or restarts the window for key. fire runs once the
// window elapses without another ArmDebounce for the same key. It returns
// true when an armed window was reset.
func (s *Store) ArmDebounce(key domain.FilterKey, window time.Duration, fire func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.debounces[key]
	if !ok {
		d = &Debounce{State: DebounceIdle}
		s.debounces[key] = d
	}
	reset := d.State == DebounceArmed
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.generation++
	gen := d.generation
	d.State = DebounceArmed
	d.Deadline = s.clock.Now().Add(window)
	d.timer = s.clock.AfterFunc(window, func() {
		if s.markFired(key, gen) {
			fire()
		}
	})
	return reset
}

// markFired moves an armed window to fired unless it was reset or cancelled
// after the timer was scheduled.
func (s *Store) markFired(key domain.FilterKey, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.debounces[key]
	if !ok || d.generation != gen || d.State != DebounceArmed {
		return false
	}
	d.State = DebounceFired
	d.timer = nil
	return true
}

// CancelDebounce stops the armed window for key. It returns false when no
// window was armed.
func (s *Store) CancelDebounce(key domain.FilterKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelLocked(key)
}

// CancelAllDebounces stops every armed window.
func (s *Store) CancelAllDebounces() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key := range s.debounces {
		if s.cancelLocked(key) {
			n++
		}
	}
	return n
}

func (s *Store) cancelLocked(key domain.FilterKey) bool {
	d, ok := s.debounces[key]
	if !ok || d.State != DebounceArmed {
		return false
	}
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.generation++
	d.State = DebounceCancelled
	return true
}

// DebounceState returns the window state and deadline for key.
func (s *Store) DebounceState(key domain.FilterKey) (DebounceState, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.debounces[key]
	if !ok {
		return DebounceIdle, time.Time{}
	}
	return d.State, d.Deadline
}

// ArmedDebounces counts windows currently holding a timer.
func (s *Store) ArmedDebounces() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, d := range s.debounces {
		if d.timer != nil {
			n++
		}
	}
	return n
}
