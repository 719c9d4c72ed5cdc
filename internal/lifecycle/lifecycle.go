// Package lifecycle tracks whether the app is in the foreground and
// notifies listeners when it resumes.
package lifecycle

import "sync"

// State is the app's visibility.
type State int

const (
	Foreground State = iota
	Background
)

func (s State) String() string {
	if s == Background {
		return "background"
	}
	return "foreground"
}

// Monitor starts in the Foreground state. It is safe for concurrent use.
type Monitor struct {
	mu    sync.Mutex
	state State
	subs  map[int]func()
	next  int
}

// NewMonitor creates a Monitor.
func NewMonitor() *Monitor {
	return &Monitor{subs: make(map[int]func())}
}

// State returns the current state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Set records a state change. Resume listeners run, in registration
// order on the calling goroutine, only for a Background to Foreground
// transition.
func (m *Monitor) Set(s State) {
	m.mu.Lock()
	resumed := m.state == Background && s == Foreground
	m.state = s
	var fns []func()
	if resumed {
		for id := 0; id < m.next; id++ {
			if fn, ok := m.subs[id]; ok {
				fns = append(fns, fn)
			}
		}
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Subscription detaches a listener.
type Subscription struct {
	once sync.Once
	stop func()
}

// Stop detaches the listener. It is safe to call more than once.
func (s *Subscription) Stop() {
	s.once.Do(s.stop)
}

// OnResume registers fn for Background to Foreground transitions.
func (m *Monitor) OnResume(fn func()) *Subscription {
	m.mu.Lock()
	id := m.next
	m.next++
	m.subs[id] = fn
	m.mu.Unlock()

	return &Subscription{stop: func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}}
}
