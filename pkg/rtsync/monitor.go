package rtsync

import (
	"sync"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"
)

type connState uint8

const (
	connUnknown connState = iota
	connUp
	connDown
)

func stateOf(up bool) connState {
	if up {
		return connUp
	}
	return connDown
}

func (s connState) String() string {
	switch s {
	case connUp:
		return "up"
	case connDown:
		return "down"
	default:
		return "unknown"
	}
}

// monitor tracks connectivity. Signals are recorded as they arrive but the
// observed state only moves while running, and transitions are reported to
// the changed hook only once initialized.
type monitor struct {
	mu          sync.Mutex
	state       connState
	last        connState
	running     bool
	initialized bool
	changed     func(bool)

	nextID uint64
	onUp   map[uint64]func()
	onDown map[uint64]func()

	invoke func(name string, fn func() error)
}

func newMonitor(invoke func(name string, fn func() error)) *monitor {
	return &monitor{
		onUp:   map[uint64]func(){},
		onDown: map[uint64]func(){},
		invoke: invoke,
	}
}

func (m *monitor) setChanged(fn func(bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changed = fn
}

// start enters the running phase and adopts the last signal without
// reporting it.
func (m *monitor) start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = true
	m.state = m.last
}

func (m *monitor) markInitialized() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initialized = true
}

func (m *monitor) update(up bool) {
	next := stateOf(up)

	m.mu.Lock()
	m.last = next
	if !m.running || m.state == next {
		m.mu.Unlock()
		return
	}
	prev := m.state
	m.state = next

	var handlers []func()
	if up {
		handlers = sortedHandlers(m.onUp)
	} else {
		handlers = sortedHandlers(m.onDown)
	}
	var changed func(bool)
	if m.initialized {
		changed = m.changed
	}
	m.mu.Unlock()

	glog.V(1).Infof("[rtsync]connection %s -> %s", prev, next)
	for _, fn := range handlers {
		fn := fn
		m.invoke("connection", func() error { fn(); return nil })
	}
	if changed != nil {
		m.invoke("connectionChanged", func() error { changed(up); return nil })
	}
}

func (m *monitor) connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == connUp
}

func (m *monitor) current() connState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *monitor) subscribe(up bool, fn func()) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	table := m.onDown
	if up {
		table = m.onUp
	}
	table[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(table, id)
	}
}

func sortedHandlers(table map[uint64]func()) []func() {
	ids := make([]uint64, 0, len(table))
	for id := range table {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]func(), 0, len(ids))
	for _, id := range ids {
		out = append(out, table[id])
	}
	return out
}
