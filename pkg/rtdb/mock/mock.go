package mock

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"golang.org/x/exp/maps"

	"github.com/Ratio1/rtsync_sdk_go/internal/seed"
	"github.com/Ratio1/rtsync_sdk_go/internal/serial"
	"github.com/Ratio1/rtsync_sdk_go/pkg/rtdb"
)

type opKind int

const (
	opSet opKind = iota
	opUpdate
	opRemove
)

type writeOp struct {
	kind     opKind
	location string
	value    any
	fields   map[string]any
}

type pendingWrite struct {
	op     writeOp
	result chan error
}

type failure struct {
	prefix string
	err    error
}

type listener struct {
	seq      uint64
	location string
	kind     rtdb.EventKind
	fn       func(rtdb.Snapshot)
	active   atomic.Bool
}

// Mock is an in-memory realtime tree implementing rtdb.Backend. Writes
// issued while disconnected stay pending until SetConnected(true) applies
// them in order or RejectPending fails them. Reads are served from memory
// regardless of connectivity.
type Mock struct {
	mu        sync.Mutex
	root      map[string]any
	connected bool
	closed    bool
	pending   []*pendingWrite
	failures  []failure
	listeners map[string]*listener
	nextSeq   uint64
	connSubs  map[string]func(bool)

	deliver *serial.Dispatcher
	db      *sql.DB
}

// Option configures the mock instance.
type Option func(*Mock)

// WithConnected sets the initial connectivity (connected by default).
func WithConnected(connected bool) Option {
	return func(m *Mock) {
		m.connected = connected
	}
}

// New creates an empty mock store.
func New(opts ...Option) *Mock {
	m := &Mock{
		root:      map[string]any{},
		connected: true,
		listeners: map[string]*listener{},
		connSubs:  map[string]func(bool){},
		deliver:   serial.New(256),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Seed places entries into the tree without notifying listeners.
func (m *Mock) Seed(entries []seed.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range entries {
		loc, err := rtdb.CleanLocation(e.Location)
		if err != nil {
			return fmt.Errorf("mock rtdb: seed entry: %w", err)
		}
		value, err := decode(e.Value)
		if err != nil {
			return fmt.Errorf("mock rtdb: seed value at %s: %w", loc, err)
		}
		assign(m.root, rtdb.Split(loc), value)
	}
	m.saveLocked()
	return nil
}

// Set implements rtdb.Backend. A null value removes the location.
func (m *Mock) Set(ctx context.Context, location string, raw []byte) error {
	value, err := decode(raw)
	if err != nil {
		return fmt.Errorf("mock rtdb: decode value: %w", err)
	}
	if value == nil {
		return m.submit(ctx, writeOp{kind: opRemove, location: location})
	}
	return m.submit(ctx, writeOp{kind: opSet, location: location, value: value})
}

// Update implements rtdb.Backend. Field names may be nested locations.
func (m *Mock) Update(ctx context.Context, location string, raw []byte) error {
	value, err := decode(raw)
	if err != nil {
		return fmt.Errorf("mock rtdb: decode fields: %w", err)
	}
	fields, ok := value.(map[string]any)
	if !ok || len(fields) == 0 {
		return fmt.Errorf("mock rtdb: update of %s requires an object", location)
	}
	return m.submit(ctx, writeOp{kind: opUpdate, location: location, fields: fields})
}

// Remove implements rtdb.Backend.
func (m *Mock) Remove(ctx context.Context, location string) error {
	return m.submit(ctx, writeOp{kind: opRemove, location: location})
}

// Get implements rtdb.Backend.
func (m *Mock) Get(ctx context.Context, location string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	loc, err := rtdb.CleanLocation(location)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, rtdb.ErrClosed
	}
	node, ok := lookup(m.root, rtdb.Split(loc))
	if !ok {
		return []byte("null"), nil
	}
	return encode(node), nil
}

// Listen implements rtdb.Backend. Listeners for ChildAdded first receive a
// Replay snapshot for each existing child, ordered by key.
func (m *Mock) Listen(location string, kind rtdb.EventKind, fn func(rtdb.Snapshot)) (func(), error) {
	loc, err := rtdb.CleanLocation(location)
	if err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, fmt.Errorf("mock rtdb: listener is nil")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, rtdb.ErrClosed
	}

	id := uuid.NewString()
	m.nextSeq++
	l := &listener{seq: m.nextSeq, location: loc, kind: kind, fn: fn}
	l.active.Store(true)
	m.listeners[id] = l

	if kind == rtdb.ChildAdded {
		children := cloneChildren(m.root, rtdb.Split(loc))
		keys := maps.Keys(children)
		sort.Strings(keys)
		for _, key := range keys {
			m.emitLocked(l, rtdb.Snapshot{
				Location: rtdb.Join(loc, key),
				Key:      key,
				Value:    encode(children[key]),
				Replay:   true,
			})
		}
	}

	return func() {
		l.active.Store(false)
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}, nil
}

// OnConnection implements rtdb.Backend.
func (m *Mock) OnConnection(fn func(bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := uuid.NewString()
	m.connSubs[id] = fn
	connected := m.connected
	m.deliver.Go(func() { fn(connected) })
	return func() {
		m.mu.Lock()
		delete(m.connSubs, id)
		m.mu.Unlock()
	}
}

// Close implements rtdb.Backend. Pending writes fail with rtdb.ErrClosed.
func (m *Mock) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	pending := m.pending
	m.pending = nil
	m.listeners = map[string]*listener{}
	m.mu.Unlock()

	for _, p := range pending {
		p.result <- rtdb.ErrClosed
	}
	m.deliver.Close()
	return nil
}

// Connected reports the simulated connectivity.
func (m *Mock) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// SetConnected flips the simulated connectivity. Reconnecting applies the
// pending writes in issue order after the connection callbacks are queued.
func (m *Mock) SetConnected(connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.connected == connected {
		return
	}
	m.connected = connected
	for _, fn := range m.connSubs {
		fn := fn
		m.deliver.Go(func() { fn(connected) })
	}
	glog.V(1).Infof("[mock]connected=%t pending=%d", connected, len(m.pending))
	if !connected {
		return
	}

	pending := m.pending
	m.pending = nil
	for _, p := range pending {
		p.result <- m.applyLocked(p.op)
	}
}

// PendingWrites returns the number of writes waiting for connectivity.
func (m *Mock) PendingWrites() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// RejectPending fails every pending write with err and returns how many
// were rejected.
func (m *Mock) RejectPending(err error) int {
	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()

	for _, p := range pending {
		p.result <- err
	}
	return len(pending)
}

// FailWrites makes every later write at or below prefix fail with err when
// it is applied.
func (m *Mock) FailWrites(prefix string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, failure{prefix: strings.Trim(prefix, rtdb.Separator), err: err})
}

// ClearFailures removes every injected failure.
func (m *Mock) ClearFailures() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = nil
}

// Flush waits until every queued notification has been delivered.
func (m *Mock) Flush() error {
	return m.deliver.Flush()
}

func (m *Mock) submit(ctx context.Context, op writeOp) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	loc, err := rtdb.CleanLocation(op.location)
	if err != nil {
		return err
	}
	op.location = loc

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return rtdb.ErrClosed
	}
	if m.connected {
		err := m.applyLocked(op)
		m.mu.Unlock()
		return m.delivered(err)
	}

	p := &pendingWrite{op: op, result: make(chan error, 1)}
	m.pending = append(m.pending, p)
	m.mu.Unlock()
	glog.V(2).Infof("[mock]queued write %s", op.location)

	select {
	case err := <-p.result:
		return m.delivered(err)
	case <-ctx.Done():
		m.dropPending(p)
		return ctx.Err()
	}
}

// delivered waits, after an applied write, until the notifications it caused
// reached the listeners, so a write never resolves ahead of its own echo.
func (m *Mock) delivered(err error) error {
	if err == nil {
		m.deliver.Flush()
	}
	return err
}

func (m *Mock) dropPending(p *pendingWrite) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, q := range m.pending {
		if q == p {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			return
		}
	}
}

func (m *Mock) applyLocked(op writeOp) error {
	for _, f := range m.failures {
		if f.prefix == "" || op.location == f.prefix || strings.HasPrefix(op.location, f.prefix+rtdb.Separator) {
			return f.err
		}
	}

	watched := m.relatedLocationsLocked(op.location)
	before := make(map[string]map[string]any, len(watched))
	for _, loc := range watched {
		before[loc] = cloneChildren(m.root, rtdb.Split(loc))
	}

	segs := rtdb.Split(op.location)
	switch op.kind {
	case opSet:
		assign(m.root, segs, cloneValue(op.value))
	case opUpdate:
		fieldNames := maps.Keys(op.fields)
		sort.Strings(fieldNames)
		for _, name := range fieldNames {
			assign(m.root, append(append([]string(nil), segs...), rtdb.Split(name)...), cloneValue(op.fields[name]))
		}
	case opRemove:
		assign(m.root, segs, nil)
	}

	for _, loc := range watched {
		after := cloneChildren(m.root, rtdb.Split(loc))
		m.notifyLocked(loc, diffChildren(before[loc], after), before[loc], after)
	}
	m.saveLocked()
	return nil
}

func (m *Mock) relatedLocationsLocked(location string) []string {
	seen := map[string]struct{}{}
	for _, l := range m.listeners {
		if related(l.location, location) {
			seen[l.location] = struct{}{}
		}
	}
	locs := maps.Keys(seen)
	sort.Strings(locs)
	return locs
}

func related(watched, written string) bool {
	return watched == written ||
		strings.HasPrefix(written, watched+rtdb.Separator) ||
		strings.HasPrefix(watched, written+rtdb.Separator)
}

func (m *Mock) notifyLocked(loc string, d childDiff, before, after map[string]any) {
	emit := func(kind rtdb.EventKind, keys []string, values map[string]any) {
		for _, key := range keys {
			snap := rtdb.Snapshot{Location: rtdb.Join(loc, key), Key: key, Value: encode(values[key])}
			for _, l := range m.listenersAtLocked(loc, kind) {
				m.emitLocked(l, snap)
			}
		}
	}
	emit(rtdb.ChildRemoved, d.removed, before)
	emit(rtdb.ChildAdded, d.added, after)
	emit(rtdb.ChildChanged, d.changed, after)
}

func (m *Mock) listenersAtLocked(loc string, kind rtdb.EventKind) []*listener {
	var out []*listener
	for _, l := range m.listeners {
		if l.location == loc && l.kind == kind {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (m *Mock) emitLocked(l *listener, snap rtdb.Snapshot) {
	m.deliver.Go(func() {
		if l.active.Load() {
			l.fn(snap)
		}
	})
}
