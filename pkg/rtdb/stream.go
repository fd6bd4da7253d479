package rtdb

import (
	"context"
	"net/http"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/goccy/go-json"
	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Ratio1/rtsync_sdk_go/internal/rtdbapi"
	"github.com/Ratio1/rtsync_sdk_go/internal/serial"
)

// StreamSettings tunes the change stream connection.
type StreamSettings struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	PingTimeout      time.Duration
	ReconnectMin     time.Duration
	ReconnectMax     time.Duration
}

// DefaultStreamSettings returns the settings used when none are given.
func DefaultStreamSettings() *StreamSettings {
	return &StreamSettings{
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      30 * time.Second,
		PingTimeout:      10 * time.Second,
		ReconnectMin:     250 * time.Millisecond,
		ReconnectMax:     10 * time.Second,
	}
}

type streamListener struct {
	location string
	kind     EventKind
	fn       func(Snapshot)
	seq      uint64
	primed   bool
	active   atomic.Bool
}

// pathState caches the last children seen for a listened location so that a
// fresh snapshot after a reconnect only produces real changes.
type pathState struct {
	children map[string]json.RawMessage
	primed   bool
}

// stream keeps one websocket open to the server, re-listening every watched
// location after each reconnect.
type stream struct {
	url      string
	header   http.Header
	settings *StreamSettings
	dialer   *websocket.Dialer

	// callbacks run here, in the order frames were read
	deliver *serial.Dispatcher

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	session   string
	listeners map[string]*streamListener
	nextSeq   uint64
	paths     map[string]*pathState
	connSubs  map[string]func(bool)
	syncs     map[uint64]chan struct{}
	nextSync  uint64

	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newStream(url string, header http.Header, settings *StreamSettings) *stream {
	ctx, cancel := context.WithCancel(context.Background())
	s := &stream{
		url:      url,
		header:   header,
		settings: settings,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: settings.HandshakeTimeout,
		},
		deliver:   serial.New(256),
		listeners: map[string]*streamListener{},
		paths:     map[string]*pathState{},
		connSubs:  map[string]func(bool){},
		syncs:     map[uint64]chan struct{}{},
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *stream) listen(location string, kind EventKind, fn func(Snapshot)) (func(), error) {
	loc, err := CleanLocation(location)
	if err != nil {
		return nil, err
	}
	if s.ctx.Err() != nil {
		return nil, ErrClosed
	}

	s.mu.Lock()
	id := uuid.NewString()
	s.nextSeq++
	l := &streamListener{location: loc, kind: kind, fn: fn, seq: s.nextSeq}
	l.active.Store(true)
	s.listeners[id] = l

	state, ok := s.paths[loc]
	if !ok {
		state = &pathState{children: map[string]json.RawMessage{}}
		s.paths[loc] = state
	}
	if state.primed {
		s.primeLocked(l, state.children)
	}
	conn := s.conn
	s.mu.Unlock()

	if !ok && conn != nil {
		s.send(conn, rtdbapi.Frame{Op: rtdbapi.OpListen, Path: loc})
	}

	return func() {
		l.active.Store(false)
		s.mu.Lock()
		delete(s.listeners, id)
		orphaned := true
		for _, other := range s.listeners {
			if other.location == loc {
				orphaned = false
				break
			}
		}
		if orphaned {
			delete(s.paths, loc)
		}
		conn := s.conn
		s.mu.Unlock()

		if orphaned && conn != nil {
			s.send(conn, rtdbapi.Frame{Op: rtdbapi.OpUnlisten, Path: loc})
		}
	}, nil
}

func (s *stream) onConnection(fn func(bool)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	s.connSubs[id] = fn
	connected := s.connected
	s.deliver.Go(func() { fn(connected) })
	return func() {
		s.mu.Lock()
		delete(s.connSubs, id)
		s.mu.Unlock()
	}
}

func (s *stream) close() {
	s.cancel()
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()
	<-s.done
	s.deliver.Close()
}

func (s *stream) run() {
	defer close(s.done)

	reconnect := backoff.NewExponentialBackOff()
	reconnect.InitialInterval = s.settings.ReconnectMin
	reconnect.MaxInterval = s.settings.ReconnectMax
	reconnect.MaxElapsedTime = 0

	for {
		if s.ctx.Err() != nil {
			return
		}
		conn, resp, err := s.dialer.DialContext(s.ctx, s.url, s.header)
		if err == nil {
			reconnect.Reset()
			s.serve(conn)
		} else if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			glog.Infof("[stream]%s rejected credentials status=%d", s.url, resp.StatusCode)
		} else {
			glog.V(1).Infof("[stream]dial %s error = %s", s.url, err)
		}

		select {
		case <-s.ctx.Done():
			return
		case <-time.After(reconnect.NextBackOff()):
		}
	}
}

func (s *stream) serve(conn *websocket.Conn) {
	handleCtx, handleCancel := context.WithCancel(s.ctx)
	defer handleCancel()

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	paths := make([]string, 0, len(s.paths))
	for loc := range s.paths {
		paths = append(paths, loc)
	}
	s.mu.Unlock()
	sort.Strings(paths)

	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.session = ""
		for id, done := range s.syncs {
			close(done)
			delete(s.syncs, id)
		}
		s.mu.Unlock()
		conn.Close()
		s.setConnected(false)
	}()

	for _, loc := range paths {
		if !s.send(conn, rtdbapi.Frame{Op: rtdbapi.OpListen, Path: loc}) {
			return
		}
	}
	s.setConnected(true)

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.settings.ReadTimeout))
	})
	go func() {
		defer handleCancel()
		for {
			select {
			case <-handleCtx.Done():
				return
			case <-time.After(s.settings.PingTimeout):
				s.writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.settings.WriteTimeout))
				s.writeMu.Unlock()
				if err != nil {
					glog.V(2).Infof("[stream]ping error = %s", err)
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(s.settings.ReadTimeout))
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if handleCtx.Err() == nil {
				glog.Infof("[stream]read error = %s", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			glog.V(2).Infof("[stream]other=%d", messageType)
			continue
		}
		frame, err := rtdbapi.DecodeFrame(message)
		if err != nil {
			glog.Infof("[stream]drop frame = %s", err)
			continue
		}
		switch frame.Op {
		case rtdbapi.OpHello:
			s.mu.Lock()
			s.session = frame.Session
			s.mu.Unlock()
			glog.V(1).Infof("[stream]session %s", frame.Session)
		case rtdbapi.OpSnapshot:
			s.applySnapshot(frame)
		case rtdbapi.OpSynced:
			id := frame.ID
			if err := s.deliver.Go(func() { s.releaseSync(id) }); err != nil {
				s.releaseSync(id)
			}
		case rtdbapi.OpError:
			glog.Infof("[stream]server error at %s = %s", frame.Path, frame.Error)
		}
	}
}

// sync waits until the server sent every change it saw before the call and
// the resulting callbacks ran. It returns at once while disconnected.
func (s *stream) sync(ctx context.Context) {
	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		return
	}
	s.nextSync++
	id := s.nextSync
	done := make(chan struct{})
	s.syncs[id] = done
	s.mu.Unlock()
	defer s.releaseSync(id)

	if !s.send(conn, rtdbapi.Frame{Op: rtdbapi.OpSync, ID: id}) {
		return
	}
	timer := time.NewTimer(s.settings.ReadTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-ctx.Done():
	case <-s.ctx.Done():
	case <-timer.C:
		glog.V(1).Infof("[stream]sync %d timed out", id)
	}
}

func (s *stream) releaseSync(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if done, ok := s.syncs[id]; ok {
		close(done)
		delete(s.syncs, id)
	}
}

func (s *stream) send(conn *websocket.Conn, f rtdbapi.Frame) bool {
	data, err := rtdbapi.EncodeFrame(f)
	if err != nil {
		glog.Errorf("[stream]encode frame = %s", err)
		return false
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(s.settings.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		glog.Infof("[stream]%s %s error = %s", f.Op, f.Path, err)
		return false
	}
	glog.V(2).Infof("[stream]%s %s->", f.Op, f.Path)
	return true
}

func (s *stream) setConnected(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected == connected {
		return
	}
	s.connected = connected
	glog.V(1).Infof("[stream]connected=%t", connected)
	for _, fn := range s.connSubs {
		fn := fn
		s.deliver.Go(func() { fn(connected) })
	}
}

func (s *stream) applySnapshot(f rtdbapi.Frame) {
	loc, err := CleanLocation(f.Path)
	if err != nil {
		glog.Infof("[stream]snapshot location = %s", err)
		return
	}
	children, err := f.Children()
	if err != nil {
		glog.Infof("[stream]snapshot = %s", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.paths[loc]
	if !ok {
		return
	}

	var removed, added, changed []string
	for key, next := range children {
		prev, ok := state.children[key]
		switch {
		case !ok:
			added = append(added, key)
		case !jsonEqual(prev, next):
			changed = append(changed, key)
		}
	}
	for key := range state.children {
		if _, ok := children[key]; !ok {
			removed = append(removed, key)
		}
	}
	sort.Strings(removed)
	sort.Strings(added)
	sort.Strings(changed)

	listeners := s.listenersAtLocked(loc)
	for _, l := range listeners {
		if !l.primed {
			s.primeLocked(l, children)
			continue
		}
		switch l.kind {
		case ChildRemoved:
			s.emitLocked(l, loc, removed, state.children, false)
		case ChildAdded:
			s.emitLocked(l, loc, added, children, false)
		case ChildChanged:
			s.emitLocked(l, loc, changed, children, false)
		}
	}
	state.children = children
	state.primed = true
}

// primeLocked replays the current children to a listener that has not seen
// the location yet.
func (s *stream) primeLocked(l *streamListener, children map[string]json.RawMessage) {
	l.primed = true
	if l.kind != ChildAdded {
		return
	}
	keys := make([]string, 0, len(children))
	for key := range children {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	s.emitLocked(l, l.location, keys, children, true)
}

func (s *stream) emitLocked(l *streamListener, loc string, keys []string, values map[string]json.RawMessage, replay bool) {
	for _, key := range keys {
		snap := Snapshot{Location: Join(loc, key), Key: key, Value: normalizeRaw(values[key]), Replay: replay}
		s.deliver.Go(func() {
			if l.active.Load() {
				l.fn(snap)
			}
		})
	}
}

func (s *stream) listenersAtLocked(loc string) []*streamListener {
	var out []*streamListener
	for _, l := range s.listeners {
		if l.location == loc {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func jsonEqual(a, b json.RawMessage) bool {
	var av, bv any
	if json.Unmarshal(a, &av) != nil || json.Unmarshal(b, &bv) != nil {
		return string(a) == string(b)
	}
	return reflect.DeepEqual(av, bv)
}
