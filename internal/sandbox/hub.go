package sandbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Ratio1/rtsync_sdk_go/internal/rtdbapi"
	"github.com/Ratio1/rtsync_sdk_go/pkg/rtdb"
	"github.com/Ratio1/rtsync_sdk_go/pkg/rtdb/mock"
)

const writeTimeout = 5 * time.Second

// Hub tracks the open stream sessions.
type Hub struct {
	store *mock.Mock

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

func newHub(store *mock.Mock) *Hub {
	return &Hub{store: store, sessions: map[string]*session{}}
}

// Sessions returns the number of connected stream clients.
func (h *Hub) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// DropAll closes every session. Clients reconnect on their own, which makes
// this a convenient way to exercise connectivity loss.
func (h *Hub) DropAll() int {
	h.mu.Lock()
	sessions := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.conn.Close()
	}
	return len(sessions)
}

// Close drops every session and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.DropAll()
}

func (h *Hub) serve(ctx context.Context, conn *websocket.Conn) {
	s := &session{
		id:    uuid.NewString(),
		hub:   h,
		conn:  conn,
		paths: map[string][]func(){},
		dirty: map[string]struct{}{},
		wake:  make(chan struct{}, 1),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.sessions[s.id] = s
	h.mu.Unlock()
	glog.V(1).Infof("[hub]open %s", s.id)

	defer func() {
		h.mu.Lock()
		delete(h.sessions, s.id)
		h.mu.Unlock()
		s.unlistenAll()
		conn.Close()
		glog.V(1).Infof("[hub]close %s", s.id)
	}()

	handleCtx, handleCancel := context.WithCancel(ctx)
	defer handleCancel()

	if !s.write(rtdbapi.Frame{Op: rtdbapi.OpHello, Session: s.id}) {
		return
	}
	go func() {
		defer handleCancel()
		s.pump(handleCtx)
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			glog.V(2).Infof("[hub]%s<- error = %s", s.id, err)
			return
		}
		frame, err := rtdbapi.DecodeFrame(message)
		if err != nil {
			s.write(rtdbapi.Frame{Op: rtdbapi.OpError, Error: err.Error()})
			continue
		}
		switch frame.Op {
		case rtdbapi.OpListen:
			s.listen(frame.Path)
		case rtdbapi.OpUnlisten:
			s.unlisten(frame.Path)
		case rtdbapi.OpSync:
			if !s.drain(handleCtx) {
				return
			}
			s.write(rtdbapi.Frame{Op: rtdbapi.OpSynced, ID: frame.ID})
		default:
			s.write(rtdbapi.Frame{Op: rtdbapi.OpError, Path: frame.Path, Error: "unexpected op " + frame.Op})
		}
	}
}

// session streams snapshots of the locations its client listens to. Changes
// only mark a location dirty; the pump reads and sends the current children,
// so a burst of changes collapses into one snapshot.
type session struct {
	id   string
	hub  *Hub
	conn *websocket.Conn

	writeMu sync.Mutex
	// drainMu keeps snapshots of one location in read order
	drainMu sync.Mutex

	mu    sync.Mutex
	paths map[string][]func()
	dirty map[string]struct{}
	wake  chan struct{}
}

func (s *session) listen(path string) {
	loc, err := rtdb.CleanLocation(path)
	if err != nil {
		s.write(rtdbapi.Frame{Op: rtdbapi.OpError, Path: path, Error: err.Error()})
		return
	}

	s.mu.Lock()
	_, ok := s.paths[loc]
	s.mu.Unlock()
	if !ok {
		var cancels []func()
		for _, kind := range rtdb.Kinds {
			cancel, err := s.hub.store.Listen(loc, kind, func(snap rtdb.Snapshot) {
				if !snap.Replay {
					s.mark(loc)
				}
			})
			if err != nil {
				for _, c := range cancels {
					c()
				}
				s.write(rtdbapi.Frame{Op: rtdbapi.OpError, Path: loc, Error: err.Error()})
				return
			}
			cancels = append(cancels, cancel)
		}
		s.mu.Lock()
		s.paths[loc] = cancels
		s.mu.Unlock()
	}
	s.mark(loc)
}

func (s *session) unlisten(path string) {
	loc, err := rtdb.CleanLocation(path)
	if err != nil {
		return
	}
	s.mu.Lock()
	cancels := s.paths[loc]
	delete(s.paths, loc)
	delete(s.dirty, loc)
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

func (s *session) unlistenAll() {
	s.mu.Lock()
	paths := s.paths
	s.paths = map[string][]func(){}
	s.mu.Unlock()
	for _, cancels := range paths {
		for _, cancel := range cancels {
			cancel()
		}
	}
}

func (s *session) mark(loc string) {
	s.mu.Lock()
	if _, ok := s.paths[loc]; ok {
		s.dirty[loc] = struct{}{}
	}
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *session) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		}
		if !s.drain(ctx) {
			return
		}
	}
}

// drain sends a snapshot of every dirty location. It reports false when the
// connection failed.
func (s *session) drain(ctx context.Context) bool {
	s.drainMu.Lock()
	defer s.drainMu.Unlock()

	s.mu.Lock()
	locs := make([]string, 0, len(s.dirty))
	for loc := range s.dirty {
		locs = append(locs, loc)
	}
	s.dirty = map[string]struct{}{}
	s.mu.Unlock()
	sort.Strings(locs)

	for _, loc := range locs {
		data, err := s.hub.store.Get(ctx, loc)
		if err != nil {
			glog.Infof("[hub]%s snapshot %s = %s", s.id, loc, err)
			continue
		}
		if !s.write(rtdbapi.Frame{Op: rtdbapi.OpSnapshot, Path: loc, Data: data}) {
			s.conn.Close()
			return false
		}
	}
	return true
}

func (s *session) write(f rtdbapi.Frame) bool {
	data, err := rtdbapi.EncodeFrame(f)
	if err != nil {
		glog.Errorf("[hub]encode frame = %s", err)
		return false
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		glog.V(2).Infof("[hub]%s-> error = %s", s.id, err)
		return false
	}
	return true
}
