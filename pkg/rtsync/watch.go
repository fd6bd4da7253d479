package rtsync

import (
	"github.com/golang/glog"

	"github.com/Ratio1/rtsync_sdk_go/pkg/rtdb"
)

// CanWatch reports whether fn would be registered for kind at location.
func (e *Engine) CanWatch(kind rtdb.EventKind, location string, fn Handler, overwrite bool) bool {
	coll := rtdb.Collection(location)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.subs.canWatch(kind, coll, fn, overwrite)
}

// Watching reports whether any handler is registered at location.
func (e *Engine) Watching(location string) bool {
	coll := rtdb.Collection(location)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.subs.watching(coll)
}

// Watch registers the non-nil handlers of h for the children of location.
// A kind that already has a handler keeps it unless overwrite is set.
func (e *Engine) Watch(location string, h Handlers, overwrite bool) error {
	coll := rtdb.Collection(location)
	if _, err := rtdb.CleanLocation(coll); err != nil {
		return err
	}

	byKind := []struct {
		kind rtdb.EventKind
		fn   Handler
	}{
		{rtdb.ChildAdded, h.Added},
		{rtdb.ChildChanged, h.Changed},
		{rtdb.ChildRemoved, h.Removed},
	}
	for _, entry := range byKind {
		if err := e.watchKind(entry.kind, coll, entry.fn, overwrite); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) watchKind(kind rtdb.EventKind, coll string, fn Handler, overwrite bool) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if !e.subs.canWatch(kind, coll, fn, overwrite) {
		e.mu.Unlock()
		if fn != nil {
			glog.V(2).Infof("[rtsync]keep existing %s handler at %s", kind, coll)
		}
		return nil
	}
	sub := e.subs.put(kind, coll, fn)
	if sub == nil {
		e.mu.Unlock()
		return nil
	}
	if kind == rtdb.ChildAdded {
		e.echo.track(coll)
	}
	gen := sub.gen
	e.mu.Unlock()

	cancel, err := e.client.On(coll, kind, func(snap rtdb.Snapshot) {
		e.post(func() { e.deliver(kind, coll, gen, snap) })
	})
	if err != nil {
		e.mu.Lock()
		if e.subs.current(kind, coll, gen) != nil {
			e.subs.remove(kind, coll)
		}
		e.mu.Unlock()
		return err
	}

	e.mu.Lock()
	if cur := e.subs.current(kind, coll, gen); cur != nil {
		cur.cancel = cancel
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()
	cancel()
	return nil
}

// Unwatch removes every handler at location and detaches the transport
// listeners.
func (e *Engine) Unwatch(location string) {
	for _, kind := range rtdb.Kinds {
		e.Off(location, kind)
	}
}

// Off removes the handler of one kind at location.
func (e *Engine) Off(location string, kind rtdb.EventKind) {
	coll := rtdb.Collection(location)

	e.mu.Lock()
	sub := e.subs.remove(kind, coll)
	if kind == rtdb.ChildAdded {
		e.echo.drop(coll)
	}
	if !e.subs.watching(coll) {
		e.pending.dropLocation(coll)
	}
	e.mu.Unlock()

	if sub != nil && sub.cancel != nil {
		sub.cancel()
	}
}

// deliver handles a transport notification on the delivery queue.
func (e *Engine) deliver(kind rtdb.EventKind, coll string, gen uint64, snap rtdb.Snapshot) {
	e.mu.Lock()
	sub := e.subs.current(kind, coll, gen)
	if sub == nil {
		e.mu.Unlock()
		return
	}
	swallow := false
	switch kind {
	case rtdb.ChildAdded:
		if e.pending.consume(kind, coll, snap.Key) {
			e.echo.confirm(coll, snap.Key)
			swallow = true
		} else {
			swallow = e.echo.observe(coll, snap.Key, snap.Replay)
		}
	case rtdb.ChildChanged:
		swallow = e.pending.consume(kind, coll, snap.Key)
	case rtdb.ChildRemoved:
		e.echo.forget(coll, snap.Key)
		swallow = e.pending.consume(kind, coll, snap.Key)
	}
	handler := sub.handler
	e.mu.Unlock()

	if swallow {
		glog.V(2).Infof("[rtsync]swallow %s %s%s replay=%t", kind, coll, snap.Key, snap.Replay)
		return
	}
	rec := Record{
		Location:  coll,
		Key:       snap.Key,
		Data:      snap.Value,
		Connected: e.monitor.connected(),
		Source:    SourceRemote,
	}
	e.invoke(kind.String(), func() error { return handler(rec) })
}

// emit calls the handler registered for kind at rec.Location, if any.
func (e *Engine) emit(kind rtdb.EventKind, rec Record) {
	var handler Handler
	e.mu.Lock()
	if sub := e.subs.get(kind, rec.Location); sub != nil {
		handler = sub.handler
	}
	e.mu.Unlock()
	if handler == nil {
		return
	}
	e.invoke(kind.String(), func() error { return handler(rec) })
}
