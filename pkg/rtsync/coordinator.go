package rtsync

import (
	"strings"

	"github.com/goccy/go-json"
	"github.com/golang/glog"

	"github.com/Ratio1/rtsync_sdk_go/pkg/rtdb"
)

// Create adds data as a new child of the collection at location and returns
// the generated key. When the connection is not known to be up the added
// handler and onSuccess run before Create returns, with Connected unset; if
// the remote store later rejects the write a removed record retracts the
// add and onError is called. It returns false without writing when location
// or data is missing.
func (e *Engine) Create(location string, data any, onSuccess Handler, onError ErrorHandler) (string, bool) {
	if strings.TrimSpace(location) == "" || data == nil {
		return "", false
	}
	coll := rtdb.Collection(location)
	if _, err := rtdb.CleanLocation(coll); err != nil {
		glog.V(1).Infof("[rtsync]create at %q = %s", location, err)
		return "", false
	}
	raw, err := encodeValue(data)
	if err != nil {
		glog.V(1).Infof("[rtsync]create at %s encode = %s", coll, err)
		return "", false
	}

	key := e.client.PushKey()
	raw = injectKey(raw, e.uid(), key, false)
	connected := e.monitor.connected()
	rec := Record{Location: coll, Key: key, Data: raw, Connected: connected}

	if connected {
		e.client.Set(rtdb.Join(coll, key), raw).Then(e.relay(rec, onSuccess, onError))
		return key, true
	}

	token := e.optimistic(rtdb.ChildAdded, rec, onSuccess)
	e.client.Set(rtdb.Join(coll, key), raw).Then(func(err error) {
		e.post(func() {
			if err == nil {
				e.settle(rtdb.ChildAdded, rec, token)
				return
			}
			e.retractCreate(rec, token, onError, err)
		})
	})
	return key, true
}

// Update merges data, which must encode to a JSON object, into the record at
// location. Offline, the changed handler (never the added one) and onSuccess
// run before Update returns and receive the merged fields only; a later
// rejection re-reads the record and reports the remote value as a
// correction before calling onError.
func (e *Engine) Update(location string, data any, onSuccess Handler, onError ErrorHandler) bool {
	loc, err := rtdb.CleanLocation(location)
	if err != nil || data == nil {
		return false
	}
	raw, err := encodeValue(data)
	if err != nil || !isObject(raw) {
		glog.V(1).Infof("[rtsync]update at %s needs an object", loc)
		return false
	}
	parsed := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &parsed); err != nil || len(parsed) == 0 {
		return false
	}
	fields := make(map[string]any, len(parsed))
	for name, value := range parsed {
		fields[name] = value
	}

	coll, key := rtdb.Parent(loc), rtdb.Key(loc)
	connected := e.monitor.connected()
	rec := Record{Location: coll, Key: key, Data: raw, Connected: connected}

	if connected {
		e.client.Update(loc, fields).Then(e.relay(rec, onSuccess, onError))
		return true
	}

	token := e.optimistic(rtdb.ChildChanged, rec, onSuccess)
	e.client.Update(loc, fields).Then(func(err error) {
		e.post(func() {
			if err == nil {
				e.settle(rtdb.ChildChanged, rec, token)
				return
			}
			e.restore(rtdb.ChildChanged, loc, rec, token, onError, err)
		})
	})
	return true
}

// Delete removes the record at location. Offline, the removed handler and
// onSuccess run before Delete returns; a later rejection re-reads the record
// and reports it as added again before calling onError.
func (e *Engine) Delete(location string, onSuccess Handler, onError ErrorHandler) bool {
	loc, err := rtdb.CleanLocation(location)
	if err != nil {
		return false
	}
	coll, key := rtdb.Parent(loc), rtdb.Key(loc)
	connected := e.monitor.connected()
	rec := Record{Location: coll, Key: key, Data: json.RawMessage("null"), Connected: connected}

	if connected {
		e.client.Remove(loc).Then(e.relay(rec, onSuccess, onError))
		return true
	}

	token := e.optimistic(rtdb.ChildRemoved, rec, onSuccess)
	e.client.Remove(loc).Then(func(err error) {
		e.post(func() {
			if err == nil {
				e.settle(rtdb.ChildRemoved, rec, token)
				return
			}
			e.restore(rtdb.ChildRemoved, loc, rec, token, onError, err)
		})
	})
	return true
}

// optimistic arms the echo token of an offline write and reports it
// locally. It runs before the write is issued so the echo finds the token.
func (e *Engine) optimistic(kind rtdb.EventKind, rec Record, onSuccess Handler) uint64 {
	e.mu.Lock()
	token := e.pending.arm(kind, rec.Location, rec.Key)
	if kind == rtdb.ChildRemoved {
		e.echo.forget(rec.Location, rec.Key)
	}
	e.mu.Unlock()

	rec.Source = SourceLocal
	e.local(func() {
		e.emit(kind, rec)
		e.succeed(onSuccess, rec)
	})
	return token
}

// settle drops the token of a write that was stored. The backend delivers
// the notifications of a write before resolving it, so an echo that was
// going to arrive already consumed the token.
func (e *Engine) settle(kind rtdb.EventKind, rec Record, token uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending.settle(kind, rec.Location, rec.Key, token)
}

// Read fetches the value at location once and passes it to onSuccess on the
// delivery queue.
func (e *Engine) Read(location string, onSuccess Handler, onError ErrorHandler) bool {
	loc, err := rtdb.CleanLocation(location)
	if err != nil {
		return false
	}
	coll, key := rtdb.Parent(loc), rtdb.Key(loc)
	go func() {
		snap, err := e.client.Get(e.ctx, loc)
		e.post(func() {
			rec := Record{Location: coll, Key: key, Connected: e.monitor.connected(), Source: SourceRemote}
			if err != nil {
				e.fail(onError, rec, err)
				return
			}
			rec.Data = snap.Value
			e.succeed(onSuccess, rec)
		})
	}()
	return true
}

func (e *Engine) uid() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.UID
}

// relay reports the outcome of a write issued while connected.
func (e *Engine) relay(rec Record, onSuccess Handler, onError ErrorHandler) func(error) {
	return func(err error) {
		e.post(func() {
			if err != nil {
				e.fail(onError, rec, err)
				return
			}
			e.succeed(onSuccess, rec)
		})
	}
}

func (e *Engine) succeed(fn Handler, rec Record) {
	if fn == nil {
		return
	}
	e.invoke("success", func() error { return fn(rec) })
}

func (e *Engine) fail(fn ErrorHandler, rec Record, cause error) {
	glog.Infof("[rtsync]write %s%s failed = %s", rec.Location, rec.Key, cause)
	if fn == nil {
		return
	}
	e.invoke("error", func() error { fn(rec, cause); return nil })
}

// retractCreate undoes an optimistic create the remote store rejected.
func (e *Engine) retractCreate(rec Record, token uint64, onError ErrorHandler, cause error) {
	e.mu.Lock()
	e.pending.settle(rtdb.ChildAdded, rec.Location, rec.Key, token)
	e.echo.forget(rec.Location, rec.Key)
	e.mu.Unlock()

	rec.Source = SourceCorrection
	rec.Connected = e.monitor.connected()
	e.emit(rtdb.ChildRemoved, rec)
	e.fail(onError, rec, cause)
}

// restore re-reads a record after a rejected optimistic update or delete and
// reports the remote value: changed or added when it exists, removed when it
// does not.
func (e *Engine) restore(kind rtdb.EventKind, loc string, rec Record, token uint64, onError ErrorHandler, cause error) {
	e.mu.Lock()
	e.pending.settle(kind, rec.Location, rec.Key, token)
	e.mu.Unlock()

	go func() {
		snap, err := e.client.Get(e.ctx, loc)
		e.post(func() {
			fixed := rec
			fixed.Source = SourceCorrection
			fixed.Connected = e.monitor.connected()
			switch {
			case err != nil:
				glog.Infof("[rtsync]read back %s = %s", loc, err)
			case !snap.Exists():
				if kind == rtdb.ChildChanged {
					fixed.Data = snap.Value
					e.emit(rtdb.ChildRemoved, fixed)
				}
			case kind == rtdb.ChildChanged:
				fixed.Data = snap.Value
				e.emit(rtdb.ChildChanged, fixed)
			default:
				fixed.Data = snap.Value
				e.mu.Lock()
				e.echo.confirm(rec.Location, rec.Key)
				e.mu.Unlock()
				e.emit(rtdb.ChildAdded, fixed)
			}
			e.fail(onError, rec, cause)
		})
	}()
}
