package rtsync

import (
	"github.com/goccy/go-json"
	"github.com/golang/glog"

	"github.com/Ratio1/rtsync_sdk_go/pkg/rtdb"
)

// Event names the change an envelope reports.
type Event string

const (
	EventCreated Event = "created"
	EventUpdated Event = "updated"
	EventDeleted Event = "deleted"
)

// Envelope is the uniform shape of every collection notification. Data
// carries the record with its key injected under UID when UID is set.
type Envelope struct {
	Data        json.RawMessage
	UID         string
	Event       Event
	IsConnected bool
	ID          string
	Location    string
}

// EnvelopeHandler receives collection notifications.
type EnvelopeHandler func(Envelope) error

type corrKey struct {
	action   Action
	location string
}

// correlation holds the success callback of a request until the watch
// reports the matching event or the write fails. id tells a request apart
// from a newer one stored under the same key.
type correlation struct {
	id      uint64
	success func(Envelope)
}

// WatchCollection watches the collection at location and passes every
// created, updated and deleted record to h as an envelope. Pending request
// correlations for the collection are fired by the same events. h may be
// nil when only correlation is wanted.
func (e *Engine) WatchCollection(location string, h EnvelopeHandler) error {
	coll := rtdb.Collection(location)
	translate := func(event Event, action Action) Handler {
		return func(rec Record) error {
			env := e.envelope(event, rec)
			if h != nil {
				e.invoke("watch "+string(event), func() error { return h(env) })
			}
			if rec.Source != SourceCorrection {
				e.fireCorrelation(action, coll, env)
			}
			return nil
		}
	}
	return e.Watch(coll, Handlers{
		Added:   translate(EventCreated, ActionCreate),
		Changed: translate(EventUpdated, ActionUpdate),
		Removed: translate(EventDeleted, ActionDelete),
	}, false)
}

func (e *Engine) envelope(event Event, rec Record) Envelope {
	uid := e.uid()
	return Envelope{
		Data:        injectKey(rec.Data, uid, rec.Key, true),
		UID:         uid,
		Event:       event,
		IsConnected: rec.Connected,
		ID:          rec.Key,
		Location:    rec.Location,
	}
}

// correlate stores success for the next matching event and returns the id
// of the entry.
func (e *Engine) correlate(action Action, coll string, success func(Envelope)) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextCorr++
	e.correlations[corrKey{action, coll}] = correlation{id: e.nextCorr, success: success}
	return e.nextCorr
}

// dropCorrelation removes the entry only while it is still the one with id.
func (e *Engine) dropCorrelation(action Action, coll string, id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := corrKey{action, coll}
	if c, ok := e.correlations[key]; ok && c.id == id {
		delete(e.correlations, key)
	}
}

// takeCorrelation removes and returns the entry, so each fires at most once.
func (e *Engine) takeCorrelation(action Action, coll string) (correlation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := corrKey{action, coll}
	c, ok := e.correlations[key]
	delete(e.correlations, key)
	return c, ok
}

func (e *Engine) fireCorrelation(action Action, coll string, env Envelope) {
	c, ok := e.takeCorrelation(action, coll)
	if !ok || c.success == nil {
		return
	}
	glog.V(2).Infof("[rtsync]correlated %s %s%s", action, coll, env.ID)
	e.invoke(string(action)+" success", func() error { c.success(env); return nil })
}
