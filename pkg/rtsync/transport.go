package rtsync

import (
	"github.com/golang/glog"

	"github.com/Ratio1/rtsync_sdk_go/pkg/rtdb"
)

// Action is the verb of a data request.
type Action string

const (
	ActionCreate Action = "create"
	ActionRead   Action = "read"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionSearch Action = "search"
)

// Request is a generic data request from the host application. URL is the
// collection for create and the record for read, update and delete.
type Request struct {
	Action       Action
	URL          string
	Data         any
	Success      func(Envelope)
	Error        func(error)
	IsCollection bool
}

// TransportFunc handles one request. It returns the generated key for
// create and false when the request was rejected without a remote call.
type TransportFunc func(Request) (key string, ok bool)

// Transport returns the handler the host registers for its data requests.
// Success callbacks of create, update and delete fire when the watch on the
// collection reports the matching event.
func (e *Engine) Transport() TransportFunc {
	return e.handleRequest
}

func (e *Engine) handleRequest(req Request) (string, bool) {
	switch req.Action {
	case ActionCreate:
		coll := rtdb.Collection(req.URL)
		if !e.Watching(coll) {
			return e.Create(req.URL, req.Data, e.requestDone(EventCreated, req), e.requestFailed(req))
		}
		id := e.correlate(ActionCreate, coll, req.Success)
		key, ok := e.Create(req.URL, req.Data, nil, e.correlatedFailed(ActionCreate, coll, id, req))
		if !ok {
			e.dropCorrelation(ActionCreate, coll, id)
		}
		return key, ok

	case ActionUpdate, ActionDelete:
		coll := rtdb.Parent(req.URL)
		event := EventUpdated
		if req.Action == ActionDelete {
			event = EventDeleted
		}
		var onSuccess Handler
		var onError ErrorHandler
		var id uint64
		if e.Watching(coll) {
			id = e.correlate(req.Action, coll, req.Success)
			onError = e.correlatedFailed(req.Action, coll, id, req)
		} else {
			onSuccess, onError = e.requestDone(event, req), e.requestFailed(req)
		}
		var ok bool
		if req.Action == ActionUpdate {
			ok = e.Update(req.URL, req.Data, onSuccess, onError)
		} else {
			ok = e.Delete(req.URL, onSuccess, onError)
		}
		if !ok && id != 0 {
			e.dropCorrelation(req.Action, coll, id)
		}
		return "", ok

	case ActionRead:
		ok := e.Read(req.URL, func(rec Record) error {
			if req.Success == nil {
				return nil
			}
			data := rec.Data
			if !req.IsCollection {
				data = injectKey(data, e.uid(), rec.Key, true)
			}
			req.Success(Envelope{
				Data:        data,
				UID:         e.uid(),
				IsConnected: rec.Connected,
				ID:          rec.Key,
				Location:    rec.Location,
			})
			return nil
		}, e.requestFailed(req))
		return "", ok

	case ActionSearch:
		return "", true

	default:
		glog.Infof("[rtsync]unknown request action %q", req.Action)
		return "", false
	}
}

// requestDone reports the write outcome straight to a request whose
// collection is not watched, since no event would fire its correlation.
func (e *Engine) requestDone(event Event, req Request) Handler {
	return func(rec Record) error {
		if req.Success != nil {
			req.Success(e.envelope(event, rec))
		}
		return nil
	}
}

func (e *Engine) requestFailed(req Request) ErrorHandler {
	return func(_ Record, err error) {
		if req.Error != nil {
			req.Error(err)
		}
	}
}

// correlatedFailed drops the correlation with id, unless it already fired or
// a newer request replaced it, and reports the cause to the request.
func (e *Engine) correlatedFailed(action Action, coll string, id uint64, req Request) ErrorHandler {
	return func(_ Record, err error) {
		e.dropCorrelation(action, coll, id)
		if req.Error != nil {
			req.Error(err)
		}
	}
}
