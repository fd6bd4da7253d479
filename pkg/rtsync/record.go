package rtsync

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-json"
)

// Source tells where a record delivered to a handler came from.
type Source uint8

const (
	// SourceRemote records were notified by the remote store.
	SourceRemote Source = iota
	// SourceLocal records were synthesized for a write that has not been
	// confirmed yet.
	SourceLocal
	// SourceCorrection records undo or replace an optimistic report after the
	// remote store rejected the write.
	SourceCorrection
)

func (s Source) String() string {
	switch s {
	case SourceRemote:
		return "remote"
	case SourceLocal:
		return "local"
	case SourceCorrection:
		return "correction"
	default:
		return fmt.Sprintf("source(%d)", int(s))
	}
}

// Record is one child of a collection as seen by a handler or a write
// callback. Location is the collection, ending with the separator.
type Record struct {
	Location  string
	Key       string
	Data      json.RawMessage
	Connected bool
	Source    Source
}

// Decode unmarshals the record data into out.
func (r Record) Decode(out any) error {
	if len(r.Data) == 0 {
		return fmt.Errorf("rtsync: record %s%s has no data", r.Location, r.Key)
	}
	return json.Unmarshal(r.Data, out)
}

// Handler receives records for one event kind at one location. A returned
// error is logged and does not stop delivery to other handlers.
type Handler func(Record) error

// ErrorHandler receives the record a failed write was about and the cause.
type ErrorHandler func(Record, error)

// Handlers groups the per-kind handlers of a watch. Nil entries are skipped.
type Handlers struct {
	Added   Handler
	Changed Handler
	Removed Handler
}

func encodeValue(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case json.RawMessage:
		return t, nil
	case []byte:
		if !json.Valid(t) {
			return nil, fmt.Errorf("rtsync: data is not valid JSON")
		}
		return t, nil
	}
	return json.Marshal(v)
}

// injectKey sets field to key when raw is a JSON object. With overwrite
// unset an existing field is kept.
func injectKey(raw json.RawMessage, field, key string, overwrite bool) json.RawMessage {
	if field == "" || key == "" {
		return raw
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return raw
	}
	obj := map[string]json.RawMessage{}
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return raw
	}
	if _, ok := obj[field]; ok && !overwrite {
		return raw
	}
	encodedKey, err := json.Marshal(key)
	if err != nil {
		return raw
	}
	obj[field] = encodedKey
	out, err := json.Marshal(obj)
	if err != nil {
		return raw
	}
	return out
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}
