package rtdb

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

// EventKind identifies a child notification delivered by a listener.
type EventKind int

const (
	ChildAdded EventKind = iota
	ChildChanged
	ChildRemoved
)

// Kinds lists every child notification kind.
var Kinds = []EventKind{ChildAdded, ChildChanged, ChildRemoved}

func (k EventKind) String() string {
	switch k {
	case ChildAdded:
		return "child_added"
	case ChildChanged:
		return "child_changed"
	case ChildRemoved:
		return "child_removed"
	default:
		return fmt.Sprintf("event_kind(%d)", int(k))
	}
}

// Snapshot is the state of one child at the time a notification or read was
// produced. Replay is set on adds emitted for children that already existed
// when the listener was attached.
type Snapshot struct {
	Location string
	Key      string
	Value    json.RawMessage
	Replay   bool
}

// Exists reports whether the snapshot carries a non-null value.
func (s Snapshot) Exists() bool {
	trimmed := bytes.TrimSpace(s.Value)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// Decode unmarshals the snapshot value into out.
func (s Snapshot) Decode(out any) error {
	if !s.Exists() {
		return ErrNotFound
	}
	if err := json.Unmarshal(s.Value, out); err != nil {
		return fmt.Errorf("rtdb: decode %s: %w", s.Location, err)
	}
	return nil
}

var (
	// ErrNotFound is returned when no value is stored at a location.
	ErrNotFound = errors.New("rtdb: not found")
	// ErrPermissionDenied is returned when the server rejects the credentials.
	ErrPermissionDenied = errors.New("rtdb: permission denied")
	// ErrInvalidLocation is returned for empty or malformed locations.
	ErrInvalidLocation = errors.New("rtdb: invalid location")
	// ErrClosed is returned by operations on a closed client.
	ErrClosed = errors.New("rtdb: client closed")
)
