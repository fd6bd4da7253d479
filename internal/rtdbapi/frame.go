package rtdbapi

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Stream frame operations.
const (
	OpHello    = "hello"
	OpListen   = "listen"
	OpUnlisten = "unlisten"
	OpSnapshot = "snapshot"
	OpError    = "error"
	OpSync     = "sync"
	OpSynced   = "synced"
)

// Frame is one websocket text message on the change stream. Clients send
// listen and unlisten frames; the server answers with hello once and then a
// snapshot frame carrying every child of Path each time Path changes. A sync
// frame is answered with synced carrying the same ID once every change the
// server saw before it has been sent.
type Frame struct {
	Op      string          `json:"op"`
	ID      uint64          `json:"id,omitempty"`
	Path    string          `json:"path,omitempty"`
	Session string          `json:"session,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// EncodeFrame marshals a frame.
func EncodeFrame(f Frame) ([]byte, error) {
	if f.Op == "" {
		return nil, fmt.Errorf("rtdbapi: frame op is required")
	}
	return json.Marshal(f)
}

// DecodeFrame parses a frame and validates its op.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("rtdbapi: decode frame: %w", err)
	}
	switch f.Op {
	case OpHello, OpListen, OpUnlisten, OpSnapshot, OpError, OpSync, OpSynced:
		return f, nil
	default:
		return Frame{}, fmt.Errorf("rtdbapi: unknown frame op %q", f.Op)
	}
}

// Children decodes a snapshot payload into per-child raw values. A null
// payload yields an empty map.
func (f Frame) Children() (map[string]json.RawMessage, error) {
	children := map[string]json.RawMessage{}
	if len(f.Data) == 0 || string(f.Data) == "null" {
		return children, nil
	}
	if err := json.Unmarshal(f.Data, &children); err != nil {
		return nil, fmt.Errorf("rtdbapi: decode snapshot of %s: %w", f.Path, err)
	}
	if children == nil {
		children = map[string]json.RawMessage{}
	}
	return children, nil
}
