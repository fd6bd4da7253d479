package rtdb

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/oklog/ulid/v2"

	"github.com/Ratio1/rtsync_sdk_go/internal/serial"
)

// Backend is the transport a Client drives. Set, Update, Remove and Get block
// until the remote store answers or ctx is done. A successful write returns
// only after the listener callbacks for the changes it caused were run, when
// the backend can observe them. Listener and connection callbacks must be
// delivered sequentially, in the order the store emitted them, and must not
// wait on writes.
type Backend interface {
	Set(ctx context.Context, location string, raw []byte) error
	Update(ctx context.Context, location string, raw []byte) error
	Remove(ctx context.Context, location string) error
	Get(ctx context.Context, location string) ([]byte, error)
	Listen(location string, kind EventKind, fn func(Snapshot)) (cancel func(), err error)
	// OnConnection reports the current connectivity once and then every
	// transition.
	OnConnection(fn func(connected bool)) (cancel func())
	Close() error
}

// Client provides access to a realtime tree through a Backend.
type Client struct {
	backend Backend

	// writes are applied one at a time so the store sees them in issue order
	writes *serial.Dispatcher

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewWithBackend wraps a backend such as mock.Mock.
func NewWithBackend(b Backend) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		backend: b,
		writes:  serial.New(64),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// PushKey allocates a new, time ordered, collision free child key.
func (c *Client) PushKey() string {
	return ulid.Make().String()
}

// Set replaces the value stored at location.
func (c *Client) Set(location string, value any) *Write {
	return c.write(location, value, func(ctx context.Context, loc string, raw []byte) error {
		return c.backend.Set(ctx, loc, raw)
	})
}

// Update merges the top level fields of value into the record at location.
func (c *Client) Update(location string, fields map[string]any) *Write {
	if len(fields) == 0 {
		return failedWrite(location, fmt.Errorf("rtdb: update of %s has no fields", location))
	}
	return c.write(location, fields, func(ctx context.Context, loc string, raw []byte) error {
		return c.backend.Update(ctx, loc, raw)
	})
}

// Remove deletes the value stored at location.
func (c *Client) Remove(location string) *Write {
	return c.write(location, nil, func(ctx context.Context, loc string, _ []byte) error {
		return c.backend.Remove(ctx, loc)
	})
}

// Get reads the value stored at location once. A missing value yields a
// snapshot whose Exists reports false.
func (c *Client) Get(ctx context.Context, location string) (Snapshot, error) {
	if c == nil || c.backend == nil {
		return Snapshot{}, fmt.Errorf("rtdb: client is nil")
	}
	loc, err := CleanLocation(location)
	if err != nil {
		return Snapshot{}, err
	}
	if err := c.ctx.Err(); err != nil {
		return Snapshot{}, ErrClosed
	}
	raw, err := c.backend.Get(ctx, loc)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Location: loc, Key: Key(loc), Value: normalizeRaw(raw)}, nil
}

// On attaches fn to kind notifications for the children of location and
// returns a func that detaches it.
func (c *Client) On(location string, kind EventKind, fn func(Snapshot)) (func(), error) {
	if c == nil || c.backend == nil {
		return nil, fmt.Errorf("rtdb: client is nil")
	}
	if fn == nil {
		return nil, fmt.Errorf("rtdb: listener is nil")
	}
	loc, err := CleanLocation(location)
	if err != nil {
		return nil, err
	}
	return c.backend.Listen(loc, kind, fn)
}

// OnConnection subscribes to the connectivity signal.
func (c *Client) OnConnection(fn func(connected bool)) func() {
	if fn == nil {
		return func() {}
	}
	return c.backend.OnConnection(fn)
}

// Close fails pending writes and releases the backend.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		c.writes.Close()
		err = c.backend.Close()
	})
	return err
}

func (c *Client) write(location string, value any, apply func(ctx context.Context, loc string, raw []byte) error) *Write {
	if c == nil || c.backend == nil {
		return failedWrite(location, fmt.Errorf("rtdb: client is nil"))
	}
	loc, err := CleanLocation(location)
	if err != nil {
		return failedWrite(location, err)
	}
	var raw []byte
	if value != nil {
		if raw, err = encodeJSON(value); err != nil {
			return failedWrite(loc, fmt.Errorf("rtdb: encode %s: %w", loc, err))
		}
	}

	w := newWrite(loc)
	err = c.writes.Go(func() {
		if c.ctx.Err() != nil {
			w.resolve(ErrClosed)
			return
		}
		err := apply(c.ctx, loc, raw)
		if err != nil && c.ctx.Err() != nil {
			err = ErrClosed
		}
		w.resolve(err)
	})
	if err != nil {
		w.resolve(ErrClosed)
	}
	return w
}

func encodeJSON(value any) ([]byte, error) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(value); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func normalizeRaw(raw []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return json.RawMessage("null")
	}
	return json.RawMessage(append([]byte(nil), trimmed...))
}

func isNull(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || strings.EqualFold(string(trimmed), "null")
}
