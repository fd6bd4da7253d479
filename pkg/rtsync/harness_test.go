package rtsync

import (
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/Ratio1/rtsync_sdk_go/pkg/rtdb"
	"github.com/Ratio1/rtsync_sdk_go/pkg/rtdb/mock"
)

const (
	waitFor  = 2 * time.Second
	waitTick = time.Millisecond
)

type harness struct {
	t      *testing.T
	store  *mock.Mock
	client *rtdb.Client
	eng    *Engine
}

func newHarness(t *testing.T, connected bool, cfg Config) *harness {
	t.Helper()
	store := mock.New(mock.WithConnected(connected))
	return newHarnessOver(t, store, store, cfg)
}

// newHarnessOver drives the engine through backend, which wraps store.
func newHarnessOver(t *testing.T, store *mock.Mock, backend rtdb.Backend, cfg Config) *harness {
	t.Helper()
	client := rtdb.NewWithBackend(backend)
	eng, err := New(client, cfg)
	require.NoError(t, err)
	h := &harness{t: t, store: store, client: client, eng: eng}
	t.Cleanup(func() {
		eng.Close()
		client.Close()
	})
	return h
}

// start waits for the initial connection signal so that Start primes a
// known state.
func (h *harness) start() {
	h.t.Helper()
	h.settle()
	require.NoError(h.t, h.eng.Start())
	h.settle()
}

func (h *harness) settle() {
	h.t.Helper()
	for i := 0; i < 3; i++ {
		require.NoError(h.t, h.store.Flush())
		require.NoError(h.t, h.eng.Flush())
	}
}

func (h *harness) waitPending(n int) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.store.PendingWrites() == n }, waitFor, waitTick)
}

func (h *harness) reconnect() {
	h.t.Helper()
	h.store.SetConnected(true)
	h.settle()
}

// recorder collects envelopes, records and errors from callbacks.
type recorder struct {
	mu        sync.Mutex
	envelopes []Envelope
	records   []Record
	errs      []error
}

func (r *recorder) envelope(env Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envelopes = append(r.envelopes, env)
	return nil
}

func (r *recorder) record(rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *recorder) failed(rec Record, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	r.errs = append(r.errs, err)
}

func (r *recorder) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.envelopes))
	for _, env := range r.envelopes {
		out = append(out, string(env.Event)+":"+env.ID)
	}
	return out
}

func (r *recorder) lastEnvelope() Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.envelopes) == 0 {
		return Envelope{}
	}
	return r.envelopes[len(r.envelopes)-1]
}

func (r *recorder) recordCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

func (r *recorder) errCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

func decodeMap(t *testing.T, raw json.RawMessage) map[string]any {
	t.Helper()
	out := map[string]any{}
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

// waitSettled waits until no offline write at location/key still holds an
// echo token.
func (h *harness) waitSettled(location, key string) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		h.eng.mu.Lock()
		defer h.eng.mu.Unlock()
		for _, kind := range []rtdb.EventKind{rtdb.ChildAdded, rtdb.ChildChanged, rtdb.ChildRemoved} {
			if h.eng.pending.armed(kind, location, key) > 0 {
				return false
			}
		}
		return true
	}, waitFor, waitTick)
}
