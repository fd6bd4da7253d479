package rtsync

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ratio1/rtsync_sdk_go/internal/seed"
	"github.com/Ratio1/rtsync_sdk_go/pkg/rtdb/mock"
)

type requestRecorder struct {
	mu   sync.Mutex
	envs []Envelope
	errs []error
}

func (r *requestRecorder) success(env Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
}

func (r *requestRecorder) failure(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *requestRecorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.envs), len(r.errs)
}

func (r *requestRecorder) last() Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.envs[len(r.envs)-1]
}

func correlatedHarness(t *testing.T, connected bool) *harness {
	cfg := DefaultConfig()
	cfg.Collections = []string{"todos"}
	h := newHarness(t, connected, cfg)
	require.NoError(t, h.store.Seed([]seed.Entry{{Location: "todos/a", Value: []byte(`{"title":"a"}`)}}))
	h.start()
	return h
}

func TestTransportCreateOnlineWaitsForWatch(t *testing.T) {
	h := correlatedHarness(t, true)
	req := &requestRecorder{}
	send := h.eng.Transport()

	key, ok := send(Request{Action: ActionCreate, URL: "todos", Data: map[string]any{"title": "b"}, Success: req.success, Error: req.failure})
	require.True(t, ok)
	require.NotEmpty(t, key)

	require.Eventually(t, func() bool { n, _ := req.counts(); return n == 1 }, waitFor, waitTick)
	env := req.last()
	assert.Equal(t, EventCreated, env.Event)
	assert.Equal(t, key, env.ID)
	assert.True(t, env.IsConnected)
	assert.Equal(t, key, decodeMap(t, env.Data)["id"])
}

func TestTransportCreateOfflineSucceedsImmediately(t *testing.T) {
	h := correlatedHarness(t, false)
	req := &requestRecorder{}

	key, ok := h.eng.Transport()(Request{Action: ActionCreate, URL: "todos/", Data: map[string]any{"title": "b"}, Success: req.success, Error: req.failure})
	require.True(t, ok)
	n, _ := req.counts()
	require.Equal(t, 1, n)
	assert.Equal(t, key, req.last().ID)
	assert.False(t, req.last().IsConnected)

	h.waitPending(1)
	h.store.RejectPending(errDenied)
	require.Eventually(t, func() bool { _, e := req.counts(); return e == 1 }, waitFor, waitTick)
	h.settle()
	n, _ = req.counts()
	assert.Equal(t, 1, n)
}

func TestTransportUpdateAndDelete(t *testing.T) {
	h := correlatedHarness(t, true)
	send := h.eng.Transport()

	upd := &requestRecorder{}
	_, ok := send(Request{Action: ActionUpdate, URL: "todos/a", Data: map[string]any{"done": true}, Success: upd.success, Error: upd.failure})
	require.True(t, ok)
	require.Eventually(t, func() bool { n, _ := upd.counts(); return n == 1 }, waitFor, waitTick)
	assert.Equal(t, EventUpdated, upd.last().Event)
	assert.Equal(t, map[string]any{"title": "a", "done": true, "id": "a"}, decodeMap(t, upd.last().Data))

	del := &requestRecorder{}
	_, ok = send(Request{Action: ActionDelete, URL: "todos/a", Success: del.success, Error: del.failure})
	require.True(t, ok)
	require.Eventually(t, func() bool { n, _ := del.counts(); return n == 1 }, waitFor, waitTick)
	assert.Equal(t, EventDeleted, del.last().Event)
	assert.Equal(t, "a", del.last().ID)
}

func TestTransportFailedWriteDropsCorrelation(t *testing.T) {
	h := correlatedHarness(t, true)
	h.store.FailWrites("todos", errDenied)

	req := &requestRecorder{}
	_, ok := h.eng.Transport()(Request{Action: ActionUpdate, URL: "todos/a", Data: map[string]any{"done": true}, Success: req.success, Error: req.failure})
	require.True(t, ok)
	require.Eventually(t, func() bool { _, e := req.counts(); return e == 1 }, waitFor, waitTick)

	h.store.ClearFailures()
	require.NoError(t, h.client.Update("todos/a", map[string]any{"done": false}).Wait(context.Background()))
	h.settle()
	n, _ := req.counts()
	assert.Zero(t, n)
}

func TestTransportRejectedRequestLeavesNoCorrelation(t *testing.T) {
	h := correlatedHarness(t, true)
	req := &requestRecorder{}
	send := h.eng.Transport()

	_, ok := send(Request{Action: ActionCreate, URL: "todos", Success: req.success})
	assert.False(t, ok)
	_, ok = send(Request{Action: ActionUpdate, URL: "todos/a", Data: []int{1}, Success: req.success})
	assert.False(t, ok)

	require.NoError(t, h.client.Set("todos/b", map[string]any{"title": "b"}).Wait(context.Background()))
	require.NoError(t, h.client.Update("todos/a", map[string]any{"title": "a2"}).Wait(context.Background()))
	h.settle()
	n, _ := req.counts()
	assert.Zero(t, n)
}

func TestTransportRead(t *testing.T) {
	h := correlatedHarness(t, true)
	send := h.eng.Transport()

	rec := &requestRecorder{}
	_, ok := send(Request{Action: ActionRead, URL: "todos/a", Success: rec.success, Error: rec.failure})
	require.True(t, ok)
	require.Eventually(t, func() bool { n, _ := rec.counts(); return n == 1 }, waitFor, waitTick)
	assert.Equal(t, map[string]any{"title": "a", "id": "a"}, decodeMap(t, rec.last().Data))

	coll := &requestRecorder{}
	_, ok = send(Request{Action: ActionRead, URL: "todos", IsCollection: true, Success: coll.success, Error: coll.failure})
	require.True(t, ok)
	require.Eventually(t, func() bool { n, _ := coll.counts(); return n == 1 }, waitFor, waitTick)
	assert.Equal(t, map[string]any{"a": map[string]any{"title": "a"}}, decodeMap(t, coll.last().Data))
}

func TestTransportOtherActions(t *testing.T) {
	h := correlatedHarness(t, true)
	send := h.eng.Transport()

	_, ok := send(Request{Action: ActionSearch, URL: "todos"})
	assert.True(t, ok)
	_, ok = send(Request{Action: Action("patch"), URL: "todos/a"})
	assert.False(t, ok)
	_, ok = send(Request{Action: ActionRead, URL: ""})
	assert.False(t, ok)
}

// heldBackend parks every Set until the test hands it a result. A nil
// result lets the write through to the store.
type heldBackend struct {
	*mock.Mock
	entered chan chan error
}

func (b *heldBackend) Set(ctx context.Context, location string, raw []byte) error {
	release := make(chan error, 1)
	b.entered <- release
	select {
	case err := <-release:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	return b.Mock.Set(ctx, location, raw)
}

func TestTransportLateFailureKeepsNewerCorrelation(t *testing.T) {
	store := mock.New(mock.WithConnected(false))
	backend := &heldBackend{Mock: store, entered: make(chan chan error, 2)}
	cfg := DefaultConfig()
	cfg.Collections = []string{"todos"}
	h := newHarnessOver(t, store, backend, cfg)
	h.start()
	send := h.eng.Transport()

	first := &requestRecorder{}
	_, ok := send(Request{Action: ActionCreate, URL: "todos", Data: map[string]any{"title": "a"}, Success: first.success, Error: first.failure})
	require.True(t, ok)
	releaseFirst := <-backend.entered

	h.reconnect()
	require.True(t, h.eng.Connected())

	second := &requestRecorder{}
	key, ok := send(Request{Action: ActionCreate, URL: "todos", Data: map[string]any{"title": "b"}, Success: second.success, Error: second.failure})
	require.True(t, ok)

	// writes run in issue order, so the second one waits behind the first
	releaseFirst <- errDenied
	require.Eventually(t, func() bool { _, n := first.counts(); return n == 1 }, waitFor, waitTick)

	releaseSecond := <-backend.entered
	releaseSecond <- nil
	require.Eventually(t, func() bool { n, _ := second.counts(); return n == 1 }, waitFor, waitTick)
	_, failed := second.counts()
	assert.Zero(t, failed)
	assert.Equal(t, key, second.last().ID)
	n, _ := first.counts()
	assert.Equal(t, 1, n)
}

func TestTransportUnwatchedCollectionRelaysOutcome(t *testing.T) {
	h := correlatedHarness(t, true)
	send := h.eng.Transport()

	created := &requestRecorder{}
	key, ok := send(Request{Action: ActionCreate, URL: "notes", Data: map[string]any{"text": "x"}, Success: created.success, Error: created.failure})
	require.True(t, ok)
	require.Eventually(t, func() bool { n, _ := created.counts(); return n == 1 }, waitFor, waitTick)
	assert.Equal(t, EventCreated, created.last().Event)
	assert.Equal(t, key, created.last().ID)

	updated := &requestRecorder{}
	_, ok = send(Request{Action: ActionUpdate, URL: "notes/" + key, Data: map[string]any{"text": "y"}, Success: updated.success, Error: updated.failure})
	require.True(t, ok)
	require.Eventually(t, func() bool { n, _ := updated.counts(); return n == 1 }, waitFor, waitTick)
	assert.Equal(t, EventUpdated, updated.last().Event)

	deleted := &requestRecorder{}
	_, ok = send(Request{Action: ActionDelete, URL: "notes/" + key, Success: deleted.success, Error: deleted.failure})
	require.True(t, ok)
	require.Eventually(t, func() bool { n, _ := deleted.counts(); return n == 1 }, waitFor, waitTick)
	assert.Equal(t, EventDeleted, deleted.last().Event)

	snap, err := h.client.Get(context.Background(), "notes/"+key)
	require.NoError(t, err)
	assert.False(t, snap.Exists())

	h.eng.mu.Lock()
	defer h.eng.mu.Unlock()
	assert.Empty(t, h.eng.correlations)
}
