package rtdb

import (
	"context"
	"sync"
)

// Write is a remote write that has been issued but may not have completed.
// It resolves exactly once, with a nil error on success.
type Write struct {
	location string

	mu       sync.Mutex
	done     chan struct{}
	err      error
	resolved bool
	thens    []func(error)
}

func newWrite(location string) *Write {
	return &Write{location: location, done: make(chan struct{})}
}

func failedWrite(location string, err error) *Write {
	w := newWrite(location)
	w.resolve(err)
	return w
}

// Location is the location the write targets.
func (w *Write) Location() string {
	return w.location
}

// Done is closed once the write resolves.
func (w *Write) Done() <-chan struct{} {
	return w.done
}

// Resolved reports whether the write has completed.
func (w *Write) Resolved() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.resolved
}

// Err returns the outcome of a resolved write, or nil while pending.
func (w *Write) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Wait blocks until the write resolves or ctx is done.
func (w *Write) Wait(ctx context.Context) error {
	select {
	case <-w.done:
		return w.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Then registers fn to run with the outcome. Continuations run once, in
// registration order, on the goroutine that resolves the write; fn runs
// immediately when the write already resolved.
func (w *Write) Then(fn func(error)) {
	if fn == nil {
		return
	}
	w.mu.Lock()
	if w.resolved {
		err := w.err
		w.mu.Unlock()
		fn(err)
		return
	}
	w.thens = append(w.thens, fn)
	w.mu.Unlock()
}

func (w *Write) resolve(err error) bool {
	w.mu.Lock()
	if w.resolved {
		w.mu.Unlock()
		return false
	}
	w.resolved = true
	w.err = err
	thens := w.thens
	w.thens = nil
	close(w.done)
	w.mu.Unlock()

	for _, fn := range thens {
		fn(err)
	}
	return true
}
