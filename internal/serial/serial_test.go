package serial

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestDispatcherSerializesExecution(t *testing.T) {
	d := New(16)
	defer d.Close()

	var executing int32
	var overlap int32
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := d.Dispatch(func() error {
				if atomic.AddInt32(&executing, 1) != 1 {
					atomic.StoreInt32(&overlap, 1)
				}
				time.Sleep(50 * time.Microsecond)
				atomic.AddInt32(&executing, -1)
				return nil
			})
			assert.Equal(t, err, nil)
		}()
	}

	wg.Wait()
	assert.Equal(t, atomic.LoadInt32(&overlap), int32(0))
}

func TestDispatcherPreservesOrder(t *testing.T) {
	d := New(4)
	defer d.Close()

	var got []int
	for i := 0; i < 50; i++ {
		i := i
		assert.Equal(t, d.Go(func() { got = append(got, i) }), nil)
	}
	assert.Equal(t, d.Flush(), nil)

	assert.Equal(t, len(got), 50)
	for i, v := range got {
		assert.Equal(t, v, i)
	}
}

func TestDispatcherNestedGo(t *testing.T) {
	d := New(1)
	defer d.Close()

	var order []string
	done := make(chan struct{})
	d.Go(func() {
		order = append(order, "outer")
		d.Go(func() {
			order = append(order, "inner")
			close(done)
		})
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("nested task did not run")
	}
	assert.Equal(t, order, []string{"outer", "inner"})
}

func TestDispatcherReturnsTaskError(t *testing.T) {
	d := New(1)
	defer d.Close()

	boom := errors.New("boom")
	assert.Equal(t, d.Dispatch(func() error { return boom }), boom)
}

func TestDispatcherRecoversPanics(t *testing.T) {
	d := New(1)
	defer d.Close()

	err := d.Dispatch(func() error { panic("kaboom") })
	assert.NotEqual(t, err, nil)

	d.Go(func() { panic("again") })
	assert.Equal(t, d.Flush(), nil)
}

func TestDispatcherClose(t *testing.T) {
	d := New(4)

	var ran int32
	for i := 0; i < 10; i++ {
		d.Go(func() { atomic.AddInt32(&ran, 1) })
	}
	d.Close()
	d.Close()

	assert.Equal(t, atomic.LoadInt32(&ran), int32(10))
	assert.Equal(t, errors.Is(d.Go(func() {}), ErrClosed), true)
	assert.Equal(t, errors.Is(d.Dispatch(func() error { return nil }), ErrClosed), true)
}
