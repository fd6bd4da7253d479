// Package serial runs tasks one at a time, in submission order, on a single
// worker goroutine. It is the logical thread on which change notifications
// and write continuations are delivered.
package serial

import (
	"errors"
	"fmt"
	"sync"

	"github.com/golang/glog"
)

// ErrClosed is returned when submitting to a closed dispatcher.
var ErrClosed = errors.New("serial: dispatcher closed")

// Dispatcher executes queued tasks sequentially. The queue is unbounded so a
// running task may enqueue more work without blocking.
type Dispatcher struct {
	mu      sync.Mutex
	queue   []func()
	closed  bool
	wake    chan struct{}
	stopped chan struct{}
}

// New starts a dispatcher whose queue is pre-sized to capacity.
func New(capacity int) *Dispatcher {
	if capacity <= 0 {
		capacity = 64
	}
	d := &Dispatcher{
		queue:   make([]func(), 0, capacity),
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	go d.run()
	return d
}

// Go enqueues fn and returns immediately.
func (d *Dispatcher) Go(fn func()) error {
	if fn == nil {
		return nil
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.queue = append(d.queue, fn)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return nil
}

// Dispatch enqueues fn and waits for it to finish, returning its error.
// It must not be called from a task running on the same dispatcher.
func (d *Dispatcher) Dispatch(fn func() error) error {
	errc := make(chan error, 1)
	err := d.Go(func() {
		var taskErr error
		defer func() {
			if r := recover(); r != nil {
				taskErr = fmt.Errorf("serial: task panic: %v", r)
			}
			errc <- taskErr
		}()
		taskErr = fn()
	})
	if err != nil {
		return err
	}
	return <-errc
}

// Flush waits until every task queued before the call has run.
func (d *Dispatcher) Flush() error {
	return d.Dispatch(func() error { return nil })
}

// Pending reports the number of queued tasks that have not started.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Close stops accepting tasks, runs what is already queued and waits for the
// worker to exit. Calling Close more than once is safe.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.stopped
		return
	}
	d.closed = true
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	<-d.stopped
}

func (d *Dispatcher) run() {
	defer close(d.stopped)
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			closed := d.closed
			d.mu.Unlock()
			if closed {
				return
			}
			<-d.wake
			continue
		}
		fn := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.mu.Unlock()

		d.invoke(fn)
	}
}

func (d *Dispatcher) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("[serial]task panic = %v", r)
		}
	}()
	fn()
}
