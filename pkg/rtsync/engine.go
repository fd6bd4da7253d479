package rtsync

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang/glog"

	"github.com/Ratio1/rtsync_sdk_go/internal/serial"
	"github.com/Ratio1/rtsync_sdk_go/pkg/rtdb"
)

type declaration struct {
	location string
	handler  EnvelopeHandler
}

// Engine reconciles optimistic writes with the notifications of a realtime
// tree. Application callbacks never run concurrently with each other. They
// may call Create, Update, Delete and Read, but not Flush or Close.
type Engine struct {
	client     *rtdb.Client
	ownsClient bool

	// queue is the single logical thread for notifications and write
	// continuations
	queue   *serial.Dispatcher
	monitor *monitor
	// callbacks is held while application callbacks run, on the queue or on
	// the goroutine of an offline write
	callbacks sync.Mutex

	mu           sync.Mutex
	cfg          Config
	running      bool
	closed       bool
	declared     []declaration
	subs         *registry
	echo         *echoSuppressor
	pending      *pendingFlags
	correlations map[corrKey]correlation
	nextCorr     uint64

	stopConn func()
	ctx      context.Context
	cancel   context.CancelFunc
}

// New builds an engine over client. The connection signal is observed right
// away but nothing is reported before Start.
func New(client *rtdb.Client, cfg Config) (*Engine, error) {
	if client == nil {
		return nil, ErrNoClient
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		client:       client,
		queue:        serial.New(256),
		cfg:          cfg,
		subs:         newRegistry(),
		echo:         newEchoSuppressor(),
		pending:      newPendingFlags(),
		correlations: map[corrKey]correlation{},
		ctx:          ctx,
		cancel:       cancel,
	}
	e.monitor = newMonitor(e.invoke)
	e.monitor.setChanged(cfg.ConnectionChanged)
	e.stopConn = client.OnConnection(func(up bool) {
		e.post(func() { e.monitor.update(up) })
	})
	return e, nil
}

// Configure replaces the configuration. It fails with ErrRunning once the
// engine started.
func (e *Engine) Configure(cfg Config) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return ErrRunning
	}
	e.cfg = cfg
	e.monitor.setChanged(cfg.ConnectionChanged)
	return nil
}

// Config returns the current configuration.
func (e *Engine) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Declare registers a collection to be watched by Start. h receives an
// envelope for every created, updated and deleted record.
func (e *Engine) Declare(location string, h EnvelopeHandler) error {
	if _, err := rtdb.CleanLocation(location); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return ErrRunning
	}
	e.declared = append(e.declared, declaration{location: location, handler: h})
	return nil
}

// Start enters the running phase: the connection state is primed from the
// last signal, every declared collection is watched, and from then on
// connectivity transitions reach Config.ConnectionChanged.
func (e *Engine) Start() error {
	e.mu.Lock()
	switch {
	case e.closed:
		e.mu.Unlock()
		return ErrClosed
	case e.running:
		e.mu.Unlock()
		return ErrRunning
	}
	e.running = true
	declared := append([]declaration(nil), e.declared...)
	for _, loc := range e.cfg.Collections {
		declared = append(declared, declaration{location: loc})
	}
	e.mu.Unlock()

	return e.queue.Dispatch(func() error {
		e.callbacks.Lock()
		defer e.callbacks.Unlock()
		e.monitor.start()
		for _, d := range declared {
			if err := e.WatchCollection(d.location, d.handler); err != nil {
				return fmt.Errorf("rtsync: watch %s: %w", d.location, err)
			}
		}
		e.monitor.markInitialized()
		glog.V(1).Infof("[rtsync]started collections=%d connection=%s", len(declared), e.monitor.current())
		return nil
	})
}

// Running reports whether Start completed.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Flush waits until every queued notification and continuation ran.
func (e *Engine) Flush() error {
	return e.queue.Flush()
}

// Close detaches every listener and drains the delivery queue. A client
// created by NewFromEnv is closed as well.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	locs := e.subs.locations()
	e.mu.Unlock()

	e.stopConn()
	for _, loc := range locs {
		e.Unwatch(loc)
	}
	e.cancel()
	e.queue.Close()
	if e.ownsClient {
		return e.client.Close()
	}
	return nil
}

// Client returns the underlying realtime tree client.
func (e *Engine) Client() *rtdb.Client {
	return e.client
}

// OnConnected registers fn for every transition into the connected state.
func (e *Engine) OnConnected(fn func()) func() {
	return e.monitor.subscribe(true, fn)
}

// OnDisconnected registers fn for every transition into the disconnected
// state.
func (e *Engine) OnDisconnected(fn func()) func() {
	return e.monitor.subscribe(false, fn)
}

// IsConnected calls fn once with the current connection state.
func (e *Engine) IsConnected(fn func(connected bool)) {
	if fn == nil {
		return
	}
	connected := e.monitor.connected()
	e.local(func() {
		e.invoke("isConnected", func() error { fn(connected); return nil })
	})
}

// Connected reports whether the connection is known to be up.
func (e *Engine) Connected() bool {
	return e.monitor.connected()
}

// post queues fn on the delivery queue.
func (e *Engine) post(fn func()) {
	e.queue.Go(func() {
		e.callbacks.Lock()
		defer e.callbacks.Unlock()
		fn()
	})
}

// local runs fn on the calling goroutine when no callback is running.
// Otherwise, including when called from inside a callback, fn is queued
// behind the running one.
func (e *Engine) local(fn func()) {
	if !e.callbacks.TryLock() {
		e.post(fn)
		return
	}
	defer e.callbacks.Unlock()
	fn()
}

// invoke runs an application callback. Panics and returned errors are
// logged; they never reach the caller.
func (e *Engine) invoke(name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("[rtsync]%s callback panic = %v", name, r)
		}
	}()
	if err := fn(); err != nil {
		glog.Infof("[rtsync]%s callback error = %s", name, err)
	}
}
