package rtsync

import "errors"

var (
	// ErrRunning is returned when configuring an engine that already started.
	ErrRunning = errors.New("rtsync: engine already running")
	// ErrClosed is returned by operations on a closed engine.
	ErrClosed = errors.New("rtsync: engine closed")
	// ErrNoClient is returned when an engine is built without a client.
	ErrNoClient = errors.New("rtsync: client is nil")
)
