// Package rtsync keeps an application's view of a realtime tree in step with
// the remote store while hiding latency and disconnection.
//
// Writes issued while the connection is down (or not yet confirmed) are
// reported to subscribers immediately and reconciled once the remote store
// answers: a rejected create is retracted with a removed event, a rejected
// update or delete is corrected by reading the remote value back. Echoes of
// the engine's own writes and the initial replay of existing children are
// not reported as new events.
//
// Transport notifications and write continuations run one at a time on the
// engine's delivery queue. Optimistic callbacks run on the goroutine that
// issued the write, before the write method returns.
package rtsync
