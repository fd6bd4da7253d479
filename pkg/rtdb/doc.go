// Package rtdb is a client for a hierarchical realtime data store. Records
// live at slash-delimited locations; a location ending in "/" names a
// collection whose children are keyed records. The Client exposes
// non-blocking writes (Set/Update/Remove return a pending Write), one-shot
// reads, per-location child listeners and a connectivity signal. The HTTP
// backend talks to the REST surface served by cmd/rtdb-sandbox and receives
// change notifications over a websocket stream; the mock subpackage provides
// an in-memory tree with the same Backend contract.
package rtdb
