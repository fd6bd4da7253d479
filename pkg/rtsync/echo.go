package rtsync

import "github.com/Ratio1/rtsync_sdk_go/pkg/rtdb"

type echoState uint8

const (
	// echoNone: the key has not been observed at the location.
	echoNone echoState = iota
	// echoReplaying: the key was seen only through the replay that follows
	// attaching a watch.
	echoReplaying
	// echoConfirmed: the key was reported live or restored by a correction.
	echoConfirmed
)

// echoSuppressor tracks, per watched collection, which keys were already
// observed so that the replay of existing children is not reported as new.
type echoSuppressor struct {
	keys map[string]map[string]echoState
}

func newEchoSuppressor() *echoSuppressor {
	return &echoSuppressor{keys: map[string]map[string]echoState{}}
}

func (s *echoSuppressor) track(location string) {
	if _, ok := s.keys[location]; !ok {
		s.keys[location] = map[string]echoState{}
	}
}

func (s *echoSuppressor) drop(location string) {
	delete(s.keys, location)
}

func (s *echoSuppressor) state(location, key string) echoState {
	return s.keys[location][key]
}

// observe records an added notification and reports whether it must be
// swallowed. A replayed key is swallowed once; a live key fires.
func (s *echoSuppressor) observe(location, key string, replay bool) bool {
	table, ok := s.keys[location]
	if !ok {
		return false
	}
	if replay {
		if table[key] != echoNone {
			return true
		}
		table[key] = echoReplaying
		return true
	}
	table[key] = echoConfirmed
	return false
}

func (s *echoSuppressor) confirm(location, key string) {
	if table, ok := s.keys[location]; ok {
		table[key] = echoConfirmed
	}
}

func (s *echoSuppressor) forget(location, key string) {
	if table, ok := s.keys[location]; ok {
		delete(table, key)
	}
}

type pendingKey struct {
	kind     rtdb.EventKind
	location string
	key      string
}

// pendingFlags hold one token per optimistic write whose remote echo has not
// arrived. Writes to one record are applied in issue order, so an echo
// consumes the oldest token. A write that resolves without an echo settles
// its own token, so it cannot swallow a later notification.
type pendingFlags struct {
	next   uint64
	tokens map[pendingKey][]uint64
}

func newPendingFlags() *pendingFlags {
	return &pendingFlags{tokens: map[pendingKey][]uint64{}}
}

func (p *pendingFlags) arm(kind rtdb.EventKind, location, key string) uint64 {
	p.next++
	k := pendingKey{kind, location, key}
	p.tokens[k] = append(p.tokens[k], p.next)
	return p.next
}

// consume removes the oldest token and reports whether there was one.
func (p *pendingFlags) consume(kind rtdb.EventKind, location, key string) bool {
	k := pendingKey{kind, location, key}
	queue := p.tokens[k]
	if len(queue) == 0 {
		return false
	}
	if len(queue) == 1 {
		delete(p.tokens, k)
	} else {
		p.tokens[k] = queue[1:]
	}
	return true
}

// settle removes token if its echo never consumed it.
func (p *pendingFlags) settle(kind rtdb.EventKind, location, key string, token uint64) {
	k := pendingKey{kind, location, key}
	queue := p.tokens[k]
	for i, t := range queue {
		if t != token {
			continue
		}
		queue = append(queue[:i:i], queue[i+1:]...)
		if len(queue) == 0 {
			delete(p.tokens, k)
		} else {
			p.tokens[k] = queue
		}
		return
	}
}

func (p *pendingFlags) armed(kind rtdb.EventKind, location, key string) int {
	return len(p.tokens[pendingKey{kind, location, key}])
}

func (p *pendingFlags) dropLocation(location string) {
	for k := range p.tokens {
		if k.location == location {
			delete(p.tokens, k)
		}
	}
}
