package rtsync

import (
	"sort"

	"golang.org/x/exp/maps"

	"github.com/Ratio1/rtsync_sdk_go/pkg/rtdb"
)

type subKey struct {
	kind     rtdb.EventKind
	location string
}

type subscription struct {
	handler Handler
	// gen identifies the transport listener feeding this subscription so
	// that notifications queued before an unwatch are dropped.
	gen    uint64
	cancel func()
}

// registry holds at most one subscription per (kind, location).
type registry struct {
	subs    map[subKey]*subscription
	nextGen uint64
}

func newRegistry() *registry {
	return &registry{subs: map[subKey]*subscription{}}
}

// canWatch reports whether fn may be registered for (kind, location): fn
// must be set and the slot must be free unless overwrite is requested.
func (r *registry) canWatch(kind rtdb.EventKind, location string, fn Handler, overwrite bool) bool {
	if fn == nil {
		return false
	}
	_, taken := r.subs[subKey{kind, location}]
	return !taken || overwrite
}

// put registers fn. It returns the new subscription when a transport
// listener must be attached, or nil when an existing one was overwritten.
func (r *registry) put(kind rtdb.EventKind, location string, fn Handler) *subscription {
	key := subKey{kind, location}
	if sub, ok := r.subs[key]; ok {
		sub.handler = fn
		return nil
	}
	r.nextGen++
	sub := &subscription{handler: fn, gen: r.nextGen}
	r.subs[key] = sub
	return sub
}

func (r *registry) get(kind rtdb.EventKind, location string) *subscription {
	return r.subs[subKey{kind, location}]
}

// current reports whether sub is still the registered subscription.
func (r *registry) current(kind rtdb.EventKind, location string, gen uint64) *subscription {
	sub := r.subs[subKey{kind, location}]
	if sub == nil || sub.gen != gen {
		return nil
	}
	return sub
}

func (r *registry) remove(kind rtdb.EventKind, location string) *subscription {
	key := subKey{kind, location}
	sub := r.subs[key]
	delete(r.subs, key)
	return sub
}

func (r *registry) watching(location string) bool {
	for _, kind := range rtdb.Kinds {
		if _, ok := r.subs[subKey{kind, location}]; ok {
			return true
		}
	}
	return false
}

func (r *registry) locations() []string {
	seen := map[string]struct{}{}
	for key := range r.subs {
		seen[key.location] = struct{}{}
	}
	locs := maps.Keys(seen)
	sort.Strings(locs)
	return locs
}
