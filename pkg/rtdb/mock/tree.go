package mock

import (
	"reflect"
	"sort"

	"github.com/goccy/go-json"
)

// lookup walks segs from root. The root itself is returned for no segments.
func lookup(root map[string]any, segs []string) (any, bool) {
	var node any = root
	for _, seg := range segs {
		obj, ok := node.(map[string]any)
		if !ok {
			return nil, false
		}
		if node, ok = obj[seg]; !ok {
			return nil, false
		}
	}
	return node, true
}

// assign stores value at segs, creating intermediate objects. A nil value
// deletes the node and prunes parents left empty.
func assign(root map[string]any, segs []string, value any) {
	if len(segs) == 0 {
		return
	}
	if value == nil {
		remove(root, segs)
		return
	}
	node := root
	for _, seg := range segs[:len(segs)-1] {
		next, ok := node[seg].(map[string]any)
		if !ok {
			next = map[string]any{}
			node[seg] = next
		}
		node = next
	}
	node[segs[len(segs)-1]] = value
}

func remove(node map[string]any, segs []string) bool {
	if len(segs) == 1 {
		delete(node, segs[0])
		return len(node) == 0
	}
	child, ok := node[segs[0]].(map[string]any)
	if !ok {
		return len(node) == 0
	}
	if remove(child, segs[1:]) {
		delete(node, segs[0])
	}
	return len(node) == 0
}

// childrenOf returns the object children of node, or nil for leaves.
func childrenOf(node any) map[string]any {
	obj, _ := node.(map[string]any)
	return obj
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[k] = cloneValue(child)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = cloneValue(child)
		}
		return out
	default:
		return t
	}
}

func cloneChildren(root map[string]any, segs []string) map[string]any {
	node, ok := lookup(root, segs)
	if !ok {
		return map[string]any{}
	}
	children := childrenOf(node)
	out := make(map[string]any, len(children))
	for k, v := range children {
		out[k] = cloneValue(v)
	}
	return out
}

type childDiff struct {
	added   []string
	changed []string
	removed []string
}

func diffChildren(before, after map[string]any) childDiff {
	var d childDiff
	for key, next := range after {
		prev, ok := before[key]
		switch {
		case !ok:
			d.added = append(d.added, key)
		case !reflect.DeepEqual(prev, next):
			d.changed = append(d.changed, key)
		}
	}
	for key := range before {
		if _, ok := after[key]; !ok {
			d.removed = append(d.removed, key)
		}
	}
	sort.Strings(d.added)
	sort.Strings(d.changed)
	sort.Strings(d.removed)
	return d
}

func encode(v any) json.RawMessage {
	if v == nil {
		return json.RawMessage("null")
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return raw
}

func decode(raw []byte) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}
