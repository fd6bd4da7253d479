package rtsync

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Ratio1/rtsync_sdk_go/pkg/rtdb"
)

func TestEchoSuppressorReplay(t *testing.T) {
	s := newEchoSuppressor()
	assert.False(t, s.observe("todos/", "a", true), "untracked location")

	s.track("todos/")
	assert.True(t, s.observe("todos/", "a", true))
	assert.Equal(t, echoReplaying, s.state("todos/", "a"))
	assert.True(t, s.observe("todos/", "a", true))

	assert.False(t, s.observe("todos/", "b", false))
	assert.Equal(t, echoConfirmed, s.state("todos/", "b"))
	assert.True(t, s.observe("todos/", "b", true))

	s.forget("todos/", "b")
	assert.Equal(t, echoNone, s.state("todos/", "b"))
	s.drop("todos/")
	assert.False(t, s.observe("todos/", "a", true))
}

func TestPendingFlagsTokens(t *testing.T) {
	p := newPendingFlags()
	first := p.arm(rtdb.ChildChanged, "todos/", "a")
	second := p.arm(rtdb.ChildChanged, "todos/", "a")
	p.arm(rtdb.ChildRemoved, "notes/", "a")
	assert.Equal(t, 2, p.armed(rtdb.ChildChanged, "todos/", "a"))

	assert.False(t, p.consume(rtdb.ChildAdded, "todos/", "a"))
	// the oldest write echoes first
	assert.True(t, p.consume(rtdb.ChildChanged, "todos/", "a"))
	p.settle(rtdb.ChildChanged, "todos/", "a", first)
	assert.Equal(t, 1, p.armed(rtdb.ChildChanged, "todos/", "a"))

	// a write without an echo takes only its own token
	p.settle(rtdb.ChildChanged, "todos/", "a", second)
	assert.Zero(t, p.armed(rtdb.ChildChanged, "todos/", "a"))
	assert.False(t, p.consume(rtdb.ChildChanged, "todos/", "a"))

	p.dropLocation("notes/")
	assert.Empty(t, p.tokens)
}

func TestInjectKey(t *testing.T) {
	raw := injectKey([]byte(`{"id":"x","n":1}`), "id", "k", false)
	assert.JSONEq(t, `{"id":"x","n":1}`, string(raw))
	raw = injectKey([]byte(`{"id":"x","n":1}`), "id", "k", true)
	assert.JSONEq(t, `{"id":"k","n":1}`, string(raw))
	assert.Equal(t, "5", string(injectKey([]byte(`5`), "id", "k", true)))
	assert.Equal(t, `{"n":1}`, string(injectKey([]byte(`{"n":1}`), "", "k", true)))
}
