package rtdb

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanLocation(t *testing.T) {
	cases := map[string]string{
		"todos":           "todos",
		"/todos/":         "todos",
		" users/u1/items ": "users/u1/items",
	}
	for in, want := range cases {
		got, err := CleanLocation(in)
		assert.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, bad := range []string{"", "/", "a//b", "a/b.c", "a/#", "x/$y", "a/[0]"} {
		_, err := CleanLocation(bad)
		assert.True(t, errors.Is(err, ErrInvalidLocation), bad)
	}
}

func TestLocationHelpers(t *testing.T) {
	assert.True(t, IsCollection("todos/"))
	assert.False(t, IsCollection("todos/a"))

	assert.Equal(t, "todos/", Collection("/todos"))
	assert.Equal(t, "todos/", Collection("todos/"))
	assert.Equal(t, "/", Collection(""))

	assert.Equal(t, "users/u1/", Parent("users/u1/todo"))
	assert.Equal(t, "/", Parent("todos"))

	assert.Equal(t, "todo", Key("users/u1/todo"))
	assert.Equal(t, "todos", Key("/todos/"))

	assert.Equal(t, "a/b/c", Join("a/", "/b", "", "c"))
	assert.Equal(t, []string{"a", "b"}, Split("/a/b/"))
	assert.Nil(t, Split("/"))
}

func TestRestPathEscapesSegments(t *testing.T) {
	assert.Equal(t, "/db/todos/a%20b.json", restPath("todos/a b"))
}
