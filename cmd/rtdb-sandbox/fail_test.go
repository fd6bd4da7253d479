package main

import (
	"net/http"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestParseFailConfig(t *testing.T) {
	cfg, err := parseFailConfig("")
	assert.Equal(t, err, nil)
	assert.Equal(t, cfg, failConfig{})

	cfg, err = parseFailConfig("rate=0.25")
	assert.Equal(t, err, nil)
	assert.Equal(t, cfg, failConfig{rate: 0.25, code: http.StatusInternalServerError})

	cfg, err = parseFailConfig(" rate=1 , code=503 ,")
	assert.Equal(t, err, nil)
	assert.Equal(t, cfg, failConfig{rate: 1, code: http.StatusServiceUnavailable})

	for _, raw := range []string{"rate", "rate=x", "rate=2", "code=abc", "delay=1"} {
		_, err := parseFailConfig(raw)
		assert.NotEqual(t, err, nil)
	}
}
