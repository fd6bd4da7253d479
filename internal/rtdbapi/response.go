// Package rtdbapi holds the wire formats shared by the REST backend, the
// stream transport and the sandbox server.
package rtdbapi

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

// Response is the envelope every REST endpoint answers with. Exactly one of
// Result or Error is meaningful.
type Response struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error,omitempty"`
}

// ErrRemote wraps error messages reported inside a response envelope.
var ErrRemote = errors.New("rtdbapi: remote error")

// ExtractResult unwraps a response envelope and returns the JSON stored under
// "result". Bodies that are not envelopes are returned unchanged so that
// plain JSON values remain readable. An empty body or a missing result
// yields a JSON null.
func ExtractResult(body []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return []byte("null"), nil
	}
	if trimmed[0] != '{' {
		return append([]byte(nil), trimmed...), nil
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, fmt.Errorf("rtdbapi: decode envelope: %w", err)
	}
	if msg, ok := envelope["error"]; ok {
		var text string
		if err := json.Unmarshal(msg, &text); err == nil && text != "" {
			return nil, fmt.Errorf("%w: %s", ErrRemote, text)
		}
	}
	result, ok := envelope["result"]
	if !ok {
		return append([]byte(nil), trimmed...), nil
	}
	if len(bytes.TrimSpace(result)) == 0 {
		return []byte("null"), nil
	}
	return append([]byte(nil), result...), nil
}

// DecodeResult decodes the payload obtained via ExtractResult into out.
func DecodeResult(body []byte, out any) error {
	payload, err := ExtractResult(body)
	if err != nil {
		return err
	}
	return json.Unmarshal(payload, out)
}

// EncodeResult wraps an already encoded JSON value in a response envelope.
func EncodeResult(raw []byte) ([]byte, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte("null")
	}
	return json.Marshal(Response{Result: json.RawMessage(raw)})
}

// EncodeError builds an error envelope.
func EncodeError(msg string) ([]byte, error) {
	return json.Marshal(Response{Result: json.RawMessage("null"), Error: msg})
}
