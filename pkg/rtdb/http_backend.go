package rtdb

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Ratio1/rtsync_sdk_go/internal/httpx"
	"github.com/Ratio1/rtsync_sdk_go/internal/rtdbapi"
)

// Option configures the HTTP backend built by New.
type Option func(*httpOptions)

type httpOptions struct {
	token      string
	streamURL  string
	httpClient *http.Client
	retries    int
	stream     *StreamSettings
}

// WithToken authenticates REST calls and the stream with a bearer JWT.
func WithToken(token string) Option {
	return func(o *httpOptions) {
		o.token = strings.TrimSpace(token)
	}
}

// WithStreamURL overrides the websocket endpoint. By default it is derived
// from the base URL ("ws(s)://host/stream").
func WithStreamURL(streamURL string) Option {
	return func(o *httpOptions) {
		o.streamURL = strings.TrimSpace(streamURL)
	}
}

// WithHTTPClient overrides the HTTP client used for REST calls.
func WithHTTPClient(h *http.Client) Option {
	return func(o *httpOptions) {
		o.httpClient = h
	}
}

// WithMaxRetries bounds retries of transient REST failures.
func WithMaxRetries(n int) Option {
	return func(o *httpOptions) {
		o.retries = n
	}
}

// WithStreamSettings overrides the stream timeouts and reconnect delays.
func WithStreamSettings(settings *StreamSettings) Option {
	return func(o *httpOptions) {
		o.stream = settings
	}
}

// New returns a Client for the REST and stream endpoints served at baseURL.
// The stream connects in the background; OnConnection reports its state.
func New(baseURL string, opts ...Option) (*Client, error) {
	o := &httpOptions{retries: httpx.DefaultRetryPolicy.MaxRetries}
	for _, opt := range opts {
		opt(o)
	}
	if o.token != "" {
		if err := checkToken(o.token); err != nil {
			return nil, err
		}
	}

	policy := httpx.DefaultRetryPolicy
	policy.MaxRetries = o.retries
	httpOpts := []httpx.Option{httpx.WithRetryPolicy(policy), httpx.WithBearerToken(o.token)}
	if o.httpClient != nil {
		httpOpts = append(httpOpts, httpx.WithHTTPClient(o.httpClient))
	}
	cl, err := httpx.NewClient(baseURL, httpOpts...)
	if err != nil {
		return nil, err
	}

	streamURL := o.streamURL
	if streamURL == "" {
		if streamURL, err = deriveStreamURL(baseURL); err != nil {
			return nil, err
		}
	}
	settings := o.stream
	if settings == nil {
		settings = DefaultStreamSettings()
	}
	header := http.Header{}
	if o.token != "" {
		header.Set("Authorization", "Bearer "+o.token)
	}

	b := &httpBackend{
		client: cl,
		stream: newStream(streamURL, header, settings),
	}
	return NewWithBackend(b), nil
}

// checkToken rejects malformed or expired tokens before any request is sent.
// The signature is verified by the server.
func checkToken(token string) error {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return fmt.Errorf("rtdb: malformed token: %w", err)
	}
	if claims.ExpiresAt != nil && claims.ExpiresAt.Before(time.Now()) {
		return fmt.Errorf("%w: token expired at %s", ErrPermissionDenied, claims.ExpiresAt.Time)
	}
	return nil
}

func deriveStreamURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("rtdb: invalid base URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/stream"
	u.RawQuery = ""
	return u.String(), nil
}

type httpBackend struct {
	client *httpx.Client
	stream *stream
}

func (b *httpBackend) Set(ctx context.Context, location string, raw []byte) error {
	if isNull(raw) {
		return b.Remove(ctx, location)
	}
	return b.write(ctx, http.MethodPut, location, raw)
}

func (b *httpBackend) Update(ctx context.Context, location string, raw []byte) error {
	return b.write(ctx, http.MethodPatch, location, raw)
}

func (b *httpBackend) Remove(ctx context.Context, location string) error {
	return b.write(ctx, http.MethodDelete, location, nil)
}

// write sends a mutation and then lets the stream catch up with it.
func (b *httpBackend) write(ctx context.Context, method, location string, body []byte) error {
	if _, err := b.do(ctx, method, location, body); err != nil {
		return err
	}
	b.stream.sync(ctx)
	return nil
}

func (b *httpBackend) Get(ctx context.Context, location string) ([]byte, error) {
	return b.do(ctx, http.MethodGet, location, nil)
}

func (b *httpBackend) Listen(location string, kind EventKind, fn func(Snapshot)) (func(), error) {
	return b.stream.listen(location, kind, fn)
}

func (b *httpBackend) OnConnection(fn func(bool)) func() {
	return b.stream.onConnection(fn)
}

func (b *httpBackend) Close() error {
	b.stream.close()
	return nil
}

func (b *httpBackend) do(ctx context.Context, method, location string, body []byte) ([]byte, error) {
	req := &httpx.Request{
		Method: method,
		Path:   restPath(location),
		Body:   body,
	}
	if body != nil {
		req.Header = http.Header{"Content-Type": []string{"application/json"}}
	}
	resp, err := b.client.Do(ctx, req)
	if err != nil {
		return nil, mapError(method, location, err)
	}
	data, err := httpx.ReadAllAndClose(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("rtdb: read %s response: %w", location, err)
	}
	result, err := rtdbapi.ExtractResult(data)
	if err != nil {
		return nil, fmt.Errorf("rtdb: %s %s: %w", method, location, err)
	}
	return result, nil
}

func restPath(location string) string {
	segs := Split(location)
	for i, seg := range segs {
		segs[i] = url.PathEscape(seg)
	}
	return "/db/" + strings.Join(segs, Separator) + ".json"
}

func mapError(method, location string, err error) error {
	var httpErr *httpx.HTTPError
	if errors.As(err, &httpErr) {
		msg := string(httpErr.Body)
		if _, remote := rtdbapi.ExtractResult(httpErr.Body); remote != nil {
			msg = remote.Error()
		}
		switch {
		case httpErr.Unauthorized():
			return fmt.Errorf("%w: %s %s: %s", ErrPermissionDenied, method, location, msg)
		case httpErr.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrNotFound, location)
		}
	}
	return fmt.Errorf("rtdb: %s %s: %w", method, location, err)
}
