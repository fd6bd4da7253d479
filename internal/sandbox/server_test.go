package sandbox

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ratio1/rtsync_sdk_go/internal/rtdbapi"
	"github.com/Ratio1/rtsync_sdk_go/pkg/rtdb/mock"
)

func newTestServer(t *testing.T, opts Options) (*Server, *httptest.Server) {
	t.Helper()
	store := mock.New()
	srv := New(store, opts)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
		store.Close()
	})
	return srv, ts
}

func doRequest(t *testing.T, method, url, token, body string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func TestServerRESTRoundTrip(t *testing.T) {
	_, ts := newTestServer(t, Options{})

	status, _ := doRequest(t, http.MethodPut, ts.URL+"/db/todos/a.json", "", `{"title":"milk"}`)
	require.Equal(t, http.StatusOK, status)
	status, _ = doRequest(t, http.MethodPatch, ts.URL+"/db/todos/a.json", "", `{"done":true}`)
	require.Equal(t, http.StatusOK, status)

	status, body := doRequest(t, http.MethodGet, ts.URL+"/db/todos/a.json", "", "")
	require.Equal(t, http.StatusOK, status)
	result, err := rtdbapi.ExtractResult(body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"milk","done":true}`, string(result))

	status, _ = doRequest(t, http.MethodDelete, ts.URL+"/db/todos/a.json", "", "")
	require.Equal(t, http.StatusOK, status)
	_, body = doRequest(t, http.MethodGet, ts.URL+"/db/todos.json", "", "")
	result, err = rtdbapi.ExtractResult(body)
	require.NoError(t, err)
	assert.Equal(t, "null", string(result))
}

func TestServerRejectsBadInput(t *testing.T) {
	_, ts := newTestServer(t, Options{})

	status, _ := doRequest(t, http.MethodPut, ts.URL+"/db/todos/a.json", "", `{nope`)
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = doRequest(t, http.MethodPut, ts.URL+"/db/todos/a$b.json", "", `1`)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestServerFailureInjection(t *testing.T) {
	_, ts := newTestServer(t, Options{})

	status, _ := doRequest(t, http.MethodPost, ts.URL+"/admin/fail", "", `{"prefix":"locked"}`)
	require.Equal(t, http.StatusOK, status)
	status, body := doRequest(t, http.MethodPut, ts.URL+"/db/locked/a.json", "", `1`)
	assert.Equal(t, http.StatusForbidden, status)
	_, err := rtdbapi.ExtractResult(body)
	assert.ErrorIs(t, err, rtdbapi.ErrRemote)

	status, _ = doRequest(t, http.MethodDelete, ts.URL+"/admin/fail", "", "")
	require.Equal(t, http.StatusOK, status)
	status, _ = doRequest(t, http.MethodPut, ts.URL+"/db/locked/a.json", "", `1`)
	assert.Equal(t, http.StatusOK, status)

	_, always := newTestServer(t, Options{FailRate: 1, FailCode: http.StatusServiceUnavailable})
	status, _ = doRequest(t, http.MethodGet, always.URL+"/db/todos.json", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, status)
}

func TestServerAuth(t *testing.T) {
	secret := []byte("s3cret")
	_, ts := newTestServer(t, Options{Secret: secret})

	status, _ := doRequest(t, http.MethodGet, ts.URL+"/db/todos.json", "", "")
	assert.Equal(t, http.StatusUnauthorized, status)

	forged, err := IssueToken([]byte("other"), "eve", time.Minute)
	require.NoError(t, err)
	status, _ = doRequest(t, http.MethodGet, ts.URL+"/db/todos.json", forged, "")
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body := doRequest(t, http.MethodPost, ts.URL+"/auth/token", "", `{"sub":"ann"}`)
	require.Equal(t, http.StatusOK, status)
	var issued struct {
		Token string `json:"token"`
	}
	require.NoError(t, rtdbapi.DecodeResult(body, &issued))

	sub, err := VerifyToken(secret, issued.Token)
	require.NoError(t, err)
	assert.Equal(t, "ann", sub)
	status, _ = doRequest(t, http.MethodGet, ts.URL+"/db/todos.json", issued.Token, "")
	assert.Equal(t, http.StatusOK, status)
}

func TestServerStreamsSnapshots(t *testing.T) {
	srv, ts := newTestServer(t, Options{})
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/stream"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	hello := readFrame(t, conn)
	assert.Equal(t, rtdbapi.OpHello, hello.Op)
	assert.NotEmpty(t, hello.Session)
	assert.Eventually(t, func() bool { return srv.Hub().Sessions() == 1 }, time.Second, 5*time.Millisecond)

	listen, err := rtdbapi.EncodeFrame(rtdbapi.Frame{Op: rtdbapi.OpListen, Path: "todos"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, listen))

	first := readFrame(t, conn)
	assert.Equal(t, rtdbapi.OpSnapshot, first.Op)
	assert.Equal(t, "todos", first.Path)
	assert.Equal(t, "null", string(bytes.TrimSpace(first.Data)))

	status, _ := doRequest(t, http.MethodPut, ts.URL+"/db/todos/a.json", "", `{"title":"milk"}`)
	require.Equal(t, http.StatusOK, status)

	next := readFrame(t, conn)
	children, err := next.Children()
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"milk"}`, string(children["a"]))

	status, body := doRequest(t, http.MethodPost, ts.URL+"/admin/drop", "", "")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `"dropped":1`)
}

func readFrame(t *testing.T, conn *websocket.Conn) rtdbapi.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	frame, err := rtdbapi.DecodeFrame(data)
	require.NoError(t, err)
	return frame
}
