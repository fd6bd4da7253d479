// Package sandbox serves an in-memory realtime tree over the REST and stream
// protocols spoken by the rtdb HTTP backend, with optional latency, failure
// injection and bearer token checks.
package sandbox

import (
	"errors"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"github.com/Ratio1/rtsync_sdk_go/internal/rtdbapi"
	"github.com/Ratio1/rtsync_sdk_go/pkg/rtdb"
	"github.com/Ratio1/rtsync_sdk_go/pkg/rtdb/mock"
)

// Options configures a Server.
type Options struct {
	// Latency is added to every REST request.
	Latency time.Duration
	// FailRate is the share of REST requests answered with FailCode.
	FailRate float64
	FailCode int
	// Secret enables HS256 bearer token checks on every route but
	// /auth/token and /healthz.
	Secret   []byte
	TokenTTL time.Duration
}

// Server routes the REST and stream endpoints to a mock tree.
type Server struct {
	store    *mock.Mock
	opts     Options
	hub      *Hub
	router   *mux.Router
	upgrader websocket.Upgrader
}

// New builds a Server over store.
func New(store *mock.Mock, opts Options) *Server {
	if opts.FailCode == 0 {
		opts.FailCode = http.StatusInternalServerError
	}
	if opts.TokenTTL == 0 {
		opts.TokenTTL = time.Hour
	}
	s := &Server{
		store: store,
		opts:  opts,
		hub:   newHub(store),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/auth/token", s.handleToken).Methods(http.MethodPost)
	r.HandleFunc("/stream", s.withAuth(s.handleStream)).Methods(http.MethodGet)
	r.HandleFunc("/admin/fail", s.withAuth(s.handleFail)).Methods(http.MethodPost, http.MethodDelete)
	r.HandleFunc("/admin/drop", s.withAuth(s.handleDrop)).Methods(http.MethodPost)
	r.HandleFunc("/db/{location:.+}", s.withAuth(s.withInjection(s.handleDB))).
		Methods(http.MethodGet, http.MethodPut, http.MethodPatch, http.MethodDelete)
	s.router = r
	return s
}

// Handler returns the CORS wrapped router.
func (s *Server) Handler() http.Handler {
	return newCORS().Handler(s.router)
}

// Hub exposes the stream sessions.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Close drops every stream session.
func (s *Server) Close() {
	s.hub.Close()
}

func newCORS() *cors.Cors {
	return cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodPatch,
			http.MethodDelete,
		},
		AllowOriginFunc: func(origin string) bool {
			return true
		},
		AllowedHeaders: []string{"*"},
		MaxAge:         int(time.Hour / time.Second),
	})
}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if len(s.opts.Secret) == 0 {
			next(w, r)
			return
		}
		token, err := bearerToken(r)
		if err == nil {
			_, err = VerifyToken(s.opts.Secret, token)
		}
		if err != nil {
			glog.V(1).Infof("[sandbox]reject %s %s = %s", r.Method, r.URL.Path, err)
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next(w, r)
	}
}

func (s *Server) withInjection(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Latency > 0 {
			time.Sleep(s.opts.Latency)
		}
		if s.opts.FailRate > 0 && rand.Float64() < s.opts.FailRate {
			writeError(w, s.opts.FailCode, "failure injected")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeResult(w, map[string]any{"sessions": s.hub.Sessions()})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if len(s.opts.Secret) == 0 {
		writeError(w, http.StatusNotFound, "auth disabled")
		return
	}
	var payload struct {
		Subject string `json:"sub"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if payload.Subject == "" {
		payload.Subject = "sandbox"
	}
	token, err := IssueToken(s.opts.Secret, payload.Subject, s.opts.TokenTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeResult(w, map[string]string{"token": token})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[sandbox]upgrade error = %s", err)
		return
	}
	s.hub.serve(r.Context(), conn)
}

// handleFail makes writes under prefix fail with a permission error until
// cleared with DELETE.
func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodDelete {
		s.store.ClearFailures()
		writeResult(w, true)
		return
	}
	var payload struct {
		Prefix string `json:"prefix"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.store.FailWrites(payload.Prefix, rtdb.ErrPermissionDenied)
	writeResult(w, true)
}

func (s *Server) handleDrop(w http.ResponseWriter, r *http.Request) {
	writeResult(w, map[string]int{"dropped": s.hub.DropAll()})
}

func (s *Server) handleDB(w http.ResponseWriter, r *http.Request) {
	location := strings.TrimSuffix(mux.Vars(r)["location"], ".json")
	ctx := r.Context()

	var err error
	switch r.Method {
	case http.MethodGet:
		var data []byte
		if data, err = s.store.Get(ctx, location); err == nil {
			writeRaw(w, data)
			return
		}
	case http.MethodPut, http.MethodPatch:
		var body []byte
		if body, err = io.ReadAll(r.Body); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if !json.Valid(body) {
			writeError(w, http.StatusBadRequest, "body is not valid JSON")
			return
		}
		if r.Method == http.MethodPut {
			err = s.store.Set(ctx, location, body)
		} else {
			err = s.store.Update(ctx, location, body)
		}
	case http.MethodDelete:
		err = s.store.Remove(ctx, location)
	}
	if err != nil {
		glog.V(1).Infof("[sandbox]%s %s = %s", r.Method, location, err)
		writeError(w, statusOf(err), err.Error())
		return
	}
	writeResult(w, true)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, rtdb.ErrInvalidLocation):
		return http.StatusBadRequest
	case errors.Is(err, rtdb.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, rtdb.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, rtdb.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeResult(w http.ResponseWriter, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeRaw(w, raw)
}

func writeRaw(w http.ResponseWriter, raw []byte) {
	body, err := rtdbapi.EncodeResult(raw)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	body, _ := rtdbapi.EncodeError(msg)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}
