// Package api exposes the chat, schedule and notification engines over HTTP.
//
// Every /api route resolves the calling actor from the X-Actor-ID header or the
// actor query parameter against the configured user directory. Operations that
// the engines treat as no-ops answer 404; successful mutations without a body
// answer 204.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/farewell/farewelld/internal/chat"
	"github.com/farewell/farewelld/internal/identity"
	"github.com/farewell/farewelld/internal/logging"
	"github.com/farewell/farewelld/internal/metrics"
	"github.com/farewell/farewelld/internal/notify"
	"github.com/farewell/farewelld/internal/realtime"
	"github.com/farewell/farewelld/internal/schedule"
	"github.com/farewell/farewelld/internal/workflow"
	"github.com/rs/zerolog"
)

// ActorHeader carries the caller's user id.
const ActorHeader = "X-Actor-ID"

// Deps are the collaborators the server routes to. Files, Hub and Store may be
// nil, in which case their routes are not registered.
type Deps struct {
	Directory *identity.Directory
	Chat      *chat.Engine
	Scheduler *schedule.Scheduler
	Router    *notify.Router
	Store     workflow.Store
	Files     http.Handler
	Hub       *realtime.Hub
	Location  *time.Location
	// MaxUpload bounds a multipart attachment; 0 means 10 MiB.
	MaxUpload int64
	Metrics   bool
	Now       func() time.Time
}

// Server is the HTTP front of farewelld.
type Server struct {
	deps Deps
	log  zerolog.Logger
	mux  *http.ServeMux
}

// New builds the route table.
func New(d Deps) *Server {
	if d.Location == nil {
		d.Location = time.UTC
	}
	if d.MaxUpload <= 0 {
		d.MaxUpload = 10 << 20
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	s := &Server{deps: d, log: logging.Component("api"), mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) routes() {
	m := s.mux
	m.Handle("POST /api/chat/open", s.withActor(s.chatOpen))
	m.Handle("POST /api/chat/list", s.withActor(s.chatList))
	m.Handle("GET /api/chat/conversations", s.withActor(s.chatConversations))
	m.Handle("GET /api/chat/conversations/{id}", s.withActor(s.chatConversation))
	m.Handle("POST /api/chat/conversations/{id}/open", s.withActor(s.chatOpenConversation))
	m.Handle("POST /api/chat/conversations/{id}/messages", s.withActor(s.chatSend))
	m.Handle("DELETE /api/chat/conversations/{id}", s.withActor(s.chatClose))

	m.Handle("GET /api/schedule", s.withActor(s.scheduleSnapshot))
	m.Handle("GET /api/schedule/week", s.withActor(s.scheduleWeek))
	m.Handle("GET /api/schedule/available", s.withActor(s.scheduleAvailable))
	m.Handle("PUT /api/schedule/slots/{key}", s.withActor(s.scheduleBook))
	m.Handle("DELETE /api/schedule/slots/{key}", s.withActor(s.scheduleUnbook))
	m.Handle("POST /api/schedule/commit", s.withActor(s.scheduleCommit))

	if s.deps.Store != nil {
		m.Handle("GET /api/removals", s.withActor(s.removals))
		m.Handle("GET /api/removals/{code}", s.withActor(s.removal))
	}

	m.Handle("GET /api/notifications", s.withActor(s.notifications))
	m.Handle("POST /api/notifications/read", s.withActor(s.notificationsRead))

	if s.deps.Files != nil {
		m.Handle("GET /attachments/{id}", s.deps.Files)
	}
	if s.deps.Hub != nil {
		m.Handle("GET /ws", s.withActor(func(w http.ResponseWriter, r *http.Request, a identity.Actor) {
			realtime.ServeWs(s.deps.Hub, a, w, r)
		}))
	}
	if s.deps.Metrics {
		m.Handle("GET /metrics", metrics.PromHandler())
		m.Handle("GET /status", metrics.JSONHandler())
	}
	m.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

// Handler returns the root handler with request logging.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		s.mux.ServeHTTP(rec, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}

type actorHandler func(w http.ResponseWriter, r *http.Request, a identity.Actor)

// withActor resolves the caller and stores it on the request context.
func (s *Server) withActor(h actorHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(ActorHeader)
		if id == "" {
			id = r.URL.Query().Get("actor")
		}
		if id == "" || s.deps.Directory == nil {
			writeError(w, http.StatusUnauthorized, "missing actor")
			return
		}
		a, ok := s.deps.Directory.Lookup(id)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unknown actor")
			return
		}
		h(w, r.WithContext(identity.WithActor(r.Context(), a)), a)
	})
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info().Str("addr", addr).Msg("http server listening")
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack is needed by the websocket upgrader.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Get().Debug().Err(err).Msg("failed writing response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
