// Package api implements the optional HTTP status and control API. Reads
// go through dispatcher-posted closures so the daemon's single-goroutine
// ownership of device state is preserved; control endpoints delegate to the
// daemon controller's restart/shutdown entry points, the same transitions
// the POSIX signals trigger.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/vrui-vr/vrdeviced/internal/auth"
	"github.com/vrui-vr/vrdeviced/internal/config"
	"github.com/vrui-vr/vrdeviced/internal/device"
	"github.com/vrui-vr/vrdeviced/internal/dispatch"
	"github.com/vrui-vr/vrdeviced/internal/server"
	"github.com/vrui-vr/vrdeviced/internal/storage"
	"github.com/vrui-vr/vrdeviced/pkg/crypto"
)

// snapshotTimeout bounds how long a request waits for the dispatcher loop.
const snapshotTimeout = 2 * time.Second

// Lifecycle is the controller surface the control endpoints need.
type Lifecycle interface {
	Generation() int64
	RequestRestart()
	RequestShutdown()
}

// Server is the REST status/control server.
type Server struct {
	cfg    config.HTTPConfig
	disp   *dispatch.Dispatcher
	mgr    *device.Manager
	devSrv *server.Server
	life   Lifecycle
	store  *storage.Recorder
	auth   *auth.JWTManager
	router chi.Router
	server *http.Server
}

// New creates the API server for one daemon generation.
func New(cfg config.HTTPConfig, disp *dispatch.Dispatcher, mgr *device.Manager, devSrv *server.Server, life Lifecycle, store *storage.Recorder) *Server {
	s := &Server{
		cfg:    cfg,
		disp:   disp,
		mgr:    mgr,
		devSrv: devSrv,
		life:   life,
		store:  store,
		auth:   auth.NewJWTManager(&cfg),
		router: chi.NewRouter(),
	}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:         cfg.Listen,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// setupRoutes configures all routes.
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/devices", s.handleDevices)
		r.Get("/hmds/{index}", s.handleHMD)
		r.Get("/sessions", s.handleSessions)
		r.Post("/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Get("/events", s.handleEvents)
			r.Post("/restart", s.handleRestart)
			r.Post("/shutdown", s.handleShutdown)
		})
	})
}

// ListenAndServe starts the server. http.ErrServerClosed is the normal
// shutdown result and is filtered out.
func (s *Server) ListenAndServe() error {
	log.Info().Str("addr", s.cfg.Listen).Msg("status API listening")
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// snapshot runs fn on the dispatcher goroutine and waits for completion.
// It reports false when the loop is gone or too busy.
func (s *Server) snapshot(fn func()) bool {
	done := make(chan struct{})
	s.disp.Post(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
		return true
	case <-time.After(snapshotTimeout):
		return false
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var status struct {
		Generation   int64 `json:"generation"`
		NumTrackers  int   `json:"numTrackers"`
		NumButtons   int   `json:"numButtons"`
		NumValuators int   `json:"numValuators"`
		NumHMDs      int   `json:"numHMDs"`
		NumSessions  int   `json:"numSessions"`
	}
	status.Generation = s.life.Generation()
	ok := s.snapshot(func() {
		st := s.mgr.State()
		status.NumTrackers = st.NumTrackers()
		status.NumButtons = st.NumButtons()
		status.NumValuators = st.NumValuators()
		status.NumHMDs = len(s.mgr.HMDs())
		status.NumSessions = s.devSrv.NumSessions()
	})
	if !ok {
		s.respondError(w, http.StatusServiceUnavailable, "dispatcher unavailable")
		return
	}
	s.respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	type trackerInfo struct {
		Position  [3]float32 `json:"position"`
		Valid     bool       `json:"valid"`
		TimeStamp int32      `json:"timeStamp"`
	}
	var out struct {
		Trackers  []trackerInfo `json:"trackers"`
		Buttons   []bool        `json:"buttons"`
		Valuators []float32     `json:"valuators"`
	}
	ok := s.snapshot(func() {
		st := s.mgr.State()
		out.Trackers = make([]trackerInfo, st.NumTrackers())
		for i := range out.Trackers {
			ts, t, valid := st.Tracker(i)
			out.Trackers[i] = trackerInfo{Position: ts.Position, Valid: valid, TimeStamp: int32(t)}
		}
		out.Buttons = make([]bool, st.NumButtons())
		for i := range out.Buttons {
			out.Buttons[i] = st.Button(i)
		}
		out.Valuators = make([]float32, st.NumValuators())
		for i := range out.Valuators {
			out.Valuators[i] = st.Valuator(i)
		}
	})
	if !ok {
		s.respondError(w, http.StatusServiceUnavailable, "dispatcher unavailable")
		return
	}
	s.respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleHMD(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid HMD index")
		return
	}
	var out struct {
		TrackerIndex       uint16    `json:"trackerIndex"`
		IPD                float32   `json:"ipd"`
		DisplayLatency     int32     `json:"displayLatencyNs"`
		RenderTargetSize   [2]uint32 `json:"renderTargetSize"`
		DistortionMeshSize [2]uint32 `json:"distortionMeshSize"`
	}
	found := false
	ok := s.snapshot(func() {
		hmds := s.mgr.HMDs()
		if index < 0 || index >= len(hmds) {
			return
		}
		found = true
		h := hmds[index]
		out.TrackerIndex = h.TrackerIndex()
		out.IPD = h.IPD()
		out.DisplayLatency = h.DisplayLatency()
		out.RenderTargetSize = h.RenderTargetSize()
		out.DistortionMeshSize = h.DistortionMeshSize()
	})
	if !ok {
		s.respondError(w, http.StatusServiceUnavailable, "dispatcher unavailable")
		return
	}
	if !found {
		s.respondError(w, http.StatusNotFound, "no such HMD")
		return
	}
	s.respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	var sessions []server.SessionEvent
	ok := s.snapshot(func() {
		sessions = s.devSrv.Sessions()
	})
	if !ok {
		s.respondError(w, http.StatusServiceUnavailable, "dispatcher unavailable")
		return
	}
	s.respondJSON(w, http.StatusOK, sessions)
}

// handleEvents lists recorded lifecycle events, newest first. 404 when no
// event recorder is configured.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !s.store.Enabled() {
		s.respondError(w, http.StatusNotFound, "event recorder disabled")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	events, total, err := s.store.List(r.Context(), limit, offset)
	if err != nil {
		log.Warn().Err(err).Msg("list event logs")
		s.respondError(w, http.StatusInternalServerError, "list events failed")
		return
	}
	if events == nil {
		events = []*storage.EventLog{}
	}
	var out struct {
		Events []*storage.EventLog `json:"events"`
		Total  int64               `json:"total"`
	}
	out.Events = events
	out.Total = total
	s.respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if s.cfg.AdminPasswordHash == "" || !crypto.VerifyPassword(req.Password, s.cfg.AdminPasswordHash) {
		s.respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	token, err := s.auth.GenerateToken()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "token generation failed")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	log.Info().Msg("restart requested via API")
	s.life.RequestRestart()
	s.respondJSON(w, http.StatusAccepted, map[string]string{"status": "restarting"})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	log.Info().Msg("shutdown requested via API")
	s.life.RequestShutdown()
	s.respondJSON(w, http.StatusAccepted, map[string]string{"status": "shutting down"})
}

// authMiddleware validates the bearer token on control endpoints.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.respondError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			s.respondError(w, http.StatusUnauthorized, "invalid authorization header")
			return
		}
		if err := s.auth.ValidateToken(parts[1]); err != nil {
			s.respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Warn().Err(err).Msg("encode API response")
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, msg string) {
	s.respondJSON(w, status, map[string]string{"error": msg})
}
