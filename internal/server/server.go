package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/vburojevic/wvctx/internal/domain"
	"github.com/vburojevic/wvctx/internal/metrics"
	"github.com/vburojevic/wvctx/internal/session"
	"github.com/vburojevic/wvctx/internal/webview"
)

const basePath = "/wd/hub"

// Options configure the WebDriver front.
type Options struct {
	Version string

	// Session defaults, overridable per session through desired capabilities.
	Serial             string
	AppPackage         string
	DeviceSocket       string
	ChromeOptions      map[string]any
	PerformanceLogging bool

	// ShellFor returns the device shell for a serial.
	ShellFor func(serial string) webview.Shell
	NewProxy session.ProxyFactory

	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Clock    clock.Clock
}

// Server exposes context commands over the JSON wire protocol and forwards
// everything else to the active chromedriver.
type Server struct {
	opts   Options
	router *mux.Router
	logger *zap.Logger
	clock  clock.Clock

	mu       sync.Mutex
	sessions map[string]*hostedSession
	ended    map[string]endedSession
}

// endedRetention is how long the reason a session ended is reported.
const endedRetention = 10 * time.Minute

type endedSession struct {
	reason string
	at     time.Time
}

// New creates a server.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	s := &Server{
		opts:     opts,
		logger:   opts.Logger,
		clock:    opts.Clock,
		sessions: make(map[string]*hostedSession),
		ended:    make(map[string]endedSession),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc(basePath+"/status", s.handleStatus).Methods(http.MethodGet)
	if s.opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	wd := r.PathPrefix(basePath).Subrouter()
	wd.HandleFunc("/session", s.handleCreateSession).Methods(http.MethodPost)
	wd.HandleFunc("/sessions", s.handleListSessions).Methods(http.MethodGet)
	wd.HandleFunc("/session/{id}", s.withSession(s.handleGetSession)).Methods(http.MethodGet)
	wd.HandleFunc("/session/{id}", s.handleDeleteSession).Methods(http.MethodDelete)
	wd.HandleFunc("/session/{id}/context", s.withSession(s.handleGetContext)).Methods(http.MethodGet)
	wd.HandleFunc("/session/{id}/context", s.withSession(s.handleSetContext)).Methods(http.MethodPost)
	wd.HandleFunc("/session/{id}/contexts", s.withSession(s.handleGetContexts)).Methods(http.MethodGet)
	wd.HandleFunc("/session/{id}/wvctx/state", s.withSession(s.handleState)).Methods(http.MethodGet)
	wd.PathPrefix("/session/{id}/").HandlerFunc(s.withSession(s.handleProxy))

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusNotFound, statusUnknownCommand, "", "unknown command: "+r.Method+" "+r.URL.Path)
	})
	return r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve accepts connections on l until ctx is done, then closes every
// session.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(l) }()

	select {
	case err := <-errCh:
		s.Close(context.Background())
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Close(shutdownCtx)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close ends every session.
func (s *Server) Close(ctx context.Context) {
	s.mu.Lock()
	sessions := lo.Values(s.sessions)
	s.sessions = make(map[string]*hostedSession)
	s.mu.Unlock()

	for _, h := range sessions {
		h.close(ctx)
	}
}

type sessionHandler func(w http.ResponseWriter, r *http.Request, h *hostedSession)

func (s *Server) withSession(next sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		s.mu.Lock()
		h, ok := s.sessions[id]
		gone, ended := s.ended[id]
		s.mu.Unlock()

		if !ok {
			msg := "a session is either terminated or not started"
			if ended && s.clock.Since(gone.at) < endedRetention {
				msg = "session was terminated: " + gone.reason
			}
			writeStatus(w, http.StatusNotFound, statusNoSuchSession, id, msg)
			return
		}
		next(w, r, h)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	n := len(s.sessions)
	s.mu.Unlock()
	writeValue(w, "", map[string]any{
		"ready":    true,
		"build":    map[string]any{"version": s.opts.Version},
		"sessions": n,
	})
}

type createSessionRequest struct {
	DesiredCapabilities map[string]any `json:"desiredCapabilities"`
	Capabilities        struct {
		AlwaysMatch map[string]any `json:"alwaysMatch"`
	} `json:"capabilities"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeStatus(w, http.StatusBadRequest, statusUnknownError, "", "invalid session request: "+err.Error())
		return
	}
	caps := req.DesiredCapabilities
	if caps == nil {
		caps = req.Capabilities.AlwaysMatch
	}
	if caps == nil {
		caps = map[string]any{}
	}

	opts := s.sessionOptions(caps)
	if opts.AppPackage == "" {
		writeStatus(w, http.StatusBadRequest, statusUnknownError, "", "appPackage capability is required")
		return
	}

	h := &hostedSession{
		id:        uuid.NewString(),
		caps:      caps,
		createdAt: s.clock.Now(),
		onFatal:   s.endSession,
	}
	h.logger = s.logger.With(zap.String("session_id", h.id))
	opts.Logger = h.logger
	opts.Shutdown = h
	h.manager = session.NewManager(opts)

	s.mu.Lock()
	s.sessions[h.id] = h
	s.mu.Unlock()

	h.logger.Info("session created", zap.String("app_package", opts.AppPackage), zap.String("serial", opts.DeviceSerial))
	writeValue(w, h.id, caps)
}

// sessionOptions merges capabilities over the server defaults.
func (s *Server) sessionOptions(caps map[string]any) session.Options {
	opts := session.Options{
		AppPackage:         s.opts.AppPackage,
		DeviceSerial:       s.opts.Serial,
		DeviceSocket:       s.opts.DeviceSocket,
		ChromeOptions:      s.opts.ChromeOptions,
		PerformanceLogging: s.opts.PerformanceLogging,
		NewProxy:           s.opts.NewProxy,
		Metrics:            s.opts.Metrics,
		Clock:              s.clock,
	}
	if v, ok := stringCap(caps, "appPackage"); ok {
		opts.AppPackage = v
	}
	if v, ok := stringCap(caps, "udid"); ok {
		opts.DeviceSerial = v
	}
	if v, ok := stringCap(caps, "androidDeviceSocket"); ok {
		opts.DeviceSocket = v
	}
	if v, ok := caps["chromeOptions"].(map[string]any); ok {
		opts.ChromeOptions = v
	}
	if v, ok := caps["enablePerformanceLogging"].(bool); ok {
		opts.PerformanceLogging = v
	}
	if s.opts.ShellFor != nil {
		opts.Shell = s.opts.ShellFor(opts.DeviceSerial)
	}
	return opts
}

func stringCap(caps map[string]any, key string) (string, bool) {
	if v, ok := caps[key].(string); ok && v != "" {
		return v, true
	}
	if v, ok := caps["appium:"+key].(string); ok && v != "" {
		return v, true
	}
	return "", false
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	sessions := lo.Values(s.sessions)
	s.mu.Unlock()
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].createdAt.Before(sessions[j].createdAt) })

	writeValue(w, "", lo.Map(sessions, func(h *hostedSession, _ int) map[string]any {
		return map[string]any{"id": h.id, "capabilities": h.caps}
	}))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request, h *hostedSession) {
	writeValue(w, h.id, h.caps)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.mu.Lock()
	h, ok := s.sessions[id]
	delete(s.sessions, id)
	if ok {
		s.rememberEnded(id, "deleted")
	}
	s.mu.Unlock()

	if !ok {
		writeStatus(w, http.StatusNotFound, statusNoSuchSession, id, "a session is either terminated or not started")
		return
	}
	h.close(r.Context())
	h.logger.Info("session deleted")
	writeValue(w, id, nil)
}

// endSession tears a session down after a fatal chromedriver exit.
func (s *Server) endSession(id string, cause error) {
	s.mu.Lock()
	h, ok := s.sessions[id]
	delete(s.sessions, id)
	s.rememberEnded(id, cause.Error())
	s.mu.Unlock()

	if ok {
		h.close(context.Background())
	}
}

// rememberEnded records why id ended and forgets expired entries. s.mu must
// be held.
func (s *Server) rememberEnded(id, reason string) {
	now := s.clock.Now()
	for old, e := range s.ended {
		if now.Sub(e.at) >= endedRetention {
			delete(s.ended, old)
		}
	}
	s.ended[id] = endedSession{reason: reason, at: now}
}

func (s *Server) handleGetContext(w http.ResponseWriter, r *http.Request, h *hostedSession) {
	writeValue(w, h.id, h.manager.CurrentContext().Name)
}

func (s *Server) handleGetContexts(w http.ResponseWriter, r *http.Request, h *hostedSession) {
	contexts, err := h.manager.Contexts(r.Context())
	if err != nil {
		writeError(w, h.id, err)
		return
	}
	writeValue(w, h.id, domain.ContextNames(contexts))
}

func (s *Server) handleSetContext(w http.ResponseWriter, r *http.Request, h *hostedSession) {
	var body struct {
		Name *string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeStatus(w, http.StatusBadRequest, statusUnknownError, h.id, "invalid context request: "+err.Error())
		return
	}
	name := ""
	if body.Name != nil {
		name = *body.Name
	}
	if err := h.manager.SetContext(r.Context(), name); err != nil {
		writeError(w, h.id, err)
		return
	}
	writeValue(w, h.id, nil)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request, h *hostedSession) {
	writeValue(w, h.id, h.manager.Snapshot())
}

func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request, h *hostedSession) {
	if err := h.manager.ProxyRequest(w, r); err != nil {
		writeError(w, h.id, fmt.Errorf("%w: %s %s is not handled in %s", err, r.Method, r.URL.Path, h.manager.CurrentContext()))
	}
}
