package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/voyagen/stbgate/internal/config"
	"github.com/voyagen/stbgate/internal/metrics"
	"github.com/voyagen/stbgate/internal/models"
	"github.com/voyagen/stbgate/internal/proxy"
	"github.com/voyagen/stbgate/internal/store"
)

// Triggerer requests an on-demand run of a sync task.
type Triggerer interface {
	Trigger(deviceUID uuid.UUID, task string) error
}

// Server holds dependencies for the HTTP API, the stream proxy and the
// HDHomeRun emulation.
type Server struct {
	store   store.Store
	proxy   *proxy.Proxy
	trigger Triggerer
	cfg     *config.Config
	log     *logrus.Entry
	router  chi.Router
	now     func() time.Time
}

// New creates a Server and registers routes.
func New(s store.Store, p *proxy.Proxy, trigger Triggerer, cfg *config.Config, log *logrus.Entry) *Server {
	srv := &Server{
		store:   s,
		proxy:   p,
		trigger: trigger,
		cfg:     cfg,
		log:     log,
		router:  chi.NewRouter(),
		now:     time.Now,
	}
	srv.routes()
	return srv
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/docs", handleSwaggerUI)
	r.Get("/api/docs/openapi.yaml", handleOpenAPISpec)
	r.Handle("/metrics", metrics.Handler())

	r.Get("/api/devices", s.handleListDevices)
	r.Route("/api/devices/{device}", func(r chi.Router) {
		r.Get("/genres", s.handleListGenres)
		r.Get("/channels", s.handleListChannels)
		r.Post("/channels/toggle", s.handleToggleAll)
		r.Post("/channels/refresh", s.handleRefresh(models.TaskSyncCatalog))
		r.Post("/channels/{channel}/toggle", s.handleToggleChannel)
		r.Get("/channels/{channel}/guide", s.handleChannelGuide)
		r.Get("/guides", s.handleCurrentGuides)
		r.Post("/guides/refresh", s.handleRefresh(models.TaskSyncGuides))
		r.Get("/tasks", s.handleListTasks)
	})

	r.Route("/proxy/{device}/channels/{channel}", func(r chi.Router) {
		r.Get("/playlist.m3u8", s.handlePlaylist)
		r.Get("/stream.ts", s.handleSegment)
	})

	r.Route("/hdhr/{device}", func(r chi.Router) {
		r.Get("/discover.json", s.handleDiscover)
		r.Get("/lineup_status.json", s.handleLineupStatus)
		r.Get("/lineup.json", s.handleLineup)
		r.Get("/guide.xml", s.handleGuideXML)
	})
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe starts the HTTP server on the configured port.
// It blocks until the server is shut down or ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := ":" + s.cfg.ServerPort
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      withCORS(withLogging(s.log, s)),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.log.WithError(err).Warn("server shutdown")
		}
	}()

	s.log.WithField("addr", addr).Info("listening")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ListenAndServe: %w", err)
	}
	return nil
}

// baseURL is the public origin used in lineup and playlist links.
func (s *Server) baseURL() string {
	return strings.TrimRight(s.cfg.BaseURL, "/")
}

func (s *Server) proxyURL(deviceUID uuid.UUID, channelID int64, file string) string {
	return fmt.Sprintf("%s/proxy/%s/channels/%d/%s", s.baseURL(), deviceUID, channelID, file)
}

// --- middleware ---

// withCORS adds CORS headers to every response and handles preflight OPTIONS requests.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

// Flush keeps segment relays streaming through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// withLogging wraps a handler and logs each request with method, path, status, and duration.
func withLogging(log *logrus.Entry, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		entry := log.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      sw.status,
			"bytes":       sw.bytes,
			"duration_ms": time.Since(start).Milliseconds(),
		})
		switch {
		case sw.status >= 500:
			entry.Warn("request")
		case r.URL.Path == "/metrics" || r.URL.Path == "/api/health":
			entry.Debug("request")
		default:
			entry.Info("request")
		}
	})
}

// --- helpers ---

// APIError is the standard error envelope for all error responses.
type APIError struct {
	Status int    `json:"status"`
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// parseDevice extracts the {device} path parameter as a UUID.
func parseDevice(r *http.Request) (uuid.UUID, error) {
	v := chi.URLParam(r, "device")
	uid, err := uuid.Parse(v)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid device: %s", v)
	}
	return uid, nil
}

// parseID extracts a path parameter by name and parses it as int64.
func parseID(r *http.Request, param string) (int64, error) {
	v := chi.URLParam(r, param)
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %s", param, v)
	}
	return id, nil
}

// parseState maps ?state=enabled|disabled to a filter value.
func parseState(v string) (*bool, error) {
	switch v {
	case "":
		return nil, nil
	case "enabled":
		b := true
		return &b, nil
	case "disabled":
		b := false
		return &b, nil
	default:
		return nil, fmt.Errorf("invalid state: %s (use enabled or disabled)", v)
	}
}

func parseBool(name, v string) (*bool, error) {
	switch v {
	case "":
		return nil, nil
	case "true", "1":
		b := true
		return &b, nil
	case "false", "0":
		b := false
		return &b, nil
	default:
		return nil, fmt.Errorf("invalid %s: %s (use true or false)", name, v)
	}
}

// device resolves the {device} parameter to a stored profile, writing the
// error response itself when it fails.
func (s *Server) device(w http.ResponseWriter, r *http.Request) (*models.DeviceProfile, bool) {
	uid, err := parseDevice(r)
	if err != nil {
		s.writeErr(w, http.StatusBadRequest, err)
		return nil, false
	}
	d, err := s.store.GetDevice(r.Context(), uid)
	if err != nil {
		s.writeStoreErr(w, err, fmt.Sprintf("device %s not found", uid))
		return nil, false
	}
	return d, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.WithError(err).Warn("writeJSON")
	}
}

func (s *Server) writeErr(w http.ResponseWriter, status int, err error) {
	if status >= 500 {
		s.log.WithField("status", status).WithError(err).Error("request failed")
	}
	s.writeJSON(w, status, APIError{
		Status: status,
		Error:  http.StatusText(status),
		Detail: err.Error(),
	})
}

func (s *Server) writeStoreErr(w http.ResponseWriter, err error, notFound string) {
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrDeviceGone) {
		s.writeErr(w, http.StatusNotFound, errors.New(notFound))
		return
	}
	s.writeErr(w, http.StatusInternalServerError, err)
}
