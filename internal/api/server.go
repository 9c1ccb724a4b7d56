// Package api exposes a running controller over HTTP and websocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/rmg-rio/rio-go/pkg/service"
	"github.com/rmg-rio/rio-go/pkg/wire"
)

// Controller is the part of service.Controller the API uses.
type Controller interface {
	Status() service.Status
	Devices() *service.DeviceTable
	Hub() *service.Hub
	Send(ctx context.Context, cmd wire.Command) error
	ForceReconnect() error
}

var _ Controller = (*service.Controller)(nil)

// Config configures a Server.
type Config struct {
	// Metrics serves /metrics when set.
	Metrics http.Handler

	// AllowedOrigins lists websocket origins accepted besides same-host.
	AllowedOrigins []string

	// CommandTimeout bounds each command request (default: 5s).
	CommandTimeout time.Duration

	// Logger is used for operational logging. Nil disables logging.
	Logger *slog.Logger
}

// Server serves the HTTP API.
type Server struct {
	ctrl        Controller
	config      Config
	broadcaster *Broadcaster
	handle      service.Handle
	router      chi.Router
	upgrader    websocket.Upgrader
	origins     map[string]bool
}

// NewServer creates the API and registers its broadcaster with the
// controller's hub.
func NewServer(ctrl Controller, config Config) *Server {
	if config.CommandTimeout <= 0 {
		config.CommandTimeout = 5 * time.Second
	}

	s := &Server{
		ctrl:        ctrl,
		config:      config,
		broadcaster: NewBroadcaster(ctrl.Devices(), config.Logger),
		origins:     make(map[string]bool),
	}
	for _, origin := range config.AllowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			s.origins[trimmed] = true
		}
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	s.handle = ctrl.Hub().Register(service.WildcardFilter, s.broadcaster)
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close unregisters the broadcaster and disconnects websocket clients.
func (s *Server) Close() {
	s.ctrl.Hub().Unregister(s.handle)
	s.broadcaster.Close()
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if s.config.Logger != nil {
		r.Use(s.logRequests)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/devices", s.handleDevices)
		r.Get("/devices/{device}", s.handleDevice)
		r.Post("/devices/{device}/{action}", s.handleCommand)
		r.Post("/reconnect", s.handleReconnect)
	})
	r.Get("/ws", s.handleWS)
	if s.config.Metrics != nil {
		r.Handle("/metrics", s.config.Metrics)
	}
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.config.Logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start))
	})
}

// StatusResponse is returned by GET /api/status.
type StatusResponse struct {
	Connected   bool      `json:"connected"`
	State       string    `json:"state"`
	SessionID   string    `json:"session_id,omitempty"`
	RemoteAddr  string    `json:"remote_addr,omitempty"`
	Attempts    int       `json:"reconnect_attempts"`
	Backoff     string    `json:"backoff,omitempty"`
	LastSuccess time.Time `json:"last_success,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	LinesIn     uint64    `json:"lines_in"`
	LinesOut    uint64    `json:"lines_out"`
	Malformed   uint64    `json:"malformed"`
	ProbesSent  uint64    `json:"probes_sent"`
	Clients     int       `json:"ws_clients"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.ctrl.Status()
	resp := StatusResponse{
		Connected:   st.Connected,
		State:       st.State.String(),
		SessionID:   st.SessionID,
		RemoteAddr:  st.RemoteAddr,
		Attempts:    st.Reconnect.Attempts,
		LastSuccess: st.Reconnect.LastSuccess,
		LinesIn:     st.Session.LinesIn,
		LinesOut:    st.Session.LinesOut,
		Malformed:   st.Session.Malformed,
		ProbesSent:  st.Health.ProbesSent,
		Clients:     s.broadcaster.ClientCount(),
	}
	if st.Reconnect.Backoff > 0 {
		resp.Backoff = st.Reconnect.Backoff.String()
	}
	if st.Reconnect.LastError != nil {
		resp.LastError = st.Reconnect.LastError.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Devices().Snapshot())
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	device := strings.ToUpper(chi.URLParam(r, "device"))
	d, ok := s.ctrl.Devices().Get(device)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown device "+device)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	device := strings.ToUpper(chi.URLParam(r, "device"))
	if !wire.IsDeviceID(device) {
		writeError(w, http.StatusNotFound, "unknown device "+device)
		return
	}

	var cmd wire.Command
	switch strings.ToLower(chi.URLParam(r, "action")) {
	case "on":
		cmd = wire.On(device)
	case "off":
		cmd = wire.Off(device)
	case "query":
		cmd = wire.Query(device)
	case "pulse":
		seconds := wire.DefaultPulseDuration
		if v := r.URL.Query().Get("duration"); v != "" {
			d, err := strconv.ParseFloat(v, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid duration")
				return
			}
			seconds = d
		}
		cmd = wire.Pulse(device, seconds)
	default:
		writeError(w, http.StatusNotFound, "unknown action")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.CommandTimeout)
	defer cancel()

	if err := s.ctrl.Send(ctx, cmd); err != nil {
		writeError(w, commandStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"command": cmd.Text()})
}

func commandStatus(err error) int {
	switch {
	case errors.Is(err, wire.ErrInvalidDuration), errors.Is(err, wire.ErrEmptyCommand):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrReadOnlyInput):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusServiceUnavailable
	}
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.ForceReconnect(); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.config.Logger != nil {
			s.config.Logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		}
		return
	}

	c := s.broadcaster.addClient(conn)
	go func() {
		defer s.broadcaster.removeClient(c)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || s.origins[origin] {
		return true
	}
	return strings.TrimPrefix(strings.TrimPrefix(origin, "http://"), "https://") == r.Host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
