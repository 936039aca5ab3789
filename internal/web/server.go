// Package web serves the ErgoAlert dashboard: an HTML page, a small
// JSON control API, a WebSocket feed of live events and a QR code for
// opening the dashboard on a phone.
package web

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/ergoalert/internal/events"
	"github.com/nugget/ergoalert/internal/monitor"
)

//go:embed static/*
var staticFiles embed.FS

// Controller is the monitor surface the dashboard drives.
type Controller interface {
	Snapshot() monitor.Snapshot
	Connect(s monitor.Settings) error
	Disconnect()
	SendConfig(desiredAngle float64) error
	SendTestAlert() error
}

// Config wires a [WebServer].
type Config struct {
	Address string
	Port    int
	// Monitor is driven by the API routes. Required.
	Monitor Controller
	// Bus feeds the /ws route. A private bus is created if nil.
	Bus *events.Bus
	// PublicURL is encoded by /qr.png. Defaults to the request host.
	PublicURL string
	// Version is shown in the page footer.
	Version string
	Logger  *slog.Logger
}

// WebServer serves the dashboard.
type WebServer struct {
	address   string
	port      int
	monitor   Controller
	bus       *events.Bus
	publicURL string
	version   string
	logger    *slog.Logger
	templates map[string]*template.Template
	upgrader  websocket.Upgrader

	server   *http.Server
	quit     chan struct{}
	quitOnce sync.Once
}

// NewWebServer creates a WebServer. Templates are parsed here so a
// broken template fails at startup.
func NewWebServer(cfg Config) *WebServer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Bus == nil {
		cfg.Bus = events.New()
	}
	return &WebServer{
		address:   cfg.Address,
		port:      cfg.Port,
		monitor:   cfg.Monitor,
		bus:       cfg.Bus,
		publicURL: cfg.PublicURL,
		version:   cfg.Version,
		logger:    cfg.Logger,
		templates: loadTemplates(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 16 * 1024,
		},
		quit: make(chan struct{}),
	}
}

// RegisterRoutes adds the dashboard routes to mux.
func (s *WebServer) RegisterRoutes(mux *http.ServeMux) {
	subFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		panic(err)
	}
	mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.FS(subFS))))

	mux.HandleFunc("GET /", s.handleDashboard)
	mux.HandleFunc("GET /qr.png", s.handleQR)
	mux.HandleFunc("GET /ws", s.handleFeed)

	mux.HandleFunc("GET /api/state", s.handleState)
	mux.HandleFunc("POST /api/connect", s.handleConnect)
	mux.HandleFunc("POST /api/disconnect", s.handleDisconnect)
	mux.HandleFunc("POST /api/config", s.handleSendConfig)
	mux.HandleFunc("POST /api/test-alert", s.handleTestAlert)
}

// Handler returns the dashboard with request logging.
func (s *WebServer) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return s.withLogging(mux)
}

// Addr returns the host:port the server listens on.
func (s *WebServer) Addr() string {
	return net.JoinHostPort(s.address, strconv.Itoa(s.port))
}

// Start listens and serves until Shutdown. It returns nil after a
// clean shutdown.
func (s *WebServer) Start() error {
	s.server = &http.Server{
		Addr:              s.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting dashboard", "address", addr, "port", s.port)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve dashboard: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and ends live feeds.
func (s *WebServer) Shutdown(ctx context.Context) error {
	s.quitOnce.Do(func() { close(s.quit) })
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *WebServer) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, code int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

func (s *WebServer) errorResponse(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}
