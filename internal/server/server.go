// Package server hosts an actbus engine: NATS transport, plugins, HTTP health and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/morezero/actbus/internal/config"
	"github.com/morezero/actbus/pkg/engine"
	"github.com/morezero/actbus/pkg/events"
	"github.com/morezero/actbus/pkg/pattern"
	"github.com/morezero/actbus/pkg/plugins/metrics"
	"github.com/morezero/actbus/pkg/plugins/stats"
	"github.com/morezero/actbus/pkg/plugins/tracing"
	"github.com/morezero/actbus/pkg/plugins/validator"
	"github.com/morezero/actbus/pkg/transport"
	"github.com/morezero/actbus/pkg/transport/natsbus"
)

const logPrefix = "server:server"

// connChecker is implemented by transports that can report connectivity.
type connChecker interface {
	IsConnected() bool
}

// Server hosts one engine.
type Server struct {
	cfg       *config.Config
	engine    *engine.Engine
	transport transport.Transport
	registry  *prometheus.Registry
	startedAt time.Time

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
}

// Run starts the service, blocks until SIGINT or SIGTERM, then shuts down.
func Run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	SetupLogging(cfg.LogLevel)

	slog.Info(fmt.Sprintf("%s - Starting %s", logPrefix, cfg.ServiceName))

	bus, err := natsbus.Connect(cfg.NATSURL, cfg.ServiceName)
	if err != nil {
		return fmt.Errorf("%s - failed to connect to NATS: %w", logPrefix, err)
	}

	s, err := New(cfg, bus)
	if err != nil {
		_ = bus.Close()
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.Start(ctx); err != nil {
		_ = s.engine.Close()
		return err
	}
	slog.Info(fmt.Sprintf("%s - %s is ready", logPrefix, cfg.ServiceName))

	<-ctx.Done()
	slog.Info(fmt.Sprintf("%s - Received shutdown signal, shutting down", logPrefix))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		return err
	}

	slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
	return nil
}

// SetupLogging installs the default text logger at the named level.
func SetupLogging(level string) {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))
}

// New builds the engine on t and queues the plugins enabled by cfg.
// Nothing is served until Start.
func New(cfg *config.Config, t transport.Transport) (*Server, error) {
	ec, err := cfg.EngineConfig()
	if err != nil {
		return nil, err
	}
	e := engine.New(t, ec)

	s := &Server{
		cfg:       cfg,
		engine:    e,
		transport: t,
		registry:  prometheus.NewRegistry(),
		startedAt: time.Now(),
	}

	plugins := []engine.Plugin{
		validator.New().Plugin(),
		stats.Plugin(map[string]interface{}{"topic": cfg.StatsTopic}),
	}
	if cfg.MetricsEnabled {
		s.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		plugins = append(plugins, metrics.New(s.registry).Plugin())
	}
	if cfg.TracingEnabled {
		plugins = append(plugins, tracing.New(nil).Plugin())
	}
	for _, p := range plugins {
		if err := e.Use(p); err != nil {
			_ = e.Close()
			return nil, fmt.Errorf("%s - failed to use plugin %s: %w", logPrefix, p.Name, err)
		}
	}

	if cfg.EventsSubject != "" {
		events.NewRelay(t, cfg.EventsSubject, &events.RelayOpts{Codec: e.Codec()}).Attach(e.Events())
		slog.Info(fmt.Sprintf("%s - Relaying error events to %s.*", logPrefix, cfg.EventsSubject))
	}

	return s, nil
}

// Engine returns the hosted engine. Actions may be added before or after Start.
func (s *Server) Engine() *engine.Engine {
	return s.engine
}

// Start loads the plugins and starts the HTTP server.
func (s *Server) Start(ctx context.Context) error {
	if err := s.engine.Ready(ctx); err != nil {
		return fmt.Errorf("%s - engine failed to become ready: %w", logPrefix, err)
	}

	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("%s - failed to listen on %s: %w", logPrefix, s.cfg.Addr(), err)
	}
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	s.mu.Lock()
	s.listener = ln
	s.httpServer = srv
	s.mu.Unlock()

	go func() {
		slog.Info(fmt.Sprintf("%s - HTTP server listening on %s", logPrefix, ln.Addr()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error(fmt.Sprintf("%s - HTTP server error: %v", logPrefix, err))
		}
	}()
	return nil
}

// Addr returns the HTTP listen address, empty before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops the HTTP server and closes the engine and its transport.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()

	var errs []error
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s - failed to stop HTTP server: %w", logPrefix, err))
		}
	}
	if err := s.engine.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleHome())
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/actions", s.handleActions)
	if s.cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
	return mux
}

// HealthChecks lists the individual health checks.
type HealthChecks struct {
	Engine    bool `json:"engine"`
	Transport bool `json:"transport"`
}

// HealthOutput is the /health body.
type HealthOutput struct {
	Status    string              `json:"status"`
	Service   string              `json:"service"`
	Checks    HealthChecks        `json:"checks"`
	Load      engine.LoadSnapshot `json:"load"`
	Timestamp string              `json:"timestamp"`
}

// Health evaluates the service health.
func (s *Server) Health() *HealthOutput {
	checks := HealthChecks{Engine: !s.engine.IsClosed(), Transport: true}
	if c, ok := s.transport.(connChecker); ok {
		checks.Transport = c.IsConnected()
	}
	status := "healthy"
	if !checks.Engine || !checks.Transport {
		status = "unhealthy"
	}
	return &HealthOutput{
		Status:    status,
		Service:   s.cfg.ServiceName,
		Checks:    checks,
		Load:      s.engine.Load(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h := s.Health()
	code := http.StatusOK
	if h.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, h)
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.engine.IsReady() || s.engine.IsClosed() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleActions lists registered actions. Query parameters filter by field value.
func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	var filter pattern.Pattern
	for key, values := range r.URL.Query() {
		if len(values) == 0 {
			continue
		}
		if filter == nil {
			filter = pattern.Pattern{}
		}
		filter[key] = values[0]
	}
	writeJSON(w, http.StatusOK, stats.Actions(s.engine, filter))
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to encode response: %v", logPrefix, err))
	}
}

// homePageTemplate is the HTML for the service home page.
const homePageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>{{.Process.Service}} – actbus</title>
  <style>
    * { box-sizing: border-box; }
    body { background: #fff; color: #000; font-family: system-ui, sans-serif; margin: 0; padding: 2rem; line-height: 1.5; }
    h1, h2 { color: #0066cc; }
    .status-healthy { color: #0066cc; font-weight: bold; }
    .status-unhealthy { color: #cc0000; font-weight: bold; }
    table { border-collapse: collapse; width: 100%; max-width: 900px; margin-top: 0.5rem; }
    th, td { text-align: left; padding: 0.5rem 0.75rem; border: 1px solid #ccc; }
    th { background: #f0f4f8; color: #0066cc; }
    .stat { font-weight: bold; color: #0066cc; }
    section { margin-bottom: 2rem; }
  </style>
</head>
<body>
  <h1>{{.Process.Service}}</h1>

  <section>
    <h2>Health</h2>
    <p>Status: <span class="status-{{.Health.Status}}">{{.Health.Status}}</span></p>
    <p>Uptime: <span class="stat">{{.Process.Uptime}}</span>, goroutines: <span class="stat">{{.Process.Goroutines}}</span>, heap: <span class="stat">{{.Process.HeapBytes}}</span> bytes, lag: <span class="stat">{{.Process.Lag}}</span></p>
    <p>Codec: {{.Process.Codec}}</p>
  </section>

  <section>
    <h2>Plugins</h2>
    {{if not .Process.Plugins}}
    <p>No plugins loaded.</p>
    {{else}}
    <table>
      <thead><tr><th>Name</th><th>Version</th></tr></thead>
      <tbody>
        {{range .Process.Plugins}}<tr><td>{{.Name}}</td><td>{{.Version}}</td></tr>{{end}}
      </tbody>
    </table>
    {{end}}
  </section>

  <section>
    <h2>Actions</h2>
    {{if not .Actions}}
    <p>No actions registered.</p>
    {{else}}
    <table>
      <thead><tr><th>Pattern</th><th>Topic</th><th>Plugin</th><th>Broadcast</th></tr></thead>
      <tbody>
        {{range .Actions}}
        <tr><td>{{.Pattern}}</td><td>{{.Topic}}</td><td>{{.Plugin}}</td><td>{{.Broadcast}}</td></tr>
        {{end}}
      </tbody>
    </table>
    {{end}}
  </section>
</body>
</html>
`

// homeData is the data passed to the home page template.
type homeData struct {
	Health  *HealthOutput
	Process stats.ProcessInfo
	Actions []stats.ActionInfo
}

// handleHome returns an HTTP handler for the service home page.
func (s *Server) handleHome() http.HandlerFunc {
	tmpl := template.Must(template.New("home").Parse(homePageTemplate))
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		data := homeData{
			Health:  s.Health(),
			Process: stats.Process(s.engine, s.startedAt),
			Actions: stats.Actions(s.engine, nil),
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := tmpl.Execute(w, data); err != nil {
			slog.Error(fmt.Sprintf("%s - home template execute: %v", logPrefix, err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}
}
