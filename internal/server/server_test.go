package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	commsserver "github.com/nats-io/nats-server/v2/server"

	"github.com/morezero/actbus/internal/config"
	"github.com/morezero/actbus/pkg/engine"
	"github.com/morezero/actbus/pkg/pattern"
	"github.com/morezero/actbus/pkg/plugins/stats"
	"github.com/morezero/actbus/pkg/transport"
	"github.com/morezero/actbus/pkg/transport/membus"
	"github.com/morezero/actbus/pkg/transport/natsbus"
)

const serverTestPrefix = "server:server_test"

func testConfig() *config.Config {
	return &config.Config{
		NATSURL:          "nats://127.0.0.1:4222",
		ServiceName:      "server-test",
		DefaultTimeout:   time.Second,
		CrashOnFatal:     false,
		Codec:            "json",
		QueueGroupPrefix: "queue",
		MaxInFlight:      16,
		StatsTopic:       "stats",
		MetricsEnabled:   true,
		HTTPAddr:         "127.0.0.1:0",
		ShutdownTimeout:  5 * time.Second,
		LogLevel:         "info",
	}
}

// testServer returns a Server on an in-process bus.
func testServer(t *testing.T, cfg *config.Config, tr transport.Transport) *Server {
	t.Helper()
	if tr == nil {
		tr = membus.New()
	}
	s, err := New(cfg, tr)
	if err != nil {
		t.Fatalf("%s - New: %v", serverTestPrefix, err)
	}
	t.Cleanup(func() { _ = s.engine.Close() })
	return s
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestHandleReady(t *testing.T) {
	s := testServer(t, testConfig(), nil)
	h := s.Handler()

	if rec := get(t, h, "/ready"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("%s - before Ready: status = %d, want 503", serverTestPrefix, rec.Code)
	}
	if err := s.engine.Ready(context.Background()); err != nil {
		t.Fatalf("%s - Ready: %v", serverTestPrefix, err)
	}
	rec := get(t, h, "/ready")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ready"`) {
		t.Errorf("%s - after Ready: %d %s", serverTestPrefix, rec.Code, rec.Body.String())
	}
	_ = s.engine.Close()
	if rec := get(t, h, "/ready"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("%s - after Close: status = %d, want 503", serverTestPrefix, rec.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	s := testServer(t, testConfig(), nil)
	h := s.Handler()

	rec := get(t, h, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("%s - status = %d, want 200", serverTestPrefix, rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("%s - Content-Type = %q", serverTestPrefix, ct)
	}
	var out HealthOutput
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("%s - decode: %v", serverTestPrefix, err)
	}
	if out.Status != "healthy" || !out.Checks.Engine || !out.Checks.Transport || out.Service != "server-test" {
		t.Errorf("%s - health = %+v", serverTestPrefix, out)
	}

	_ = s.engine.Close()
	if rec := get(t, h, "/health"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("%s - closed engine: status = %d, want 503", serverTestPrefix, rec.Code)
	}
}

func TestHandleActions_Filter(t *testing.T) {
	s := testServer(t, testConfig(), nil)
	if err := s.engine.Ready(context.Background()); err != nil {
		t.Fatalf("%s - Ready: %v", serverTestPrefix, err)
	}
	if _, err := s.engine.Add(pattern.Pattern{"topic": "math", "cmd": "add"}, func(context.Context, *engine.Request) (interface{}, error) {
		return nil, nil
	}); err != nil {
		t.Fatalf("%s - Add: %v", serverTestPrefix, err)
	}
	h := s.Handler()

	var all []stats.ActionInfo
	if err := json.Unmarshal(get(t, h, "/actions").Body.Bytes(), &all); err != nil {
		t.Fatalf("%s - decode: %v", serverTestPrefix, err)
	}
	if len(all) != 3 {
		t.Errorf("%s - %d actions, want 3 (2 stats + math): %v", serverTestPrefix, len(all), all)
	}

	var math []stats.ActionInfo
	if err := json.Unmarshal(get(t, h, "/actions?topic=math").Body.Bytes(), &math); err != nil {
		t.Fatalf("%s - decode: %v", serverTestPrefix, err)
	}
	if len(math) != 1 || math[0].Pattern != "cmd:add,topic:math" {
		t.Errorf("%s - filtered actions = %v", serverTestPrefix, math)
	}
}

func TestHandleMetrics(t *testing.T) {
	s := testServer(t, testConfig(), nil)
	if err := s.engine.Ready(context.Background()); err != nil {
		t.Fatalf("%s - Ready: %v", serverTestPrefix, err)
	}
	if _, err := s.engine.Act(context.Background(), pattern.Pattern{"topic": "stats", "cmd": "processInfo"}); err != nil {
		t.Fatalf("%s - Act: %v", serverTestPrefix, err)
	}

	rec := get(t, s.Handler(), "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("%s - status = %d", serverTestPrefix, rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"actbus_requests_total", "actbus_actions_registered 2", "go_goroutines"} {
		if !strings.Contains(body, want) {
			t.Errorf("%s - metrics output missing %q", serverTestPrefix, want)
		}
	}
}

func TestHandleMetrics_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.MetricsEnabled = false
	s := testServer(t, cfg, nil)

	if rec := get(t, s.Handler(), "/metrics"); rec.Code != http.StatusNotFound {
		t.Errorf("%s - status = %d, want 404", serverTestPrefix, rec.Code)
	}
}

func TestHandleHome(t *testing.T) {
	s := testServer(t, testConfig(), nil)
	if err := s.engine.Ready(context.Background()); err != nil {
		t.Fatalf("%s - Ready: %v", serverTestPrefix, err)
	}
	h := s.Handler()

	rec := get(t, h, "/")
	if rec.Code != http.StatusOK {
		t.Fatalf("%s - status = %d", serverTestPrefix, rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"server-test", "cmd:processInfo,topic:stats", "validator", "status-healthy"} {
		if !strings.Contains(body, want) {
			t.Errorf("%s - home page missing %q", serverTestPrefix, want)
		}
	}

	if rec := get(t, h, "/unknown"); rec.Code != http.StatusNotFound {
		t.Errorf("%s - unknown path status = %d, want 404", serverTestPrefix, rec.Code)
	}
}

func TestNew_EventRelay(t *testing.T) {
	bus := membus.New()
	cfg := testConfig()
	cfg.EventsSubject = "actbus.events"
	s := testServer(t, cfg, bus)

	got := make(chan []byte, 1)
	if _, err := bus.Subscribe("actbus.events.clientResponseError", transport.SubscribeOptions{}, func(data []byte, _ string) {
		got <- data
	}); err != nil {
		t.Fatalf("%s - Subscribe: %v", serverTestPrefix, err)
	}

	if _, err := s.engine.Act(context.Background(), pattern.Pattern{"topic": "nobody", "cmd": "x"}); err == nil {
		t.Fatalf("%s - expected an error without responders", serverTestPrefix)
	}

	select {
	case data := <-got:
		var ev map[string]interface{}
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("%s - decode event: %v", serverTestPrefix, err)
		}
		if ev["name"] != "clientResponseError" || ev["topic"] != "nobody" {
			t.Errorf("%s - event = %v", serverTestPrefix, ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("%s - no event relayed", serverTestPrefix)
	}
}

func TestStartShutdown_NATS(t *testing.T) {
	ns, err := commsserver.NewServer(&commsserver.Options{Host: "127.0.0.1", Port: 14350, NoLog: true, NoSigs: true})
	if err != nil {
		t.Fatalf("%s - failed to create NATS server: %v", serverTestPrefix, err)
	}
	go ns.Start()
	defer func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	}()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatalf("%s - NATS server failed to start", serverTestPrefix)
	}

	cfg := testConfig()
	cfg.NATSURL = ns.ClientURL()
	bus, err := natsbus.Connect(cfg.NATSURL, cfg.ServiceName)
	if err != nil {
		t.Fatalf("%s - Connect: %v", serverTestPrefix, err)
	}
	s, err := New(cfg, bus)
	if err != nil {
		t.Fatalf("%s - New: %v", serverTestPrefix, err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("%s - Start: %v", serverTestPrefix, err)
	}
	if s.Addr() == "" {
		t.Fatalf("%s - Addr empty after Start", serverTestPrefix)
	}

	resp, err := http.Get("http://" + s.Addr() + "/health")
	if err != nil {
		t.Fatalf("%s - GET /health: %v", serverTestPrefix, err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"transport":true`) {
		t.Errorf("%s - /health = %d %s", serverTestPrefix, resp.StatusCode, body)
	}

	res, err := s.Engine().Act(context.Background(), pattern.Pattern{"topic": "stats", "cmd": "processInfo"})
	if err != nil {
		t.Fatalf("%s - Act over NATS: %v", serverTestPrefix, err)
	}
	info, _ := res.(map[string]interface{})
	if info["service"] != "server-test" {
		t.Errorf("%s - processInfo = %v", serverTestPrefix, res)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Errorf("%s - Shutdown: %v", serverTestPrefix, err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for bus.IsConnected() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if bus.IsConnected() {
		t.Errorf("%s - connection still open after Shutdown", serverTestPrefix)
	}
	if _, err := http.Get("http://" + s.Addr() + "/health"); err == nil {
		t.Errorf("%s - HTTP server still serving after Shutdown", serverTestPrefix)
	}
}
