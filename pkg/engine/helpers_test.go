package engine

import (
	"context"
	"testing"
	"time"

	"github.com/morezero/actbus/pkg/pattern"
	"github.com/morezero/actbus/pkg/transport/membus"
)

type P = pattern.Pattern

// newTestEngine creates an engine on a fresh in-process bus with crashing disabled.
func newTestEngine(t *testing.T, mutate ...func(*Config)) (*Engine, *membus.Bus) {
	t.Helper()

	bus := membus.New()
	cfg := DefaultConfig()
	cfg.Name = t.Name()
	cfg.CrashOnFatal = false
	cfg.DefaultTimeout = time.Second
	cfg.Load.SampleInterval = 0
	cfg.Exit = func(code int) {
		t.Errorf("engine:engine_test - unexpected exit(%d)", code)
	}
	for _, m := range mutate {
		m(&cfg)
	}

	e := New(bus, cfg)
	t.Cleanup(func() { _ = e.Close() })
	return e, bus
}

func mustAdd(t *testing.T, e *Engine, p P, h Handler, mw ...Middleware) *Action {
	t.Helper()
	a, err := e.Add(p, h, mw...)
	if err != nil {
		t.Fatalf("engine:engine_test - add %s: %v", p.String(), err)
	}
	return a
}

func addHandler(_ context.Context, req *Request) (interface{}, error) {
	a, _ := req.Float("a")
	b, _ := req.Float("b")
	return a + b, nil
}

func waitSignal(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("engine:engine_test - timeout waiting for %s", what)
	}
}
