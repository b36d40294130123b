// Package stats serves introspection actions about the running engine.
package stats

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/morezero/actbus/pkg/engine"
	"github.com/morezero/actbus/pkg/pattern"
)

const logPrefix = "stats:stats"

// Name is the plugin name.
const Name = "stats"

// DefaultTopic is used when the "topic" option is unset.
const DefaultTopic = "stats"

// ActionInfo describes one registered action.
type ActionInfo struct {
	Pattern   string `json:"pattern"`
	Topic     string `json:"topic"`
	Plugin    string `json:"plugin,omitempty"`
	Broadcast bool   `json:"broadcast,omitempty"`
}

// ProcessInfo describes the serving process.
type ProcessInfo struct {
	Service    string              `json:"service"`
	PID        int                 `json:"pid"`
	Hostname   string              `json:"hostname,omitempty"`
	Uptime     string              `json:"uptime"`
	Goroutines int                 `json:"goroutines"`
	HeapBytes  uint64              `json:"heapBytes"`
	Lag        string              `json:"lag"`
	Actions    int                 `json:"actions"`
	Plugins    []engine.PluginInfo `json:"plugins"`
	Codec      string              `json:"codec"`
}

// Plugin returns the stats plugin. opts may set "topic".
func Plugin(opts map[string]interface{}) engine.Plugin {
	return engine.Plugin{
		Name:     Name,
		Version:  "1.0.0",
		Options:  opts,
		Register: register,
	}
}

func register(s *engine.Scope) error {
	topic := DefaultTopic
	if t, ok := s.Options()["topic"].(string); ok && t != "" {
		topic = t
	}
	started := time.Now()
	e := s.Engine()

	if _, err := s.Add(pattern.Pattern{"topic": topic, "cmd": "processInfo"}, func(context.Context, *engine.Request) (interface{}, error) {
		return Process(e, started), nil
	}); err != nil {
		return fmt.Errorf("%s - failed to add processInfo: %w", logPrefix, err)
	}

	if _, err := s.Add(pattern.Pattern{"topic": topic, "cmd": "registeredActions"}, func(_ context.Context, req *engine.Request) (interface{}, error) {
		var filter pattern.Pattern
		if f, ok := req.Get("filter").(map[string]interface{}); ok {
			filter = pattern.Pattern(f)
		}
		return Actions(e, filter), nil
	}); err != nil {
		return fmt.Errorf("%s - failed to add registeredActions: %w", logPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Stats actions registered on topic %s", logPrefix, topic))
	return nil
}

// Process samples the process state of e.
func Process(e *engine.Engine, started time.Time) ProcessInfo {
	load := e.Load()
	hostname, _ := os.Hostname()
	return ProcessInfo{
		Service:    e.Config().Name,
		PID:        os.Getpid(),
		Hostname:   hostname,
		Uptime:     time.Since(started).Round(time.Millisecond).String(),
		Goroutines: load.Goroutines,
		HeapBytes:  load.HeapBytes,
		Lag:        load.Lag.String(),
		Actions:    len(e.List(nil)),
		Plugins:    e.Plugins(),
		Codec:      e.Codec().Name(),
	}
}

// Actions lists the actions of e matching filter.
func Actions(e *engine.Engine, filter pattern.Pattern) []ActionInfo {
	list := e.List(filter)
	out := make([]ActionInfo, 0, len(list))
	for _, a := range list {
		out = append(out, ActionInfo{
			Pattern:   a.Pattern.String(),
			Topic:     a.Topic,
			Plugin:    a.Plugin,
			Broadcast: a.Broadcast,
		})
	}
	return out
}
