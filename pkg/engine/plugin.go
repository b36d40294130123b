package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/morezero/actbus/pkg/events"
	"github.com/morezero/actbus/pkg/pattern"
	"github.com/morezero/actbus/pkg/rpcerr"
	"github.com/morezero/actbus/pkg/semver"
)

const pluginLogPrefix = "engine:plugin"

// Plugin bundles actions, extensions and observers under a name.
type Plugin struct {
	Name string
	// Version is an optional strict SemVer version.
	Version string
	Options map[string]interface{}
	// Register is called once by Ready, in Use order.
	Register func(s *Scope) error
}

// PluginInfo describes a loaded plugin.
type PluginInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

type pluginTable struct {
	mu      sync.Mutex
	names   map[string]bool
	pending []*Plugin
	loaded  []PluginInfo
}

// Scope is the registration handle given to Plugin.Register. Actions added
// through it record the plugin as their owner.
type Scope struct {
	engine *Engine
	plugin *Plugin
}

// Name returns the plugin name.
func (s *Scope) Name() string { return s.plugin.Name }

// Options returns the plugin options.
func (s *Scope) Options() map[string]interface{} { return s.plugin.Options }

// Engine returns the engine the plugin is loaded into.
func (s *Scope) Engine() *Engine { return s.engine }

// Add registers an action owned by the plugin.
func (s *Scope) Add(p pattern.Pattern, h Handler, mw ...Middleware) (*Action, error) {
	return s.engine.add(p, h, mw, s.plugin.Name)
}

// Act calls another action.
func (s *Scope) Act(ctx context.Context, p pattern.Pattern) (interface{}, error) {
	return s.engine.Act(ctx, p)
}

// Ext registers an extension stage.
func (s *Scope) Ext(point string, fn interface{}) error {
	return s.engine.Ext(point, fn)
}

// OnEvent registers a lifecycle observer.
func (s *Scope) OnEvent(name string, fn events.Observer) {
	s.engine.OnEvent(name, fn)
}

// Use queues p for loading by Ready, or loads it at once when the engine is
// already ready. Duplicate names, invalid names and invalid versions fail
// with PluginRegistrationError.
func (e *Engine) Use(p Plugin) error {
	if e.closed.Load() {
		return closedError()
	}
	if !semver.ValidatePluginName(p.Name) {
		return rpcerr.Newf(rpcerr.PluginRegistrationError, "invalid plugin name %q", p.Name)
	}
	if p.Register == nil {
		return rpcerr.Newf(rpcerr.PluginRegistrationError, "plugin %s has no Register function", p.Name)
	}
	if p.Version != "" {
		if _, err := semver.ParseVersion(p.Version); err != nil {
			return rpcerr.Wrap(rpcerr.PluginRegistrationError, fmt.Sprintf("plugin %s has an invalid version", p.Name), err)
		}
	}

	e.plugins.mu.Lock()
	if e.plugins.names == nil {
		e.plugins.names = make(map[string]bool)
	}
	if e.plugins.names[p.Name] {
		e.plugins.mu.Unlock()
		return rpcerr.Newf(rpcerr.PluginRegistrationError, "plugin %s is already registered", p.Name)
	}
	e.plugins.names[p.Name] = true
	plugin := p
	e.plugins.pending = append(e.plugins.pending, &plugin)
	e.plugins.mu.Unlock()

	slog.Debug(fmt.Sprintf("%s - Queued plugin %s %s", pluginLogPrefix, p.Name, p.Version))

	if e.ready.Load() {
		return e.loadPending()
	}
	return nil
}

// Ready loads the queued plugins in Use order. The first failing plugin
// aborts loading with PluginRegistrationError. Ready may be called again to
// load plugins queued later.
func (e *Engine) Ready(ctx context.Context) error {
	if e.closed.Load() {
		return closedError()
	}
	if err := e.loadPending(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.ready.CompareAndSwap(false, true) {
		slog.Info(fmt.Sprintf("%s - Engine %s ready with %d actions", pluginLogPrefix, e.cfg.Name, e.router.Len()))
	}
	return nil
}

// Plugins returns the loaded plugins in load order.
func (e *Engine) Plugins() []PluginInfo {
	e.plugins.mu.Lock()
	defer e.plugins.mu.Unlock()
	return append([]PluginInfo(nil), e.plugins.loaded...)
}

func (e *Engine) loadPending() error {
	for {
		e.plugins.mu.Lock()
		if len(e.plugins.pending) == 0 {
			e.plugins.mu.Unlock()
			return nil
		}
		p := e.plugins.pending[0]
		e.plugins.pending = e.plugins.pending[1:]
		e.plugins.mu.Unlock()

		if err := e.loadPlugin(p); err != nil {
			return err
		}
	}
}

func (e *Engine) loadPlugin(p *Plugin) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = rpcerr.Newf(rpcerr.PluginRegistrationError, "plugin %s panicked during registration: %v", p.Name, r)
		}
	}()

	if err := p.Register(&Scope{engine: e, plugin: p}); err != nil {
		return rpcerr.Wrap(rpcerr.PluginRegistrationError, fmt.Sprintf("plugin %s failed to register", p.Name), err)
	}

	e.plugins.mu.Lock()
	e.plugins.loaded = append(e.plugins.loaded, PluginInfo{Name: p.Name, Version: p.Version})
	e.plugins.mu.Unlock()

	slog.Info(fmt.Sprintf("%s - Loaded plugin %s %s", pluginLogPrefix, p.Name, p.Version))
	return nil
}
