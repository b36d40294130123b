// Package engine implements the add/act dispatch engine: pattern routing,
// request/reply correlation, extension pipelines and timeout supervision on
// top of a pub/sub transport.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"

	"github.com/morezero/actbus/pkg/codec"
	"github.com/morezero/actbus/pkg/events"
	"github.com/morezero/actbus/pkg/pattern"
	"github.com/morezero/actbus/pkg/pipeline"
	"github.com/morezero/actbus/pkg/router"
	"github.com/morezero/actbus/pkg/rpcerr"
	"github.com/morezero/actbus/pkg/transport"
)

const logPrefix = "engine:engine"

// Extension point names.
const (
	PointClientPreRequest  = "onClientPreRequest"
	PointClientPostRequest = "onClientPostRequest"
	PointServerPreRequest  = "onServerPreRequest"
	PointServerPreHandler  = "onServerPreHandler"
	PointServerPreResponse = "onServerPreResponse"
)

// flusher is implemented by transports that buffer outgoing messages.
type flusher interface {
	Flush() error
}

type topicSub struct {
	sub       transport.Subscription
	refs      int
	broadcast bool
}

// Engine owns the router, the extension pipelines, the plugins and the
// transport of one service. Several engines may share a process.
type Engine struct {
	cfg       Config
	codec     codec.Codec
	transport transport.Transport
	router    *router.Router[*Action]
	events    *events.Bus

	clientPre    *pipeline.Pipeline[*CallContext]
	clientPost   *pipeline.Pipeline[*CallContext]
	serverPre    *pipeline.Pipeline[*Exchange]
	serverPreH   *pipeline.Pipeline[*Exchange]
	serverPreRes *pipeline.Pipeline[*Exchange]

	mu   sync.Mutex
	subs map[string]*topicSub

	plugins pluginTable

	// lifecycle guards closed against in-flight dispatch accounting.
	lifecycle sync.RWMutex
	closed    atomic.Bool
	ready     atomic.Bool
	inflight  sync.WaitGroup
	slots     *semaphore.Weighted
	baseCtx   context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error

	load *loadSampler
}

// New creates an engine on t. Name, DefaultTimeout, Codec, QueueGroupPrefix,
// MaxInFlight and Exit take their DefaultConfig value when zero; CrashOnFatal
// and Load are used as given, so start from DefaultConfig to keep their defaults.
func New(t transport.Transport, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:          cfg,
		codec:        cfg.Codec,
		transport:    t,
		router:       router.New[*Action](),
		events:       events.NewBus(),
		clientPre:    pipeline.New[*CallContext](PointClientPreRequest),
		clientPost:   pipeline.New[*CallContext](PointClientPostRequest),
		serverPre:    pipeline.New[*Exchange](PointServerPreRequest),
		serverPreH:   pipeline.New[*Exchange](PointServerPreHandler),
		serverPreRes: pipeline.New[*Exchange](PointServerPreResponse),
		subs:         make(map[string]*topicSub),
		slots:        semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		baseCtx:      ctx,
		cancel:       cancel,
		load:         newLoadSampler(cfg.Load.SampleInterval),
	}
	e.registerBuiltins()
	e.load.start()

	slog.Info(fmt.Sprintf("%s - Engine %s created (codec=%s, timeout=%s)", logPrefix, cfg.Name, e.codec.Name(), cfg.DefaultTimeout))
	return e
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Codec returns the envelope codec.
func (e *Engine) Codec() codec.Codec {
	return e.codec
}

// Transport returns the underlying transport.
func (e *Engine) Transport() transport.Transport {
	return e.transport
}

// OnEvent registers an observer for the lifecycle event name. Observers never
// affect the call they observe.
func (e *Engine) OnEvent(name string, fn events.Observer) {
	e.events.On(name, fn)
}

// Events returns the observer bus.
func (e *Engine) Events() *events.Bus {
	return e.events
}

// OnClientPreRequest appends a stage that runs before a request is encoded and sent.
func (e *Engine) OnClientPreRequest(s ClientStage) { e.clientPre.Add(s) }

// OnClientPostRequest appends a stage that runs once the reply, timeout or failure is known.
func (e *Engine) OnClientPostRequest(s ClientStage) { e.clientPost.Add(s) }

// OnServerPreRequest appends a stage that runs before the action lookup.
func (e *Engine) OnServerPreRequest(s ServerStage) { e.serverPre.Add(s) }

// OnServerPreHandler appends a stage that runs between lookup and handler.
// Validators hook in here.
func (e *Engine) OnServerPreHandler(s ServerStage) { e.serverPreH.Add(s) }

// OnServerPreResponse appends a stage that runs before the reply is sent.
func (e *Engine) OnServerPreResponse(s ServerStage) { e.serverPreRes.Add(s) }

// Ext registers fn at the named extension point. fn must be a ClientStage for
// client points and a ServerStage for server points.
func (e *Engine) Ext(point string, fn interface{}) error {
	switch point {
	case PointClientPreRequest, PointClientPostRequest:
		var s ClientStage
		switch f := fn.(type) {
		case ClientStage:
			s = f
		case func(context.Context, *CallContext, interface{}) pipeline.Outcome:
			s = f
		default:
			return fmt.Errorf("%s - %s expects a client stage, got %T", logPrefix, point, fn)
		}
		if point == PointClientPreRequest {
			e.OnClientPreRequest(s)
		} else {
			e.OnClientPostRequest(s)
		}
	case PointServerPreRequest, PointServerPreHandler, PointServerPreResponse:
		var s ServerStage
		switch f := fn.(type) {
		case ServerStage:
			s = f
		case func(context.Context, *Exchange, interface{}) pipeline.Outcome:
			s = f
		default:
			return fmt.Errorf("%s - %s expects a server stage, got %T", logPrefix, point, fn)
		}
		switch point {
		case PointServerPreRequest:
			e.OnServerPreRequest(s)
		case PointServerPreHandler:
			e.OnServerPreHandler(s)
		default:
			e.OnServerPreResponse(s)
		}
	default:
		return fmt.Errorf("%s - unknown extension point %q", logPrefix, point)
	}
	slog.Debug(fmt.Sprintf("%s - Registered extension at %s", logPrefix, point))
	return nil
}

// List returns the registered actions whose pattern contains every field of
// filter, in registration order. A nil filter lists everything.
func (e *Engine) List(filter pattern.Pattern) []*Action {
	return e.router.List(filter)
}

// Load returns the latest load sample.
func (e *Engine) Load() LoadSnapshot {
	return e.load.snapshot()
}

// IsReady reports whether Ready has completed.
func (e *Engine) IsReady() bool {
	return e.ready.Load()
}

// IsClosed reports whether Close has been called.
func (e *Engine) IsClosed() bool {
	return e.closed.Load()
}

// Close stops accepting requests, waits for in-flight requests, stops the
// load sampler and closes the transport. Outstanding Act calls fail with the
// transport error or time out. Close is idempotent.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.lifecycle.Lock()
		e.closed.Store(true)
		e.lifecycle.Unlock()

		e.events.Emit(&events.Event{Name: events.Close})

		e.mu.Lock()
		for topic, ts := range e.subs {
			if err := ts.sub.Unsubscribe(); err != nil {
				slog.Warn(fmt.Sprintf("%s - Failed to unsubscribe %s: %v", logPrefix, topic, err))
			}
		}
		e.subs = make(map[string]*topicSub)
		e.mu.Unlock()

		e.cancel()
		e.inflight.Wait()
		e.load.stop()

		if err := e.transport.Close(); err != nil {
			e.closeErr = fmt.Errorf("%s - failed to close transport: %w", logPrefix, err)
		}
		slog.Info(fmt.Sprintf("%s - Engine %s closed", logPrefix, e.cfg.Name))
	})
	return e.closeErr
}

// emit delivers a lifecycle event for call when anyone listens.
func (e *Engine) emit(name string, call *CallContext) {
	if !e.events.Has(name) {
		return
	}
	ev := &events.Event{
		Name:    name,
		Topic:   call.Control.Topic,
		Pattern: call.CleanPattern.String(),
		Trace:   call.Trace,
		Request: call.Request,
		Meta:    call.Meta,
		Err:     call.Err,
	}
	if call.Action != nil {
		ev.Plugin = call.Action.Plugin
	}
	e.events.Emit(ev)
}

// fatal terminates the process when CrashOnFatal is set.
func (e *Engine) fatal(err error) {
	if !e.cfg.CrashOnFatal {
		slog.Error(fmt.Sprintf("%s - Fatal error, crash suppressed: %v", logPrefix, err))
		return
	}
	slog.Error(fmt.Sprintf("%s - Fatal error, exiting: %v", logPrefix, err))
	if f, ok := e.transport.(flusher); ok {
		if ferr := f.Flush(); ferr != nil {
			slog.Warn(fmt.Sprintf("%s - Failed to flush before exit: %v", logPrefix, ferr))
		}
	}
	e.cfg.Exit(1)
}

func closedError() error {
	return rpcerr.Wrap(rpcerr.TransportError, "engine is closed", transport.ErrClosed)
}
