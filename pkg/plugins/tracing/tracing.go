// Package tracing records OpenTelemetry spans for completed calls.
//
// Trace and span ids of the call envelopes are ULIDs; their 128 bits map
// directly onto OpenTelemetry trace ids, and the low 64 bits of a span ULID
// onto an OpenTelemetry span id. A client span is recorded under the ids of
// its envelope and a server span as a child of that client span, provided the
// tracer provider uses IDGenerator (NewTracerProvider installs it). Any other
// provider picks its own client span ids, and root trace ids, so server spans
// point at a parent that was never recorded.
package tracing

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/morezero/actbus/pkg/engine"
	"github.com/morezero/actbus/pkg/events"
)

const logPrefix = "tracing:tracing"

// Name is the plugin name.
const Name = "tracing"

// InstrumentationName names the tracer.
const InstrumentationName = "github.com/morezero/actbus"

// Tracer turns lifecycle events into spans.
type Tracer struct {
	tracer trace.Tracer
}

// New creates a Tracer. A nil provider means the global provider.
func New(tp trace.TracerProvider) *Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Tracer{tracer: tp.Tracer(InstrumentationName)}
}

// Plugin returns the plugin that records a client span per completed Act
// and a server span per answered request.
func (t *Tracer) Plugin() engine.Plugin {
	return engine.Plugin{
		Name:    Name,
		Version: "1.0.0",
		Register: func(s *engine.Scope) error {
			s.OnEvent(events.ClientPostRequest, t.observer(trace.SpanKindClient))
			s.OnEvent(events.ServerPreResponse, t.observer(trace.SpanKindServer))
			slog.Info(fmt.Sprintf("%s - Tracing plugin registered", logPrefix))
			return nil
		},
	}
}

func (t *Tracer) observer(kind trace.SpanKind) events.Observer {
	return func(ev *events.Event) {
		t.Record(kind, ev)
	}
}

// Record emits one finished span for ev. Server spans are children of the
// calling client span; client spans are children of their parent span.
func (t *Tracer) Record(kind trace.SpanKind, ev *events.Event) {
	parent := ev.Trace.ParentSpanID
	if kind == trace.SpanKindServer {
		parent = ev.Trace.SpanID
	}

	ctx := context.Background()
	if sc, ok := RemoteParent(ev.Trace.TraceID, parent); ok {
		ctx = trace.ContextWithRemoteSpanContext(ctx, sc)
	}
	if kind == trace.SpanKindClient {
		tid, tok := ulidTraceID(ev.Trace.TraceID)
		sid, sok := ulidSpanID(ev.Trace.SpanID)
		if tok && sok {
			ctx = withIDs(ctx, tid, sid)
		}
	}

	start := time.Now()
	if ev.Trace.Timestamp > 0 {
		start = time.Unix(0, ev.Trace.Timestamp)
	}

	attrs := []attribute.KeyValue{
		attribute.String("actbus.topic", ev.Topic),
		attribute.String("actbus.pattern", ev.Pattern),
		attribute.String("actbus.trace_id", ev.Trace.TraceID),
		attribute.String("actbus.span_id", ev.Trace.SpanID),
		attribute.String("actbus.request_id", ev.Request.ID),
		attribute.String("actbus.request_type", ev.Request.Type),
	}
	if ev.Plugin != "" {
		attrs = append(attrs, attribute.String("actbus.plugin", ev.Plugin))
	}

	_, span := t.tracer.Start(ctx, spanName(ev),
		trace.WithSpanKind(kind),
		trace.WithTimestamp(start),
		trace.WithAttributes(attrs...),
	)
	if ev.Err != nil {
		span.RecordError(ev.Err)
		span.SetStatus(codes.Error, ev.Err.Error())
	}
	span.End(trace.WithTimestamp(time.Now()))
}

func spanName(ev *events.Event) string {
	if ev.Pattern != "" {
		return ev.Pattern
	}
	return ev.Topic
}

// RemoteParent builds the span context of a remote parent from ULID ids.
// Both ids are required; a call without a parent span has no remote parent.
func RemoteParent(traceID, spanID string) (trace.SpanContext, bool) {
	tid, ok := ulidTraceID(traceID)
	if !ok {
		return trace.SpanContext{}, false
	}
	sid, ok := ulidSpanID(spanID)
	if !ok {
		return trace.SpanContext{}, false
	}

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    tid,
		SpanID:     sid,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	return sc, sc.IsValid()
}

func ulidTraceID(id string) (trace.TraceID, bool) {
	u, err := ulid.ParseStrict(id)
	if err != nil {
		return trace.TraceID{}, false
	}
	tid := trace.TraceID(u)
	return tid, tid.IsValid()
}

func ulidSpanID(id string) (trace.SpanID, bool) {
	u, err := ulid.ParseStrict(id)
	if err != nil {
		return trace.SpanID{}, false
	}
	var sid trace.SpanID
	copy(sid[:], u[8:])
	return sid, sid.IsValid()
}

type idsKey struct{}

type spanIDs struct {
	trace trace.TraceID
	span  trace.SpanID
}

func withIDs(ctx context.Context, tid trace.TraceID, sid trace.SpanID) context.Context {
	return context.WithValue(ctx, idsKey{}, spanIDs{trace: tid, span: sid})
}

// NewTracerProvider creates an SDK tracer provider that uses IDGenerator.
func NewTracerProvider(opts ...sdktrace.TracerProviderOption) *sdktrace.TracerProvider {
	opts = append([]sdktrace.TracerProviderOption{sdktrace.WithIDGenerator(IDGenerator())}, opts...)
	return sdktrace.NewTracerProvider(opts...)
}

// IDGenerator returns an id generator that gives client spans recorded by a
// Tracer the ids of their call envelope. All other spans get random ids.
func IDGenerator() sdktrace.IDGenerator {
	return idGenerator{}
}

type idGenerator struct{}

func (idGenerator) NewIDs(ctx context.Context) (trace.TraceID, trace.SpanID) {
	if ids, ok := ctx.Value(idsKey{}).(spanIDs); ok {
		return ids.trace, ids.span
	}
	return randomTraceID(), randomSpanID()
}

func (idGenerator) NewSpanID(ctx context.Context, traceID trace.TraceID) trace.SpanID {
	if ids, ok := ctx.Value(idsKey{}).(spanIDs); ok && ids.trace == traceID {
		return ids.span
	}
	return randomSpanID()
}

func randomTraceID() trace.TraceID {
	var tid trace.TraceID
	for !tid.IsValid() {
		_, _ = rand.Read(tid[:])
	}
	return tid
}

func randomSpanID() trace.SpanID {
	var sid trace.SpanID
	for !sid.IsValid() {
		_, _ = rand.Read(sid[:])
	}
	return sid
}
