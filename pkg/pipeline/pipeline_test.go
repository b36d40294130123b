package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/morezero/actbus/pkg/rpcerr"
)

type recorder struct {
	calls []string
}

func stage(name string, out func(in interface{}) Outcome) Stage[*recorder] {
	return func(_ context.Context, r *recorder, in interface{}) Outcome {
		r.calls = append(r.calls, name)
		return out(in)
	}
}

func TestRun_InOrder(t *testing.T) {
	p := New[*recorder]("test")
	for _, n := range []string{"a", "b", "c"} {
		p.Add(stage(n, func(interface{}) Outcome { return Continue() }))
	}

	r := &recorder{}
	res := p.Run(context.Background(), r)
	if res.Err != nil || res.Ended {
		t.Fatalf("pipeline:pipeline_test - unexpected result %+v", res)
	}
	if got := len(r.calls); got != 3 || r.calls[0] != "a" || r.calls[2] != "c" {
		t.Errorf("pipeline:pipeline_test - calls = %v, want [a b c]", r.calls)
	}
}

func TestRun_EndShortCircuits(t *testing.T) {
	p := New[*recorder]("test")
	p.Add(stage("a", func(interface{}) Outcome { return Continue() }))
	p.Add(stage("b", func(interface{}) Outcome { return End(42) }))
	p.Add(stage("c", func(interface{}) Outcome { return Continue() }))

	r := &recorder{}
	res := p.Run(context.Background(), r)
	if !res.Ended || res.Value != 42 || res.Err != nil {
		t.Errorf("pipeline:pipeline_test - result = %+v, want ended with 42", res)
	}
	if len(r.calls) != 2 {
		t.Errorf("pipeline:pipeline_test - calls = %v, stage c must not run", r.calls)
	}
}

func TestRun_FailAborts(t *testing.T) {
	boom := errors.New("boom")
	p := New[*recorder]("test")
	p.Add(stage("a", func(interface{}) Outcome { return Fail(boom) }))
	p.Add(stage("b", func(interface{}) Outcome { return Continue() }))

	r := &recorder{}
	res := p.Run(context.Background(), r)
	if !errors.Is(res.Err, boom) {
		t.Errorf("pipeline:pipeline_test - err = %v, want boom", res.Err)
	}
	if len(r.calls) != 1 {
		t.Errorf("pipeline:pipeline_test - calls = %v, stage b must not run", r.calls)
	}
}

func TestRun_ContinueWithPassesValue(t *testing.T) {
	p := New[*recorder]("test")
	p.Add(stage("a", func(interface{}) Outcome { return ContinueWith("from-a") }))
	var seenByB interface{}
	p.Add(stage("b", func(in interface{}) Outcome { seenByB = in; return Continue() }))
	var seenByC interface{}
	p.Add(stage("c", func(in interface{}) Outcome { seenByC = in; return Continue() }))

	res := p.Run(context.Background(), &recorder{})
	if seenByB != "from-a" || seenByC != "from-a" {
		t.Errorf("pipeline:pipeline_test - b saw %v, c saw %v, want from-a", seenByB, seenByC)
	}
	if res.Ended || res.Value != "from-a" {
		t.Errorf("pipeline:pipeline_test - result = %+v", res)
	}
}

func TestRun_FailNilContinues(t *testing.T) {
	p := New[*recorder]("test")
	p.Add(stage("a", func(interface{}) Outcome { return Fail(nil) }))
	p.Add(stage("b", func(interface{}) Outcome { return Continue() }))

	r := &recorder{}
	if res := p.Run(context.Background(), r); res.Err != nil {
		t.Fatalf("pipeline:pipeline_test - err = %v", res.Err)
	}
	if len(r.calls) != 2 {
		t.Errorf("pipeline:pipeline_test - calls = %v", r.calls)
	}
}

func TestRun_PanicBecomesFatalError(t *testing.T) {
	p := New[*recorder]("test")
	p.Add(stage("a", func(interface{}) Outcome { panic("kaboom") }))

	res := p.Run(context.Background(), &recorder{})
	if !errors.Is(res.Err, rpcerr.ErrFatal) {
		t.Fatalf("pipeline:pipeline_test - err = %v, want FatalError", res.Err)
	}
	if !res.Panicked {
		t.Error("pipeline:pipeline_test - Panicked should be set")
	}
	var e *rpcerr.Error
	if errors.As(res.Err, &e) && e.Stack == "" {
		t.Error("pipeline:pipeline_test - expected a stack trace")
	}
}

func TestRun_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := New[*recorder]("test")
	p.Add(stage("a", func(interface{}) Outcome { return Continue() }))

	r := &recorder{}
	res := p.Run(ctx, r)
	if !errors.Is(res.Err, context.Canceled) {
		t.Errorf("pipeline:pipeline_test - err = %v, want context.Canceled", res.Err)
	}
	if len(r.calls) != 0 {
		t.Errorf("pipeline:pipeline_test - no stage should run, got %v", r.calls)
	}
}

func TestEmptyPipeline(t *testing.T) {
	p := New[*recorder]("empty")
	if p.Len() != 0 || p.Name() != "empty" {
		t.Fatalf("pipeline:pipeline_test - Len=%d Name=%q", p.Len(), p.Name())
	}
	res := p.Run(context.Background(), &recorder{})
	if res.Err != nil || res.Ended || res.Value != nil {
		t.Errorf("pipeline:pipeline_test - result = %+v", res)
	}
}
