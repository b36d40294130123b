// Package pipeline runs ordered extension stages around a request or response.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/morezero/actbus/pkg/rpcerr"
)

const logPrefix = "pipeline:pipeline"

// Kind tells the driver what to do after a stage.
type Kind int

const (
	// KindContinue runs the next stage.
	KindContinue Kind = iota
	// KindEnd skips the remaining stages and finishes with the stage's value.
	KindEnd
	// KindFail aborts the remaining stages with an error.
	KindFail
)

// Outcome is the result of a single stage.
type Outcome struct {
	kind     Kind
	value    interface{}
	hasValue bool
	err      error
}

// Continue proceeds to the next stage with the incoming value unchanged.
func Continue() Outcome {
	return Outcome{kind: KindContinue}
}

// ContinueWith proceeds to the next stage, handing it v as its incoming value.
func ContinueWith(v interface{}) Outcome {
	return Outcome{kind: KindContinue, value: v, hasValue: true}
}

// End short-circuits the pipeline with v as the final value.
func End(v interface{}) Outcome {
	return Outcome{kind: KindEnd, value: v, hasValue: true}
}

// Fail aborts the pipeline with err. Fail(nil) behaves like Continue.
func Fail(err error) Outcome {
	if err == nil {
		return Continue()
	}
	return Outcome{kind: KindFail, err: err}
}

// Kind returns the outcome kind.
func (o Outcome) Kind() Kind { return o.kind }

// Value returns the value carried by ContinueWith or End.
func (o Outcome) Value() interface{} { return o.value }

// Err returns the error carried by Fail.
func (o Outcome) Err() error { return o.err }

// Stage is one extension. in is the value handed on by the previous stage, nil for the first.
type Stage[T any] func(ctx context.Context, arg T, in interface{}) Outcome

// Result is the outcome of a whole run.
type Result struct {
	// Value is the last value handed on, or the End value.
	Value interface{}
	// Ended is true when a stage short-circuited.
	Ended bool
	// Err is set when a stage failed or panicked.
	Err error
	// Panicked is true when Err was produced by a recovered panic.
	Panicked bool
}

// Pipeline is an ordered list of stages bound to one extension point.
// Stages run strictly in series, in registration order.
type Pipeline[T any] struct {
	name   string
	mu     sync.RWMutex
	stages []Stage[T]
}

// New creates an empty pipeline.
func New[T any](name string) *Pipeline[T] {
	return &Pipeline[T]{name: name}
}

// Name returns the extension point name.
func (p *Pipeline[T]) Name() string {
	return p.name
}

// Add appends a stage.
func (p *Pipeline[T]) Add(s Stage[T]) {
	p.mu.Lock()
	p.stages = append(p.stages, s)
	p.mu.Unlock()
}

// Len returns the number of stages.
func (p *Pipeline[T]) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.stages)
}

// Run invokes the stages in order. A panicking stage fails the run with FatalError.
func (p *Pipeline[T]) Run(ctx context.Context, arg T) Result {
	p.mu.RLock()
	stages := make([]Stage[T], len(p.stages))
	copy(stages, p.stages)
	p.mu.RUnlock()

	var value interface{}
	for i, stage := range stages {
		if err := ctx.Err(); err != nil {
			return Result{Value: value, Err: err}
		}

		out, panicked := p.invoke(ctx, i, stage, arg, value)
		switch out.kind {
		case KindFail:
			slog.Debug(fmt.Sprintf("%s - %s stage %d failed: %v", logPrefix, p.name, i, out.err))
			return Result{Value: value, Err: out.err, Panicked: panicked}
		case KindEnd:
			return Result{Value: out.value, Ended: true}
		default:
			if out.hasValue {
				value = out.value
			}
		}
	}
	return Result{Value: value}
}

func (p *Pipeline[T]) invoke(ctx context.Context, i int, stage Stage[T], arg T, in interface{}) (out Outcome, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			slog.Error(fmt.Sprintf("%s - %s stage %d panicked: %v", logPrefix, p.name, i, r))
			e := rpcerr.Newf(rpcerr.FatalError, "%s stage %d panicked: %v", p.name, i, r)
			e.Stack = string(debug.Stack())
			out = Fail(e)
		}
	}()
	return stage(ctx, arg, in), false
}
