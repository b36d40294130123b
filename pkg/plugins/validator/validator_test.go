package validator

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/morezero/actbus/pkg/engine"
	"github.com/morezero/actbus/pkg/pattern"
	"github.com/morezero/actbus/pkg/rpcerr"
	"github.com/morezero/actbus/pkg/transport/membus"
)

func newEngine(t *testing.T) *engine.Engine {
	t.Helper()
	cfg := engine.DefaultConfig()
	cfg.CrashOnFatal = false
	cfg.DefaultTimeout = time.Second
	cfg.Load.SampleInterval = 0
	e := engine.New(membus.New(), cfg)
	t.Cleanup(func() { _ = e.Close() })

	if err := e.Use(New().Plugin()); err != nil {
		t.Fatalf("validator:validator_test - Use: %v", err)
	}
	if err := e.Ready(context.Background()); err != nil {
		t.Fatalf("validator:validator_test - Ready: %v", err)
	}
	return e
}

func TestBuildSchema(t *testing.T) {
	doc, err := BuildSchema(map[string]map[string]interface{}{
		"b":    {"type": "number", "required": true},
		"a":    {"type": "number", "required": true},
		"note": {"type": "string", "required": false, "maxLength": 10},
	})
	if err != nil {
		t.Fatalf("validator:validator_test - unexpected error: %v", err)
	}
	if doc["type"] != "object" {
		t.Errorf("validator:validator_test - type = %v", doc["type"])
	}
	if !reflect.DeepEqual(doc["required"], []string{"a", "b"}) {
		t.Errorf("validator:validator_test - required = %v", doc["required"])
	}
	props := doc["properties"].(map[string]interface{})
	note := props["note"].(map[string]interface{})
	if _, ok := note["required"]; ok {
		t.Error("validator:validator_test - required flag left in the fragment")
	}
	if note["maxLength"] != 10 {
		t.Errorf("validator:validator_test - note = %v", note)
	}

	if _, err := BuildSchema(map[string]map[string]interface{}{"a": {"required": "yes"}}); err == nil {
		t.Error("validator:validator_test - non-boolean required should fail")
	}
}

func TestValidator_RejectsInvalidPayloads(t *testing.T) {
	e := newEngine(t)

	var calls int
	_, err := e.Add(pattern.Pattern{
		"topic": "math",
		"cmd":   "add",
		"a":     map[string]interface{}{"type": "number", "required": true},
		"b":     map[string]interface{}{"type": "number", "required": true},
	}, func(_ context.Context, req *engine.Request) (interface{}, error) {
		calls++
		a, _ := req.Float("a")
		b, _ := req.Float("b")
		return a + b, nil
	})
	if err != nil {
		t.Fatalf("validator:validator_test - Add: %v", err)
	}

	tests := []struct {
		name    string
		p       pattern.Pattern
		wantErr bool
	}{
		{"valid", pattern.Pattern{"topic": "math", "cmd": "add", "a": 3, "b": 4}, false},
		{"missing b", pattern.Pattern{"topic": "math", "cmd": "add", "a": 3}, true},
		{"wrong type", pattern.Pattern{"topic": "math", "cmd": "add", "a": "3", "b": 4}, true},
		{"control fields ignored", pattern.Pattern{"topic": "math", "cmd": "add", "a": 1, "b": 1, "timeout$": 500}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Act(context.Background(), tt.p)
			if tt.wantErr {
				if !errors.Is(err, rpcerr.ErrPayloadValidation) {
					t.Errorf("validator:validator_test - err = %v, want PayloadValidationError", err)
				}
				return
			}
			if err != nil {
				t.Errorf("validator:validator_test - unexpected error: %v", err)
			}
		})
	}
	if calls != 2 {
		t.Errorf("validator:validator_test - handler ran %d times, want 2", calls)
	}
}

func TestValidator_ActionsWithoutSchemaPass(t *testing.T) {
	e := newEngine(t)
	_, _ = e.Add(pattern.Pattern{"topic": "free"}, func(context.Context, *engine.Request) (interface{}, error) {
		return "ok", nil
	})

	got, err := e.Act(context.Background(), pattern.Pattern{"topic": "free", "anything": true})
	if err != nil || got != "ok" {
		t.Errorf("validator:validator_test - Act = (%v, %v)", got, err)
	}
}

func TestValidator_InvalidSchema(t *testing.T) {
	v := New()
	action := &engine.Action{
		Pattern: pattern.Pattern{"topic": "bad"},
		Schema:  map[string]map[string]interface{}{"a": {"type": "no-such-type"}},
	}

	err := v.Validate(action, pattern.Pattern{"topic": "bad", "a": 1})
	if !errors.Is(err, rpcerr.ErrImplementation) {
		t.Errorf("validator:validator_test - err = %v, want ImplementationError", err)
	}
}

func TestValidator_CachesCompiledSchema(t *testing.T) {
	v := New()
	action := &engine.Action{
		Pattern: pattern.Pattern{"topic": "t"},
		Schema:  map[string]map[string]interface{}{"n": {"type": "integer", "minimum": 1}},
	}

	for i := 0; i < 3; i++ {
		if err := v.Validate(action, pattern.Pattern{"topic": "t", "n": 2}); err != nil {
			t.Fatalf("validator:validator_test - iteration %d: %v", i, err)
		}
	}
	if err := v.Validate(action, pattern.Pattern{"topic": "t", "n": 0}); !errors.Is(err, rpcerr.ErrPayloadValidation) {
		t.Errorf("validator:validator_test - err = %v, want PayloadValidationError", err)
	}
	if len(v.schemas) != 1 {
		t.Errorf("validator:validator_test - %d compiled schemas, want 1", len(v.schemas))
	}
}
