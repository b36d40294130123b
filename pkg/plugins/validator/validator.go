// Package validator checks inbound payloads against the schema fragments of
// the matched action before its handler runs.
//
// A registration such as
//
//	{topic: "user", cmd: "create", name: {type: "string", required: true}}
//
// yields the JSON Schema
//
//	{"type": "object", "properties": {"name": {"type": "string"}}, "required": ["name"]}
//
// which is compiled once per action and applied to the inbound pattern
// without its control fields.
package validator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	jschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/morezero/actbus/pkg/engine"
	"github.com/morezero/actbus/pkg/pattern"
	"github.com/morezero/actbus/pkg/pipeline"
	"github.com/morezero/actbus/pkg/rpcerr"
)

const logPrefix = "validator:validator"

// Name is the plugin name.
const Name = "validator"

// requiredKey marks a fragment as required; it is removed from the fragment.
const requiredKey = "required"

// Validator compiles and caches one schema per action.
type Validator struct {
	mu       sync.Mutex
	compiler *jschema.Compiler
	schemas  map[*engine.Action]*jschema.Schema
	seq      int
}

// New creates a Validator.
func New() *Validator {
	return &Validator{
		compiler: jschema.NewCompiler(),
		schemas:  make(map[*engine.Action]*jschema.Schema),
	}
}

// Plugin returns the plugin that installs the validator at onServerPreHandler.
func (v *Validator) Plugin() engine.Plugin {
	return engine.Plugin{
		Name:    Name,
		Version: "1.0.0",
		Register: func(s *engine.Scope) error {
			return s.Ext(engine.PointServerPreHandler, engine.ServerStage(v.stage))
		},
	}
}

func (v *Validator) stage(_ context.Context, ex *engine.Exchange, _ interface{}) pipeline.Outcome {
	action := ex.Call.Action
	if action == nil || len(action.Schema) == 0 {
		return pipeline.Continue()
	}
	return pipeline.Fail(v.Validate(action, ex.Call.Pattern))
}

// Validate checks p against the schema of action. Actions without schema
// fragments accept everything.
func (v *Validator) Validate(action *engine.Action, p pattern.Pattern) error {
	if len(action.Schema) == 0 {
		return nil
	}

	schema, err := v.compiled(action)
	if err != nil {
		return rpcerr.Wrap(rpcerr.ImplementationError, fmt.Sprintf("invalid schema for %s", action.Pattern.String()), err)
	}

	data, err := json.Marshal(p.Clean())
	if err != nil {
		return rpcerr.Wrap(rpcerr.PayloadValidationError, "payload is not JSON encodable", err)
	}
	inst, err := jschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return rpcerr.Wrap(rpcerr.PayloadValidationError, "payload is not valid JSON", err)
	}
	if err := schema.Validate(inst); err != nil {
		slog.Debug(fmt.Sprintf("%s - %s rejected: %v", logPrefix, action.Pattern.String(), err))
		return rpcerr.Wrap(rpcerr.PayloadValidationError, fmt.Sprintf("payload does not match %s", action.Pattern.String()), err)
	}
	return nil
}

func (v *Validator) compiled(action *engine.Action) (*jschema.Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if s, ok := v.schemas[action]; ok {
		return s, nil
	}

	doc, err := BuildSchema(action.Schema)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to encode schema: %w", logPrefix, err)
	}
	parsed, err := jschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%s - parsing schema: %w", logPrefix, err)
	}

	v.seq++
	uri := fmt.Sprintf("urn:actbus:schema:%d", v.seq)
	if err := v.compiler.AddResource(uri, parsed); err != nil {
		return nil, fmt.Errorf("%s - adding resource %s: %w", logPrefix, uri, err)
	}
	compiled, err := v.compiler.Compile(uri)
	if err != nil {
		return nil, fmt.Errorf("%s - compiling %s: %w", logPrefix, uri, err)
	}

	v.schemas[action] = compiled
	slog.Debug(fmt.Sprintf("%s - Compiled schema for %s", logPrefix, action.Pattern.String()))
	return compiled, nil
}

// BuildSchema turns per-field fragments into an object schema. A fragment
// with "required": true makes its field required.
func BuildSchema(fragments map[string]map[string]interface{}) (map[string]interface{}, error) {
	properties := make(map[string]interface{}, len(fragments))
	required := make([]string, 0)

	for field, fragment := range fragments {
		prop := make(map[string]interface{}, len(fragment))
		for k, val := range fragment {
			if k == requiredKey {
				if b, ok := val.(bool); ok {
					if b {
						required = append(required, field)
					}
					continue
				}
				return nil, fmt.Errorf("%s - %s: %q must be a boolean in a field fragment", logPrefix, field, requiredKey)
			}
			prop[k] = val
		}
		properties[field] = prop
	}
	sort.Strings(required)

	doc := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	return doc, nil
}
