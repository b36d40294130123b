// Package pattern models the structured key sets used to register and invoke actions.
package pattern

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

const logPrefix = "pattern:pattern"

// ControlSuffix marks a field that steers the call instead of being matched.
const ControlSuffix = "$"

// Reserved field names.
const (
	FieldTopic           = "topic"
	FieldTimeout         = "timeout$"
	FieldPubSub          = "pubsub$"
	FieldMaxMessages     = "maxMessages$"
	FieldMeta            = "meta$"
	FieldDelegate        = "delegate$"
	FieldTrace           = "trace$"
	FieldRequestParentID = "requestParentId$"
)

// Pattern is a flat mapping of field name to value. Values are literals
// (strings, numbers, booleans) or, for registrations, schema fragments
// expressed as nested maps.
type Pattern map[string]interface{}

// Control holds the values of the control fields of a pattern.
type Control struct {
	Topic           string
	Timeout         time.Duration
	PubSub          bool
	MaxMessages     int
	Meta            map[string]interface{}
	Delegate        map[string]interface{}
	Trace           map[string]interface{}
	RequestParentID string
}

// Parsed is a pattern split into routing literals, schema fragments and control fields.
type Parsed struct {
	// Raw is the pattern as given.
	Raw Pattern
	// Literals holds the non-control fields with scalar values. It is the router key.
	Literals Pattern
	// Schema holds the non-control fields whose value is a map, keyed by field.
	Schema map[string]map[string]interface{}
	// Opaque lists non-control fields that are neither scalars nor maps.
	Opaque []string
	// Control holds the parsed control fields.
	Control Control
}

// IsControl reports whether field is a control field.
func IsControl(field string) bool {
	return strings.HasSuffix(field, ControlSuffix)
}

// Parse classifies the fields of p. It fails only when a control field has the wrong type.
func Parse(p Pattern) (*Parsed, error) {
	parsed := &Parsed{
		Raw:      p,
		Literals: make(Pattern, len(p)),
		Schema:   make(map[string]map[string]interface{}),
	}

	for k, v := range p {
		if IsControl(k) {
			if err := parsed.Control.set(k, v); err != nil {
				return nil, err
			}
			continue
		}
		if k == FieldTopic {
			topic, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("%s - topic must be a string, got %T", logPrefix, v)
			}
			parsed.Control.Topic = topic
		}
		if _, ok := Normalize(v); ok {
			parsed.Literals[k] = v
			continue
		}
		if m, ok := v.(map[string]interface{}); ok {
			parsed.Schema[k] = m
			continue
		}
		parsed.Opaque = append(parsed.Opaque, k)
	}
	sort.Strings(parsed.Opaque)

	return parsed, nil
}

func (c *Control) set(field string, v interface{}) error {
	switch field {
	case FieldTimeout:
		d, err := toDuration(v)
		if err != nil {
			return fmt.Errorf("%s - invalid %s: %w", logPrefix, field, err)
		}
		c.Timeout = d
	case FieldPubSub:
		b, ok := v.(bool)
		if !ok {
			return fmt.Errorf("%s - %s must be a boolean, got %T", logPrefix, field, v)
		}
		c.PubSub = b
	case FieldMaxMessages:
		n, ok := Normalize(v)
		f, isNum := n.(float64)
		if !ok || !isNum || f < 0 {
			return fmt.Errorf("%s - %s must be a non-negative number, got %v", logPrefix, field, v)
		}
		c.MaxMessages = int(f)
	case FieldMeta:
		m, err := toMap(field, v)
		if err != nil {
			return err
		}
		c.Meta = m
	case FieldDelegate:
		m, err := toMap(field, v)
		if err != nil {
			return err
		}
		c.Delegate = m
	case FieldTrace:
		m, err := toMap(field, v)
		if err != nil {
			return err
		}
		c.Trace = m
	case FieldRequestParentID:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("%s - %s must be a string, got %T", logPrefix, field, v)
		}
		c.RequestParentID = s
	}
	// Unknown control fields are carried in Raw and otherwise ignored.
	return nil
}

func toMap(field string, v interface{}) (map[string]interface{}, error) {
	if v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%s - %s must be an object, got %T", logPrefix, field, v)
	}
	return m, nil
}

// toDuration accepts milliseconds as a number, a time.Duration, or a duration string.
func toDuration(v interface{}) (time.Duration, error) {
	switch t := v.(type) {
	case time.Duration:
		return t, nil
	case string:
		return time.ParseDuration(t)
	}
	n, ok := Normalize(v)
	f, isNum := n.(float64)
	if !ok || !isNum {
		return 0, fmt.Errorf("unsupported type %T", v)
	}
	if f < 0 {
		return 0, fmt.Errorf("negative timeout %v", f)
	}
	return time.Duration(f * float64(time.Millisecond)), nil
}

// Topic returns the topic field, or "" when absent or not a string.
func (p Pattern) Topic() string {
	s, _ := p[FieldTopic].(string)
	return s
}

// Clean returns a copy of p without control fields.
func (p Pattern) Clean() Pattern {
	out := make(Pattern, len(p))
	for k, v := range p {
		if !IsControl(k) {
			out[k] = v
		}
	}
	return out
}

// Copy returns a shallow copy of p.
func (p Pattern) Copy() Pattern {
	out := make(Pattern, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// String renders the non-control fields as "k:v" pairs sorted by key.
func (p Pattern) String() string {
	keys := make([]string, 0, len(p))
	for k := range p {
		if !IsControl(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+":"+renderValue(p[k]))
	}
	return strings.Join(parts, ",")
}

func renderValue(v interface{}) string {
	if _, ok := Normalize(v); ok {
		return fmt.Sprintf("%v", v)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
