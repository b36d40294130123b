package pattern

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Normalize maps a scalar to its canonical comparable form: every numeric
// type becomes float64. ok is false for non-scalars (maps, slices, structs).
func Normalize(v interface{}) (interface{}, bool) {
	switch t := v.(type) {
	case nil:
		return nil, true
	case string, bool, float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int8:
		return float64(t), true
	case int16:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint8:
		return float64(t), true
	case uint16:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return t.String(), true
		}
		return f, true
	}
	return nil, false
}

// Equal reports whether two scalars are equal after normalization.
func Equal(a, b interface{}) bool {
	na, okA := Normalize(a)
	nb, okB := Normalize(b)
	if !okA || !okB {
		return false
	}
	return na == nb
}

// Key returns a canonical string for the literal fields of p: sorted by
// field, values normalized. Two patterns with the same literal fields
// produce the same key.
func Key(p Pattern) string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		n, _ := Normalize(p[k])
		enc, err := json.Marshal(n)
		if err != nil {
			enc = []byte(fmt.Sprintf("%q", fmt.Sprint(n)))
		}
		b.WriteString(strconv.Quote(k))
		b.WriteByte(':')
		b.Write(enc)
	}
	return b.String()
}

// ParseString parses the compact form "topic:math,cmd:add,a:1,pubsub$:true".
// Values that parse as booleans or numbers are typed accordingly; everything
// else is a string.
func ParseString(s string) (Pattern, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%s - empty pattern string", logPrefix)
	}

	p := make(Pattern)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		idx := strings.Index(pair, ":")
		if idx <= 0 {
			return nil, fmt.Errorf("%s - invalid pair %q in pattern %q", logPrefix, pair, s)
		}
		key := strings.TrimSpace(pair[:idx])
		raw := strings.TrimSpace(pair[idx+1:])
		p[key] = parseScalar(raw)
	}
	if len(p) == 0 {
		return nil, fmt.Errorf("%s - no fields in pattern %q", logPrefix, s)
	}
	return p, nil
}

func parseScalar(raw string) interface{} {
	if unq, err := strconv.Unquote(raw); err == nil {
		return unq
	}
	switch raw {
	case "true":
		return true
	case "false":
		return false
	case "null":
		return nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}
