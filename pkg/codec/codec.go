// Package codec encodes and decodes the envelopes exchanged over the transport.
package codec

import (
	"encoding/json"
	"fmt"

	"github.com/bytedance/sonic"
)

// Codec serializes envelopes.
type Codec interface {
	Name() string
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
}

// Codec names accepted by ByName.
const (
	NameJSON  = "json"
	NameSonic = "sonic"
)

// JSON is the default codec, backed by encoding/json.
type JSON struct{}

// Name returns "json".
func (JSON) Name() string { return NameJSON }

// Marshal serializes v to JSON bytes.
func (JSON) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal deserializes JSON bytes into v.
func (JSON) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// Sonic produces the same wire format as JSON using bytedance/sonic.
type Sonic struct{}

var sonicConfig = sonic.ConfigStd

// Name returns "sonic".
func (Sonic) Name() string { return NameSonic }

// Marshal serializes v to JSON bytes.
func (Sonic) Marshal(v interface{}) ([]byte, error) {
	return sonicConfig.Marshal(v)
}

// Unmarshal deserializes JSON bytes into v.
func (Sonic) Unmarshal(data []byte, v interface{}) error {
	return sonicConfig.Unmarshal(data, v)
}

// ByName returns the codec registered under name. An empty name selects JSON.
func ByName(name string) (Codec, error) {
	switch name {
	case "", NameJSON:
		return JSON{}, nil
	case NameSonic:
		return Sonic{}, nil
	}
	return nil, fmt.Errorf("%s - unknown codec %q", logPrefix, name)
}
