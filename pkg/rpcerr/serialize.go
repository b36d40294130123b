package rpcerr

import "errors"

// Serialized is the wire form of an error. Causes are nested recursively.
type Serialized struct {
	Name    string                 `json:"name"`
	Message string                 `json:"message"`
	Stack   string                 `json:"stack,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   *Serialized            `json:"cause,omitempty"`
}

// maxCauseDepth bounds cause chains read from the wire.
const maxCauseDepth = 16

// Serialize converts err and its cause chain to the wire form. Plain errors
// become entries named "Error".
func Serialize(err error) *Serialized {
	return serialize(err, 0)
}

func serialize(err error, depth int) *Serialized {
	if err == nil || depth >= maxCauseDepth {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return &Serialized{
			Name:    e.Name,
			Message: e.Message,
			Stack:   e.Stack,
			Details: e.Details,
			Cause:   serialize(e.Cause, depth+1),
		}
	}
	return &Serialized{
		Name:    "Error",
		Message: err.Error(),
		Cause:   serialize(errors.Unwrap(err), depth+1),
	}
}

// Deserialize rebuilds an *Error chain from its wire form.
func Deserialize(s *Serialized) *Error {
	return deserialize(s, 0)
}

func deserialize(s *Serialized, depth int) *Error {
	if s == nil || depth >= maxCauseDepth {
		return nil
	}
	e := &Error{
		Name:    s.Name,
		Message: s.Message,
		Stack:   s.Stack,
		Details: s.Details,
	}
	if cause := deserialize(s.Cause, depth+1); cause != nil {
		e.Cause = cause
	}
	return e
}
