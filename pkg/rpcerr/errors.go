// Package rpcerr defines the error taxonomy shared by the client and server engines.
package rpcerr

import (
	"errors"
	"fmt"
	"strings"
)

// Error names. The name travels over the wire and is what errors.Is compares.
const (
	ParseError              = "ParseError"
	TimeoutError            = "TimeoutError"
	PatternNotFound         = "PatternNotFound"
	ImplementationError     = "ImplementationError"
	BusinessError           = "BusinessError"
	FatalError              = "FatalError"
	PayloadValidationError  = "PayloadValidationError"
	PreValidationError      = "PreValidationError"
	AddMiddlewareError      = "AddMiddlewareError"
	ProcessLoadError        = "ProcessLoadError"
	PatternAlreadyInUse     = "PatternAlreadyInUse"
	NoTopicToSubscribe      = "NoTopicToSubscribe"
	NoTopicToRequest        = "NoTopicToRequest"
	PluginRegistrationError = "PluginRegistrationError"
	TransportError          = "TransportError"
)

// Sentinels for errors.Is. Any *Error with the same Name matches.
var (
	ErrParse              = &Error{Name: ParseError}
	ErrTimeout            = &Error{Name: TimeoutError}
	ErrPatternNotFound    = &Error{Name: PatternNotFound}
	ErrImplementation     = &Error{Name: ImplementationError}
	ErrBusiness           = &Error{Name: BusinessError}
	ErrFatal              = &Error{Name: FatalError}
	ErrPayloadValidation  = &Error{Name: PayloadValidationError}
	ErrPreValidation      = &Error{Name: PreValidationError}
	ErrAddMiddleware      = &Error{Name: AddMiddlewareError}
	ErrProcessLoad        = &Error{Name: ProcessLoadError}
	ErrPatternAlreadyUsed = &Error{Name: PatternAlreadyInUse}
	ErrNoTopicToSubscribe = &Error{Name: NoTopicToSubscribe}
	ErrNoTopicToRequest   = &Error{Name: NoTopicToRequest}
	ErrPluginRegistration = &Error{Name: PluginRegistrationError}
	ErrTransport          = &Error{Name: TransportError}
)

// frameworkNames are the errors a server produces itself, as opposed to errors
// returned by a handler. A client surfaces these unchanged.
var frameworkNames = map[string]bool{
	PatternNotFound:        true,
	ImplementationError:    true,
	FatalError:             true,
	PreValidationError:     true,
	PayloadValidationError: true,
	AddMiddlewareError:     true,
	ProcessLoadError:       true,
}

// fatalNames mark errors after which the process should terminate.
var fatalNames = map[string]bool{
	ImplementationError: true,
	FatalError:          true,
}

// Error is a named error with an optional cause chain.
type Error struct {
	Name    string                 `json:"name"`
	Message string                 `json:"message"`
	Stack   string                 `json:"stack,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// New creates a named error.
func New(name, message string) *Error {
	return &Error{Name: name, Message: message}
}

// Newf creates a named error with a formatted message.
func Newf(name, format string, args ...interface{}) *Error {
	return &Error{Name: name, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a named error caused by cause.
func Wrap(name, message string, cause error) *Error {
	return &Error{Name: name, Message: message, Cause: cause}
}

// WithDetails attaches diagnostic details and returns the same error.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	e.Details = details
	return e
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Name)
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same name.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Name == e.Name
}

// NameOf returns the name of the outermost *Error in err's chain, or "" when there is none.
func NameOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Name
	}
	return ""
}

// IsFramework reports whether name is produced by the server plumbing.
func IsFramework(name string) bool {
	return frameworkNames[name]
}

// IsFatal reports whether err's outermost named error is fatal.
func IsFatal(err error) bool {
	return fatalNames[NameOf(err)]
}
