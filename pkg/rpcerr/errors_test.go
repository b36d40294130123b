package rpcerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_Message(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{"name only", &Error{Name: TimeoutError}, "TimeoutError"},
		{"name and message", New(PatternNotFound, "no action matched"), "PatternNotFound: no action matched"},
		{"with cause", Wrap(BusinessError, "remote", errors.New("boom")), "BusinessError: remote: boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("rpcerr:errors_test - Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestError_IsComparesName(t *testing.T) {
	err := fmt.Errorf("outer: %w", Newf(TimeoutError, "after %dms", 50))
	if !errors.Is(err, ErrTimeout) {
		t.Error("rpcerr:errors_test - expected errors.Is(err, ErrTimeout)")
	}
	if errors.Is(err, ErrParse) {
		t.Error("rpcerr:errors_test - TimeoutError must not match ErrParse")
	}
}

func TestError_IsFollowsCause(t *testing.T) {
	err := Wrap(BusinessError, "remote failed", New(PayloadValidationError, "a must be a number"))
	if !errors.Is(err, ErrBusiness) {
		t.Error("rpcerr:errors_test - expected BusinessError")
	}
	if !errors.Is(err, ErrPayloadValidation) {
		t.Error("rpcerr:errors_test - expected cause PayloadValidationError reachable")
	}
	if NameOf(err) != BusinessError {
		t.Errorf("rpcerr:errors_test - NameOf = %q, want %q", NameOf(err), BusinessError)
	}
}

func TestNameOf_PlainError(t *testing.T) {
	if got := NameOf(errors.New("plain")); got != "" {
		t.Errorf("rpcerr:errors_test - NameOf(plain) = %q, want empty", got)
	}
}

func TestIsFatal(t *testing.T) {
	if !IsFatal(New(ImplementationError, "panic")) {
		t.Error("rpcerr:errors_test - ImplementationError must be fatal")
	}
	if !IsFatal(New(FatalError, "boom")) {
		t.Error("rpcerr:errors_test - FatalError must be fatal")
	}
	if IsFatal(New(BusinessError, "nope")) {
		t.Error("rpcerr:errors_test - BusinessError must not be fatal")
	}
}

func TestIsFramework(t *testing.T) {
	for _, name := range []string{PatternNotFound, ImplementationError, PreValidationError, ProcessLoadError} {
		if !IsFramework(name) {
			t.Errorf("rpcerr:errors_test - %s should be a framework error", name)
		}
	}
	if IsFramework("ValidationFailed") {
		t.Error("rpcerr:errors_test - application error names are not framework errors")
	}
}

func TestSerialize_CauseChain(t *testing.T) {
	root := errors.New("disk full")
	err := Wrap(ImplementationError, "handler panicked", Wrap(FatalError, "write failed", root))
	err.Stack = "goroutine 1 [running]"

	s := Serialize(err)
	if s.Name != ImplementationError || s.Message != "handler panicked" {
		t.Fatalf("rpcerr:serialize_test - top = %+v", s)
	}
	if s.Stack == "" {
		t.Error("rpcerr:serialize_test - expected stack to be kept")
	}
	if s.Cause == nil || s.Cause.Name != FatalError {
		t.Fatalf("rpcerr:serialize_test - cause = %+v, want FatalError", s.Cause)
	}
	if s.Cause.Cause == nil || s.Cause.Cause.Name != "Error" || s.Cause.Cause.Message != "disk full" {
		t.Fatalf("rpcerr:serialize_test - root cause = %+v", s.Cause.Cause)
	}

	back := Deserialize(s)
	if !errors.Is(back, ErrImplementation) || !errors.Is(back, ErrFatal) {
		t.Errorf("rpcerr:serialize_test - Deserialize lost chain: %v", back)
	}
}

func TestSerialize_Nil(t *testing.T) {
	if Serialize(nil) != nil {
		t.Error("rpcerr:serialize_test - Serialize(nil) should be nil")
	}
	if Deserialize(nil) != nil {
		t.Error("rpcerr:serialize_test - Deserialize(nil) should be nil")
	}
}
