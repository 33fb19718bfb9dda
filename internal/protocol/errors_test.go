package protocol

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsKnownCode(t *testing.T) {
	cases := []string{
		"",
		CodeVersionMismatch,
		CodeMalformed,
		CodeFrameSizeMismatch,
		CodeFrameStride,
		CodeFrameDimensions,
		CodeFrameEncoding,
		CodeBind,
		CodeNoPeer,
		CodeDisconnected,
		CodeTimeout,
		CodeClosed,
		CodeOverflow,
		CodeInvalidState,
		CodeResetTimeout,
		CodeFaulted,
		CodeSessionClosed,
	}
	for _, c := range cases {
		if !IsKnownCode(c) {
			t.Fatalf("expected known code: %q", c)
		}
	}
	if IsKnownCode("E_NOT_DEFINED") {
		t.Fatalf("expected unknown code rejected")
	}
}

func TestErrorIsByCode(t *testing.T) {
	err := fmt.Errorf("decode: %w", malformed("missing key %d", 2))
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	if errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("malformed must not match version mismatch")
	}
	if got := CodeOf(err); got != CodeMalformed {
		t.Fatalf("CodeOf: got %q", got)
	}
	if got := CodeOf(errors.New("plain")); got != "" {
		t.Fatalf("CodeOf plain: got %q", got)
	}
	vm := versionMismatch(4, 5)
	if !errors.Is(vm, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch")
	}
}
