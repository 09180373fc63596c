package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		contains []string
	}{
		{
			name: "full error",
			err: &Error{
				Phase:  PhaseLoad,
				Kind:   KindDynamicLoad,
				Path:   []string{"libm.wasm"},
				Detail: "missing dylink.0 section",
			},
			contains: []string{"[load]", "dynamic_load", "libm.wasm", "missing dylink.0"},
		},
		{
			name: "minimal error",
			err: &Error{
				Phase: PhaseSnapshot,
				Kind:  KindSnapshot,
			},
			contains: []string{"[snapshot]", "snapshot"},
		},
		{
			name: "error with cause",
			err: &Error{
				Phase:  PhaseExec,
				Kind:   KindTrap,
				Detail: "unreachable",
				Cause:  errors.New("wasm error: unreachable"),
			},
			contains: []string{"[exec]", "trap", "unreachable", "caused by"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, s := range tt.contains {
				if !strings.Contains(msg, s) {
					t.Errorf("error message %q does not contain %q", msg, s)
				}
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := Wrap(PhaseBind, KindInvalidInput, cause, "scan module")

	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the cause")
	}
	if errors.Unwrap(err) != cause {
		t.Error("Unwrap should return the cause")
	}
}

func TestError_IsKind(t *testing.T) {
	err := OutOfMemory(2, 10, 4)

	if !errors.Is(err, ErrOutOfMemory) {
		t.Error("OutOfMemory should match ErrOutOfMemory")
	}
	if errors.Is(err, ErrTrap) {
		t.Error("OutOfMemory should not match ErrTrap")
	}
	if !errors.Is(err, &Error{Phase: PhaseMemory, Kind: KindOutOfMemory}) {
		t.Error("phase and kind should match")
	}
	if errors.Is(err, &Error{Phase: PhaseLoad, Kind: KindOutOfMemory}) {
		t.Error("different phase should not match")
	}

	wrapped := fmt.Errorf("grow: %w", err)
	if !errors.Is(wrapped, ErrOutOfMemory) {
		t.Error("wrapped error should match")
	}
	if KindOf(wrapped) != KindOutOfMemory {
		t.Errorf("KindOf = %q", KindOf(wrapped))
	}
}

func TestBuilder(t *testing.T) {
	err := New(PhaseThread, KindThread).
		Path("worker", "3").
		Value(3).
		Detail("entry %q not exported", "run").
		Build()

	if err.Phase != PhaseThread || err.Kind != KindThread {
		t.Fatalf("unexpected phase/kind: %s/%s", err.Phase, err.Kind)
	}
	if err.Detail != `entry "run" not exported` {
		t.Errorf("Detail = %q", err.Detail)
	}
	if !strings.Contains(err.Error(), "worker/3") {
		t.Errorf("path missing from %q", err.Error())
	}
}

func TestPoolIndexOutOfRange(t *testing.T) {
	err := PoolIndexOutOfRange(4, 4)
	if !errors.Is(err, ErrThread) {
		t.Error("should be a thread error")
	}
	if err.Value != 4 {
		t.Errorf("Value = %v", err.Value)
	}
}

func TestLinkError(t *testing.T) {
	err := NewLinkError("function.wasm", []MissingImport{
		{Module: "env", Name: "sin", Type: "func (f64) -> (f64)"},
		{Module: "GOT.mem", Name: "errno", Type: "global mut i32"},
		{Module: "env", Name: "cos", Type: "func (f64) -> (f64)"},
	})

	msg := err.Error()
	for _, s := range []string{"3 unresolved", "env:", "GOT.mem:", "sin", "cos", "errno"} {
		if !strings.Contains(msg, s) {
			t.Errorf("message %q does not contain %q", msg, s)
		}
	}
	if strings.Index(msg, "sin") > strings.Index(msg, "cos") {
		t.Error("imports of one module should keep declaration order")
	}

	if !errors.Is(err, ErrLink) {
		t.Error("LinkError should match ErrLink")
	}
	var le *LinkError
	if !errors.As(fmt.Errorf("bind: %w", err), &le) || len(le.Missing) != 3 {
		t.Error("errors.As should recover the link error")
	}
	if KindOf(err) != KindLink {
		t.Errorf("KindOf = %q", KindOf(err))
	}
}

func TestKindOf_Foreign(t *testing.T) {
	if k := KindOf(errors.New("plain")); k != "" {
		t.Errorf("KindOf(plain) = %q", k)
	}
	if k := KindOf(nil); k != "" {
		t.Errorf("KindOf(nil) = %q", k)
	}
}
