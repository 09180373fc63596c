package engine

import (
	"context"
	goerrors "errors"
	"fmt"
	"strings"

	"github.com/tetratelabs/wazero/sys"

	"github.com/wippyai/wasm-sandbox/errors"
)

// ErrAbort is raised by the abort intrinsic when the guest gives up.
var ErrAbort = goerrors.New("guest requested abort")

// trapReasons maps engine trap messages to fault descriptions, most
// specific first.
var trapReasons = []struct {
	needle string
	reason string
}{
	{"out of bounds memory access", "out-of-bounds memory access"},
	{"invalid table access", "invalid call target"},
	{"indirect call type mismatch", "indirect call type mismatch"},
	{"integer divide by zero", "integer divide by zero"},
	{"integer overflow", "integer overflow"},
	{"invalid conversion to integer", "invalid conversion to integer"},
	{"stack overflow", "call stack exhausted"},
	{"unaligned atomic", "unaligned atomic access"},
	{"expected shared memory", "atomic wait on unshared memory"},
	{"too many waiters", "too many atomic waiters"},
	{"unreachable", "unreachable executed"},
}

// ExitCode extracts the exit code of a guest that called proc_exit.
func ExitCode(err error) (uint32, bool) {
	var exitErr *sys.ExitError
	if goerrors.As(err, &exitErr) {
		return exitErr.ExitCode(), true
	}
	return 0, false
}

// TrapReason describes the fault behind an engine error, if it is a trap.
func TrapReason(err error) (string, bool) {
	if goerrors.Is(err, ErrAbort) {
		return ErrAbort.Error(), true
	}
	msg := err.Error()
	if !strings.HasPrefix(msg, "wasm error: ") {
		return "", false
	}
	for _, t := range trapReasons {
		if strings.Contains(msg, t.needle) {
			return t.reason, true
		}
	}
	return strings.TrimPrefix(strings.SplitN(msg, "\n", 2)[0], "wasm error: "), true
}

// Classify maps an invocation error onto the sandbox taxonomy. A zero exit
// is success. Traps become trap errors naming the fault; non-zero exits
// and other failures become execution errors.
func Classify(phase errors.Phase, function string, err error) error {
	if err == nil {
		return nil
	}
	if code, ok := ExitCode(err); ok {
		if code == 0 {
			return nil
		}
		return errors.New(phase, errors.KindExecution).
			Path(function).
			Value(code).
			Detail("exited with code %d", code).
			Cause(err).
			Build()
	}
	if reason, ok := TrapReason(err); ok {
		return errors.New(phase, errors.KindTrap).
			Path(function).
			Detail("%s", reason).
			Cause(err).
			Build()
	}
	if goerrors.Is(err, context.Canceled) || goerrors.Is(err, context.DeadlineExceeded) {
		return errors.Execution(function, "interrupted", err)
	}
	return errors.Execution(function, fmt.Sprintf("call %s failed", function), err)
}
