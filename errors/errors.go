package errors

import (
	"fmt"
	"strings"
)

// Phase indicates where in the sandbox lifecycle the error occurred
type Phase string

const (
	PhaseBind     Phase = "bind"     // compile, link, instantiate, constructors
	PhaseLink     Phase = "link"     // import resolution
	PhaseLoad     Phase = "load"     // dynamic module loading
	PhaseMemory   Phase = "memory"   // growth, mapping, translation
	PhaseExec     Phase = "exec"     // function invocation
	PhaseSnapshot Phase = "snapshot" // snapshot capture and reset
	PhaseThread   Phase = "thread"   // logical thread spawning
	PhaseCache    Phase = "cache"    // sandbox cache
	PhaseStorage  Phase = "storage"  // bytecode and file store
	PhaseConfig   Phase = "config"   // configuration loading
)

// Kind categorizes the error
type Kind string

const (
	KindLink         Kind = "link"
	KindOutOfMemory  Kind = "out_of_memory"
	KindTrap         Kind = "trap"
	KindDynamicLoad  Kind = "dynamic_load"
	KindSnapshot     Kind = "snapshot"
	KindThread       Kind = "thread"
	KindExecution    Kind = "execution"
	KindNotFound     Kind = "not_found"
	KindInvalidInput Kind = "invalid_input"
	KindUnsupported  Kind = "unsupported"
	KindClosed       Kind = "closed"
)

// Sentinels for errors.Is matching by kind alone.
var (
	ErrLink         = &Error{Kind: KindLink}
	ErrOutOfMemory  = &Error{Kind: KindOutOfMemory}
	ErrTrap         = &Error{Kind: KindTrap}
	ErrDynamicLoad  = &Error{Kind: KindDynamicLoad}
	ErrSnapshot     = &Error{Kind: KindSnapshot}
	ErrThread       = &Error{Kind: KindThread}
	ErrExecution    = &Error{Kind: KindExecution}
	ErrNotFound     = &Error{Kind: KindNotFound}
	ErrInvalidInput = &Error{Kind: KindInvalidInput}
	ErrClosed       = &Error{Kind: KindClosed}
)

// Error is the structured error type used throughout the sandbox
type Error struct {
	Value  any
	Cause  error
	Phase  Phase
	Kind   Kind
	Detail string
	Path   []string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	if e.Phase != "" {
		b.WriteByte('[')
		b.WriteString(string(e.Phase))
		b.WriteString("] ")
	}
	b.WriteString(string(e.Kind))

	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, "/"))
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error. An empty target phase
// matches any phase.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case *Error:
		return e.Kind == t.Kind && (t.Phase == "" || e.Phase == t.Phase)
	case *LinkError:
		return e.Kind == KindLink
	}
	return false
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Path sets the path (module, function or symbol) the error refers to
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// OutOfMemory reports a growth that would exceed the page cap.
func OutOfMemory(current, delta, max uint32) *Error {
	return &Error{
		Phase:  PhaseMemory,
		Kind:   KindOutOfMemory,
		Detail: fmt.Sprintf("growing %d pages by %d exceeds limit of %d pages", current, delta, max),
		Value:  delta,
	}
}

// Trap wraps an engine trap or an illegal guest access.
func Trap(phase Phase, detail string, cause error) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindTrap,
		Detail: detail,
		Cause:  cause,
	}
}

// OutOfBounds reports a guest range that falls outside linear memory.
func OutOfBounds(offset, length uint32, size uint64) *Error {
	return &Error{
		Phase:  PhaseMemory,
		Kind:   KindTrap,
		Detail: fmt.Sprintf("out of bounds memory access: offset %d length %d (memory %d bytes)", offset, length, size),
		Value:  offset,
	}
}

// DynamicLoad creates a dynamic module loading error
func DynamicLoad(path, detail string, cause error) *Error {
	e := &Error{
		Phase:  PhaseLoad,
		Kind:   KindDynamicLoad,
		Detail: detail,
		Cause:  cause,
	}
	if path != "" {
		e.Path = []string{path}
	}
	return e
}

// UnknownSymbol reports a symbol missing from the offset tables.
func UnknownSymbol(table, name string, pending bool) *Error {
	state := "not defined"
	if pending {
		state = "pending"
	}
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindDynamicLoad,
		Path:   []string{name},
		Detail: fmt.Sprintf("%s symbol %s", table, state),
	}
}

// UnknownSnapshot reports a reset against an unregistered key.
func UnknownSnapshot(key string) *Error {
	return &Error{
		Phase:  PhaseSnapshot,
		Kind:   KindSnapshot,
		Detail: fmt.Sprintf("unknown snapshot key %q", key),
		Value:  key,
	}
}

// PoolIndexOutOfRange reports a spawn request outside the worker pool.
func PoolIndexOutOfRange(index, size int) *Error {
	return &Error{
		Phase:  PhaseThread,
		Kind:   KindThread,
		Detail: fmt.Sprintf("pool index %d out of range (pool size %d)", index, size),
		Value:  index,
	}
}

// Execution reports a guest function that completed unsuccessfully.
func Execution(function string, detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseExec,
		Kind:   KindExecution,
		Path:   []string{function},
		Detail: detail,
		Cause:  cause,
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// Unsupported creates an unsupported operation error
func Unsupported(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnsupported,
		Detail: what,
	}
}

// Closed reports use of a released sandbox or cache.
func Closed(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindClosed,
		Detail: what + " is closed",
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// MissingImport is a single unresolved import.
type MissingImport struct {
	Module string // e.g. "env"
	Name   string // e.g. "sin"
	Type   string // e.g. "func (f64) -> (f64)"
}

func (m MissingImport) String() string {
	if m.Type == "" {
		return m.Module + "." + m.Name
	}
	return m.Module + "." + m.Name + ": " + m.Type
}

// LinkError is returned when a bind leaves one or more imports unresolved.
// It lists every missing import, not just the first.
type LinkError struct {
	Module  string
	Missing []MissingImport
}

// NewLinkError creates a link error for the given module.
func NewLinkError(module string, missing []MissingImport) *LinkError {
	return &LinkError{Module: module, Missing: missing}
}

func (e *LinkError) Error() string {
	if len(e.Missing) == 0 {
		return "[link] link: no imports specified"
	}

	var b strings.Builder
	if e.Module != "" {
		fmt.Fprintf(&b, "[link] link: %s has %d unresolved import(s):\n", e.Module, len(e.Missing))
	} else {
		fmt.Fprintf(&b, "[link] link: %d unresolved import(s):\n", len(e.Missing))
	}

	// Group by module for cleaner output
	byModule := make(map[string][]MissingImport)
	var order []string
	for _, imp := range e.Missing {
		if _, exists := byModule[imp.Module]; !exists {
			order = append(order, imp.Module)
		}
		byModule[imp.Module] = append(byModule[imp.Module], imp)
	}

	for _, mod := range order {
		b.WriteString("\n  ")
		b.WriteString(mod)
		b.WriteString(":\n")
		for _, imp := range byModule[mod] {
			b.WriteString("    - ")
			b.WriteString(imp.Name)
			if imp.Type != "" {
				b.WriteString(" (")
				b.WriteString(imp.Type)
				b.WriteByte(')')
			}
			b.WriteByte('\n')
		}
	}

	return strings.TrimSuffix(b.String(), "\n")
}

// Is matches other link errors and the link kind sentinel.
func (e *LinkError) Is(target error) bool {
	switch t := target.(type) {
	case *LinkError:
		return true
	case *Error:
		return t.Kind == KindLink && (t.Phase == "" || t.Phase == PhaseLink)
	}
	return false
}

// KindOf returns the kind of a sandbox error, or "" for foreign errors.
func KindOf(err error) Kind {
	for err != nil {
		switch e := err.(type) {
		case *Error:
			return e.Kind
		case *LinkError:
			return KindLink
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}
