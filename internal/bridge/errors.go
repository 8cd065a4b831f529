package bridge

import (
	"strings"

	"github.com/SyedDaiam9101/triton-bridge/internal/logger"
	"github.com/SyedDaiam9101/triton-bridge/internal/triton"
)

// Kind classifies a bridge failure.
type Kind string

const (
	KindInitialization Kind = "initialization" // allocator or executor construction
	KindLoad           Kind = "load"           // model lookup, reported by the engine
	KindExecution      Kind = "execution"      // submission or callback wiring
	KindInput          Kind = "input"          // malformed or duplicate input declaration
	KindOutput         Kind = "output"         // missing or malformed output
	KindAllocation     Kind = "allocation"     // unsupported or failed buffer allocation
	KindFFI            Kind = "ffi"            // string conversion at the boundary
	KindChannel        Kind = "channel"        // completion producer dropped
)

// Error is the error type returned by every bridge operation. Code and
// Message carry the engine's error when the failure originated there.
type Error struct {
	Kind    Kind
	Op      string
	Code    triton.ErrorCode
	Message string
	Cause   error

	native bool
}

// Sentinels for errors.Is. They match any *Error of the same Kind.
var (
	ErrInitialization = &Error{Kind: KindInitialization}
	ErrLoad           = &Error{Kind: KindLoad}
	ErrExecution      = &Error{Kind: KindExecution}
	ErrInput          = &Error{Kind: KindInput}
	ErrOutput         = &Error{Kind: KindOutput}
	ErrAllocation     = &Error{Kind: KindAllocation}
	ErrFFI            = &Error{Kind: KindFFI}
	ErrChannel        = &Error{Kind: KindChannel}
)

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	b.WriteString(" error")
	if e.Op != "" {
		b.WriteString(" in ")
		b.WriteString(e.Op)
	}
	if e.native {
		b.WriteString(": ")
		b.WriteString(e.Code.String())
	}
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

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Native reports whether the error was translated from an engine error
// object, in which case Code is meaningful.
func (e *Error) Native() bool { return e.native }

func newError(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Message: msg}
}

func wrapError(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Cause: cause}
}

// translate converts a non-null engine error into an *Error of the given
// kind, logs it and deletes the engine object. The null Error yields nil.
// Callers must not touch nerr afterwards.
func translate(api triton.API, kind Kind, op string, nerr triton.Error) error {
	if nerr == 0 {
		return nil
	}
	e := &Error{
		Kind:    kind,
		Op:      op,
		Code:    api.ErrorCode(nerr),
		Message: api.ErrorMessage(nerr),
		native:  true,
	}
	api.ErrorDelete(nerr)

	logger.Log.Warn("engine error", "op", op, "kind", string(kind), "code", e.Code.String(), "message", e.Message)
	return e
}
