// Package fault is the error taxonomy shared by the scheduler, monitor,
// and outbound integrations. Adapters classify raw errors into kinds at
// their boundary; everything above switches on Kind and never inspects
// error strings.
package fault

import (
	"errors"
	"fmt"
	"time"
)

// Kind is the classified category of a failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransientNetwork
	KindRateLimited
	KindTimeout
	KindRoleOrderingConflict
	KindCompactionFailed
	KindInsufficientContext
	KindBlockerDetected
	KindUnauthorized
	KindPermissionDenied
	KindConfigInvalid
	KindFatal
)

var kindNames = map[Kind]string{
	KindUnknown:              "unknown",
	KindTransientNetwork:     "transient_network",
	KindRateLimited:          "rate_limited",
	KindTimeout:              "timeout",
	KindRoleOrderingConflict: "role_ordering_conflict",
	KindCompactionFailed:     "compaction_failed",
	KindInsufficientContext:  "insufficient_context",
	KindBlockerDetected:      "blocker_detected",
	KindUnauthorized:         "unauthorized",
	KindPermissionDenied:     "permission_denied",
	KindConfigInvalid:        "config_invalid",
	KindFatal:                "fatal",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Phase identifies which coordinator phase a timeout fired in.
type Phase string

const (
	PhaseModelCall     Phase = "model_call"
	PhaseToolExecution Phase = "tool_execution"
	PhaseCompaction    Phase = "compaction"
)

// Error is a classified error. It wraps an optional cause and carries
// kind-specific detail (retry-after hint, timeout phase).
type Error struct {
	Kind         Kind
	Phase        Phase // set when Kind == KindTimeout
	RetryAfterMs int64 // set when Kind == KindRateLimited and the hint is known
	msg          string
	cause        error
}

func (e *Error) Error() string {
	switch {
	case e.msg != "" && e.cause != nil:
		return fmt.Sprintf("%s: %v", e.msg, e.cause)
	case e.msg != "":
		return e.msg
	case e.cause != nil:
		return e.cause.Error()
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a classified error with no cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, msg: msg}
}

// Newf builds a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error. A nil cause returns nil.
func Wrap(kind Kind, cause error, msg string) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, msg: msg, cause: cause}
}

// RateLimited builds a rate-limit error carrying the retry-after hint in
// milliseconds. Pass 0 when the surface exposed no hint.
func RateLimited(retryAfterMs int64, msg string) *Error {
	return &Error{Kind: KindRateLimited, RetryAfterMs: retryAfterMs, msg: msg}
}

// Timeout builds a timeout error tagged with the coordinator phase it
// fired in. The phase drives the retry decision upstream.
func Timeout(phase Phase, msg string) *Error {
	return &Error{Kind: KindTimeout, Phase: phase, msg: msg}
}

// KindOf walks the error chain and returns the first classified kind,
// or KindUnknown when nothing in the chain is a fault.Error.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// PhaseOf returns the timeout phase from the chain, or "" when absent.
func PhaseOf(err error) Phase {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Phase
	}
	return ""
}

// RetryAfter returns the retry-after hint from the chain, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var fe *Error
	if errors.As(err, &fe) && fe.RetryAfterMs > 0 {
		return time.Duration(fe.RetryAfterMs) * time.Millisecond, true
	}
	return 0, false
}

// IsRetryable reports whether the retry driver should re-attempt the
// operation: transient network failures, rate limits, and model-call
// timeouts. Tool-execution and compaction timeouts are handled by the
// scheduler instead, and everything else surfaces immediately.
func IsRetryable(err error) bool {
	var fe *Error
	if !errors.As(err, &fe) {
		return false
	}
	switch fe.Kind {
	case KindTransientNetwork, KindRateLimited:
		return true
	case KindTimeout:
		return fe.Phase == PhaseModelCall
	default:
		return false
	}
}

// IsFatal reports whether the error must surface without retry and map
// to a nonzero exit in the enclosing binary.
func IsFatal(err error) bool {
	k := KindOf(err)
	return k == KindFatal || k == KindConfigInvalid
}
