package fault

import (
	"context"
	"errors"
	"net"
	"strings"
)

// throttleMarkers are provider error strings that mean "slow down" even
// when the transport gave us no usable status code.
var throttleMarkers = []string{
	"429",
	"rate limit",
	"rate_limit",
	"too many requests",
	"quota exceeded",
	"resource exhausted",
	"throttl",
	"overloaded",
}

var transientMarkers = []string{
	"connection reset",
	"connection refused",
	"broken pipe",
	"eof",
	"no such host",
	"tls handshake",
	"temporary failure",
	"service unavailable",
	"bad gateway",
	"502",
	"503",
	"504",
}

var authMarkers = []string{
	"401",
	"unauthorized",
	"invalid api key",
	"invalid token",
	"authentication",
	"m_unknown_token",
}

// contextMarkers identify "conversation no longer fits" rejections,
// which trigger compaction rather than a retry.
var contextMarkers = []string{
	"prompt is too long",
	"context length",
	"context_length_exceeded",
	"maximum context",
	"input is too long",
	"exceeds the context window",
}

// ClassifyHTTP maps an HTTP status code to a kind. Used by adapter
// boundaries that have a real status code in hand.
func ClassifyHTTP(status int, retryAfterMs int64, cause error) *Error {
	switch {
	case status == 429:
		e := RateLimited(retryAfterMs, "")
		e.cause = cause
		return e
	case status == 401:
		return Wrap(KindUnauthorized, cause, "")
	case status == 403:
		return Wrap(KindPermissionDenied, cause, "")
	case status >= 500:
		return Wrap(KindTransientNetwork, cause, "")
	case status >= 400:
		if cause != nil && matchesAny(strings.ToLower(cause.Error()), contextMarkers) {
			return Wrap(KindInsufficientContext, cause, "")
		}
		return Wrap(KindFatal, cause, "")
	default:
		return Wrap(KindUnknown, cause, "")
	}
}

// Classify maps an arbitrary boundary error into the taxonomy. Already
// classified errors pass through unchanged. String matching lives here
// and only here.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Phase: PhaseModelCall, cause: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &Error{Kind: KindTimeout, Phase: PhaseModelCall, cause: err}
		}
		return &Error{Kind: KindTransientNetwork, cause: err}
	}

	msg := strings.ToLower(err.Error())
	if matchesAny(msg, throttleMarkers) {
		return &Error{Kind: KindRateLimited, cause: err}
	}
	if matchesAny(msg, authMarkers) {
		return &Error{Kind: KindUnauthorized, cause: err}
	}
	if matchesAny(msg, contextMarkers) {
		return &Error{Kind: KindInsufficientContext, cause: err}
	}
	if matchesAny(msg, transientMarkers) {
		return &Error{Kind: KindTransientNetwork, cause: err}
	}
	return &Error{Kind: KindUnknown, cause: err}
}

func matchesAny(msg string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// Describe renders a short human-readable summary for the single error
// payload a failed run surfaces to the caller.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	var fe *Error
	if !errors.As(err, &fe) {
		return "The agent hit an unexpected error. Please try again."
	}
	switch fe.Kind {
	case KindRateLimited:
		return "The provider is rate limiting requests. Please retry shortly."
	case KindTransientNetwork:
		return "A network error interrupted the request. Please retry."
	case KindTimeout:
		switch fe.Phase {
		case PhaseToolExecution:
			return "A tool took too long to respond."
		case PhaseCompaction:
			return "Session compaction timed out."
		default:
			return "The model call timed out. Please retry."
		}
	case KindRoleOrderingConflict, KindCompactionFailed:
		return "The session transcript needed a reset. Please resend your message."
	case KindInsufficientContext:
		return "The conversation no longer fits the model context window."
	case KindBlockerDetected:
		return "The run is blocked and needs operator attention."
	case KindUnauthorized:
		return "Authentication with the provider failed. Check the configured credentials."
	case KindPermissionDenied:
		return "The provider rejected the request: permission denied."
	case KindConfigInvalid:
		return "The configuration is invalid. Check the config file."
	default:
		return "The agent run failed. Please try again."
	}
}
