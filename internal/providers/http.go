package providers

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/fault"
)

// HTTPError is a non-2xx response from a provider API. RetryAfter is
// parsed from the Retry-After header when present.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// Fault converts the HTTP error into the shared taxonomy, carrying the
// retry-after hint through.
func (e *HTTPError) Fault() *fault.Error {
	return fault.ClassifyHTTP(e.Status, e.RetryAfter.Milliseconds(), e)
}

// ParseRetryAfter parses a Retry-After header value: either delay
// seconds or an HTTP date. Returns 0 when absent or unparseable.
func ParseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
