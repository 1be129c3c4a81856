package agent

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// maxRetryDelay caps both server-suggested and computed retry delays.
const maxRetryDelay = 60 * time.Second

// TransportError marks a backend failure the turn loop may retry, such
// as rate limiting or a transient upstream outage. RetryAfter carries
// the server-suggested delay when one was present in the response.
type TransportError struct {
	Provider   string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s request failed (status %d): %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s request failed: %v", e.Provider, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// classifyBackendError wraps retryable failures in a *TransportError so
// the loop can tell them apart from permanent ones. Permanent errors
// (auth, malformed request, cancellation) pass through unchanged.
func classifyBackendError(provider string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if !isRetryableMessage(msg) {
		return err
	}
	return &TransportError{
		Provider:   provider,
		StatusCode: statusCodeFromMessage(msg),
		RetryAfter: parseRetryDelay(msg),
		Err:        err,
	}
}

var retryableFragments = []string{
	"429",
	"rate limit",
	"rate_limit",
	"resource_exhausted",
	"quota",
	"overloaded",
	"500",
	"502",
	"503",
	"504",
	"internal server error",
	"bad gateway",
	"service unavailable",
	"connection reset",
	"connection refused",
	"timeout",
	"deadline exceeded",
}

func isRetryableMessage(msg string) bool {
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "context canceled") {
		return false
	}
	for _, fragment := range retryableFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}

var statusCodePattern = regexp.MustCompile(`\b(429|500|502|503|504)\b`)

func statusCodeFromMessage(msg string) int {
	m := statusCodePattern.FindString(msg)
	if m == "" {
		return 0
	}
	code, _ := strconv.Atoi(m)
	return code
}

// Rate-limit responses suggest a wait in one of two shapes: prose like
// "retry in 7.5s" or a structured retryDelay field in the error body.
var retryDelayPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)retry\s+in\s+([\d.]+)\s*s`),
	regexp.MustCompile(`(?i)"retryDelay"\s*:\s*"([\d.]+)s"`),
}

// parseRetryDelay extracts the server-suggested delay from an error
// message, capped at maxRetryDelay. Zero means no suggestion was found.
func parseRetryDelay(msg string) time.Duration {
	for _, pattern := range retryDelayPatterns {
		m := pattern.FindStringSubmatch(msg)
		if m == nil {
			continue
		}
		seconds, err := strconv.ParseFloat(m[1], 64)
		if err != nil || seconds <= 0 {
			continue
		}
		delay := time.Duration(seconds * float64(time.Second))
		if delay > maxRetryDelay {
			delay = maxRetryDelay
		}
		return delay
	}
	return 0
}
