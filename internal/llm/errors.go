package llm

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Kind buckets a provider failure for retry decisions.
type Kind string

const (
	KindTimeout   Kind = "timeout"
	KindRateLimit Kind = "rate_limit"
	KindTransient Kind = "transient"
	KindAuth      Kind = "auth"
	KindQuota     Kind = "quota"
	KindInvalid   Kind = "invalid"
)

// Error wraps a provider error with its classified kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Retryable reports whether calls failing with this kind may be retried.
func Retryable(kind Kind) bool {
	switch kind {
	case KindTimeout, KindRateLimit, KindTransient:
		return true
	}
	return false
}

var (
	rateLimitHintRe = regexp.MustCompile(`(?i)rate limit|too many requests|requests per (?:minute|hour|day)|throttl|429\b|tpm\b|tpd\b`)
	quotaHintRe     = regexp.MustCompile(`(?i)quota|credit|insufficient[ _]balance|billing`)
	authHintRe      = regexp.MustCompile(`(?i)authentication|unauthorized|invalid.{0,10}api[ _-]?key|401\b|403\b|permission`)
	timeoutHintRe   = regexp.MustCompile(`(?i)timeout|timed out|deadline exceeded|connection reset|broken pipe`)

	retryAfterSecRe = regexp.MustCompile(`(?i)(?:retry[- ]after:?|try again in)\s*(\d+(?:\.\d+)?)\s*(ms|s|sec|seconds?)?`)
)

// KindOf returns the classified kind of err, classifying raw errors on the fly.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Classify(err)
}

// Classify maps a raw provider error onto a Kind using its text. Unknown
// failures count as transient so a flaky upstream still gets retried.
func Classify(err error) Kind {
	if err == nil {
		return KindTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	text := strings.TrimSpace(err.Error())
	switch {
	case rateLimitHintRe.MatchString(text):
		return KindRateLimit
	case quotaHintRe.MatchString(text):
		return KindQuota
	case authHintRe.MatchString(text):
		return KindAuth
	case timeoutHintRe.MatchString(text):
		return KindTimeout
	}
	return KindTransient
}

// AdvisoryDelay extracts a server-suggested wait from the error text, when the
// provider includes one ("retry after 20s", "try again in 1.5s").
func AdvisoryDelay(err error) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}
	m := retryAfterSecRe.FindStringSubmatch(err.Error())
	if m == nil {
		return 0, false
	}
	v, perr := strconv.ParseFloat(m[1], 64)
	if perr != nil || v <= 0 {
		return 0, false
	}
	unit := strings.ToLower(m[2])
	if unit == "ms" {
		return time.Duration(v * float64(time.Millisecond)), true
	}
	return time.Duration(v * float64(time.Second)), true
}
