package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// StatusError reports a non-2xx upstream HTTP response.
type StatusError struct {
	StatusCode int
	Body       string
	// RetryAfter is parsed from the Retry-After header when present.
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("upstream returned status %d", e.StatusCode)
	}
	if len(body) > 256 {
		body = body[:256]
	}
	return fmt.Sprintf("upstream returned status %d: %s", e.StatusCode, body)
}

// NewStatusError reads a bounded slice of resp.Body and the Retry-After header.
func NewStatusError(resp *http.Response) *StatusError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	statusErr := &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	if header := resp.Header.Get("Retry-After"); header != "" {
		if secs, err := strconv.Atoi(strings.TrimSpace(header)); err == nil && secs > 0 {
			statusErr.RetryAfter = time.Duration(secs) * time.Second
		} else if at, err := http.ParseTime(header); err == nil {
			statusErr.RetryAfter = time.Until(at)
		}
	}
	return statusErr
}

// CodedError is implemented by errors that carry a network error code.
type CodedError interface {
	error
	Code() string
}

type codedError struct {
	code string
	err  error
}

func (e *codedError) Error() string { return fmt.Sprintf("%s: %v", e.code, e.err) }
func (e *codedError) Code() string  { return e.code }
func (e *codedError) Unwrap() error { return e.err }

// WithCode tags err with a network error code.
func WithCode(code string, err error) error {
	if err == nil {
		return nil
	}
	return &codedError{code: code, err: err}
}

var errnoCodes = []struct {
	errno syscall.Errno
	code  string
}{
	{syscall.ECONNRESET, CodeConnReset},
	{syscall.ECONNREFUSED, CodeConnRefused},
	{syscall.ETIMEDOUT, CodeTimedOut},
	{syscall.EHOSTUNREACH, CodeHostUnreach},
	{syscall.ENETUNREACH, CodeNetUnreach},
	{syscall.EPIPE, CodeBrokenPipe},
}

// ErrorCode extracts the network error code of err, or "" when none applies.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var coded CodedError
	if errors.As(err, &coded) {
		return coded.Code()
	}
	for _, entry := range errnoCodes {
		if errors.Is(err, entry.errno) {
			return entry.code
		}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return CodeNotFound
		}
		return CodeTryAgain
	}
	return ""
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}

func retryAfter(err error) time.Duration {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.RetryAfter
	}
	return 0
}

// IsRateLimited reports whether err is an HTTP 429 response.
func IsRateLimited(err error) bool {
	return StatusCode(err) == http.StatusTooManyRequests
}

// IsTimeout reports whether err indicates a timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out")
}

// Retryable reports a transient failure.
func (p Policy) Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if status := StatusCode(err); status != 0 {
		return slices.Contains(p.RetryableStatuses, status)
	}
	if code := ErrorCode(err); code != "" && slices.Contains(p.RetryableErrorCodes, code) {
		return true
	}
	return IsTimeout(err)
}
