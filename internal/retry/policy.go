package retry

import (
	"math"
	"net/http"
	"time"
)

// Policy bounds the retry behaviour of a single operation.
type Policy struct {
	MaxRetries          int           `mapstructure:"max_retries"`
	InitialDelay        time.Duration `mapstructure:"initial_delay"`
	MaxDelay            time.Duration `mapstructure:"max_delay"`
	BackoffMultiplier   float64       `mapstructure:"backoff_multiplier"`
	RetryableStatuses   []int         `mapstructure:"retryable_statuses"`
	RetryableErrorCodes []string      `mapstructure:"retryable_error_codes"`
	// RateLimitBase and RateLimitMax shape the schedule used after HTTP 429.
	RateLimitBase time.Duration `mapstructure:"rate_limit_base"`
	RateLimitMax  time.Duration `mapstructure:"rate_limit_max"`
}

// Network error codes worth retrying.
const (
	CodeConnReset   = "ECONNRESET"
	CodeConnRefused = "ECONNREFUSED"
	CodeTimedOut    = "ETIMEDOUT"
	CodeHostUnreach = "EHOSTUNREACH"
	CodeNetUnreach  = "ENETUNREACH"
	CodeBrokenPipe  = "EPIPE"
	CodeNotFound    = "ENOTFOUND"
	CodeTryAgain    = "EAI_AGAIN"
)

// DefaultPolicy returns the policy used for upstream market-data calls.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:        3,
		InitialDelay:      time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2,
		RetryableStatuses: []int{
			http.StatusRequestTimeout,
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout,
		},
		RetryableErrorCodes: []string{
			CodeConnReset, CodeConnRefused, CodeTimedOut, CodeHostUnreach,
			CodeNetUnreach, CodeBrokenPipe, CodeNotFound, CodeTryAgain,
		},
		RateLimitBase: 60 * time.Second,
		RateLimitMax:  5 * time.Minute,
	}
}

// normalized fills zero fields from DefaultPolicy. A zero MaxRetries is kept
// so callers can disable retries explicitly.
func (p Policy) normalized() Policy {
	def := DefaultPolicy()
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = def.InitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.BackoffMultiplier < 1 {
		p.BackoffMultiplier = def.BackoffMultiplier
	}
	if p.RetryableStatuses == nil {
		p.RetryableStatuses = def.RetryableStatuses
	}
	if p.RetryableErrorCodes == nil {
		p.RetryableErrorCodes = def.RetryableErrorCodes
	}
	if p.RateLimitBase <= 0 {
		p.RateLimitBase = def.RateLimitBase
	}
	if p.RateLimitMax <= 0 {
		p.RateLimitMax = def.RateLimitMax
	}
	return p
}

// Delay returns the wait before retry n (0-based): min(initial × multiplier^n, max).
func (p Policy) Delay(n int) time.Duration {
	return backoff(p.InitialDelay, p.BackoffMultiplier, p.MaxDelay, n)
}

// RateLimitDelay returns the wait before retry n after a 429: min(base × 2^n, max).
func (p Policy) RateLimitDelay(n int) time.Duration {
	return backoff(p.RateLimitBase, 2, p.RateLimitMax, n)
}

// DelayFor picks the schedule matching err. A Retry-After hint longer than
// the rate-limit schedule is honoured up to RateLimitMax.
func (p Policy) DelayFor(err error, n int) time.Duration {
	if !IsRateLimited(err) {
		return p.Delay(n)
	}
	delay := p.RateLimitDelay(n)
	if hint := retryAfter(err); hint > delay {
		delay = min(hint, p.RateLimitMax)
	}
	return delay
}

func backoff(initial time.Duration, multiplier float64, max time.Duration, n int) time.Duration {
	if n < 0 {
		n = 0
	}
	delay := float64(initial) * math.Pow(multiplier, float64(n))
	if delay > float64(max) || math.IsInf(delay, 0) {
		return max
	}
	return time.Duration(delay)
}
