package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// virtualWait records requested delays and advances a virtual clock instead of sleeping.
type virtualWait struct {
	elapsed time.Duration
	delays  []time.Duration
}

func (v *virtualWait) Wait(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.delays = append(v.delays, d)
	v.elapsed += d
	return nil
}

func TestDoServerErrorSchedule(t *testing.T) {
	clock := &virtualWait{}
	retryer := NewRetryer(Policy{
		MaxRetries:        3,
		InitialDelay:      time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2,
	}, zerolog.Nop(), WithWait(clock.Wait))

	var attemptsAt []time.Duration
	final := &StatusError{StatusCode: http.StatusInternalServerError}
	_, err := Do(context.Background(), retryer, "price", func(ctx context.Context) (int, error) {
		attemptsAt = append(attemptsAt, clock.elapsed)
		return 0, final
	})

	require.Error(t, err)
	assert.Same(t, final, err, "original error must propagate unchanged")
	assert.Equal(t, []time.Duration{0, time.Second, 3 * time.Second, 7 * time.Second}, attemptsAt)
}

func TestDoRateLimitSchedule(t *testing.T) {
	clock := &virtualWait{}
	retryer := NewRetryer(Policy{MaxRetries: 5, InitialDelay: time.Second, BackoffMultiplier: 2}, zerolog.Nop(), WithWait(clock.Wait))

	_, err := Do(context.Background(), retryer, "price", func(ctx context.Context) (int, error) {
		return 0, &StatusError{StatusCode: http.StatusTooManyRequests}
	})

	require.Error(t, err)
	assert.Equal(t, []time.Duration{
		60 * time.Second,
		120 * time.Second,
		240 * time.Second,
		300 * time.Second,
		300 * time.Second,
	}, clock.delays)
}

func TestDoRetryAfterHintExtendsRateLimitDelay(t *testing.T) {
	policy := DefaultPolicy()
	err := &StatusError{StatusCode: http.StatusTooManyRequests, RetryAfter: 90 * time.Second}
	assert.Equal(t, 90*time.Second, policy.DelayFor(err, 0))

	err.RetryAfter = time.Hour
	assert.Equal(t, 5*time.Minute, policy.DelayFor(err, 0))
}

func TestDoFatalClientErrorNotRetried(t *testing.T) {
	clock := &virtualWait{}
	retryer := NewRetryer(DefaultPolicy(), zerolog.Nop(), WithWait(clock.Wait))

	calls := 0
	_, err := Do(context.Background(), retryer, "price", func(ctx context.Context) (string, error) {
		calls++
		return "", &StatusError{StatusCode: http.StatusNotFound}
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, clock.delays)
}

func TestDoSucceedsAfterTransientFailure(t *testing.T) {
	clock := &virtualWait{}
	retryer := NewRetryer(DefaultPolicy(), zerolog.Nop(), WithWait(clock.Wait))

	calls := 0
	value, err := Do(context.Background(), retryer, "price", func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", WithCode(CodeConnReset, errors.New("connection reset by peer"))
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", value)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, clock.delays)
}

func TestDoZeroRetries(t *testing.T) {
	retryer := NewRetryer(Policy{MaxRetries: 0}, zerolog.Nop(), WithWait(func(context.Context, time.Duration) error {
		t.Fatal("should not wait")
		return nil
	}))

	calls := 0
	_, err := Do(context.Background(), retryer, "op", func(ctx context.Context) (int, error) {
		calls++
		return 0, &StatusError{StatusCode: http.StatusBadGateway}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoStopsWhenContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	retryer := NewRetryer(DefaultPolicy(), zerolog.Nop())

	calls := 0
	_, err := Do(ctx, retryer, "op", func(ctx context.Context) (int, error) {
		calls++
		cancel()
		return 0, &StatusError{StatusCode: http.StatusServiceUnavailable}
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
	assert.NoError(t, Sleep(context.Background(), time.Millisecond))
}

func TestRetryableClassification(t *testing.T) {
	policy := DefaultPolicy()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"408", &StatusError{StatusCode: 408}, true},
		{"429", &StatusError{StatusCode: 429}, true},
		{"500", &StatusError{StatusCode: 500}, true},
		{"502 wrapped", fmt.Errorf("fetch: %w", &StatusError{StatusCode: 502}), true},
		{"503", &StatusError{StatusCode: 503}, true},
		{"504", &StatusError{StatusCode: 504}, true},
		{"400", &StatusError{StatusCode: 400}, false},
		{"401", &StatusError{StatusCode: 401}, false},
		{"404 with timeout text", &StatusError{StatusCode: 404, Body: "timeout"}, false},
		{"econnreset errno", &net.OpError{Op: "read", Err: os.NewSyscallError("read", syscall.ECONNRESET)}, true},
		{"econnrefused errno", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), true},
		{"dns not found", &net.DNSError{Err: "no such host", Name: "api.example", IsNotFound: true}, true},
		{"coded", WithCode(CodeTryAgain, errors.New("lookup failed")), true},
		{"unknown code", WithCode("EWEIRD", errors.New("weird")), false},
		{"deadline", context.DeadlineExceeded, true},
		{"timeout message", errors.New("request Timeout after 10s"), true},
		{"cancelled", context.Canceled, false},
		{"plain", errors.New("invalid json"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, policy.Retryable(tt.err))
		})
	}
}

func TestErrorCodeMapping(t *testing.T) {
	assert.Equal(t, CodeConnReset, ErrorCode(syscall.ECONNRESET))
	assert.Equal(t, CodeBrokenPipe, ErrorCode(fmt.Errorf("write: %w", syscall.EPIPE)))
	assert.Equal(t, CodeTryAgain, ErrorCode(&net.DNSError{Err: "server misbehaving", IsTemporary: true}))
	assert.Equal(t, "", ErrorCode(errors.New("x")))
}

func TestNewStatusErrorParsesRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	rec.Header().Set("Retry-After", "120")
	rec.WriteHeader(http.StatusTooManyRequests)
	_, _ = rec.WriteString(`{"status":{"error_code":429}}`)

	statusErr := NewStatusError(rec.Result())
	assert.Equal(t, http.StatusTooManyRequests, statusErr.StatusCode)
	assert.Equal(t, 2*time.Minute, statusErr.RetryAfter)
	assert.Contains(t, statusErr.Error(), "429")
	assert.True(t, IsRateLimited(statusErr))
}

func TestPolicyDelayCapped(t *testing.T) {
	policy := Policy{InitialDelay: time.Second, MaxDelay: 5 * time.Second, BackoffMultiplier: 2}.normalized()
	assert.Equal(t, time.Second, policy.Delay(0))
	assert.Equal(t, 4*time.Second, policy.Delay(2))
	assert.Equal(t, 5*time.Second, policy.Delay(3))
	assert.Equal(t, 5*time.Second, policy.Delay(200))
}
