package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryQueueDelaysSpanWindow(t *testing.T) {
	opts := RetryQueueOptions{MaxRetries: 5, Window: 31 * time.Hour}

	var total time.Duration
	for n := 1; n <= opts.MaxRetries; n++ {
		total += opts.Delay(n)
	}
	assert.Equal(t, time.Hour, opts.Delay(1))
	assert.Equal(t, 16*time.Hour, opts.Delay(5))
	assert.Equal(t, opts.Window, total)
}

func TestProcessRetryQueueDelivers(t *testing.T) {
	primary := &fakeProvider{name: "resend", err: transient("resend")}
	d, mem, clk := newTestDispatcher(t, Channels{Providers: []EmailProvider{primary}}, true)
	ctx := context.Background()

	out := d.Dispatch(ctx, testAlert(), decimal.NewFromInt(70100))
	require.True(t, out.Queued)

	report, err := d.ProcessRetryQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, RetryReport{}, report, "nothing is due yet")

	primary.err = nil
	clk.now = clk.now.Add(DefaultRetryQueueOptions().Delay(1))

	report, err = d.ProcessRetryQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, RetryReport{Attempted: 1, Delivered: 1}, report)
	assert.Empty(t, mem.RetryItems())

	rec, err := mem.GetDeliveryByTrackingID(ctx, out.TrackingID)
	require.NoError(t, err)
	assert.Equal(t, "resend", rec.Provider)
}

func TestProcessRetryQueueReschedulesThenDrops(t *testing.T) {
	primary := &fakeProvider{name: "resend", err: transient("resend")}
	d, mem, clk := newTestDispatcher(t, Channels{Providers: []EmailProvider{primary}}, true)
	ctx := context.Background()
	opts := DefaultRetryQueueOptions()

	d.Dispatch(ctx, testAlert(), decimal.NewFromInt(70100))

	for attempt := 1; attempt < opts.MaxRetries; attempt++ {
		clk.now = clk.now.Add(opts.Delay(attempt))
		report, err := d.ProcessRetryQueue(ctx)
		require.NoError(t, err)
		require.Equal(t, RetryReport{Attempted: 1, Rescheduled: 1}, report, "attempt %d", attempt)

		items := mem.RetryItems()
		require.Len(t, items, 1)
		assert.Equal(t, attempt, items[0].RetryCount)
		assert.Equal(t, clk.now.Add(opts.Delay(attempt+1)), items[0].NextAttemptAt)
		assert.NotEmpty(t, items[0].LastError)
	}

	clk.now = clk.now.Add(opts.Delay(opts.MaxRetries))
	report, err := d.ProcessRetryQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, RetryReport{Attempted: 1, Dropped: 1}, report)
	assert.Empty(t, mem.RetryItems())
	assert.Equal(t, int32(1+opts.MaxRetries), primary.calls.Load())
}

func TestProcessRetryQueueDropsOutsideWindow(t *testing.T) {
	primary := &fakeProvider{name: "resend", err: transient("resend")}
	d, mem, clk := newTestDispatcher(t, Channels{Providers: []EmailProvider{primary}}, true)
	ctx := context.Background()

	d.Dispatch(ctx, testAlert(), decimal.NewFromInt(70100))
	clk.now = clk.now.Add(30 * 24 * time.Hour)

	report, err := d.ProcessRetryQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, RetryReport{Dropped: 1}, report)
	assert.Empty(t, mem.RetryItems())
	assert.Equal(t, int32(1), primary.calls.Load())
}

func TestRetryQueueDelayClampsLargeMaxRetries(t *testing.T) {
	opts := RetryQueueOptions{MaxRetries: 64, Window: 7 * 24 * time.Hour}
	for _, n := range []int{1, 30, 64} {
		assert.Positive(t, opts.Delay(n), "attempt %d", n)
	}
}

// gatedProvider holds every send until release is closed.
type gatedProvider struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedProvider) Name() string { return "resend" }

func (g *gatedProvider) Send(context.Context, Email) (string, error) {
	g.calls.Add(1)
	g.once.Do(func() { close(g.started) })
	<-g.release
	return "resend-msg-1", nil
}

func TestProcessRetryQueueClaimsItemsOnce(t *testing.T) {
	failing := &fakeProvider{name: "resend", err: transient("resend")}
	queuer, mem, clk := newTestDispatcher(t, Channels{Providers: []EmailProvider{failing}}, true)
	ctx := context.Background()
	require.True(t, queuer.Dispatch(ctx, testAlert(), decimal.NewFromInt(70100)).Queued)
	clk.now = clk.now.Add(DefaultRetryQueueOptions().Delay(1))

	gated := &gatedProvider{started: make(chan struct{}), release: make(chan struct{})}
	newWorker := func() *Dispatcher {
		return NewDispatcher(DispatcherOptions{From: "alerts@example.com", Now: clk.Now},
			Channels{Providers: []EmailProvider{gated}}, mem, mem, zerolog.Nop())
	}
	first, second := newWorker(), newWorker()

	done := make(chan RetryReport, 1)
	go func() {
		report, err := first.ProcessRetryQueue(ctx)
		assert.NoError(t, err)
		done <- report
	}()
	<-gated.started

	report, err := second.ProcessRetryQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, RetryReport{}, report, "the item is leased by the running pass")

	_, err = first.ProcessRetryQueue(ctx)
	assert.ErrorIs(t, err, ErrRetryQueueBusy)

	close(gated.release)
	assert.Equal(t, RetryReport{Attempted: 1, Delivered: 1}, <-done)
	assert.Equal(t, int32(1), gated.calls.Load())
	assert.Empty(t, mem.RetryItems())
}
