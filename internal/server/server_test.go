package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"price-alerts/internal/alerting"
	"price-alerts/internal/fetcher"
	"price-alerts/internal/marketdata"
	"price-alerts/internal/notify"
	"price-alerts/internal/storage"
)

type stubPrices struct {
	err error
}

func (s stubPrices) Quote(_ context.Context, coinID, currency string) (marketdata.Quote, error) {
	if s.err != nil {
		return marketdata.Quote{}, s.err
	}
	return marketdata.Quote{CoinID: coinID, Currency: currency, Price: decimal.RequireFromString("64000.5"), Source: marketdata.SourceCache}, nil
}

func (s stubPrices) Market(_ context.Context, coinID, currency string) (marketdata.Result[fetcher.MarketData], error) {
	if s.err != nil {
		return marketdata.Result[fetcher.MarketData]{}, s.err
	}
	return marketdata.Result[fetcher.MarketData]{
		Value:  fetcher.MarketData{CoinID: coinID, Currency: currency, Symbol: "btc"},
		Stale:  true,
		Source: marketdata.SourceCache,
	}, nil
}

type stubEvaluator struct {
	err   error
	calls int
}

func (s *stubEvaluator) Evaluate(context.Context) (alerting.Summary, error) {
	s.calls++
	return alerting.Summary{Evaluated: 3, Triggered: 1}, s.err
}

type testEnv struct {
	server    *Server
	mem       *storage.Memory
	evaluator *stubEvaluator
	outbox    *notify.Outbox
}

func newTestEnv(t *testing.T, secrets map[string]notify.WebhookSecret) *testEnv {
	t.Helper()
	mem := storage.NewMemory()
	require.NoError(t, mem.InsertDelivery(context.Background(), storage.EmailDeliveryRecord{
		TrackingID:        "track-1",
		ProviderMessageID: "msg-1",
		Provider:          notify.ProviderResend,
		Recipient:         "user@example.com",
		Status:            storage.StatusSent,
		SentAt:            time.Now().Add(-time.Hour),
	}))

	evaluator := &stubEvaluator{}
	outbox := notify.NewOutbox(10)
	srv := New(Options{CronSecret: "s3cret"}, Deps{
		Prices:    stubPrices{},
		Evaluator: evaluator,
		Tracker:   notify.NewTracker(mem, notify.DefaultNormalizers(), secrets, zerolog.Nop()),
		Browser:   outbox,
	}, zerolog.Nop())
	return &testEnv{server: srv, mem: mem, evaluator: evaluator, outbox: outbox}
}

func (e *testEnv) do(t *testing.T, method, target, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

const resendDelivered = `{"type":"email.delivered","created_at":"2024-05-01T12:05:00Z","data":{"email_id":"msg-1","to":["user@example.com"],"tags":{"tracking_id":"track-1"}}}`

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])
}

func TestPriceRoute(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/api/prices/bitcoin?currency=eur", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "bitcoin", body["coin_id"])
	assert.Equal(t, "eur", body["currency"])
	assert.Equal(t, "64000.5", body["price"])

	rec = env.do(t, http.MethodGet, "/api/market/bitcoin", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["stale"])
}

func TestPriceRouteUpstreamFailure(t *testing.T) {
	srv := New(Options{}, Deps{Prices: stubPrices{err: errors.New("upstream down")}}, zerolog.Nop())
	req := httptest.NewRequest(http.MethodGet, "/api/prices/bitcoin", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestEvaluateRequiresSecret(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/alerts/evaluate", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 0, env.evaluator.calls)

	rec = env.do(t, http.MethodPost, "/api/alerts/evaluate", "", http.Header{"Authorization": {"Bearer s3cret"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["triggered"])
	assert.Equal(t, 1, env.evaluator.calls)
}

func TestEvaluateInProgressIsAccepted(t *testing.T) {
	env := newTestEnv(t, nil)
	env.evaluator.err = alerting.ErrEvaluationInProgress

	rec := env.do(t, http.MethodPost, "/api/alerts/evaluate", "", http.Header{"Authorization": {"Bearer s3cret"}})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, true, decode(t, rec)["skipped"])
}

func TestWebhookUpdatesDeliveryStatus(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/webhooks/email/resend", resendDelivered, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	stored, err := env.mem.GetDeliveryByTrackingID(context.Background(), "track-1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusDelivered, stored.Status)
}

func TestWebhookAlwaysAcknowledgesProcessingFailures(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/webhooks/email/resend", `{not json`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/webhooks/email/postmark", `{"RecordType":"Delivery","MessageID":"nope","Recipient":"ghost@example.com"}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhookSignature(t *testing.T) {
	env := newTestEnv(t, map[string]notify.WebhookSecret{"resend": {Secret: "whsec", Header: "X-Signature"}})

	rec := env.do(t, http.MethodPost, "/api/webhooks/email/resend", resendDelivered, http.Header{"X-Signature": {"deadbeef"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	stored, err := env.mem.GetDeliveryByTrackingID(context.Background(), "track-1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusSent, stored.Status)

	sig := notify.Sign("whsec", []byte(resendDelivered))
	rec = env.do(t, http.MethodPost, "/api/webhooks/email/resend", resendDelivered, http.Header{"X-Signature": {sig}})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhookUnknownProvider(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodPost, "/api/webhooks/email/mailgun", `{}`, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEmailStatusQueries(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/api/email-status?trackingId=track-1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "sent", decode(t, rec)["status"])

	rec = env.do(t, http.MethodGet, "/api/email-status?trackingId=missing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/email-status?email=user@example.com", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["deliveries"], 1)

	rec = env.do(t, http.MethodGet, "/api/email-status", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEmailStats(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/api/email-status/stats?days=1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	stats := body["stats"].(map[string]any)
	assert.Equal(t, float64(1), stats["total"])

	rec = env.do(t, http.MethodGet, "/api/email-status/stats?days=zero", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBrowserNotificationsDrain(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.outbox.Publish(context.Background(), notify.Notification{UserID: "u1", CoinID: "bitcoin"}))

	rec := env.do(t, http.MethodGet, "/api/notifications/browser?user=u1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["notifications"], 1)

	rec = env.do(t, http.MethodGet, "/api/notifications/browser?user=u1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["notifications"], 0)
}
