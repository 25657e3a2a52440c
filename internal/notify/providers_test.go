package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testEmail = Email{
	From:       "alerts@example.com",
	To:         "trader@example.com",
	Subject:    "Price alert",
	Text:       "bitcoin above 70000",
	HTML:       "<p>bitcoin above 70000</p>",
	TrackingID: "track-1",
}

func TestResendSend(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/emails", r.URL.Path)
		assert.Equal(t, "Bearer re_key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "re-123"})
	}))
	defer srv.Close()

	id, err := NewResend(ProviderOptions{APIKey: "re_key", BaseURL: srv.URL}).Send(context.Background(), testEmail)
	require.NoError(t, err)
	assert.Equal(t, "re-123", id)
	assert.Equal(t, []any{"trader@example.com"}, received["to"])
	tags := received["tags"].([]any)
	assert.Equal(t, map[string]any{"name": TrackingTag, "value": "track-1"}, tags[0])
}

func TestResendPermanentRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"name":"validation_error","message":"Invalid to field"}`))
	}))
	defer srv.Close()

	_, err := NewResend(ProviderOptions{BaseURL: srv.URL}).Send(context.Background(), testEmail)
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Contains(t, err.Error(), "Invalid to field")
}

func TestProviderRateLimitIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewSendGrid(ProviderOptions{BaseURL: srv.URL}).Send(context.Background(), testEmail)
	require.Error(t, err)
	assert.False(t, IsPermanent(err))
}

func TestSendGridSend(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/mail/send", r.URL.Path)
		assert.Equal(t, "Bearer sg_key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.Header().Set("X-Message-Id", "sg-456")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	id, err := NewSendGrid(ProviderOptions{APIKey: "sg_key", BaseURL: srv.URL}).Send(context.Background(), testEmail)
	require.NoError(t, err)
	assert.Equal(t, "sg-456", id)

	personalization := received["personalizations"].([]any)[0].(map[string]any)
	assert.Equal(t, map[string]any{TrackingTag: "track-1"}, personalization["custom_args"])
}

func TestPostmarkSend(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/email", r.URL.Path)
		assert.Equal(t, "pm_token", r.Header.Get("X-Postmark-Server-Token"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		_ = json.NewEncoder(w).Encode(map[string]any{"MessageID": "pm-789", "ErrorCode": 0})
	}))
	defer srv.Close()

	id, err := NewPostmark(ProviderOptions{APIKey: "pm_token", BaseURL: srv.URL}).Send(context.Background(), testEmail)
	require.NoError(t, err)
	assert.Equal(t, "pm-789", id)
	assert.Equal(t, map[string]any{TrackingTag: "track-1"}, received["Metadata"])
}

func TestWebhookSinkSignsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.NoError(t, VerifySignature("hook-secret", body, r.Header.Get(DefaultSignatureHeader)))
		assert.Contains(t, string(body), `"price_alert.triggered"`)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewWebhookSink(WebhookOptions{URL: srv.URL, Secret: "hook-secret"}, zerolog.Nop())
	require.NoError(t, sink.Send(context.Background(), Notification{AlertID: 1, CoinID: "bitcoin"}))
	assert.Equal(t, "webhook", sink.Name())
}

func TestWebhookSinkFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	sink := NewWebhookSink(WebhookOptions{Name: "ops", URL: srv.URL}, zerolog.Nop())
	err := sink.Send(context.Background(), Notification{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ops (502)")
}

func TestTelegramSinkSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	sink := NewTelegramSink("token", "chat", srv.URL, time.Second, zerolog.Nop())
	if err := sink.Send(context.Background(), Notification{Text: "bitcoin above 70000"}); err != nil {
		t.Fatalf("Telegram Send 应成功: %v", err)
	}
	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	if received["text"] != "bitcoin above 70000" {
		t.Fatalf("text 不正确: %#v", received)
	}
}

func TestTelegramSinkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	sink := NewTelegramSink("token", "chat", srv.URL, time.Second, zerolog.Nop())
	if err := sink.Send(context.Background(), Notification{}); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

func TestTwilioSendSMS(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/2010-04-01/Accounts/AC1/Messages.json", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "AC1", user)
		assert.Equal(t, "auth", pass)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, url.Values{"To": {"+15550001111"}, "From": {"+15559990000"}, "Body": {"hello"}}, r.PostForm)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"sid": "SM123"})
	}))
	defer srv.Close()

	sms := NewTwilio(TwilioOptions{AccountSID: "AC1", AuthToken: "auth", From: "+15559990000", BaseURL: srv.URL})
	sid, err := sms.SendSMS(context.Background(), "+15550001111", "hello")
	require.NoError(t, err)
	assert.Equal(t, "SM123", sid)
}

func TestVerifySignatureEncodings(t *testing.T) {
	body := []byte("payload")
	hexSig := Sign("k", body)

	assert.NoError(t, VerifySignature("k", body, hexSig))
	assert.NoError(t, VerifySignature("k", body, "sha256="+hexSig))
	assert.ErrorIs(t, VerifySignature("k", body, ""), ErrInvalidSignature)
	assert.ErrorIs(t, VerifySignature("k", []byte("tampered"), hexSig), ErrInvalidSignature)
}
