package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// WebhookSink posts the notification as signed JSON to an HTTP endpoint.
type WebhookSink struct {
	name   string
	url    string
	secret string
	header string
	client *http.Client
	logger zerolog.Logger
}

// WebhookOptions configures a WebhookSink.
type WebhookOptions struct {
	Name            string
	URL             string
	Secret          string
	SignatureHeader string
	Timeout         time.Duration
}

// NewWebhookSink 构造通用 webhook 兜底通道。
func NewWebhookSink(opts WebhookOptions, logger zerolog.Logger) *WebhookSink {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Name == "" {
		opts.Name = "webhook"
	}
	if opts.SignatureHeader == "" {
		opts.SignatureHeader = DefaultSignatureHeader
	}
	return &WebhookSink{
		name:   opts.Name,
		url:    opts.URL,
		secret: opts.Secret,
		header: opts.SignatureHeader,
		client: &http.Client{Timeout: opts.Timeout},
		logger: logger.With().Str("component", "notify_webhook").Str("sink", opts.Name).Logger(),
	}
}

// Name returns the configured sink name.
func (w *WebhookSink) Name() string { return w.name }

// Send posts {"event":"price_alert.triggered","notification":...}.
func (w *WebhookSink) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(map[string]any{
		"event":        "price_alert.triggered",
		"notification": n,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.secret != "" {
		req.Header.Set(w.header, "sha256="+Sign(w.secret, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &ProviderError{Provider: w.name, StatusCode: resp.StatusCode, Message: "unexpected webhook status"}
	}
	w.logger.Info().Int64("alert_id", n.AlertID).Msg("notification delivered via webhook")
	return nil
}

// TelegramSink 通过 Telegram Bot API 推送消息。
type TelegramSink struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramSink 构造 Telegram 兜底通道。
func NewTelegramSink(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramSink{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "notify_telegram").Logger(),
	}
}

// Name returns "telegram".
func (t *TelegramSink) Name() string { return "telegram" }

// Send 调用 sendMessage API 推送文本。
func (t *TelegramSink) Send(ctx context.Context, n Notification) error {
	payload := map[string]string{
		"chat_id": t.chatID,
		"text":    n.Text,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && !result.OK {
		return fmt.Errorf("telegram 返回 ok=false")
	}

	t.logger.Info().Int64("alert_id", n.AlertID).Str("coin_id", n.CoinID).Msg("告警已发送 (Telegram)")
	return nil
}

// Twilio sends SMS through the Twilio Messages API.
type Twilio struct {
	accountSID string
	authToken  string
	from       string
	baseURL    string
	client     *http.Client
}

// TwilioOptions configures the SMS client.
type TwilioOptions struct {
	AccountSID string
	AuthToken  string
	From       string
	BaseURL    string
	Timeout    time.Duration
}

// NewTwilio 构造 Twilio 短信客户端。
func NewTwilio(opts TwilioOptions) *Twilio {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.twilio.com"
	}
	return &Twilio{
		accountSID: opts.AccountSID,
		authToken:  opts.AuthToken,
		from:       opts.From,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		client:     &http.Client{Timeout: opts.Timeout},
	}
}

// Name returns "twilio".
func (t *Twilio) Name() string { return "twilio" }

// SendSMS posts a form-encoded message and returns its sid.
func (t *Twilio) SendSMS(ctx context.Context, to, body string) (string, error) {
	form := url.Values{}
	form.Set("To", to)
	form.Set("From", t.from)
	form.Set("Body", body)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", t.baseURL, t.accountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create twilio request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(t.accountSID, t.authToken)

	api := apiClient{provider: "twilio", client: t.client}
	var result struct {
		SID string `json:"sid"`
	}
	if _, err := api.do(req, &result); err != nil {
		return "", err
	}
	return result.SID, nil
}

var (
	_ Sink      = (*WebhookSink)(nil)
	_ Sink      = (*TelegramSink)(nil)
	_ SMSSender = (*Twilio)(nil)
)
