package notify

import (
	"context"
	"strings"
	"time"
)

// Provider names.
const (
	ProviderResend   = "resend"
	ProviderSendGrid = "sendgrid"
	ProviderPostmark = "postmark"
)

// TrackingTag is the provider metadata key carrying our tracking id.
const TrackingTag = "tracking_id"

// ProviderOptions configures one email provider client.
type ProviderOptions struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// Resend sends through the Resend API.
type Resend struct {
	api    apiClient
	apiKey string
}

func NewResend(opts ProviderOptions) *Resend {
	return &Resend{
		api:    newAPIClient(ProviderResend, opts.BaseURL, "https://api.resend.com", opts.Timeout),
		apiKey: opts.APIKey,
	}
}

// Name returns "resend".
func (r *Resend) Name() string { return ProviderResend }

// Send posts to /emails and returns the Resend email id.
func (r *Resend) Send(ctx context.Context, email Email) (string, error) {
	payload := map[string]any{
		"from":    email.From,
		"to":      []string{email.To},
		"subject": email.Subject,
		"text":    email.Text,
		"html":    email.HTML,
		"tags":    []map[string]string{{"name": TrackingTag, "value": email.TrackingID}},
	}
	var result struct {
		ID string `json:"id"`
	}
	headers := map[string]string{"Authorization": "Bearer " + r.apiKey}
	if _, err := r.api.postJSON(ctx, "/emails", headers, payload, &result); err != nil {
		return "", err
	}
	return result.ID, nil
}

// SendGrid sends through the SendGrid v3 mail API.
type SendGrid struct {
	api    apiClient
	apiKey string
}

func NewSendGrid(opts ProviderOptions) *SendGrid {
	return &SendGrid{
		api:    newAPIClient(ProviderSendGrid, opts.BaseURL, "https://api.sendgrid.com", opts.Timeout),
		apiKey: opts.APIKey,
	}
}

// Name returns "sendgrid".
func (s *SendGrid) Name() string { return ProviderSendGrid }

// Send posts to /v3/mail/send. SendGrid answers 202 with an empty body and the
// message id in the X-Message-Id header.
func (s *SendGrid) Send(ctx context.Context, email Email) (string, error) {
	content := []map[string]string{{"type": "text/plain", "value": email.Text}}
	if email.HTML != "" {
		content = append(content, map[string]string{"type": "text/html", "value": email.HTML})
	}
	payload := map[string]any{
		"personalizations": []map[string]any{{
			"to":          []map[string]string{{"email": email.To}},
			"custom_args": map[string]string{TrackingTag: email.TrackingID},
		}},
		"from":    map[string]string{"email": email.From},
		"subject": email.Subject,
		"content": content,
	}
	headers := map[string]string{"Authorization": "Bearer " + s.apiKey}
	header, err := s.api.postJSON(ctx, "/v3/mail/send", headers, payload, nil)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(header.Get("X-Message-Id")), nil
}

// Postmark sends through the Postmark API.
type Postmark struct {
	api   apiClient
	token string
}

// NewPostmark builds a Postmark client. A 200 response with a non-zero
// ErrorCode is still a rejection.
func NewPostmark(opts ProviderOptions) *Postmark {
	return &Postmark{
		api:   newAPIClient(ProviderPostmark, opts.BaseURL, "https://api.postmarkapp.com", opts.Timeout),
		token: opts.APIKey,
	}
}

// Name returns "postmark".
func (p *Postmark) Name() string { return ProviderPostmark }

// Send posts to /email and returns the Postmark MessageID.
func (p *Postmark) Send(ctx context.Context, email Email) (string, error) {
	payload := map[string]any{
		"From":          email.From,
		"To":            email.To,
		"Subject":       email.Subject,
		"TextBody":      email.Text,
		"HtmlBody":      email.HTML,
		"TrackOpens":    true,
		"MessageStream": "outbound",
		"Metadata":      map[string]string{TrackingTag: email.TrackingID},
	}
	var result struct {
		MessageID string `json:"MessageID"`
		ErrorCode int    `json:"ErrorCode"`
		Message   string `json:"Message"`
	}
	headers := map[string]string{"X-Postmark-Server-Token": p.token}
	if _, err := p.api.postJSON(ctx, "/email", headers, payload, &result); err != nil {
		return "", err
	}
	if result.ErrorCode != 0 {
		return "", &ProviderError{Provider: ProviderPostmark, Message: result.Message, Permanent: true}
	}
	return result.MessageID, nil
}

var (
	_ EmailProvider = (*Resend)(nil)
	_ EmailProvider = (*SendGrid)(nil)
	_ EmailProvider = (*Postmark)(nil)
)
