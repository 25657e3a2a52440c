package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxErrorBody = 2048

// apiClient is the JSON-over-HTTP plumbing shared by the provider clients.
type apiClient struct {
	provider string
	baseURL  string
	client   *http.Client
}

func newAPIClient(provider, baseURL, fallbackURL string, timeout time.Duration) apiClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = fallbackURL
	}
	return apiClient{
		provider: provider,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
	}
}

// postJSON sends payload and decodes a 2xx response into out when out is
// non-nil. Non-2xx responses become a *ProviderError.
func (c apiClient) postJSON(ctx context.Context, path string, headers map[string]string, payload, out any) (http.Header, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", c.provider, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", c.provider, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.do(req, out)
}

func (c apiClient) do(req *http.Request, out any) (http.Header, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &ProviderError{Provider: c.provider, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return resp.Header, &ProviderError{
			Provider:   c.provider,
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(raw)),
			Permanent:  permanentStatus(resp.StatusCode),
		}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			return resp.Header, fmt.Errorf("decode %s response: %w", c.provider, err)
		}
	}
	return resp.Header, nil
}

// permanentStatus reports payload rejections. Auth failures and rate limits
// are specific to one provider and stay non-permanent.
func permanentStatus(code int) bool {
	return code == http.StatusBadRequest || code == http.StatusUnprocessableEntity
}
