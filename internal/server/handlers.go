package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"price-alerts/internal/alerting"
	"price-alerts/internal/notify"
	"price-alerts/internal/storage"
	"price-alerts/internal/version"
)

const (
	maxWebhookBody   = 1 << 20
	defaultStatsDays = 7
	recipientLimit   = 50
)

type deliveryView struct {
	TrackingID        string         `json:"tracking_id"`
	ProviderMessageID string         `json:"provider_message_id,omitempty"`
	Provider          string         `json:"provider"`
	Recipient         string         `json:"recipient"`
	Subject           string         `json:"subject,omitempty"`
	AlertID           *int64         `json:"alert_id,omitempty"`
	Status            string         `json:"status"`
	SentAt            time.Time      `json:"sent_at"`
	DeliveredAt       *time.Time     `json:"delivered_at,omitempty"`
	OpenedAt          *time.Time     `json:"opened_at,omitempty"`
	ClickedAt         *time.Time     `json:"clicked_at,omitempty"`
	LastEvent         string         `json:"last_event,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

func newDeliveryView(rec storage.EmailDeliveryRecord) deliveryView {
	return deliveryView{
		TrackingID:        rec.TrackingID,
		ProviderMessageID: rec.ProviderMessageID,
		Provider:          rec.Provider,
		Recipient:         rec.Recipient,
		Subject:           rec.Subject,
		AlertID:           rec.AlertID,
		Status:            string(rec.Status),
		SentAt:            rec.SentAt,
		DeliveredAt:       rec.DeliveredAt,
		OpenedAt:          rec.OpenedAt,
		ClickedAt:         rec.ClickedAt,
		LastEvent:         rec.LastEvent,
		Metadata:          rec.Metadata,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version.Get(),
	})
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	coinID := chi.URLParam(r, "coinID")
	quote, err := s.deps.Prices.Quote(r.Context(), coinID, currencyParam(r))
	if err != nil {
		s.logger.Warn().Err(err).Str("coin", coinID).Msg("price lookup failed")
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

func (s *Server) handleMarket(w http.ResponseWriter, r *http.Request) {
	coinID := chi.URLParam(r, "coinID")
	res, err := s.deps.Prices.Market(r.Context(), coinID, currencyParam(r))
	if err != nil {
		s.logger.Warn().Err(err).Str("coin", coinID).Msg("market lookup failed")
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":   res.Value,
		"stale":  res.Stale,
		"source": res.Source,
	})
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	summary, err := s.deps.Evaluator.Evaluate(r.Context())
	if errors.Is(err, alerting.ErrEvaluationInProgress) {
		writeJSON(w, http.StatusAccepted, map[string]any{"skipped": true, "reason": err.Error()})
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("evaluation failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleEmailWebhook acknowledges every verified delivery so providers do not
// retry; processing failures are only logged.
func (s *Server) handleEmailWebhook(w http.ResponseWriter, r *http.Request) {
	provider := strings.ToLower(chi.URLParam(r, "provider"))
	if !s.deps.Tracker.Supports(provider) {
		writeError(w, http.StatusNotFound, "unknown provider")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		s.logger.Error().Err(err).Str("provider", provider).Msg("read webhook body")
		writeJSON(w, http.StatusOK, map[string]any{"received": false})
		return
	}

	if err := s.deps.Tracker.Verify(provider, r.Header, body); err != nil {
		s.logger.Warn().Err(err).Str("provider", provider).Msg("webhook signature rejected")
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	result, err := s.deps.Tracker.HandleWebhook(r.Context(), provider, body)
	if err != nil {
		s.logger.Error().Err(err).Str("provider", provider).Msg("webhook processing failed")
	}
	writeJSON(w, http.StatusOK, map[string]any{"received": true, "result": result})
}

func (s *Server) handleEmailStatus(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if trackingID := query.Get("trackingId"); trackingID != "" {
		rec, err := s.deps.Tracker.Status(r.Context(), trackingID)
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "delivery not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, newDeliveryView(rec))
		return
	}

	if email := query.Get("email"); email != "" {
		records, err := s.deps.Tracker.Recipient(r.Context(), email, recipientLimit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		views := make([]deliveryView, 0, len(records))
		for _, rec := range records {
			views = append(views, newDeliveryView(rec))
		}
		writeJSON(w, http.StatusOK, map[string]any{"deliveries": views})
		return
	}

	writeError(w, http.StatusBadRequest, "trackingId or email required")
}

func (s *Server) handleEmailStats(w http.ResponseWriter, r *http.Request) {
	days := defaultStatsDays
	if raw := r.URL.Query().Get("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "days must be a positive integer")
			return
		}
		days = parsed
	}

	stats, err := s.deps.Tracker.Stats(r.Context(), time.Duration(days)*24*time.Hour)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"days":           days,
		"stats":          stats,
		"delivery_rate":  stats.Rate(storage.StatusDelivered, storage.StatusOpened, storage.StatusClicked),
		"bounce_rate":    stats.Rate(storage.StatusBounced),
		"complaint_rate": stats.Rate(storage.StatusComplained),
	})
}

func (s *Server) handleBrowserNotifications(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	if user == "" {
		writeError(w, http.StatusBadRequest, "user required")
		return
	}
	pending := s.deps.Browser.Drain(user)
	if pending == nil {
		pending = []notify.Notification{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": pending})
}

func (s *Server) requireCronSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.CronSecret == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.CronSecret)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func currencyParam(r *http.Request) string {
	if currency := r.URL.Query().Get("currency"); currency != "" {
		return currency
	}
	return "usd"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
