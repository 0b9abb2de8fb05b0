// Package notify delivers operator alerts to a webhook sink. Delivery is
// best-effort: failures are logged and never propagated to callers.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"nekobeat/internal/logger"
)

// Alert is the payload shape the webhook sink accepts.
type Alert struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

type webhookBody struct {
	Embeds []Alert `json:"embeds"`
}

// Notifier posts alerts to a single webhook URL. A token-bucket limiter
// keeps a flapping pool from spamming the operator channel.
type Notifier struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
}

func New(webhookURL string) *Notifier {
	return &Notifier{
		url:    webhookURL,
		client: &http.Client{Timeout: 10 * time.Second},
		// One alert per 30s sustained, bursts of 3.
		limiter: rate.NewLimiter(rate.Every(30*time.Second), 3),
	}
}

// Notify sends an alert. Dropped silently when no webhook is configured,
// and dropped with a log line when rate-limited or on transport failure.
func (n *Notifier) Notify(ctx context.Context, title, description string) {
	log := logger.With("notify")

	if n.url == "" {
		return
	}
	if !n.limiter.Allow() {
		log.Warn().Str("title", title).Msg("Alert dropped by rate limiter")
		return
	}

	body, err := json.Marshal(webhookBody{Embeds: []Alert{{Title: title, Description: description}}})
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode alert")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		log.Error().Err(err).Msg("Failed to build alert request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		log.Error().Err(err).Str("title", title).Msg("Failed to deliver alert")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		log.Error().Int("status", resp.StatusCode).Str("title", title).Msg("Alert rejected by webhook")
	}
}
