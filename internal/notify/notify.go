// Package notify delivers family/police alerts to an external webhook when
// an ambulance is assigned and when an incident resolves.
//
// Delivery is at-least-once and the receiving side is idempotent, so the
// notifier retries nothing itself; it only refuses to hammer a dead
// endpoint, via a circuit breaker.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// Kind distinguishes alert audiences.
type Kind string

const (
	KindFamily Kind = "family"
	KindPolice Kind = "police"
)

// Alert is one outbound notification request.
type Alert struct {
	Kind       Kind   `json:"kind"`
	IncidentID int64  `json:"incident_id"`
	HospitalID int64  `json:"hospital_id"`
	Status     string `json:"status"`
	Message    string `json:"message,omitempty"`
}

// Notifier requests delivery of an alert.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// ─── Webhook notifier ───────────────────────────────────────

// Webhook posts alerts as JSON to a fixed endpoint, guarded by a circuit
// breaker so a dead alert service cannot stall dispatches.
type Webhook struct {
	url     string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	log     zerolog.Logger
}

// NewWebhook creates a webhook notifier for the given URL.
func NewWebhook(url string, log zerolog.Logger) *Webhook {
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "alert-webhook",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		log: log.With().Str("component", "notify").Logger(),
	}
}

// Notify implements Notifier.
func (w *Webhook) Notify(ctx context.Context, alert Alert) error {
	_, err := w.breaker.Execute(func() (interface{}, error) {
		payload, err := json.Marshal(alert)
		if err != nil {
			return nil, fmt.Errorf("notify: encode alert: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("notify: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := w.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("notify: post alert: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("notify: alert endpoint returned %d", resp.StatusCode)
		}
		return nil, nil
	})
	if err != nil {
		w.log.Warn().Err(err).Int64("incident_id", alert.IncidentID).
			Str("kind", string(alert.Kind)).Msg("alert delivery failed")
	}
	return err
}

// ─── Nop notifier ───────────────────────────────────────────

// Nop discards every alert. Used when no webhook is configured.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(ctx context.Context, alert Alert) error { return nil }
