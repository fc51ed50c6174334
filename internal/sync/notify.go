package sync

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"regsync/pkg/logger"
)

// Event types pushed to the notification channel.
const (
	EventSyncCompleted         = "SyncCompleted"
	EventSyncPartial           = "SyncPartial"
	EventSyncFailed            = "SyncFailed"
	EventRemovalGuardTriggered = "RemovalGuardTriggered"
	EventViewRefreshFailed     = "ViewRefreshFailed"
	EventDataQualityAlarm      = "DataQualityAlarm"
)

// Severity levels for notification events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Event is one structured notification pushed to external observers.
type Event struct {
	Type      string         `json:"type"`
	Severity  string         `json:"severity"`
	Summary   string         `json:"summary"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Notifier delivers pipeline events to an external channel. Delivery
// failure must never affect the pipeline outcome, so implementations
// log and swallow their own errors.
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// NopNotifier discards all events.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Event) {}

// WebhookNotifier POSTs events as JSON to a fixed URL, optionally signed
// with HMAC-SHA256. Failures are logged, never returned.
type WebhookNotifier struct {
	url         string
	secret      string
	serviceName string
	client      *http.Client
}

func NewWebhookNotifier(url, secret, serviceName string) *WebhookNotifier {
	return &WebhookNotifier{
		url:         url,
		secret:      secret,
		serviceName: serviceName,
		client:      &http.Client{Timeout: 10 * time.Second},
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	body, err := json.Marshal(event)
	if err != nil {
		logger.Warn(ctx, "webhook event serialization failed", "type", event.Type, "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		logger.Warn(ctx, "webhook request build failed", "type", event.Type, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", event.Type)
	req.Header.Set("X-Webhook-Timestamp", event.Timestamp.Format(time.RFC3339Nano))
	req.Header.Set("X-Webhook-ServiceName", n.serviceName)
	if n.secret != "" {
		req.Header.Set("X-Webhook-Signature", "sha256="+signPayload(body, n.secret))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		logger.Warn(ctx, "webhook delivery failed", "type", event.Type, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		logger.Warn(ctx, "webhook returned non-success status",
			"type", event.Type, "status", resp.StatusCode, "body", string(snippet))
	}
}

func signPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// guardEvent builds the notification emitted when the removal guard
// vetoes deletions for one category.
func guardEvent(table string, decision GuardDecision, maxPercent float64) Event {
	return Event{
		Type:     EventRemovalGuardTriggered,
		Severity: SeverityWarning,
		Summary: fmt.Sprintf(
			"Removal guard triggered for %s: %d/%d (%.1f%%) exceeds %.0f%% ceiling, deletion skipped",
			table, decision.RemovedCount, decision.CurrentCount, decision.Ratio*100, maxPercent),
		Payload: map[string]any{
			"table":        table,
			"removedCount": decision.RemovedCount,
			"currentCount": decision.CurrentCount,
			"ratio":        decision.Ratio,
			"maxPercent":   maxPercent,
		},
	}
}
