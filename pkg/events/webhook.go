package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/dealerdesk/crm-backend/pkg/delta"
	"github.com/dealerdesk/crm-backend/pkg/logger"
	"github.com/dealerdesk/crm-backend/pkg/models"
)

const webhookMaxRetries = 3

// Payload is the body delivered to webhook endpoints.
type Payload struct {
	Event     string                 `json:"event"`
	Data      map[string]interface{} `json:"data"`
	Timestamp int64                  `json:"timestamp"`
}

// WebhookDispatcher posts events to the configured endpoints, signed with
// an HMAC of the body. Delivery happens in the background with retries;
// dispatch itself never blocks on the network.
type WebhookDispatcher struct {
	endpoints  []string
	secret     string
	httpClient *http.Client
	log        logger.Logger
}

// NewWebhookDispatcher builds a dispatcher for the given endpoints.
func NewWebhookDispatcher(endpoints []string, secret string, log logger.Logger) *WebhookDispatcher {
	return &WebhookDispatcher{
		endpoints: endpoints,
		secret:    secret,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		log: log,
	}
}

func (w *WebhookDispatcher) OpportunityCreated(_ context.Context, o *models.Opportunity) error {
	w.trigger(EventOpportunityCreated, map[string]interface{}{"opportunity": o})
	return nil
}

func (w *WebhookDispatcher) OpportunityUpdated(_ context.Context, o *models.Opportunity, changes delta.ChangeSet) error {
	w.trigger(EventOpportunityUpdated, map[string]interface{}{"opportunity": o, "delta": changes})
	return nil
}

func (w *WebhookDispatcher) OpportunityStatusUpdated(_ context.Context, o *models.Opportunity, oldStatusName string) error {
	w.trigger(EventOpportunityStatusUpdated, map[string]interface{}{
		"opportunity":     o,
		"old_status_name": oldStatusName,
		"new_status_name": o.Status.Name(),
	})
	return nil
}

func (w *WebhookDispatcher) OpportunitySubStatusUpdated(_ context.Context, o *models.Opportunity) error {
	w.trigger(EventOpportunitySubStatusUpdated, map[string]interface{}{"opportunity": o})
	return nil
}

func (w *WebhookDispatcher) OpportunityAssignment(_ context.Context, o *models.Opportunity, field string, members []string) error {
	w.trigger(EventOpportunityAssignment, map[string]interface{}{
		"opportunity": o,
		"field":       field,
		"members":     members,
	})
	return nil
}

func (w *WebhookDispatcher) OpportunityDeleted(_ context.Context, o *models.Opportunity) error {
	w.trigger(EventOpportunityDeleted, map[string]interface{}{"opportunity": o})
	return nil
}

func (w *WebhookDispatcher) trigger(event string, data map[string]interface{}) {
	if len(w.endpoints) == 0 {
		return
	}

	payload := Payload{
		Event:     event,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		w.log.Error("failed to marshal webhook payload", "event", event, "error", err)
		return
	}

	signature := Sign(body, w.secret)
	for _, endpoint := range w.endpoints {
		go w.deliver(endpoint, event, body, signature)
	}
}

// deliver posts one payload with exponential backoff between attempts.
func (w *WebhookDispatcher) deliver(endpoint, event string, body []byte, signature string) {
	for attempt := 0; attempt <= webhookMaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt)) * time.Second
			time.Sleep(backoff)
		}

		req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			w.log.Error("failed to create webhook request", "endpoint", endpoint, "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Webhook-Signature", signature)
		req.Header.Set("X-Webhook-Event", event)

		resp, err := w.httpClient.Do(req)
		if err != nil {
			w.log.Warn("webhook delivery failed", "endpoint", endpoint, "event", event, "attempt", attempt+1, "error", err)
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			w.log.Debug("webhook delivered", "endpoint", endpoint, "event", event)
			return
		}
		w.log.Warn("webhook returned error status", "endpoint", endpoint, "event", event, "status", resp.StatusCode, "attempt", attempt+1)
	}

	w.log.Error("webhook delivery gave up", "endpoint", endpoint, "event", event, "attempts", webhookMaxRetries+1)
}

// Sign computes the hex HMAC-SHA256 of a payload.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a payload against its claimed signature.
func VerifySignature(payload []byte, signature, secret string) bool {
	return hmac.Equal([]byte(signature), []byte(Sign(payload, secret)))
}
