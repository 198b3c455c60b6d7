// Package notify delivers workflow notifications to external HTTP
// endpoints.
package notify

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
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/approvals/internal/config"
	"github.com/pitabwire/approvals/internal/observability"
	"github.com/pitabwire/approvals/internal/workflow"
	"github.com/pitabwire/approvals/model"
)

// BehaviorWebhook is the behavior name the webhook is registered under.
const BehaviorWebhook = "webhook"

// Request headers set on every delivery.
const (
	HeaderEvent         = "X-Approvals-Event"
	HeaderDelivery      = "X-Approvals-Delivery"
	HeaderSignature     = "X-Approvals-Signature"
	HeaderCorrelationID = "X-Correlation-ID"
)

// Notification is the JSON body posted to a webhook.
type Notification struct {
	Event        string           `json:"event"`
	DeliveryID   string           `json:"delivery_id"`
	InstanceID   string           `json:"instance_id"`
	DefinitionID string           `json:"definition_id"`
	TenantID     string           `json:"tenant_id"`
	Title        string           `json:"title"`
	Status       string           `json:"status"`
	ActionID     string           `json:"action_id"`
	ActionName   string           `json:"action_name"`
	RuntimeID    string           `json:"runtime_id"`
	Target       *model.TargetRef `json:"target,omitempty"`
	ActorID      string           `json:"actor_id,omitempty"`
	OccurredAt   time.Time        `json:"occurred_at"`
}

// WebhookBehavior posts a Notification to params.url when its action runs
// and reports done on a 2xx answer. Each host gets its own circuit breaker.
//
// Params:
//
//	url     required, http or https
//	secret  optional; signs the body with HMAC-SHA256
type WebhookBehavior struct {
	workflow.BaseBehavior

	client  *http.Client
	breaker config.CircuitBreakerConfig
	metrics *observability.Metrics
	logger  *zap.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewWebhookBehavior creates a webhook behavior.
func NewWebhookBehavior(cfg config.NotifyConfig, metrics *observability.Metrics, logger *zap.Logger) *WebhookBehavior {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxConnsPerHost:     20,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return &WebhookBehavior{
		client:   &http.Client{Timeout: timeout, Transport: transport},
		breaker:  cfg.CircuitBreaker,
		metrics:  metrics,
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// Register adds the behavior to r under BehaviorWebhook.
func (w *WebhookBehavior) Register(r *workflow.BehaviorRegistry) {
	r.Register(BehaviorWebhook, w)
}

// Execute implements workflow.ActionBehavior. The runtime ID doubles as the
// delivery ID so receivers can drop repeats.
func (w *WebhookBehavior) Execute(ctx context.Context, exec workflow.Execution) (bool, error) {
	target, err := url.Parse(exec.Action.Params["url"])
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return false, fmt.Errorf("webhook on action %q requires an http(s) params.url", exec.Action.ID)
	}

	n := Notification{
		Event:        workflow.EventActionEntered,
		DeliveryID:   exec.Runtime.ID,
		InstanceID:   exec.Instance.ID,
		DefinitionID: exec.Instance.DefinitionID,
		TenantID:     exec.Instance.TenantID,
		Title:        exec.Instance.Title,
		Status:       string(exec.Instance.Status),
		ActionID:     exec.Action.ID,
		ActionName:   exec.Action.Name,
		RuntimeID:    exec.Runtime.ID,
		Target:       exec.Instance.Target,
		OccurredAt:   time.Now().UTC(),
	}
	if exec.Actor != nil {
		n.ActorID = exec.Actor.SubjectID
	}

	body, err := json.Marshal(n)
	if err != nil {
		return false, fmt.Errorf("webhook: marshal notification: %w", err)
	}

	if err := w.deliver(ctx, target, body, n, exec.Action.Params["secret"], exec.Actor); err != nil {
		return false, err
	}
	return true, nil
}

func (w *WebhookBehavior) deliver(
	ctx context.Context,
	target *url.URL,
	body []byte,
	n Notification,
	secret string,
	actor *model.RequestContext,
) error {
	host := target.Host
	breaker := w.breakerFor(host)
	if err := breaker.Allow(); err != nil {
		return fmt.Errorf("webhook %s: %w", host, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, n.Event)
	req.Header.Set(HeaderDelivery, n.DeliveryID)
	if secret != "" {
		req.Header.Set(HeaderSignature, Sign(secret, body))
	}
	if actor != nil && actor.CorrelationID != "" {
		req.Header.Set(HeaderCorrelationID, actor.CorrelationID)
	}
	observability.InjectTraceHeaders(ctx, req.Header)

	start := time.Now()
	resp, err := w.client.Do(req)
	if err != nil {
		breaker.Failure()
		w.metrics.RecordWebhookRequest(host, 0, time.Since(start))
		return fmt.Errorf("webhook %s: %w", host, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	w.metrics.RecordWebhookRequest(host, resp.StatusCode, time.Since(start))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		breaker.Success()
		observability.LoggerFrom(ctx, w.logger).Debug("webhook delivered",
			zap.String("host", host),
			zap.String("instance_id", n.InstanceID),
			zap.String("action_id", n.ActionID),
			zap.Int("status", resp.StatusCode))
		return nil
	case resp.StatusCode >= 500:
		breaker.Failure()
	}
	// 4xx answers are the receiver rejecting this notification, not the
	// host being down, so they leave the breaker alone.
	return fmt.Errorf("webhook %s: unexpected status %d", host, resp.StatusCode)
}

func (w *WebhookBehavior) breakerFor(host string) *Breaker {
	w.mu.Lock()
	defer w.mu.Unlock()

	b, ok := w.breakers[host]
	if !ok {
		b = NewBreaker(w.breaker, func(s BreakerState) {
			w.metrics.SetWebhookCircuitBreakerState(host, float64(s))
			w.logger.Info("webhook circuit breaker state change",
				zap.String("host", host), zap.String("state", s.String()))
		})
		w.breakers[host] = b
	}
	return b
}

// Sign returns the signature header value for body: "sha256=" followed by
// the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
