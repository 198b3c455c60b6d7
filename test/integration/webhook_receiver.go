package integration

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/pitabwire/approvals/internal/notify"
)

// WebhookReceiver is an HTTP test server standing in for the systems that
// webhook actions notify. It answers with a configurable sequence of status
// codes and records every delivery.
type WebhookReceiver struct {
	server *httptest.Server

	mu         sync.Mutex
	statuses   []int
	current    int
	deliveries []*Delivery
}

// Delivery is one request received by the WebhookReceiver.
type Delivery struct {
	Path         string
	Headers      http.Header
	RawBody      []byte
	Notification notify.Notification
	ReceivedAt   time.Time
}

func newWebhookReceiver(t *testing.T) *WebhookReceiver {
	t.Helper()

	wr := &WebhookReceiver{}
	wr.server = httptest.NewServer(http.HandlerFunc(wr.handle))
	t.Cleanup(wr.server.Close)
	return wr
}

// URL returns the receiver's base URL.
func (wr *WebhookReceiver) URL() string {
	return wr.server.URL
}

// RespondWith queues status codes to answer with, in order. The last one
// repeats once the queue is exhausted; with nothing queued the receiver
// answers 204.
func (wr *WebhookReceiver) RespondWith(statuses ...int) {
	wr.mu.Lock()
	defer wr.mu.Unlock()
	wr.statuses = append(wr.statuses, statuses...)
}

// Reset clears queued statuses and recorded deliveries.
func (wr *WebhookReceiver) Reset() {
	wr.mu.Lock()
	defer wr.mu.Unlock()
	wr.statuses = nil
	wr.current = 0
	wr.deliveries = nil
}

// Deliveries returns a copy of every delivery received so far.
func (wr *WebhookReceiver) Deliveries() []*Delivery {
	wr.mu.Lock()
	defer wr.mu.Unlock()
	return append([]*Delivery(nil), wr.deliveries...)
}

// AssertDeliveries verifies how many requests the receiver saw.
func (wr *WebhookReceiver) AssertDeliveries(t *testing.T, want int) {
	t.Helper()
	assert.Len(t, wr.Deliveries(), want, "webhook deliveries")
}

func (wr *WebhookReceiver) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	d := &Delivery{
		Path:       r.URL.Path,
		Headers:    r.Header.Clone(),
		RawBody:    body,
		ReceivedAt: time.Now(),
	}
	_ = json.Unmarshal(body, &d.Notification)

	wr.mu.Lock()
	wr.deliveries = append(wr.deliveries, d)
	status := http.StatusNoContent
	if len(wr.statuses) > 0 {
		idx := min(wr.current, len(wr.statuses)-1)
		status = wr.statuses[idx]
		if wr.current < len(wr.statuses) {
			wr.current++
		}
	}
	wr.mu.Unlock()

	w.WriteHeader(status)
}
