package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jaswinder6991/teeproof/internal/retry"
)

// webhookQueueSize is the bounded channel capacity for outbound audit events.
const webhookQueueSize = 1024

// webhookEvent is the JSON payload POSTed to the external endpoint.
type webhookEvent struct {
	Event          string            `json:"event"`
	VerificationID string            `json:"verification_id,omitempty"`
	RequestID      string            `json:"request_id,omitempty"`
	RemoteAddr     string            `json:"remote_addr,omitempty"`
	Timestamp      string            `json:"timestamp"`
	Attrs          map[string]string `json:"attrs,omitempty"`
}

var (
	// errWebhookServer marks a 5xx response, which is retried.
	errWebhookServer = errors.New("audit webhook: server error")
	// errWebhookClient marks a 4xx response, which is not.
	errWebhookClient = errors.New("audit webhook: client error")
)

// auditWebhook dispatches audit events to an external HTTP endpoint.
// Events are enqueued non-blockingly into a bounded channel and sent
// by a background goroutine. If the channel is full, events are dropped.
type auditWebhook struct {
	url        string
	authHeader string // "Header: Value" format, e.g., "Authorization: Bearer xxx"
	client     *http.Client
	policy     retry.Policy
	events     chan webhookEvent
	wg         sync.WaitGroup
	closeOnce  sync.Once
	logger     *slog.Logger
}

// newAuditWebhook creates a webhook dispatcher and starts its background loop.
func newAuditWebhook(url, authHeader string, logger *slog.Logger) *auditWebhook {
	if logger == nil {
		logger = slog.Default()
	}
	w := &auditWebhook{
		url:        url,
		authHeader: authHeader,
		client:     &http.Client{Timeout: 10 * time.Second},
		policy: retry.Policy{
			MaxAttempts: 2,
			Backoff:     retry.Constant(time.Second),
			Retryable:   func(err error) bool { return !errors.Is(err, errWebhookClient) },
		},
		events: make(chan webhookEvent, webhookQueueSize),
		logger: logger.With("component", "audit_webhook"),
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// enqueue adds an event to the dispatch queue. If the queue is full, the
// event is dropped and a warning is logged. This method never blocks.
func (w *auditWebhook) enqueue(evt webhookEvent) {
	select {
	case w.events <- evt:
	default:
		w.logger.Warn("queue full, dropping event", "event", evt.Event)
	}
}

// close shuts down the dispatcher after draining queued events.
func (w *auditWebhook) close() {
	w.closeOnce.Do(func() {
		close(w.events)
		w.wg.Wait()
	})
}

func (w *auditWebhook) loop() {
	defer w.wg.Done()
	for evt := range w.events {
		w.send(evt)
	}
}

// send POSTs the event, retrying once on a network error or 5xx.
func (w *auditWebhook) send(evt webhookEvent) {
	body, err := json.Marshal(evt)
	if err != nil {
		w.logger.Warn("marshal failed", "error", err)
		return
	}

	attempt := 0
	err = w.policy.Do(context.Background(), func(ctx context.Context) error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("%w: %v", errWebhookClient, err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "teeproof-audit-webhook/1.0")
		if w.authHeader != "" {
			if name, value, ok := strings.Cut(w.authHeader, ":"); ok {
				req.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
			}
		}

		resp, err := w.client.Do(req)
		if err != nil {
			w.logger.Warn("request failed", "error", err, "attempt", attempt)
			return err
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500:
			w.logger.Warn("server error", "status", resp.StatusCode, "attempt", attempt)
			return errWebhookServer
		default:
			return fmt.Errorf("%w: status %d", errWebhookClient, resp.StatusCode)
		}
	})
	if err != nil {
		w.logger.Warn("event not delivered", "event", evt.Event, "error", err)
	}
}
