package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// webhookQueueSize is the bounded channel capacity for outbound events.
	webhookQueueSize = 1024
	webhookUserAgent = "hubguard-audit-webhook/1.0"
)

// webhookEvent is the JSON payload POSTed to the external endpoint.
type webhookEvent struct {
	Event       string            `json:"event"`
	PrincipalID string            `json:"principal_id,omitempty"`
	RemoteAddr  string            `json:"remote_addr,omitempty"`
	Timestamp   string            `json:"timestamp"`
	Attrs       map[string]string `json:"attrs,omitempty"`
}

// auditWebhook forwards audit events and alerts to an external HTTP
// endpoint. enqueue never blocks; events are dropped when the queue is full.
type auditWebhook struct {
	url        string
	authHeader string // "Header: Value", e.g. "Authorization: Bearer xxx"
	client     *http.Client
	retryDelay time.Duration
	events     chan webhookEvent
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

func newAuditWebhook(url, authHeader string) *auditWebhook {
	w := &auditWebhook{
		url:        url,
		authHeader: authHeader,
		client:     &http.Client{Timeout: 10 * time.Second},
		retryDelay: time.Second,
		events:     make(chan webhookEvent, webhookQueueSize),
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

func (w *auditWebhook) enqueue(evt webhookEvent) {
	select {
	case w.events <- evt:
	default:
		slog.Warn("audit webhook: queue full, dropping event", "event", evt.Event)
	}
}

// close drains the queue and stops the dispatcher.
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

// send POSTs the event with one retry on 5xx or transport errors.
func (w *auditWebhook) send(evt webhookEvent) {
	body, err := json.Marshal(evt)
	if err != nil {
		slog.Warn("audit webhook: marshal failed", "error", err)
		return
	}

	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			time.Sleep(w.retryDelay)
		}

		req, err := http.NewRequest(http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			slog.Warn("audit webhook: request creation failed", "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", webhookUserAgent)
		if name, value, ok := strings.Cut(w.authHeader, ":"); ok {
			req.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
		}

		resp, err := w.client.Do(req)
		if err != nil {
			slog.Warn("audit webhook: request failed", "error", err, "attempt", attempt+1)
			continue
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return
		case resp.StatusCode >= 500:
			slog.Warn("audit webhook: server error", "status", resp.StatusCode, "attempt", attempt+1)
		default:
			slog.Warn("audit webhook: client error", "status", resp.StatusCode)
			return
		}
	}
}

// webhookEventFromAttrs lifts the well-known audit attributes into the
// payload's top-level fields and flattens the rest.
func webhookEventFromAttrs(event AuditEvent, attrs []slog.Attr) webhookEvent {
	evt := webhookEvent{Event: string(event), Timestamp: time.Now().UTC().Format(time.RFC3339)}
	for _, a := range attrs {
		switch a.Key {
		case "event":
		case "timestamp":
			evt.Timestamp = a.Value.String()
		case "principal_id":
			evt.PrincipalID = a.Value.String()
		case "remote_addr":
			evt.RemoteAddr = a.Value.String()
		default:
			if evt.Attrs == nil {
				evt.Attrs = make(map[string]string)
			}
			evt.Attrs[a.Key] = a.Value.String()
		}
	}
	return evt
}

// webhookEventFromAlert converts an anomaly alert into a webhook payload.
func webhookEventFromAlert(e AlertEvent) webhookEvent {
	return webhookEvent{
		Event:     "alert",
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339),
		Attrs: map[string]string{
			"type":      string(e.Type),
			"message":   e.Message,
			"count":     strconv.Itoa(e.Count),
			"threshold": strconv.Itoa(e.Threshold),
		},
	}
}
