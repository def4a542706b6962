package server

import (
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"cigate/internal/security"
	"cigate/internal/trigger"
)

// maxWebhookBodySize bounds the payloads we accept.
const maxWebhookBodySize = 32 * 1024 * 1024

// deduplicationWindow is how long delivery IDs are remembered.
const deduplicationWindow = time.Hour

// WebhookHandler verifies GitHub webhook deliveries and hands push and
// pull_request events to onEvent.
type WebhookHandler struct {
	secret  []byte
	logger  *slog.Logger
	onEvent func(w http.ResponseWriter, r *http.Request, event trigger.Event)

	mu         sync.Mutex
	deliveries map[string]time.Time
}

// NewWebhookHandler creates a handler. An empty secret disables signature
// verification.
func NewWebhookHandler(secret []byte, logger *slog.Logger, onEvent func(http.ResponseWriter, *http.Request, trigger.Event)) *WebhookHandler {
	if onEvent == nil {
		panic("WebhookHandler: onEvent callback is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{
		secret:     secret,
		logger:     logger,
		onEvent:    onEvent,
		deliveries: make(map[string]time.Time),
	}
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodySize))
	if err != nil {
		h.logger.Error("webhook: failed to read body", "error", err)
		writeError(w, http.StatusInternalServerError, "cannot read body")
		return
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "empty body")
		return
	}

	if len(h.secret) > 0 {
		if err := security.VerifyWebhookHMAC(h.secret, body, r.Header.Get("X-Hub-Signature-256")); err != nil {
			h.logger.Warn("webhook: HMAC verification failed", "error", err, "remote_addr", r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, "invalid signature")
			return
		}
	}

	eventType := r.Header.Get("X-GitHub-Event")
	deliveryID := r.Header.Get("X-GitHub-Delivery")
	if eventType == "" {
		writeError(w, http.StatusBadRequest, "missing X-GitHub-Event header")
		return
	}

	if eventType == "ping" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "pong"})
		return
	}

	if deliveryID != "" && h.isDuplicate(deliveryID) {
		h.logger.Debug("webhook: duplicate delivery, ignoring", "delivery_id", deliveryID, "event_type", eventType)
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	h.logger.Info("webhook received", "event_type", eventType, "delivery_id", deliveryID)

	event, err := translateGitHubEvent(eventType, deliveryID, body)
	if err != nil {
		h.logger.Warn("webhook: translation failed", "event_type", eventType, "delivery_id", deliveryID, "error", err)
		h.forget(deliveryID)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if event == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	// A delivery that was not accepted stays eligible for redelivery.
	ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
	h.onEvent(ww, r, *event)
	if status := ww.Status(); status >= http.StatusMultipleChoices {
		h.logger.Info("webhook: delivery not accepted, redelivery allowed", "delivery_id", deliveryID, "status", status)
		h.forget(deliveryID)
	}
}

// forget drops deliveryID so a redelivery is processed again.
func (h *WebhookHandler) forget(deliveryID string) {
	if deliveryID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.deliveries, deliveryID)
}

// isDuplicate records deliveryID and reports whether it was seen within
// the deduplication window. A recorded ID also covers deliveries still
// being processed.
func (h *WebhookHandler) isDuplicate(deliveryID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	for id, receivedAt := range h.deliveries {
		if now.Sub(receivedAt) > deduplicationWindow {
			delete(h.deliveries, id)
		}
	}

	if _, exists := h.deliveries[deliveryID]; exists {
		return true
	}
	h.deliveries[deliveryID] = now
	return false
}
