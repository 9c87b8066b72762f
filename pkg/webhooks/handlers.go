package webhooks

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/vigilops/vigil/pkg/middleware"
)

// Handlers provides the HTTP management surface for webhooks
type Handlers struct {
	manager *Manager
}

// NewHandlers creates webhook HTTP handlers around a manager
func NewHandlers(manager *Manager) *Handlers {
	return &Handlers{manager: manager}
}

// RegisterRoutes registers webhook management and event routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/webhooks", h.createWebhook).Methods("POST")
	router.HandleFunc("/webhooks", h.listWebhooks).Methods("GET")
	router.HandleFunc("/webhooks/{id}", h.getWebhook).Methods("GET")
	router.HandleFunc("/webhooks/{id}", h.updateWebhook).Methods("PUT")
	router.HandleFunc("/webhooks/{id}", h.deleteWebhook).Methods("DELETE")
	router.HandleFunc("/webhooks/{id}/test", h.testWebhook).Methods("POST")
	router.HandleFunc("/webhooks/{id}/stats", h.webhookStats).Methods("GET")
	router.HandleFunc("/webhooks/{id}/deliveries", h.webhookDeliveries).Methods("GET")
	router.HandleFunc("/events", h.triggerEvent).Methods("POST")
}

// createWebhookRequest is the POST /webhooks body. MaxRetries is a pointer
// so an explicit zero (no retries) is distinguishable from an absent field.
type createWebhookRequest struct {
	Name         string                 `json:"name"`
	URL          string                 `json:"url"`
	Events       []EventType            `json:"events"`
	Secret       string                 `json:"secret,omitempty"`
	Headers      map[string]string      `json:"headers,omitempty"`
	Timeout      int                    `json:"timeout,omitempty"`
	MaxRetries   *int                   `json:"max_retries,omitempty"`
	RetryBackoff int                    `json:"retry_backoff,omitempty"`
	Filters      map[string]interface{} `json:"filters,omitempty"`
}

// webhookResponse is the webhook representation returned to clients.
// The secret is never echoed back.
type webhookResponse struct {
	ID            string                 `json:"id"`
	Name          string                 `json:"name"`
	URL           string                 `json:"url"`
	OwnerID       string                 `json:"owner_id"`
	Status        Status                 `json:"status"`
	Events        []EventType            `json:"events"`
	Headers       map[string]string      `json:"headers,omitempty"`
	Timeout       int                    `json:"timeout"`
	MaxRetries    int                    `json:"max_retries"`
	RetryBackoff  int                    `json:"retry_backoff"`
	Filters       map[string]interface{} `json:"filters,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
	LastTriggered *time.Time             `json:"last_triggered,omitempty"`
	DeliveryCount int64                  `json:"delivery_count"`
	SuccessCount  int64                  `json:"success_count"`
	FailureCount  int64                  `json:"failure_count"`
	SuccessRate   float64                `json:"success_rate"`
}

func toResponse(w *Webhook) webhookResponse {
	return webhookResponse{
		ID:            w.ID,
		Name:          w.Name,
		URL:           w.URL,
		OwnerID:       w.OwnerID,
		Status:        w.Status,
		Events:        w.Events,
		Headers:       w.Headers,
		Timeout:       w.Timeout,
		MaxRetries:    w.MaxRetries,
		RetryBackoff:  w.RetryBackoff,
		Filters:       w.Filters,
		CreatedAt:     w.CreatedAt,
		UpdatedAt:     w.UpdatedAt,
		LastTriggered: w.LastTriggered,
		DeliveryCount: w.DeliveryCount,
		SuccessCount:  w.SuccessCount,
		FailureCount:  w.FailureCount,
		SuccessRate:   w.SuccessRate(),
	}
}

// createWebhook handles POST /webhooks
func (h *Handlers) createWebhook(w http.ResponseWriter, r *http.Request) {
	var req createWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	maxRetries := DefaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}

	webhook := &Webhook{
		Name:         req.Name,
		URL:          req.URL,
		OwnerID:      middleware.CallerFrom(r.Context()),
		Events:       req.Events,
		Secret:       req.Secret,
		Headers:      req.Headers,
		Timeout:      req.Timeout,
		MaxRetries:   maxRetries,
		RetryBackoff: req.RetryBackoff,
		Filters:      req.Filters,
	}

	id, err := h.manager.Registry().Register(webhook)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	stored, _ := h.manager.Registry().Get(id)
	writeJSON(w, http.StatusCreated, toResponse(stored))
}

// listWebhooks handles GET /webhooks
func (h *Handlers) listWebhooks(w http.ResponseWriter, r *http.Request) {
	owner := middleware.CallerFrom(r.Context())
	webhooks := h.manager.Registry().ListByOwner(owner)

	responses := make([]webhookResponse, 0, len(webhooks))
	for _, webhook := range webhooks {
		responses = append(responses, toResponse(webhook))
	}
	writeJSON(w, http.StatusOK, responses)
}

// getWebhook handles GET /webhooks/{id}
func (h *Handlers) getWebhook(w http.ResponseWriter, r *http.Request) {
	webhook, ok := h.ownedWebhook(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toResponse(webhook))
}

// updateWebhook handles PUT /webhooks/{id}
func (h *Handlers) updateWebhook(w http.ResponseWriter, r *http.Request) {
	webhook, ok := h.ownedWebhook(w, r)
	if !ok {
		return
	}

	var req UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	found, err := h.manager.Registry().Update(webhook.ID, req)
	if !found {
		writeError(w, http.StatusNotFound, "webhook not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	updated, _ := h.manager.Registry().Get(webhook.ID)
	writeJSON(w, http.StatusOK, toResponse(updated))
}

// deleteWebhook handles DELETE /webhooks/{id}
func (h *Handlers) deleteWebhook(w http.ResponseWriter, r *http.Request) {
	webhook, ok := h.ownedWebhook(w, r)
	if !ok {
		return
	}

	if !h.manager.Registry().Delete(webhook.ID) {
		writeError(w, http.StatusNotFound, "webhook not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// testResponse is the POST /webhooks/{id}/test reply
type testResponse struct {
	DeliveryID string `json:"delivery_id"`
	StatusCode int    `json:"status_code,omitempty"`
	Success    bool   `json:"success"`
	Response   string `json:"response,omitempty"`
	Error      string `json:"error,omitempty"`
}

// testWebhook handles POST /webhooks/{id}/test, sending one synthetic
// delivery immediately and bypassing queue timing
func (h *Handlers) testWebhook(w http.ResponseWriter, r *http.Request) {
	webhook, ok := h.ownedWebhook(w, r)
	if !ok {
		return
	}

	delivery, found := h.manager.TestDelivery(webhook.ID)
	if !found {
		writeError(w, http.StatusNotFound, "webhook not found")
		return
	}

	writeJSON(w, http.StatusOK, testResponse{
		DeliveryID: delivery.ID,
		StatusCode: delivery.StatusCode,
		Success:    delivery.Succeeded(),
		Response:   delivery.ResponseBody,
		Error:      delivery.ErrorMessage,
	})
}

// statsResponse is the GET /webhooks/{id}/stats reply
type statsResponse struct {
	WebhookID     string      `json:"webhook_id"`
	Name          string      `json:"name"`
	Status        Status      `json:"status"`
	Events        []EventType `json:"events"`
	DeliveryCount int64       `json:"delivery_count"`
	SuccessCount  int64       `json:"success_count"`
	FailureCount  int64       `json:"failure_count"`
	SuccessRate   float64     `json:"success_rate"`
	LastTriggered *time.Time  `json:"last_triggered,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// webhookStats handles GET /webhooks/{id}/stats
func (h *Handlers) webhookStats(w http.ResponseWriter, r *http.Request) {
	webhook, ok := h.ownedWebhook(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, statsResponse{
		WebhookID:     webhook.ID,
		Name:          webhook.Name,
		Status:        webhook.Status,
		Events:        webhook.Events,
		DeliveryCount: webhook.DeliveryCount,
		SuccessCount:  webhook.SuccessCount,
		FailureCount:  webhook.FailureCount,
		SuccessRate:   webhook.SuccessRate(),
		LastTriggered: webhook.LastTriggered,
		CreatedAt:     webhook.CreatedAt,
		UpdatedAt:     webhook.UpdatedAt,
	})
}

// webhookDeliveries handles GET /webhooks/{id}/deliveries
func (h *Handlers) webhookDeliveries(w http.ResponseWriter, r *http.Request) {
	webhook, ok := h.ownedWebhook(w, r)
	if !ok {
		return
	}

	history := h.manager.History()
	if history == nil {
		writeError(w, http.StatusNotFound, "delivery history is not enabled")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	writeJSON(w, http.StatusOK, history.ListByWebhook(webhook.ID, limit))
}

// eventRequest is the POST /events body raised by scan/report services
type eventRequest struct {
	Event   EventType              `json:"event"`
	Payload map[string]interface{} `json:"payload"`
}

// triggerEvent handles POST /events. The trigger is fire-and-forget: the
// response is 202 regardless of eventual delivery outcomes.
func (h *Handlers) triggerEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !req.Event.IsValid() {
		writeError(w, http.StatusBadRequest, "unknown event type: "+string(req.Event))
		return
	}

	h.manager.Trigger(req.Event, req.Payload)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// ownedWebhook resolves {id} and enforces that the caller owns the webhook.
// Requests without an authenticated caller see all webhooks (auth disabled).
func (h *Handlers) ownedWebhook(w http.ResponseWriter, r *http.Request) (*Webhook, bool) {
	id := mux.Vars(r)["id"]

	webhook, ok := h.manager.Registry().Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "webhook not found")
		return nil, false
	}

	caller := middleware.CallerFrom(r.Context())
	if caller != "" && webhook.OwnerID != caller {
		writeError(w, http.StatusForbidden, "access denied to this webhook")
		return nil, false
	}
	return webhook, true
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
