package webhooks

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry is the in-memory store of webhook configurations. All access is
// mutex-guarded: trigger-side matching and the delivery worker run on
// different goroutines.
type Registry struct {
	mu       sync.RWMutex
	webhooks map[string]*Webhook
}

// NewRegistry creates an empty webhook registry
func NewRegistry() *Registry {
	return &Registry{
		webhooks: make(map[string]*Webhook),
	}
}

// Register validates and stores a new webhook, returning its id.
// URL reachability is not checked; the first delivery does that.
func (r *Registry) Register(w *Webhook) (string, error) {
	w.applyDefaults()
	if err := w.Validate(); err != nil {
		return "", err
	}

	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	w.Status = StatusActive
	now := time.Now().UTC()
	w.CreatedAt = now
	w.UpdatedAt = now

	r.mu.Lock()
	defer r.mu.Unlock()
	r.webhooks[w.ID] = w.clone()
	return w.ID, nil
}

// Get returns a copy of the webhook, or false if the id is unknown
func (r *Registry) Get(id string) (*Webhook, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.webhooks[id]
	if !ok {
		return nil, false
	}
	return w.clone(), true
}

// ListByOwner returns copies of all webhooks owned by a user
func (r *Registry) ListByOwner(ownerID string) []*Webhook {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Webhook, 0)
	for _, w := range r.webhooks {
		if w.OwnerID == ownerID {
			result = append(result, w.clone())
		}
	}
	return result
}

// UpdateRequest carries a partial webhook update. Nil fields are left
// untouched; id, owner and created_at cannot be changed.
type UpdateRequest struct {
	Name         *string                `json:"name,omitempty"`
	URL          *string                `json:"url,omitempty"`
	Events       []EventType            `json:"events,omitempty"`
	Status       *Status                `json:"status,omitempty"`
	Secret       *string                `json:"secret,omitempty"`
	Headers      map[string]string      `json:"headers,omitempty"`
	Timeout      *int                   `json:"timeout,omitempty"`
	MaxRetries   *int                   `json:"max_retries,omitempty"`
	RetryBackoff *int                   `json:"retry_backoff,omitempty"`
	Filters      map[string]interface{} `json:"filters,omitempty"`
}

// Update applies a partial update. It returns false when the id is unknown
// and an error when the resulting configuration is invalid, in which case
// the stored webhook is left unchanged.
func (r *Registry) Update(id string, req UpdateRequest) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.webhooks[id]
	if !ok {
		return false, nil
	}

	updated := current.clone()
	if req.Name != nil {
		updated.Name = *req.Name
	}
	if req.URL != nil {
		updated.URL = *req.URL
	}
	if req.Events != nil {
		updated.Events = append([]EventType(nil), req.Events...)
	}
	if req.Status != nil {
		updated.Status = *req.Status
	}
	if req.Secret != nil {
		updated.Secret = *req.Secret
	}
	if req.Headers != nil {
		updated.Headers = req.Headers
	}
	if req.Timeout != nil {
		updated.Timeout = *req.Timeout
	}
	if req.MaxRetries != nil {
		updated.MaxRetries = *req.MaxRetries
	}
	if req.RetryBackoff != nil {
		updated.RetryBackoff = *req.RetryBackoff
	}
	if req.Filters != nil {
		updated.Filters = req.Filters
	}

	if err := updated.Validate(); err != nil {
		return true, err
	}

	updated.UpdatedAt = time.Now().UTC()
	r.webhooks[id] = updated
	return true, nil
}

// Delete removes a webhook, returning false if the id is unknown
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.webhooks[id]; !ok {
		return false
	}
	delete(r.webhooks, id)
	return true
}

// Matching returns copies of all active webhooks that should receive the
// event with the given payload
func (r *Registry) Matching(event EventType, payload map[string]interface{}) []*Webhook {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matches []*Webhook
	for _, w := range r.webhooks {
		if w.ShouldTrigger(event, payload) {
			matches = append(matches, w.clone())
		}
	}
	return matches
}

// RecordDelivery updates a webhook's delivery counters and returns its
// status after the update. The bool result is false for unknown ids.
func (r *Registry) RecordDelivery(id string, success bool) (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.webhooks[id]
	if !ok {
		return "", false
	}
	w.recordDelivery(success, time.Now().UTC())
	return w.Status, true
}
