package deliverylog

import (
	"sort"
	"sync"
)

// MemoryStore keeps the most recent delivery records in memory with a hard
// cap. History survives only as long as the process does; the queues are not
// persisted either, so that is the accepted durability level.
type MemoryStore struct {
	mu      sync.RWMutex
	records []Record
	nextID  int64
	maxSize int
}

// NewMemoryStore creates a capped in-memory record store
func NewMemoryStore(maxSize int) *MemoryStore {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &MemoryStore{
		maxSize: maxSize,
		nextID:  1,
	}
}

// Record appends one delivery attempt, evicting the oldest tenth of the
// store when the cap is reached
func (s *MemoryStore) Record(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.ID = s.nextID
	s.nextID++

	if len(s.records) >= s.maxSize {
		evict := len(s.records) / 10
		if evict == 0 {
			evict = 1
		}
		s.records = append([]Record(nil), s.records[evict:]...)
	}
	s.records = append(s.records, rec)
}

// ListByWebhook returns the most recent records for a webhook, newest first
func (s *MemoryStore) ListByWebhook(webhookID string, limit int) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []Record
	for _, rec := range s.records {
		if rec.WebhookID == webhookID {
			result = append(result, rec)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

// Len returns the number of stored records
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
