package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/zari-lab/labdata/models"
	"github.com/zari-lab/labdata/repositories"
)

// AuditRepository is an append-only slice of events
type AuditRepository struct {
	mu     sync.RWMutex
	events []*models.AuditEvent
}

// NewAuditRepository creates an empty audit trail
func NewAuditRepository() *AuditRepository {
	return &AuditRepository{}
}

func (r *AuditRepository) Insert(_ context.Context, event *models.AuditEvent) error {
	c := *event
	r.mu.Lock()
	r.events = append(r.events, &c)
	r.mu.Unlock()
	return nil
}

// List returns matching events newest first; events with equal timestamps
// keep reverse insertion order.
func (r *AuditRepository) List(_ context.Context, q repositories.AuditQuery) ([]*models.AuditEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matched := make([]*models.AuditEvent, 0)
	for i := len(r.events) - 1; i >= 0; i-- {
		e := r.events[i]
		if q.EventType != "" && e.EventType != q.EventType {
			continue
		}
		if q.PrincipalID != nil && (e.PrincipalID == nil || *e.PrincipalID != *q.PrincipalID) {
			continue
		}
		c := *e
		matched = append(matched, &c)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			return []*models.AuditEvent{}, nil
		}
		matched = matched[q.Offset:]
	}
	if q.Limit > 0 && q.Limit < len(matched) {
		matched = matched[:q.Limit]
	}
	return matched, nil
}
