package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxEvents bounds the in-memory trail when no capacity is given.
const DefaultMaxEvents = 10000

// MemoryAuditLogger keeps the most recent events in a fixed-size ring.
// Once full, each new event overwrites the oldest one.
type MemoryAuditLogger struct {
	mu   sync.RWMutex
	ring []AuditEvent
	next int // slot the next event is written to
	size int // number of occupied slots
}

// MemoryAuditLoggerOption configures a MemoryAuditLogger.
type MemoryAuditLoggerOption func(*memoryOptions)

type memoryOptions struct {
	capacity int
}

// WithMaxEvents sets the ring capacity.
func WithMaxEvents(n int) MemoryAuditLoggerOption {
	return func(o *memoryOptions) {
		if n > 0 {
			o.capacity = n
		}
	}
}

// NewMemoryAuditLogger creates an in-memory audit trail.
func NewMemoryAuditLogger(opts ...MemoryAuditLoggerOption) *MemoryAuditLogger {
	o := memoryOptions{capacity: DefaultMaxEvents}
	for _, opt := range opts {
		opt(&o)
	}
	return &MemoryAuditLogger{ring: make([]AuditEvent, o.capacity)}
}

func (m *MemoryAuditLogger) Log(_ context.Context, event *AuditEvent) error {
	if event == nil {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.ring[m.next] = *event
	m.next = (m.next + 1) % len(m.ring)
	if m.size < len(m.ring) {
		m.size++
	}
	return nil
}

func (m *MemoryAuditLogger) List(_ context.Context, opts ListOptions) ([]*AuditEvent, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	skip := max(opts.Offset, 0)
	limit := clampLimit(opts.Limit)
	var (
		out   []*AuditEvent
		total int
	)
	// Walk backwards from the last written slot so results come newest first.
	for i := 1; i <= m.size; i++ {
		e := &m.ring[(m.next-i+len(m.ring))%len(m.ring)]
		if !opts.matches(e) {
			continue
		}
		total++
		if total <= skip || len(out) >= limit {
			continue
		}
		cpy := *e
		out = append(out, &cpy)
	}
	if out == nil {
		out = []*AuditEvent{}
	}
	return out, total, nil
}

func (o ListOptions) matches(e *AuditEvent) bool {
	switch {
	case o.UserID != "" && e.UserID != o.UserID,
		o.Action != "" && e.Action != o.Action,
		o.Issuer != "" && e.Issuer != o.Issuer,
		o.Since != nil && e.Timestamp.Before(*o.Since),
		o.Until != nil && e.Timestamp.After(*o.Until):
		return false
	}
	return true
}
