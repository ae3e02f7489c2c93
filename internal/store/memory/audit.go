package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/poolledger/internal/domain"
)

// AuditLog is an append-only in-memory audit log.
type AuditLog struct {
	mu      sync.RWMutex
	entries []domain.AuditEntry
	nextID  int64
	now     func() time.Time
}

// NewAuditLog returns an empty AuditLog.
func NewAuditLog() *AuditLog {
	return &AuditLog{now: time.Now}
}

func (a *AuditLog) Log(_ context.Context, event string, detail map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	a.entries = append(a.entries, domain.AuditEntry{
		ID:        a.nextID,
		Event:     event,
		Detail:    detail,
		CreatedAt: a.now().UTC(),
	})
	return nil
}

// List returns entries newest first.
func (a *AuditLog) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	a.mu.RLock()
	out := make([]domain.AuditEntry, 0, len(a.entries))
	for _, e := range a.entries {
		if opts.Since != nil && e.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && !e.CreatedAt.Before(*opts.Until) {
			continue
		}
		if opts.Event != "" && e.Event != opts.Event {
			continue
		}
		if opts.Pool != nil && e.Detail["pool"] != opts.Pool.Hex() {
			continue
		}
		out = append(out, e)
	}
	a.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return page(out, opts), nil
}

// ListBefore returns entries created before the cutoff, oldest first.
func (a *AuditLog) ListBefore(_ context.Context, before time.Time) ([]domain.AuditEntry, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []domain.AuditEntry
	for _, e := range a.entries {
		if e.CreatedAt.Before(before) {
			out = append(out, e)
		}
	}
	return out, nil
}

// DeleteBefore drops entries created before the cutoff.
func (a *AuditLog) DeleteBefore(_ context.Context, before time.Time) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	kept := a.entries[:0]
	for _, e := range a.entries {
		if !e.CreatedAt.Before(before) {
			kept = append(kept, e)
		}
	}
	n := int64(len(a.entries) - len(kept))
	a.entries = kept
	return n, nil
}

var (
	_ domain.AuditStore  = (*AuditLog)(nil)
	_ domain.AuditPruner = (*AuditLog)(nil)
)
