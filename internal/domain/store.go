package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// ArbStore persists arbitrage opportunity history.
type ArbStore interface {
	Insert(ctx context.Context, opp ArbitrageOpportunity) error
	UpdateStatus(ctx context.Context, id string, status OpportunityStatus) error
	ListRecent(ctx context.Context, limit int) ([]ArbitrageOpportunity, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// GroupStore persists coordinated groups so an operator can inspect them
// after a restart.
type GroupStore interface {
	Save(ctx context.Context, group CoordinatedGroup) error
	Get(ctx context.Context, id string) (CoordinatedGroup, error)
	ListOpen(ctx context.Context) ([]CoordinatedGroup, error)
}
