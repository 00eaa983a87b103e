package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/stratfleet/internal/domain"
)

// GroupStore implements domain.GroupStore. Strategies are kept as a JSONB
// array of execution records.
type GroupStore struct {
	pool *pgxpool.Pool
}

// NewGroupStore creates a GroupStore backed by pool.
func NewGroupStore(pool *pgxpool.Pool) *GroupStore {
	return &GroupStore{pool: pool}
}

const groupSelectCols = `id, type, status, exchanges, strategies, created_at, updated_at`

// Save upserts group.
func (s *GroupStore) Save(ctx context.Context, group domain.CoordinatedGroup) error {
	strategies, err := sonic.Marshal(group.Strategies)
	if err != nil {
		return fmt.Errorf("postgres: encode group %s strategies: %w", group.ID, err)
	}
	exchanges := group.Exchanges
	if exchanges == nil {
		exchanges = []string{}
	}

	const query = `
		INSERT INTO coordinated_groups (id, type, status, exchanges, strategies, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			status     = EXCLUDED.status,
			exchanges  = EXCLUDED.exchanges,
			strategies = EXCLUDED.strategies,
			updated_at = EXCLUDED.updated_at`
	if _, err := s.pool.Exec(ctx, query,
		group.ID, string(group.Type), string(group.Status), exchanges, strategies,
		group.CreatedAt, group.UpdatedAt,
	); err != nil {
		return fmt.Errorf("postgres: save group %s: %w", group.ID, err)
	}
	return nil
}

// Get returns one group or domain.ErrNotFound.
func (s *GroupStore) Get(ctx context.Context, id string) (domain.CoordinatedGroup, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+groupSelectCols+` FROM coordinated_groups WHERE id = $1`, id)
	g, err := scanGroup(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.CoordinatedGroup{}, fmt.Errorf("postgres: group %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.CoordinatedGroup{}, fmt.Errorf("postgres: get group %s: %w", id, err)
	}
	return g, nil
}

// ListOpen returns every group that is not closed, oldest first.
func (s *GroupStore) ListOpen(ctx context.Context) ([]domain.CoordinatedGroup, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+groupSelectCols+` FROM coordinated_groups WHERE status <> $1 ORDER BY created_at`,
		string(domain.GroupClosed))
	if err != nil {
		return nil, fmt.Errorf("postgres: list open groups: %w", err)
	}
	defer rows.Close()

	var out []domain.CoordinatedGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan group: %w", err)
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list open groups rows: %w", err)
	}
	return out, nil
}

func scanGroup(row pgx.Row) (domain.CoordinatedGroup, error) {
	var g domain.CoordinatedGroup
	var typ, status string
	var strategies []byte
	if err := row.Scan(&g.ID, &typ, &status, &g.Exchanges, &strategies, &g.CreatedAt, &g.UpdatedAt); err != nil {
		return domain.CoordinatedGroup{}, err
	}
	g.Type = domain.GroupType(typ)
	g.Status = domain.GroupStatus(status)
	if len(strategies) > 0 {
		if err := sonic.Unmarshal(strategies, &g.Strategies); err != nil {
			return domain.CoordinatedGroup{}, fmt.Errorf("decode strategies: %w", err)
		}
	}
	return g, nil
}

var _ domain.GroupStore = (*GroupStore)(nil)
