package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/stratfleet/internal/domain"
)

// ArbStore implements domain.ArbStore.
type ArbStore struct {
	pool *pgxpool.Pool
}

// NewArbStore creates an ArbStore backed by pool.
func NewArbStore(pool *pgxpool.Pool) *ArbStore {
	return &ArbStore{pool: pool}
}

const arbSelectCols = `id, pair, buy_exchange, sell_exchange, buy_price, sell_price,
	profit_pct, estimated_profit, status, detected_at`

// Insert records a detected opportunity.
func (s *ArbStore) Insert(ctx context.Context, opp domain.ArbitrageOpportunity) error {
	const query = `
		INSERT INTO arb_history (
			id, pair, buy_exchange, sell_exchange, buy_price, sell_price,
			profit_pct, estimated_profit, status, detected_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.pool.Exec(ctx, query,
		opp.ID, opp.Pair, opp.BuyExchange, opp.SellExchange, opp.BuyPrice, opp.SellPrice,
		opp.ProfitPct, opp.EstimatedProfit, string(opp.Status), opp.DetectedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert arb opportunity %s: %w", opp.ID, err)
	}
	return nil
}

// UpdateStatus moves an opportunity to status.
func (s *ArbStore) UpdateStatus(ctx context.Context, id string, status domain.OpportunityStatus) error {
	const query = `UPDATE arb_history SET status = $2, updated_at = NOW() WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, id, string(status))
	if err != nil {
		return fmt.Errorf("postgres: update arb status %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update arb status %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// ListRecent returns opportunities newest first. A limit of zero returns all.
func (s *ArbStore) ListRecent(ctx context.Context, limit int) ([]domain.ArbitrageOpportunity, error) {
	query := `SELECT ` + arbSelectCols + ` FROM arb_history ORDER BY detected_at DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent arbs: %w", err)
	}
	defer rows.Close()

	var opps []domain.ArbitrageOpportunity
	for rows.Next() {
		var opp domain.ArbitrageOpportunity
		var status string
		if err := rows.Scan(
			&opp.ID, &opp.Pair, &opp.BuyExchange, &opp.SellExchange, &opp.BuyPrice, &opp.SellPrice,
			&opp.ProfitPct, &opp.EstimatedProfit, &status, &opp.DetectedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan arb: %w", err)
		}
		opp.Status = domain.OpportunityStatus(status)
		opps = append(opps, opp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list recent arbs rows: %w", err)
	}
	return opps, nil
}

var _ domain.ArbStore = (*ArbStore)(nil)
