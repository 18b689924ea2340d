package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"crossarb/internal/model"
)

// PostgresRepository stores opportunities and trade results in PostgreSQL.
type PostgresRepository struct {
	Pool *pgxpool.Pool
}

var _ Repository = (*PostgresRepository)(nil)

// Connect opens a pool for dsn and verifies it with a ping.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS arbitrage_opportunities (
	id                 TEXT PRIMARY KEY,
	trading_pair       VARCHAR(20) NOT NULL,
	buy_exchange       VARCHAR(50) NOT NULL,
	sell_exchange      VARCHAR(50) NOT NULL,
	buy_price          NUMERIC NOT NULL,
	buy_quantity       NUMERIC NOT NULL,
	sell_price         NUMERIC NOT NULL,
	sell_quantity      NUMERIC NOT NULL,
	spread             NUMERIC NOT NULL,
	spread_percentage  NUMERIC NOT NULL,
	effective_quantity NUMERIC NOT NULL,
	estimated_profit   NUMERIC NOT NULL,
	qualified          BOOLEAN NOT NULL,
	detected_at        TIMESTAMPTZ NOT NULL
)`,

	`CREATE TABLE IF NOT EXISTS trade_results (
	id                    TEXT PRIMARY KEY,
	opportunity_id        TEXT NOT NULL,
	trading_pair          VARCHAR(20) NOT NULL,
	buy_exchange          VARCHAR(50) NOT NULL,
	sell_exchange         VARCHAR(50) NOT NULL,
	buy_order_id          TEXT NOT NULL,
	buy_executed_price    NUMERIC NOT NULL,
	buy_executed_quantity NUMERIC NOT NULL,
	buy_fee               NUMERIC NOT NULL,
	buy_success           BOOLEAN NOT NULL,
	sell_order_id         TEXT NOT NULL,
	sell_executed_price   NUMERIC NOT NULL,
	sell_executed_quantity NUMERIC NOT NULL,
	sell_fee              NUMERIC NOT NULL,
	sell_success          BOOLEAN NOT NULL,
	unwound               BOOLEAN NOT NULL,
	success               BOOLEAN NOT NULL,
	error                 TEXT NOT NULL,
	realized_profit       NUMERIC NOT NULL,
	started_at            TIMESTAMPTZ NOT NULL,
	duration_ms           BIGINT NOT NULL
)`,

	`CREATE INDEX IF NOT EXISTS idx_trade_results_started_at ON trade_results (started_at DESC)`,
}

// Migrate creates the tables if they do not exist.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := r.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: migrate: %w", err)
		}
	}
	return nil
}

// SaveOpportunity inserts opp. Saving the same opportunity twice is a no-op.
func (r *PostgresRepository) SaveOpportunity(ctx context.Context, opp model.ArbitrageOpportunity) error {
	const query = `
		INSERT INTO arbitrage_opportunities (
			id, trading_pair, buy_exchange, sell_exchange,
			buy_price, buy_quantity, sell_price, sell_quantity,
			spread, spread_percentage, effective_quantity, estimated_profit,
			qualified, detected_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8,
			$9, $10, $11, $12,
			$13, $14
		)
		ON CONFLICT (id) DO NOTHING`

	_, err := r.Pool.Exec(ctx, query,
		opp.ID, opp.Pair.String(), opp.BuyExchange, opp.SellExchange,
		opp.BuyPrice, opp.BuyQuantity, opp.SellPrice, opp.SellQuantity,
		opp.Spread, opp.SpreadPercentage, opp.EffectiveQuantity, opp.EstimatedProfit,
		opp.Qualified, opp.DetectedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert opportunity %s: %w", opp.ID, err)
	}
	return nil
}

// SaveTradeResult inserts the terminal record of a trade.
func (r *PostgresRepository) SaveTradeResult(ctx context.Context, result model.TradeResult) error {
	const query = `
		INSERT INTO trade_results (
			id, opportunity_id, trading_pair, buy_exchange, sell_exchange,
			buy_order_id, buy_executed_price, buy_executed_quantity, buy_fee, buy_success,
			sell_order_id, sell_executed_price, sell_executed_quantity, sell_fee, sell_success,
			unwound, success, error, realized_profit, started_at, duration_ms
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20, $21
		)`

	opp := result.Opportunity
	buy, sell := result.BuyResult, result.SellResult
	unwound := result.Unwind != nil && result.Unwind.Success

	_, err := r.Pool.Exec(ctx, query,
		result.ID, opp.ID, opp.Pair.String(), opp.BuyExchange, opp.SellExchange,
		buy.OrderID, buy.ExecutedPrice, buy.ExecutedQuantity, buy.Fee, buy.Success,
		sell.OrderID, sell.ExecutedPrice, sell.ExecutedQuantity, sell.Fee, sell.Success,
		unwound, result.Success, result.Error, result.RealizedProfit, result.StartedAt, result.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("postgres: insert trade result %s: %w", result.ID, err)
	}
	return nil
}
