package database

import (
	"context"

	"crossarb/internal/model"
)

// Repository defines the standard interface for database operations.
type Repository interface {
	Migrate(ctx context.Context) error
	SaveOpportunity(ctx context.Context, opp model.ArbitrageOpportunity) error
	SaveTradeResult(ctx context.Context, result model.TradeResult) error
}
