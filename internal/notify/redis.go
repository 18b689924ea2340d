// Package notify pushes opportunity and trade events to Redis Pub/Sub.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"crossarb/internal/model"
)

const (
	OpportunitiesChannel = "crossarb:opportunities"
	TradesChannel        = "crossarb:trades"
)

// Config holds the Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// RedisPublisher publishes JSON events for detected opportunities and
// finished trades.
type RedisPublisher struct {
	rdb *redis.Client
}

// NewRedisPublisher connects to Redis and verifies the connection.
func NewRedisPublisher(ctx context.Context, cfg Config) (*RedisPublisher, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return &RedisPublisher{rdb: rdb}, nil
}

// Close releases the underlying connection pool.
func (p *RedisPublisher) Close() error {
	return p.rdb.Close()
}

// OpportunityEvent is the JSON payload published on OpportunitiesChannel.
type OpportunityEvent struct {
	ID                string          `json:"id"`
	Pair              string          `json:"pair"`
	BuyExchange       string          `json:"buy_exchange"`
	BuyPrice          decimal.Decimal `json:"buy_price"`
	SellExchange      string          `json:"sell_exchange"`
	SellPrice         decimal.Decimal `json:"sell_price"`
	SpreadPercentage  decimal.Decimal `json:"spread_percentage"`
	EffectiveQuantity decimal.Decimal `json:"effective_quantity"`
	EstimatedProfit   decimal.Decimal `json:"estimated_profit"`
	Qualified         bool            `json:"qualified"`
	DetectedAt        time.Time       `json:"detected_at"`
}

// TradeEvent is the JSON payload published on TradesChannel.
type TradeEvent struct {
	ID             string          `json:"id"`
	OpportunityID  string          `json:"opportunity_id"`
	Pair           string          `json:"pair"`
	BuyExchange    string          `json:"buy_exchange"`
	SellExchange   string          `json:"sell_exchange"`
	Quantity       decimal.Decimal `json:"quantity"`
	Success        bool            `json:"success"`
	Unwound        bool            `json:"unwound"`
	Error          string          `json:"error,omitempty"`
	RealizedProfit decimal.Decimal `json:"realized_profit"`
	StartedAt      time.Time       `json:"started_at"`
	DurationMs     int64           `json:"duration_ms"`
}

func newOpportunityEvent(opp model.ArbitrageOpportunity) OpportunityEvent {
	return OpportunityEvent{
		ID:                opp.ID,
		Pair:              opp.Pair.String(),
		BuyExchange:       opp.BuyExchange,
		BuyPrice:          opp.BuyPrice,
		SellExchange:      opp.SellExchange,
		SellPrice:         opp.SellPrice,
		SpreadPercentage:  opp.SpreadPercentage,
		EffectiveQuantity: opp.EffectiveQuantity,
		EstimatedProfit:   opp.EstimatedProfit,
		Qualified:         opp.Qualified,
		DetectedAt:        opp.DetectedAt,
	}
}

func newTradeEvent(res model.TradeResult) TradeEvent {
	return TradeEvent{
		ID:             res.ID,
		OpportunityID:  res.Opportunity.ID,
		Pair:           res.Opportunity.Pair.String(),
		BuyExchange:    res.Opportunity.BuyExchange,
		SellExchange:   res.Opportunity.SellExchange,
		Quantity:       res.BuyResult.ExecutedQuantity,
		Success:        res.Success,
		Unwound:        res.Unwind != nil && res.Unwind.Success,
		Error:          res.Error,
		RealizedProfit: res.RealizedProfit,
		StartedAt:      res.StartedAt,
		DurationMs:     res.Duration.Milliseconds(),
	}
}

// SaveOpportunity publishes opp on OpportunitiesChannel.
func (p *RedisPublisher) SaveOpportunity(ctx context.Context, opp model.ArbitrageOpportunity) error {
	return p.publish(ctx, OpportunitiesChannel, newOpportunityEvent(opp))
}

// SaveTradeResult publishes res on TradesChannel.
func (p *RedisPublisher) SaveTradeResult(ctx context.Context, res model.TradeResult) error {
	return p.publish(ctx, TradesChannel, newTradeEvent(res))
}

func (p *RedisPublisher) publish(ctx context.Context, channel string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("redis: marshal %s event: %w", channel, err)
	}
	if err := p.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}
