package exchange

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"crossarb/internal/model"
)

var (
	ErrUnknownExchange = errors.New("unknown exchange")
	ErrNotSubscribed   = errors.New("not subscribed")
	ErrNoLiquidity     = errors.New("no liquidity")
	ErrBookOutOfSync   = errors.New("order book out of sync")
)

// ExchangeClient defines the standard interface for all exchange clients.
type ExchangeClient interface {
	GetName() string
	// SubscribeToOrderBook starts streaming order book updates for pair. The
	// returned channel is closed when the stream stops for any reason.
	SubscribeToOrderBook(ctx context.Context, pair model.TradingPair) (<-chan model.OrderBookUpdate, error)
	UnsubscribeFromOrderBook(pair model.TradingPair) error
	GetOrderBookSnapshot(ctx context.Context, pair model.TradingPair, depth int) (*model.OrderBook, error)
	PlaceMarketOrder(ctx context.Context, pair model.TradingPair, side model.Side, quantity decimal.Decimal) (model.OrderResult, error)
	GetBalances(ctx context.Context) (map[string]model.Balance, error)
}
