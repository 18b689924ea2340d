// Package exchangetest provides a testify mock of exchange.ExchangeClient.
package exchangetest

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"

	"crossarb/internal/exchange"
	"crossarb/internal/model"
)

// MockExchangeClient records calls through testify and streams whatever the
// test pushes with Send.
type MockExchangeClient struct {
	mock.Mock
	name string

	mu    sync.Mutex
	feeds map[model.TradingPair]chan model.OrderBookUpdate
}

func NewMockExchangeClient(name string) *MockExchangeClient {
	return &MockExchangeClient{name: name, feeds: make(map[model.TradingPair]chan model.OrderBookUpdate)}
}

var _ exchange.ExchangeClient = (*MockExchangeClient)(nil)

func (m *MockExchangeClient) GetName() string { return m.name }

func (m *MockExchangeClient) SubscribeToOrderBook(ctx context.Context, pair model.TradingPair) (<-chan model.OrderBookUpdate, error) {
	args := m.Called(ctx, pair)
	if err := args.Error(0); err != nil {
		return nil, err
	}
	ch := make(chan model.OrderBookUpdate, 16)
	m.mu.Lock()
	m.feeds[pair] = ch
	m.mu.Unlock()
	return ch, nil
}

func (m *MockExchangeClient) UnsubscribeFromOrderBook(pair model.TradingPair) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.feeds[pair]; !ok {
		return exchange.ErrNotSubscribed
	}
	delete(m.feeds, pair)
	return nil
}

func (m *MockExchangeClient) GetOrderBookSnapshot(ctx context.Context, pair model.TradingPair, depth int) (*model.OrderBook, error) {
	args := m.Called(ctx, pair, depth)
	book, _ := args.Get(0).(*model.OrderBook)
	return book, args.Error(1)
}

func (m *MockExchangeClient) PlaceMarketOrder(ctx context.Context, pair model.TradingPair, side model.Side, quantity decimal.Decimal) (model.OrderResult, error) {
	args := m.Called(ctx, pair, side, quantity)
	return args.Get(0).(model.OrderResult), args.Error(1)
}

func (m *MockExchangeClient) GetBalances(ctx context.Context) (map[string]model.Balance, error) {
	args := m.Called(ctx)
	balances, _ := args.Get(0).(map[string]model.Balance)
	return balances, args.Error(1)
}

// Send pushes an update into the stream of pair. It blocks if the buffer is full.
func (m *MockExchangeClient) Send(pair model.TradingPair, u model.OrderBookUpdate) {
	m.mu.Lock()
	ch := m.feeds[pair]
	m.mu.Unlock()
	if ch != nil {
		ch <- u
	}
}

// Close ends the stream of pair as if the exchange dropped it.
func (m *MockExchangeClient) Close(pair model.TradingPair) {
	m.mu.Lock()
	ch := m.feeds[pair]
	delete(m.feeds, pair)
	m.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}
