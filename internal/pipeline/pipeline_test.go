package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"crossarb/internal/arbitrage"
	"crossarb/internal/exchange"
	"crossarb/internal/exchange/exchangetest"
	"crossarb/internal/execution"
	"crossarb/internal/model"
	"crossarb/internal/risk"
)

var btcEUR = model.NewTradingPair("BTC", "EUR")

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func lvl(price, qty string) model.OrderBookEntry {
	return model.OrderBookEntry{Price: dec(price), Quantity: dec(qty)}
}

type recordingSink struct {
	mu     sync.Mutex
	opps   []model.ArbitrageOpportunity
	trades []model.TradeResult
	err    error
}

func (s *recordingSink) SaveOpportunity(_ context.Context, opp model.ArbitrageOpportunity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opps = append(s.opps, opp)
	return s.err
}

func (s *recordingSink) SaveTradeResult(_ context.Context, res model.TradeResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades = append(s.trades, res)
	return s.err
}

func (s *recordingSink) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.opps), len(s.trades)
}

type fixture struct {
	kraken, binance *exchangetest.MockExchangeClient
	pipeline        *Pipeline
	sink            *recordingSink
}

func newFixture(t *testing.T, subscribeErr error) *fixture {
	t.Helper()
	kraken := exchangetest.NewMockExchangeClient("kraken")
	binance := exchangetest.NewMockExchangeClient("binance")
	for _, c := range []*exchangetest.MockExchangeClient{kraken, binance} {
		c.On("SubscribeToOrderBook", mock.Anything, mock.Anything).Return(subscribeErr)
		c.On("GetOrderBookSnapshot", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("rest disabled"))
		c.On("GetBalances", mock.Anything).Return(map[string]model.Balance{
			"EUR": {Asset: "EUR", Available: decimal.NewFromInt(1_000_000)},
			"BTC": {Asset: "BTC", Available: decimal.NewFromInt(10)},
		}, nil)
	}
	kraken.On("PlaceMarketOrder", mock.Anything, btcEUR, model.SideBuy, mock.Anything).
		Return(model.OrderResult{OrderID: "k-1", ExecutedPrice: dec("50000"), ExecutedQuantity: dec("1"), Fee: decimal.Zero, Success: true}, nil)
	binance.On("PlaceMarketOrder", mock.Anything, btcEUR, model.SideSell, mock.Anything).
		Return(model.OrderResult{OrderID: "b-1", ExecutedPrice: dec("50300"), ExecutedQuantity: dec("1"), Fee: decimal.Zero, Success: true}, nil)

	controller := risk.NewController(risk.StaticProfile(model.RiskProfile{
		MinimumProfitPercentage: dec("0.1"),
		MaxCapitalPerTrade:      decimal.NewFromInt(100_000),
		MaxConcurrentTrades:     1,
		Cooldown:                time.Hour,
	}))
	sink := &recordingSink{}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	p := New(logger, exchange.NewRegistry(kraken, binance), controller, Config{
		Detector: arbitrage.DetectorConfig{
			ScanInterval:       10 * time.Millisecond,
			MaxConcurrentScans: 2,
			FeeRates:           map[string]decimal.Decimal{"kraken": decimal.Zero, "binance": decimal.Zero},
			Buffer:             8,
		},
		Executor:     execution.ExecutorConfig{SellRetries: 1, SellRetryBackoff: time.Millisecond},
		BookDepth:    20,
		StreamBuffer: 16,
		SinkQueue:    64,
	}, sink)
	t.Cleanup(p.Stop)
	return &fixture{kraken: kraken, binance: binance, pipeline: p, sink: sink}
}

func (f *fixture) seedBooks() {
	f.kraken.Send(btcEUR, model.OrderBookUpdate{
		Snapshot: true,
		Bids:     []model.OrderBookEntry{lvl("49900", "1")},
		Asks:     []model.OrderBookEntry{lvl("50000", "1")},
	})
	f.binance.Send(btcEUR, model.OrderBookUpdate{
		Snapshot: true,
		Bids:     []model.OrderBookEntry{lvl("50300", "1")},
		Asks:     []model.OrderBookEntry{lvl("50400", "1")},
	})
}

func TestPipeline_DetectsAndExecutes(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	trades := f.pipeline.TradeResults(ctx)
	opps := f.pipeline.Opportunities(ctx)

	require.NoError(t, f.pipeline.Start(ctx, []model.TradingPair{btcEUR}))
	assert.True(t, f.pipeline.IsRunning())
	f.seedBooks()

	select {
	case opp := <-opps:
		assert.Equal(t, "kraken", opp.BuyExchange)
		assert.Equal(t, "binance", opp.SellExchange)
		assert.True(t, opp.Qualified)
	case <-time.After(2 * time.Second):
		t.Fatal("no opportunity streamed")
	}

	select {
	case res := <-trades:
		assert.True(t, res.Success)
		assert.Equal(t, "300", res.RealizedProfit.String())
	case <-time.After(2 * time.Second):
		t.Fatal("no trade result streamed")
	}

	require.Eventually(t, func() bool {
		o, tr := f.sink.counts()
		return o >= 1 && tr == 1
	}, 2*time.Second, 10*time.Millisecond)

	st := f.pipeline.Stats()
	assert.True(t, st.Running)
	assert.False(t, st.StartedAt.IsZero())
	assert.GreaterOrEqual(t, st.OpportunitiesDetected, int64(1))
	assert.Equal(t, int64(1), st.ExecutionsAttempted)
	assert.Equal(t, int64(1), st.ExecutionsSucceeded)
	assert.Len(t, st.Feeds, 2)

	f.pipeline.Stop()
	assert.False(t, f.pipeline.IsRunning())
	assert.Empty(t, f.pipeline.Stats().Feeds)
	// one trade despite repeated detections: the pair is cooling down
	f.kraken.AssertNumberOfCalls(t, "PlaceMarketOrder", 1)
}

func TestPipeline_AlreadyRunning(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.pipeline.Start(ctx, []model.TradingPair{btcEUR}))
	err := f.pipeline.Start(ctx, []model.TradingPair{btcEUR})
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestPipeline_NoFeeds(t *testing.T) {
	f := newFixture(t, errors.New("connection refused"))
	err := f.pipeline.Start(context.Background(), []model.TradingPair{btcEUR})
	assert.ErrorIs(t, err, ErrNoFeeds)
	assert.False(t, f.pipeline.IsRunning())

	st := f.pipeline.Stats()
	assert.Contains(t, st.VenueErrors["kraken"], "connection refused")
	assert.Contains(t, st.VenueErrors["binance"], "connection refused")
}

func TestPipeline_Restart(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.pipeline.Start(ctx, []model.TradingPair{btcEUR}))
	f.pipeline.Stop()
	f.pipeline.Stop()
	require.NoError(t, f.pipeline.Start(ctx, []model.TradingPair{btcEUR}))
	assert.True(t, f.pipeline.IsRunning())
	assert.Equal(t, int64(0), f.pipeline.Stats().ExecutionsAttempted)
}

func TestPipeline_SinkErrorsAreCounted(t *testing.T) {
	f := newFixture(t, nil)
	f.sink.err = errors.New("db down")
	require.NoError(t, f.pipeline.Start(context.Background(), []model.TradingPair{btcEUR}))
	f.seedBooks()

	require.Eventually(t, func() bool {
		return f.pipeline.Stats().SinkErrors > 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, f.pipeline.IsRunning())
}
