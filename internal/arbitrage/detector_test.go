package arbitrage

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crossarb/internal/model"
	"crossarb/internal/risk"
)

var btcEUR = model.NewTradingPair("BTC", "EUR")

type staticMarket struct {
	mu     sync.Mutex
	quotes map[model.TradingPair][]model.PriceQuote
}

func (m *staticMarket) GetActiveTradingPairs() []model.TradingPair {
	m.mu.Lock()
	defer m.mu.Unlock()
	pairs := make([]model.TradingPair, 0, len(m.quotes))
	for p := range m.quotes {
		pairs = append(pairs, p)
	}
	return pairs
}

func (m *staticMarket) GetQuotes(pair model.TradingPair) []model.PriceQuote {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quotes[pair]
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func ask(exchange, price, qty string) model.PriceQuote {
	return model.PriceQuote{Exchange: exchange, Pair: btcEUR, AskPrice: dec(price), AskQuantity: dec(qty), HasAsk: true, Timestamp: time.Now()}
}

func bid(exchange, price, qty string) model.PriceQuote {
	return model.PriceQuote{Exchange: exchange, Pair: btcEUR, BidPrice: dec(price), BidQuantity: dec(qty), HasBid: true, Timestamp: time.Now()}
}

func newTestDetector(quotes ...model.PriceQuote) (*Detector, *staticMarket) {
	market := &staticMarket{quotes: map[model.TradingPair][]model.PriceQuote{btcEUR: quotes}}
	controller := risk.NewController(risk.StaticProfile(model.RiskProfile{
		MinimumProfitPercentage: dec("0.1"),
		MaxCapitalPerTrade:      decimal.NewFromInt(1_000_000),
		MaxConcurrentTrades:     1,
	}))
	d := NewDetector(slog.New(slog.NewJSONHandler(os.Stdout, nil)), market, controller, DetectorConfig{
		ScanInterval:       10 * time.Millisecond,
		MaxConcurrentScans: 2,
		FeeRates:           map[string]decimal.Decimal{"A": decimal.Zero, "B": decimal.Zero, "C": dec("0.001")},
		Buffer:             4,
	})
	return d, market
}

func qualified(opps []model.ArbitrageOpportunity) []model.ArbitrageOpportunity {
	var out []model.ArbitrageOpportunity
	for _, o := range opps {
		if o.Qualified {
			out = append(out, o)
		}
	}
	return out
}

func TestDetector_Scan(t *testing.T) {
	t.Run("profitable opportunity", func(t *testing.T) {
		d, _ := newTestDetector(ask("A", "50000", "1"), bid("B", "50300", "1"))
		opps, err := d.Scan(btcEUR)
		require.NoError(t, err)

		got := qualified(opps)
		require.Len(t, got, 1)
		opp := got[0]
		assert.Equal(t, "A", opp.BuyExchange)
		assert.Equal(t, "B", opp.SellExchange)
		assert.Equal(t, "300", opp.Spread.String())
		assert.Equal(t, "0.6", opp.SpreadPercentage.String())
		assert.Equal(t, "1", opp.EffectiveQuantity.String())
		assert.Equal(t, "300", opp.EstimatedProfit.String())
		assert.NotEmpty(t, opp.ID)
	})

	t.Run("no opportunity at equal prices", func(t *testing.T) {
		d, _ := newTestDetector(ask("A", "50000", "1"), bid("B", "50000", "1"))
		opps, err := d.Scan(btcEUR)
		require.NoError(t, err)
		assert.Empty(t, opps)
	})

	t.Run("shallower side wins", func(t *testing.T) {
		d, _ := newTestDetector(ask("A", "50000", "0.1"), bid("B", "50300", "1.0"))
		opps, err := d.Scan(btcEUR)
		require.NoError(t, err)
		require.Len(t, qualified(opps), 1)
		assert.Equal(t, "0.1", opps[0].EffectiveQuantity.String())
	})

	t.Run("capital limit caps quantity", func(t *testing.T) {
		d, _ := newTestDetector(ask("A", "50000", "5"), bid("B", "50300", "5"))
		d.risk = risk.NewController(risk.StaticProfile(model.RiskProfile{
			MinimumProfitPercentage: dec("0.1"),
			MaxCapitalPerTrade:      decimal.NewFromInt(25000),
			MaxConcurrentTrades:     1,
		}))
		opps, err := d.Scan(btcEUR)
		require.NoError(t, err)
		require.Len(t, opps, 1)
		assert.Equal(t, "0.5", opps[0].EffectiveQuantity.String())
	})

	t.Run("below minimum spread is not qualified", func(t *testing.T) {
		d, _ := newTestDetector(ask("A", "50000", "1"), bid("B", "50010", "1"))
		opps, err := d.Scan(btcEUR)
		require.NoError(t, err)
		require.Len(t, opps, 1)
		assert.False(t, opps[0].Qualified)
	})

	t.Run("unprofitable due to fees", func(t *testing.T) {
		// C charges 0.1% per leg; a 0.15% spread does not cover both fees
		d, _ := newTestDetector(ask("C", "50000", "1"), bid("B", "50075", "1"))
		d.cfg.FeeRates["B"] = dec("0.001")
		opps, err := d.Scan(btcEUR)
		require.NoError(t, err)
		require.Len(t, opps, 1)
		assert.True(t, opps[0].EstimatedProfit.IsNegative())
		assert.False(t, opps[0].Qualified)
	})

	t.Run("stale quotes are ignored", func(t *testing.T) {
		old := ask("A", "50000", "1")
		old.Timestamp = time.Now().Add(-time.Minute)
		d, _ := newTestDetector(old, bid("B", "50300", "1"))
		d.cfg.MaxQuoteAge = time.Second
		opps, err := d.Scan(btcEUR)
		require.NoError(t, err)
		assert.Empty(t, opps)
	})

	t.Run("missing fee rate is a scan error", func(t *testing.T) {
		d, _ := newTestDetector(ask("A", "50000", "1"), bid("X", "50300", "1"))
		_, err := d.Scan(btcEUR)
		assert.Error(t, err)
	})
}

func TestDetector_StartStopEmitsEachTick(t *testing.T) {
	d, _ := newTestDetector(ask("A", "50000", "1"), bid("B", "50300", "1"))
	ctx := context.Background()

	d.Start(ctx)
	d.Start(ctx)
	assert.True(t, d.IsRunning())

	// the same persisting opportunity is reported on every tick
	for i := 0; i < 2; i++ {
		select {
		case opp := <-d.Opportunities():
			assert.Equal(t, "A", opp.BuyExchange)
		case <-time.After(2 * time.Second):
			t.Fatal("no opportunity emitted")
		}
	}

	d.Stop()
	d.Stop()
	assert.False(t, d.IsRunning())
	assert.GreaterOrEqual(t, d.Stats().Detected, int64(2))
}

func TestDetector_DropsOldestWhenFull(t *testing.T) {
	d, _ := newTestDetector()
	for i := 0; i < 6; i++ {
		d.emit(model.ArbitrageOpportunity{ID: string(rune('a' + i)), Pair: btcEUR})
	}
	assert.Equal(t, int64(2), d.Stats().Dropped)
	first := <-d.Opportunities()
	assert.Equal(t, "c", first.ID)
}

func TestDetector_ScanErrorDoesNotStopLoop(t *testing.T) {
	d, market := newTestDetector(ask("A", "50000", "1"), bid("B", "50300", "1"))
	eth := model.NewTradingPair("ETH", "EUR")
	market.quotes[eth] = []model.PriceQuote{ask("A", "2000", "1"), bid("unknown", "2100", "1")}

	d.Start(context.Background())
	defer d.Stop()

	select {
	case opp := <-d.Opportunities():
		assert.Equal(t, btcEUR, opp.Pair)
	case <-time.After(2 * time.Second):
		t.Fatal("healthy pair was not scanned")
	}
	require.Eventually(t, func() bool { return d.Stats().ScanErrors > 0 }, 2*time.Second, 5*time.Millisecond)
}
