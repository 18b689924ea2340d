package arbitrage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/semaphore"

	"crossarb/internal/model"
	"crossarb/internal/risk"
)

var hundred = decimal.NewFromInt(100)

// MarketView is the read side of the aggregator used by the detector.
type MarketView interface {
	GetActiveTradingPairs() []model.TradingPair
	GetQuotes(pair model.TradingPair) []model.PriceQuote
}

// DetectorConfig holds the scan settings. FeeRates are taker fees as
// fractions, keyed by exchange id.
type DetectorConfig struct {
	ScanInterval       time.Duration
	MaxConcurrentScans int
	MaxQuoteAge        time.Duration
	FeeRates           map[string]decimal.Decimal
	Buffer             int
}

// DetectorStats counts detector activity since construction.
type DetectorStats struct {
	Detected   int64
	Dropped    int64
	Skipped    int64
	ScanErrors int64
}

// Detector periodically scans every active pair for cross-exchange spreads
// and emits the opportunities that clear the risk thresholds.
type Detector struct {
	logger *slog.Logger
	market MarketView
	risk   *risk.Controller
	cfg    DetectorConfig
	now    func() time.Time

	out     chan model.ArbitrageOpportunity
	scanSem *semaphore.Weighted
	// pairs with a scan in progress
	scanning sync.Map

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	detected   atomic.Int64
	dropped    atomic.Int64
	skipped    atomic.Int64
	scanErrors atomic.Int64
}

// NewDetector creates a new instance of the Detector.
func NewDetector(logger *slog.Logger, market MarketView, controller *risk.Controller, cfg DetectorConfig) *Detector {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1
	}
	if cfg.MaxConcurrentScans <= 0 {
		cfg.MaxConcurrentScans = 1
	}
	return &Detector{
		logger:  logger.With("component", "detector"),
		market:  market,
		risk:    controller,
		cfg:     cfg,
		now:     time.Now,
		out:     make(chan model.ArbitrageOpportunity, cfg.Buffer),
		scanSem: semaphore.NewWeighted(int64(cfg.MaxConcurrentScans)),
	}
}

// Opportunities returns the stream of qualified opportunities. When the
// consumer falls behind the oldest buffered opportunity is dropped.
func (d *Detector) Opportunities() <-chan model.ArbitrageOpportunity {
	return d.out
}

// Start begins the scan loop. Calling Start while running is a no-op.
func (d *Detector) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	go d.run(ctx, d.done)
	d.logger.Info("Detector started", "interval", d.cfg.ScanInterval)
}

// Stop ends the scan loop and waits for in-flight scans. Calling Stop while
// idle is a no-op.
func (d *Detector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel == nil {
		return
	}
	d.cancel()
	<-d.done
	d.cancel, d.done = nil, nil
	d.logger.Info("Detector stopped")
}

// IsRunning reports whether the scan loop is active.
func (d *Detector) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancel != nil
}

func (d *Detector) Stats() DetectorStats {
	return DetectorStats{
		Detected:   d.detected.Load(),
		Dropped:    d.dropped.Load(),
		Skipped:    d.skipped.Load(),
		ScanErrors: d.scanErrors.Load(),
	}
}

func (d *Detector) run(ctx context.Context, done chan struct{}) {
	var wg sync.WaitGroup
	defer close(done)
	defer wg.Wait()

	ticker := time.NewTicker(d.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick(ctx, &wg)
		}
	}
}

// tick launches one scan per active pair. A pair whose previous scan is still
// running is skipped for this tick.
func (d *Detector) tick(ctx context.Context, wg *sync.WaitGroup) {
	for _, pair := range d.market.GetActiveTradingPairs() {
		if _, busy := d.scanning.LoadOrStore(pair, struct{}{}); busy {
			d.skipped.Add(1)
			d.logger.Debug("Previous scan still running", "pair", pair.String())
			continue
		}
		wg.Add(1)
		go func(pair model.TradingPair) {
			defer wg.Done()
			defer d.scanning.Delete(pair)

			if err := d.scanSem.Acquire(ctx, 1); err != nil {
				return
			}
			defer d.scanSem.Release(1)

			opps, err := d.Scan(pair)
			if err != nil {
				d.scanErrors.Add(1)
				d.logger.Warn("Scan failed", "pair", pair.String(), "error", err)
				return
			}
			for _, opp := range opps {
				if opp.Qualified {
					d.emit(opp)
				}
			}
		}(pair)
	}
}

func (d *Detector) emit(opp model.ArbitrageOpportunity) {
	d.detected.Add(1)
	d.logger.Info("Profitable arbitrage opportunity found",
		"opportunity_id", opp.ID,
		"pair", opp.Pair.String(),
		"buyExchange", opp.BuyExchange,
		"sellExchange", opp.SellExchange,
		"buyPrice", opp.BuyPrice,
		"sellPrice", opp.SellPrice,
		"quantity", opp.EffectiveQuantity,
		"estimatedProfit", opp.EstimatedProfit,
	)
	for {
		select {
		case d.out <- opp:
			return
		default:
		}
		select {
		case stale := <-d.out:
			d.dropped.Add(1)
			d.logger.Warn("Opportunity buffer full, dropped oldest", "opportunity_id", stale.ID, "pair", stale.Pair.String())
		default:
		}
	}
}

// Scan evaluates every ordered (buy, sell) exchange combination for pair
// using the top of each book. Only combinations with a strictly positive
// spread are returned; Qualified marks those that clear the risk profile.
func (d *Detector) Scan(pair model.TradingPair) ([]model.ArbitrageOpportunity, error) {
	profile := d.risk.Profile()
	now := d.now()

	var quotes []model.PriceQuote
	for _, q := range d.market.GetQuotes(pair) {
		if d.cfg.MaxQuoteAge > 0 && now.Sub(q.Timestamp) > d.cfg.MaxQuoteAge {
			continue
		}
		quotes = append(quotes, q)
	}

	var opps []model.ArbitrageOpportunity
	for _, buy := range quotes {
		if !buy.HasAsk {
			continue
		}
		for _, sell := range quotes {
			if sell.Exchange == buy.Exchange || !sell.HasBid {
				continue
			}
			if sell.BidPrice.LessThanOrEqual(buy.AskPrice) {
				continue
			}
			opp, err := d.evaluate(profile, pair, buy, sell, now)
			if err != nil {
				return nil, err
			}
			opps = append(opps, opp)
		}
	}
	return opps, nil
}

func (d *Detector) evaluate(profile model.RiskProfile, pair model.TradingPair, buy, sell model.PriceQuote, now time.Time) (model.ArbitrageOpportunity, error) {
	buyFeeRate, ok := d.cfg.FeeRates[buy.Exchange]
	if !ok {
		return model.ArbitrageOpportunity{}, fmt.Errorf("arbitrage: no fee rate for %s", buy.Exchange)
	}
	sellFeeRate, ok := d.cfg.FeeRates[sell.Exchange]
	if !ok {
		return model.ArbitrageOpportunity{}, fmt.Errorf("arbitrage: no fee rate for %s", sell.Exchange)
	}

	buyPrice, sellPrice := buy.AskPrice, sell.BidPrice
	quantity := decimal.Min(buy.AskQuantity, sell.BidQuantity, d.risk.MaxQuantity(profile, buyPrice))
	spread := sellPrice.Sub(buyPrice)

	buyFee := buyPrice.Mul(quantity).Mul(buyFeeRate)
	sellFee := sellPrice.Mul(quantity).Mul(sellFeeRate)

	opp := model.ArbitrageOpportunity{
		ID:                uuid.NewString(),
		Pair:              pair,
		BuyExchange:       buy.Exchange,
		BuyPrice:          buyPrice,
		BuyQuantity:       buy.AskQuantity,
		SellExchange:      sell.Exchange,
		SellPrice:         sellPrice,
		SellQuantity:      sell.BidQuantity,
		DetectedAt:        now,
		Spread:            spread,
		SpreadPercentage:  spread.Div(buyPrice).Mul(hundred),
		EffectiveQuantity: quantity,
		EstimatedProfit:   spread.Mul(quantity).Sub(buyFee).Sub(sellFee),
	}
	opp.Qualified = d.risk.Qualifies(profile, opp) == nil
	return opp, nil
}
