// Package execution places the two legs of an arbitrage trade.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"crossarb/internal/exchange"
	"crossarb/internal/model"
	"crossarb/internal/risk"
)

var (
	ErrStrandedPosition    = errors.New("stranded position")
	ErrOpportunityVanished = errors.New("opportunity vanished")
	ErrInvalidOpportunity  = errors.New("invalid opportunity")
)

// Venues resolves exchange ids to clients.
type Venues interface {
	Get(name string) (exchange.ExchangeClient, error)
}

// LiveQuotes serves the current top of book used to re-check an opportunity
// before the first order.
type LiveQuotes interface {
	GetQuote(exchangeName string, pair model.TradingPair) (model.PriceQuote, bool)
}

// ExecutorConfig bounds the sell-leg retries.
type ExecutorConfig struct {
	SellRetries      int
	SellRetryBackoff time.Duration
}

// ExecutorStats counts executions since construction. Rejected is keyed by reason.
type ExecutorStats struct {
	Attempted int64
	Succeeded int64
	Failed    int64
	Stranded  int64
	Rejected  map[string]int64
}

// Executor validates opportunities against the risk controller and places
// the buy leg, then the sell leg.
type Executor struct {
	logger *slog.Logger
	venues Venues
	quotes LiveQuotes
	risk   *risk.Controller
	cfg    ExecutorConfig

	attempted atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	stranded  atomic.Int64

	mu       sync.Mutex
	rejected map[string]int64
}

// NewExecutor creates an Executor. quotes may be nil to skip the live re-check.
func NewExecutor(logger *slog.Logger, venues Venues, quotes LiveQuotes, controller *risk.Controller, cfg ExecutorConfig) *Executor {
	return &Executor{
		logger:   logger.With("component", "executor"),
		venues:   venues,
		quotes:   quotes,
		risk:     controller,
		cfg:      cfg,
		rejected: make(map[string]int64),
	}
}

// Stats returns a copy of the counters.
func (e *Executor) Stats() ExecutorStats {
	e.mu.Lock()
	rejected := make(map[string]int64, len(e.rejected))
	for k, v := range e.rejected {
		rejected[k] = v
	}
	e.mu.Unlock()
	return ExecutorStats{
		Attempted: e.attempted.Load(),
		Succeeded: e.succeeded.Load(),
		Failed:    e.failed.Load(),
		Stranded:  e.stranded.Load(),
		Rejected:  rejected,
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, risk.ErrConcurrencyLimit):
		return "concurrency"
	case errors.Is(err, risk.ErrCooldown):
		return "cooldown"
	case errors.Is(err, risk.ErrCapitalLimit):
		return "capital"
	case errors.Is(err, risk.ErrInsufficientBalance):
		return "balance"
	case errors.Is(err, ErrOpportunityVanished):
		return "vanished"
	case errors.Is(err, ErrInvalidOpportunity):
		return "invalid"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "other"
	}
}

func (e *Executor) reject(opp model.ArbitrageOpportunity, err error) (model.TradeResult, error) {
	reason := rejectReason(err)
	e.mu.Lock()
	e.rejected[reason]++
	e.mu.Unlock()
	e.logger.Info("Opportunity rejected", "opportunity_id", opp.ID, "pair", opp.Pair.String(), "reason", reason, "error", err)
	return model.TradeResult{}, fmt.Errorf("execution: %w", err)
}

// Execute runs both legs of opp. A non-nil error means no order was placed.
// Once the buy leg is sent, cancellation of ctx no longer interrupts the trade.
func (e *Executor) Execute(ctx context.Context, opp model.ArbitrageOpportunity) (model.TradeResult, error) {
	if err := validate(opp); err != nil {
		return e.reject(opp, err)
	}

	release, err := e.risk.Admit(opp.Pair)
	if err != nil {
		return e.reject(opp, err)
	}
	executed := false
	defer func() { release(executed) }()

	buyVenue, err := e.venues.Get(opp.BuyExchange)
	if err != nil {
		return e.reject(opp, err)
	}
	sellVenue, err := e.venues.Get(opp.SellExchange)
	if err != nil {
		return e.reject(opp, err)
	}

	if err := e.recheck(opp); err != nil {
		return e.reject(opp, err)
	}

	profile := e.risk.Profile()
	quantity := opp.EffectiveQuantity
	balances, err := buyVenue.GetBalances(ctx)
	if err != nil {
		return e.reject(opp, fmt.Errorf("balances on %s: %w", opp.BuyExchange, err))
	}
	if err := e.risk.CheckCapital(profile, quantity.Mul(opp.BuyPrice), balances[opp.Pair.Quote].Available); err != nil {
		return e.reject(opp, err)
	}
	inventory, err := sellVenue.GetBalances(ctx)
	if err != nil {
		return e.reject(opp, fmt.Errorf("balances on %s: %w", opp.SellExchange, err))
	}
	if held := inventory[opp.Pair.Base].Available; held.LessThan(quantity) {
		return e.reject(opp, fmt.Errorf("%w: need %s %s on %s, available %s",
			risk.ErrInsufficientBalance, quantity, opp.Pair.Base, opp.SellExchange, held))
	}

	if err := ctx.Err(); err != nil {
		return e.reject(opp, err)
	}

	executed = true
	e.attempted.Add(1)
	legCtx := context.WithoutCancel(ctx)
	result := model.TradeResult{ID: uuid.NewString(), Opportunity: opp, StartedAt: time.Now()}
	log := e.logger.With("trade_id", result.ID, "opportunity_id", opp.ID, "pair", opp.Pair.String())

	result.BuyResult = e.place(legCtx, buyVenue, opp.Pair, model.SideBuy, quantity, opp.BuyPrice)
	if result.BuyResult.Success && !result.BuyResult.ExecutedQuantity.IsPositive() {
		result.BuyResult.Success = false
		result.BuyResult.Error = "order reported success without a fill"
	}
	if !result.BuyResult.Success {
		result.Error = "buy leg failed: " + result.BuyResult.Error
		result.Duration = time.Since(result.StartedAt)
		e.failed.Add(1)
		log.Warn("Buy leg failed, sell leg not attempted", "exchange", opp.BuyExchange, "error", result.BuyResult.Error)
		return result, nil
	}

	// never sell more than was bought
	sellQty := decimal.Min(quantity, result.BuyResult.ExecutedQuantity)
	result.SellResult = e.sellWithRetry(legCtx, log, sellVenue, opp, sellQty)

	if !result.SellResult.Success || result.SellResult.ExecutedQuantity.LessThan(result.BuyResult.ExecutedQuantity) {
		result.SellResult.Success = false
		e.strand(legCtx, log, profile, buyVenue, &result)
		result.Duration = time.Since(result.StartedAt)
		return result, nil
	}

	result.Success = true
	result.RealizedProfit = realized(result.BuyResult, result.SellResult)
	result.Duration = time.Since(result.StartedAt)
	e.succeeded.Add(1)
	log.Info("Arbitrage trade completed",
		"buyExchange", opp.BuyExchange,
		"sellExchange", opp.SellExchange,
		"quantity", result.SellResult.ExecutedQuantity,
		"estimatedProfit", opp.EstimatedProfit,
		"realizedProfit", result.RealizedProfit,
		"duration", result.Duration,
	)
	return result, nil
}

func validate(opp model.ArbitrageOpportunity) error {
	switch {
	case opp.BuyExchange == "" || opp.SellExchange == "":
		return fmt.Errorf("%w: missing exchange", ErrInvalidOpportunity)
	case opp.BuyExchange == opp.SellExchange:
		return fmt.Errorf("%w: buy and sell on %s", ErrInvalidOpportunity, opp.BuyExchange)
	case !opp.EffectiveQuantity.IsPositive():
		return fmt.Errorf("%w: quantity %s", ErrInvalidOpportunity, opp.EffectiveQuantity)
	case !opp.BuyPrice.IsPositive() || !opp.SellPrice.IsPositive():
		return fmt.Errorf("%w: non-positive price", ErrInvalidOpportunity)
	}
	return nil
}

// recheck confirms the spread still exists on the live books.
func (e *Executor) recheck(opp model.ArbitrageOpportunity) error {
	if e.quotes == nil {
		return nil
	}
	buy, okBuy := e.quotes.GetQuote(opp.BuyExchange, opp.Pair)
	sell, okSell := e.quotes.GetQuote(opp.SellExchange, opp.Pair)
	if !okBuy || !okSell || !buy.HasAsk || !sell.HasBid {
		return fmt.Errorf("%w: no live quote", ErrOpportunityVanished)
	}
	if sell.BidPrice.LessThanOrEqual(buy.AskPrice) {
		return fmt.Errorf("%w: live bid %s <= ask %s", ErrOpportunityVanished, sell.BidPrice, buy.AskPrice)
	}
	return nil
}

// place sends one market order and folds transport errors into the result.
func (e *Executor) place(ctx context.Context, venue exchange.ExchangeClient, pair model.TradingPair, side model.Side, quantity, price decimal.Decimal) model.OrderResult {
	res, err := venue.PlaceMarketOrder(ctx, pair, side, quantity)
	if err != nil {
		res.Success = false
		res.Error = err.Error()
	}
	if res.Exchange == "" {
		res.Exchange = venue.GetName()
	}
	res.Side = side
	res.RequestedQuantity = quantity
	if res.RequestedPrice.IsZero() {
		res.RequestedPrice = price
	}
	if !res.Success && res.Error == "" {
		res.Error = "order rejected"
	}
	if res.Timestamp.IsZero() {
		res.Timestamp = time.Now()
	}
	return res
}

// sellWithRetry sells quantity, re-sending the unfilled remainder up to
// SellRetries times. The returned result aggregates every fill at its
// volume-weighted price; Success means the whole quantity was sold.
func (e *Executor) sellWithRetry(ctx context.Context, log *slog.Logger, venue exchange.ExchangeClient, opp model.ArbitrageOpportunity, quantity decimal.Decimal) model.OrderResult {
	total := model.OrderResult{
		Exchange:          venue.GetName(),
		Side:              model.SideSell,
		RequestedPrice:    opp.SellPrice,
		RequestedQuantity: quantity,
	}
	remaining := quantity
	notional := decimal.Zero

	for attempt := 0; attempt <= e.cfg.SellRetries && remaining.IsPositive(); attempt++ {
		if attempt > 0 {
			time.Sleep(e.cfg.SellRetryBackoff * time.Duration(attempt))
		}
		res := e.place(ctx, venue, opp.Pair, model.SideSell, remaining, opp.SellPrice)
		if res.OrderID != "" {
			total.OrderID = res.OrderID
		}
		total.Timestamp = res.Timestamp

		filled := decimal.Zero
		if res.Success {
			filled = decimal.Min(res.ExecutedQuantity, remaining)
		}
		if filled.IsPositive() {
			notional = notional.Add(res.ExecutedPrice.Mul(filled))
			total.ExecutedQuantity = total.ExecutedQuantity.Add(filled)
			total.Fee = total.Fee.Add(res.Fee)
			remaining = remaining.Sub(filled)
		}
		if !remaining.IsPositive() {
			break
		}

		total.Error = res.Error
		if res.Success {
			total.Error = fmt.Sprintf("partial fill: %s of %s", filled, filled.Add(remaining))
		}
		log.Warn("Sell leg incomplete", "exchange", opp.SellExchange, "attempt", attempt+1, "maxAttempts", e.cfg.SellRetries+1,
			"remaining", remaining, "error", total.Error)
	}

	if total.ExecutedQuantity.IsPositive() {
		total.ExecutedPrice = notional.DivRound(total.ExecutedQuantity, 12)
	}
	total.Success = !remaining.IsPositive()
	if total.Success {
		total.Error = ""
	}
	return total
}

// strand records a bought position that could not be fully sold, and
// unwinds the unsold remainder on the buy exchange when stop-loss is enabled.
func (e *Executor) strand(ctx context.Context, log *slog.Logger, profile model.RiskProfile, buyVenue exchange.ExchangeClient, result *model.TradeResult) {
	opp := result.Opportunity
	bought, sold := result.BuyResult.ExecutedQuantity, result.SellResult.ExecutedQuantity
	residual := bought.Sub(sold)
	e.failed.Add(1)
	e.stranded.Add(1)
	result.Error = fmt.Sprintf("%v: bought %s %s on %s, sold %s on %s: %s",
		ErrStrandedPosition, bought, opp.Pair.Base, opp.BuyExchange, sold, opp.SellExchange, result.SellResult.Error)
	result.RealizedProfit = realized(result.BuyResult, result.SellResult)
	log.Error("FUND SAFETY: stranded position after sell retries",
		"fund_safety", true,
		"buyExchange", opp.BuyExchange,
		"sellExchange", opp.SellExchange,
		"bought", bought,
		"sold", sold,
		"residual", residual,
		"buyPrice", result.BuyResult.ExecutedPrice,
		"error", result.SellResult.Error,
	)

	if !profile.StopLossEnabled || !residual.IsPositive() {
		return
	}
	unwind := e.place(ctx, buyVenue, opp.Pair, model.SideSell, residual, result.BuyResult.ExecutedPrice)
	result.Unwind = &unwind
	if !unwind.Success {
		result.Error += "; unwind failed: " + unwind.Error
		log.Error("FUND SAFETY: stop-loss unwind failed", "fund_safety", true, "exchange", opp.BuyExchange, "residual", residual, "error", unwind.Error)
		return
	}
	unwound := decimal.Min(unwind.ExecutedQuantity, residual)
	result.RealizedProfit = result.RealizedProfit.
		Add(unwind.ExecutedPrice.Sub(result.BuyResult.ExecutedPrice).Mul(unwound)).
		Sub(unwind.Fee)
	result.Error += fmt.Sprintf("; %s %s unwound on %s", unwound, opp.Pair.Base, opp.BuyExchange)
	log.Warn("Stop-loss unwind completed", "exchange", opp.BuyExchange, "quantity", unwound, "price", unwind.ExecutedPrice, "realizedProfit", result.RealizedProfit)
	if unwound.LessThan(residual) {
		log.Error("FUND SAFETY: stop-loss unwind partially filled", "fund_safety", true, "exchange", opp.BuyExchange, "open", residual.Sub(unwound))
	}
}

// realized is the profit over the sold quantity, net of both fees. The whole
// buy fee is charged even when only part of the position was sold.
func realized(buy, sell model.OrderResult) decimal.Decimal {
	qty := sell.ExecutedQuantity
	return sell.ExecutedPrice.Sub(buy.ExecutedPrice).Mul(qty).Sub(buy.Fee).Sub(sell.Fee)
}

// Run executes every opportunity received on in, each in its own goroutine,
// and reports completed trades through onResult. It returns when in is closed
// or ctx ends, after in-flight trades finish.
func (e *Executor) Run(ctx context.Context, in <-chan model.ArbitrageOpportunity, onResult func(model.TradeResult)) {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case opp, ok := <-in:
			if !ok {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				result, err := e.Execute(ctx, opp)
				if err != nil {
					return
				}
				onResult(result)
			}()
		}
	}
}
