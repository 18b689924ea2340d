package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TradingPair identifies an asset pair such as BTC/EUR.
type TradingPair struct {
	Base  string
	Quote string
}

// NewTradingPair builds a pair with upper-cased assets.
func NewTradingPair(base, quote string) TradingPair {
	return TradingPair{Base: strings.ToUpper(base), Quote: strings.ToUpper(quote)}
}

// ParseTradingPair parses the canonical "BASE/QUOTE" form.
func ParseTradingPair(s string) (TradingPair, error) {
	base, quote, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok || base == "" || quote == "" || strings.Contains(quote, "/") {
		return TradingPair{}, fmt.Errorf("model: invalid trading pair %q", s)
	}
	return NewTradingPair(base, quote), nil
}

func (p TradingPair) String() string {
	return p.Base + "/" + p.Quote
}

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// PriceQuote is the top of one exchange's book for a pair.
type PriceQuote struct {
	Exchange    string
	Pair        TradingPair
	BidPrice    decimal.Decimal
	BidQuantity decimal.Decimal
	AskPrice    decimal.Decimal
	AskQuantity decimal.Decimal
	HasBid      bool
	HasAsk      bool
	Timestamp   time.Time
}

// BestBidAsk holds the venues quoting the highest bid and the lowest ask for a pair.
// Either side is nil when no active exchange has data for it.
type BestBidAsk struct {
	Pair    TradingPair
	BestBid *PriceQuote
	BestAsk *PriceQuote
}

// ArbitrageOpportunity is one detection of a cross-exchange price gap.
type ArbitrageOpportunity struct {
	ID                string
	Pair              TradingPair
	BuyExchange       string
	BuyPrice          decimal.Decimal
	BuyQuantity       decimal.Decimal
	SellExchange      string
	SellPrice         decimal.Decimal
	SellQuantity      decimal.Decimal
	DetectedAt        time.Time
	Spread            decimal.Decimal
	SpreadPercentage  decimal.Decimal
	EffectiveQuantity decimal.Decimal
	EstimatedProfit   decimal.Decimal
	Qualified         bool
}

// OrderResult is the outcome of one market order (one leg).
type OrderResult struct {
	OrderID           string
	Exchange          string
	Side              Side
	RequestedPrice    decimal.Decimal
	RequestedQuantity decimal.Decimal
	ExecutedPrice     decimal.Decimal
	ExecutedQuantity  decimal.Decimal
	Fee               decimal.Decimal
	Success           bool
	Error             string
	Timestamp         time.Time
}

// TradeResult is the terminal record of one two-leg execution.
type TradeResult struct {
	ID             string
	Opportunity    ArbitrageOpportunity
	BuyResult      OrderResult
	SellResult     OrderResult
	Unwind         *OrderResult
	Success        bool
	Error          string
	RealizedProfit decimal.Decimal
	StartedAt      time.Time
	Duration       time.Duration
}

// Balance is the funds held in one asset on one exchange.
type Balance struct {
	Asset     string
	Available decimal.Decimal
	Total     decimal.Decimal
}

// RiskProfile holds the trading limits. Zero MaxCapitalPercentage disables the
// balance-relative cap.
type RiskProfile struct {
	MinimumProfitPercentage decimal.Decimal
	MaxCapitalPerTrade      decimal.Decimal
	MaxCapitalPercentage    decimal.Decimal
	MaxConcurrentTrades     int
	Cooldown                time.Duration
	StopLossEnabled         bool
}
