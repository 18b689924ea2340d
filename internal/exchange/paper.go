package exchange

import (
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"crossarb/internal/model"
)

// paperAccount simulates balances and market fills against a local book.
type paperAccount struct {
	fee decimal.Decimal

	mu       sync.Mutex
	balances map[string]decimal.Decimal
}

func newPaperAccount(feePercent float64, seed map[string]float64) *paperAccount {
	a := &paperAccount{
		fee:      decimal.NewFromFloat(feePercent).Div(decimal.NewFromInt(100)),
		balances: make(map[string]decimal.Decimal, len(seed)),
	}
	for asset, amount := range seed {
		// viper lower-cases map keys
		a.balances[strings.ToUpper(asset)] = decimal.NewFromFloat(amount)
	}
	return a
}

func (a *paperAccount) snapshot() map[string]model.Balance {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]model.Balance, len(a.balances))
	for asset, amount := range a.balances {
		out[asset] = model.Balance{Asset: asset, Available: amount, Total: amount}
	}
	return out
}

// fill walks the opposite side of book for quantity and settles the trade.
// Partial fills are accepted when the book is too shallow.
func (a *paperAccount) fill(book *model.OrderBook, side model.Side, quantity decimal.Decimal) (model.OrderResult, error) {
	res := model.OrderResult{Side: side, RequestedQuantity: quantity}
	if !quantity.IsPositive() {
		return res, fmt.Errorf("paper: quantity must be positive, got %s", quantity)
	}

	levels := book.Asks
	if side == model.SideSell {
		levels = book.Bids
	}
	if len(levels) == 0 {
		return res, ErrNoLiquidity
	}
	res.RequestedPrice = levels[0].Price

	remaining := quantity
	notional := decimal.Zero
	for _, lvl := range levels {
		if !remaining.IsPositive() {
			break
		}
		take := decimal.Min(remaining, lvl.Quantity)
		notional = notional.Add(take.Mul(lvl.Price))
		remaining = remaining.Sub(take)
	}
	filled := quantity.Sub(remaining)
	fee := notional.Mul(a.fee)

	base, quote := book.Pair.Base, book.Pair.Quote

	a.mu.Lock()
	defer a.mu.Unlock()
	switch side {
	case model.SideBuy:
		cost := notional.Add(fee)
		if a.balances[quote].LessThan(cost) {
			return res, fmt.Errorf("paper: insufficient %s: need %s, have %s", quote, cost, a.balances[quote])
		}
		a.balances[quote] = a.balances[quote].Sub(cost)
		a.balances[base] = a.balances[base].Add(filled)
	case model.SideSell:
		if a.balances[base].LessThan(filled) {
			return res, fmt.Errorf("paper: insufficient %s: need %s, have %s", base, filled, a.balances[base])
		}
		a.balances[base] = a.balances[base].Sub(filled)
		a.balances[quote] = a.balances[quote].Add(notional.Sub(fee))
	default:
		return res, fmt.Errorf("paper: unknown side %q", side)
	}

	res.ExecutedQuantity = filled
	res.ExecutedPrice = notional.DivRound(filled, 12)
	res.Fee = fee
	res.Success = true
	return res, nil
}
