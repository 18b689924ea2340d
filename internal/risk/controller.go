// Package risk holds the trading limits consulted by the detector and the executor.
package risk

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"crossarb/internal/model"
)

var (
	ErrConcurrencyLimit    = errors.New("max concurrent trades reached")
	ErrCooldown            = errors.New("pair is cooling down")
	ErrCapitalLimit        = errors.New("trade exceeds capital limit")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrBelowMinimumProfit  = errors.New("below minimum profit")
)

// ProfileSource serves the current risk profile. Implementations must return
// a complete snapshot on every call.
type ProfileSource interface {
	RiskProfile() model.RiskProfile
}

// StaticProfile is a ProfileSource that never changes.
type StaticProfile model.RiskProfile

func (s StaticProfile) RiskProfile() model.RiskProfile {
	return model.RiskProfile(s)
}

type pairState struct {
	busy         bool
	lastFinished time.Time
}

// Controller enforces the concurrency cap and per-pair cooldown, and scores
// opportunities against the current profile.
type Controller struct {
	source ProfileSource
	now    func() time.Time

	mu       sync.Mutex
	inFlight int
	pairs    map[model.TradingPair]*pairState
}

// NewController creates a Controller reading limits from source.
func NewController(source ProfileSource) *Controller {
	return &Controller{
		source: source,
		now:    time.Now,
		pairs:  make(map[model.TradingPair]*pairState),
	}
}

// Profile returns the current risk profile snapshot.
func (c *Controller) Profile() model.RiskProfile {
	return c.source.RiskProfile()
}

// Qualifies reports whether an opportunity clears the profit thresholds.
func (c *Controller) Qualifies(profile model.RiskProfile, opp model.ArbitrageOpportunity) error {
	if !opp.EffectiveQuantity.IsPositive() {
		return fmt.Errorf("%w: no tradeable quantity", ErrBelowMinimumProfit)
	}
	if opp.SpreadPercentage.LessThan(profile.MinimumProfitPercentage) {
		return fmt.Errorf("%w: spread %s%% < %s%%", ErrBelowMinimumProfit, opp.SpreadPercentage.StringFixed(4), profile.MinimumProfitPercentage)
	}
	if !opp.EstimatedProfit.IsPositive() {
		return fmt.Errorf("%w: estimated profit %s", ErrBelowMinimumProfit, opp.EstimatedProfit)
	}
	return nil
}

// MaxQuantity caps a quantity so that quantity*price stays within the
// absolute per-trade capital limit.
func (c *Controller) MaxQuantity(profile model.RiskProfile, price decimal.Decimal) decimal.Decimal {
	if !price.IsPositive() {
		return decimal.Zero
	}
	return profile.MaxCapitalPerTrade.DivRound(price, 12)
}

// CheckCapital validates the notional of a buy against the absolute limit and,
// when configured, the share of the available quote balance.
func (c *Controller) CheckCapital(profile model.RiskProfile, notional, available decimal.Decimal) error {
	// DivRound in MaxQuantity may leave the notional a hair above the limit.
	tolerance := decimal.New(1, -8)
	if notional.GreaterThan(profile.MaxCapitalPerTrade.Add(tolerance)) {
		return fmt.Errorf("%w: notional %s > %s", ErrCapitalLimit, notional, profile.MaxCapitalPerTrade)
	}
	if notional.GreaterThan(available) {
		return fmt.Errorf("%w: need %s, available %s", ErrInsufficientBalance, notional, available)
	}
	if profile.MaxCapitalPercentage.IsPositive() {
		limit := available.Mul(profile.MaxCapitalPercentage).Div(decimal.NewFromInt(100))
		if notional.GreaterThan(limit) {
			return fmt.Errorf("%w: notional %s > %s%% of %s", ErrCapitalLimit, notional, profile.MaxCapitalPercentage, available)
		}
	}
	return nil
}

// Admit reserves an execution slot for pair. The returned release function
// must be called exactly once; executed=true starts the pair's cooldown.
func (c *Controller) Admit(pair model.TradingPair) (release func(executed bool), err error) {
	profile := c.source.RiskProfile()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inFlight >= profile.MaxConcurrentTrades {
		return nil, fmt.Errorf("%w (%d/%d)", ErrConcurrencyLimit, c.inFlight, profile.MaxConcurrentTrades)
	}
	st, ok := c.pairs[pair]
	if !ok {
		st = &pairState{}
		c.pairs[pair] = st
	}
	if st.busy {
		return nil, fmt.Errorf("%w: %s has an execution in flight", ErrCooldown, pair)
	}
	if !st.lastFinished.IsZero() {
		if left := profile.Cooldown - c.now().Sub(st.lastFinished); left > 0 {
			return nil, fmt.Errorf("%w: %s for another %s", ErrCooldown, pair, left.Round(time.Millisecond))
		}
	}

	st.busy = true
	c.inFlight++

	var once sync.Once
	return func(executed bool) {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			st.busy = false
			if executed {
				st.lastFinished = c.now()
			}
			c.inFlight--
		})
	}, nil
}

// InFlight returns the number of reserved execution slots.
func (c *Controller) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}
