package model

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidLevel = errors.New("invalid price level")
	ErrCrossedBook  = errors.New("crossed order book")
)

// OrderBookEntry is one price level. A zero quantity in an update removes the level.
type OrderBookEntry struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// OrderBook is an immutable view of one exchange's book for a pair. Bids are
// sorted by descending price and asks by ascending price, with unique prices.
type OrderBook struct {
	Exchange  string
	Pair      TradingPair
	Timestamp time.Time
	Bids      []OrderBookEntry
	Asks      []OrderBookEntry
}

// OrderBookUpdate is one item of an exchange feed. A snapshot replaces the
// whole book; otherwise the levels are merged into the existing book. A
// positive Depth caps each side of the resulting book at that many levels.
type OrderBookUpdate struct {
	Exchange  string
	Pair      TradingPair
	Snapshot  bool
	Bids      []OrderBookEntry
	Asks      []OrderBookEntry
	Depth     int
	Timestamp time.Time
}

// NewOrderBook builds a normalized book from raw levels. Zero-quantity levels
// are skipped and a repeated price keeps its last quantity.
func NewOrderBook(exchange string, pair TradingPair, ts time.Time, bids, asks []OrderBookEntry) (*OrderBook, error) {
	b, err := mergeSide(nil, bids, true, false)
	if err != nil {
		return nil, fmt.Errorf("bids: %w", err)
	}
	a, err := mergeSide(nil, asks, false, false)
	if err != nil {
		return nil, fmt.Errorf("asks: %w", err)
	}
	book := &OrderBook{Exchange: exchange, Pair: pair, Timestamp: ts, Bids: b, Asks: a}
	if book.crossed() {
		return nil, ErrCrossedBook
	}
	return book, nil
}

// Apply returns a new book with the update applied. The receiver is never modified.
func (ob *OrderBook) Apply(u OrderBookUpdate) (*OrderBook, error) {
	if u.Snapshot {
		next, err := NewOrderBook(ob.Exchange, ob.Pair, u.Timestamp, u.Bids, u.Asks)
		if err != nil {
			return nil, err
		}
		next.truncate(u.Depth)
		return next, nil
	}
	b, err := mergeSide(ob.Bids, u.Bids, true, true)
	if err != nil {
		return nil, fmt.Errorf("bids: %w", err)
	}
	a, err := mergeSide(ob.Asks, u.Asks, false, true)
	if err != nil {
		return nil, fmt.Errorf("asks: %w", err)
	}
	ts := u.Timestamp
	if ts.Before(ob.Timestamp) {
		ts = ob.Timestamp
	}
	next := &OrderBook{Exchange: ob.Exchange, Pair: ob.Pair, Timestamp: ts, Bids: b, Asks: a}
	next.truncate(u.Depth)
	if next.crossed() {
		return nil, ErrCrossedBook
	}
	return next, nil
}

// truncate drops levels beyond depth on both sides. Only call it on a book
// that has not been shared yet.
func (ob *OrderBook) truncate(depth int) {
	if depth <= 0 {
		return
	}
	if len(ob.Bids) > depth {
		ob.Bids = ob.Bids[:depth]
	}
	if len(ob.Asks) > depth {
		ob.Asks = ob.Asks[:depth]
	}
}

// BestBid returns the highest bid level.
func (ob *OrderBook) BestBid() (OrderBookEntry, bool) {
	if len(ob.Bids) == 0 {
		return OrderBookEntry{}, false
	}
	return ob.Bids[0], true
}

// BestAsk returns the lowest ask level.
func (ob *OrderBook) BestAsk() (OrderBookEntry, bool) {
	if len(ob.Asks) == 0 {
		return OrderBookEntry{}, false
	}
	return ob.Asks[0], true
}

// Quote summarizes the top of the book.
func (ob *OrderBook) Quote() PriceQuote {
	q := PriceQuote{Exchange: ob.Exchange, Pair: ob.Pair, Timestamp: ob.Timestamp}
	if bid, ok := ob.BestBid(); ok {
		q.BidPrice, q.BidQuantity, q.HasBid = bid.Price, bid.Quantity, true
	}
	if ask, ok := ob.BestAsk(); ok {
		q.AskPrice, q.AskQuantity, q.HasAsk = ask.Price, ask.Quantity, true
	}
	return q
}

func (ob *OrderBook) crossed() bool {
	bid, okBid := ob.BestBid()
	ask, okAsk := ob.BestAsk()
	return okBid && okAsk && bid.Price.GreaterThanOrEqual(ask.Price)
}

// mergeSide copies base, applies levels on top and returns the sorted result.
func mergeSide(base, levels []OrderBookEntry, descending, deleteOnZero bool) ([]OrderBookEntry, error) {
	byPrice := make(map[string]OrderBookEntry, len(base)+len(levels))
	for _, lvl := range base {
		byPrice[lvl.Price.String()] = lvl
	}
	for _, lvl := range levels {
		if !lvl.Price.IsPositive() || lvl.Quantity.IsNegative() {
			return nil, fmt.Errorf("%w: price %s quantity %s", ErrInvalidLevel, lvl.Price, lvl.Quantity)
		}
		key := lvl.Price.String()
		if lvl.Quantity.IsZero() {
			if deleteOnZero {
				delete(byPrice, key)
			}
			continue
		}
		byPrice[key] = lvl
	}

	out := make([]OrderBookEntry, 0, len(byPrice))
	for _, lvl := range byPrice {
		out = append(out, lvl)
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	return out, nil
}
