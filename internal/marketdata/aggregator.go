// Package marketdata merges per-exchange order book feeds into one
// cross-exchange view.
//
// Every (exchange, pair) feed has its own consumer goroutine and is the only
// writer of its book. Books are published through an atomic pointer, so
// readers never take a lock and never observe a half-applied update.
//
// Update contract: an update flagged Snapshot replaces the whole book; any
// other update is merged level by level (zero quantity deletes the level).
// Deltas that arrive before the first snapshot are dropped.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"crossarb/internal/exchange"
	"crossarb/internal/model"
)

var ErrNoSnapshot = errors.New("update before snapshot")

// ClientSource resolves exchange ids to clients. *exchange.Registry satisfies it.
type ClientSource interface {
	Get(name string) (exchange.ExchangeClient, error)
}

type feedKey struct {
	exchange string
	pair     model.TradingPair
}

type published struct {
	book  *model.OrderBook
	quote model.PriceQuote
}

type feed struct {
	key    feedKey
	client exchange.ExchangeClient
	cancel context.CancelFunc
	done   chan struct{}

	state      atomic.Pointer[published]
	stopped    atomic.Bool
	updates    atomic.Int64
	dropped    atomic.Int64
	lastErr    atomic.Pointer[string]
	lastUpdate atomic.Int64
}

func (f *feed) setErr(err error) {
	msg := err.Error()
	f.lastErr.Store(&msg)
}

// FeedStatus describes one subscription for diagnostics.
type FeedStatus struct {
	Exchange   string
	Pair       model.TradingPair
	Running    bool
	HasBook    bool
	LastUpdate time.Time
	Updates    int64
	Dropped    int64
	LastError  string
}

// Aggregator holds the latest order book per (exchange, pair).
type Aggregator struct {
	clients ClientSource
	logger  *slog.Logger
	depth   int

	// subMu serializes Subscribe/Unsubscribe; reads go through feeds only.
	subMu sync.Mutex
	feeds sync.Map // feedKey -> *feed
}

// NewAggregator creates an Aggregator; depth is the size of the initial REST snapshot.
func NewAggregator(logger *slog.Logger, clients ClientSource, depth int) *Aggregator {
	return &Aggregator{
		clients: clients,
		logger:  logger.With("component", "aggregator"),
		depth:   depth,
	}
}

// Subscribe starts consuming the feed of exchange for pair. Subscribing to a
// live feed again is a no-op; a feed whose stream ended is restarted.
func (a *Aggregator) Subscribe(ctx context.Context, exchangeName string, pair model.TradingPair) error {
	a.subMu.Lock()
	defer a.subMu.Unlock()

	key := feedKey{exchange: exchangeName, pair: pair}
	if v, ok := a.feeds.Load(key); ok {
		f := v.(*feed)
		if !f.stopped.Load() {
			return nil
		}
		a.stopFeed(f)
	}

	client, err := a.clients.Get(exchangeName)
	if err != nil {
		return fmt.Errorf("aggregator: subscribe %s %s: %w", exchangeName, pair, err)
	}

	fctx, cancel := context.WithCancel(ctx)
	updates, err := client.SubscribeToOrderBook(fctx, pair)
	if err != nil {
		cancel()
		return fmt.Errorf("aggregator: subscribe %s %s: %w", exchangeName, pair, err)
	}

	f := &feed{key: key, client: client, cancel: cancel, done: make(chan struct{})}
	a.feeds.Store(key, f)
	go a.consume(fctx, f, updates)
	go a.seed(fctx, f)

	a.logger.Info("Subscribed", "exchange", exchangeName, "pair", pair.String())
	return nil
}

// Unsubscribe stops the feed and drops it from the active set. Books already
// handed out stay valid.
func (a *Aggregator) Unsubscribe(exchangeName string, pair model.TradingPair) {
	a.subMu.Lock()
	defer a.subMu.Unlock()

	v, ok := a.feeds.Load(feedKey{exchange: exchangeName, pair: pair})
	if !ok {
		return
	}
	a.stopFeed(v.(*feed))
	a.logger.Info("Unsubscribed", "exchange", exchangeName, "pair", pair.String())
}

// UnsubscribeAll stops every feed and waits for the consumers to exit.
func (a *Aggregator) UnsubscribeAll() {
	a.subMu.Lock()
	defer a.subMu.Unlock()

	a.feeds.Range(func(_, v any) bool {
		a.stopFeed(v.(*feed))
		return true
	})
}

// stopFeed must be called with subMu held.
func (a *Aggregator) stopFeed(f *feed) {
	a.feeds.Delete(f.key)
	f.cancel()
	if err := f.client.UnsubscribeFromOrderBook(f.key.pair); err != nil && !errors.Is(err, exchange.ErrNotSubscribed) {
		a.logger.Warn("Unsubscribe failed", "exchange", f.key.exchange, "pair", f.key.pair.String(), "error", err)
	}
	<-f.done
}

// seed requests the initial snapshot. It only lands if the stream has not
// already published a book.
func (a *Aggregator) seed(ctx context.Context, f *feed) {
	book, err := f.client.GetOrderBookSnapshot(ctx, f.key.pair, a.depth)
	if err != nil {
		if ctx.Err() == nil {
			f.setErr(err)
			a.logger.Warn("Initial snapshot failed, waiting for stream", "exchange", f.key.exchange, "pair", f.key.pair.String(), "error", err)
		}
		return
	}
	book.Exchange, book.Pair = f.key.exchange, f.key.pair
	if f.state.CompareAndSwap(nil, &published{book: book, quote: book.Quote()}) {
		f.lastUpdate.Store(book.Timestamp.UnixNano())
	}
}

func (a *Aggregator) consume(ctx context.Context, f *feed, updates <-chan model.OrderBookUpdate) {
	defer close(f.done)
	defer f.stopped.Store(true)

	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				if ctx.Err() == nil {
					f.setErr(errors.New("stream stopped"))
					a.logger.Warn("Feed stream stopped", "exchange", f.key.exchange, "pair", f.key.pair.String())
				}
				return
			}
			if err := a.apply(f, u); err != nil {
				f.dropped.Add(1)
				if errors.Is(err, ErrNoSnapshot) {
					a.logger.Debug("Dropped update", "exchange", f.key.exchange, "pair", f.key.pair.String(), "error", err)
					continue
				}
				f.setErr(err)
				a.logger.Warn("Dropped malformed update", "exchange", f.key.exchange, "pair", f.key.pair.String(), "error", err)
			}
		}
	}
}

func (a *Aggregator) apply(f *feed, u model.OrderBookUpdate) error {
	if u.Exchange != "" && u.Exchange != f.key.exchange {
		return fmt.Errorf("update for exchange %q on %s feed", u.Exchange, f.key.exchange)
	}
	if u.Pair != (model.TradingPair{}) && u.Pair != f.key.pair {
		return fmt.Errorf("update for pair %s on %s feed", u.Pair, f.key.pair)
	}
	if u.Timestamp.IsZero() {
		u.Timestamp = time.Now()
	}

	var (
		next *model.OrderBook
		err  error
	)
	prev := f.state.Load()
	switch {
	case u.Snapshot:
		empty := &model.OrderBook{Exchange: f.key.exchange, Pair: f.key.pair}
		next, err = empty.Apply(u)
	case prev == nil:
		return ErrNoSnapshot
	default:
		next, err = prev.book.Apply(u)
	}
	if err != nil {
		return err
	}

	f.state.Store(&published{book: next, quote: next.Quote()})
	f.updates.Add(1)
	f.lastUpdate.Store(next.Timestamp.UnixNano())
	return nil
}

func (a *Aggregator) load(exchangeName string, pair model.TradingPair) (*published, bool) {
	v, ok := a.feeds.Load(feedKey{exchange: exchangeName, pair: pair})
	if !ok {
		return nil, false
	}
	p := v.(*feed).state.Load()
	return p, p != nil
}

// GetLatestOrderBook returns the current book of an active feed.
func (a *Aggregator) GetLatestOrderBook(exchangeName string, pair model.TradingPair) (*model.OrderBook, bool) {
	p, ok := a.load(exchangeName, pair)
	if !ok {
		return nil, false
	}
	return p.book, true
}

// GetQuote returns the top of book of one exchange for pair.
func (a *Aggregator) GetQuote(exchangeName string, pair model.TradingPair) (model.PriceQuote, bool) {
	p, ok := a.load(exchangeName, pair)
	if !ok {
		return model.PriceQuote{}, false
	}
	return p.quote, true
}

// GetQuotes returns the quote of every active exchange with data for pair,
// ordered by exchange id.
func (a *Aggregator) GetQuotes(pair model.TradingPair) []model.PriceQuote {
	var quotes []model.PriceQuote
	a.feeds.Range(func(k, v any) bool {
		if k.(feedKey).pair != pair {
			return true
		}
		if p := v.(*feed).state.Load(); p != nil {
			quotes = append(quotes, p.quote)
		}
		return true
	})
	sort.Slice(quotes, func(i, j int) bool { return quotes[i].Exchange < quotes[j].Exchange })
	return quotes
}

// GetBestBidAskAcrossExchanges picks the highest bid and the lowest ask over
// the active exchanges. Ties go to the larger quantity, then to the smaller
// exchange id.
func (a *Aggregator) GetBestBidAskAcrossExchanges(pair model.TradingPair) model.BestBidAsk {
	best := model.BestBidAsk{Pair: pair}
	for _, q := range a.GetQuotes(pair) {
		if q.HasBid && betterBid(q, best.BestBid) {
			best.BestBid = &q
		}
		if q.HasAsk && betterAsk(q, best.BestAsk) {
			best.BestAsk = &q
		}
	}
	return best
}

func betterBid(q model.PriceQuote, cur *model.PriceQuote) bool {
	if cur == nil {
		return true
	}
	if c := q.BidPrice.Cmp(cur.BidPrice); c != 0 {
		return c > 0
	}
	if c := q.BidQuantity.Cmp(cur.BidQuantity); c != 0 {
		return c > 0
	}
	return q.Exchange < cur.Exchange
}

func betterAsk(q model.PriceQuote, cur *model.PriceQuote) bool {
	if cur == nil {
		return true
	}
	if c := q.AskPrice.Cmp(cur.AskPrice); c != 0 {
		return c < 0
	}
	if c := q.AskQuantity.Cmp(cur.AskQuantity); c != 0 {
		return c > 0
	}
	return q.Exchange < cur.Exchange
}

// GetActiveExchanges lists the exchanges subscribed for pair.
func (a *Aggregator) GetActiveExchanges(pair model.TradingPair) []string {
	var names []string
	a.feeds.Range(func(k, _ any) bool {
		if key := k.(feedKey); key.pair == pair {
			names = append(names, key.exchange)
		}
		return true
	})
	sort.Strings(names)
	return names
}

// GetActiveTradingPairs lists every pair with at least one subscription.
func (a *Aggregator) GetActiveTradingPairs() []model.TradingPair {
	seen := make(map[model.TradingPair]struct{})
	a.feeds.Range(func(k, _ any) bool {
		seen[k.(feedKey).pair] = struct{}{}
		return true
	})
	pairs := make([]model.TradingPair, 0, len(seen))
	for p := range seen {
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].String() < pairs[j].String() })
	return pairs
}

// FeedStatuses reports the state of every subscription.
func (a *Aggregator) FeedStatuses() []FeedStatus {
	var out []FeedStatus
	a.feeds.Range(func(_, v any) bool {
		f := v.(*feed)
		st := FeedStatus{
			Exchange: f.key.exchange,
			Pair:     f.key.pair,
			Running:  !f.stopped.Load(),
			HasBook:  f.state.Load() != nil,
			Updates:  f.updates.Load(),
			Dropped:  f.dropped.Load(),
		}
		if ns := f.lastUpdate.Load(); ns != 0 {
			st.LastUpdate = time.Unix(0, ns)
		}
		if msg := f.lastErr.Load(); msg != nil {
			st.LastError = *msg
		}
		out = append(out, st)
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Exchange != out[j].Exchange {
			return out[i].Exchange < out[j].Exchange
		}
		return out[i].Pair.String() < out[j].Pair.String()
	})
	return out
}
