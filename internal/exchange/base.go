package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"crossarb/internal/model"
)

const (
	minBackoff   = time.Second
	maxBackoff   = 16 * time.Second
	streamBuffer = 64
)

// streamFunc runs one websocket session for pair and forwards parsed updates
// through emit. It returns when the connection drops, ctx ends or emit fails;
// the caller then reconnects, which resubscribes and yields a fresh snapshot.
type streamFunc func(ctx context.Context, conn *websocket.Conn, pair model.TradingPair, emit func(model.OrderBookUpdate) error) error

// baseClient carries what every venue shares: subscriptions, the reconnect
// loop, a local copy of each streamed book and the paper account.
type baseClient struct {
	name   string
	logger *slog.Logger
	http   *http.Client
	paper  *paperAccount
	dialer *websocket.Dialer

	mu    sync.Mutex
	subs  map[model.TradingPair]*subscription
	books map[model.TradingPair]*model.OrderBook
}

type subscription struct {
	cancel context.CancelFunc
}

func newBaseClient(name string, logger *slog.Logger, feePercent float64, balances map[string]float64) *baseClient {
	return &baseClient{
		name:   name,
		logger: logger.With("component", "exchange", "exchange", name),
		http:   &http.Client{Timeout: 10 * time.Second},
		paper:  newPaperAccount(feePercent, balances),
		dialer: websocket.DefaultDialer,
		subs:   make(map[model.TradingPair]*subscription),
		books:  make(map[model.TradingPair]*model.OrderBook),
	}
}

func (b *baseClient) GetName() string {
	return b.name
}

// subscribe starts the reconnecting stream loop for pair.
func (b *baseClient) subscribe(ctx context.Context, pair model.TradingPair, url string, onConnect func(*websocket.Conn) error, run streamFunc) (<-chan model.OrderBookUpdate, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[pair]; ok {
		return nil, fmt.Errorf("%s: already subscribed to %s", b.name, pair)
	}
	ctx, cancel := context.WithCancel(ctx)
	sub := &subscription{cancel: cancel}
	b.subs[pair] = sub

	out := make(chan model.OrderBookUpdate, streamBuffer)
	go func() {
		defer close(out)
		defer b.forget(pair, sub)
		b.streamLoop(ctx, pair, url, onConnect, run, out)
	}()
	return out, nil
}

func (b *baseClient) forget(pair model.TradingPair, sub *subscription) {
	sub.cancel()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[pair] == sub {
		delete(b.subs, pair)
	}
}

// UnsubscribeFromOrderBook stops the stream for pair; its channel is closed.
func (b *baseClient) UnsubscribeFromOrderBook(pair model.TradingPair) error {
	b.mu.Lock()
	sub, ok := b.subs[pair]
	delete(b.subs, pair)
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w: %s", b.name, ErrNotSubscribed, pair)
	}
	sub.cancel()
	return nil
}

func (b *baseClient) streamLoop(ctx context.Context, pair model.TradingPair, url string, onConnect func(*websocket.Conn) error, run streamFunc, out chan<- model.OrderBookUpdate) {
	backoff := minBackoff
	emit := func(u model.OrderBookUpdate) error {
		if err := b.remember(u); err != nil {
			return err
		}
		select {
		case out <- u:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for {
		if ctx.Err() != nil {
			b.logger.Info("Context cancelled, shutting down stream", "pair", pair.String())
			return
		}

		b.logger.Info("Connecting to WebSocket", "url", url, "pair", pair.String(), "backoff", backoff)
		c, _, err := b.dialer.DialContext(ctx, url, nil)
		if err == nil && onConnect != nil {
			if err = onConnect(c); err != nil {
				c.Close()
			}
		}
		if err != nil {
			b.logger.Error("WebSocket connection failed", "pair", pair.String(), "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
				backoff = min(backoff*2, maxBackoff)
			}
			continue
		}

		// Reset backoff on successful connection
		backoff = minBackoff
		b.logger.Info("Connected successfully", "pair", pair.String())

		connDone := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				c.Close()
			case <-connDone:
			}
		}()
		err = run(ctx, c, pair, emit)
		close(connDone)
		c.Close()
		if ctx.Err() == nil {
			b.logger.Warn("Stream interrupted, reconnecting", "pair", pair.String(), "error", err)
		}
	}
}

// remember keeps the local book used for paper fills in sync with the stream.
// A delta the local book rejects leaves it unusable: the book is dropped and
// ErrBookOutOfSync is returned so the session is restarted.
func (b *baseClient) remember(u model.OrderBookUpdate) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	prev, ok := b.books[u.Pair]
	if !u.Snapshot && !ok {
		return nil
	}
	if !ok {
		prev = &model.OrderBook{Exchange: b.name, Pair: u.Pair}
	}
	next, err := prev.Apply(u)
	if err != nil {
		if u.Snapshot {
			b.logger.Warn("Rejected order book snapshot", "pair", u.Pair.String(), "error", err)
			return nil
		}
		delete(b.books, u.Pair)
		return fmt.Errorf("%s: %w: %s: %v", b.name, ErrBookOutOfSync, u.Pair, err)
	}
	b.books[u.Pair] = next
	return nil
}

func (b *baseClient) localBook(pair model.TradingPair) (*model.OrderBook, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	book, ok := b.books[pair]
	return book, ok
}

// PlaceMarketOrder fills against the latest local book of pair.
func (b *baseClient) PlaceMarketOrder(ctx context.Context, pair model.TradingPair, side model.Side, quantity decimal.Decimal) (model.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return model.OrderResult{}, err
	}
	book, ok := b.localBook(pair)
	if !ok {
		return model.OrderResult{}, fmt.Errorf("%s: no book for %s: %w", b.name, pair, ErrNoLiquidity)
	}
	res, err := b.paper.fill(book, side, quantity)
	res.OrderID = uuid.NewString()
	res.Exchange = b.name
	res.Timestamp = time.Now()
	if err != nil {
		res.Error = err.Error()
		b.logger.Warn("Order rejected", "pair", pair.String(), "side", side, "quantity", quantity, "error", err)
		return res, nil
	}
	b.logger.Info("Order filled", "pair", pair.String(), "side", side, "quantity", res.ExecutedQuantity, "price", res.ExecutedPrice, "fee", res.Fee)
	return res, nil
}

func (b *baseClient) GetBalances(ctx context.Context) (map[string]model.Balance, error) {
	return b.paper.snapshot(), nil
}

// parseLevel converts a pair of decimal strings into a book entry.
func parseLevel(price, qty string) (model.OrderBookEntry, error) {
	p, err := decimal.NewFromString(price)
	if err != nil {
		return model.OrderBookEntry{}, fmt.Errorf("price %q: %w", price, err)
	}
	q, err := decimal.NewFromString(qty)
	if err != nil {
		return model.OrderBookEntry{}, fmt.Errorf("quantity %q: %w", qty, err)
	}
	return model.OrderBookEntry{Price: p, Quantity: q}, nil
}
