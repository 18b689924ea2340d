package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"crossarb/internal/config"
	"crossarb/internal/model"
)

const (
	binanceWSURL   = "wss://stream.binance.com:9443/ws"
	binanceRestURL = "https://api.binance.com"
	binanceDepth   = 20
)

// BinanceClient implements the ExchangeClient interface for Binance. Each
// websocket message of the partial depth stream is a full top-N snapshot.
type BinanceClient struct {
	*baseClient
	wsURL   string
	restURL string
}

// NewBinanceClient creates a new BinanceClient.
func NewBinanceClient(logger *slog.Logger, cfg config.ExchangeConfig) *BinanceClient {
	c := &BinanceClient{
		baseClient: newBaseClient("binance", logger, cfg.TakerFeePercent, cfg.Balances),
		wsURL:      binanceWSURL,
		restURL:    binanceRestURL,
	}
	if cfg.WebsocketURL != "" {
		c.wsURL = cfg.WebsocketURL
	}
	if cfg.RestURL != "" {
		c.restURL = cfg.RestURL
	}
	return c
}

func binanceSymbol(pair model.TradingPair) string {
	return pair.Base + pair.Quote
}

// binanceDepthMessage is shared by the depth stream and the REST depth endpoint.
type binanceDepthMessage struct {
	LastUpdateID int64       `json:"lastUpdateId"`
	Bids         [][2]string `json:"bids"`
	Asks         [][2]string `json:"asks"`
}

func (m binanceDepthMessage) toUpdate(pair model.TradingPair, ts time.Time) (model.OrderBookUpdate, error) {
	u := model.OrderBookUpdate{Exchange: "binance", Pair: pair, Snapshot: true, Timestamp: ts}
	for _, raw := range m.Bids {
		lvl, err := parseLevel(raw[0], raw[1])
		if err != nil {
			return u, err
		}
		u.Bids = append(u.Bids, lvl)
	}
	for _, raw := range m.Asks {
		lvl, err := parseLevel(raw[0], raw[1])
		if err != nil {
			return u, err
		}
		u.Asks = append(u.Asks, lvl)
	}
	return u, nil
}

// SubscribeToOrderBook streams <symbol>@depth20@100ms snapshots.
func (b *BinanceClient) SubscribeToOrderBook(ctx context.Context, pair model.TradingPair) (<-chan model.OrderBookUpdate, error) {
	stream := fmt.Sprintf("%s/%s@depth%d@100ms", b.wsURL, strings.ToLower(binanceSymbol(pair)), binanceDepth)
	return b.subscribe(ctx, pair, stream, nil, b.readStream)
}

func (b *BinanceClient) readStream(ctx context.Context, c *websocket.Conn, pair model.TradingPair, emit func(model.OrderBookUpdate) error) error {
	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			return err
		}

		var msg binanceDepthMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			b.logger.Warn("Failed to parse message", "error", err)
			continue
		}
		u, err := msg.toUpdate(pair, time.Now())
		if err != nil {
			b.logger.Warn("Failed to parse depth level", "error", err)
			continue
		}
		if err := emit(u); err != nil {
			return err
		}
	}
}

// GetOrderBookSnapshot fetches /api/v3/depth.
func (b *BinanceClient) GetOrderBookSnapshot(ctx context.Context, pair model.TradingPair, depth int) (*model.OrderBook, error) {
	q := url.Values{}
	q.Set("symbol", binanceSymbol(pair))
	q.Set("limit", strconv.Itoa(depth))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.restURL+"/api/v3/depth?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("binance: build depth request: %w", err)
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("binance: depth %s: %w", pair, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("binance: depth %s: status %d", pair, resp.StatusCode)
	}

	var msg binanceDepthMessage
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return nil, fmt.Errorf("binance: decode depth %s: %w", pair, err)
	}
	u, err := msg.toUpdate(pair, time.Now())
	if err != nil {
		return nil, fmt.Errorf("binance: depth %s: %w", pair, err)
	}
	book, err := model.NewOrderBook(b.name, pair, u.Timestamp, u.Bids, u.Asks)
	if err != nil {
		return nil, fmt.Errorf("binance: depth %s: %w", pair, err)
	}
	b.remember(u)
	return book, nil
}
