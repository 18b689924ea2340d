package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
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
	krakenWSURL   = "wss://ws.kraken.com"
	krakenRestURL = "https://api.kraken.com"
	krakenDepth   = 25
)

// KrakenClient implements the ExchangeClient interface for Kraken. The book
// channel sends one snapshot after subscribing, then level deltas.
type KrakenClient struct {
	*baseClient
	wsURL   string
	restURL string
}

// NewKrakenClient creates a new KrakenClient.
func NewKrakenClient(logger *slog.Logger, cfg config.ExchangeConfig) *KrakenClient {
	c := &KrakenClient{
		baseClient: newBaseClient("kraken", logger, cfg.TakerFeePercent, cfg.Balances),
		wsURL:      krakenWSURL,
		restURL:    krakenRestURL,
	}
	if cfg.WebsocketURL != "" {
		c.wsURL = cfg.WebsocketURL
	}
	if cfg.RestURL != "" {
		c.restURL = cfg.RestURL
	}
	return c
}

func krakenAsset(asset string) string {
	if asset == "BTC" {
		return "XBT"
	}
	return asset
}

func krakenWSPair(pair model.TradingPair) string {
	return krakenAsset(pair.Base) + "/" + krakenAsset(pair.Quote)
}

// SubscribeToOrderBook subscribes to the book channel for pair.
func (k *KrakenClient) SubscribeToOrderBook(ctx context.Context, pair model.TradingPair) (<-chan model.OrderBookUpdate, error) {
	onConnect := func(c *websocket.Conn) error {
		subscription := map[string]interface{}{
			"event": "subscribe",
			"pair":  []string{krakenWSPair(pair)},
			"subscription": map[string]interface{}{
				"name":  "book",
				"depth": krakenDepth,
			},
		}
		if err := c.WriteJSON(subscription); err != nil {
			return fmt.Errorf("kraken: send subscription: %w", err)
		}
		return nil
	}
	return k.subscribe(ctx, pair, k.wsURL, onConnect, k.readStream)
}

func (k *KrakenClient) readStream(ctx context.Context, c *websocket.Conn, pair model.TradingPair, emit func(model.OrderBookUpdate) error) error {
	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			return err
		}

		u, ok, err := parseKrakenMessage(message, pair, time.Now())
		if err != nil {
			k.logger.Warn("Failed to parse message", "error", err)
			continue
		}
		if !ok {
			continue
		}
		if err := emit(u); err != nil {
			return err
		}
	}
}

// parseKrakenMessage decodes one websocket frame. ok is false for event
// frames (heartbeat, subscriptionStatus, systemStatus).
func parseKrakenMessage(message []byte, pair model.TradingPair, ts time.Time) (model.OrderBookUpdate, bool, error) {
	u := model.OrderBookUpdate{Exchange: "kraken", Pair: pair, Depth: krakenDepth, Timestamp: ts}
	trimmed := bytes.TrimSpace(message)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		var event struct {
			Event        string `json:"event"`
			Status       string `json:"status"`
			ErrorMessage string `json:"errorMessage"`
		}
		if err := json.Unmarshal(trimmed, &event); err != nil {
			return u, false, err
		}
		if event.Status == "error" {
			return u, false, fmt.Errorf("kraken: %s: %s", event.Event, event.ErrorMessage)
		}
		return u, false, nil
	}

	// [channelID, {book}, ({book},) channelName, pair]
	var frame []json.RawMessage
	if err := json.Unmarshal(trimmed, &frame); err != nil {
		return u, false, err
	}
	if len(frame) < 4 {
		return u, false, fmt.Errorf("kraken: short book frame (%d elements)", len(frame))
	}
	for _, raw := range frame[1 : len(frame)-2] {
		var body map[string]json.RawMessage
		if err := json.Unmarshal(raw, &body); err != nil {
			return u, false, err
		}
		for key, rawLevels := range body {
			if key == "c" {
				// checksum
				continue
			}
			var levels [][]json.RawMessage
			if err := json.Unmarshal(rawLevels, &levels); err != nil {
				return u, false, fmt.Errorf("kraken: %s levels: %w", key, err)
			}
			parsed, err := krakenLevels(levels)
			if err != nil {
				return u, false, err
			}
			switch key {
			case "as":
				u.Snapshot = true
				u.Asks = append(u.Asks, parsed...)
			case "bs":
				u.Snapshot = true
				u.Bids = append(u.Bids, parsed...)
			case "a":
				u.Asks = append(u.Asks, parsed...)
			case "b":
				u.Bids = append(u.Bids, parsed...)
			}
		}
	}
	return u, true, nil
}

// krakenLevels parses [price, volume, timestamp, (flag)] entries.
func krakenLevels(levels [][]json.RawMessage) ([]model.OrderBookEntry, error) {
	out := make([]model.OrderBookEntry, 0, len(levels))
	for _, raw := range levels {
		if len(raw) < 2 {
			return nil, errors.New("kraken: short price level")
		}
		var price, qty string
		if err := json.Unmarshal(raw[0], &price); err != nil {
			return nil, fmt.Errorf("kraken: price: %w", err)
		}
		if err := json.Unmarshal(raw[1], &qty); err != nil {
			return nil, fmt.Errorf("kraken: volume: %w", err)
		}
		lvl, err := parseLevel(price, qty)
		if err != nil {
			return nil, err
		}
		out = append(out, lvl)
	}
	return out, nil
}

// GetOrderBookSnapshot fetches /0/public/Depth.
func (k *KrakenClient) GetOrderBookSnapshot(ctx context.Context, pair model.TradingPair, depth int) (*model.OrderBook, error) {
	q := url.Values{}
	q.Set("pair", krakenAsset(pair.Base)+krakenAsset(pair.Quote))
	q.Set("count", strconv.Itoa(depth))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.restURL+"/0/public/Depth?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("kraken: build depth request: %w", err)
	}
	resp, err := k.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kraken: depth %s: %w", pair, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("kraken: depth %s: status %d", pair, resp.StatusCode)
	}

	var body struct {
		Error  []string `json:"error"`
		Result map[string]struct {
			Asks [][]json.RawMessage `json:"asks"`
			Bids [][]json.RawMessage `json:"bids"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("kraken: decode depth %s: %w", pair, err)
	}
	if len(body.Error) > 0 {
		return nil, fmt.Errorf("kraken: depth %s: %s", pair, strings.Join(body.Error, "; "))
	}

	u := model.OrderBookUpdate{Exchange: k.name, Pair: pair, Snapshot: true, Timestamp: time.Now()}
	// the result is keyed by Kraken's internal pair name; there is exactly one
	for _, side := range body.Result {
		if u.Bids, err = krakenLevels(side.Bids); err != nil {
			return nil, fmt.Errorf("kraken: depth %s: %w", pair, err)
		}
		if u.Asks, err = krakenLevels(side.Asks); err != nil {
			return nil, fmt.Errorf("kraken: depth %s: %w", pair, err)
		}
	}
	book, err := model.NewOrderBook(k.name, pair, u.Timestamp, u.Bids, u.Asks)
	if err != nil {
		return nil, fmt.Errorf("kraken: depth %s: %w", pair, err)
	}
	k.remember(u)
	return book, nil
}
