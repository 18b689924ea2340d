package exchange

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"crossarb/internal/config"
)

// NewClient creates a new exchange client based on the given name and configuration.
func NewClient(name string, logger *slog.Logger, cfg config.ExchangeConfig) (ExchangeClient, error) {
	switch name {
	case "kraken":
		return NewKrakenClient(logger, cfg), nil
	case "binance":
		return NewBinanceClient(logger, cfg), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownExchange, name)
	}
}

// Registry maps exchange ids to clients.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]ExchangeClient
}

func NewRegistry(clients ...ExchangeClient) *Registry {
	r := &Registry{clients: make(map[string]ExchangeClient, len(clients))}
	for _, c := range clients {
		r.Register(c)
	}
	return r
}

// NewRegistryFromConfig builds a client for every listed exchange.
func NewRegistryFromConfig(logger *slog.Logger, names []string, cfgs map[string]config.ExchangeConfig) (*Registry, error) {
	r := NewRegistry()
	for _, name := range names {
		c, err := NewClient(name, logger, cfgs[name])
		if err != nil {
			return nil, err
		}
		r.Register(c)
	}
	return r, nil
}

func (r *Registry) Register(c ExchangeClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.GetName()] = c
}

// Get returns the client registered under name.
func (r *Registry) Get(name string) (ExchangeClient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownExchange, name)
	}
	return c, nil
}

// Names returns the registered exchange ids in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
