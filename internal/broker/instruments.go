package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"tradegate/internal/errors"
	"tradegate/internal/models"
)

// SearchFunc looks up candidate instruments for a symbol on an exchange.
type SearchFunc func(ctx context.Context, exchange models.Exchange, symbol string) ([]models.Instrument, error)

// InstrumentCache maps trading symbols to broker instrument tokens and back.
// Entries are filled on first use and never expire.
type InstrumentCache struct {
	search SearchFunc

	mu       sync.RWMutex
	bySymbol map[string]models.Instrument // key: exchange:symbol
	byToken  map[string]map[models.Exchange]string // token -> exchange -> symbol
	group    singleflight.Group
}

// NewInstrumentCache creates a cache that resolves misses with search.
func NewInstrumentCache(search SearchFunc) *InstrumentCache {
	return &InstrumentCache{
		search:   search,
		bySymbol: make(map[string]models.Instrument),
		byToken:  make(map[string]map[models.Exchange]string),
	}
}

func instrumentKey(exchange models.Exchange, symbol string) string {
	return fmt.Sprintf("%s:%s", exchange, strings.ToUpper(symbol))
}

// Lookup returns a cached instrument without searching.
func (c *InstrumentCache) Lookup(exchange models.Exchange, symbol string) (models.Instrument, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	inst, ok := c.bySymbol[instrumentKey(exchange, symbol)]
	return inst, ok
}

// Resolve returns the instrument for symbol, searching on a cache miss.
// Concurrent misses for the same symbol share one search.
func (c *InstrumentCache) Resolve(ctx context.Context, exchange models.Exchange, symbol string) (models.Instrument, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if inst, ok := c.Lookup(exchange, symbol); ok {
		return inst, nil
	}

	key := instrumentKey(exchange, symbol)
	// The search ignores the first caller's cancellation; each caller waits
	// on its own context. The transport timeout bounds the search.
	searchCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (interface{}, error) {
		if inst, ok := c.Lookup(exchange, symbol); ok {
			return inst, nil
		}

		candidates, err := c.search(searchCtx, exchange, symbol)
		if err != nil {
			return nil, err
		}

		inst, ok := pickInstrument(symbol, candidates)
		if !ok {
			return nil, errors.Wrapf(errors.ErrSymbolNotFound, "%s", key)
		}
		if inst.Exchange == "" {
			inst.Exchange = exchange
		}

		c.mu.Lock()
		c.bySymbol[key] = inst
		c.addToken(exchange, inst.Token, symbol)
		c.mu.Unlock()

		return inst, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return models.Instrument{}, res.Err
		}
		return res.Val.(models.Instrument), nil
	case <-ctx.Done():
		return models.Instrument{}, ctx.Err()
	}
}

// addToken records the reverse mapping. Callers hold c.mu.
func (c *InstrumentCache) addToken(exchange models.Exchange, token, symbol string) {
	m := c.byToken[token]
	if m == nil {
		m = make(map[models.Exchange]string)
		c.byToken[token] = m
	}
	m[exchange] = symbol
}

// Register records a known symbol/token pair.
func (c *InstrumentCache) Register(exchange models.Exchange, symbol, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	symbol = strings.ToUpper(symbol)
	c.bySymbol[instrumentKey(exchange, symbol)] = models.Instrument{Token: token, Symbol: symbol, Exchange: exchange}
	c.addToken(exchange, token, symbol)
}

// SymbolFor returns the trading symbol registered for a token. Tokens are
// only unique within an exchange; with no exchange the token must map to a
// single symbol.
func (c *InstrumentCache) SymbolFor(exchange models.Exchange, token string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	m := c.byToken[token]
	if exchange != "" {
		symbol, ok := m[exchange]
		return symbol, ok
	}
	if len(m) != 1 {
		return "", false
	}
	for _, symbol := range m {
		return symbol, true
	}
	return "", false
}

// pickInstrument chooses the first accepted match: an exact trading symbol,
// then the cash-segment "-EQ" series, then the first candidate.
func pickInstrument(symbol string, candidates []models.Instrument) (models.Instrument, bool) {
	if len(candidates) == 0 {
		return models.Instrument{}, false
	}

	want := strings.ToUpper(symbol)
	for _, c := range candidates {
		if strings.ToUpper(c.Symbol) == want {
			return c, true
		}
	}
	for _, c := range candidates {
		if strings.ToUpper(c.Symbol) == want+"-EQ" {
			return c, true
		}
	}

	return candidates[0], true
}
