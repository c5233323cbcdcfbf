package oracle

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"
)

var (
	// ErrNoFreshQuote indicates that no registered source produced a quote
	// within the configured freshness window.
	ErrNoFreshQuote = errors.New("oracle: no fresh quote available")
	// ErrNonPositivePrice indicates a source reported a zero or negative price.
	ErrNonPositivePrice = errors.New("oracle: non-positive price")
	// ErrUnknownToken indicates the token has no configured feed.
	ErrUnknownToken = errors.New("oracle: unknown token")
)

// PriceQuote captures a USD price for a token at 1e18 scale together with the
// observation timestamp and the reporting source identifier.
type PriceQuote struct {
	PriceUSD  *big.Int
	Timestamp time.Time
	Source    string
}

// Clone returns a deep copy of the quote to prevent accidental mutations.
func (q PriceQuote) Clone() PriceQuote {
	clone := PriceQuote{Timestamp: q.Timestamp, Source: q.Source}
	if q.PriceUSD != nil {
		clone.PriceUSD = new(big.Int).Set(q.PriceUSD)
	}
	return clone
}

// PriceOracle resolves the USD price (1e18 scale) for a token symbol.
type PriceOracle interface {
	GetPrice(token string) (PriceQuote, error)
}

// Aggregator consults registered oracles in priority order until a fresh,
// positive quote is obtained. Quotes older than the freshness window or with
// non-positive prices are rejected outright; callers retry later rather than
// settling against a stale price.
type Aggregator struct {
	mu       sync.RWMutex
	priority []string
	oracles  map[string]PriceOracle
	maxAge   time.Duration
	nowFn    func() time.Time
}

// NewAggregator constructs an aggregator with the provided priority order and
// freshness window. A zero maxAge disables the staleness check.
func NewAggregator(priority []string, maxAge time.Duration) *Aggregator {
	return &Aggregator{
		priority: append([]string{}, priority...),
		oracles:  make(map[string]PriceOracle),
		maxAge:   maxAge,
		nowFn:    time.Now,
	}
}

// SetMaxAge updates the freshness window used when filtering quotes.
func (a *Aggregator) SetMaxAge(maxAge time.Duration) {
	if a == nil {
		return
	}
	a.mu.Lock()
	a.maxAge = maxAge
	a.mu.Unlock()
}

// SetNowFunc overrides the clock. Primarily intended for deterministic tests.
func (a *Aggregator) SetNowFunc(now func() time.Time) {
	if a == nil || now == nil {
		return
	}
	a.mu.Lock()
	a.nowFn = now
	a.mu.Unlock()
}

// Register adds or replaces an oracle under the supplied identifier.
// Identifiers are stored in lowercase so lookups remain consistent regardless
// of configuration casing.
func (a *Aggregator) Register(name string, source PriceOracle) {
	if a == nil {
		return
	}
	trimmed := strings.ToLower(strings.TrimSpace(name))
	if trimmed == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.oracles[trimmed] = source
	for _, entry := range a.priority {
		if entry == trimmed {
			return
		}
	}
	a.priority = append(a.priority, trimmed)
}

// GetPrice implements PriceOracle by walking the priority list.
func (a *Aggregator) GetPrice(token string) (PriceQuote, error) {
	if a == nil {
		return PriceQuote{}, ErrNoFreshQuote
	}
	a.mu.RLock()
	priority := append([]string{}, a.priority...)
	oracles := make(map[string]PriceOracle, len(a.oracles))
	for name, src := range a.oracles {
		oracles[name] = src
	}
	maxAge := a.maxAge
	now := a.nowFn()
	a.mu.RUnlock()

	var lastErr error
	for _, name := range priority {
		source, ok := oracles[name]
		if !ok || source == nil {
			continue
		}
		quote, err := source.GetPrice(token)
		if err != nil {
			lastErr = err
			continue
		}
		if quote.PriceUSD == nil || quote.PriceUSD.Sign() <= 0 {
			lastErr = ErrNonPositivePrice
			continue
		}
		if maxAge > 0 && now.Sub(quote.Timestamp) > maxAge {
			lastErr = fmt.Errorf("%w: %s quote from %s is stale", ErrNoFreshQuote, token, name)
			continue
		}
		if quote.Source == "" {
			quote.Source = name
		}
		return quote.Clone(), nil
	}
	if lastErr != nil {
		return PriceQuote{}, lastErr
	}
	return PriceQuote{}, ErrNoFreshQuote
}

// Static is a fixed price table, used for tests and simulations.
type Static struct {
	mu     sync.RWMutex
	prices map[string]*big.Int
	nowFn  func() time.Time
}

// NewStatic builds a static oracle from the provided table.
func NewStatic(prices map[string]*big.Int) *Static {
	table := make(map[string]*big.Int, len(prices))
	for token, price := range prices {
		if price != nil {
			table[strings.ToUpper(token)] = new(big.Int).Set(price)
		}
	}
	return &Static{prices: table, nowFn: time.Now}
}

// SetPrice records or replaces the price for a token.
func (s *Static) SetPrice(token string, price *big.Int) {
	if s == nil || price == nil {
		return
	}
	s.mu.Lock()
	s.prices[strings.ToUpper(token)] = new(big.Int).Set(price)
	s.mu.Unlock()
}

// GetPrice implements PriceOracle.
func (s *Static) GetPrice(token string) (PriceQuote, error) {
	if s == nil {
		return PriceQuote{}, ErrUnknownToken
	}
	s.mu.RLock()
	price, ok := s.prices[strings.ToUpper(token)]
	now := s.nowFn()
	s.mu.RUnlock()
	if !ok {
		return PriceQuote{}, fmt.Errorf("%w: %s", ErrUnknownToken, token)
	}
	if price.Sign() <= 0 {
		return PriceQuote{}, ErrNonPositivePrice
	}
	return PriceQuote{PriceUSD: new(big.Int).Set(price), Timestamp: now, Source: "static"}, nil
}
