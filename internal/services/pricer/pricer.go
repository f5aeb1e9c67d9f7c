// Package pricer abstracts the market quote source. The engine never talks
// to a live market; quotes come from whatever implementation is injected.
package pricer

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Failures a quote source may report. The order processor retries both a
// bounded number of times before failing the order.
var (
	ErrNotFound    = errors.New("instrument not found")
	ErrRateLimited = errors.New("rate limited")
)

// Pricer provides the current quote for an instrument.
type Pricer interface {
	GetQuote(ctx context.Context, instrument string) (decimal.Decimal, error)
}

// Static serves quotes from a fixed in-memory table. Used for simulation and
// tests; quotes can be updated at runtime.
type Static struct {
	mu     sync.RWMutex
	quotes map[string]decimal.Decimal
}

// NewStatic creates a Static pricer seeded with the given quotes.
func NewStatic(quotes map[string]decimal.Decimal) *Static {
	table := make(map[string]decimal.Decimal, len(quotes))
	for instrument, price := range quotes {
		table[instrument] = price
	}
	return &Static{quotes: table}
}

// GetQuote implements Pricer.
func (s *Static) GetQuote(_ context.Context, instrument string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	price, ok := s.quotes[instrument]
	if !ok {
		return decimal.Zero, errors.Wrap(ErrNotFound, instrument)
	}
	return price, nil
}

// SetQuote updates the quote for an instrument.
func (s *Static) SetQuote(instrument string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[instrument] = price
}
