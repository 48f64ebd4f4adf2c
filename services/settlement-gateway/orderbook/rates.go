package orderbook

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	coreerrors "p2pescrow/core/errors"
)

// ErrRateUnavailable is returned when no exchange rate is known for a
// currency.
var ErrRateUnavailable = coreerrors.New(coreerrors.ErrExternal, "rate_unavailable", "orderbook: exchange rate unavailable")

// RateSource quotes local units per settlement unit for a currency.
type RateSource interface {
	Rate(ctx context.Context, currency string) (decimal.Decimal, error)
}

// StaticRates serves fixed rates from configuration.
type StaticRates struct {
	mu    sync.RWMutex
	rates map[string]decimal.Decimal
}

// NewStaticRates parses currency → rate strings.
func NewStaticRates(raw map[string]string) (*StaticRates, error) {
	s := &StaticRates{rates: make(map[string]decimal.Decimal, len(raw))}
	for currency, value := range raw {
		rate, err := decimal.NewFromString(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("orderbook: rate for %s: %w", currency, err)
		}
		if err := s.Set(currency, rate); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Set replaces the rate for currency.
func (s *StaticRates) Set(currency string, rate decimal.Decimal) error {
	if !rate.IsPositive() {
		return fmt.Errorf("orderbook: rate for %s must be positive", currency)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rates[strings.ToUpper(strings.TrimSpace(currency))] = rate
	return nil
}

// Rate implements RateSource.
func (s *StaticRates) Rate(_ context.Context, currency string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rate, ok := s.rates[strings.ToUpper(strings.TrimSpace(currency))]
	if !ok {
		return decimal.Zero, ErrRateUnavailable
	}
	return rate, nil
}
