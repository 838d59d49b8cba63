package exchange

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/fundingbot/accounts"
)

// venueLimits are conservative per-venue request budgets.
var venueLimits = map[string]struct {
	rps   float64
	burst int
}{
	"binance": {rps: 10, burst: 20},
	"okx":     {rps: 5, burst: 10},
	"bitget":  {rps: 5, burst: 10},
}

// Registry owns the live driver set, built from the account store. Drivers
// are wrapped with Guard before they are handed out.
type Registry struct {
	store *accounts.Store

	mu      sync.RWMutex
	drivers map[string]Driver
}

func NewRegistry(store *accounts.Store) *Registry {
	return &Registry{store: store, drivers: make(map[string]Driver)}
}

func build(acc accounts.Account) (Driver, error) {
	switch acc.Exchange {
	case "binance":
		return NewBinance(acc.APIKey, acc.APISecret), nil
	case "okx":
		return NewOKX(acc.APIKey, acc.APISecret, acc.Passphrase), nil
	case "bitget":
		return NewBitget(acc.APIKey, acc.APISecret, acc.Passphrase), nil
	}
	return nil, fmt.Errorf("unknown exchange %q", acc.Exchange)
}

// Reload rebuilds the driver set from the account store.
func (r *Registry) Reload() error {
	next := make(map[string]Driver)
	for _, name := range r.store.Active() {
		acc, ok := r.store.Get(name)
		if !ok {
			continue
		}
		raw, err := build(acc)
		if err != nil {
			log.Warn().Str("exchange", name).Err(err).Msg("⚠️ Skipping exchange account")
			continue
		}
		limits, ok := venueLimits[name]
		if !ok {
			limits.rps, limits.burst = 5, 10
		}
		next[name] = Guard(raw, limits.rps, limits.burst)
	}

	r.mu.Lock()
	r.drivers = next
	r.mu.Unlock()
	log.Info().Int("exchanges", len(next)).Msg("🔌 Exchange drivers ready")
	return nil
}

// Get returns the driver for one venue.
func (r *Registry) Get(exchange string) (Driver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[exchange]
	return d, ok
}

// All returns a snapshot of the live drivers keyed by venue name.
func (r *Registry) All() map[string]Driver {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Driver, len(r.drivers))
	for name, d := range r.drivers {
		out[name] = d
	}
	return out
}

// Set injects a driver directly. Tests and simulation use this to bypass
// account-based construction.
func (r *Registry) Set(name string, d Driver) {
	r.mu.Lock()
	r.drivers[name] = d
	r.mu.Unlock()
}
