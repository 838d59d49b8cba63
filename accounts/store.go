// Package accounts keeps decrypted exchange credentials in memory, backed by
// the encrypted exchange_accounts table.
package accounts

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/fundingbot/secrets"
	"github.com/web3guy0/fundingbot/storage"
)

// Account is one venue's decrypted credential set.
type Account struct {
	Exchange   string
	APIKey     string
	APISecret  string
	Passphrase string
}

// Store caches decrypted active accounts. Plaintext never leaves process
// memory.
type Store struct {
	db  *storage.Database
	box *secrets.Box

	mu    sync.RWMutex
	cache map[string]Account
}

func NewStore(db *storage.Database, box *secrets.Box) *Store {
	return &Store{db: db, box: box, cache: make(map[string]Account)}
}

// Load decrypts every active account row into the cache.
func (s *Store) Load() error {
	rows, err := s.db.ActiveAccounts()
	if err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}
	cache := make(map[string]Account, len(rows))
	for _, row := range rows {
		cache[row.ExchangeName] = Account{
			Exchange:   row.ExchangeName,
			APIKey:     s.box.MustOpenValue(row.APIKey),
			APISecret:  s.box.MustOpenValue(row.APISecret),
			Passphrase: s.box.MustOpenValue(row.Passphrase),
		}
	}
	s.mu.Lock()
	s.cache = cache
	s.mu.Unlock()
	log.Info().Int("accounts", len(cache)).Msg("🔐 Exchange accounts loaded")
	return nil
}

// Get returns the decrypted account for a venue.
func (s *Store) Get(exchange string) (Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.cache[exchange]
	return acc, ok
}

// Active lists the venues with loaded credentials.
func (s *Store) Active() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.cache))
	for name := range s.cache {
		out = append(out, name)
	}
	return out
}

// Add encrypts and persists a credential set, then refreshes the cache.
func (s *Store) Add(acc Account) error {
	key, err := s.box.Seal(acc.APIKey)
	if err != nil {
		return err
	}
	secret, err := s.box.Seal(acc.APISecret)
	if err != nil {
		return err
	}
	pass, err := s.box.Seal(acc.Passphrase)
	if err != nil {
		return err
	}
	if err := s.db.SaveAccount(&storage.ExchangeAccount{
		ExchangeName: acc.Exchange,
		APIKey:       key,
		APISecret:    secret,
		Passphrase:   pass,
		IsActive:     true,
	}); err != nil {
		return err
	}
	s.mu.Lock()
	s.cache[acc.Exchange] = acc
	s.mu.Unlock()
	log.Info().Str("exchange", acc.Exchange).Msg("🔐 Exchange account saved")
	return nil
}

// Remove deletes the row and drops it from the cache.
func (s *Store) Remove(exchange string) error {
	if err := s.db.DeleteAccount(exchange); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.cache, exchange)
	s.mu.Unlock()
	return nil
}

// Deactivate keeps the row but stops the engine from using it.
func (s *Store) Deactivate(exchange string) error {
	if err := s.db.SetAccountActive(exchange, false); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.cache, exchange)
	s.mu.Unlock()
	return nil
}
