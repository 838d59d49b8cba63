package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/fundingbot/storage"
)

// Store is the DB-backed runtime configuration cache. Keys are flat
// "category.key" strings; values are JSON-encoded. One writer (operator
// surfaces), many readers.
type Store struct {
	db *storage.Database

	mu    sync.RWMutex
	cache map[string]string
}

func NewStore(db *storage.Database) *Store {
	return &Store{db: db, cache: make(map[string]string)}
}

// Load reads every config row into the cache.
func (s *Store) Load() error {
	entries, err := s.db.AllConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string]string, len(entries))
	for _, e := range entries {
		s.cache[e.Category+"."+e.Key] = e.Value
	}
	log.Info().Int("keys", len(entries)).Msg("⚙️ Config loaded")
	return nil
}

// ReloadHot refreshes only the keys flagged hot-reloadable.
func (s *Store) ReloadHot() error {
	entries, err := s.db.HotReloadConfig()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		s.cache[e.Category+"."+e.Key] = e.Value
	}
	return nil
}

// Set persists a value and refreshes the cache. The value is JSON-encoded.
func (s *Store) Set(category, key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if err := s.db.UpsertConfig(&storage.ConfigEntry{
		Category: category, Key: key, Value: string(raw), IsHotReload: true,
	}); err != nil {
		return err
	}
	s.mu.Lock()
	s.cache[category+"."+key] = string(raw)
	s.mu.Unlock()
	return nil
}

// SetDefault seeds a value only when the key does not exist yet, so operator
// edits survive restarts.
func (s *Store) SetDefault(category, key string, value interface{}, description string) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if err := s.db.InsertConfigIfMissing(&storage.ConfigEntry{
		Category: category, Key: key, Value: string(raw),
		IsHotReload: true, Description: description,
	}); err != nil {
		return err
	}
	s.mu.Lock()
	if _, ok := s.cache[category+"."+key]; !ok {
		s.cache[category+"."+key] = string(raw)
	}
	s.mu.Unlock()
	return nil
}

// raw returns the stored JSON string for a flat key.
func (s *Store) raw(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.cache[key]
	return v, ok
}

// Snapshot returns a copy of the whole cache for the operator surfaces.
func (s *Store) Snapshot() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.cache))
	for k, v := range s.cache {
		out[k] = v
	}
	return out
}

// decodeString unwraps a JSON string; non-JSON values come back raw.
func decodeString(raw string) string {
	var v string
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

func (s *Store) GetString(key, def string) string {
	raw, ok := s.raw(key)
	if !ok {
		return def
	}
	return decodeString(raw)
}

func (s *Store) GetBool(key string, def bool) bool {
	raw, ok := s.raw(key)
	if !ok {
		return def
	}
	var v bool
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	str := strings.ToLower(decodeString(raw))
	return str == "true" || str == "1" || str == "yes"
}

func (s *Store) GetInt(key string, def int) int {
	raw, ok := s.raw(key)
	if !ok {
		return def
	}
	var v int
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	if i, err := strconv.Atoi(decodeString(raw)); err == nil {
		return i
	}
	log.Warn().Str("key", key).Str("value", raw).Msg("⚠️ Unparseable config value, using default")
	return def
}

func (s *Store) GetDecimal(key string, def decimal.Decimal) decimal.Decimal {
	raw, ok := s.raw(key)
	if !ok {
		return def
	}
	if d, err := decimal.NewFromString(strings.Trim(raw, `"`)); err == nil {
		return d
	}
	log.Warn().Str("key", key).Str("value", raw).Msg("⚠️ Unparseable config value, using default")
	return def
}

// GetSeconds reads an interval stored as a number of seconds.
func (s *Store) GetSeconds(key string, def time.Duration) time.Duration {
	raw, ok := s.raw(key)
	if !ok {
		return def
	}
	if d, err := decimal.NewFromString(strings.Trim(raw, `"`)); err == nil {
		f, _ := d.Float64()
		return time.Duration(f * float64(time.Second))
	}
	return def
}
