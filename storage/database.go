package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Database wraps the gorm handle and every query the engine needs.
type Database struct {
	db     *gorm.DB
	sqlite bool
	path   string
}

func New(dbPath string) (*Database, error) {
	var db *gorm.DB
	var err error
	isSqlite := false

	// Check if this is a PostgreSQL connection string
	if strings.HasPrefix(dbPath, "postgres://") || strings.HasPrefix(dbPath, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dbPath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("Database connected (PostgreSQL)")
	} else {
		dir := filepath.Dir(dbPath)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, err
			}
		}
		db, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		isSqlite = true
		log.Info().Str("path", dbPath).Msg("Database initialized (SQLite)")
	}

	if err := db.AutoMigrate(
		&ConfigEntry{}, &ExchangeAccount{}, &TradingPairConfig{},
		&FundingRate{}, &MarketPrice{}, &Kline{},
		&Order{}, &Position{}, &RiskEvent{},
	); err != nil {
		return nil, err
	}

	return &Database{db: db, sqlite: isSqlite, path: dbPath}, nil
}

// NewMemory opens an in-memory SQLite database (tests).
func NewMemory() (*Database, error) {
	return New("file::memory:?cache=shared")
}

func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// withRetry re-runs fn when SQLite reports the file locked by another
// writer. Linear backoff, three attempts.
func (d *Database) withRetry(fn func() error) error {
	var err error
	for attempt := 1; attempt <= 3; attempt++ {
		err = fn()
		if err == nil || !strings.Contains(err.Error(), "database is locked") {
			return err
		}
		time.Sleep(time.Duration(attempt) * 200 * time.Millisecond)
	}
	return err
}

// Backup copies the SQLite file next to itself with a timestamp suffix.
// No-op for PostgreSQL.
func (d *Database) Backup(backupDir string) (string, error) {
	if !d.sqlite {
		return "", nil
	}
	if err := os.MkdirAll(backupDir, 0755); err != nil {
		return "", err
	}
	dst := filepath.Join(backupDir, fmt.Sprintf("%s.%s.bak",
		filepath.Base(d.path), time.Now().Format("20060102_150405")))

	src, err := os.Open(d.path)
	if err != nil {
		return "", fmt.Errorf("open database for backup: %w", err)
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	defer out.Close()

	if _, err := io.Copy(out, src); err != nil {
		os.Remove(dst)
		return "", err
	}
	log.Info().Str("path", dst).Msg("💾 Database backup written")
	return dst, nil
}

// Config operations

func (d *Database) AllConfig() ([]ConfigEntry, error) {
	var entries []ConfigEntry
	err := d.db.Find(&entries).Error
	return entries, err
}

func (d *Database) HotReloadConfig() ([]ConfigEntry, error) {
	var entries []ConfigEntry
	err := d.db.Where("is_hot_reload = ?", true).Find(&entries).Error
	return entries, err
}

func (d *Database) GetConfigEntry(category, key string) (*ConfigEntry, error) {
	var entry ConfigEntry
	err := d.db.Where("category = ? AND key = ?", category, key).First(&entry).Error
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// UpsertConfig writes a config value, creating the row if absent.
func (d *Database) UpsertConfig(entry *ConfigEntry) error {
	return d.withRetry(func() error {
		return d.db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "category"}, {Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "is_hot_reload", "description", "updated_at"}),
		}).Create(entry).Error
	})
}

// InsertConfigIfMissing seeds a default without touching an existing value.
func (d *Database) InsertConfigIfMissing(entry *ConfigEntry) error {
	return d.withRetry(func() error {
		return d.db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "category"}, {Name: "key"}},
			DoNothing: true,
		}).Create(entry).Error
	})
}

// Exchange account operations

func (d *Database) AllAccounts() ([]ExchangeAccount, error) {
	var accounts []ExchangeAccount
	err := d.db.Find(&accounts).Error
	return accounts, err
}

func (d *Database) ActiveAccounts() ([]ExchangeAccount, error) {
	var accounts []ExchangeAccount
	err := d.db.Where("is_active = ?", true).Find(&accounts).Error
	return accounts, err
}

func (d *Database) GetAccount(exchangeName string) (*ExchangeAccount, error) {
	var account ExchangeAccount
	err := d.db.Where("exchange_name = ?", exchangeName).First(&account).Error
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (d *Database) SaveAccount(account *ExchangeAccount) error {
	return d.withRetry(func() error {
		return d.db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "exchange_name"}},
			DoUpdates: clause.AssignmentColumns([]string{"api_key", "api_secret", "passphrase", "is_active"}),
		}).Create(account).Error
	})
}

func (d *Database) DeleteAccount(exchangeName string) error {
	return d.db.Where("exchange_name = ?", exchangeName).Delete(&ExchangeAccount{}).Error
}

func (d *Database) SetAccountActive(exchangeName string, active bool) error {
	return d.db.Model(&ExchangeAccount{}).
		Where("exchange_name = ?", exchangeName).
		Update("is_active", active).Error
}

// Trading pair config operations

func (d *Database) ActivePairConfigs() ([]TradingPairConfig, error) {
	var pairs []TradingPairConfig
	err := d.db.Where("is_active = ?", true).Order("priority DESC").Find(&pairs).Error
	return pairs, err
}

// PairConfig resolves (symbol, exchange) exactly first, then falls back to a
// symbol-level row with empty exchange. Returns nil when neither exists.
func (d *Database) PairConfig(symbol, exchange string) (*TradingPairConfig, error) {
	var pair TradingPairConfig
	err := d.db.Where("symbol = ? AND exchange = ? AND is_active = ?", symbol, exchange, true).
		First(&pair).Error
	if err == nil {
		return &pair, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	err = d.db.Where("symbol = ? AND exchange = ? AND is_active = ?", symbol, "", true).
		First(&pair).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pair, nil
}

func (d *Database) SavePairConfig(pair *TradingPairConfig) error {
	return d.withRetry(func() error {
		return d.db.Save(pair).Error
	})
}

// Funding rate operations

func (d *Database) UpsertFundingRate(fr *FundingRate) error {
	return d.withRetry(func() error {
		return d.db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "exchange"}, {Name: "symbol"}, {Name: "timestamp"}},
			DoUpdates: clause.AssignmentColumns([]string{"funding_rate", "next_funding_time", "funding_interval"}),
		}).Create(fr).Error
	})
}

// FundingHistory returns samples for one (exchange, symbol) at or after
// `since` (ms), oldest first.
func (d *Database) FundingHistory(exchange, symbol string, since int64) ([]FundingRate, error) {
	var rates []FundingRate
	err := d.db.Where("exchange = ? AND symbol = ? AND timestamp >= ?", exchange, symbol, since).
		Order("timestamp ASC").Find(&rates).Error
	return rates, err
}

// LatestFundingRates returns the most recent sample per (exchange, symbol)
// no older than `since` (ms).
func (d *Database) LatestFundingRates(since int64) ([]FundingRate, error) {
	var rates []FundingRate
	sub := d.db.Model(&FundingRate{}).
		Select("exchange, symbol, MAX(timestamp) AS timestamp").
		Where("timestamp >= ?", since).
		Group("exchange, symbol")
	err := d.db.Joins("JOIN (?) latest ON funding_rates.exchange = latest.exchange AND funding_rates.symbol = latest.symbol AND funding_rates.timestamp = latest.timestamp", sub).
		Find(&rates).Error
	return rates, err
}

// RecentSettlementTimes returns the two most recent distinct settlement
// instants recorded for one (exchange, symbol), newest first. Samples arrive
// every few minutes, so the sample timestamps themselves say nothing about
// the funding period; the predicted next_funding_time values do.
func (d *Database) RecentSettlementTimes(exchange, symbol string) ([]int64, error) {
	var times []int64
	err := d.db.Model(&FundingRate{}).Distinct().
		Where("exchange = ? AND symbol = ? AND next_funding_time > 0", exchange, symbol).
		Order("next_funding_time DESC").Limit(2).
		Pluck("next_funding_time", &times).Error
	return times, err
}

// Market price operations

func (d *Database) InsertMarketPrice(mp *MarketPrice) error {
	return d.withRetry(func() error {
		return d.db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "exchange"}, {Name: "symbol"}, {Name: "timestamp"}},
			DoNothing: true,
		}).Create(mp).Error
	})
}

// LatestMarketPrices returns the freshest sample per (exchange, symbol) no
// older than `since` (ms). Used to preload the collector cache.
func (d *Database) LatestMarketPrices(since int64) ([]MarketPrice, error) {
	var prices []MarketPrice
	sub := d.db.Model(&MarketPrice{}).
		Select("exchange, symbol, MAX(timestamp) AS timestamp").
		Where("timestamp >= ?", since).
		Group("exchange, symbol")
	err := d.db.Joins("JOIN (?) latest ON market_prices.exchange = latest.exchange AND market_prices.symbol = latest.symbol AND market_prices.timestamp = latest.timestamp", sub).
		Find(&prices).Error
	return prices, err
}

// PruneMarketPrices deletes price samples older than `before` (ms).
func (d *Database) PruneMarketPrices(before int64) (int64, error) {
	res := d.db.Where("timestamp < ?", before).Delete(&MarketPrice{})
	return res.RowsAffected, res.Error
}

// Kline operations (CSV import)

func (d *Database) InsertKlines(klines []Kline) (int64, error) {
	if len(klines) == 0 {
		return 0, nil
	}
	res := d.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "exchange"}, {Name: "symbol"}, {Name: "timeframe"}, {Name: "timestamp"}},
		DoNothing: true,
	}).CreateInBatches(klines, 500)
	return res.RowsAffected, res.Error
}

// Order operations

func (d *Database) SaveOrder(order *Order) error {
	return d.withRetry(func() error {
		return d.db.Save(order).Error
	})
}

func (d *Database) OrdersByPosition(positionID uint) ([]Order, error) {
	var orders []Order
	err := d.db.Where("strategy_id = ?", positionID).Order("create_time ASC").Find(&orders).Error
	return orders, err
}

func (d *Database) PendingOrders() ([]Order, error) {
	var orders []Order
	err := d.db.Where("status IN ?", []string{"open", "partially_filled"}).Find(&orders).Error
	return orders, err
}

// Position operations

func (d *Database) SavePosition(position *Position) error {
	return d.withRetry(func() error {
		return d.db.Save(position).Error
	})
}

func (d *Database) GetPosition(id uint) (*Position, error) {
	var position Position
	err := d.db.First(&position, id).Error
	if err != nil {
		return nil, err
	}
	return &position, nil
}

func (d *Database) OpenPositions() ([]Position, error) {
	var positions []Position
	err := d.db.Where("status IN ?", []string{"open", "emergency_close_pending"}).
		Order("open_time ASC").Find(&positions).Error
	return positions, err
}

func (d *Database) ClosedPositions(limit int) ([]Position, error) {
	var positions []Position
	err := d.db.Where("status = ?", "closed").
		Order("close_time DESC").Limit(limit).Find(&positions).Error
	return positions, err
}

func (d *Database) OpenPositionCount(symbol string) (int64, error) {
	var n int64
	err := d.db.Model(&Position{}).
		Where("symbol = ? AND status IN ?", symbol, []string{"open", "emergency_close_pending"}).
		Count(&n).Error
	return n, err
}

// OpenExposure sums the position sizes of all open positions.
func (d *Database) OpenExposure() (decimal.Decimal, error) {
	var result struct {
		Total decimal.Decimal
	}
	err := d.db.Model(&Position{}).
		Select("COALESCE(SUM(position_size), 0) as total").
		Where("status IN ?", []string{"open", "emergency_close_pending"}).
		Scan(&result).Error
	return result.Total, err
}

// TotalRealizedPnL sums realised PnL across closed positions.
func (d *Database) TotalRealizedPnL() (decimal.Decimal, error) {
	var result struct {
		Total decimal.Decimal
	}
	err := d.db.Model(&Position{}).
		Select("COALESCE(SUM(realized_pnl), 0) as total").
		Where("status = ?", "closed").
		Scan(&result).Error
	return result.Total, err
}

// RealizedPnLSince sums realised PnL for positions closed at or after t.
func (d *Database) RealizedPnLSince(t time.Time) (decimal.Decimal, error) {
	var result struct {
		Total decimal.Decimal
	}
	err := d.db.Model(&Position{}).
		Select("COALESCE(SUM(realized_pnl), 0) as total").
		Where("status = ? AND close_time >= ?", "closed", t).
		Scan(&result).Error
	return result.Total, err
}

// Risk event operations

func (d *Database) SaveRiskEvent(event *RiskEvent) error {
	return d.withRetry(func() error {
		return d.db.Create(event).Error
	})
}

func (d *Database) RecentRiskEvents(limit int) ([]RiskEvent, error) {
	var events []RiskEvent
	err := d.db.Order("timestamp DESC").Limit(limit).Find(&events).Error
	return events, err
}

func (d *Database) UnhandledRiskEvents() ([]RiskEvent, error) {
	var events []RiskEvent
	err := d.db.Where("is_handled = ?", false).Order("timestamp ASC").Find(&events).Error
	return events, err
}

func (d *Database) MarkRiskEventHandled(id uint) error {
	return d.db.Model(&RiskEvent{}).Where("id = ?", id).Update("is_handled", true).Error
}

// Stats aggregates headline numbers for the operator surfaces.
func (d *Database) Stats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var openCount int64
	d.db.Model(&Position{}).Where("status = ?", "open").Count(&openCount)
	stats["open_positions"] = openCount

	var closedCount int64
	d.db.Model(&Position{}).Where("status = ?", "closed").Count(&closedCount)
	stats["closed_positions"] = closedCount

	pnl, _ := d.TotalRealizedPnL()
	stats["total_realized_pnl"] = pnl

	exposure, _ := d.OpenExposure()
	stats["open_exposure"] = exposure

	var eventCount int64
	d.db.Model(&RiskEvent{}).Where("is_handled = ?", false).Count(&eventCount)
	stats["unhandled_risk_events"] = eventCount

	return stats, nil
}
