package core

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/fundingbot/accounts"
	"github.com/web3guy0/fundingbot/bot"
	"github.com/web3guy0/fundingbot/collector"
	"github.com/web3guy0/fundingbot/config"
	"github.com/web3guy0/fundingbot/exchange"
	"github.com/web3guy0/fundingbot/executor"
	"github.com/web3guy0/fundingbot/monitor"
	"github.com/web3guy0/fundingbot/orders"
	"github.com/web3guy0/fundingbot/risk"
	"github.com/web3guy0/fundingbot/secrets"
	"github.com/web3guy0/fundingbot/storage"
	"github.com/web3guy0/fundingbot/types"
	"github.com/web3guy0/fundingbot/web"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ENGINE - Central orchestrator
// ═══════════════════════════════════════════════════════════════════════════════
//
// Flow:
//   Collector → Monitor → Executor (risk-gated) → Orders → Storage
//                  │            │
//                  └── web ws   └── Telegram / web notifications
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	backupInterval    = 24 * time.Hour
	hotReloadInterval = time.Minute
)

type Engine struct {
	env *config.Env
	db  *storage.Database

	accounts  *accounts.Store
	registry  *exchange.Registry
	cfg       *config.Store
	collector *collector.Collector
	monitor   *monitor.Monitor
	orders    *orders.Manager
	risk      *risk.Manager
	exec      *executor.Executor
	telegram  *bot.TelegramBot
	web       *web.Server

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewEngine builds and wires every component. The Telegram bot is optional:
// a missing token degrades to log-only notifications.
func NewEngine(env *config.Env, db *storage.Database) (*Engine, error) {
	box, err := secrets.Open(env.SecretKeyPath)
	if err != nil {
		return nil, err
	}

	acc := accounts.NewStore(db, box)
	registry := exchange.NewRegistry(acc)

	cfg := config.NewStore(db)
	if err := cfg.SeedDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Load(); err != nil {
		return nil, err
	}

	c := collector.New(registry, db, cfg)
	mon := monitor.New(c, db, cfg)
	om := orders.New(registry, db, cfg)
	rm := risk.New(db, cfg)
	rm.SetMarketData(c.Snapshot)
	exec := executor.New(db, cfg, registry, c, mon, om, rm)

	e := &Engine{
		env: env, db: db,
		accounts: acc, registry: registry, cfg: cfg,
		collector: c, monitor: mon, orders: om, risk: rm, exec: exec,
		stopCh: make(chan struct{}),
	}

	// Every completed scan feeds the admission gate.
	mon.AddListener(exec.Admit)

	tg, err := bot.NewTelegramBot(*env, db, cfg, mon, exec, registry)
	if err != nil {
		log.Warn().Err(err).Msg("⚠️ Telegram disabled")
	} else {
		e.telegram = tg
		exec.AddListener(tg.Notify)
		rm.SetAlertFunc(func(event types.Event, message string, positionID uint) {
			tg.Notify(executor.Notification{Event: event, Message: message})
		})
	}

	if env.WebEnabled {
		e.web = web.NewServer(env.WebListenAddr, db, cfg, mon, exec, acc, registry, func() {
			e.Reload(context.Background())
		})
	}

	return e, nil
}

// Start brings the stack up: credentials, drivers, market data, scanning,
// risk sweeps, execution, then the operator surfaces.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.mu.Unlock()

	if err := e.accounts.Load(); err != nil {
		return err
	}
	if err := e.registry.Reload(); err != nil {
		return err
	}
	if err := e.collector.Start(ctx); err != nil {
		return err
	}

	e.monitor.Start()
	e.risk.Start()
	e.exec.Start()

	// Orders left pending by a crash get a status refresh before anything new
	// is placed.
	if err := e.orders.SyncPendingOrders(ctx); err != nil {
		log.Warn().Err(err).Msg("⚠️ Pending order sync failed")
	}

	if e.telegram != nil {
		e.telegram.Start()
		e.telegram.NotifyStartup()
	}
	if e.web != nil {
		e.web.Start()
	}

	e.wg.Add(2)
	go e.backupLoop()
	go e.hotReloadLoop()

	log.Info().Msg("⚡ Engine started")
	return nil
}

// Stop shuts the stack down in reverse order.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.mu.Unlock()

	close(e.stopCh)

	if e.web != nil {
		e.web.Stop()
	}
	if e.telegram != nil {
		e.telegram.Stop()
	}
	e.exec.Stop()
	e.risk.Stop()
	e.monitor.Stop()
	e.collector.Stop()
	e.wg.Wait()

	log.Info().Msg("Engine stopped")
}

// Reload rebuilds drivers and the scan universe after a credential change.
func (e *Engine) Reload(ctx context.Context) {
	if err := e.accounts.Load(); err != nil {
		log.Error().Err(err).Msg("❌ Account reload failed")
		return
	}
	if err := e.registry.Reload(); err != nil {
		log.Error().Err(err).Msg("❌ Driver reload failed")
		return
	}
	e.collector.Reload(ctx)
	log.Info().Msg("🔄 Accounts, drivers and universe reloaded")
}

func (e *Engine) backupLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopCh:
			return
		case <-time.After(backupInterval):
			path, err := e.db.Backup(e.env.BackupDir)
			if err != nil {
				log.Error().Err(err).Msg("❌ Database backup failed")
				continue
			}
			log.Info().Str("path", path).Msg("💾 Database backed up")
		}
	}
}

func (e *Engine) hotReloadLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopCh:
			return
		case <-time.After(hotReloadInterval):
			if err := e.cfg.ReloadHot(); err != nil {
				log.Warn().Err(err).Msg("⚠️ Config hot reload failed")
			}
		}
	}
}
