// Package bot is the Telegram control surface: notifications for every
// lifecycle event plus operator commands.
package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/fundingbot/config"
	"github.com/web3guy0/fundingbot/exchange"
	"github.com/web3guy0/fundingbot/executor"
	"github.com/web3guy0/fundingbot/monitor"
	"github.com/web3guy0/fundingbot/storage"
	"github.com/web3guy0/fundingbot/types"
)

// TelegramBot manages the Telegram interface.
type TelegramBot struct {
	mu      sync.RWMutex
	api     *tgbotapi.BotAPI
	chatID  int64
	running bool
	stopCh  chan struct{}

	db       *storage.Database
	cfg      *config.Store
	monitor  *monitor.Monitor
	exec     *executor.Executor
	registry *exchange.Registry
}

// NewTelegramBot connects to the Telegram API. Token and chat id come from
// the environment config.
func NewTelegramBot(env config.Env, db *storage.Database, cfg *config.Store,
	mon *monitor.Monitor, exec *executor.Executor, registry *exchange.Registry) (*TelegramBot, error) {

	if env.TelegramToken == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN not set")
	}
	if env.TelegramChatID == 0 {
		return nil, fmt.Errorf("TELEGRAM_CHAT_ID not set")
	}

	api, err := tgbotapi.NewBotAPI(env.TelegramToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	b := &TelegramBot{
		api: api, chatID: env.TelegramChatID, stopCh: make(chan struct{}),
		db: db, cfg: cfg, monitor: mon, exec: exec, registry: registry,
	}
	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram bot initialized")
	return b, nil
}

// Start begins listening for commands.
func (b *TelegramBot) Start() {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.mu.Unlock()

	go b.commandLoop()
	log.Info().Msg("📱 Telegram bot started")
}

// Stop stops the bot.
func (b *TelegramBot) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return
	}
	b.running = false
	close(b.stopCh)
	log.Info().Msg("Telegram bot stopped")
}

// ═══════════════════════════════════════════════════════════════════════════════
// NOTIFICATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// Notify formats and sends one executor notification. Registered as an
// executor listener; must not block.
func (b *TelegramBot) Notify(n executor.Notification) {
	go func() {
		switch n.Event {
		case types.EventOpportunityFound:
			if n.Opportunity != nil {
				b.notifyOpportunity(n.Opportunity)
			}
		case types.EventPositionOpened:
			b.sendMarkdown(fmt.Sprintf("✅ *POSITION OPENED*\n\n%s", n.Message))
		case types.EventPositionClosed:
			b.notifyClosed(n)
		case types.EventPositionAutoClosed:
			b.sendMarkdown(fmt.Sprintf("⚠️ *POSITION AUTO-CLOSED*\n\n%s", n.Message))
		case types.EventPositionUpdated:
			b.sendMarkdown(fmt.Sprintf("🔄 *POSITION UPDATED*\n\n%s", n.Message))
		case types.EventExecutionFailed:
			b.sendMarkdown(fmt.Sprintf("❌ *EXECUTION FAILED*\n\n`%s`", n.Message))
		case types.EventRiskAlert:
			b.sendMarkdown(fmt.Sprintf("🚨 *RISK ALERT*\n\n%s", n.Message))
		case types.EventTrailingStop:
			b.sendMarkdown(fmt.Sprintf("🎯 *TRAILING STOP*\n\n%s", n.Message))
		case types.EventStrategyExit:
			b.sendMarkdown(fmt.Sprintf("🚪 *STRATEGY EXIT*\n\n%s", n.Message))
		}
	}()
}

func (b *TelegramBot) notifyOpportunity(opp *types.Opportunity) {
	msg := fmt.Sprintf(`🔍 *OPPORTUNITY* — manual review
━━━━━━━━━━━━━━━━
📊 *%s*
🆔 `+"`%s`"+`
💯 Score: *%.0f* | Risk: *%s*
💵 Expected: *$%s* (%s%%)
━━━━━━━━━━━━━━━━
Execute with /execute %s`,
		opp.Symbol, opp.ID, opp.Score, opp.RiskLevel,
		opp.ExpectedReturn.StringFixed(2),
		opp.ExpectedReturnPct.Mul(decimal.NewFromInt(100)).StringFixed(3),
		opp.ID,
	)
	b.sendMarkdown(msg)
}

func (b *TelegramBot) notifyClosed(n executor.Notification) {
	emoji := "📈"
	if n.Position != nil && n.Position.RealizedPnL.IsNegative() {
		emoji = "📉"
	}
	b.sendMarkdown(fmt.Sprintf("%s *POSITION CLOSED*\n\n%s", emoji, n.Message))
}

// NotifyStartup sends the startup banner.
func (b *TelegramBot) NotifyStartup() {
	mode := "LIVE"
	if b.cfg.GetBool("trading.simulation_mode", true) {
		mode = "SIMULATION"
	}
	msg := fmt.Sprintf(`🚀 *FUNDINGBOT STARTED*
━━━━━━━━━━━━━━━━━━━━

📊 Mode: *%s*
💰 Capital: *$%s*

Use /help for commands`,
		mode,
		b.cfg.GetDecimal("global.total_capital", decimal.NewFromInt(10000)).StringFixed(0),
	)
	b.sendMarkdown(msg)
}

// ═══════════════════════════════════════════════════════════════════════════════
// COMMAND HANDLING
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) commandLoop() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-b.stopCh:
			return
		case update := <-updates:
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			if update.Message.Chat.ID != b.chatID {
				continue
			}
			b.handleCommand(update.Message)
		}
	}
}

func (b *TelegramBot) handleCommand(msg *tgbotapi.Message) {
	switch strings.ToLower(msg.Command()) {
	case "start", "help":
		b.cmdHelp()
	case "status":
		b.cmdStatus()
	case "positions":
		b.cmdPositions()
	case "opportunities":
		b.cmdOpportunities()
	case "balance":
		b.cmdBalance()
	case "pause":
		b.exec.Pause()
		b.send("⏸️ Execution paused")
	case "resume":
		b.exec.Resume()
		b.send("▶️ Execution resumed")
	case "close":
		b.cmdClose(msg.CommandArguments())
	case "execute":
		b.cmdExecute(msg.CommandArguments())
	case "report":
		b.cmdReport()
	case "ping":
		b.send("🏓 Pong!")
	default:
		b.send("❓ Unknown command. Use /help")
	}
}

func (b *TelegramBot) cmdHelp() {
	b.sendMarkdown(`🤖 *FUNDINGBOT COMMANDS*
━━━━━━━━━━━━━━━━━━━━

📊 /status — Engine status
💼 /positions — Open positions
🔍 /opportunities — Current scan
💰 /balance — Venue balances
📈 /report — P&L report
⏸️ /pause — Pause execution
▶️ /resume — Resume execution
🔒 /close <id> — Close a position
⚡ /execute <id> — Execute an opportunity
🏓 /ping — Test connection`)
}

func (b *TelegramBot) cmdStatus() {
	mode := "LIVE"
	if b.cfg.GetBool("trading.simulation_mode", true) {
		mode = "SIMULATION"
	}
	state := "🟢 RUNNING"
	if b.exec.Paused() {
		state = "⏸️ PAUSED"
	}

	open, _ := b.db.OpenPositions()
	exposure, _ := b.db.OpenExposure()
	opps := b.monitor.Opportunities()

	b.sendMarkdown(fmt.Sprintf(`📊 *ENGINE STATUS*
━━━━━━━━━━━━━━━━━━━━

%s
📊 Mode: *%s*
💼 Open positions: *%d*
💵 Deployed: *$%s*
🔍 Opportunities: *%d*`,
		state, mode, len(open), exposure.StringFixed(2), len(opps)))
}

func (b *TelegramBot) cmdPositions() {
	positions, err := b.db.OpenPositions()
	if err != nil {
		b.send("❌ Failed to fetch positions")
		return
	}
	if len(positions) == 0 {
		b.send("📭 No open positions")
		return
	}

	msg := "💼 *OPEN POSITIONS*\n━━━━━━━━━━━━━━━━━━━━\n\n"
	for i, p := range positions {
		emoji := "📈"
		if p.CurrentPnL.IsNegative() {
			emoji = "📉"
		}
		msg += fmt.Sprintf(`%s *#%d %s* — %s
💵 Size: $%s | PnL: $%s
💸 Funding: $%s | Fees: $%s
⏱️ %v

`,
			emoji, p.ID, p.Symbol, p.StrategyType,
			p.PositionSize.StringFixed(2), p.CurrentPnL.StringFixed(2),
			p.FundingCollected.StringFixed(4), p.FeesPaid.StringFixed(4),
			time.Since(p.OpenTime).Round(time.Minute),
		)
		if i >= 9 {
			msg += fmt.Sprintf("_... and %d more_", len(positions)-10)
			break
		}
	}
	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdOpportunities() {
	opps := b.monitor.Opportunities()
	if len(opps) == 0 {
		b.send("📭 Nothing in the current scan")
		return
	}

	msg := "🔍 *OPPORTUNITIES*\n━━━━━━━━━━━━━━━━━━━━\n\n"
	for i, opp := range opps {
		msg += fmt.Sprintf("💯 %.0f `%s`\n💵 $%s (%s%%) | %s\n\n",
			opp.Score, opp.ID,
			opp.ExpectedReturn.StringFixed(2),
			opp.ExpectedReturnPct.Mul(decimal.NewFromInt(100)).StringFixed(3),
			opp.RiskLevel,
		)
		if i >= 4 {
			msg += fmt.Sprintf("_... and %d more_", len(opps)-5)
			break
		}
	}
	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdBalance() {
	drivers := b.registry.All()
	if len(drivers) == 0 {
		b.send("📭 No exchange accounts configured")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	msg := "💰 *VENUE BALANCES*\n━━━━━━━━━━━━━━━━━━━━\n\n"
	for name, driver := range drivers {
		balances, err := driver.Balance(ctx)
		if err != nil {
			msg += fmt.Sprintf("❌ %s: unavailable\n", name)
			continue
		}
		usdt := balances["USDT"]
		msg += fmt.Sprintf("💵 %s: *$%s*\n", name, usdt.StringFixed(2))
	}
	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdClose(args string) {
	id, err := strconv.ParseUint(strings.TrimSpace(args), 10, 32)
	if err != nil {
		b.send("Usage: /close <position id>")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := b.exec.ClosePosition(ctx, uint(id), "manual"); err != nil {
		b.send(fmt.Sprintf("❌ Close failed: %v", err))
		return
	}
	b.send(fmt.Sprintf("🔒 Position %d closed", id))
}

func (b *TelegramBot) cmdExecute(args string) {
	id := strings.TrimSpace(args)
	if id == "" {
		b.send("Usage: /execute <opportunity id>")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	p, err := b.exec.ExecuteByID(ctx, id)
	if err != nil {
		b.send(fmt.Sprintf("❌ Execute failed: %v", err))
		return
	}
	b.send(fmt.Sprintf("✅ Position %d opened", p.ID))
}

func (b *TelegramBot) cmdReport() {
	midnight := time.Now().Truncate(24 * time.Hour)
	today, _ := b.db.RealizedPnLSince(midnight)
	total, _ := b.db.TotalRealizedPnL()
	open, _ := b.db.OpenPositions()

	var unrealized, funding decimal.Decimal
	for _, p := range open {
		unrealized = unrealized.Add(p.CurrentPnL)
		funding = funding.Add(p.FundingCollected)
	}

	sign := func(v decimal.Decimal) string {
		if v.IsNegative() {
			return ""
		}
		return "+"
	}

	b.sendMarkdown(fmt.Sprintf(`📈 *P&L REPORT*
━━━━━━━━━━━━━━━━━━━━

📅 Today: *%s$%s*
💵 All time: *%s$%s*
💼 Unrealized: *%s$%s*
💸 Funding accrued: *$%s*`,
		sign(today), today.StringFixed(2),
		sign(total), total.StringFixed(2),
		sign(unrealized), unrealized.StringFixed(2),
		funding.StringFixed(4)))
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) send(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}

func (b *TelegramBot) sendMarkdown(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	msg.ParseMode = "Markdown"
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}
