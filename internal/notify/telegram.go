// Package notify implements C11's best-effort Telegram alerting, adapted
// from bot/telegram.go's TelegramBot — same api.Send/sendMarkdown shape,
// narrowed to the operator alerts SPEC_FULL.md §4.11 names: circuit-break
// trips, pyramid session stops, and SELL rejections the approver should
// know about. Unlike the teacher's bot it never runs a command loop —
// paper-trading control stays on the (out-of-scope) HTTP surface, not chat
// commands.
package notify

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Telegram is a best-effort alert sink. A nil *Telegram is valid and every
// method on it is a no-op, so callers can wire it unconditionally even
// when no bot token is configured.
type Telegram struct {
	api    *tgbotapi.BotAPI
	chatID int64
	log    zerolog.Logger
}

// New connects a Telegram bot for chatID. Returns (nil, nil) when token is
// empty — alerting is optional, never required for the engine to run.
func New(token string, chatID int64, log zerolog.Logger) (*Telegram, error) {
	if token == "" {
		return nil, nil
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("notify: telegram init: %w", err)
	}
	log.Info().Str("username", api.Self.UserName).Msg("notify: telegram bot initialized")
	return &Telegram{api: api, chatID: chatID, log: log}, nil
}

func (t *Telegram) send(text string) {
	if t == nil || t.api == nil {
		return
	}
	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.ParseMode = "Markdown"
	if _, err := t.api.Send(msg); err != nil {
		t.log.Error().Err(err).Msg("notify: failed to send telegram message")
	}
}

// CircuitBreakerTripped alerts that the coordinator has stopped applying
// fills to C4 after repeated fatal errors (spec.md §7).
func (t *Telegram) CircuitBreakerTripped(lastErr error) {
	t.send(fmt.Sprintf("\U0001F6A8 *CIRCUIT BREAKER TRIPPED*\n\nThe coordinator has stopped applying fills.\n`%s`", lastErr.Error()))
}

// PendingRejected alerts that a human reviewer rejected a queued intent.
func (t *Telegram) PendingRejected(symbol, side string, qty decimal.Decimal, reason string) {
	t.send(fmt.Sprintf("❌ *PENDING ORDER REJECTED*\n\n%s %s\nQty: *%s*\nReason: %s", side, symbol, qty.StringFixed(8), reason))
}

// InsufficientPosition alerts that a SELL was rejected for exceeding the
// live position (spec.md §4.7 SELL validation).
func (t *Telegram) InsufficientPosition(symbol string, requested, available decimal.Decimal) {
	t.send(fmt.Sprintf("⚠️ *SELL REJECTED — INSUFFICIENT POSITION*\n\n%s\nRequested: *%s*\nAvailable: *%s*", symbol, requested.StringFixed(8), available.StringFixed(8)))
}

// PyramidStopped alerts that a DCA session stopped (manual, rejected, or
// timed out) before completing.
func (t *Telegram) PyramidStopped(sessionID uint64, symbol, reason string) {
	t.send(fmt.Sprintf("\U0001F6D1 *PYRAMID SESSION STOPPED*\n\nSession #%d — %s\nReason: %s", sessionID, symbol, reason))
}

// PyramidTakeProfit alerts that a DCA session hit its take-profit target.
func (t *Telegram) PyramidTakeProfit(sessionID uint64, symbol string, avgPrice, currentPrice decimal.Decimal) {
	t.send(fmt.Sprintf("\U0001F4B0 *PYRAMID TAKE-PROFIT TRIGGERED*\n\nSession #%d — %s\nAvg: *%s*  Current: *%s*", sessionID, symbol, avgPrice.StringFixed(8), currentPrice.StringFixed(8)))
}

// Startup alerts that the engine has come up.
func (t *Telegram) Startup(mode string) {
	t.send(fmt.Sprintf("\U0001F680 *PAPERDESK ENGINE STARTED*\n\nMode: *%s*", mode))
}
