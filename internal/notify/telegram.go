package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/taskd/internal/approval"
)

const (
	callbackPrefix = "approval:"
	actionApprove  = "approve"
	actionReject   = "reject"

	pollTimeoutSeconds = 60
	// The library blocks rather than closing the channel on a dead
	// connection, so silence past two long polls means reconnect.
	stallTimeout = 150 * time.Second
	maxBackoff   = 30 * time.Second
)

// Resolver decides approval requests; *approval.Gate satisfies it.
type Resolver interface {
	Approve(ctx context.Context, id, by string) (*approval.Request, error)
	Reject(ctx context.Context, id, by, reason string) (*approval.Request, error)
}

// Telegram sends messages through the Bot API and turns inline button
// presses into approval decisions.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger *slog.Logger
}

// NewTelegram connects to the Bot API. Button presses are honoured only in
// chatID.
func NewTelegram(token string, chatID int64, logger *slog.Logger) (*Telegram, error) {
	if token == "" {
		return nil, errors.New("telegram token is empty")
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "telegram")
	logger.Info("telegram bot ready", "user", bot.Self.UserName)
	return &Telegram{bot: bot, chatID: chatID, logger: logger}, nil
}

func (t *Telegram) Send(_ context.Context, m Message) error {
	msg := tgbotapi.NewMessage(m.ChatID, m.Text)
	if m.ApprovalID != "" {
		msg.ReplyMarkup = approvalKeyboard(m.ApprovalID)
	}
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

func approvalKeyboard(id string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("Approve", callbackData(id, actionApprove)),
		tgbotapi.NewInlineKeyboardButtonData("Reject", callbackData(id, actionReject)),
	))
}

func callbackData(id, action string) string {
	return callbackPrefix + id + ":" + action
}

// parseCallback splits "approval:<id>:<action>".
func parseCallback(data string) (id, action string, err error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(data), callbackPrefix)
	if !ok {
		return "", "", errors.New("not an approval callback")
	}
	i := strings.LastIndexByte(rest, ':')
	if i <= 0 || i == len(rest)-1 {
		return "", "", fmt.Errorf("malformed approval callback %q", data)
	}
	id, action = rest[:i], rest[i+1:]
	if action != actionApprove && action != actionReject {
		return "", "", fmt.Errorf("unknown approval action %q", action)
	}
	return id, action, nil
}

// Listen long-polls for button presses until ctx ends, reconnecting with
// exponential backoff when the poll stalls or drops.
func (t *Telegram) Listen(ctx context.Context, resolver Resolver) error {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return nil
		}
		u := tgbotapi.NewUpdate(0)
		u.Timeout = pollTimeoutSeconds
		u.AllowedUpdates = []string{"callback_query"}
		updates := t.bot.GetUpdatesChan(u)

		err := t.poll(ctx, updates, resolver)
		t.bot.StopReceivingUpdates()
		if err == nil {
			return nil
		}
		t.logger.Warn("telegram poll disconnected, reconnecting", "error", err, "backoff", backoff.String())
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func (t *Telegram) poll(ctx context.Context, updates tgbotapi.UpdatesChannel, resolver Resolver) error {
	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			return fmt.Errorf("no updates for %s", stallTimeout)
		case update, ok := <-updates:
			if !ok {
				return errors.New("update channel closed")
			}
			timer.Reset(stallTimeout)
			if update.CallbackQuery != nil {
				t.handleCallback(ctx, update.CallbackQuery, resolver)
			}
		}
	}
}

func (t *Telegram) handleCallback(ctx context.Context, q *tgbotapi.CallbackQuery, resolver Resolver) {
	if q.Message == nil || q.Message.Chat == nil || q.Message.Chat.ID != t.chatID {
		t.logger.Warn("approval callback from unexpected chat ignored")
		return
	}
	id, action, err := parseCallback(q.Data)
	if err != nil {
		t.logger.Debug("ignoring callback", "error", err)
		return
	}
	by := "telegram"
	if q.From != nil && q.From.UserName != "" {
		by = "telegram:" + q.From.UserName
	}

	var rerr error
	if action == actionApprove {
		_, rerr = resolver.Approve(ctx, id, by)
	} else {
		_, rerr = resolver.Reject(ctx, id, by, "rejected via Telegram")
	}
	ack := "Approved"
	if action == actionReject {
		ack = "Rejected"
	}
	switch {
	case errors.Is(rerr, approval.ErrNotPending):
		ack = "Already resolved"
	case rerr != nil:
		t.logger.Error("resolve approval from telegram failed", "approval_id", id, "error", rerr)
		ack = "Failed: " + rerr.Error()
	}
	if _, err := t.bot.Request(tgbotapi.NewCallback(q.ID, ack)); err != nil {
		t.logger.Warn("answer callback failed", "error", err)
	}
}
